// Command participant drives one experiment session from the terminal
// against a lablab authority.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/solosolocodes/lablab-sub002/internal/config"
)

var (
	configFlag      string
	authorityFlag   string
	participantFlag string
)

var rootCmd = &cobra.Command{
	Use:           "participant",
	Short:         "Run lablab experiment sessions from the terminal",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", config.DefaultConfigFile, "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&authorityFlag, "authority", "", "authority base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&participantFlag, "participant", "", "participant id (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig applies the command line overrides on top of the loaded config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFrom(configFlag)
	if err != nil {
		return nil, err
	}
	if authorityFlag != "" {
		cfg.Authority.BaseURL = authorityFlag
	}
	if participantFlag != "" {
		cfg.Authority.ParticipantID = participantFlag
	}
	if cfg.Authority.ParticipantID == "" {
		return nil, fmt.Errorf("participant id is required (--participant or LABLAB_PARTICIPANT_ID)")
	}
	return cfg, nil
}
