package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/solosolocodes/lablab-sub002/internal/domain/progress"
	"github.com/solosolocodes/lablab-sub002/internal/logger"
	"github.com/solosolocodes/lablab-sub002/internal/progresssync"
)

func init() {
	rootCmd.AddCommand(progressCmd)
}

var progressCmd = &cobra.Command{
	Use:   "progress <session-id>",
	Short: "Print the synced progress record of a session",
	Long: `Loads the participant's progress record for a session. When the authority
cannot be reached the cached or fallback record is printed; "source" tells
which one.`,
	Args: cobra.ExactArgs(1),
	RunE: runProgress,
}

// progressView is the printed form of a synchronization outcome.
type progressView struct {
	Source    progresssync.Source `json:"source"`
	Persisted bool                `json:"persisted"`
	Cause     string              `json:"cause,omitempty"`
	Record    *progress.Record    `json:"record"`
}

func newProgressView(o progresssync.Outcome) progressView {
	v := progressView{Source: o.Source, Persisted: o.Persisted, Record: o.Record}
	if o.Cause != nil {
		v.Cause = o.Cause.Error()
	}
	return v
}

func runProgress(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, closeLog := logger.NewWithWriter(cfg.Logging, os.Stderr)
	defer closeLog.Close()

	ctx := cmd.Context()
	st, err := buildStack(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = st.close(ctx) }()

	outcome, err := st.sync.Load(ctx, args[0])
	if err != nil {
		return fmt.Errorf("load progress: %w", err)
	}

	out, err := json.MarshalIndent(newProgressView(outcome), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
