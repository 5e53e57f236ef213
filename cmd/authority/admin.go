package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/solosolocodes/lablab-sub002/internal/adapter/postgres"
	"github.com/solosolocodes/lablab-sub002/internal/config"
	"github.com/solosolocodes/lablab-sub002/internal/domain/experiment"
	"github.com/solosolocodes/lablab-sub002/internal/service"
)

// runAdmin dispatches admin subcommands (migrate, seed).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runAdminMigrate(args[1:])
	case "seed":
		return runAdminSeed(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: authority admin <command> [options]

Commands:
  migrate   Apply, roll back or inspect schema migrations
  seed      Load session definitions and scenario assets from a JSON file
  help      Show this help message

Examples:
  authority admin migrate
  authority admin migrate --down 1
  authority admin migrate --status
  authority admin seed --file sessions.json
`)
}

func runAdminMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	down := fs.Int("down", 0, "roll back this many migrations")
	status := fs.Bool("status", false, "print the current schema version")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()

	switch {
	case *status:
		v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		fmt.Printf("schema version %d\n", v)
	case *down > 0:
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *down); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Rolled back %d migration(s)\n", *down)
	default:
		applied, err := postgres.RunMigrations(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Applied %d migration(s)\n", len(applied))
	}
	return nil
}

// seedFile is the document accepted by "admin seed".
type seedFile struct {
	Sessions  []experiment.Session       `json:"sessions"`
	Scenarios map[string]json.RawMessage `json:"scenarios"`
	Wallets   map[string]json.RawMessage `json:"wallets"`
}

func readSeedFile(path string) (*seedFile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range seed.Sessions {
		if err := seed.Sessions[i].Prepare(); err != nil {
			return nil, fmt.Errorf("session %d: %w", i, err)
		}
	}
	return &seed, nil
}

func runAdminSeed(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	file := fs.String("file", "", "seed file (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("--file is required")
	}

	seed, err := readSeedFile(*file)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	catalog := service.NewCatalogService(postgres.NewStore(pool), nil, 0)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KIND\tID\tDETAIL")
	for i := range seed.Sessions {
		s := &seed.Sessions[i]
		if err := catalog.PutSession(ctx, s); err != nil {
			return fmt.Errorf("put session %s: %w", s.ID, err)
		}
		_, _ = fmt.Fprintf(w, "session\t%s\t%d stages\n", s.ID, len(s.Stages))
	}
	for _, id := range sortedKeys(seed.Scenarios) {
		if err := catalog.PutScenarioDetail(ctx, id, seed.Scenarios[id]); err != nil {
			return fmt.Errorf("put scenario %s: %w", id, err)
		}
		_, _ = fmt.Fprintf(w, "scenario\t%s\t%d bytes\n", id, len(seed.Scenarios[id]))
	}
	for _, id := range sortedKeys(seed.Wallets) {
		if err := catalog.PutWalletAssets(ctx, id, seed.Wallets[id]); err != nil {
			return fmt.Errorf("put wallet %s: %w", id, err)
		}
		_, _ = fmt.Fprintf(w, "wallet\t%s\t%d bytes\n", id, len(seed.Wallets[id]))
	}
	return w.Flush()
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
