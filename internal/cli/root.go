// Package cli implements the godeck command line: running decks,
// validating them against the catalog, printing their canonical form,
// expanding templates and inspecting the step catalog.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/me/godeck/internal/catalog"
	"github.com/me/godeck/internal/config"
	"github.com/me/godeck/internal/logging"
	"github.com/me/godeck/internal/stager"
	"github.com/me/godeck/internal/store"
)

var (
	flagConfig    string
	flagVerbose   bool
	flagQuiet     bool
	flagLogLevel  string
	flagLogFormat string

	cfg    config.Config
	logger *slog.Logger
)

// NewRootCmd builds the godeck command tree. Logging and configuration
// are set up in the persistent pre-run so every subcommand sees the
// same cfg and logger.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "godeck",
		Short: "Run deck-driven processing pipelines",
		Long: `godeck parses card decks, binds each card against the step catalog,
executes the resulting node graphs and delivers outputs and reports
to the deck's sink directory.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg = config.Default()
			if flagConfig != "" {
				cfg, err = config.Load(flagConfig)
				if err != nil {
					return err
				}
			}
			if flagLogLevel != "" {
				cfg.LogLevel = flagLogLevel
			}
			if flagLogFormat != "" {
				cfg.LogFormat = flagLogFormat
			}
			level := logging.ParseLevel(cfg.LogLevel)
			if flagVerbose {
				level = slog.LevelDebug
			}
			if flagQuiet {
				level = slog.LevelError
			}
			logger = logging.NewLogger(level, cfg.LogFormat)
			return nil
		},
		// main prints the returned error once.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "Path to a YAML configuration file")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	pf.BoolVarP(&flagQuiet, "quiet", "q", false, "Log errors only")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&flagLogFormat, "log-format", "", "Log format: text or json")

	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newPrintCmd(),
		newTemplateCmd(),
		newCatalogCmd(),
	)
	return root
}

// loadCatalog builds the step catalog: embedded records plus any
// configured override directory.
func loadCatalog() (*catalog.Catalog, error) {
	return catalog.NewWithOverrides(logger, cfg.CatalogDir)
}

// newStager picks the staging backend named by the configuration.
func newStager(ctx context.Context) (stager.Stager, error) {
	if cfg.Stager.Mode == "s3" {
		return stager.NewS3Stager(ctx, logger, cfg.Stager.S3)
	}
	return stager.NewFileStager(), nil
}

// openStore opens the run ledger at path, migrating it to the current
// schema. An empty path disables the ledger.
func openStore(ctx context.Context, path string) (store.Store, error) {
	if path == "" {
		return nil, nil
	}
	st, err := store.NewSQLiteStore(path, logger)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return st, nil
}
