package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/godeck/internal/nodeops"
	"github.com/me/godeck/internal/parser"
	"github.com/me/godeck/internal/pipeline"
	"github.com/me/godeck/pkg/model"
)

func newRunCmd() *cobra.Command {
	var (
		sink       string
		parallel   bool
		maxWorkers int
		storePath  string
		tablePath  string
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "run DECK...",
		Short: "Execute decks and deliver their outputs",
		Long: `Parses each deck, binds its cards against the catalog and executes
the step graphs, delivering outputs and the composite report to the
sink directory. Several decks form a batch: a failing deck is
recorded and the batch proceeds to the next one.

With --table the decks are treated as templates and expanded against
the variable table first, one run per table column.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p := parser.New(logger)

			deckPaths := args
			if tablePath != "" {
				dir, err := os.MkdirTemp("", "godeck-decks-")
				if err != nil {
					return fmt.Errorf("create expansion dir: %w", err)
				}
				var expanded []string
				for _, path := range args {
					decks, err := p.ExpandTemplate(path, tablePath, dir)
					if err != nil {
						return err
					}
					expanded = append(expanded, decks...)
				}
				deckPaths = expanded
			}

			items := make([]pipeline.BatchItem, 0, len(deckPaths))
			for _, path := range deckPaths {
				dk, err := p.ParseFile(path)
				items = append(items, pipeline.BatchItem{Path: path, Deck: dk, Err: err})
			}

			cat, err := loadCatalog()
			if err != nil {
				return err
			}
			stg, err := newStager(ctx)
			if err != nil {
				return err
			}
			if storePath == "" {
				storePath = cfg.StorePath
			}
			st, err := openStore(ctx, storePath)
			if err != nil {
				return err
			}
			if st != nil {
				defer st.Close()
			}
			if maxWorkers == 0 {
				maxWorkers = cfg.MaxWorkers
			}

			driver := pipeline.NewDriver(logger, cat, nodeops.NewExecRunner(logger), stg, st, pipeline.Options{
				WorkRoot:       cfg.WorkRoot,
				SinkOverride:   sink,
				DryRun:         dryRun,
				Parallel:       parallel,
				MaxWorkers:     maxWorkers,
				MaxIterWorkers: cfg.MaxIterWorkers,
			})

			batch := driver.RunBatch(ctx, items)
			printBatch(cmd.OutOrStdout(), batch)
			if batch.Failed() {
				return fmt.Errorf("%d of %d decks failed", len(batch.Failures), len(items))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sink, "sink", "", "Sink directory overriding the decks' sink cards")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "Run independent cards concurrently")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Concurrent cards with --parallel")
	cmd.Flags().StringVar(&storePath, "store", "", "Run ledger database path")
	cmd.Flags().StringVar(&tablePath, "table", "", "CSV variable table expanding each deck template")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Bind and build graphs without executing anything")

	return cmd
}

// printBatch writes one line per run plus one per failure that never
// produced a run, such as decks that failed to parse.
func printBatch(w io.Writer, batch *pipeline.BatchResult) {
	fmt.Fprintf(w, "%-24s %-12s %-16s %s\n", "DECK", "STATE", "STEPS", "RESULT")
	for _, run := range batch.Runs {
		steps := fmt.Sprintf("%d/%d recorded", run.StepSummary.Recorded, run.StepSummary.Total)
		result := run.ReportPath
		if run.State == model.RunStateFailed {
			result = run.Error
		}
		if result == "" {
			result = "-"
		}
		fmt.Fprintf(w, "%-24s %-12s %-16s %s\n", run.DeckName, run.State, steps, result)
	}
	for _, f := range batch.Failures {
		if f.RunID != "" {
			continue
		}
		fmt.Fprintf(w, "%-24s %-12s %-16s [%s] %s\n",
			f.DeckPath, model.RunStateFailed, "-", f.Code, f.Message)
	}
}
