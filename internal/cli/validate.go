package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/me/godeck/internal/parser"
	"github.com/me/godeck/internal/pipeline"
	"github.com/me/godeck/pkg/model"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate DECK...",
		Short: "Check decks against the catalog without running them",
		Long: `Parses each deck and checks it the way a run would: placeholders all
assigned, cards bound against the catalog, references resolvable in
declaration order. Every problem is reported, not just the first.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog()
			if err != nil {
				return err
			}
			p := parser.New(logger)
			v := pipeline.NewValidator(logger, cat)
			out := cmd.OutOrStdout()

			bad := 0
			for _, path := range args {
				dk, err := p.ParseFile(path)
				if err == nil {
					err = v.Validate(dk)
				}
				if err == nil {
					fmt.Fprintf(out, "%s: ok\n", path)
					continue
				}
				bad++
				printProblems(out, path, err)
			}
			if bad > 0 {
				return fmt.Errorf("%d of %d decks invalid", bad, len(args))
			}
			return nil
		},
	}
}

// printProblems renders a deck's validation outcome, one indented line
// per collected detail.
func printProblems(w io.Writer, path string, err error) {
	var pe *model.PipelineError
	if !errors.As(err, &pe) {
		fmt.Fprintf(w, "%s: %v\n", path, err)
		return
	}
	fmt.Fprintf(w, "%s: %s\n", path, pe.Message)
	for _, d := range pe.Details {
		scope := d.Field
		if d.Path != "" {
			if scope != "" {
				scope = d.Path + "." + scope
			} else {
				scope = d.Path
			}
		}
		if scope == "" {
			fmt.Fprintf(w, "  - %s\n", d.Message)
			continue
		}
		fmt.Fprintf(w, "  - %s: %s\n", scope, d.Message)
	}
}
