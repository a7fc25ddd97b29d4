package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/godeck/internal/catalog"
	"github.com/me/godeck/pkg/deck"
)

func newCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog [STEP_TYPE]",
		Short: "List step types or show one type's default records",
		Long: `Without arguments, lists every known step type. With a step type,
prints each of its records: the dataline rules, the declared outputs
and every parameter with its kind and default value.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, t := range cat.StepTypes() {
					fmt.Fprintln(out, t)
				}
				return nil
			}
			records := cat.Records(args[0])
			if records == nil {
				return fmt.Errorf("unknown step type %q (known: %s)",
					args[0], strings.Join(cat.StepTypes(), ", "))
			}
			for i, rec := range records {
				if i > 0 {
					fmt.Fprintln(out)
				}
				printRecord(out, rec)
			}
			return nil
		},
	}
}

func printRecord(w io.Writer, rec *catalog.Record) {
	header := rec.StepType
	if rec.Type != "" {
		header += ", type=" + rec.Type
	}
	fmt.Fprintf(w, "*%s\n", header)
	fmt.Fprintf(w, "  datalines %s, fields per line %s\n", rec.Lines, rec.LineFields)
	if len(rec.Outputs) > 0 {
		fmt.Fprintf(w, "  outputs: %s\n", strings.Join(rec.Outputs, ", "))
	}
	fmt.Fprintf(w, "  %-16s %-9s %s\n", "PARAMETER", "KIND", "DEFAULT")
	for _, spec := range rec.Defaults {
		def := spec.Default
		if def == "" {
			def = `""`
		}
		if spec.Kind == deck.KindEnum {
			def += " (" + strings.Join(spec.Allowed, "|") + ")"
		}
		fmt.Fprintf(w, "  %-16s %-9s %s\n", spec.Name, spec.Kind, def)
	}
}
