package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/godeck/internal/parser"
)

func newTemplateCmd() *cobra.Command {
	var (
		tablePath string
		outDir    string
	)

	cmd := &cobra.Command{
		Use:   "template DECK",
		Short: "Expand a deck template against a variable table",
		Long: `Generates one deck per column of the CSV table. The table's first
column names the variables; every other column assigns them for one
generated deck. Assignments override the template's own parameter
block. The generated deck paths are printed in table order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := parser.New(logger).ExpandTemplate(args[0], tablePath, outDir)
			if err != nil {
				return err
			}
			for _, path := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tablePath, "table", "", "CSV variable table, one column per generated deck")
	cmd.Flags().StringVar(&outDir, "out", "", "Directory for the generated decks")
	cmd.MarkFlagRequired("table")

	return cmd
}
