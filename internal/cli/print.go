package cli

import (
	"github.com/spf13/cobra"

	"github.com/me/godeck/internal/parser"
)

func newPrintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print DECK",
		Short: "Print a deck in canonical form",
		Long: `Parses the deck, applies its parameter block substitutions and prints
the resulting cards the way the driver sees them. Placeholders that no
parameter assigns are kept verbatim and logged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dk, err := parser.New(logger).ParseFile(args[0])
			if err != nil {
				return err
			}
			for name, count := range dk.Unresolved {
				logger.Warn("placeholder never assigned", "deck", dk.Name, "placeholder", name, "uses", count)
			}
			return dk.Write(cmd.OutOrStdout())
		},
	}
}
