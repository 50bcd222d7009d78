package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/suaps-autoresa/internal/cardcode"
)

func newCardCodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cardcode <code>",
		Short: "Normalize a card code the way it is sent to SUAPS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hex, err := cardcode.Normalize(args[0])
			if err != nil {
				return err
			}
			dec, err := cardcode.ToDecimal(hex)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "input:   %s (%s)\n", args[0], cardcode.Detect(args[0]))
			fmt.Fprintf(out, "hex:     %s\n", hex)
			fmt.Fprintf(out, "decimal: %s\n", dec)
			fmt.Fprintf(out, "display: %s\n", cardcode.Display(hex))
			return nil
		},
	}
}
