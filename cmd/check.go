package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/suaps-autoresa/internal/scheduler"
)

func newCheckCmd() *cobra.Command {
	var (
		user     string
		detailed bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report current seat availability for active slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.scheduler(ctx, true).CheckAvailability(ctx, user)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, rep.Message())
			fmt.Fprintf(out, "déjà inscrit: %d, erreurs: %d\n\n", rep.AlreadyRegistered, rep.Errors)
			items := rep.OpenItems()
			if detailed {
				items = rep.Items
			}
			printItems(out, items)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "only check this user's slots")
	cmd.Flags().BoolVar(&detailed, "detailed", false, "list every slot, not only the open ones")
	return cmd
}

func printItems(w io.Writer, items []scheduler.Item) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tUSER\tCRENEAU\tPLACES\tETAT")
	for _, it := range items {
		places, state := "-", "ouvert"
		if it.Availability != nil {
			places = fmt.Sprintf("%d/%d", it.Availability.Capacity, it.Availability.Total)
		}
		switch {
		case it.AlreadyRegistered:
			state = "déjà inscrit"
		case it.Error != "":
			state = "erreur: " + it.Error
		case !it.Available():
			state = "complet"
		}
		if it.AutoBooked != nil {
			state += " (" + string(*it.AutoBooked) + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", it.SlotID, it.UserID, it.Label, places, state)
	}
	_ = tw.Flush()
}
