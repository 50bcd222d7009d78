package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/suaps-autoresa/internal/cardcode"
	"github.com/example/suaps-autoresa/internal/occurrence"
	"github.com/example/suaps-autoresa/internal/slots"
)

func newSlotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slot",
		Short: "Manage scheduled slots (non-UI)",
	}
	cmd.AddCommand(newSlotAddCmd())
	cmd.AddCommand(newSlotListCmd())
	cmd.AddCommand(newSlotToggleCmd())
	cmd.AddCommand(newSlotDeleteCmd())
	return cmd
}

func newSlotAddCmd() *cobra.Command {
	var (
		s        slots.Slot
		priority int
		quota    int
		quiet    bool
	)

	c := &cobra.Command{
		Use:   "add",
		Short: "Schedule a weekly slot for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			code, err := cardcode.Normalize(s.CardCode)
			if err != nil {
				return err
			}
			s.CardCode = code
			s.Weekday = occurrence.CanonicalDay(s.Weekday)
			s.Active = true
			s.Options = slots.DefaultOptions()
			if priority > 0 {
				s.Options.Priority = priority
			}
			s.Options.NotifyOnFailure = !quiet
			s.Snapshot.Quota = quota
			s.Snapshot.AnnualRegistration = true

			created, err := a.repo.Create(ctx, s)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created slot %s (%s)\n", created.ID, created.Label())
			return nil
		},
	}

	c.Flags().StringVar(&s.UserID, "user", "", "SUAPS user id (required)")
	c.Flags().StringVar(&s.CardCode, "card", "", "card code, decimal or hex (required)")
	c.Flags().StringVar(&s.ActivityID, "activity", "", "activity id (required)")
	c.Flags().StringVar(&s.Snapshot.ActivityName, "name", "", "activity name")
	c.Flags().StringVar(&s.SlotID, "creneau", "", "platform slot id (required)")
	c.Flags().StringVar(&s.Weekday, "day", "", "weekday, e.g. MARDI (required)")
	c.Flags().StringVar(&s.StartTime, "start", "", "start time HH:MM (required)")
	c.Flags().StringVar(&s.EndTime, "end", "", "end time HH:MM (required)")
	c.Flags().IntVar(&priority, "priority", slots.DefaultPriority, "1 (first) to 5")
	c.Flags().IntVar(&quota, "quota", slots.DefaultQuota, "slot capacity")
	c.Flags().BoolVar(&quiet, "quiet", false, "do not notify on failed attempts")
	for _, f := range []string{"user", "card", "activity", "creneau", "day", "start", "end"} {
		_ = c.MarkFlagRequired(f)
	}
	return c
}

func newSlotListCmd() *cobra.Command {
	var user string

	c := &cobra.Command{
		Use:   "list",
		Short: "List slots (all active ones, or every slot of --user)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			var list []slots.Slot
			if user != "" {
				list, err = a.repo.ForUser(ctx, user)
			} else {
				list, err = a.repo.ListActive(ctx)
			}
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUSER\tCARTE\tCRENEAU\tPRIO\tACTIF\tTENTATIVES\tREUSSITES")
			for _, s := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%t\t%d\t%d\n",
					s.ID, s.UserID, cardcode.Mask(s.CardCode), s.Label(), s.EffectivePriority(), s.Active, s.Attempts, s.Successes)
			}
			return tw.Flush()
		},
	}
	c.Flags().StringVar(&user, "user", "", "SUAPS user id")
	return c
}

func newSlotToggleCmd() *cobra.Command {
	var active bool

	c := &cobra.Command{
		Use:   "toggle <id>",
		Short: "Activate or deactivate a slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.repo.Update(ctx, args[0], slots.Update{Active: &active}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "slot %s active=%t\n", args[0], active)
			return nil
		},
	}
	c.Flags().BoolVar(&active, "active", true, "new state")
	return c
}

func newSlotDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a slot and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.repo.Delete(ctx, args[0])
		},
	}
}
