package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		user  string
		limit int
	)

	c := &cobra.Command{
		Use:   "history",
		Short: "Show a user's most recent reservation attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			logs, err := a.repo.LogsForUser(ctx, user, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "DATE\tSLOT\tSTATUT\tMESSAGE")
			for _, l := range logs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					l.Timestamp.In(a.cfg.Location).Format(time.DateTime), l.SlotRef, l.Outcome, l.Message)
			}
			return tw.Flush()
		},
	}
	c.Flags().StringVar(&user, "user", "", "SUAPS user id (required)")
	c.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	_ = c.MarkFlagRequired("user")
	return c
}
