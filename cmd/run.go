package cmd

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		noWait  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one reservation batch and exit (cron entrypoint)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if timeout > 0 {
				var tcancel context.CancelFunc
				ctx, tcancel = context.WithTimeout(ctx, timeout)
				defer tcancel()
			}

			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := a.scheduler(ctx, noWait).RunBatch(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		},
	}

	cmd.Flags().BoolVar(&noWait, "no-wait", false, "start immediately instead of waiting for TRIGGER_TIME")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort the batch after this long (0 = no limit)")
	return cmd
}
