package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/suaps-autoresa/internal/web"
)

func newServerCmd() *cobra.Command {
	var (
		migrateUp bool
		daily     bool
		interval  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the JSON API and, optionally, the daily batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openApp(ctx, migrateUp)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.cfg.RequireWeb(); err != nil {
				return err
			}

			sched := a.scheduler(ctx, false)
			if daily {
				go func() {
					if err := sched.Run(ctx, interval); err != nil && ctx.Err() == nil {
						a.log.Error("daily scheduler stopped", zap.Error(err))
					}
				}()
			}

			ws := &web.Server{
				Slots:       a.repo,
				Auth:        a.suapsClient(),
				Runner:      sched,
				Sessions:    web.NewSessions(a.cfg.CookieHashKey, a.cfg.CookieBlockKey),
				RunSecret:   a.cfg.RunSecret,
				CORSOrigins: a.cfg.CORSOrigins,
				Log:         a.log,
			}
			return web.Start(ctx, a.cfg.ListenAddr, ws.Routes(), a.log)
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().BoolVar(&daily, "daily", false, "also start the batch every day at TRIGGER_TIME")
	cmd.Flags().DurationVar(&interval, "poll", time.Minute, "how often the daily scheduler checks the clock")
	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
