package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/suaps-autoresa/internal/availability"
	"github.com/example/suaps-autoresa/internal/config"
	"github.com/example/suaps-autoresa/internal/crypto"
	"github.com/example/suaps-autoresa/internal/db"
	"github.com/example/suaps-autoresa/internal/events"
	"github.com/example/suaps-autoresa/internal/logging"
	"github.com/example/suaps-autoresa/internal/migrate"
	"github.com/example/suaps-autoresa/internal/notify"
	"github.com/example/suaps-autoresa/internal/scheduler"
	"github.com/example/suaps-autoresa/internal/slots"
	"github.com/example/suaps-autoresa/internal/suaps"
)

// app holds the process-wide dependencies shared by the commands.
type app struct {
	cfg  config.Config
	log  *zap.Logger
	db   *db.DB
	repo *slots.Repo

	closers []func()
}

func openApp(ctx context.Context, migrateUp bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, func() { _ = log.Sync() })

	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.db = d
	a.closers = append(a.closers, d.Close)
	if err := d.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if migrateUp {
		if err := migrate.Up(ctx, d, log); err != nil {
			a.Close()
			return nil, err
		}
	}

	sealer, err := crypto.FromBase64(cfg.CardKey)
	if err != nil {
		a.Close()
		return nil, err
	}
	if _, plain := sealer.(crypto.Plain); plain {
		log.Warn("CARD_ENC_KEY not set, card codes are stored in clear")
	}
	a.repo = slots.NewRepo(d, sealer)
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) suapsClient() *suaps.Client {
	return suaps.New(suaps.Options{
		BaseURL:  a.cfg.SUAPSBaseURL,
		PeriodID: a.cfg.PeriodID,
		Timeout:  a.cfg.HTTPTimeout,
		Logger:   a.log,
	})
}

func (a *app) notifier() notify.Notifier {
	var sinks []notify.Notifier
	if a.cfg.DiscordWebhookURL != "" {
		sinks = append(sinks, notify.NewDiscord(a.cfg.DiscordWebhookURL, nil))
	}
	if a.cfg.TelegramBotToken != "" && a.cfg.TelegramChatID != 0 {
		tg, err := notify.NewTelegram(a.cfg.TelegramBotToken, a.cfg.TelegramChatID, "", &http.Client{Timeout: 10 * time.Second})
		if err != nil {
			a.log.Warn("telegram disabled", zap.Error(err))
		} else {
			sinks = append(sinks, tg)
		}
	}
	if len(sinks) == 0 {
		a.log.Info("no notification channel configured")
	}
	return notify.Combine(sinks...)
}

func (a *app) publisher() events.Publisher {
	if a.cfg.NATSURL == "" {
		return events.Nop{}
	}
	p, err := events.NewNATSPublisher(a.cfg.NATSURL, a.log)
	if err != nil {
		a.log.Warn("event publishing disabled", zap.Error(err))
		return events.Nop{}
	}
	a.closers = append(a.closers, func() { _ = p.Close() })
	return p
}

func (a *app) availabilityStore(ctx context.Context) availability.Store {
	if a.cfg.RedisAddr == "" {
		return availability.NewMemory(0)
	}
	r := availability.NewRedis(a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB, 0)
	if err := r.Ping(ctx); err != nil {
		a.log.Warn("redis unavailable, keeping availability state in memory", zap.Error(err))
		_ = r.Close()
		return availability.NewMemory(0)
	}
	a.closers = append(a.closers, func() { _ = r.Close() })
	return r
}

func (a *app) scheduler(ctx context.Context, skipWait bool) *scheduler.Scheduler {
	return scheduler.New(scheduler.Deps{
		Ledger:       a.repo,
		Upstream:     a.suapsClient(),
		Notifier:     a.notifier(),
		Events:       a.publisher(),
		Availability: a.availabilityStore(ctx),
		Logger:       a.log,
	}, scheduler.Config{
		Location:    a.cfg.Location,
		Trigger:     a.cfg.TriggerTime,
		MaxWait:     a.cfg.TriggerMaxWait,
		SkipWait:    skipWait,
		PacingMin:   a.cfg.PacingMin,
		PacingMax:   a.cfg.PacingMax,
		UserPause:   a.cfg.UserPause,
		Concurrency: a.cfg.UserConcurrency,
		AutoBook:    a.cfg.AutoBookOnAvailability,
	})
}
