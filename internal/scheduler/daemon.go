package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Run polls every interval and starts one batch per day once the trigger
// comes within the configured wait. It blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	var last string
	s.tick(ctx, interval, &last)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.tick(ctx, interval, &last)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, interval time.Duration, last *string) {
	now := s.local()
	if !s.due(now, interval, *last) {
		return
	}
	*last = now.Format(time.DateOnly)
	if _, err := s.RunBatch(ctx); err != nil {
		s.log.Error("scheduled batch failed", zap.Error(err))
	}
}

// due reports whether a batch should start at now. lastDay is the local date
// of the previous run.
func (s *Scheduler) due(now time.Time, interval time.Duration, lastDay string) bool {
	if now.Format(time.DateOnly) == lastDay {
		return false
	}
	until := s.cfg.Trigger.On(now).Sub(now)
	return until <= s.cfg.MaxWait && until > -interval
}
