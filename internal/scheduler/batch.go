package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/suaps-autoresa/internal/cardcode"
	"github.com/example/suaps-autoresa/internal/events"
	"github.com/example/suaps-autoresa/internal/notify"
	"github.com/example/suaps-autoresa/internal/occurrence"
	"github.com/example/suaps-autoresa/internal/registration"
	"github.com/example/suaps-autoresa/internal/slots"
	"github.com/example/suaps-autoresa/internal/suaps"
)

const (
	maxReportedFailures = 5
	maxFailureDetail    = 1000
)

// Summary is the aggregate result of one batch.
type Summary struct {
	Total     int           `json:"total"`
	Attempted int           `json:"attempted"`
	Successes int           `json:"successes"`
	Failures  int           `json:"failures"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
	Lines     []string      `json:"lines"`
}

func (s *Summary) add(o Summary) {
	s.Attempted += o.Attempted
	s.Successes += o.Successes
	s.Failures += o.Failures
	s.Skipped += o.Skipped
	s.Lines = append(s.Lines, o.Lines...)
}

func (s *Summary) fail(label, msg string) {
	s.Failures++
	s.Lines = append(s.Lines, fmt.Sprintf("❌ %s - %s", label, msg))
}

// failureDetail joins the first failure lines for the report.
func (s Summary) failureDetail() string {
	var failed []string
	for _, l := range s.Lines {
		if strings.HasPrefix(l, "❌") {
			failed = append(failed, l)
			if len(failed) == maxReportedFailures {
				break
			}
		}
	}
	out := strings.Join(failed, "\n")
	if len(out) > maxFailureDetail {
		out = strings.ToValidUTF8(out[:maxFailureDetail], "") + "..."
	}
	return out
}

// RunBatch waits for the trigger, then attempts every active slot that the
// user does not already hold. Only a failure to load slots is returned as an
// error; per-slot failures are recorded and reported in the Summary.
func (s *Scheduler) RunBatch(ctx context.Context) (Summary, error) {
	if err := s.waitForTrigger(ctx); err != nil {
		return Summary{}, err
	}
	start := s.now()
	s.notify(ctx, notify.Notification{
		Title:       "🚀 Auto-réservation SUAPS - Démarrage",
		Description: fmt.Sprintf("Lancement de l'auto-réservation à %s (%s)", s.local().Format("15:04:05"), s.cfg.Location),
		Severity:    notify.SeverityInfo,
	})

	active, err := s.ledger.ListActive(ctx)
	if err != nil {
		s.log.Error("failed to load active slots", zap.Error(err))
		s.notify(ctx, notify.Notification{
			Title:       "🗄️ Auto-réservation SUAPS - Erreur Base de Données",
			Description: "Impossible d'accéder à la base de données",
			Severity:    notify.SeverityError,
			Fields: []notify.Field{
				{Name: "❌ Erreur", Value: err.Error()},
				{Name: "⏰ Heure", Value: s.local().Format("15:04:05"), Inline: true},
			},
		})
		return Summary{}, fmt.Errorf("load active slots: %w", err)
	}

	sum := Summary{Total: len(active)}
	if len(active) == 0 {
		s.log.Info("no active slots")
		sum.Duration = s.now().Sub(start)
		return sum, nil
	}

	groups := groupByUser(active)
	s.log.Info("batch started", zap.Int("slots", len(active)), zap.Int("users", len(groups)))

	results := make([]Summary, len(groups))
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, grp := range groups {
		g.Go(func() error {
			if i > 0 {
				if err := s.sleep(ctx, s.cfg.UserPause); err != nil {
					return err
				}
			}
			results[i] = s.runUser(ctx, grp)
			return ctx.Err()
		})
	}
	werr := g.Wait()
	for _, r := range results {
		sum.add(r)
	}
	sum.Duration = s.now().Sub(start)

	s.log.Info("batch finished",
		zap.Int("attempted", sum.Attempted),
		zap.Int("successes", sum.Successes),
		zap.Int("failures", sum.Failures),
		zap.Int("skipped", sum.Skipped),
		zap.Duration("duration", sum.Duration))
	s.report(ctx, sum)
	s.publish(ctx, events.BatchCompleted, events.BatchCompletedEvent{
		Total:      sum.Total,
		Attempted:  sum.Attempted,
		Successes:  sum.Successes,
		Failures:   sum.Failures,
		Skipped:    sum.Skipped,
		DurationMS: sum.Duration.Milliseconds(),
		FinishedAt: s.now().UTC(),
	})
	return sum, werr
}

func (s *Scheduler) waitForTrigger(ctx context.Context) error {
	if s.cfg.SkipWait {
		return nil
	}
	d := occurrence.DelayUntil(s.local(), s.cfg.Trigger, s.cfg.MaxWait)
	if d <= 0 {
		return nil
	}
	s.log.Info("waiting for trigger", zap.Stringer("trigger", s.cfg.Trigger), zap.Duration("delay", d))
	return s.sleep(ctx, d)
}

func (s *Scheduler) report(ctx context.Context, sum Summary) {
	sev := notify.SeverityInfo
	switch {
	case sum.Successes > 0:
		sev = notify.SeveritySuccess
	case sum.Failures > 0:
		sev = notify.SeverityError
	}
	fields := []notify.Field{
		{Name: "✅ Réussites", Value: fmt.Sprint(sum.Successes), Inline: true},
		{Name: "❌ Échecs", Value: fmt.Sprint(sum.Failures), Inline: true},
		{Name: "⏭️ Déjà inscrit", Value: fmt.Sprint(sum.Skipped), Inline: true},
		{Name: "⏱️ Durée", Value: fmt.Sprintf("%ds", int(sum.Duration.Round(time.Second).Seconds())), Inline: true},
		{Name: "📊 Créneaux traités", Value: fmt.Sprint(sum.Total), Inline: true},
	}
	if sum.Failures > 0 {
		if detail := sum.failureDetail(); detail != "" {
			fields = append(fields, notify.Field{Name: "🔍 Détails des erreurs", Value: detail})
		}
	}
	s.notify(ctx, notify.Notification{
		Title:       "🏁 Auto-réservation SUAPS - Terminée",
		Description: fmt.Sprintf("Exécution terminée à %s", s.local().Format("15:04:05")),
		Severity:    sev,
		Fields:      fields,
	})
}

// runUser logs in once for the user and works through their slots.
func (s *Scheduler) runUser(ctx context.Context, g userGroup) Summary {
	var sum Summary
	log := s.log.With(zap.String("user", g.userID))
	raw := g.slots[0].CardCode

	if _, err := cardcode.Normalize(raw); err != nil {
		log.Warn("invalid card code", zap.Error(err))
		for _, sl := range g.slots {
			s.record(ctx, sl, slots.OutcomeValidationError, "Code carte invalide: "+err.Error(), errorDetails(err, 0))
			sum.fail(sl.Label(), "code carte invalide")
		}
		return sum
	}

	sess, profile, err := s.upstream.Login(ctx, raw)
	if err != nil {
		log.Warn("login failed", zap.Error(err))
		for _, sl := range g.slots {
			s.authFailed(ctx, sl, err)
			sum.fail(sl.Label(), "authentification: "+err.Error())
		}
		return sum
	}

	existing, err := s.upstream.Reservations(ctx, sess, g.userID)
	if err != nil {
		log.Warn("existing reservations unavailable, assuming none", zap.Error(err))
		existing = nil
	}

	q := newTaskQueue(g.slots)
	for {
		t, ok := q.pop()
		if !ok {
			break
		}
		if err := s.wait(ctx, t); err != nil {
			return sum
		}
		sl := t.slot

		target, err := occurrence.ResolveSlot(sl.Weekday, sl.StartTime, sl.EndTime, s.local())
		if err != nil {
			s.record(ctx, sl, slots.OutcomeValidationError, "Créneau invalide: "+err.Error(), errorDetails(err, 0))
			sum.fail(sl.Label(), err.Error())
			continue
		}
		if registration.IsRegistered(sl, target, existing) {
			log.Info("already registered, skipping", zap.String("slot", sl.ID), zap.Time("target", target.Start))
			sum.Skipped++
			sum.Lines = append(sum.Lines, fmt.Sprintf("⏭️ %s - déjà inscrit", sl.Label()))
			continue
		}

		if sess.Expired(s.now()) {
			fresh, p, err := s.upstream.Login(ctx, raw)
			if err != nil {
				log.Warn("re-login failed", zap.Error(err))
				for _, rest := range append([]slots.Slot{sl}, q.drain()...) {
					s.authFailed(ctx, rest, err)
					sum.fail(rest.Label(), "authentification: "+err.Error())
				}
				return sum
			}
			sess, profile = fresh, p
		}

		res := s.attempt(ctx, sess, profile, sl, target)
		sum.Attempted++
		if res.Outcome == slots.OutcomeSuccess {
			sum.Successes++
			sum.Lines = append(sum.Lines, fmt.Sprintf("✅ %s", sl.Label()))
		} else {
			sum.fail(sl.Label(), res.Message)
		}
		q.delayNext(s.now().Add(s.pace()))
	}
	return sum
}

// attempt submits one booking and writes exactly one counter update and one
// history record for it.
func (s *Scheduler) attempt(ctx context.Context, sess suaps.Session, p suaps.Profile, sl slots.Slot, target occurrence.Target) suaps.Result {
	now := s.now()
	res, err := s.upstream.Reserve(ctx, sess, suaps.Booking{
		Slot:    sl,
		Code:    sess.Code,
		Target:  target,
		Profile: p,
		Now:     now,
	})
	if res.Outcome == "" {
		res.Outcome = slots.OutcomeNetworkError
		if err != nil && !isNetwork(err) {
			res.Outcome = slots.OutcomeFailed
		}
	}
	if res.Message == "" && err != nil {
		res.Message = err.Error()
	}

	attempts := sl.Attempts + 1
	u := slots.Update{Attempts: &attempts, LastAttemptAt: &now}
	msg := fmt.Sprintf("Réservation échouée: %s", res.Message)
	details := errorDetails(err, res.Status)
	if res.Outcome == slots.OutcomeSuccess {
		successes := sl.Successes + 1
		u.Successes = &successes
		u.LastSuccessAt = &now
		msg = fmt.Sprintf("Réservation réussie pour le %s", target.Start.Format("02/01/2006 15:04"))
		details = res.Body
	}
	if err := s.ledger.Update(ctx, sl.ID, u); err != nil {
		s.log.Error("failed to update slot counters", zap.String("slot", sl.ID), zap.Error(err))
	}
	s.record(ctx, sl, res.Outcome, msg, details)

	s.log.Info("reservation attempted",
		zap.String("slot", sl.ID),
		zap.String("outcome", string(res.Outcome)),
		zap.Time("target", target.Start),
		zap.Int("status", res.Status))

	if res.Outcome != slots.OutcomeSuccess && res.Outcome != slots.OutcomeQuotaFull && sl.Options.NotifyOnFailure {
		s.notify(ctx, notify.Notification{
			Title:       "⚠️ Réservation échouée",
			Description: sl.Label(),
			Severity:    notify.SeverityWarning,
			Fields: []notify.Field{
				{Name: "Statut", Value: string(res.Outcome), Inline: true},
				{Name: "Utilisateur", Value: sl.UserID, Inline: true},
				{Name: "❌ Erreur", Value: res.Message},
			},
		})
	}
	return res
}

func (s *Scheduler) authFailed(ctx context.Context, sl slots.Slot, err error) {
	now := s.now()
	attempts := sl.Attempts + 1
	if uerr := s.ledger.Update(ctx, sl.ID, slots.Update{Attempts: &attempts, LastAttemptAt: &now}); uerr != nil {
		s.log.Error("failed to update slot counters", zap.String("slot", sl.ID), zap.Error(uerr))
	}
	s.record(ctx, sl, slots.OutcomeAuthError, "Erreur d'authentification: "+err.Error(), errorDetails(err, 0))
}

func (s *Scheduler) record(ctx context.Context, sl slots.Slot, outcome slots.Outcome, msg string, details json.RawMessage) {
	now := s.now()
	err := s.ledger.Record(ctx, slots.AttemptLog{
		SlotRef:   sl.ID,
		UserID:    sl.UserID,
		Timestamp: now,
		Outcome:   outcome,
		Message:   msg,
		Details:   details,
	})
	if err != nil {
		s.log.Error("failed to record attempt", zap.String("slot", sl.ID), zap.Error(err))
	}
	s.publish(ctx, events.AttemptRecorded, events.AttemptRecordedEvent{
		SlotID:    sl.ID,
		UserID:    sl.UserID,
		Outcome:   string(outcome),
		Message:   msg,
		Timestamp: now.UTC(),
	})
}

func errorDetails(err error, status int) json.RawMessage {
	d := map[string]any{}
	if err != nil {
		d["error"] = err.Error()
	}
	if status != 0 {
		d["status"] = status
	}
	b, _ := json.Marshal(d)
	return b
}

func isNetwork(err error) bool {
	var ne *suaps.NetworkError
	return errors.As(err, &ne) || errors.Is(err, suaps.ErrUnknownResponseShape)
}
