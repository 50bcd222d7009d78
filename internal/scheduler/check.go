package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/suaps-autoresa/internal/events"
	"github.com/example/suaps-autoresa/internal/notify"
	"github.com/example/suaps-autoresa/internal/occurrence"
	"github.com/example/suaps-autoresa/internal/registration"
	"github.com/example/suaps-autoresa/internal/slots"
	"github.com/example/suaps-autoresa/internal/suaps"
)

// Item is the availability verdict for one slot.
type Item struct {
	SlotID            string              `json:"slotId"`
	UserID            string              `json:"userId"`
	Label             string              `json:"label"`
	ActivityName      string              `json:"activityName"`
	Weekday           string              `json:"weekday"`
	StartTime         string              `json:"startTime"`
	EndTime           string              `json:"endTime"`
	Target            time.Time           `json:"target,omitzero"`
	AlreadyRegistered bool                `json:"alreadyRegistered"`
	Availability      *suaps.Availability `json:"availability,omitempty"`
	AutoBooked        *slots.Outcome      `json:"autoBooked,omitempty"`
	Error             string              `json:"error,omitempty"`
}

func (i Item) Available() bool {
	return !i.AlreadyRegistered && i.Availability != nil && i.Availability.Open
}

// Report is the result of CheckAvailability.
type Report struct {
	Total             int           `json:"total"`
	Available         int           `json:"available"`
	AlreadyRegistered int           `json:"alreadyRegistered"`
	Errors            int           `json:"errors"`
	Items             []Item        `json:"items"`
	Duration          time.Duration `json:"duration"`
	CheckedAt         time.Time     `json:"checkedAt"`
}

func (r *Report) add(it Item) {
	r.Total++
	switch {
	case it.AlreadyRegistered:
		r.AlreadyRegistered++
	case it.Available():
		r.Available++
	case it.Error != "":
		r.Errors++
	}
	r.Items = append(r.Items, it)
}

// OpenItems is the summary view: only slots with a free seat.
func (r Report) OpenItems() []Item {
	var out []Item
	for _, it := range r.Items {
		if it.Available() {
			out = append(out, it)
		}
	}
	return out
}

func (r Report) Message() string {
	return fmt.Sprintf("Vérification terminée: %d places disponibles trouvées sur %d créneaux", r.Available, r.Total)
}

func newItem(sl slots.Slot) Item {
	return Item{
		SlotID:       sl.ID,
		UserID:       sl.UserID,
		Label:        sl.Label(),
		ActivityName: sl.Snapshot.ActivityName,
		Weekday:      sl.Weekday,
		StartTime:    sl.StartTime,
		EndTime:      sl.EndTime,
	}
}

// CheckAvailability probes the current fill level of every active slot,
// optionally restricted to one user. A slot that turns open is announced once;
// with auto-booking enabled it is attempted right away.
func (s *Scheduler) CheckAvailability(ctx context.Context, userFilter string) (Report, error) {
	start := s.now()
	active, err := s.ledger.ListActive(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load active slots: %w", err)
	}
	if userFilter != "" {
		kept := active[:0:0]
		for _, sl := range active {
			if sl.UserID == userFilter {
				kept = append(kept, sl)
			}
		}
		active = kept
	}

	var rep Report
	for i, g := range groupByUser(active) {
		if i > 0 {
			if err := s.sleep(ctx, s.cfg.UserPause); err != nil {
				return rep, err
			}
		}
		if err := s.checkUser(ctx, g, &rep); err != nil {
			return rep, err
		}
	}
	rep.CheckedAt = s.now().UTC()
	rep.Duration = s.now().Sub(start)
	s.log.Info("availability check finished",
		zap.Int("total", rep.Total),
		zap.Int("available", rep.Available),
		zap.Int("already_registered", rep.AlreadyRegistered),
		zap.Int("errors", rep.Errors))
	return rep, nil
}

func (s *Scheduler) checkUser(ctx context.Context, g userGroup, rep *Report) error {
	sess, profile, err := s.upstream.Login(ctx, g.slots[0].CardCode)
	if err != nil {
		s.log.Warn("login failed during availability check", zap.String("user", g.userID), zap.Error(err))
		for _, sl := range g.slots {
			it := newItem(sl)
			it.Error = err.Error()
			rep.add(it)
		}
		return nil
	}
	existing, err := s.upstream.Reservations(ctx, sess, g.userID)
	if err != nil {
		s.log.Warn("existing reservations unavailable, assuming none", zap.String("user", g.userID), zap.Error(err))
	}

	q := newTaskQueue(g.slots)
	for {
		t, ok := q.pop()
		if !ok {
			return nil
		}
		if err := s.wait(ctx, t); err != nil {
			return err
		}
		sl := t.slot
		it := newItem(sl)

		target, err := occurrence.ResolveSlot(sl.Weekday, sl.StartTime, sl.EndTime, s.local())
		if err != nil {
			it.Error = err.Error()
			rep.add(it)
			continue
		}
		it.Target = target.Start
		if registration.IsRegistered(sl, target, existing) {
			it.AlreadyRegistered = true
			rep.add(it)
			continue
		}

		av, err := s.probe(ctx, sess, sl)
		q.delayNext(s.now().Add(s.pace()))
		if err != nil {
			it.Error = err.Error()
			rep.add(it)
			continue
		}
		it.Availability = &av
		if av.Open {
			if s.opened(ctx, sl, av) && s.cfg.AutoBook {
				res := s.attempt(ctx, sess, profile, sl, target)
				it.AutoBooked = &res.Outcome
			}
		} else if err := s.avail.MarkClosed(ctx, sl.ID); err != nil {
			s.log.Warn("availability state update failed", zap.String("slot", sl.ID), zap.Error(err))
		}
		rep.add(it)
	}
}

// probe finds the slot in its activity's weekly schedule.
func (s *Scheduler) probe(ctx context.Context, sess suaps.Session, sl slots.Slot) (suaps.Availability, error) {
	occs, err := s.upstream.WeekOccurrences(ctx, sess, sl.ActivityID, sl.UserID)
	if err != nil {
		return suaps.Availability{}, err
	}
	for _, o := range occs {
		if o.Matches(sl.Weekday, sl.StartTime, sl.EndTime) {
			return o.Availability(), nil
		}
	}
	return suaps.Availability{}, ErrOccurrenceNotFound
}

// opened records sl as open and announces it when it was not open before.
func (s *Scheduler) opened(ctx context.Context, sl slots.Slot, av suaps.Availability) bool {
	newly, err := s.avail.MarkOpen(ctx, sl.ID)
	if err != nil {
		s.log.Warn("availability state update failed", zap.String("slot", sl.ID), zap.Error(err))
		newly = true
	}
	if !newly {
		return false
	}
	s.notify(ctx, notify.Notification{
		Title:       "🎯 Place disponible",
		Description: sl.Label(),
		Severity:    notify.SeverityInfo,
		Fields: []notify.Field{
			{Name: "📊 Places", Value: fmt.Sprintf("%d disponible(s) sur %d", av.Capacity, av.Total), Inline: true},
			{Name: "👤 Utilisateur", Value: sl.UserID, Inline: true},
		},
	})
	s.publish(ctx, events.AvailabilityOpened, events.AvailabilityOpenedEvent{
		SlotID:   sl.ID,
		UserID:   sl.UserID,
		Capacity: av.Capacity,
		Total:    av.Total,
		SeenAt:   s.now().UTC(),
	})
	return true
}
