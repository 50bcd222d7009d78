// Package scheduler runs the nightly booking batch and the availability
// check over every active slot.
package scheduler

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/example/suaps-autoresa/internal/availability"
	"github.com/example/suaps-autoresa/internal/cardcode"
	"github.com/example/suaps-autoresa/internal/events"
	"github.com/example/suaps-autoresa/internal/notify"
	"github.com/example/suaps-autoresa/internal/occurrence"
	"github.com/example/suaps-autoresa/internal/slots"
	"github.com/example/suaps-autoresa/internal/suaps"
)

var ErrOccurrenceNotFound = errors.New("occurrence not found in weekly schedule")

// Ledger is the slot store as seen by the batch.
type Ledger interface {
	ListActive(ctx context.Context) ([]slots.Slot, error)
	Update(ctx context.Context, id string, u slots.Update) error
	Record(ctx context.Context, l slots.AttemptLog) error
}

// Upstream is the booking platform.
type Upstream interface {
	Login(ctx context.Context, rawCode string) (suaps.Session, suaps.Profile, error)
	Reservations(ctx context.Context, sess suaps.Session, userID string) ([]suaps.Reservation, error)
	WeekOccurrences(ctx context.Context, sess suaps.Session, activityID, userID string) ([]suaps.WeekOccurrence, error)
	Reserve(ctx context.Context, sess suaps.Session, b suaps.Booking) (suaps.Result, error)
}

type Config struct {
	Location  *time.Location
	Trigger   occurrence.Clock
	MaxWait   time.Duration
	SkipWait  bool
	PacingMin time.Duration
	PacingMax time.Duration
	UserPause time.Duration
	// Concurrency bounds how many users are processed at once.
	Concurrency int
	AutoBook    bool
}

type Deps struct {
	Ledger       Ledger
	Upstream     Upstream
	Notifier     notify.Notifier
	Events       events.Publisher
	Availability availability.Store
	Logger       *zap.Logger
}

type Scheduler struct {
	ledger   Ledger
	upstream Upstream
	notifier notify.Notifier
	events   events.Publisher
	avail    availability.Store
	log      *zap.Logger
	cfg      Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	pace  func() time.Duration
}

func New(d Deps, cfg Config) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PacingMax < cfg.PacingMin {
		cfg.PacingMax = cfg.PacingMin
	}
	s := &Scheduler{
		ledger:   d.Ledger,
		upstream: d.Upstream,
		notifier: d.Notifier,
		events:   d.Events,
		avail:    d.Availability,
		log:      d.Logger,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.avail == nil {
		s.avail = availability.NewMemory(0)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.pace = func() time.Duration {
		span := s.cfg.PacingMax - s.cfg.PacingMin
		if span <= 0 {
			return s.cfg.PacingMin
		}
		return s.cfg.PacingMin + rand.N(span+1)
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Scheduler) local() time.Time {
	return s.now().In(s.cfg.Location)
}

// notify delivers n and only logs failures.
func (s *Scheduler) notify(ctx context.Context, n notify.Notification) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Warn("notification failed", zap.String("title", n.Title), zap.Error(err))
	}
}

func (s *Scheduler) publish(ctx context.Context, subject string, v any) {
	if err := s.events.Publish(ctx, subject, v); err != nil {
		s.log.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// userGroup is one user's active slots sharing a card code, in processing
// order.
type userGroup struct {
	userID string
	slots  []slots.Slot
}

// groupByUser keeps users in order of first appearance and sorts each user's
// slots by priority (1 first), then creation time. Slots of one user stored
// with different card codes form separate groups so each card logs in on its
// own.
func groupByUser(all []slots.Slot) []userGroup {
	var groups []userGroup
	index := map[string]int{}
	for _, sl := range all {
		key := sl.UserID + "\x00" + cardKey(sl.CardCode)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, userGroup{userID: sl.UserID})
		}
		groups[i].slots = append(groups[i].slots, sl)
	}
	for _, g := range groups {
		sort.SliceStable(g.slots, func(a, b int) bool {
			pa, pb := g.slots[a].EffectivePriority(), g.slots[b].EffectivePriority()
			if pa != pb {
				return pa < pb
			}
			return g.slots[a].CreatedAt.Before(g.slots[b].CreatedAt)
		})
	}
	return groups
}

// task is one slot waiting its turn; notBefore paces calls to the platform.
type task struct {
	slot      slots.Slot
	notBefore time.Time
}

type taskQueue struct {
	tasks []task
}

func newTaskQueue(ss []slots.Slot) *taskQueue {
	q := &taskQueue{tasks: make([]task, 0, len(ss))}
	for _, sl := range ss {
		q.tasks = append(q.tasks, task{slot: sl})
	}
	return q
}

func (q *taskQueue) pop() (task, bool) {
	if len(q.tasks) == 0 {
		return task{}, false
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t, true
}

// drain empties the queue and returns the slots that never ran.
func (q *taskQueue) drain() []slots.Slot {
	out := make([]slots.Slot, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.slot)
	}
	q.tasks = nil
	return out
}

// delayNext holds back the next task until at.
func (q *taskQueue) delayNext(at time.Time) {
	if len(q.tasks) > 0 {
		q.tasks[0].notBefore = at
	}
}

// wait blocks until t may run.
func (s *Scheduler) wait(ctx context.Context, t task) error {
	if t.notBefore.IsZero() {
		return ctx.Err()
	}
	return s.sleep(ctx, t.notBefore.Sub(s.now()))
}

// cardKey folds the decimal and hex spellings of one card together.
func cardKey(raw string) string {
	if hex, err := cardcode.Normalize(raw); err == nil {
		return hex
	}
	return raw
}
