package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/suaps-autoresa/internal/availability"
	"github.com/example/suaps-autoresa/internal/notify"
	"github.com/example/suaps-autoresa/internal/occurrence"
	"github.com/example/suaps-autoresa/internal/slots"
	"github.com/example/suaps-autoresa/internal/suaps"
)

type update struct {
	id string
	u  slots.Update
}

type fakeLedger struct {
	mu      sync.Mutex
	active  []slots.Slot
	listErr error
	updates []update
	records []slots.AttemptLog
}

func (f *fakeLedger) ListActive(context.Context) ([]slots.Slot, error) {
	return f.active, f.listErr
}

func (f *fakeLedger) Update(_ context.Context, id string, u slots.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update{id: id, u: u})
	return nil
}

func (f *fakeLedger) Record(_ context.Context, l slots.AttemptLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, l)
	return nil
}

func (f *fakeLedger) outcomes() map[string]slots.Outcome {
	out := map[string]slots.Outcome{}
	for _, r := range f.records {
		out[r.SlotRef] = r.Outcome
	}
	return out
}

type loginReply struct {
	sess suaps.Session
	err  error
}

type fakeUpstream struct {
	mu           sync.Mutex
	loginErr     map[string]error
	loginSeq     []loginReply
	reservations map[string][]suaps.Reservation
	weeks        map[string][]suaps.WeekOccurrence
	results      map[string]suaps.Result
	logins       []string
	reserved     []string
}

func (f *fakeUpstream) Login(_ context.Context, code string) (suaps.Session, suaps.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, code)
	if len(f.loginSeq) > 0 {
		r := f.loginSeq[0]
		f.loginSeq = f.loginSeq[1:]
		if r.err != nil {
			return suaps.Session{}, suaps.Profile{}, r.err
		}
		return r.sess, suaps.FallbackProfile(code), nil
	}
	if err := f.loginErr[code]; err != nil {
		return suaps.Session{}, suaps.Profile{}, err
	}
	return suaps.Session{Code: code, Token: "t"}, suaps.FallbackProfile(code), nil
}

func (f *fakeUpstream) Reservations(_ context.Context, _ suaps.Session, userID string) ([]suaps.Reservation, error) {
	return f.reservations[userID], nil
}

func (f *fakeUpstream) WeekOccurrences(_ context.Context, _ suaps.Session, activityID, _ string) ([]suaps.WeekOccurrence, error) {
	occs, ok := f.weeks[activityID]
	if !ok {
		return nil, suaps.ErrUnknownResponseShape
	}
	return occs, nil
}

func (f *fakeUpstream) Reserve(_ context.Context, _ suaps.Session, b suaps.Booking) (suaps.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserved = append(f.reserved, b.Slot.ID)
	if r, ok := f.results[b.Slot.ID]; ok {
		switch r.Outcome {
		case slots.OutcomeSuccess:
			return r, nil
		case slots.OutcomeQuotaFull:
			return r, &suaps.QuotaFullError{Detail: r.Message}
		case slots.OutcomeNetworkError:
			return r, &suaps.NetworkError{Op: "reserve", Err: errors.New(r.Message)}
		default:
			return r, &suaps.RejectedError{Status: r.Status, Detail: r.Message}
		}
	}
	return suaps.Result{Outcome: slots.OutcomeSuccess, Status: 200, Body: []byte(`{"id":"r"}`)}, nil
}

type recorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recorder) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *recorder) titles() []string {
	var out []string
	for _, n := range r.got {
		out = append(out, n.Title)
	}
	return out
}

var paris = mustLoad("Europe/Paris")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// Tuesday 13 October 2026, 20:00 in Paris.
var batchNow = time.Date(2026, 10, 13, 20, 0, 0, 0, paris)

func slot(id, user, code string, priority int) slots.Slot {
	return slots.Slot{
		ID:         id,
		UserID:     user,
		CardCode:   code,
		ActivityID: "act-" + id,
		SlotID:     "creneau-" + id,
		Weekday:    "MERCREDI",
		StartTime:  "18:00",
		EndTime:    "19:00",
		Snapshot:   slots.Snapshot{ActivityName: "Escalade " + id},
		Active:     true,
		Options:    slots.Options{Priority: priority, MaxAttempts: 5},
		CreatedAt:  batchNow.Add(-time.Hour),
	}
}

type harness struct {
	s        *Scheduler
	ledger   *fakeLedger
	upstream *fakeUpstream
	notes    *recorder
	sleeps   []time.Duration
}

func newHarness(active ...slots.Slot) *harness {
	h := &harness{
		ledger:   &fakeLedger{active: active},
		upstream: &fakeUpstream{},
		notes:    &recorder{},
	}
	h.s = New(Deps{
		Ledger:       h.ledger,
		Upstream:     h.upstream,
		Notifier:     h.notes,
		Availability: availability.NewMemory(time.Hour),
	}, Config{
		Location:    paris,
		Trigger:     occurrence.Clock{Hour: 20},
		MaxWait:     15 * time.Minute,
		PacingMin:   500 * time.Millisecond,
		PacingMax:   1500 * time.Millisecond,
		UserPause:   time.Second,
		Concurrency: 1,
	})
	h.s.now = func() time.Time { return batchNow }
	h.s.pace = func() time.Duration { return 700 * time.Millisecond }
	var mu sync.Mutex
	h.s.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	return h
}

func TestRunBatchLoginFailureSkipsOnlyThatUser(t *testing.T) {
	h := newHarness(
		slot("a", "u1", "AAAA0001", 1),
		slot("b", "u1", "AAAA0001", 2),
		slot("c", "u2", "BBBB0002", 1),
	)
	h.upstream.loginErr = map[string]error{"AAAA0001": &suaps.AuthError{Status: 401, Detail: "carte inconnue"}}

	sum, err := h.s.RunBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"c"}, h.upstream.reserved)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Attempted)
	assert.Equal(t, 1, sum.Successes)
	assert.Equal(t, 2, sum.Failures)

	assert.Equal(t, map[string]slots.Outcome{
		"a": slots.OutcomeAuthError,
		"b": slots.OutcomeAuthError,
		"c": slots.OutcomeSuccess,
	}, h.ledger.outcomes())
	require.Len(t, h.ledger.updates, 3)
	for _, u := range h.ledger.updates[:2] {
		assert.Equal(t, 1, *u.u.Attempts)
		assert.Nil(t, u.u.Successes)
	}
	success := h.ledger.updates[2]
	assert.Equal(t, "c", success.id)
	assert.Equal(t, 1, *success.u.Successes)
	assert.Equal(t, batchNow, *success.u.LastSuccessAt)
}

func TestRunBatchFailedReloginMarksRemainingSlots(t *testing.T) {
	h := newHarness(
		slot("a", "u1", "AAAA0001", 1),
		slot("b", "u1", "AAAA0001", 2),
		slot("c", "u1", "AAAA0001", 3),
	)
	h.upstream.loginSeq = []loginReply{
		{sess: suaps.Session{Code: "AAAA0001", Token: "t", ExpiresAt: batchNow.Add(-time.Minute)}},
		{err: &suaps.AuthError{Status: 401, Detail: "session refusée"}},
	}

	sum, err := h.s.RunBatch(context.Background())
	require.NoError(t, err)

	assert.Len(t, h.upstream.logins, 2)
	assert.Empty(t, h.upstream.reserved)
	assert.Equal(t, 0, sum.Attempted)
	assert.Equal(t, 3, sum.Failures)
	assert.Equal(t, map[string]slots.Outcome{
		"a": slots.OutcomeAuthError,
		"b": slots.OutcomeAuthError,
		"c": slots.OutcomeAuthError,
	}, h.ledger.outcomes())
	require.Len(t, h.ledger.updates, 3)
	for _, u := range h.ledger.updates {
		assert.Equal(t, 1, *u.u.Attempts)
		assert.Nil(t, u.u.Successes)
	}
}

func TestRunBatchReloginRefreshesSession(t *testing.T) {
	h := newHarness(
		slot("a", "u1", "AAAA0001", 1),
		slot("b", "u1", "AAAA0001", 2),
	)
	h.upstream.loginSeq = []loginReply{
		{sess: suaps.Session{Code: "AAAA0001", Token: "old", ExpiresAt: batchNow.Add(-time.Minute)}},
		{sess: suaps.Session{Code: "AAAA0001", Token: "new", ExpiresAt: batchNow.Add(time.Hour)}},
	}

	sum, err := h.s.RunBatch(context.Background())
	require.NoError(t, err)

	assert.Len(t, h.upstream.logins, 2)
	assert.Equal(t, []string{"a", "b"}, h.upstream.reserved)
	assert.Equal(t, 2, sum.Successes)
}

func TestRunBatchGroupsByCardCode(t *testing.T) {
	h := newHarness(
		slot("a", "u1", "AAAA0001", 1),
		slot("b", "u1", "CCCC0003", 2),
		slot("c", "u1", "aaaa0001", 3),
	)

	sum, err := h.s.RunBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"AAAA0001", "CCCC0003"}, h.upstream.logins)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, h.upstream.reserved)
	assert.Equal(t, 3, sum.Successes)
}

func TestRunBatchOneUpdateAndRecordPerAttempt(t *testing.T) {
	h := newHarness(
		slot("ok", "u1", "AAAA0001", 1),
		slot("full", "u1", "AAAA0001", 2),
		slot("net", "u1", "AAAA0001", 3),
		slot("bad", "u1", "AAAA0001", 4),
	)
	h.upstream.results = map[string]suaps.Result{
		"full": {Outcome: slots.OutcomeQuotaFull, Status: 400, Message: "Quota atteint"},
		"net":  {Outcome: slots.OutcomeNetworkError, Message: "connection reset"},
		"bad":  {Outcome: slots.OutcomeFailed, Status: 500, Message: "boom"},
	}

	sum, err := h.s.RunBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Attempted)
	assert.Equal(t, 1, sum.Successes)
	assert.Equal(t, 3, sum.Failures)
	assert.Len(t, h.ledger.updates, 4)
	assert.Len(t, h.ledger.records, 4)
	assert.Equal(t, map[string]slots.Outcome{
		"ok":   slots.OutcomeSuccess,
		"full": slots.OutcomeQuotaFull,
		"net":  slots.OutcomeNetworkError,
		"bad":  slots.OutcomeFailed,
	}, h.ledger.outcomes())
	assert.JSONEq(t, `{"id":"r"}`, string(h.ledger.records[0].Details))
	assert.JSONEq(t, `{"error":"suaps rejected reservation (status=500): boom","status":500}`, string(h.ledger.records[3].Details))

	var warnings int
	for _, n := range h.notes.got {
		if n.Severity == notify.SeverityWarning {
			warnings++
		}
	}
	assert.Equal(t, 0, warnings, "NotifyOnFailure is off on these slots")
}

func TestRunBatchNotifiesFailureWhenAsked(t *testing.T) {
	full := slot("full", "u1", "AAAA0001", 1)
	full.Options.NotifyOnFailure = true
	bad := slot("bad", "u1", "AAAA0001", 2)
	bad.Options.NotifyOnFailure = true
	h := newHarness(full, bad)
	h.upstream.results = map[string]suaps.Result{
		"full": {Outcome: slots.OutcomeQuotaFull, Status: 400, Message: "complet"},
		"bad":  {Outcome: slots.OutcomeFailed, Status: 500, Message: "boom"},
	}

	_, err := h.s.RunBatch(context.Background())
	require.NoError(t, err)

	var warned []string
	for _, n := range h.notes.got {
		if n.Severity == notify.SeverityWarning {
			warned = append(warned, n.Description)
		}
	}
	assert.Equal(t, []string{"Escalade bad MERCREDI 18:00-19:00"}, warned, "a full slot is not alarming")
}

func TestRunBatchOrdersByPriorityAndPaces(t *testing.T) {
	late := slot("late", "u1", "AAAA0001", 0)
	late.CreatedAt = batchNow
	h := newHarness(
		slot("low", "u1", "AAAA0001", 5),
		late,
		slot("high", "u1", "AAAA0001", 1),
		slot("default", "u1", "AAAA0001", 3),
	)

	_, err := h.s.RunBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"high", "default", "late", "low"}, h.upstream.reserved)
	assert.Equal(t, []time.Duration{700 * time.Millisecond, 700 * time.Millisecond, 700 * time.Millisecond}, h.sleeps)
	assert.Equal(t, []string{"AAAA0001"}, h.upstream.logins)
}

func TestRunBatchSkipsAlreadyRegistered(t *testing.T) {
	h := newHarness(slot("a", "u1", "AAAA0001", 1), slot("b", "u1", "AAAA0001", 2))
	h.upstream.reservations = map[string][]suaps.Reservation{
		"u1": {{Creneau: &suaps.ReservedSlot{ID: "creneau-a"}}},
	}

	sum, err := h.s.RunBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 1, sum.Attempted)
	assert.Equal(t, []string{"b"}, h.upstream.reserved)
	assert.NotContains(t, h.ledger.outcomes(), "a")
}

func TestRunBatchLedgerFailureIsFatal(t *testing.T) {
	h := newHarness()
	h.ledger.listErr = errors.New("connection refused")

	_, err := h.s.RunBatch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, h.upstream.logins)

	last := h.notes.got[len(h.notes.got)-1]
	assert.Equal(t, notify.SeverityError, last.Severity)
	assert.Contains(t, last.Title, "Base de Données")
}

func TestRunBatchInvalidCardCode(t *testing.T) {
	h := newHarness(slot("a", "u1", "not-a-card", 1))

	sum, err := h.s.RunBatch(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.upstream.logins)
	assert.Empty(t, h.ledger.updates)
	require.Len(t, h.ledger.records, 1)
	assert.Equal(t, slots.OutcomeValidationError, h.ledger.records[0].Outcome)
	assert.Equal(t, 1, sum.Failures)
}

func TestRunBatchWaitsForTrigger(t *testing.T) {
	h := newHarness()
	h.s.now = func() time.Time { return time.Date(2026, 10, 13, 19, 55, 0, 0, paris) }
	_, err := h.s.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Minute}, h.sleeps)

	h = newHarness()
	h.s.now = func() time.Time { return time.Date(2026, 10, 13, 19, 0, 0, 0, paris) }
	_, err = h.s.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.sleeps, "trigger beyond max wait runs immediately")
}

func TestRunBatchReportNotification(t *testing.T) {
	h := newHarness(slot("a", "u1", "AAAA0001", 1))
	h.upstream.results = map[string]suaps.Result{
		"a": {Outcome: slots.OutcomeFailed, Status: 400, Message: "refusé"},
	}

	_, err := h.s.RunBatch(context.Background())
	require.NoError(t, err)

	titles := h.notes.titles()
	require.Len(t, titles, 2)
	assert.Contains(t, titles[0], "Démarrage")
	report := h.notes.got[1]
	assert.Contains(t, report.Title, "Terminée")
	assert.Equal(t, notify.SeverityError, report.Severity)
	detail := report.Fields[len(report.Fields)-1]
	assert.Equal(t, "🔍 Détails des erreurs", detail.Name)
	assert.Equal(t, "❌ Escalade a MERCREDI 18:00-19:00 - refusé", detail.Value)
}

func TestFailureDetailIsCapped(t *testing.T) {
	var sum Summary
	for i := 0; i < 8; i++ {
		sum.fail(strings.Repeat("x", 300), "err")
	}
	sum.Lines = append([]string{"✅ ok"}, sum.Lines...)

	d := sum.failureDetail()
	assert.True(t, strings.HasSuffix(d, "..."))
	assert.LessOrEqual(t, len(d), maxFailureDetail+3)
	assert.LessOrEqual(t, strings.Count(d, "❌"), maxReportedFailures)
	assert.NotContains(t, d, "✅")
}

func week(total, occupied int) []suaps.WeekOccurrence {
	return []suaps.WeekOccurrence{
		{ID: "other", Jour: "LUNDI", HoraireDebut: "18:00", HoraireFin: "19:00", Quota: 10},
		{ID: "w", Jour: "MERCREDI", HoraireDebut: "18:00:00", HoraireFin: "19:00:00", Quota: total, NbInscrits: occupied},
	}
}

func TestCheckAvailability(t *testing.T) {
	h := newHarness(
		slot("reg", "u1", "AAAA0001", 1),
		slot("open", "u1", "AAAA0001", 2),
		slot("full", "u1", "AAAA0001", 3),
		slot("gone", "u1", "AAAA0001", 4),
		slot("other", "u2", "BBBB0002", 1),
	)
	h.upstream.reservations = map[string][]suaps.Reservation{
		"u1": {{Creneau: &suaps.ReservedSlot{ID: "creneau-reg"}}},
	}
	h.upstream.weeks = map[string][]suaps.WeekOccurrence{
		"act-open": week(24, 23),
		"act-full": week(24, 24),
		"act-gone": {},
	}

	rep, err := h.s.CheckAvailability(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, 4, rep.Total)
	assert.Equal(t, 1, rep.Available)
	assert.Equal(t, 1, rep.AlreadyRegistered)
	assert.Equal(t, 1, rep.Errors)
	require.Len(t, rep.OpenItems(), 1)
	open := rep.OpenItems()[0]
	assert.Equal(t, "open", open.SlotID)
	assert.Equal(t, suaps.Availability{Open: true, Occupied: 23, Total: 24, Capacity: 1}, *open.Availability)
	assert.Equal(t, ErrOccurrenceNotFound.Error(), rep.Items[3].Error)
	assert.False(t, rep.Items[2].Availability.Open)
	assert.Empty(t, h.upstream.reserved, "auto-booking is off")
	assert.Equal(t, []string{"AAAA0001"}, h.upstream.logins)

	require.Len(t, h.notes.got, 1)
	assert.Contains(t, h.notes.got[0].Title, "Place disponible")

	_, err = h.s.CheckAvailability(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, h.notes.got, 1, "a slot still open is announced once")
}

func TestCheckAvailabilityAutoBooks(t *testing.T) {
	h := newHarness(slot("open", "u1", "AAAA0001", 1))
	h.s.cfg.AutoBook = true
	h.upstream.weeks = map[string][]suaps.WeekOccurrence{"act-open": week(24, 20)}

	rep, err := h.s.CheckAvailability(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"open"}, h.upstream.reserved)
	require.NotNil(t, rep.Items[0].AutoBooked)
	assert.Equal(t, slots.OutcomeSuccess, *rep.Items[0].AutoBooked)
	assert.Len(t, h.ledger.updates, 1)
	assert.Len(t, h.ledger.records, 1)
}

func TestCheckAvailabilityLoginFailure(t *testing.T) {
	h := newHarness(slot("a", "u1", "AAAA0001", 1), slot("b", "u1", "AAAA0001", 2))
	h.upstream.loginErr = map[string]error{"AAAA0001": errors.New("down")}

	rep, err := h.s.CheckAvailability(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Total)
	assert.Equal(t, 2, rep.Errors)
	assert.Empty(t, h.ledger.records)
}

func TestCheckAvailabilityUnknownShape(t *testing.T) {
	h := newHarness(slot("a", "u1", "AAAA0001", 1))

	rep, err := h.s.CheckAvailability(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Errors)
	assert.Equal(t, suaps.ErrUnknownResponseShape.Error(), rep.Items[0].Error)
}

func TestDue(t *testing.T) {
	h := newHarness()
	at := func(h, m int) time.Time { return time.Date(2026, 10, 13, h, m, 0, 0, paris) }

	assert.False(t, h.s.due(at(19, 30), time.Minute, ""))
	assert.True(t, h.s.due(at(19, 50), time.Minute, ""))
	assert.True(t, h.s.due(at(20, 0), time.Minute, ""))
	assert.False(t, h.s.due(at(20, 5), time.Minute, ""))
	assert.False(t, h.s.due(at(19, 50), time.Minute, "2026-10-13"))
}
