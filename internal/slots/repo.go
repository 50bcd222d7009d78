package slots

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/suaps-autoresa/internal/crypto"
	"github.com/example/suaps-autoresa/internal/db"
	"github.com/example/suaps-autoresa/internal/occurrence"
)

// Repo is the postgres ledger of scheduled slots and their attempt history.
type Repo struct {
	db     *db.DB
	sealer crypto.Sealer
	now    func() time.Time
}

func NewRepo(d *db.DB, sealer crypto.Sealer) *Repo {
	if sealer == nil {
		sealer = crypto.Plain{}
	}
	return &Repo{db: d, sealer: sealer, now: time.Now}
}

const slotColumns = `id,user_id,card_code,activity_id,slot_id,weekday,start_time,end_time,snapshot,active,options,attempts,successes,created_at,last_attempt_at,last_success_at`

func (r *Repo) scan(row db.Row) (Slot, error) {
	var (
		s                 Slot
		id                uuid.UUID
		sealed            string
		snapshot, options []byte
	)
	if err := row.Scan(
		&id, &s.UserID, &sealed, &s.ActivityID, &s.SlotID, &s.Weekday, &s.StartTime, &s.EndTime,
		&snapshot, &s.Active, &options, &s.Attempts, &s.Successes, &s.CreatedAt, &s.LastAttemptAt, &s.LastSuccessAt,
	); err != nil {
		return Slot{}, err
	}
	s.ID = id.String()
	code, err := r.sealer.Open(sealed)
	if err != nil {
		return Slot{}, fmt.Errorf("slot %s: %w", s.ID, err)
	}
	s.CardCode = code
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &s.Snapshot); err != nil {
			return Slot{}, fmt.Errorf("slot %s snapshot: %w", s.ID, err)
		}
	}
	s.Options = DefaultOptions()
	if len(options) > 0 {
		if err := json.Unmarshal(options, &s.Options); err != nil {
			return Slot{}, fmt.Errorf("slot %s options: %w", s.ID, err)
		}
	}
	return s, nil
}

func (r *Repo) list(ctx context.Context, where string, args ...any) ([]Slot, error) {
	rows, err := r.db.Query(ctx, `SELECT `+slotColumns+` FROM scheduled_slots `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Slot
	for rows.Next() {
		s, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListActive returns every active slot in creation order.
func (r *Repo) ListActive(ctx context.Context) ([]Slot, error) {
	out, err := r.list(ctx, `WHERE active`)
	if err != nil {
		return nil, fmt.Errorf("list active slots: %w", err)
	}
	return out, nil
}

func (r *Repo) ForUser(ctx context.Context, userID string) ([]Slot, error) {
	out, err := r.list(ctx, `WHERE user_id=$1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list slots for user: %w", err)
	}
	return out, nil
}

func (r *Repo) Get(ctx context.Context, id string) (Slot, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return Slot{}, ErrNotFound
	}
	s, err := r.scan(r.db.QueryRow(ctx, `SELECT `+slotColumns+` FROM scheduled_slots WHERE id=$1`, uid))
	if err != nil {
		if db.IsNotFound(err) {
			return Slot{}, ErrNotFound
		}
		return Slot{}, db.WrapNotFound(err)
	}
	return s, nil
}

// Create registers a new active slot. A second active slot for the same user
// and platform slot is rejected with ErrDuplicate.
func (r *Repo) Create(ctx context.Context, s Slot) (Slot, error) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now()
	}
	s.Weekday = occurrence.CanonicalDay(s.Weekday)
	if err := s.Validate(); err != nil {
		return Slot{}, err
	}
	if s.Options.Priority == 0 {
		s.Options.Priority = DefaultPriority
	}
	if s.Options.MaxAttempts == 0 {
		s.Options.MaxAttempts = DefaultMaxAttempts
	}

	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM scheduled_slots WHERE user_id=$1 AND slot_id=$2 AND active)`,
		s.UserID, s.SlotID,
	).Scan(&exists); err != nil {
		return Slot{}, fmt.Errorf("check duplicate slot: %w", err)
	}
	if exists {
		return Slot{}, ErrDuplicate
	}

	id := uuid.New()
	sealed, err := r.sealer.Seal(s.CardCode)
	if err != nil {
		return Slot{}, fmt.Errorf("seal card code: %w", err)
	}
	snapshot, err := json.Marshal(s.Snapshot)
	if err != nil {
		return Slot{}, err
	}
	options, err := json.Marshal(s.Options)
	if err != nil {
		return Slot{}, err
	}

	if _, err := r.db.Exec(ctx, `
INSERT INTO scheduled_slots(id,user_id,card_code,activity_id,slot_id,weekday,start_time,end_time,snapshot,active,options,attempts,successes,created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,TRUE,$10,0,0,$11)`,
		id, s.UserID, sealed, s.ActivityID, s.SlotID, s.Weekday, s.StartTime, s.EndTime, snapshot, options, s.CreatedAt,
	); err != nil {
		if db.IsUniqueViolation(err) {
			return Slot{}, ErrDuplicate
		}
		return Slot{}, fmt.Errorf("create slot: %w", err)
	}

	s.ID = id.String()
	s.Active = true
	s.Attempts, s.Successes = 0, 0
	s.LastAttemptAt, s.LastSuccessAt = nil, nil
	return s, nil
}

// Update applies a partial update in a single statement.
func (r *Repo) Update(ctx context.Context, id string, u Update) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	var options any
	if u.Options != nil {
		b, err := json.Marshal(u.Options)
		if err != nil {
			return err
		}
		options = b
	}

	n, err := r.db.Exec(ctx, `
UPDATE scheduled_slots SET
  active          = COALESCE($2, active),
  attempts        = COALESCE($3, attempts),
  successes       = COALESCE($4, successes),
  last_attempt_at = COALESCE($5, last_attempt_at),
  last_success_at = COALESCE($6, last_success_at),
  options         = COALESCE($7::jsonb, options)
WHERE id=$1`,
		uid, u.Active, u.Attempts, u.Successes, u.LastAttemptAt, u.LastSuccessAt, options,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("update slot: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) Delete(ctx context.Context, id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	n, err := r.db.Exec(ctx, `DELETE FROM scheduled_slots WHERE id=$1`, uid)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Record appends an attempt log entry.
func (r *Repo) Record(ctx context.Context, l AttemptLog) error {
	id := uuid.New()
	if l.ID != "" {
		parsed, err := uuid.Parse(l.ID)
		if err != nil {
			return fmt.Errorf("attempt log id: %w", err)
		}
		id = parsed
	}
	ref, err := uuid.Parse(l.SlotRef)
	if err != nil {
		return fmt.Errorf("attempt log slot ref: %w", err)
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = r.now()
	}
	var details any
	if len(l.Details) > 0 {
		details = []byte(l.Details)
	}

	if _, err := r.db.Exec(ctx, `
INSERT INTO attempt_logs(id,slot_ref,user_id,created_at,outcome,message,details)
VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb)`,
		id, ref, l.UserID, l.Timestamp, string(l.Outcome), l.Message, details,
	); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// LogsForUser returns the most recent attempts first.
func (r *Repo) LogsForUser(ctx context.Context, userID string, limit int) ([]AttemptLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
SELECT id,slot_ref,user_id,created_at,outcome,message,details
FROM attempt_logs
WHERE user_id=$1
ORDER BY created_at DESC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempt logs: %w", err)
	}
	defer rows.Close()

	var out []AttemptLog
	for rows.Next() {
		var (
			l       AttemptLog
			id, ref uuid.UUID
			outcome string
			details []byte
		)
		if err := rows.Scan(&id, &ref, &l.UserID, &l.Timestamp, &outcome, &l.Message, &details); err != nil {
			return nil, err
		}
		l.ID, l.SlotRef, l.Outcome = id.String(), ref.String(), Outcome(outcome)
		if len(details) > 0 {
			l.Details = json.RawMessage(details)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
