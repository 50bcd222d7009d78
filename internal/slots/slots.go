package slots

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/suaps-autoresa/internal/cardcode"
	"github.com/example/suaps-autoresa/internal/occurrence"
)

// Outcome classifies one booking attempt.
type Outcome string

const (
	OutcomeSuccess         Outcome = "SUCCESS"
	OutcomeFailed          Outcome = "FAILED"
	OutcomeQuotaFull       Outcome = "QUOTA_FULL"
	OutcomeAuthError       Outcome = "AUTH_ERROR"
	OutcomeNetworkError    Outcome = "NETWORK_ERROR"
	OutcomeValidationError Outcome = "VALIDATION_ERROR"
)

const (
	DefaultPriority    = 3
	DefaultMaxAttempts = 5
	DefaultQuota       = 24
)

var (
	ErrNotFound  = errors.New("slot not found")
	ErrDuplicate = errors.New("an active slot already exists for this user")
)

type Location struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
}

// Snapshot is the display metadata copied from the catalogue when the slot
// was registered. It is also what the booking payload is built from.
type Snapshot struct {
	ActivityName       string   `json:"activityName"`
	Quota              int      `json:"quota,omitempty"`
	Location           Location `json:"location"`
	PrestationType     string   `json:"prestationType,omitempty"`
	AnnualRegistration bool     `json:"annualRegistration"`
}

type Options struct {
	MaxAttempts     int  `json:"maxAttempts"`
	Priority        int  `json:"priority"`
	NotifyOnFailure bool `json:"notifyOnFailure"`
}

func DefaultOptions() Options {
	return Options{MaxAttempts: DefaultMaxAttempts, Priority: DefaultPriority, NotifyOnFailure: true}
}

// Slot is a user's standing request to book one recurring weekly slot.
type Slot struct {
	ID         string
	UserID     string
	CardCode   string
	ActivityID string
	SlotID     string
	Weekday    string
	StartTime  string
	EndTime    string
	Snapshot   Snapshot
	Active     bool
	Options    Options

	Attempts  int
	Successes int

	CreatedAt     time.Time
	LastAttemptAt *time.Time
	LastSuccessAt *time.Time
}

// EffectivePriority treats an unset priority as the default.
func (s Slot) EffectivePriority() int {
	if s.Options.Priority <= 0 {
		return DefaultPriority
	}
	return s.Options.Priority
}

func (s Slot) Quota() int {
	if s.Snapshot.Quota <= 0 {
		return DefaultQuota
	}
	return s.Snapshot.Quota
}

func (s Slot) Label() string {
	name := s.Snapshot.ActivityName
	if name == "" {
		name = s.ActivityID
	}
	return fmt.Sprintf("%s %s %s-%s", name, s.Weekday, s.StartTime, s.EndTime)
}

func (s Slot) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return fmt.Errorf("user_id required")
	}
	if err := cardcode.Validate(s.CardCode); err != nil {
		return err
	}
	if s.ActivityID == "" {
		return fmt.Errorf("activity_id required")
	}
	if s.SlotID == "" {
		return fmt.Errorf("slot_id required")
	}
	if _, err := occurrence.ParseWeekday(s.Weekday); err != nil {
		return err
	}
	start, err := occurrence.ParseClock(s.StartTime)
	if err != nil {
		return err
	}
	end, err := occurrence.ParseClock(s.EndTime)
	if err != nil {
		return err
	}
	if !start.Before(end) {
		return fmt.Errorf("end_time must be after start_time")
	}
	if s.Options.Priority < 0 || s.Options.MaxAttempts < 0 {
		return fmt.Errorf("options must not be negative")
	}
	return nil
}

// Update is a partial update of a slot; nil fields are left untouched.
type Update struct {
	Active        *bool
	Attempts      *int
	Successes     *int
	LastAttemptAt *time.Time
	LastSuccessAt *time.Time
	Options       *Options
}

// AttemptLog is one append-only history record.
type AttemptLog struct {
	ID        string
	SlotRef   string
	UserID    string
	Timestamp time.Time
	Outcome   Outcome
	Message   string
	Details   json.RawMessage
}
