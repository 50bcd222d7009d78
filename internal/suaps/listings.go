package suaps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/suaps-autoresa/internal/occurrence"
)

type Activity struct {
	ID  string `json:"id"`
	Nom string `json:"nom"`
}

type OccurrenceDTO struct {
	Debut string `json:"debut"`
	Fin   string `json:"fin"`
}

type ReservedSlot struct {
	ID           string         `json:"id"`
	Jour         string         `json:"jour"`
	HoraireDebut string         `json:"horaireDebut"`
	HoraireFin   string         `json:"horaireFin"`
	Activite     *Activity      `json:"activite"`
	Occurrence   *OccurrenceDTO `json:"occurenceCreneauDTO"`
}

// Reservation is one entry of a user's existing reservations.
type Reservation struct {
	ID         string         `json:"id"`
	Actif      *bool          `json:"actif"`
	Statut     string         `json:"statut"`
	Creneau    *ReservedSlot  `json:"creneau"`
	Occurrence *OccurrenceDTO `json:"occurenceCreneauDTO"`
}

// Cancelled reports a reservation that no longer holds a seat. A missing
// actif flag counts as active.
func (r Reservation) Cancelled() bool {
	return (r.Actif != nil && !*r.Actif) || strings.EqualFold(r.Statut, "ANNULEE")
}

// OccurrenceStart returns the concrete date of the reserved occurrence, if
// the platform sent one.
func (r Reservation) OccurrenceStart() (time.Time, bool) {
	raw := ""
	if r.Occurrence != nil {
		raw = r.Occurrence.Debut
	}
	if raw == "" && r.Creneau != nil && r.Creneau.Occurrence != nil {
		raw = r.Creneau.Occurrence.Debut
	}
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

type reservationsQuery struct {
	UserID string `url:"idIndividu"`
}

// Reservations lists the reservations currently held by userID.
func (c *Client) Reservations(ctx context.Context, sess Session, userID string) ([]Reservation, error) {
	res, b, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   pathReservations,
		query:  reservationsQuery{UserID: userID},
		cookie: sess.Cookie,
	})
	if err != nil {
		return nil, err
	}
	if !ok(res.StatusCode) {
		return nil, fmt.Errorf("list reservations (status=%d): %s", res.StatusCode, errorText(b))
	}
	var out []Reservation
	if err := decodeArray(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WeekOccurrence is one slot of an activity's weekly schedule with its
// current fill level.
type WeekOccurrence struct {
	ID           string    `json:"id"`
	Jour         string    `json:"jour"`
	HoraireDebut string    `json:"horaireDebut"`
	HoraireFin   string    `json:"horaireFin"`
	Quota        int       `json:"quota"`
	NbInscrits   int       `json:"nbInscrits"`
	FileAttente  bool      `json:"fileAttente"`
	Activite     *Activity `json:"activite"`
}

// Availability is the capacity view of a week occurrence.
type Availability struct {
	Open      bool `json:"open"`
	Occupied  int  `json:"occupied"`
	Total     int  `json:"total"`
	Capacity  int  `json:"capacity"`
	Queueable bool `json:"queueable"`
}

func (o WeekOccurrence) Availability() Availability {
	capacity := o.Quota - o.NbInscrits
	return Availability{
		Open:      capacity > 0,
		Occupied:  o.NbInscrits,
		Total:     o.Quota,
		Capacity:  capacity,
		Queueable: o.FileAttente,
	}
}

// Matches reports whether o is the weekly slot (day, start, end).
func (o WeekOccurrence) Matches(day, start, end string) bool {
	return occurrence.SameDay(o.Jour, day) &&
		occurrence.SameClock(o.HoraireDebut, start) &&
		occurrence.SameClock(o.HoraireFin, end)
}

type weekQuery struct {
	ActivityID string `url:"idActivite"`
	PeriodID   string `url:"idPeriode"`
	UserID     string `url:"idIndividu"`
}

// WeekOccurrences lists the weekly schedule of an activity for the current
// period, as seen by userID.
func (c *Client) WeekOccurrences(ctx context.Context, sess Session, activityID, userID string) ([]WeekOccurrence, error) {
	res, b, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   pathWeek,
		query:  weekQuery{ActivityID: activityID, PeriodID: c.periodID, UserID: userID},
		cookie: sess.Cookie,
	})
	if err != nil {
		return nil, err
	}
	if !ok(res.StatusCode) {
		return nil, fmt.Errorf("list week occurrences (status=%d): %s", res.StatusCode, errorText(b))
	}
	var out []WeekOccurrence
	if err := decodeArray(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeArray(b []byte, v any) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '[' {
		return ErrUnknownResponseShape
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownResponseShape, err)
	}
	return nil
}
