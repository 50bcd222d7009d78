package suaps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/suaps-autoresa/internal/occurrence"
	"github.com/example/suaps-autoresa/internal/slots"
)

const occurrenceLayout = "2006-01-02T15:04:05Z"

// Booking is everything needed to submit one reservation.
type Booking struct {
	Slot    slots.Slot
	Code    string // normalized hex card code
	Target  occurrence.Target
	Profile Profile
	Now     time.Time
}

type activityDTO struct {
	ID                  string `json:"id"`
	Nom                 string `json:"nom"`
	TypePrestation      string `json:"typePrestation"`
	InscriptionAnnuelle bool   `json:"inscriptionAnnuelle"`
}

type periodDTO struct {
	ID string `json:"id"`
}

type occurrenceDTO struct {
	Debut   string    `json:"debut"`
	Fin     string    `json:"fin"`
	Periode periodDTO `json:"periode"`
}

type creneauDTO struct {
	Actif        bool          `json:"actif"`
	Activite     activityDTO   `json:"activite"`
	ID           string        `json:"id"`
	Jour         string        `json:"jour"`
	HoraireDebut string        `json:"horaireDebut"`
	HoraireFin   string        `json:"horaireFin"`
	Quota        int           `json:"quota"`
	Occurrence   occurrenceDTO `json:"occurenceCreneauDTO"`
}

type individuDTO struct {
	Nom              string `json:"nom"`
	Prenom           string `json:"prenom"`
	Code             string `json:"code"`
	Numero           string `json:"numero"`
	TagHexa          string `json:"tagHexa"`
	Type             string `json:"type"`
	TypeExterne      string `json:"typeExterne"`
	Email            string `json:"email"`
	Telephone        string `json:"telephone"`
	PaiementEffectue bool   `json:"paiementEffectue"`
	EstInscrit       bool   `json:"estInscrit"`
}

type utilisateurDTO struct {
	Login           string `json:"login"`
	TypeUtilisateur string `json:"typeUtilisateur"`
}

// ReservationPayload is the body of a booking request.
type ReservationPayload struct {
	Actif           bool           `json:"actif"`
	Creneau         creneauDTO     `json:"creneau"`
	DateReservation string         `json:"dateReservation"`
	Forcage         bool           `json:"forcage"`
	Individu        individuDTO    `json:"individuDTO"`
	Utilisateur     utilisateurDTO `json:"utilisateur"`
}

// BuildReservation renders the booking payload for b in the given period.
// Occurrence bounds are sent in UTC without fractional seconds.
func BuildReservation(b Booking, periodID string) ReservationPayload {
	p := b.Profile.Complete(b.Slot.UserID)
	prestation := b.Slot.Snapshot.PrestationType
	if prestation == "" {
		prestation = "ACTIVITE"
	}
	return ReservationPayload{
		Actif: false,
		Creneau: creneauDTO{
			Actif: true,
			Activite: activityDTO{
				ID:                  b.Slot.ActivityID,
				Nom:                 b.Slot.Snapshot.ActivityName,
				TypePrestation:      prestation,
				InscriptionAnnuelle: true,
			},
			ID:           b.Slot.SlotID,
			Jour:         occurrence.CanonicalDay(b.Slot.Weekday),
			HoraireDebut: b.Slot.StartTime,
			HoraireFin:   b.Slot.EndTime,
			Quota:        b.Slot.Quota(),
			Occurrence: occurrenceDTO{
				Debut:   b.Target.Start.UTC().Format(occurrenceLayout),
				Fin:     b.Target.End.UTC().Format(occurrenceLayout),
				Periode: periodDTO{ID: periodID},
			},
		},
		DateReservation: b.Now.UTC().Format("2006-01-02T15:04:05.000Z"),
		Forcage:         false,
		Individu: individuDTO{
			Nom:              p.LastName,
			Prenom:           p.FirstName,
			Code:             b.Slot.UserID,
			Numero:           b.Slot.UserID,
			TagHexa:          b.Code,
			Type:             p.Type,
			TypeExterne:      p.ExternalType,
			Email:            p.Email,
			Telephone:        p.Phone,
			PaiementEffectue: true,
			EstInscrit:       true,
		},
		Utilisateur: utilisateurDTO{
			Login:           b.Slot.UserID,
			TypeUtilisateur: p.UserType,
		},
	}
}

// Result is the classified outcome of one submission.
type Result struct {
	Outcome slots.Outcome
	Status  int
	Message string
	Body    json.RawMessage
}

// Classify maps a non-2xx booking answer onto an outcome.
func Classify(detail string) slots.Outcome {
	d := strings.ToLower(detail)
	switch {
	case strings.Contains(d, "quota") || strings.Contains(d, "complet"):
		return slots.OutcomeQuotaFull
	case strings.Contains(d, "réseau") || strings.Contains(d, "network"):
		return slots.OutcomeNetworkError
	default:
		return slots.OutcomeFailed
	}
}

type reserveQuery struct {
	PeriodID string `url:"idPeriode"`
}

// Reserve submits one booking. The returned Result is always populated; the
// error is nil only for a SUCCESS outcome.
func (c *Client) Reserve(ctx context.Context, sess Session, b Booking) (Result, error) {
	body, err := json.Marshal(BuildReservation(b, c.periodID))
	if err != nil {
		return Result{Outcome: slots.OutcomeFailed, Message: err.Error()}, fmt.Errorf("encode reservation: %w", err)
	}

	res, raw, err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    pathReservations,
		query:   reserveQuery{PeriodID: c.periodID},
		body:    body,
		cookie:  sess.Cookie,
		booking: true,
	})
	if err != nil {
		return Result{Outcome: slots.OutcomeNetworkError, Message: err.Error()}, err
	}

	if ok(res.StatusCode) {
		r := Result{Outcome: slots.OutcomeSuccess, Status: res.StatusCode, Message: "reservation confirmed"}
		if json.Valid(raw) {
			r.Body = raw
		} else {
			r.Body, _ = json.Marshal(string(raw))
		}
		return r, nil
	}

	detail := errorText(raw)
	r := Result{Outcome: Classify(detail + " " + string(raw)), Status: res.StatusCode, Message: detail}
	switch r.Outcome {
	case slots.OutcomeQuotaFull:
		return r, &QuotaFullError{Detail: detail}
	case slots.OutcomeNetworkError:
		return r, &NetworkError{Op: "reserve", Err: fmt.Errorf("status=%d: %s", res.StatusCode, detail)}
	default:
		return r, &RejectedError{Status: res.StatusCode, Detail: detail}
	}
}
