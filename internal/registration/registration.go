// Package registration decides whether a user already holds the occurrence
// a slot is about to book.
package registration

import (
	"time"

	"github.com/example/suaps-autoresa/internal/occurrence"
	"github.com/example/suaps-autoresa/internal/slots"
	"github.com/example/suaps-autoresa/internal/suaps"
)

// Tolerance is the maximum distance between a reservation's occurrence date
// and the target for them to be the same weekly occurrence.
const Tolerance = 7 * 24 * time.Hour

// IsRegistered reports whether any active reservation covers the target
// occurrence of slot. A reservation matches on the slot id, or on activity
// plus weekday plus start and end time. When the reservation carries an
// occurrence date it must also lie within Tolerance of the target.
func IsRegistered(slot slots.Slot, target occurrence.Target, reservations []suaps.Reservation) bool {
	for _, r := range reservations {
		if Matches(slot, target, r) {
			return true
		}
	}
	return false
}

func Matches(slot slots.Slot, target occurrence.Target, r suaps.Reservation) bool {
	if r.Cancelled() || r.Creneau == nil {
		return false
	}
	if !sameSlot(slot, r.Creneau) {
		return false
	}
	start, ok := r.OccurrenceStart()
	if !ok {
		return true
	}
	diff := start.Sub(target.Start)
	if diff < 0 {
		diff = -diff
	}
	return diff < Tolerance
}

func sameSlot(slot slots.Slot, c *suaps.ReservedSlot) bool {
	if slot.SlotID != "" && c.ID == slot.SlotID {
		return true
	}
	return c.Activite != nil &&
		c.Activite.ID == slot.ActivityID &&
		occurrence.SameDay(c.Jour, slot.Weekday) &&
		occurrence.SameClock(c.HoraireDebut, slot.StartTime) &&
		occurrence.SameClock(c.HoraireFin, slot.EndTime)
}
