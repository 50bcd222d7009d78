// Package occurrence turns a recurring weekly slot into the concrete dated
// occurrence that is currently inside the 7-day booking window.
package occurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "time/tzdata"
)

// Clock is a wall-clock time of day.
type Clock struct {
	Hour, Minute, Second int
}

func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Clock{}, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	var vals [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Clock{}, fmt.Errorf("invalid time %q: %w", s, err)
		}
		vals[i] = n
	}
	c := Clock{Hour: vals[0], Minute: vals[1], Second: vals[2]}
	if c.Hour < 0 || c.Hour > 23 || c.Minute < 0 || c.Minute > 59 || c.Second < 0 || c.Second > 59 {
		return Clock{}, fmt.Errorf("invalid time %q: out of range", s)
	}
	return c, nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c Clock) Before(o Clock) bool {
	return c.seconds() < o.seconds()
}

func (c Clock) seconds() int {
	return c.Hour*3600 + c.Minute*60 + c.Second
}

// On returns c on the calendar day of d, in d's location.
func (c Clock) On(d time.Time) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, c.Hour, c.Minute, c.Second, 0, d.Location())
}

var frenchDays = map[string]time.Weekday{
	"DIMANCHE": time.Sunday,
	"LUNDI":    time.Monday,
	"MARDI":    time.Tuesday,
	"MERCREDI": time.Wednesday,
	"JEUDI":    time.Thursday,
	"VENDREDI": time.Friday,
	"SAMEDI":   time.Saturday,
}

// ParseWeekday accepts the upstream French day names as well as English ones.
func ParseWeekday(s string) (time.Weekday, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	if d, ok := frenchDays[u]; ok {
		return d, nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.ToUpper(d.String()) == u {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// DayName renders a weekday the way the platform spells it.
func DayName(d time.Weekday) string {
	for name, wd := range frenchDays {
		if wd == d {
			return name
		}
	}
	return ""
}

// Target is one dated occurrence of a weekly slot.
type Target struct {
	Start time.Time
	End   time.Time
}

// Resolve picks the next occurrence of (day, start-end) relative to now,
// evaluated in now's location. When day is today the occurrence is today
// unless it has already ended, in which case it is next week's.
func Resolve(day time.Weekday, start, end Clock, now time.Time) Target {
	daysUntil := (int(day) - int(now.Weekday()) + 7) % 7
	if daysUntil == 0 && !now.Before(end.On(now)) {
		daysUntil = 7
	}
	d := now.AddDate(0, 0, daysUntil)
	return Target{Start: start.On(d), End: end.On(d)}
}

// ResolveSlot is Resolve over the raw string fields stored on a slot.
func ResolveSlot(day, start, end string, now time.Time) (Target, error) {
	wd, err := ParseWeekday(day)
	if err != nil {
		return Target{}, err
	}
	s, err := ParseClock(start)
	if err != nil {
		return Target{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return Target{}, err
	}
	return Resolve(wd, s, e, now), nil
}

// DelayUntil returns how long to wait for today's trigger. It is zero when
// the trigger has already passed or lies further than maxWait ahead.
func DelayUntil(now time.Time, trigger Clock, maxWait time.Duration) time.Duration {
	d := trigger.On(now).Sub(now)
	if d <= 0 || d > maxWait {
		return 0
	}
	return d
}

// CanonicalDay spells any accepted weekday name the platform's way, so
// "wednesday" and "Mercredi" both become "MERCREDI". Unknown input is only
// trimmed and upper-cased.
func CanonicalDay(s string) string {
	if d, err := ParseWeekday(s); err == nil {
		return DayName(d)
	}
	return strings.ToUpper(strings.TrimSpace(s))
}

// SameDay compares two weekday names by the day they denote.
func SameDay(a, b string) bool {
	return CanonicalDay(a) == CanonicalDay(b)
}

// SameClock compares two "HH:MM[:SS]" strings by value, so "18:00" and
// "18:00:00" are equal. Unparseable input falls back to string equality.
func SameClock(a, b string) bool {
	ca, errA := ParseClock(a)
	cb, errB := ParseClock(b)
	if errA != nil || errB != nil {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	return ca == cb
}
