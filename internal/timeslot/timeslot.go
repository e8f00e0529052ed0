// Package timeslot converts between compact HHMM times and 30-minute slot sequences.
package timeslot

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// HHMM is a time of day encoded as hour*100+minute (930 = 09:30).
// 2400 is the exclusive end-of-day sentinel.
type HHMM int

const (
	// SlotMinutes is the minimum schedulable unit.
	SlotMinutes = 30
	// EndOfDay is the largest representable value.
	EndOfDay HHMM = 2400
)

// Minutes returns the number of minutes since midnight.
func (t HHMM) Minutes() int {
	return int(t)/100*60 + int(t)%100
}

// String formats t as "HH:MM".
func (t HHMM) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/100, int(t)%100)
}

// FromMinutes converts minutes since midnight back to HHMM.
func FromMinutes(m int) HHMM {
	return HHMM(m/60*100 + m%60)
}

// Valid reports whether t is within [0, 2400] with a 0 or 30 minute component.
func Valid(t HHMM) bool {
	if t < 0 || t > EndOfDay {
		return false
	}
	return IsAlignedSlot(t)
}

// IsAlignedSlot reports whether the minute component of t is 0 or 30.
func IsAlignedSlot(t HHMM) bool {
	m := int(t) % 100
	return m == 0 || m == 30
}

// NextHalfHour adds 30 minutes, rolling the hour over (930 -> 1000, 2330 -> 2400).
func NextHalfHour(t HHMM) HHMM {
	return FromMinutes(t.Minutes() + SlotMinutes)
}

// SlotsBetween returns every 30-minute mark in [open, close) in ascending order.
func SlotsBetween(open, close HHMM) []HHMM {
	if open >= close {
		return nil
	}
	slots := make([]HHMM, 0, (close.Minutes()-open.Minutes())/SlotMinutes)
	for t := open; t < close; t = NextHalfHour(t) {
		slots = append(slots, t)
	}
	return slots
}

// Overlaps is the half-open interval test [start1,end1) x [start2,end2).
func Overlaps(start1, end1, start2, end2 HHMM) bool {
	return start1 < end2 && start2 < end1
}

// DurationToSlotCount returns floor(hours*2). Fractions that are not a multiple
// of half an hour are dropped (1.2h -> 2 slots).
func DurationToSlotCount(hours float64) int {
	if hours <= 0 {
		return 0
	}
	return int(math.Floor(hours * 2))
}

// ClassTimeSlots walks forward from start for the slot count of durationHours and
// stops early when a slot falls outside [open, close). Callers compare the
// returned length with DurationToSlotCount to detect a session running past closing.
func ClassTimeSlots(start HHMM, durationHours float64, open, close HHMM) []HHMM {
	count := DurationToSlotCount(durationHours)
	slots := make([]HHMM, 0, count)
	t := start
	for i := 0; i < count; i++ {
		if t < open || t >= close {
			break
		}
		slots = append(slots, t)
		t = NextHalfHour(t)
	}
	return slots
}

// DurationHours returns the length of [start, end) in hours.
func DurationHours(start, end HHMM) float64 {
	return float64(end.Minutes()-start.Minutes()) / 60
}

// Parse accepts "HH:MM" or the compact "HHMM" form.
func Parse(s string) (HHMM, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty time")
	}

	if !strings.Contains(s, ":") {
		v, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("invalid time %q: %w", s, err)
		}
		if !Valid(HHMM(v)) {
			return 0, fmt.Errorf("invalid time %q", s)
		}
		return HHMM(v), nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time format: %s", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid hour: %w", err)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid minute: %w", err)
	}
	t := HHMM(hour*100 + minute)
	if minute < 0 || minute > 59 || !Valid(t) {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return t, nil
}

// At places t on the calendar day of date in loc.
func At(date time.Time, t HHMM, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).Add(time.Duration(t.Minutes()) * time.Minute)
}

// Of returns the HHMM of a wall-clock time truncated to the minute.
func Of(t time.Time) HHMM {
	return HHMM(t.Hour()*100 + t.Minute())
}
