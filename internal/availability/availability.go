// Package availability resolves the occupied slots of a trainer over a date range.
package availability

import (
	"sort"
	"time"

	"ptschedule/internal/model"
	"ptschedule/internal/timeslot"
)

// BlockKind says why a slot is occupied.
type BlockKind string

const (
	KindBooked     BlockKind = "booked"
	KindTrainerOff BlockKind = "trainer_off"
	KindRepeatOff  BlockKind = "repeat_off"
)

// Block is one occupied 30-minute mark.
type Block struct {
	Time       timeslot.HHMM `json:"time"`
	Kind       BlockKind     `json:"kind"`
	ScheduleID int64         `json:"schedule_id,omitempty"`
	PtID       int64         `json:"pt_id,omitempty"`
	MemberID   int64         `json:"member_id,omitempty"`
}

// Availability maps calendar-day keys to the occupied marks of that day.
type Availability struct {
	TrainerID int64              `json:"trainer_id"`
	From      time.Time          `json:"from"`
	To        time.Time          `json:"to"`
	Days      map[string][]Block `json:"days"`
}

func newAvailability(trainerID int64, from, to time.Time) *Availability {
	return &Availability{TrainerID: trainerID, From: from, To: to, Days: map[string][]Block{}}
}

// occupy adds the marks of [start, end) on date; an already-occupied mark keeps
// its first block.
func (a *Availability) occupy(date time.Time, start, end timeslot.HHMM, tmpl Block) {
	key := model.DateKey(date)
	for _, t := range timeslot.SlotsBetween(start, end) {
		if _, ok := a.block(key, t); ok {
			continue
		}
		b := tmpl
		b.Time = t
		a.Days[key] = append(a.Days[key], b)
	}
}

func (a *Availability) sortDays() {
	for _, blocks := range a.Days {
		sort.Slice(blocks, func(i, j int) bool { return blocks[i].Time < blocks[j].Time })
	}
}

func (a *Availability) block(key string, t timeslot.HHMM) (Block, bool) {
	for _, b := range a.Days[key] {
		if b.Time == t {
			return b, true
		}
	}
	return Block{}, false
}

// Dates returns the day keys with at least one occupied mark, ascending.
func (a *Availability) Dates() []string {
	keys := make([]string, 0, len(a.Days))
	for k := range a.Days {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Slots returns the ordered occupied marks of date.
func (a *Availability) Slots(date time.Time) []timeslot.HHMM {
	blocks := a.Days[model.DateKey(date)]
	out := make([]timeslot.HHMM, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, b.Time)
	}
	return out
}

// Occupied returns the block covering t on date, if any.
func (a *Availability) Occupied(date time.Time, t timeslot.HHMM) (Block, bool) {
	return a.block(model.DateKey(date), t)
}

// Collisions returns the blocks that intersect the session, in time order.
func (a *Availability) Collisions(s model.Session) []Block {
	var out []Block
	for _, t := range s.Slots() {
		if b, ok := a.Occupied(s.Date, t); ok {
			out = append(out, b)
		}
	}
	return out
}

// AsMap returns the plain date -> occupied marks mapping.
func (a *Availability) AsMap() map[string][]timeslot.HHMM {
	out := make(map[string][]timeslot.HHMM, len(a.Days))
	for k, blocks := range a.Days {
		marks := make([]timeslot.HHMM, 0, len(blocks))
		for _, b := range blocks {
			marks = append(marks, b.Time)
		}
		out[k] = marks
	}
	return out
}
