// Package booking implements the Pt lifecycle: applying, approving, rejecting
// and deleting applications, plus per-session attendance and exercise logs.
package booking

import (
	"time"

	"ptschedule/internal/model"
)

// FSM holds the allowed Pt state transitions.
type FSM struct {
	transitions map[model.PtState][]model.PtState
}

// NewFSM creates a new FSM with predefined transitions.
// CONFIRMED and REJECTED are terminal.
func NewFSM() *FSM {
	return &FSM{
		transitions: map[model.PtState][]model.PtState{
			model.PtPending: {model.PtConfirmed, model.PtRejected},
		},
	}
}

// CanTransition checks if transition is allowed.
func (f *FSM) CanTransition(from, to model.PtState) bool {
	for _, s := range f.transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (f *FSM) Terminal(s model.PtState) bool {
	return len(f.transitions[s]) == 0
}

// Attendance derives a record's status at now. It is never stored.
func Attendance(rec model.PtRecord, now time.Time, loc *time.Location) model.AttendanceStatus {
	if rec.Schedule.Start(loc).After(now) {
		return model.AttendanceReserved
	}
	if rec.ItemCount > 0 {
		return model.AttendanceAttended
	}
	return model.AttendanceAbsent
}

// insideWindow reports whether now falls in the session's [start, end).
func insideWindow(s model.Session, now time.Time, loc *time.Location) bool {
	return !now.Before(s.Start(loc)) && now.Before(s.End(loc))
}
