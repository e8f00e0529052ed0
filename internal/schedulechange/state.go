// Package schedulechange implements requests to move a single PT session,
// answered by the other party of the Pt.
package schedulechange

import (
	"time"

	"ptschedule/internal/model"
)

// EffectiveState is the state a reader should see at now. A PENDING request
// whose deadline has passed reads as EXPIRED whether or not that was persisted.
func EffectiveState(req *model.ScheduleChangeRequest, now time.Time) model.ChangeRequestState {
	if req.State == model.ChangePending && !now.Before(req.ExpiresAt) {
		return model.ChangeExpired
	}
	return req.State
}

// ExpiresAt is the earlier of created+ttl and the original session start.
func ExpiresAt(created time.Time, ttl time.Duration, originalStart time.Time) time.Time {
	deadline := created.Add(ttl)
	if originalStart.Before(deadline) {
		return originalStart
	}
	return deadline
}
