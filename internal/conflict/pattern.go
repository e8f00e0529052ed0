package conflict

import (
	"sort"
	"time"

	"ptschedule/internal/apperr"
	"ptschedule/internal/model"
	"ptschedule/internal/timeslot"
)

// maxScanDays caps the day walk of a regular pattern.
const maxScanDays = 366

// Pattern describes the sessions a Pt asks for: either weekly rules from a
// start date until TotalCount occurrences, or explicit one-off sessions.
type Pattern struct {
	IsRegular  bool               `json:"is_regular"`
	StartDate  time.Time          `json:"start_date"`
	TotalCount int                `json:"total_count"`
	WeekTimes  []model.PtWeekTime `json:"week_times,omitempty"`
	Sessions   []model.Session    `json:"sessions,omitempty"`
}

func validateSession(s model.Session) error {
	if s.Date.IsZero() {
		return apperr.Validation(apperr.CodeMissingField, "session date is required")
	}
	return validateTimes(s.StartTime, s.EndTime)
}

func validateTimes(start, end timeslot.HHMM) error {
	if !timeslot.Valid(start) || !timeslot.Valid(end) {
		return apperr.Validation(apperr.CodeInvalidTime, "times must be aligned HHMM values: %d-%d", start, end)
	}
	if start >= end {
		return apperr.Validation(apperr.CodeInvalidRange, "start %s must be before end %s", start, end)
	}
	return nil
}

// Expand returns the occurrences of p in chronological order. Any occurrence
// after lastDay fails with WEEK_LIMIT_EXCEEDED.
func (p Pattern) Expand(lastDay time.Time) ([]model.Session, error) {
	lastDay = model.Day(lastDay)
	if p.IsRegular {
		return p.expandRegular(lastDay)
	}

	if len(p.Sessions) == 0 {
		return nil, apperr.Validation(apperr.CodeMissingField, "at least one session is required")
	}
	out := make([]model.Session, 0, len(p.Sessions))
	for _, s := range p.Sessions {
		if err := validateSession(s); err != nil {
			return nil, err
		}
		s.Date = model.Day(s.Date)
		if s.Date.After(lastDay) {
			return nil, apperr.Validation(apperr.CodeWeekLimitExceeded, "session on %s is beyond %s", s.DateKey(), model.DateKey(lastDay))
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	for i := 1; i < len(out); i++ {
		if out[i-1].Overlaps(out[i]) {
			return nil, apperr.Validation(apperr.CodeOverlappingHours, "sessions overlap on %s", out[i].DateKey())
		}
	}
	return out, nil
}

func (p Pattern) expandRegular(lastDay time.Time) ([]model.Session, error) {
	if p.StartDate.IsZero() {
		return nil, apperr.Validation(apperr.CodeMissingField, "start date is required")
	}
	if p.TotalCount <= 0 {
		return nil, apperr.Validation(apperr.CodeMissingField, "total count must be positive")
	}
	if len(p.WeekTimes) == 0 {
		return nil, apperr.Validation(apperr.CodeMissingField, "at least one weekly time is required")
	}

	byDay := map[model.Weekday][]model.PtWeekTime{}
	for _, wt := range p.WeekTimes {
		if !wt.WeekDay.Valid() {
			return nil, apperr.Validation(apperr.CodeInvalidTime, "unknown weekday %q", wt.WeekDay)
		}
		if err := validateTimes(wt.StartTime, wt.EndTime); err != nil {
			return nil, err
		}
		byDay[wt.WeekDay] = append(byDay[wt.WeekDay], wt)
	}
	for day, wts := range byDay {
		sort.Slice(wts, func(i, j int) bool { return wts[i].StartTime < wts[j].StartTime })
		for i := 1; i < len(wts); i++ {
			if timeslot.Overlaps(wts[i-1].StartTime, wts[i-1].EndTime, wts[i].StartTime, wts[i].EndTime) {
				return nil, apperr.Validation(apperr.CodeOverlappingHours, "weekly times overlap on %s", day)
			}
		}
	}

	out := make([]model.Session, 0, p.TotalCount)
	d := model.Day(p.StartDate)
	for scanned := 0; len(out) < p.TotalCount; scanned++ {
		if d.After(lastDay) || scanned > maxScanDays {
			return nil, apperr.Validation(apperr.CodeWeekLimitExceeded,
				"%d sessions do not fit before %s", p.TotalCount, model.DateKey(lastDay))
		}
		for _, wt := range byDay[model.WeekdayOf(d)] {
			if len(out) == p.TotalCount {
				break
			}
			out = append(out, model.Session{Date: d, StartTime: wt.StartTime, EndTime: wt.EndTime})
		}
		d = d.AddDate(0, 0, 1)
	}
	return out, nil
}
