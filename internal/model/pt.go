package model

import (
	"time"

	"ptschedule/internal/timeslot"
)

// DateLayout is the calendar-day key format.
const DateLayout = "2006-01-02"

// DateKey formats the calendar day of t.
func DateKey(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses a calendar day into UTC midnight.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

// Day truncates t to its calendar day at UTC midnight.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// PtState is the lifecycle state of a training package purchase.
type PtState string

const (
	PtPending   PtState = "PENDING"
	PtConfirmed PtState = "CONFIRMED"
	PtRejected  PtState = "REJECTED"
)

// Pt is a training package purchase linking a member to a trainer.
type Pt struct {
	ID               int64     `json:"id"`
	MemberID         int64     `json:"member_id"`
	TrainerID        int64     `json:"trainer_id"`
	PtProductID      int64     `json:"pt_product_id"`
	State            PtState   `json:"state"`
	TrainerConfirmed bool      `json:"trainer_confirmed"`
	IsRegular        bool      `json:"is_regular"`
	StartDate        time.Time `json:"start_date"`
	TotalCount       int       `json:"total_count"`
	Description      string    `json:"description,omitempty"`
	RejectReason     string    `json:"reject_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`

	WeekTimes []PtWeekTime `json:"week_times,omitempty"`
}

// PtWeekTime is one weekly rule of a regular Pt's schedule pattern.
type PtWeekTime struct {
	WeekDay   Weekday       `json:"week_day"`
	StartTime timeslot.HHMM `json:"start_time"`
	EndTime   timeslot.HHMM `json:"end_time"`
}

// Session is one calendar occurrence.
type Session struct {
	Date      time.Time     `json:"date"`
	StartTime timeslot.HHMM `json:"start_time"`
	EndTime   timeslot.HHMM `json:"end_time"`
}

// DateKey returns the calendar-day key of the session.
func (s Session) DateKey() string { return DateKey(s.Date) }

// Start returns the session start in loc.
func (s Session) Start(loc *time.Location) time.Time { return timeslot.At(s.Date, s.StartTime, loc) }

// End returns the session end in loc.
func (s Session) End(loc *time.Location) time.Time { return timeslot.At(s.Date, s.EndTime, loc) }

// Slots returns the 30-minute marks the session occupies.
func (s Session) Slots() []timeslot.HHMM { return timeslot.SlotsBetween(s.StartTime, s.EndTime) }

// Overlaps reports whether both sessions share a day and overlapping times.
func (s Session) Overlaps(o Session) bool {
	return s.DateKey() == o.DateKey() && timeslot.Overlaps(s.StartTime, s.EndTime, o.StartTime, o.EndTime)
}

// Before orders sessions chronologically.
func (s Session) Before(o Session) bool {
	if !s.Date.Equal(o.Date) {
		return s.Date.Before(o.Date)
	}
	return s.StartTime < o.StartTime
}

// PtSchedule is one booked or proposed occurrence owned by a Pt.
type PtSchedule struct {
	ID        int64   `json:"id"`
	PtID      int64   `json:"pt_id"`
	TrainerID int64   `json:"trainer_id"`
	MemberID  int64   `json:"member_id"`
	PtState   PtState `json:"pt_state"`
	Session
}

// AttendanceStatus is derived on every read, never stored.
type AttendanceStatus string

const (
	AttendanceReserved AttendanceStatus = "RESERVED"
	AttendanceAttended AttendanceStatus = "ATTENDED"
	AttendanceAbsent   AttendanceStatus = "ABSENT"
)

// PtRecord is one confirmed session of a Pt.
type PtRecord struct {
	ID         int64            `json:"id"`
	PtID       int64            `json:"pt_id"`
	ScheduleID int64            `json:"schedule_id"`
	MemberID   int64            `json:"member_id"`
	TrainerID  int64            `json:"trainer_id"`
	Schedule   Session          `json:"schedule"`
	ItemCount  int              `json:"item_count"`
	Attendance AttendanceStatus `json:"attendance"`
}

// PtRecordItem is one exercise-log entry of a record.
type PtRecordItem struct {
	ID        int64     `json:"id"`
	RecordID  int64     `json:"record_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
