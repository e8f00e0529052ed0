package model

import (
	"fmt"
	"time"

	"ptschedule/internal/timeslot"
)

// Weekday is one of the seven enumerated days.
type Weekday string

const (
	Monday    Weekday = "MON"
	Tuesday   Weekday = "TUE"
	Wednesday Weekday = "WED"
	Thursday  Weekday = "THU"
	Friday    Weekday = "FRI"
	Saturday  Weekday = "SAT"
	Sunday    Weekday = "SUN"
)

// Weekdays in Monday-first order.
var Weekdays = []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}

var fromTime = map[time.Weekday]Weekday{
	time.Monday:    Monday,
	time.Tuesday:   Tuesday,
	time.Wednesday: Wednesday,
	time.Thursday:  Thursday,
	time.Friday:    Friday,
	time.Saturday:  Saturday,
	time.Sunday:    Sunday,
}

// WeekdayOf returns the weekday of t's calendar day.
func WeekdayOf(t time.Time) Weekday {
	return fromTime[t.Weekday()]
}

// Valid reports whether w is one of the seven enumerated days.
func (w Weekday) Valid() bool {
	for _, d := range Weekdays {
		if d == w {
			return true
		}
	}
	return false
}

// Index returns 0 for Monday through 6 for Sunday, -1 if invalid.
func (w Weekday) Index() int {
	for i, d := range Weekdays {
		if d == w {
			return i
		}
	}
	return -1
}

// WorkingHour is a content-addressed (day, open, close) triple shared across
// centers and trainers.
type WorkingHour struct {
	ID        int64         `json:"id" db:"id"`
	DayOfWeek Weekday       `json:"day_of_week" db:"day_of_week"`
	OpenTime  timeslot.HHMM `json:"open_time" db:"open_time"`
	CloseTime timeslot.HHMM `json:"close_time" db:"close_time"`
}

// Key identifies the natural key of a working hour.
func (w WorkingHour) Key() string {
	return fmt.Sprintf("%s:%04d-%04d", w.DayOfWeek, w.OpenTime, w.CloseTime)
}

// Contains reports whether t falls inside [open, close).
func (w WorkingHour) Contains(t timeslot.HHMM) bool {
	return t >= w.OpenTime && t < w.CloseTime
}

// FitnessCenter owns a default weekly schedule.
type FitnessCenter struct {
	ID   int64  `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

// Trainer belongs to at most one center.
type Trainer struct {
	ID       int64  `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	CenterID *int64 `json:"center_id,omitempty" db:"center_id"`
}

// TrainerOff is a one-off unavailability block.
type TrainerOff struct {
	ID        int64         `json:"id"`
	TrainerID int64         `json:"trainer_id"`
	Date      time.Time     `json:"date"`
	StartTime timeslot.HHMM `json:"start_time"`
	EndTime   timeslot.HHMM `json:"end_time"`
}

// RepeatOff is a weekly recurring unavailability block.
type RepeatOff struct {
	ID        int64         `json:"id" db:"id"`
	TrainerID int64         `json:"trainer_id" db:"trainer_id"`
	WeekDay   Weekday       `json:"week_day" db:"week_day"`
	StartTime timeslot.HHMM `json:"start_time" db:"start_time"`
	EndTime   timeslot.HHMM `json:"end_time" db:"end_time"`
}
