// Package conflict checks proposed sessions against trainer working hours,
// occupied slots and competing applications.
package conflict

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"ptschedule/internal/apperr"
	"ptschedule/internal/availability"
	"ptschedule/internal/database"
	"ptschedule/internal/metrics"
	"ptschedule/internal/model"
	"ptschedule/internal/timeslot"
)

// Reasons reported for a conflicting occurrence.
const (
	ReasonOutsideWorkingHours = "outside_working_hours"
	ReasonBooked              = "booked"
	ReasonTrainerOff          = "trainer_off"
	ReasonRepeatOff           = "repeat_off"
	ReasonPast                = "past"
)

// Store provides Pt and schedule lookups.
type Store interface {
	GetPt(ctx context.Context, id int64) (*model.Pt, error)
	ListSchedules(ctx context.Context, f database.ScheduleFilter) ([]model.PtSchedule, error)
}

// HoursSource returns the working hours that bound a trainer's sessions.
type HoursSource interface {
	EffectiveTrainerHours(ctx context.Context, trainerID int64) ([]model.WorkingHour, error)
}

// Resolver resolves occupied slots.
type Resolver interface {
	Resolve(ctx context.Context, q availability.Query) (*availability.Availability, error)
	Today() time.Time
	LookaheadWeeks() int
}

// ScheduleRequest is a proposed pattern for one trainer.
type ScheduleRequest struct {
	TrainerID int64   `json:"trainer_id"`
	Pattern   Pattern `json:"pattern"`
	// ExcludeScheduleIDs ignores sessions that the proposal replaces.
	ExcludeScheduleIDs []int64 `json:"-"`
}

// Occurrence identifies the first conflicting session of a proposal.
type Occurrence struct {
	Date      string        `json:"date"`
	StartTime timeslot.HHMM `json:"start_time"`
	EndTime   timeslot.HHMM `json:"end_time"`
	Reason    string        `json:"reason"`
	Code      string        `json:"code"`
}

// ValidationResult reports whether every occurrence is bookable.
type ValidationResult struct {
	Valid       bool            `json:"valid"`
	Occurrences []model.Session `json:"occurrences"`
	Conflict    *Occurrence     `json:"conflict,omitempty"`
}

// MemberRef names a competing application.
type MemberRef struct {
	MemberID int64         `json:"member_id"`
	PtID     int64         `json:"pt_id"`
	PtState  model.PtState `json:"pt_state"`
}

// ApplicationConflict reports collisions of a pending Pt.
type ApplicationConflict struct {
	HasConflict        bool            `json:"has_conflict"`
	ConflictingMembers []MemberRef     `json:"conflicting_members"`
	BlockedSessions    []model.Session `json:"blocked_sessions,omitempty"`
}

// Detector runs schedule validation and application conflict checks.
type Detector struct {
	store    Store
	hours    HoursSource
	resolver Resolver
	loc      *time.Location
	now      func() time.Time
	logger   zerolog.Logger
}

func NewDetector(store Store, hours HoursSource, resolver Resolver, loc *time.Location, now func() time.Time, logger zerolog.Logger) *Detector {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Detector{
		store:    store,
		hours:    hours,
		resolver: resolver,
		loc:      loc,
		now:      now,
		logger:   logger.With().Str("component", "conflict").Logger(),
	}
}

// LastBookableDay is the end of the look-ahead window.
func (d *Detector) LastBookableDay() time.Time {
	return d.resolver.Today().AddDate(0, 0, d.resolver.LookaheadWeeks()*7)
}

// ValidateSchedule expands the pattern and walks occurrences in order,
// stopping at the first one that cannot be booked. Malformed patterns are
// returned as errors; a conflicting occurrence is a result, not an error.
func (d *Detector) ValidateSchedule(ctx context.Context, req ScheduleRequest) (*ValidationResult, error) {
	if req.TrainerID == 0 {
		return nil, apperr.Validation(apperr.CodeMissingField, "trainer id is required")
	}
	occurrences, err := req.Pattern.Expand(d.LastBookableDay())
	if err != nil {
		return nil, err
	}
	return d.check(ctx, req.TrainerID, occurrences, req.ExcludeScheduleIDs, false)
}

// check walks occurrences in order. fresh skips the availability cache.
func (d *Detector) check(ctx context.Context, trainerID int64, occurrences []model.Session, exclude []int64, fresh bool) (*ValidationResult, error) {
	res := &ValidationResult{Valid: true, Occurrences: occurrences}
	if len(occurrences) == 0 {
		return res, nil
	}

	hours, err := d.hours.EffectiveTrainerHours(ctx, trainerID)
	if err != nil {
		return nil, err
	}
	// Past occurrences fail before occupancy is consulted, so the window
	// starts no earlier than today.
	from, to := occurrences[0].Date, occurrences[len(occurrences)-1].Date
	if today := d.resolver.Today(); from.Before(today) {
		from = today
	}
	if to.Before(from) {
		to = from
	}
	avail, err := d.resolver.Resolve(ctx, availability.Query{
		TrainerID:          trainerID,
		From:               from,
		To:                 to,
		ExcludeScheduleIDs: exclude,
		Fresh:              fresh,
	})
	if err != nil {
		return nil, err
	}

	now := d.now()
	for _, occ := range occurrences {
		reason, code := d.checkOccurrence(occ, hours, avail, now)
		if reason == "" {
			continue
		}
		metrics.IncScheduleConflict(reason)
		res.Valid = false
		res.Conflict = &Occurrence{
			Date:      occ.DateKey(),
			StartTime: occ.StartTime,
			EndTime:   occ.EndTime,
			Reason:    reason,
			Code:      code,
		}
		return res, nil
	}
	return res, nil
}

func (d *Detector) checkOccurrence(occ model.Session, hours []model.WorkingHour, avail *availability.Availability, now time.Time) (string, string) {
	if occ.Start(d.loc).Before(now) {
		return ReasonPast, apperr.CodePastSession
	}
	if !FitsWorkingHours(occ, hours) {
		return ReasonOutsideWorkingHours, apperr.CodeOutsideWorkingHours
	}
	if blocks := avail.Collisions(occ); len(blocks) > 0 {
		switch blocks[0].Kind {
		case availability.KindTrainerOff:
			return ReasonTrainerOff, apperr.CodeScheduleConflict
		case availability.KindRepeatOff:
			return ReasonRepeatOff, apperr.CodeScheduleConflict
		default:
			return ReasonBooked, apperr.CodeScheduleConflict
		}
	}
	return "", ""
}

// FitsWorkingHours reports whether the whole session lies inside one working
// range of its weekday.
func FitsWorkingHours(s model.Session, hours []model.WorkingHour) bool {
	wd := model.WeekdayOf(s.Date)
	duration := timeslot.DurationHours(s.StartTime, s.EndTime)
	want := timeslot.DurationToSlotCount(duration)
	for _, wh := range hours {
		if wh.DayOfWeek != wd || !wh.Contains(s.StartTime) {
			continue
		}
		if len(timeslot.ClassTimeSlots(s.StartTime, duration, wh.OpenTime, wh.CloseTime)) == want {
			return true
		}
	}
	return false
}

// CheckSessions validates explicit occurrences, e.g. the target of a change
// request. It always reads occupancy from the store.
func (d *Detector) CheckSessions(ctx context.Context, trainerID int64, sessions []model.Session, exclude []int64) (*ValidationResult, error) {
	for _, s := range sessions {
		if err := validateSession(s); err != nil {
			return nil, err
		}
	}
	return d.check(ctx, trainerID, sessions, exclude, true)
}

// CheckPtApplicationConflict reports every other pending or confirmed Pt of
// the same trainer that overlaps one of this pending Pt's sessions, plus the
// sessions that hit an off block.
func (d *Detector) CheckPtApplicationConflict(ctx context.Context, ptID int64) (*ApplicationConflict, error) {
	pt, err := d.store.GetPt(ctx, ptID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound("pt %d", ptID)
	}
	if err != nil {
		return nil, apperr.Internal(err, "get pt %d", ptID)
	}
	if pt.State != model.PtPending {
		return nil, apperr.State(apperr.CodeInvalidState, "pt %d is %s, not PENDING", ptID, pt.State)
	}

	own, err := d.store.ListSchedules(ctx, database.ScheduleFilter{PtID: ptID})
	if err != nil {
		return nil, apperr.Internal(err, "list pt %d schedules", ptID)
	}
	res := &ApplicationConflict{ConflictingMembers: []MemberRef{}}
	if len(own) == 0 {
		return res, nil
	}
	from, to := own[0].Date, own[len(own)-1].Date

	others, err := d.store.ListSchedules(ctx, database.ScheduleFilter{
		TrainerID: pt.TrainerID,
		From:      from,
		To:        to,
		States:    []model.PtState{model.PtPending, model.PtConfirmed},
	})
	if err != nil {
		return nil, apperr.Internal(err, "list trainer %d schedules", pt.TrainerID)
	}

	seen := map[int64]bool{}
	for _, mine := range own {
		for _, o := range others {
			if o.PtID == ptID || seen[o.PtID] || !mine.Session.Overlaps(o.Session) {
				continue
			}
			seen[o.PtID] = true
			res.ConflictingMembers = append(res.ConflictingMembers, MemberRef{MemberID: o.MemberID, PtID: o.PtID, PtState: o.PtState})
		}
	}

	avail, err := d.resolver.Resolve(ctx, availability.Query{TrainerID: pt.TrainerID, From: from, To: to})
	if err != nil {
		return nil, err
	}
	for _, mine := range own {
		for _, b := range avail.Collisions(mine.Session) {
			if b.Kind != availability.KindBooked {
				res.BlockedSessions = append(res.BlockedSessions, mine.Session)
				break
			}
		}
	}

	res.HasConflict = len(res.ConflictingMembers) > 0 || len(res.BlockedSessions) > 0
	if res.HasConflict {
		metrics.IncScheduleConflict("application")
	}
	return res, nil
}
