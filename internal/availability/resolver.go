package availability

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ptschedule/internal/apperr"
	"ptschedule/internal/database"
	"ptschedule/internal/model"
)

// DefaultLookaheadWeeks bounds every resolved range.
const DefaultLookaheadWeeks = 12

// Store provides the occupancy sources of a trainer.
type Store interface {
	ListSchedules(ctx context.Context, f database.ScheduleFilter) ([]model.PtSchedule, error)
	ListTrainerOffs(ctx context.Context, trainerID int64, from, to time.Time) ([]model.TrainerOff, error)
	ListRepeatOffs(ctx context.Context, trainerID int64) ([]model.RepeatOff, error)
}

// Query selects what to resolve. Zero From means today; zero To means the
// end of the look-ahead window.
type Query struct {
	TrainerID int64
	From, To  time.Time
	// ExcludeScheduleIDs ignores specific sessions, e.g. the one being moved.
	ExcludeScheduleIDs []int64
	// Fresh bypasses the snapshot cache. Write paths set it.
	Fresh bool
}

// Resolver builds Availability from confirmed sessions and off blocks.
type Resolver struct {
	store     Store
	cache     *Cache
	lookahead int
	loc       *time.Location
	now       func() time.Time
	logger    zerolog.Logger
}

type Option func(*Resolver)

// WithCache enables the Redis snapshot cache.
func WithCache(c *Cache) Option {
	return func(r *Resolver) { r.cache = c }
}

// WithLookahead overrides the look-ahead window in weeks.
func WithLookahead(weeks int) Option {
	return func(r *Resolver) {
		if weeks > 0 {
			r.lookahead = weeks
		}
	}
}

func WithLocation(loc *time.Location) Option {
	return func(r *Resolver) {
		if loc != nil {
			r.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(store Store, logger zerolog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		store:     store,
		lookahead: DefaultLookaheadWeeks,
		loc:       time.UTC,
		now:       time.Now,
		logger:    logger.With().Str("component", "availability").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LookaheadWeeks returns the configured window.
func (r *Resolver) LookaheadWeeks() int { return r.lookahead }

// Today returns the current calendar day in the scheduling timezone.
func (r *Resolver) Today() time.Time {
	return model.Day(r.now().In(r.loc))
}

// Window fills in default bounds and enforces the look-ahead limit.
func (r *Resolver) Window(from, to time.Time) (time.Time, time.Time, error) {
	if from.IsZero() {
		from = r.Today()
	}
	from = model.Day(from)
	if to.IsZero() {
		to = from.AddDate(0, 0, r.lookahead*7)
	}
	to = model.Day(to)

	if to.Before(from) {
		return from, to, apperr.Validation(apperr.CodeInvalidRange, "range end %s before start %s", model.DateKey(to), model.DateKey(from))
	}
	if to.After(from.AddDate(0, 0, r.lookahead*7)) {
		return from, to, apperr.Validation(apperr.CodeWeekLimitExceeded,
			"range %s..%s exceeds %d weeks", model.DateKey(from), model.DateKey(to), r.lookahead)
	}
	return from, to, nil
}

// Resolve returns the occupied slots of the trainer over the query range.
func (r *Resolver) Resolve(ctx context.Context, q Query) (*Availability, error) {
	from, to, err := r.Window(q.From, q.To)
	if err != nil {
		return nil, err
	}

	cacheable := r.cache != nil && !q.Fresh && len(q.ExcludeScheduleIDs) == 0
	version := noVersion
	if cacheable {
		var a *Availability
		var ok bool
		if a, version, ok = r.cache.Get(ctx, q.TrainerID, from, to); ok {
			return a, nil
		}
	}

	a, err := r.load(ctx, q.TrainerID, from, to, q.ExcludeScheduleIDs)
	if err != nil {
		return nil, err
	}
	if cacheable {
		r.cache.Set(ctx, a, version)
	}
	return a, nil
}

// Invalidate drops cached snapshots of the trainer.
func (r *Resolver) Invalidate(ctx context.Context, trainerID int64) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, trainerID); err != nil {
		r.logger.Warn().Err(err).Int64("trainer_id", trainerID).Msg("availability cache invalidation failed")
	}
}

func (r *Resolver) load(ctx context.Context, trainerID int64, from, to time.Time, exclude []int64) (*Availability, error) {
	a := newAvailability(trainerID, from, to)

	schedules, err := r.store.ListSchedules(ctx, database.ScheduleFilter{
		TrainerID:  trainerID,
		From:       from,
		To:         to,
		States:     []model.PtState{model.PtConfirmed},
		ExcludeIDs: exclude,
	})
	if err != nil {
		return nil, apperr.Internal(err, "list trainer %d schedules", trainerID)
	}
	for _, s := range schedules {
		a.occupy(s.Date, s.StartTime, s.EndTime, Block{Kind: KindBooked, ScheduleID: s.ID, PtID: s.PtID, MemberID: s.MemberID})
	}

	offs, err := r.store.ListTrainerOffs(ctx, trainerID, from, to)
	if err != nil {
		return nil, apperr.Internal(err, "list trainer %d offs", trainerID)
	}
	for _, off := range offs {
		a.occupy(off.Date, off.StartTime, off.EndTime, Block{Kind: KindTrainerOff})
	}

	repeats, err := r.store.ListRepeatOffs(ctx, trainerID)
	if err != nil {
		return nil, apperr.Internal(err, "list trainer %d repeat offs", trainerID)
	}
	if len(repeats) > 0 {
		for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
			wd := model.WeekdayOf(d)
			for _, rep := range repeats {
				if rep.WeekDay == wd {
					a.occupy(d, rep.StartTime, rep.EndTime, Block{Kind: KindRepeatOff})
				}
			}
		}
	}

	a.sortDays()
	return a, nil
}
