package availability

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"ptschedule/internal/apperr"
	"ptschedule/internal/database"
	"ptschedule/internal/model"
	"ptschedule/internal/timeslot"
)

// OffStore persists trainer off blocks.
type OffStore interface {
	CreateTrainerOff(ctx context.Context, off model.TrainerOff) (model.TrainerOff, error)
	DeleteTrainerOff(ctx context.Context, trainerID, id int64) error
	ListTrainerOffs(ctx context.Context, trainerID int64, from, to time.Time) ([]model.TrainerOff, error)
	CreateRepeatOff(ctx context.Context, off model.RepeatOff) (model.RepeatOff, error)
	DeleteRepeatOff(ctx context.Context, trainerID, id int64) error
	ListRepeatOffs(ctx context.Context, trainerID int64) ([]model.RepeatOff, error)
}

// OffService manages one-off and weekly off blocks. A trainer manages their
// own blocks; a manager may manage anyone's.
type OffService struct {
	store    OffStore
	resolver *Resolver
	logger   zerolog.Logger
}

func NewOffService(store OffStore, resolver *Resolver, logger zerolog.Logger) *OffService {
	return &OffService{
		store:    store,
		resolver: resolver,
		logger:   logger.With().Str("component", "trainer_off").Logger(),
	}
}

func authorizeTrainer(p model.Principal, trainerID int64) error {
	if p.Role == model.RoleManager {
		return nil
	}
	if p.Role == model.RoleTrainer && p.ID == trainerID {
		return nil
	}
	return apperr.Permission(apperr.CodeNotOwner, "%s %d may not manage trainer %d", p.Role, p.ID, trainerID)
}

func validateBlock(start, end timeslot.HHMM) error {
	if !timeslot.Valid(start) || !timeslot.Valid(end) {
		return apperr.Validation(apperr.CodeInvalidTime, "times must be aligned HHMM values: %d-%d", start, end)
	}
	if start >= end {
		return apperr.Validation(apperr.CodeInvalidRange, "start %s must be before end %s", start, end)
	}
	return nil
}

func offStoreErr(err error, format string, args ...any) error {
	if errors.Is(err, database.ErrNotFound) {
		return apperr.NotFound(format, args...)
	}
	return apperr.Internal(err, format, args...)
}

// AddTrainerOff blocks [start, end) on one date.
func (s *OffService) AddTrainerOff(ctx context.Context, p model.Principal, off model.TrainerOff) (model.TrainerOff, error) {
	if err := authorizeTrainer(p, off.TrainerID); err != nil {
		return off, err
	}
	if off.Date.IsZero() {
		return off, apperr.Validation(apperr.CodeMissingField, "date is required")
	}
	if err := validateBlock(off.StartTime, off.EndTime); err != nil {
		return off, err
	}
	if off.Date.Before(s.resolver.Today()) {
		return off, apperr.Validation(apperr.CodePastSession, "date %s is in the past", model.DateKey(off.Date))
	}
	if _, _, err := s.resolver.Window(time.Time{}, off.Date); err != nil {
		return off, err
	}

	created, err := s.store.CreateTrainerOff(ctx, off)
	if err != nil {
		return off, offStoreErr(err, "create trainer off")
	}
	s.resolver.Invalidate(ctx, off.TrainerID)
	s.logger.Info().Int64("trainer_id", off.TrainerID).Str("date", model.DateKey(off.Date)).Msg("trainer off added")
	return created, nil
}

func (s *OffService) RemoveTrainerOff(ctx context.Context, p model.Principal, trainerID, id int64) error {
	if err := authorizeTrainer(p, trainerID); err != nil {
		return err
	}
	if err := s.store.DeleteTrainerOff(ctx, trainerID, id); err != nil {
		return offStoreErr(err, "trainer off %d", id)
	}
	s.resolver.Invalidate(ctx, trainerID)
	return nil
}

// ListTrainerOffs returns one-off blocks inside the look-ahead window.
func (s *OffService) ListTrainerOffs(ctx context.Context, trainerID int64, from, to time.Time) ([]model.TrainerOff, error) {
	from, to, err := s.resolver.Window(from, to)
	if err != nil {
		return nil, err
	}
	offs, err := s.store.ListTrainerOffs(ctx, trainerID, from, to)
	if err != nil {
		return nil, offStoreErr(err, "list trainer offs")
	}
	return offs, nil
}

// AddRepeatOff blocks [start, end) on every matching weekday.
func (s *OffService) AddRepeatOff(ctx context.Context, p model.Principal, off model.RepeatOff) (model.RepeatOff, error) {
	if err := authorizeTrainer(p, off.TrainerID); err != nil {
		return off, err
	}
	if !off.WeekDay.Valid() {
		return off, apperr.Validation(apperr.CodeInvalidTime, "unknown weekday %q", off.WeekDay)
	}
	if err := validateBlock(off.StartTime, off.EndTime); err != nil {
		return off, err
	}

	created, err := s.store.CreateRepeatOff(ctx, off)
	if err != nil {
		return off, offStoreErr(err, "create repeat off")
	}
	s.resolver.Invalidate(ctx, off.TrainerID)
	s.logger.Info().Int64("trainer_id", off.TrainerID).Str("week_day", string(off.WeekDay)).Msg("repeat off added")
	return created, nil
}

func (s *OffService) RemoveRepeatOff(ctx context.Context, p model.Principal, trainerID, id int64) error {
	if err := authorizeTrainer(p, trainerID); err != nil {
		return err
	}
	if err := s.store.DeleteRepeatOff(ctx, trainerID, id); err != nil {
		return offStoreErr(err, "repeat off %d", id)
	}
	s.resolver.Invalidate(ctx, trainerID)
	return nil
}

func (s *OffService) ListRepeatOffs(ctx context.Context, trainerID int64) ([]model.RepeatOff, error) {
	offs, err := s.store.ListRepeatOffs(ctx, trainerID)
	if err != nil {
		return nil, offStoreErr(err, "list repeat offs")
	}
	return offs, nil
}
