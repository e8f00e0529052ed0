// Package workinghours manages center default hours and the per-trainer
// projections derived from them.
package workinghours

import (
	"context"
	"errors"
	"sort"

	"github.com/rs/zerolog"

	"ptschedule/internal/apperr"
	"ptschedule/internal/database"
	"ptschedule/internal/metrics"
	"ptschedule/internal/model"
	"ptschedule/internal/timeslot"
)

// Store provides working-hour persistence.
type Store interface {
	GetCenter(ctx context.Context, id int64) (*model.FitnessCenter, error)
	GetTrainer(ctx context.Context, id int64) (*model.Trainer, error)
	ListCenterWorkingHours(ctx context.Context, centerID int64) ([]model.WorkingHour, error)
	ReplaceCenterWorkingHours(ctx context.Context, centerID int64, hours []model.WorkingHour) ([]model.WorkingHour, error)
	SyncCenterTrainers(ctx context.Context, centerID int64) ([]database.TrainerSync, error)
	SyncTrainerFromCenter(ctx context.Context, trainerID, centerID int64) (int, error)
	ListTrainerWorkingHours(ctx context.Context, trainerID int64) ([]model.WorkingHour, error)
	AddTrainerWorkingHour(ctx context.Context, trainerID int64, wh model.WorkingHour) (model.WorkingHour, error)
	RemoveTrainerWorkingHour(ctx context.Context, trainerID, workingHourID int64) error
	ReplaceTrainerDayHours(ctx context.Context, trainerID int64, day model.Weekday, hours []model.WorkingHour) ([]model.WorkingHour, error)
}

// SyncStatus is the trainer-sync half of an update result.
type SyncStatus struct {
	OK       bool                   `json:"ok"`
	Trainers []database.TrainerSync `json:"trainers,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// UpdateResult reports a center update and the trainer sync that follows it
// as two independent outcomes.
type UpdateResult struct {
	CenterUpdated bool                `json:"center_updated"`
	Hours         []model.WorkingHour `json:"hours"`
	Sync          SyncStatus          `json:"sync"`
}

// Registry owns center and trainer working hours.
type Registry struct {
	store  Store
	logger zerolog.Logger
}

func NewRegistry(store Store, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger.With().Str("component", "working_hours").Logger(),
	}
}

// Validate checks every entry and rejects overlapping ranges on the same day.
func Validate(hours []model.WorkingHour) error {
	for _, wh := range hours {
		if err := validateOne(wh); err != nil {
			return err
		}
	}
	if a, b, ok := findOverlap(hours); ok {
		return apperr.Validation(apperr.CodeOverlappingHours, "%s overlaps %s", a.Key(), b.Key())
	}
	return nil
}

func validateOne(wh model.WorkingHour) error {
	if !wh.DayOfWeek.Valid() {
		return apperr.Validation(apperr.CodeInvalidTime, "unknown weekday %q", wh.DayOfWeek)
	}
	if !timeslot.Valid(wh.OpenTime) || wh.OpenTime >= timeslot.EndOfDay {
		return apperr.Validation(apperr.CodeInvalidTime, "invalid open time %d", wh.OpenTime)
	}
	if !timeslot.Valid(wh.CloseTime) || wh.CloseTime <= 0 {
		return apperr.Validation(apperr.CodeInvalidTime, "invalid close time %d", wh.CloseTime)
	}
	if wh.OpenTime >= wh.CloseTime {
		return apperr.Validation(apperr.CodeInvalidRange, "open %s must be before close %s", wh.OpenTime, wh.CloseTime)
	}
	return nil
}

func findOverlap(hours []model.WorkingHour) (model.WorkingHour, model.WorkingHour, bool) {
	sorted := append([]model.WorkingHour(nil), hours...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].DayOfWeek != sorted[j].DayOfWeek {
			return sorted[i].DayOfWeek.Index() < sorted[j].DayOfWeek.Index()
		}
		return sorted[i].OpenTime < sorted[j].OpenTime
	})
	for i := 1; i < len(sorted); i++ {
		a, b := sorted[i-1], sorted[i]
		if a.DayOfWeek == b.DayOfWeek && timeslot.Overlaps(a.OpenTime, a.CloseTime, b.OpenTime, b.CloseTime) {
			return a, b, true
		}
	}
	return model.WorkingHour{}, model.WorkingHour{}, false
}

func storeErr(err error, format string, args ...any) error {
	if errors.Is(err, database.ErrNotFound) {
		return apperr.NotFound(format, args...)
	}
	return apperr.Internal(err, format, args...)
}

// GetCenterWorkingHours returns the center's default weekly schedule.
func (r *Registry) GetCenterWorkingHours(ctx context.Context, centerID int64) ([]model.WorkingHour, error) {
	if _, err := r.store.GetCenter(ctx, centerID); err != nil {
		return nil, storeErr(err, "center %d", centerID)
	}
	hours, err := r.store.ListCenterWorkingHours(ctx, centerID)
	if err != nil {
		return nil, storeErr(err, "list center %d hours", centerID)
	}
	return hours, nil
}

// UpdateCenterWorkingHours replaces the center's full weekly schedule.
func (r *Registry) UpdateCenterWorkingHours(ctx context.Context, centerID int64, hours []model.WorkingHour) ([]model.WorkingHour, error) {
	if err := Validate(hours); err != nil {
		return nil, err
	}
	if _, err := r.store.GetCenter(ctx, centerID); err != nil {
		return nil, storeErr(err, "center %d", centerID)
	}
	stored, err := r.store.ReplaceCenterWorkingHours(ctx, centerID, hours)
	if err != nil {
		return nil, storeErr(err, "replace center %d hours", centerID)
	}
	r.logger.Info().Int64("center_id", centerID).Int("hours", len(stored)).Msg("center working hours updated")
	return stored, nil
}

// SyncTrainerWorkingHours replaces every assigned trainer's hours with the
// center's current defaults.
func (r *Registry) SyncTrainerWorkingHours(ctx context.Context, centerID int64) ([]database.TrainerSync, error) {
	result, err := r.store.SyncCenterTrainers(ctx, centerID)
	if err != nil {
		metrics.IncTrainerSync("failed")
		return nil, storeErr(err, "sync trainers of center %d", centerID)
	}
	metrics.IncTrainerSync("ok")
	r.logger.Info().Int64("center_id", centerID).Int("trainers", len(result)).Msg("trainer working hours synced")
	return result, nil
}

// UpdateCenterAndSync updates the center, then syncs its trainers. A sync
// failure does not undo the center update; it is reported in Sync instead.
func (r *Registry) UpdateCenterAndSync(ctx context.Context, centerID int64, hours []model.WorkingHour) (*UpdateResult, error) {
	stored, err := r.UpdateCenterWorkingHours(ctx, centerID, hours)
	if err != nil {
		return nil, err
	}

	res := &UpdateResult{CenterUpdated: true, Hours: stored}
	trainers, err := r.SyncTrainerWorkingHours(ctx, centerID)
	if err != nil {
		r.logger.Error().Err(err).Int64("center_id", centerID).Msg("center updated but trainer sync failed")
		res.Sync = SyncStatus{OK: false, Error: err.Error()}
		return res, nil
	}
	res.Sync = SyncStatus{OK: true, Trainers: trainers}
	return res, nil
}

// SyncTrainer copies the trainer's center defaults onto that trainer alone.
func (r *Registry) SyncTrainer(ctx context.Context, trainerID int64) (int, error) {
	trainer, err := r.store.GetTrainer(ctx, trainerID)
	if err != nil {
		return 0, storeErr(err, "trainer %d", trainerID)
	}
	if trainer.CenterID == nil {
		return 0, apperr.State(apperr.CodeInvalidState, "trainer %d has no center", trainerID)
	}
	n, err := r.store.SyncTrainerFromCenter(ctx, trainerID, *trainer.CenterID)
	if err != nil {
		metrics.IncTrainerSync("failed")
		return 0, storeErr(err, "sync trainer %d", trainerID)
	}
	metrics.IncTrainerSync("ok")
	return n, nil
}

// GetTrainerWorkingHours returns the trainer's own working hours.
func (r *Registry) GetTrainerWorkingHours(ctx context.Context, trainerID int64) ([]model.WorkingHour, error) {
	hours, err := r.store.ListTrainerWorkingHours(ctx, trainerID)
	if err != nil {
		return nil, storeErr(err, "list trainer %d hours", trainerID)
	}
	return hours, nil
}

// EffectiveTrainerHours returns the trainer's hours, falling back to the
// center defaults for a trainer that has never been synced.
func (r *Registry) EffectiveTrainerHours(ctx context.Context, trainerID int64) ([]model.WorkingHour, error) {
	trainer, err := r.store.GetTrainer(ctx, trainerID)
	if err != nil {
		return nil, storeErr(err, "trainer %d", trainerID)
	}
	hours, err := r.GetTrainerWorkingHours(ctx, trainerID)
	if err != nil {
		return nil, err
	}
	if len(hours) > 0 || trainer.CenterID == nil {
		return hours, nil
	}
	hours, err = r.store.ListCenterWorkingHours(ctx, *trainer.CenterID)
	if err != nil {
		return nil, storeErr(err, "list center %d hours", *trainer.CenterID)
	}
	return hours, nil
}

// CreateTrainerWorkingHour adds one range, rejecting overlap with the
// trainer's existing ranges on that day.
func (r *Registry) CreateTrainerWorkingHour(ctx context.Context, trainerID int64, wh model.WorkingHour) (model.WorkingHour, error) {
	if err := validateOne(wh); err != nil {
		return wh, err
	}
	existing, err := r.store.ListTrainerWorkingHours(ctx, trainerID)
	if err != nil {
		return wh, storeErr(err, "list trainer %d hours", trainerID)
	}
	for _, e := range existing {
		if e.DayOfWeek == wh.DayOfWeek && timeslot.Overlaps(e.OpenTime, e.CloseTime, wh.OpenTime, wh.CloseTime) {
			return wh, apperr.Conflict(apperr.CodeOverlappingHours, "%s overlaps existing %s", wh.Key(), e.Key())
		}
	}

	stored, err := r.store.AddTrainerWorkingHour(ctx, trainerID, wh)
	if err != nil {
		return wh, storeErr(err, "add trainer %d hour", trainerID)
	}
	r.logger.Info().Int64("trainer_id", trainerID).Str("hours", stored.Key()).Msg("trainer working hour added")
	return stored, nil
}

// DeleteTrainerWorkingHour unlinks one range from the trainer.
func (r *Registry) DeleteTrainerWorkingHour(ctx context.Context, trainerID, workingHourID int64) error {
	if err := r.store.RemoveTrainerWorkingHour(ctx, trainerID, workingHourID); err != nil {
		return storeErr(err, "trainer %d working hour %d", trainerID, workingHourID)
	}
	r.logger.Info().Int64("trainer_id", trainerID).Int64("working_hour_id", workingHourID).Msg("trainer working hour removed")
	return nil
}

// UpdateTrainerWorkingHoursForDay replaces the trainer's ranges for one weekday.
func (r *Registry) UpdateTrainerWorkingHoursForDay(ctx context.Context, trainerID int64, day model.Weekday, hours []model.WorkingHour) ([]model.WorkingHour, error) {
	if !day.Valid() {
		return nil, apperr.Validation(apperr.CodeInvalidTime, "unknown weekday %q", day)
	}
	for i := range hours {
		if hours[i].DayOfWeek == "" {
			hours[i].DayOfWeek = day
		}
		if hours[i].DayOfWeek != day {
			return nil, apperr.Validation(apperr.CodeInvalidRange, "%s is not on %s", hours[i].Key(), day)
		}
	}
	if err := Validate(hours); err != nil {
		return nil, err
	}
	stored, err := r.store.ReplaceTrainerDayHours(ctx, trainerID, day, hours)
	if err != nil {
		return nil, storeErr(err, "replace trainer %d %s hours", trainerID, day)
	}
	r.logger.Info().Int64("trainer_id", trainerID).Str("day", string(day)).Int("hours", len(stored)).Msg("trainer day hours replaced")
	return stored, nil
}
