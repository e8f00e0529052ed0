package workinghours

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ptschedule/internal/apperr"
	"ptschedule/internal/database"
	"ptschedule/internal/model"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetCenter(ctx context.Context, id int64) (*model.FitnessCenter, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.FitnessCenter), args.Error(1)
}

func (m *mockStore) GetTrainer(ctx context.Context, id int64) (*model.Trainer, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Trainer), args.Error(1)
}

func (m *mockStore) ListCenterWorkingHours(ctx context.Context, centerID int64) ([]model.WorkingHour, error) {
	args := m.Called(ctx, centerID)
	return args.Get(0).([]model.WorkingHour), args.Error(1)
}

func (m *mockStore) ReplaceCenterWorkingHours(ctx context.Context, centerID int64, hours []model.WorkingHour) ([]model.WorkingHour, error) {
	args := m.Called(ctx, centerID, hours)
	return args.Get(0).([]model.WorkingHour), args.Error(1)
}

func (m *mockStore) SyncCenterTrainers(ctx context.Context, centerID int64) ([]database.TrainerSync, error) {
	args := m.Called(ctx, centerID)
	return args.Get(0).([]database.TrainerSync), args.Error(1)
}

func (m *mockStore) SyncTrainerFromCenter(ctx context.Context, trainerID, centerID int64) (int, error) {
	args := m.Called(ctx, trainerID, centerID)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) ListTrainerWorkingHours(ctx context.Context, trainerID int64) ([]model.WorkingHour, error) {
	args := m.Called(ctx, trainerID)
	return args.Get(0).([]model.WorkingHour), args.Error(1)
}

func (m *mockStore) AddTrainerWorkingHour(ctx context.Context, trainerID int64, wh model.WorkingHour) (model.WorkingHour, error) {
	args := m.Called(ctx, trainerID, wh)
	return args.Get(0).(model.WorkingHour), args.Error(1)
}

func (m *mockStore) RemoveTrainerWorkingHour(ctx context.Context, trainerID, workingHourID int64) error {
	return m.Called(ctx, trainerID, workingHourID).Error(0)
}

func (m *mockStore) ReplaceTrainerDayHours(ctx context.Context, trainerID int64, day model.Weekday, hours []model.WorkingHour) ([]model.WorkingHour, error) {
	args := m.Called(ctx, trainerID, day, hours)
	return args.Get(0).([]model.WorkingHour), args.Error(1)
}

func newRegistry(store Store) *Registry {
	return NewRegistry(store, zerolog.New(io.Discard))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		hours []model.WorkingHour
		code  string
	}{
		{"ok", []model.WorkingHour{{DayOfWeek: model.Monday, OpenTime: 900, CloseTime: 1800}}, ""},
		{"end of day close", []model.WorkingHour{{DayOfWeek: model.Monday, OpenTime: 1800, CloseTime: 2400}}, ""},
		{"disjoint same day", []model.WorkingHour{
			{DayOfWeek: model.Monday, OpenTime: 600, CloseTime: 1200},
			{DayOfWeek: model.Monday, OpenTime: 1200, CloseTime: 1800},
		}, ""},
		{"bad weekday", []model.WorkingHour{{DayOfWeek: "XYZ", OpenTime: 900, CloseTime: 1800}}, apperr.CodeInvalidTime},
		{"misaligned", []model.WorkingHour{{DayOfWeek: model.Monday, OpenTime: 915, CloseTime: 1800}}, apperr.CodeInvalidTime},
		{"open at 2400", []model.WorkingHour{{DayOfWeek: model.Monday, OpenTime: 2400, CloseTime: 2400}}, apperr.CodeInvalidTime},
		{"close at zero", []model.WorkingHour{{DayOfWeek: model.Monday, OpenTime: 0, CloseTime: 0}}, apperr.CodeInvalidTime},
		{"inverted", []model.WorkingHour{{DayOfWeek: model.Monday, OpenTime: 1800, CloseTime: 900}}, apperr.CodeInvalidRange},
		{"empty range", []model.WorkingHour{{DayOfWeek: model.Monday, OpenTime: 900, CloseTime: 900}}, apperr.CodeInvalidRange},
		{"overlap", []model.WorkingHour{
			{DayOfWeek: model.Monday, OpenTime: 900, CloseTime: 1300},
			{DayOfWeek: model.Tuesday, OpenTime: 900, CloseTime: 1300},
			{DayOfWeek: model.Monday, OpenTime: 1230, CloseTime: 1800},
		}, apperr.CodeOverlappingHours},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.hours)
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.code, apperr.CodeOf(err))
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
}

func TestUpdateCenterAndSync(t *testing.T) {
	ctx := context.Background()
	hours := []model.WorkingHour{{DayOfWeek: model.Monday, OpenTime: 900, CloseTime: 1800}}
	stored := []model.WorkingHour{{ID: 1, DayOfWeek: model.Monday, OpenTime: 900, CloseTime: 1800}}

	t.Run("both succeed", func(t *testing.T) {
		store := new(mockStore)
		store.On("GetCenter", ctx, int64(3)).Return(&model.FitnessCenter{ID: 3}, nil)
		store.On("ReplaceCenterWorkingHours", ctx, int64(3), hours).Return(stored, nil)
		store.On("SyncCenterTrainers", ctx, int64(3)).Return([]database.TrainerSync{{TrainerID: 8, Hours: 1}}, nil)

		res, err := newRegistry(store).UpdateCenterAndSync(ctx, 3, hours)
		require.NoError(t, err)
		assert.True(t, res.CenterUpdated)
		assert.True(t, res.Sync.OK)
		assert.Len(t, res.Sync.Trainers, 1)
		store.AssertExpectations(t)
	})

	t.Run("sync fails after center update", func(t *testing.T) {
		store := new(mockStore)
		store.On("GetCenter", ctx, int64(3)).Return(&model.FitnessCenter{ID: 3}, nil)
		store.On("ReplaceCenterWorkingHours", ctx, int64(3), hours).Return(stored, nil)
		store.On("SyncCenterTrainers", ctx, int64(3)).Return([]database.TrainerSync(nil), errors.New("connection reset"))

		res, err := newRegistry(store).UpdateCenterAndSync(ctx, 3, hours)
		require.NoError(t, err, "partial success is not an error")
		assert.True(t, res.CenterUpdated)
		assert.Equal(t, stored, res.Hours)
		assert.False(t, res.Sync.OK)
		assert.Contains(t, res.Sync.Error, "connection reset")
	})

	t.Run("center update fails", func(t *testing.T) {
		store := new(mockStore)
		store.On("GetCenter", ctx, int64(3)).Return(nil, database.ErrNotFound)

		res, err := newRegistry(store).UpdateCenterAndSync(ctx, 3, hours)
		assert.Nil(t, res)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
		store.AssertNotCalled(t, "SyncCenterTrainers", mock.Anything, mock.Anything)
	})
}

func TestCreateTrainerWorkingHourRejectsOverlap(t *testing.T) {
	ctx := context.Background()
	store := new(mockStore)
	store.On("ListTrainerWorkingHours", ctx, int64(8)).Return([]model.WorkingHour{
		{ID: 1, DayOfWeek: model.Monday, OpenTime: 900, CloseTime: 1200},
	}, nil)
	reg := newRegistry(store)

	_, err := reg.CreateTrainerWorkingHour(ctx, 8, model.WorkingHour{DayOfWeek: model.Monday, OpenTime: 1130, CloseTime: 1400})
	assert.Equal(t, apperr.CodeOverlappingHours, apperr.CodeOf(err))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = reg.CreateTrainerWorkingHour(ctx, 8, model.WorkingHour{DayOfWeek: model.Monday, OpenTime: 1400, CloseTime: 1400})
	assert.Equal(t, apperr.CodeInvalidRange, apperr.CodeOf(err))

	wh := model.WorkingHour{DayOfWeek: model.Monday, OpenTime: 1200, CloseTime: 1400}
	store.On("AddTrainerWorkingHour", ctx, int64(8), wh).Return(model.WorkingHour{ID: 2, DayOfWeek: model.Monday, OpenTime: 1200, CloseTime: 1400}, nil)
	got, err := reg.CreateTrainerWorkingHour(ctx, 8, wh)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ID)
}

func TestDeleteTrainerWorkingHour(t *testing.T) {
	tests := []struct {
		name     string
		storeErr error
		kind     apperr.Kind
	}{
		{"removed", nil, 0},
		{"not linked", database.ErrNotFound, apperr.KindNotFound},
		{"store failure", errors.New("disk full"), apperr.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := new(mockStore)
			store.On("RemoveTrainerWorkingHour", ctx, int64(8), int64(3)).Return(tt.storeErr)

			err := newRegistry(store).DeleteTrainerWorkingHour(ctx, 8, 3)
			if tt.storeErr == nil {
				require.NoError(t, err)
			} else {
				assert.Equal(t, tt.kind, apperr.KindOf(err))
			}
			store.AssertExpectations(t)
		})
	}
}

func TestUpdateTrainerWorkingHoursForDay(t *testing.T) {
	ctx := context.Background()
	store := new(mockStore)
	reg := newRegistry(store)

	_, err := reg.UpdateTrainerWorkingHoursForDay(ctx, 8, model.Monday, []model.WorkingHour{
		{DayOfWeek: model.Tuesday, OpenTime: 900, CloseTime: 1200},
	})
	assert.Equal(t, apperr.CodeInvalidRange, apperr.CodeOf(err))

	in := []model.WorkingHour{{OpenTime: 900, CloseTime: 1200}}
	want := []model.WorkingHour{{DayOfWeek: model.Monday, OpenTime: 900, CloseTime: 1200}}
	store.On("ReplaceTrainerDayHours", ctx, int64(8), model.Monday, want).Return(want, nil)

	got, err := reg.UpdateTrainerWorkingHoursForDay(ctx, 8, model.Monday, in)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEffectiveTrainerHoursFallsBackToCenter(t *testing.T) {
	ctx := context.Background()
	center := int64(3)
	store := new(mockStore)
	store.On("GetTrainer", ctx, int64(8)).Return(&model.Trainer{ID: 8, CenterID: &center}, nil)
	store.On("ListTrainerWorkingHours", ctx, int64(8)).Return([]model.WorkingHour{}, nil)
	store.On("ListCenterWorkingHours", ctx, center).Return([]model.WorkingHour{
		{DayOfWeek: model.Monday, OpenTime: 900, CloseTime: 1800},
	}, nil)

	hours, err := newRegistry(store).EffectiveTrainerHours(ctx, 8)
	require.NoError(t, err)
	assert.Len(t, hours, 1)
}

func TestSyncTrainerWithoutCenter(t *testing.T) {
	ctx := context.Background()
	store := new(mockStore)
	store.On("GetTrainer", ctx, int64(8)).Return(&model.Trainer{ID: 8}, nil)

	_, err := newRegistry(store).SyncTrainer(ctx, 8)
	assert.Equal(t, apperr.KindState, apperr.KindOf(err))
}

// Sync against a real store is idempotent and shares triples across centers.
func TestRegistryAgainstSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, database.DriverSQLite, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	centerID, err := db.CreateCenter(ctx, "Downtown")
	require.NoError(t, err)
	trainerID, err := db.CreateTrainer(ctx, "Kim", &centerID)
	require.NoError(t, err)

	reg := newRegistry(db)
	res, err := reg.UpdateCenterAndSync(ctx, centerID, []model.WorkingHour{
		{DayOfWeek: model.Monday, OpenTime: 900, CloseTime: 1800},
	})
	require.NoError(t, err)
	require.True(t, res.Sync.OK)

	first, err := reg.GetTrainerWorkingHours(ctx, trainerID)
	require.NoError(t, err)
	_, err = reg.SyncTrainerWorkingHours(ctx, centerID)
	require.NoError(t, err)
	second, err := reg.GetTrainerWorkingHours(ctx, trainerID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	got, err := reg.GetCenterWorkingHours(ctx, centerID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "MON:0900-1800", got[0].Key())
}
