package schedulechange

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ptschedule/internal/apperr"
	"ptschedule/internal/availability"
	"ptschedule/internal/conflict"
	"ptschedule/internal/database"
	"ptschedule/internal/model"
	"ptschedule/internal/timeslot"
	"ptschedule/internal/workinghours"
	"ptschedule/shared/audit"
)

var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) // Monday

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type captureEmitter struct {
	events []audit.Event
}

func (c *captureEmitter) Record(_ context.Context, e audit.Event) {
	c.events = append(c.events, e)
}

type fixture struct {
	db        *database.DB
	svc       *Service
	audit     *captureEmitter
	now       time.Time
	trainerID int64
	member    model.Principal
	trainer   model.Principal
	record    model.PtRecord
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	centerID, err := db.CreateCenter(ctx, "Downtown")
	require.NoError(t, err)
	trainerID, err := db.CreateTrainer(ctx, "Kim", &centerID)
	require.NoError(t, err)

	logger := zerolog.New(io.Discard)
	registry := workinghours.NewRegistry(db, logger)
	_, err = registry.UpdateCenterAndSync(ctx, centerID, []model.WorkingHour{
		{DayOfWeek: model.Monday, OpenTime: 900, CloseTime: 1800},
		{DayOfWeek: model.Wednesday, OpenTime: 900, CloseTime: 1800},
	})
	require.NoError(t, err)

	f := &fixture{
		db:        db,
		audit:     &captureEmitter{},
		now:       testNow,
		trainerID: trainerID,
		member:    model.Principal{Role: model.RoleMember, ID: 10},
		trainer:   model.Principal{Role: model.RoleTrainer, ID: trainerID},
	}
	clock := func() time.Time { return f.now }
	resolver := availability.NewResolver(db, logger, availability.WithClock(clock))
	detector := conflict.NewDetector(db, registry, resolver, time.UTC, clock, logger)
	f.svc = NewService(db, detector, resolver, f.audit, ttl, time.UTC, clock, logger)

	f.record = f.book(t, f.member.ID, model.Session{Date: day(2026, 3, 9), StartTime: 1000, EndTime: 1100})[0]
	return f
}

func (f *fixture) book(t *testing.T, memberID int64, sessions ...model.Session) []model.PtRecord {
	t.Helper()
	ctx := context.Background()
	pt, err := f.db.CreatePt(ctx, &model.Pt{
		MemberID:  memberID,
		TrainerID: f.trainerID,
		StartDate: sessions[0].Date,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}, sessions)
	require.NoError(t, err)
	require.NoError(t, f.db.ConfirmPt(ctx, pt.ID, testNow))
	records, err := f.db.ListRecords(ctx, database.RecordFilter{PtID: pt.ID})
	require.NoError(t, err)
	return records
}

func (f *fixture) request(date time.Time, start, end int) CreateRequest {
	return CreateRequest{
		PtRecordID:         f.record.ID,
		RequestedDate:      date,
		RequestedStartTime: timeslot.HHMM(start),
		RequestedEndTime:   timeslot.HHMM(end),
		Reason:             "work trip",
	}
}

func TestEffectiveState(t *testing.T) {
	expires := testNow.Add(time.Hour)
	tests := []struct {
		name  string
		state model.ChangeRequestState
		now   time.Time
		want  model.ChangeRequestState
	}{
		{"live pending", model.ChangePending, testNow, model.ChangePending},
		{"pending at deadline", model.ChangePending, expires, model.ChangeExpired},
		{"pending past deadline", model.ChangePending, expires.Add(time.Minute), model.ChangeExpired},
		{"approved stays approved", model.ChangeApproved, expires.Add(time.Hour), model.ChangeApproved},
		{"cancelled stays cancelled", model.ChangeCancelled, expires.Add(time.Hour), model.ChangeCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &model.ScheduleChangeRequest{State: tt.state, ExpiresAt: expires}
			assert.Equal(t, tt.want, EffectiveState(req, tt.now))
			assert.Equal(t, tt.state, req.State, "reading must not mutate the request")
		})
	}
}

func TestExpiresAt(t *testing.T) {
	soon := testNow.Add(5 * time.Hour)
	assert.Equal(t, soon, ExpiresAt(testNow, 72*time.Hour, soon))
	assert.Equal(t, testNow.Add(72*time.Hour), ExpiresAt(testNow, 72*time.Hour, testNow.Add(30*24*time.Hour)))
}

func TestApproveMovesSchedule(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	req, err := f.svc.Create(ctx, f.member, f.request(day(2026, 3, 11), 1400, 1500))
	require.NoError(t, err)
	assert.Equal(t, model.ChangePending, req.State)
	assert.Equal(t, f.record.Schedule.StartTime, req.OriginalSchedule.StartTime)
	assert.Equal(t, testNow.Add(DefaultTTL), req.ExpiresAt)

	approved, err := f.svc.Approve(ctx, f.trainer, req.ID, "see you then")
	require.NoError(t, err)
	assert.Equal(t, model.ChangeApproved, approved.State)
	require.NotNil(t, approved.RespondedAt)
	require.NotNil(t, approved.ResponderID)
	assert.Equal(t, f.trainerID, *approved.ResponderID)
	assert.Equal(t, "2026-03-09", approved.OriginalSchedule.DateKey())

	rec, err := f.db.GetRecord(ctx, f.record.ID)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-11", rec.Schedule.DateKey())
	assert.EqualValues(t, 1400, rec.Schedule.StartTime)
	assert.EqualValues(t, 1500, rec.Schedule.EndTime)

	require.Len(t, f.audit.events, 1)
	assert.Equal(t, audit.ActionScheduleChanged, f.audit.events[0].Action)
	assert.True(t, f.audit.events[0].OutsideWindow)

	_, err = f.svc.Approve(ctx, f.trainer, req.ID, "")
	assert.Equal(t, apperr.CodeInvalidState, apperr.CodeOf(err))
}

func TestRejectLeavesSchedule(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	req, err := f.svc.Create(ctx, f.trainer, f.request(day(2026, 3, 11), 1400, 1500))
	require.NoError(t, err)

	_, err = f.svc.Reject(ctx, f.member, req.ID, "")
	assert.Equal(t, apperr.CodeMissingField, apperr.CodeOf(err))

	rejected, err := f.svc.Reject(ctx, f.member, req.ID, "cannot make it")
	require.NoError(t, err)
	assert.Equal(t, model.ChangeRejected, rejected.State)
	assert.Equal(t, "cannot make it", rejected.ResponseMessage)

	rec, err := f.db.GetRecord(ctx, f.record.ID)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-09", rec.Schedule.DateKey())
	assert.EqualValues(t, 1000, rec.Schedule.StartTime)
}

func TestAtMostOnePending(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, f.member, f.request(day(2026, 3, 11), 1400, 1500))
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, f.member, f.request(day(2026, 3, 11), 1500, 1600))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeExistingRequestFound, apperr.CodeOf(err))

	forced := f.request(day(2026, 3, 11), 1500, 1600)
	forced.ForceCancelExisting = true
	second, err := f.svc.Create(ctx, f.member, forced)
	require.NoError(t, err)

	check, err := f.svc.CheckExistingPendingRequest(ctx, f.record.ID)
	require.NoError(t, err)
	assert.True(t, check.HasExisting)
	assert.Equal(t, second.ID, check.Request.ID)

	history, err := f.svc.ListHistory(ctx, f.trainer, f.record.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	states := map[int64]model.ChangeRequestState{}
	for _, r := range history {
		states[r.ID] = r.State
	}
	assert.Equal(t, model.ChangeCancelled, states[first.ID])
	assert.Equal(t, model.ChangePending, states[second.ID])
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	stranger := model.Principal{Role: model.RoleMember, ID: 99}

	_, err := f.svc.Create(ctx, stranger, f.request(day(2026, 3, 11), 1400, 1500))
	assert.Equal(t, apperr.CodeNotOwner, apperr.CodeOf(err))

	req, err := f.svc.Create(ctx, f.member, f.request(day(2026, 3, 11), 1400, 1500))
	require.NoError(t, err)

	tests := []struct {
		name string
		call func() error
		code string
	}{
		{"requestor cannot approve", func() error { _, err := f.svc.Approve(ctx, f.member, req.ID, ""); return err }, apperr.CodeNotCounterparty},
		{"stranger cannot approve", func() error { _, err := f.svc.Approve(ctx, stranger, req.ID, ""); return err }, apperr.CodeNotCounterparty},
		{"requestor cannot reject", func() error { _, err := f.svc.Reject(ctx, f.member, req.ID, "no"); return err }, apperr.CodeNotCounterparty},
		{"counterparty cannot cancel", func() error { _, err := f.svc.Cancel(ctx, f.trainer, req.ID); return err }, apperr.CodeNotRequestor},
		{"unknown request", func() error { _, err := f.svc.Approve(ctx, f.trainer, 999, ""); return err }, apperr.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			assert.Equal(t, tt.code, apperr.CodeOf(err))
		})
	}

	cancelled, err := f.svc.Cancel(ctx, f.member, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChangeCancelled, cancelled.State)

	_, err = f.svc.Cancel(ctx, f.member, req.ID)
	assert.Equal(t, apperr.KindState, apperr.KindOf(err))
}

func TestExistingRequestReportedBeforeSlotCheck(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, f.member, f.request(day(2026, 3, 11), 1400, 1500))
	require.NoError(t, err)

	closedDay := f.request(day(2026, 3, 10), 1000, 1100)
	_, err = f.svc.Create(ctx, f.member, closedDay)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeExistingRequestFound, apperr.CodeOf(err))

	closedDay.ForceCancelExisting = true
	_, err = f.svc.Create(ctx, f.member, closedDay)
	assert.Equal(t, apperr.CodeOutsideWorkingHours, apperr.CodeOf(err))

	still, err := f.db.GetChangeRequest(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChangePending, still.State, "a rejected forced request cancels nothing")
}

func TestCreateRejectsBadSlots(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.book(t, 11, model.Session{Date: day(2026, 3, 11), StartTime: 1000, EndTime: 1100})

	tests := []struct {
		name string
		req  CreateRequest
		kind apperr.Kind
		code string
	}{
		{"closed day", f.request(day(2026, 3, 10), 1000, 1100), apperr.KindConflict, apperr.CodeOutsideWorkingHours},
		{"taken by another member", f.request(day(2026, 3, 11), 1030, 1130), apperr.KindConflict, apperr.CodeScheduleConflict},
		{"beyond look-ahead", f.request(day(2026, 6, 1), 1000, 1100), apperr.KindValidation, apperr.CodeWeekLimitExceeded},
		{"misaligned", f.request(day(2026, 3, 11), 1010, 1100), apperr.KindValidation, apperr.CodeInvalidTime},
		{"already started", f.request(day(2026, 3, 2), 600, 700), apperr.KindValidation, apperr.CodePastSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, f.member, tt.req)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.Equal(t, tt.code, apperr.CodeOf(err))
		})
	}

	// Shifting within its own slot does not collide with itself.
	_, err := f.svc.Create(ctx, f.member, f.request(day(2026, 3, 9), 1030, 1130))
	assert.NoError(t, err)
}

func TestExpiredRequest(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	req, err := f.svc.Create(ctx, f.member, f.request(day(2026, 3, 11), 1400, 1500))
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(time.Hour), req.ExpiresAt)

	f.now = testNow.Add(2 * time.Hour)

	_, err = f.svc.Approve(ctx, f.trainer, req.ID, "")
	assert.Equal(t, apperr.KindState, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeRequestExpired, apperr.CodeOf(err))

	check, err := f.svc.CheckExistingPendingRequest(ctx, f.record.ID)
	require.NoError(t, err)
	assert.False(t, check.HasExisting)

	history, err := f.svc.ListHistory(ctx, f.member, f.record.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.ChangeExpired, history[0].State)

	stored, err := f.db.GetChangeRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChangePending, stored.State, "reads never persist expiry")

	expirer := NewExpirer(f.db, time.Minute, zerolog.New(io.Discard))
	expirer.now = func() time.Time { return f.now }
	n, err := expirer.RunOnce(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stored, err = f.db.GetChangeRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChangeExpired, stored.State)

	// A new request may be filed once the old one has lapsed.
	_, err = f.svc.Create(ctx, f.member, f.request(day(2026, 3, 11), 1500, 1600))
	assert.NoError(t, err)
}

type mockExpiryStore struct {
	mock.Mock
}

func (m *mockExpiryStore) ExpireChangeRequests(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func TestExpirerDisabledReturnsImmediately(t *testing.T) {
	store := &mockExpiryStore{}
	e := NewExpirer(store, 0, zerolog.New(io.Discard))

	done := make(chan struct{})
	go func() {
		e.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled expirer did not return")
	}
	store.AssertNotCalled(t, "ExpireChangeRequests", mock.Anything, mock.Anything)
}

func TestExpirerRunsOnTick(t *testing.T) {
	store := &mockExpiryStore{}
	ticked := make(chan struct{}, 1)
	store.On("ExpireChangeRequests", mock.Anything, testNow).Return(int64(2), nil).Run(func(mock.Arguments) {
		select {
		case ticked <- struct{}{}:
		default:
		}
	})

	e := NewExpirer(store, 10*time.Millisecond, zerolog.New(io.Discard))
	e.now = func() time.Time { return testNow }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Start(ctx)
		close(done)
	}()
	select {
	case <-ticked:
	case <-time.After(time.Second):
		t.Fatal("expirer never ran")
	}
	cancel()
	<-done
}
