package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ptschedule/internal/apperr"
	"ptschedule/internal/availability"
	"ptschedule/internal/booking"
	"ptschedule/internal/conflict"
	"ptschedule/internal/database"
	"ptschedule/internal/model"
	"ptschedule/internal/schedulechange"
	"ptschedule/internal/timeslot"
	"ptschedule/internal/workinghours"
)

const testAPIKey = "valid-key"

var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) // Monday

type testEnv struct {
	srv       *HTTPServer
	centerID  int64
	trainerID int64
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
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
	clock := func() time.Time { return testNow }
	registry := workinghours.NewRegistry(db, logger)
	_, err = registry.UpdateCenterAndSync(ctx, centerID, []model.WorkingHour{
		{DayOfWeek: model.Monday, OpenTime: 900, CloseTime: 1800},
		{DayOfWeek: model.Wednesday, OpenTime: 900, CloseTime: 1800},
	})
	require.NoError(t, err)

	resolver := availability.NewResolver(db, logger, availability.WithClock(clock))
	detector := conflict.NewDetector(db, registry, resolver, time.UTC, clock, logger)
	svc := Services{
		Registry: registry,
		Resolver: resolver,
		Offs:     availability.NewOffService(db, resolver, logger),
		Detector: detector,
		Booking:  booking.NewService(db, detector, resolver, nil, time.UTC, clock, logger),
		Changes:  schedulechange.NewService(db, detector, resolver, nil, schedulechange.DefaultTTL, time.UTC, clock, logger),
	}
	if opts.APIKey == "" {
		opts.APIKey = testAPIKey
	}
	return &testEnv{
		srv:       NewHTTPServer(opts, svc, logger),
		centerID:  centerID,
		trainerID: trainerID,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, p *model.Principal, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(HeaderAPIKey, testAPIKey)
	if p != nil {
		req.Header.Set(HeaderPrincipalRole, string(p.Role))
		req.Header.Set(HeaderPrincipalID, strconv.FormatInt(p.ID, 10))
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func (e *testEnv) applyBody(date string, start, end int) map[string]any {
	return map[string]any{
		"trainer_id": e.trainerID,
		"pattern": map[string]any{
			"is_regular": false,
			"sessions":   []map[string]any{{"date": date, "start_time": start, "end_time": end}},
		},
	}
}

var member = &model.Principal{Role: model.RoleMember, ID: 10}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pts", nil)
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req.Header.Set(HeaderAPIKey, "wrong")
	w = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/pts", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/pts", &model.Principal{Role: "ADMIN", ID: 1}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/pts", member, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestApplyErrors(t *testing.T) {
	env := newTestEnv(t, Options{})
	trainer := &model.Principal{Role: model.RoleTrainer, ID: env.trainerID}

	tests := []struct {
		name   string
		p      *model.Principal
		body   any
		status int
		code   string
	}{
		{"invalid json", member, `{"trainer_id":`, http.StatusBadRequest, apperr.CodeMissingField},
		{"unknown field", member, `{"trainer":1}`, http.StatusBadRequest, apperr.CodeMissingField},
		{"bad date", member, env.applyBody("09/03/2026", 1000, 1100), http.StatusBadRequest, apperr.CodeInvalidTime},
		{"closed day", member, env.applyBody("2026-03-10", 1000, 1100), http.StatusConflict, apperr.CodeOutsideWorkingHours},
		{"trainer cannot apply", trainer, env.applyBody("2026-03-09", 1000, 1100), http.StatusForbidden, apperr.CodeNotOwner},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/pts", tt.p, tt.body)
			assert.Equal(t, tt.status, w.Code)
			resp := decodeBody[errorResponse](t, w)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestApplyApproveConflict(t *testing.T) {
	env := newTestEnv(t, Options{})
	trainer := &model.Principal{Role: model.RoleTrainer, ID: env.trainerID}

	w := env.do(t, http.MethodPost, "/api/v1/pts", member, env.applyBody("2026-03-09", 1000, 1100))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	pt := decodeBody[model.Pt](t, w)
	assert.Equal(t, model.PtPending, pt.State)

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/pts/%d/approve", pt.ID), member, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/pts/%d/approve", pt.ID), trainer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.PtConfirmed, decodeBody[model.Pt](t, w).State)

	other := &model.Principal{Role: model.RoleMember, ID: 11}
	w = env.do(t, http.MethodPost, "/api/v1/pts", other, env.applyBody("2026-03-09", 1030, 1130))
	assert.Equal(t, http.StatusConflict, w.Code)
	resp := decodeBody[errorResponse](t, w)
	assert.Equal(t, apperr.CodeScheduleConflict, resp.Code)
	assert.NotNil(t, resp.Detail)

	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/trainers/%d/availability?from=2026-03-09&to=2026-03-09", env.trainerID), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	avail := decodeBody[availabilityResponse](t, w)
	assert.Equal(t, "2026-03-09", avail.From)
	assert.ElementsMatch(t, []timeslot.HHMM{1000, 1030}, avail.Occupied["2026-03-09"])

	w = env.do(t, http.MethodPost, "/api/v1/pts/999/approve", trainer, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/pts/%d", pt.ID), member, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperr.CodeInvalidState, decodeBody[errorResponse](t, w).Code)
}

func TestValidateSchedule(t *testing.T) {
	env := newTestEnv(t, Options{})
	path := fmt.Sprintf("/api/v1/trainers/%d/schedule/validate", env.trainerID)

	w := env.do(t, http.MethodPost, path, nil, map[string]any{
		"is_regular":  true,
		"start_date":  "2026-03-09",
		"total_count": 3,
		"week_times":  []map[string]any{{"week_day": "MON", "start_time": 1000, "end_time": 1100}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeBody[conflict.ValidationResult](t, w)
	assert.True(t, res.Valid)
	assert.Len(t, res.Occurrences, 3)

	w = env.do(t, http.MethodPost, path, nil, map[string]any{
		"sessions": []map[string]any{{"date": "2026-03-10", "start_time": 1000, "end_time": 1100}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	res = decodeBody[conflict.ValidationResult](t, w)
	assert.False(t, res.Valid)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, "2026-03-10", res.Conflict.Date)
}

func TestCenterHours(t *testing.T) {
	env := newTestEnv(t, Options{})
	path := fmt.Sprintf("/api/v1/centers/%d/working-hours", env.centerID)
	body := map[string]any{"hours": []map[string]any{
		{"day_of_week": "TUE", "open_time": 800, "close_time": 1200},
	}}

	w := env.do(t, http.MethodPut, path, member, body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPut, path, &model.Principal{Role: model.RoleManager, ID: 1}, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeBody[workinghours.UpdateResult](t, w)
	assert.True(t, res.CenterUpdated)
	assert.True(t, res.Sync.OK)

	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/trainers/%d/working-hours", env.trainerID), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	hours := decodeBody[[]model.WorkingHour](t, w)
	require.Len(t, hours, 1)
	assert.Equal(t, model.Tuesday, hours[0].DayOfWeek)
}

func TestTrainerHourRoutes(t *testing.T) {
	env := newTestEnv(t, Options{})
	base := fmt.Sprintf("/api/v1/trainers/%d/working-hours", env.trainerID)
	trainer := &model.Principal{Role: model.RoleTrainer, ID: env.trainerID}
	tuesday := map[string]any{"day_of_week": "TUE", "open_time": 800, "close_time": 1200}

	w := env.do(t, http.MethodPost, base, member, tuesday)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, base, trainer, tuesday)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	added := decodeBody[model.WorkingHour](t, w)
	assert.Equal(t, model.Tuesday, added.DayOfWeek)

	w = env.do(t, http.MethodPost, base, trainer, map[string]any{"day_of_week": "MON", "open_time": 1000, "close_time": 1100})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperr.CodeOverlappingHours, decodeBody[errorResponse](t, w).Code)

	removePath := fmt.Sprintf("%s/%d", base, added.ID)
	w = env.do(t, http.MethodDelete, removePath, &model.Principal{Role: model.RoleTrainer, ID: env.trainerID + 1}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodDelete, removePath, trainer, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, http.MethodDelete, removePath, trainer, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, base, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.WorkingHour](t, w), 2)

	w = env.do(t, http.MethodPost, base+"/sync", &model.Principal{Role: model.RoleManager, ID: 1}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, decodeBody[syncResponse](t, w).Hours)
}

func TestChangeRequestFlow(t *testing.T) {
	env := newTestEnv(t, Options{})
	trainer := &model.Principal{Role: model.RoleTrainer, ID: env.trainerID}

	w := env.do(t, http.MethodPost, "/api/v1/pts", member, env.applyBody("2026-03-09", 1000, 1100))
	require.Equal(t, http.StatusCreated, w.Code)
	pt := decodeBody[model.Pt](t, w)
	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/pts/%d/approve", pt.ID), trainer, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/pts/%d/records", pt.ID), member, nil)
	require.Equal(t, http.StatusOK, w.Code)
	records := decodeBody[[]model.PtRecord](t, w)
	require.Len(t, records, 1)
	recordID := records[0].ID

	create := map[string]any{
		"pt_record_id": recordID,
		"requested":    map[string]any{"date": "2026-03-11", "start_time": 1400, "end_time": 1500},
		"reason":       "travel",
	}
	w = env.do(t, http.MethodPost, "/api/v1/change-requests", member, create)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	req := decodeBody[model.ScheduleChangeRequest](t, w)
	assert.Equal(t, model.ChangePending, req.State)

	w = env.do(t, http.MethodPost, "/api/v1/change-requests", member, create)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperr.CodeExistingRequestFound, decodeBody[errorResponse](t, w).Code)

	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/records/%d/change-requests/pending", recordID), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[schedulechange.PendingCheck](t, w).HasExisting)

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/change-requests/%d/approve", req.ID), member, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/change-requests/%d/approve", req.ID), trainer, map[string]any{"message": "ok"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	approved := decodeBody[model.ScheduleChangeRequest](t, w)
	assert.Equal(t, model.ChangeApproved, approved.State)
	assert.Equal(t, "ok", approved.ResponseMessage)

	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/pts/%d/records", pt.ID), member, nil)
	require.Equal(t, http.StatusOK, w.Code)
	records = decodeBody[[]model.PtRecord](t, w)
	assert.Equal(t, "2026-03-11", records[0].Schedule.DateKey())

	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/records/%d/change-requests", recordID), trainer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.ScheduleChangeRequest](t, w), 1)

	w = env.do(t, http.MethodPost, "/api/v1/change-requests/999/cancel", member, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{RatePerSecond: 1, Burst: 2})

	codes := make([]int, 0, 3)
	for range 3 {
		codes = append(codes, env.do(t, http.MethodGet, "/api/v1/pts", member, nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.KindValidation, http.StatusBadRequest},
		{apperr.KindConflict, http.StatusConflict},
		{apperr.KindState, http.StatusConflict},
		{apperr.KindPermission, http.StatusForbidden},
		{apperr.KindNotFound, http.StatusNotFound},
		{apperr.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusOf(tt.kind), tt.kind.String())
	}
}
