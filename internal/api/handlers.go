package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"ptschedule/internal/apperr"
	"ptschedule/internal/availability"
	"ptschedule/internal/booking"
	"ptschedule/internal/conflict"
	"ptschedule/internal/model"
	"ptschedule/internal/schedulechange"
	"ptschedule/internal/timeslot"
)

func (s *HTTPServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/centers/{id}/working-hours", s.handleGetCenterHours)
	mux.HandleFunc("PUT /api/v1/centers/{id}/working-hours", s.withPrincipal(s.handlePutCenterHours))
	mux.HandleFunc("GET /api/v1/trainers/{id}/working-hours", s.handleGetTrainerHours)
	mux.HandleFunc("POST /api/v1/trainers/{id}/working-hours", s.withPrincipal(s.handleAddTrainerHour))
	mux.HandleFunc("PUT /api/v1/trainers/{id}/working-hours/{day}", s.withPrincipal(s.handlePutTrainerDayHours))
	mux.HandleFunc("DELETE /api/v1/trainers/{id}/working-hours/{whID}", s.withPrincipal(s.handleRemoveTrainerHour))
	mux.HandleFunc("POST /api/v1/trainers/{id}/working-hours/sync", s.withPrincipal(s.handleSyncTrainer))

	mux.HandleFunc("GET /api/v1/trainers/{id}/availability", s.handleAvailability)
	mux.HandleFunc("POST /api/v1/trainers/{id}/schedule/validate", s.handleValidateSchedule)
	mux.HandleFunc("POST /api/v1/trainers/{id}/offs", s.withPrincipal(s.handleAddTrainerOff))
	mux.HandleFunc("DELETE /api/v1/trainers/{id}/offs/{offID}", s.withPrincipal(s.handleRemoveTrainerOff))
	mux.HandleFunc("POST /api/v1/trainers/{id}/repeat-offs", s.withPrincipal(s.handleAddRepeatOff))
	mux.HandleFunc("DELETE /api/v1/trainers/{id}/repeat-offs/{offID}", s.withPrincipal(s.handleRemoveRepeatOff))

	mux.HandleFunc("GET /api/v1/pts", s.withPrincipal(s.handleListPts))
	mux.HandleFunc("POST /api/v1/pts", s.withPrincipal(s.handleApply))
	mux.HandleFunc("GET /api/v1/pts/{id}/conflicts", s.handlePtConflicts)
	mux.HandleFunc("POST /api/v1/pts/{id}/approve", s.withPrincipal(s.handleApprovePt))
	mux.HandleFunc("POST /api/v1/pts/{id}/reject", s.withPrincipal(s.handleRejectPt))
	mux.HandleFunc("DELETE /api/v1/pts/{id}", s.withPrincipal(s.handleDeletePt))
	mux.HandleFunc("GET /api/v1/pts/{id}/records", s.withPrincipal(s.handleListRecords))

	mux.HandleFunc("GET /api/v1/members/{id}/recent-records", s.withPrincipal(s.handleRecentRecords))
	mux.HandleFunc("POST /api/v1/records/{id}/items", s.withPrincipal(s.handleAddRecordItem))
	mux.HandleFunc("GET /api/v1/records/{id}/items", s.withPrincipal(s.handleListRecordItems))
	mux.HandleFunc("GET /api/v1/records/{id}/change-requests", s.withPrincipal(s.handleChangeHistory))
	mux.HandleFunc("GET /api/v1/records/{id}/change-requests/pending", s.handlePendingChange)

	mux.HandleFunc("POST /api/v1/change-requests", s.withPrincipal(s.handleCreateChange))
	mux.HandleFunc("POST /api/v1/change-requests/{id}/approve", s.withPrincipal(s.handleApproveChange))
	mux.HandleFunc("POST /api/v1/change-requests/{id}/reject", s.withPrincipal(s.handleRejectChange))
	mux.HandleFunc("POST /api/v1/change-requests/{id}/cancel", s.withPrincipal(s.handleCancelChange))
}

// sessionBody carries a calendar date as YYYY-MM-DD and HHMM integers.
type sessionBody struct {
	Date      string        `json:"date"`
	StartTime timeslot.HHMM `json:"start_time"`
	EndTime   timeslot.HHMM `json:"end_time"`
}

func parseDate(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, apperr.Validation(apperr.CodeMissingField, "%s is required", field)
	}
	d, err := model.ParseDate(v)
	if err != nil {
		return time.Time{}, apperr.Validation(apperr.CodeInvalidTime, "%s must be YYYY-MM-DD", field)
	}
	return d, nil
}

func (b sessionBody) session() (model.Session, error) {
	d, err := parseDate("date", b.Date)
	if err != nil {
		return model.Session{}, err
	}
	return model.Session{Date: d, StartTime: b.StartTime, EndTime: b.EndTime}, nil
}

type patternBody struct {
	IsRegular  bool               `json:"is_regular"`
	StartDate  string             `json:"start_date,omitempty"`
	TotalCount int                `json:"total_count,omitempty"`
	WeekTimes  []model.PtWeekTime `json:"week_times,omitempty"`
	Sessions   []sessionBody      `json:"sessions,omitempty"`
}

func (b patternBody) pattern() (conflict.Pattern, error) {
	p := conflict.Pattern{IsRegular: b.IsRegular, TotalCount: b.TotalCount, WeekTimes: b.WeekTimes}
	if b.IsRegular {
		start, err := parseDate("start_date", b.StartDate)
		if err != nil {
			return p, err
		}
		p.StartDate = start
		return p, nil
	}
	for _, sb := range b.Sessions {
		sess, err := sb.session()
		if err != nil {
			return p, err
		}
		p.Sessions = append(p.Sessions, sess)
	}
	return p, nil
}

func optionalDate(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	return parseDate(key, v)
}

func (s *HTTPServer) handleGetCenterHours(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	hours, err := s.svc.Registry.GetCenterWorkingHours(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hours)
}

type hoursBody struct {
	Hours []model.WorkingHour `json:"hours"`
}

// handlePutCenterHours replaces center hours and syncs trainers. A failed sync
// still answers 200 with sync.ok=false.
func (s *HTTPServer) handlePutCenterHours(w http.ResponseWriter, r *http.Request, p model.Principal) {
	if p.Role != model.RoleManager {
		writeError(w, http.StatusForbidden, "only managers can edit center hours", apperr.CodeNotOwner)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var body hoursBody
	if err := decode(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	res, err := s.svc.Registry.UpdateCenterAndSync(r.Context(), id, body.Hours)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleGetTrainerHours(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	hours, err := s.svc.Registry.EffectiveTrainerHours(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hours)
}

func (s *HTTPServer) handlePutTrainerDayHours(w http.ResponseWriter, r *http.Request, p model.Principal) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if !canEditTrainer(p, id) {
		writeError(w, http.StatusForbidden, "not allowed to edit this trainer's hours", apperr.CodeNotOwner)
		return
	}
	var body hoursBody
	if err := decode(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	hours, err := s.svc.Registry.UpdateTrainerWorkingHoursForDay(r.Context(), id, model.Weekday(r.PathValue("day")), body.Hours)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hours)
}

// canEditTrainer allows managers and the trainer themselves.
func canEditTrainer(p model.Principal, trainerID int64) bool {
	return p.Role == model.RoleManager || (p.Role == model.RoleTrainer && p.ID == trainerID)
}

func (s *HTTPServer) handleAddTrainerHour(w http.ResponseWriter, r *http.Request, p model.Principal) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if !canEditTrainer(p, id) {
		writeError(w, http.StatusForbidden, "not allowed to edit this trainer's hours", apperr.CodeNotOwner)
		return
	}
	var wh model.WorkingHour
	if err := decode(r, &wh); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	stored, err := s.svc.Registry.CreateTrainerWorkingHour(r.Context(), id, wh)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *HTTPServer) handleRemoveTrainerHour(w http.ResponseWriter, r *http.Request, p model.Principal) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	whID, err := pathID(r, "whID")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if !canEditTrainer(p, id) {
		writeError(w, http.StatusForbidden, "not allowed to edit this trainer's hours", apperr.CodeNotOwner)
		return
	}
	if err := s.svc.Registry.DeleteTrainerWorkingHour(r.Context(), id, whID); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type syncResponse struct {
	TrainerID int64 `json:"trainer_id"`
	Hours     int   `json:"hours"`
}

func (s *HTTPServer) handleSyncTrainer(w http.ResponseWriter, r *http.Request, p model.Principal) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if !canEditTrainer(p, id) {
		writeError(w, http.StatusForbidden, "not allowed to edit this trainer's hours", apperr.CodeNotOwner)
		return
	}
	n, err := s.svc.Registry.SyncTrainer(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{TrainerID: id, Hours: n})
}

type availabilityResponse struct {
	TrainerID int64                           `json:"trainer_id"`
	From      string                          `json:"from"`
	To        string                          `json:"to"`
	Occupied  map[string][]timeslot.HHMM      `json:"occupied"`
	Blocks    map[string][]availability.Block `json:"blocks"`
}

func (s *HTTPServer) handleAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	from, err := optionalDate(r, "from")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	to, err := optionalDate(r, "to")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	a, err := s.svc.Resolver.Resolve(r.Context(), availability.Query{TrainerID: id, From: from, To: to})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, availabilityResponse{
		TrainerID: a.TrainerID,
		From:      model.DateKey(a.From),
		To:        model.DateKey(a.To),
		Occupied:  a.AsMap(),
		Blocks:    a.Days,
	})
}

func (s *HTTPServer) handleValidateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var body patternBody
	if err := decode(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	pattern, err := body.pattern()
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	res, err := s.svc.Detector.ValidateSchedule(r.Context(), conflict.ScheduleRequest{TrainerID: id, Pattern: pattern})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleAddTrainerOff(w http.ResponseWriter, r *http.Request, p model.Principal) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var body sessionBody
	if err := decode(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	sess, err := body.session()
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	off, err := s.svc.Offs.AddTrainerOff(r.Context(), p, model.TrainerOff{
		TrainerID: id, Date: sess.Date, StartTime: sess.StartTime, EndTime: sess.EndTime,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, off)
}

func (s *HTTPServer) handleRemoveTrainerOff(w http.ResponseWriter, r *http.Request, p model.Principal) {
	s.removeOff(w, r, p, s.svc.Offs.RemoveTrainerOff)
}

func (s *HTTPServer) handleRemoveRepeatOff(w http.ResponseWriter, r *http.Request, p model.Principal) {
	s.removeOff(w, r, p, s.svc.Offs.RemoveRepeatOff)
}

func (s *HTTPServer) removeOff(w http.ResponseWriter, r *http.Request, p model.Principal,
	remove func(ctx context.Context, p model.Principal, trainerID, id int64) error) {
	trainerID, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	offID, err := pathID(r, "offID")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if err := remove(r.Context(), p, trainerID, offID); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleAddRepeatOff(w http.ResponseWriter, r *http.Request, p model.Principal) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var body model.RepeatOff
	if err := decode(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	body.TrainerID = id
	off, err := s.svc.Offs.AddRepeatOff(r.Context(), p, body)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, off)
}

func (s *HTTPServer) handleListPts(w http.ResponseWriter, r *http.Request, p model.Principal) {
	pts, err := s.svc.Booking.ListActivePts(r.Context(), p)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pts)
}

type applyBody struct {
	TrainerID   int64       `json:"trainer_id"`
	PtProductID int64       `json:"pt_product_id"`
	Pattern     patternBody `json:"pattern"`
	Description string      `json:"description,omitempty"`
}

func (s *HTTPServer) handleApply(w http.ResponseWriter, r *http.Request, p model.Principal) {
	var body applyBody
	if err := decode(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	pattern, err := body.Pattern.pattern()
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	pt, err := s.svc.Booking.Apply(r.Context(), p, booking.ApplyRequest{
		TrainerID:   body.TrainerID,
		PtProductID: body.PtProductID,
		Pattern:     pattern,
		Description: body.Description,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pt)
}

func (s *HTTPServer) handlePtConflicts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	res, err := s.svc.Detector.CheckPtApplicationConflict(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleApprovePt(w http.ResponseWriter, r *http.Request, p model.Principal) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	pt, err := s.svc.Booking.Approve(r.Context(), p, id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pt)
}

type reasonBody struct {
	Reason string `json:"reason,omitempty"`
}

func (s *HTTPServer) handleRejectPt(w http.ResponseWriter, r *http.Request, p model.Principal) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var body reasonBody
	if err := decodeOptional(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	pt, err := s.svc.Booking.Reject(r.Context(), p, id, body.Reason)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pt)
}

func (s *HTTPServer) handleDeletePt(w http.ResponseWriter, r *http.Request, p model.Principal) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if err := s.svc.Booking.Delete(r.Context(), p, id); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListRecords(w http.ResponseWriter, r *http.Request, p model.Principal) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	records, err := s.svc.Booking.ListRecords(r.Context(), p, id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *HTTPServer) handleRecentRecords(w http.ResponseWriter, r *http.Request, p model.Principal) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if p.Role == model.RoleMember && p.ID != id {
		writeError(w, http.StatusForbidden, "members can only read their own records", apperr.CodeNotOwner)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.svc.Booking.RecentRecords(r.Context(), id, limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *HTTPServer) handleAddRecordItem(w http.ResponseWriter, r *http.Request, p model.Principal) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var body booking.ItemRequest
	if err := decode(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	item, err := s.svc.Booking.LogRecordItem(r.Context(), p, id, body)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *HTTPServer) handleListRecordItems(w http.ResponseWriter, r *http.Request, p model.Principal) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	items, err := s.svc.Booking.ListRecordItems(r.Context(), p, id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleChangeHistory(w http.ResponseWriter, r *http.Request, p model.Principal) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	reqs, err := s.svc.Changes.ListHistory(r.Context(), p, id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *HTTPServer) handlePendingChange(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	res, err := s.svc.Changes.CheckExistingPendingRequest(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type createChangeBody struct {
	PtRecordID          int64       `json:"pt_record_id"`
	Requested           sessionBody `json:"requested"`
	Reason              string      `json:"reason,omitempty"`
	ForceCancelExisting bool        `json:"force_cancel_existing"`
}

func (s *HTTPServer) handleCreateChange(w http.ResponseWriter, r *http.Request, p model.Principal) {
	var body createChangeBody
	if err := decode(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	sess, err := body.Requested.session()
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	req, err := s.svc.Changes.Create(r.Context(), p, schedulechange.CreateRequest{
		PtRecordID:          body.PtRecordID,
		RequestedDate:       sess.Date,
		RequestedStartTime:  sess.StartTime,
		RequestedEndTime:    sess.EndTime,
		Reason:              body.Reason,
		ForceCancelExisting: body.ForceCancelExisting,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

type responseBody struct {
	Message string `json:"message,omitempty"`
}

func (s *HTTPServer) handleApproveChange(w http.ResponseWriter, r *http.Request, p model.Principal) {
	s.respondChange(w, r, p, s.svc.Changes.Approve)
}

func (s *HTTPServer) handleRejectChange(w http.ResponseWriter, r *http.Request, p model.Principal) {
	s.respondChange(w, r, p, s.svc.Changes.Reject)
}

func (s *HTTPServer) respondChange(w http.ResponseWriter, r *http.Request, p model.Principal,
	respond func(ctx context.Context, p model.Principal, id int64, message string) (*model.ScheduleChangeRequest, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var body responseBody
	if err := decodeOptional(r, &body); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	req, err := respond(r.Context(), p, id, body.Message)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *HTTPServer) handleCancelChange(w http.ResponseWriter, r *http.Request, p model.Principal) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	req, err := s.svc.Changes.Cancel(r.Context(), p, id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
