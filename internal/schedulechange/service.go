package schedulechange

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"ptschedule/internal/apperr"
	"ptschedule/internal/conflict"
	"ptschedule/internal/database"
	"ptschedule/internal/metrics"
	"ptschedule/internal/model"
	"ptschedule/internal/timeslot"
	"ptschedule/shared/audit"
)

// DefaultTTL bounds how long a request stays answerable.
const DefaultTTL = 72 * time.Hour

// Store is the persistence the workflow needs.
type Store interface {
	GetRecord(ctx context.Context, id int64) (*model.PtRecord, error)
	GetPt(ctx context.Context, id int64) (*model.Pt, error)
	CreateChangeRequest(ctx context.Context, req *model.ScheduleChangeRequest, forceCancel bool, now time.Time) (*model.ScheduleChangeRequest, error)
	GetChangeRequest(ctx context.Context, id int64) (*model.ScheduleChangeRequest, error)
	FindPendingChangeRequest(ctx context.Context, recordID int64, now time.Time) (*model.ScheduleChangeRequest, error)
	ListChangeRequests(ctx context.Context, f database.ChangeRequestFilter) ([]*model.ScheduleChangeRequest, error)
	ApproveChangeRequest(ctx context.Context, id, responderID int64, message string, now time.Time) error
	ResolveChangeRequest(ctx context.Context, id int64, to model.ChangeRequestState, responderID *int64, message string, now time.Time) error
}

// Checker validates a requested slot.
type Checker interface {
	CheckSessions(ctx context.Context, trainerID int64, sessions []model.Session, exclude []int64) (*conflict.ValidationResult, error)
	LastBookableDay() time.Time
}

// Invalidator drops cached availability of a trainer.
type Invalidator interface {
	Invalidate(ctx context.Context, trainerID int64)
}

// CreateRequest asks to move one record's session.
type CreateRequest struct {
	PtRecordID          int64         `json:"pt_record_id"`
	RequestedDate       time.Time     `json:"requested_date"`
	RequestedStartTime  timeslot.HHMM `json:"requested_start_time"`
	RequestedEndTime    timeslot.HHMM `json:"requested_end_time"`
	Reason              string        `json:"reason,omitempty"`
	ForceCancelExisting bool          `json:"force_cancel_existing"`
}

// PendingCheck reports the live pending request of a record, if any.
type PendingCheck struct {
	HasExisting bool                         `json:"has_existing"`
	Request     *model.ScheduleChangeRequest `json:"request,omitempty"`
}

type Service struct {
	store       Store
	checker     Checker
	invalidator Invalidator
	audit       audit.Emitter
	ttl         time.Duration
	loc         *time.Location
	now         func() time.Time
	logger      zerolog.Logger
}

func NewService(store Store, checker Checker, invalidator Invalidator, emitter audit.Emitter, ttl time.Duration, loc *time.Location, now func() time.Time, logger zerolog.Logger) *Service {
	if emitter == nil {
		emitter = audit.Nop{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:       store,
		checker:     checker,
		invalidator: invalidator,
		audit:       emitter,
		ttl:         ttl,
		loc:         loc,
		now:         now,
		logger:      logger.With().Str("component", "schedule_change").Logger(),
	}
}

func storeErr(err error, format string, args ...any) error {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return apperr.NotFound(format, args...)
	case errors.Is(err, database.ErrExpired):
		return apperr.State(apperr.CodeRequestExpired, format+" has expired", args...)
	case errors.Is(err, database.ErrStateConflict):
		return apperr.State(apperr.CodeInvalidState, format+" is no longer PENDING", args...)
	case errors.Is(err, database.ErrScheduleConflict):
		return apperr.Conflict(apperr.CodeScheduleConflict, format+" overlaps a confirmed session", args...)
	case errors.Is(err, database.ErrPendingExists):
		return apperr.Conflict(apperr.CodeExistingRequestFound, format+" already has a pending change request", args...)
	}
	return apperr.Internal(err, format, args...)
}

// loadRecord returns a record with its Pt.
func (s *Service) loadRecord(ctx context.Context, recordID int64) (*model.PtRecord, *model.Pt, error) {
	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, nil, storeErr(err, "record %d", recordID)
	}
	pt, err := s.store.GetPt(ctx, rec.PtID)
	if err != nil {
		return nil, nil, storeErr(err, "pt %d", rec.PtID)
	}
	return rec, pt, nil
}

func (s *Service) checkSlot(ctx context.Context, rec *model.PtRecord, requested model.Session) error {
	if model.Day(requested.Date).After(s.checker.LastBookableDay()) {
		return apperr.Validation(apperr.CodeWeekLimitExceeded, "requested date %s is beyond %s",
			requested.DateKey(), model.DateKey(s.checker.LastBookableDay()))
	}
	res, err := s.checker.CheckSessions(ctx, rec.TrainerID, []model.Session{requested}, []int64{rec.ScheduleID})
	if err != nil {
		return err
	}
	if res.Valid {
		return nil
	}
	c := res.Conflict
	if c.Code == apperr.CodePastSession {
		return apperr.Validation(c.Code, "requested slot %s %s has already started", c.Date, c.StartTime).WithDetail(c)
	}
	return apperr.Conflict(c.Code, "requested slot %s %s-%s is not bookable: %s", c.Date, c.StartTime, c.EndTime, c.Reason).WithDetail(c)
}

// Create files a change request for a future session of a CONFIRMED Pt the
// principal is a party of.
func (s *Service) Create(ctx context.Context, p model.Principal, req CreateRequest) (*model.ScheduleChangeRequest, error) {
	if req.PtRecordID == 0 || req.RequestedDate.IsZero() {
		return nil, apperr.Validation(apperr.CodeMissingField, "record id and requested date are required")
	}
	rec, pt, err := s.loadRecord(ctx, req.PtRecordID)
	if err != nil {
		return nil, err
	}
	if !p.IsParty(pt) {
		return nil, apperr.Permission(apperr.CodeNotOwner, "record %d is not yours", rec.ID)
	}
	if pt.State != model.PtConfirmed {
		return nil, apperr.State(apperr.CodeInvalidState, "pt %d is %s, not CONFIRMED", pt.ID, pt.State)
	}

	now := s.now()
	originalStart := rec.Schedule.Start(s.loc)
	if !originalStart.After(now) {
		return nil, apperr.Validation(apperr.CodePastSession, "session of record %d has already started", rec.ID)
	}

	if !req.ForceCancelExisting {
		existing, err := s.store.FindPendingChangeRequest(ctx, rec.ID, now)
		if err != nil {
			return nil, apperr.Internal(err, "find pending request of record %d", rec.ID)
		}
		if existing != nil {
			return nil, apperr.Conflict(apperr.CodeExistingRequestFound,
				"record %d already has a pending change request", rec.ID).WithDetail(map[string]any{"existing_request_id": existing.ID})
		}
	}

	requested := model.Session{Date: model.Day(req.RequestedDate), StartTime: req.RequestedStartTime, EndTime: req.RequestedEndTime}
	if err := s.checkSlot(ctx, rec, requested); err != nil {
		metrics.IncChangeRequest("rejected_on_create")
		return nil, err
	}

	created, err := s.store.CreateChangeRequest(ctx, &model.ScheduleChangeRequest{
		PtRecordID:        rec.ID,
		RequestorRole:     p.Role,
		RequestorID:       p.ID,
		OriginalSchedule:  rec.Schedule,
		RequestedSchedule: requested,
		Reason:            req.Reason,
		CreatedAt:         now,
		ExpiresAt:         ExpiresAt(now, s.ttl, originalStart),
	}, req.ForceCancelExisting, now)
	if err != nil {
		return nil, storeErr(err, "record %d", rec.ID)
	}

	metrics.IncChangeRequest("created")
	s.logger.Info().
		Int64("request_id", created.ID).
		Int64("record_id", rec.ID).
		Str("requestor_role", string(p.Role)).
		Bool("force_cancel", req.ForceCancelExisting).
		Time("expires_at", created.ExpiresAt).
		Msg("Change request created")
	return created, nil
}

// answerable loads a request the principal may respond to. Only the other
// party of the Pt can respond, and only while the request is live.
func (s *Service) answerable(ctx context.Context, p model.Principal, id int64) (*model.ScheduleChangeRequest, *model.PtRecord, error) {
	req, err := s.store.GetChangeRequest(ctx, id)
	if err != nil {
		return nil, nil, storeErr(err, "change request %d", id)
	}
	rec, pt, err := s.loadRecord(ctx, req.PtRecordID)
	if err != nil {
		return nil, nil, err
	}
	if !p.IsParty(pt) || p == req.Requestor() {
		return nil, nil, apperr.Permission(apperr.CodeNotCounterparty, "only the other party may respond to change request %d", id)
	}
	if err := s.requirePending(req); err != nil {
		return nil, nil, err
	}
	return req, rec, nil
}

func (s *Service) requirePending(req *model.ScheduleChangeRequest) error {
	switch EffectiveState(req, s.now()) {
	case model.ChangePending:
		return nil
	case model.ChangeExpired:
		return apperr.State(apperr.CodeRequestExpired, "change request %d expired at %s", req.ID, req.ExpiresAt.Format(time.RFC3339))
	default:
		return apperr.State(apperr.CodeInvalidState, "change request %d is %s", req.ID, req.State)
	}
}

// Approve moves the record's session to the requested slot.
func (s *Service) Approve(ctx context.Context, p model.Principal, id int64, message string) (*model.ScheduleChangeRequest, error) {
	req, rec, err := s.answerable(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkSlot(ctx, rec, req.RequestedSchedule); err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.store.ApproveChangeRequest(ctx, id, p.ID, message, now); err != nil {
		return nil, storeErr(err, "change request %d", id)
	}
	if s.invalidator != nil {
		s.invalidator.Invalidate(ctx, rec.TrainerID)
	}
	metrics.IncChangeRequest(string(model.ChangeApproved))

	e := audit.NewEvent(audit.Actor{Role: string(p.Role), ID: p.ID}, audit.ActionScheduleChanged, "pt_record", rec.ID, now)
	e.Before = req.OriginalSchedule
	e.After = req.RequestedSchedule
	e.OutsideWindow = !inside(rec.Schedule, now, s.loc)
	s.audit.Record(ctx, e)

	s.logger.Info().Int64("request_id", id).Int64("record_id", rec.ID).Int64("responder_id", p.ID).Msg("Change request approved")
	return s.reload(ctx, id)
}

// Reject declines the request. A response message is required.
func (s *Service) Reject(ctx context.Context, p model.Principal, id int64, message string) (*model.ScheduleChangeRequest, error) {
	if message == "" {
		return nil, apperr.Validation(apperr.CodeMissingField, "a response message is required to reject")
	}
	_, rec, err := s.answerable(ctx, p, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	responder := p.ID
	if err := s.store.ResolveChangeRequest(ctx, id, model.ChangeRejected, &responder, message, now); err != nil {
		return nil, storeErr(err, "change request %d", id)
	}
	metrics.IncChangeRequest(string(model.ChangeRejected))

	e := audit.NewEvent(audit.Actor{Role: string(p.Role), ID: p.ID}, audit.ActionChangeRequestReply, "schedule_change_request", id, now)
	e.After = map[string]any{"state": model.ChangeRejected, "message": message}
	e.OutsideWindow = !inside(rec.Schedule, now, s.loc)
	s.audit.Record(ctx, e)

	s.logger.Info().Int64("request_id", id).Int64("responder_id", p.ID).Msg("Change request rejected")
	return s.reload(ctx, id)
}

// Cancel withdraws the principal's own pending request.
func (s *Service) Cancel(ctx context.Context, p model.Principal, id int64) (*model.ScheduleChangeRequest, error) {
	req, err := s.store.GetChangeRequest(ctx, id)
	if err != nil {
		return nil, storeErr(err, "change request %d", id)
	}
	if p != req.Requestor() {
		return nil, apperr.Permission(apperr.CodeNotRequestor, "only the requestor may cancel change request %d", id)
	}
	if err := s.requirePending(req); err != nil {
		return nil, err
	}
	if err := s.store.ResolveChangeRequest(ctx, id, model.ChangeCancelled, nil, "", s.now()); err != nil {
		return nil, storeErr(err, "change request %d", id)
	}
	metrics.IncChangeRequest(string(model.ChangeCancelled))
	s.logger.Info().Int64("request_id", id).Msg("Change request cancelled")
	return s.reload(ctx, id)
}

func (s *Service) reload(ctx context.Context, id int64) (*model.ScheduleChangeRequest, error) {
	req, err := s.store.GetChangeRequest(ctx, id)
	if err != nil {
		return nil, storeErr(err, "change request %d", id)
	}
	req.State = EffectiveState(req, s.now())
	return req, nil
}

// CheckExistingPendingRequest reports whether a record has a live pending request.
func (s *Service) CheckExistingPendingRequest(ctx context.Context, recordID int64) (*PendingCheck, error) {
	req, err := s.store.FindPendingChangeRequest(ctx, recordID, s.now())
	if err != nil {
		return nil, apperr.Internal(err, "find pending request of record %d", recordID)
	}
	return &PendingCheck{HasExisting: req != nil, Request: req}, nil
}

// ListHistory returns every request of a record, newest first, with
// effective states.
func (s *Service) ListHistory(ctx context.Context, p model.Principal, recordID int64) ([]*model.ScheduleChangeRequest, error) {
	_, pt, err := s.loadRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if p.Role != model.RoleManager && !p.IsParty(pt) {
		return nil, apperr.Permission(apperr.CodeNotOwner, "record %d is not visible to this principal", recordID)
	}
	reqs, err := s.store.ListChangeRequests(ctx, database.ChangeRequestFilter{RecordID: recordID})
	if err != nil {
		return nil, apperr.Internal(err, "list change requests of record %d", recordID)
	}
	now := s.now()
	for _, r := range reqs {
		r.State = EffectiveState(r, now)
	}
	return reqs, nil
}

func inside(sess model.Session, now time.Time, loc *time.Location) bool {
	return !now.Before(sess.Start(loc)) && now.Before(sess.End(loc))
}
