package booking

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"ptschedule/internal/apperr"
	"ptschedule/internal/availability"
	"ptschedule/internal/conflict"
	"ptschedule/internal/database"
	"ptschedule/internal/metrics"
	"ptschedule/internal/model"
	"ptschedule/shared/audit"
)

// Store is the persistence the service needs.
type Store interface {
	CreatePt(ctx context.Context, pt *model.Pt, sessions []model.Session) (*model.Pt, error)
	GetPt(ctx context.Context, id int64) (*model.Pt, error)
	ListPts(ctx context.Context, f database.PtFilter) ([]*model.Pt, error)
	ConfirmPt(ctx context.Context, id int64, now time.Time) error
	RejectPt(ctx context.Context, id int64, reason string, now time.Time) error
	DeletePendingPt(ctx context.Context, id int64) error
	ListSchedules(ctx context.Context, f database.ScheduleFilter) ([]model.PtSchedule, error)
	ListRecords(ctx context.Context, f database.RecordFilter) ([]model.PtRecord, error)
	GetRecord(ctx context.Context, id int64) (*model.PtRecord, error)
	AddRecordItem(ctx context.Context, item model.PtRecordItem) (model.PtRecordItem, error)
	ListRecordItems(ctx context.Context, recordID int64) ([]model.PtRecordItem, error)
}

// Validator checks proposed patterns.
type Validator interface {
	ValidateSchedule(ctx context.Context, req conflict.ScheduleRequest) (*conflict.ValidationResult, error)
}

// Occupancy resolves occupied slots and drops cached snapshots.
type Occupancy interface {
	Resolve(ctx context.Context, q availability.Query) (*availability.Availability, error)
	Invalidate(ctx context.Context, trainerID int64)
}

// ApplyRequest is a member's application for PT sessions.
type ApplyRequest struct {
	TrainerID   int64            `json:"trainer_id"`
	PtProductID int64            `json:"pt_product_id"`
	Pattern     conflict.Pattern `json:"pattern"`
	Description string           `json:"description,omitempty"`
}

// ItemRequest is one exercise-log entry.
type ItemRequest struct {
	Title   string `json:"title"`
	Content string `json:"content,omitempty"`
}

type Service struct {
	store     Store
	validator Validator
	occupancy Occupancy
	audit     audit.Emitter
	fsm       *FSM
	loc       *time.Location
	now       func() time.Time
	logger    zerolog.Logger
}

func NewService(store Store, validator Validator, occupancy Occupancy, emitter audit.Emitter, loc *time.Location, now func() time.Time, logger zerolog.Logger) *Service {
	if emitter == nil {
		emitter = audit.Nop{}
	}
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     store,
		validator: validator,
		occupancy: occupancy,
		audit:     emitter,
		fsm:       NewFSM(),
		loc:       loc,
		now:       now,
		logger:    logger.With().Str("component", "booking").Logger(),
	}
}

func storeErr(err error, format string, args ...any) error {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return apperr.NotFound(format, args...)
	case errors.Is(err, database.ErrStateConflict):
		return apperr.State(apperr.CodeInvalidState, format+" is no longer PENDING", args...)
	case errors.Is(err, database.ErrScheduleConflict):
		return apperr.Conflict(apperr.CodeScheduleConflict, format+" overlaps a confirmed session", args...)
	}
	return apperr.Internal(err, format, args...)
}

func (s *Service) getPt(ctx context.Context, id int64) (*model.Pt, error) {
	pt, err := s.store.GetPt(ctx, id)
	if err != nil {
		return nil, storeErr(err, "pt %d", id)
	}
	return pt, nil
}

func actor(p model.Principal) audit.Actor {
	return audit.Actor{Role: string(p.Role), ID: p.ID}
}

// Apply validates the pattern and stores a PENDING Pt with its sessions.
func (s *Service) Apply(ctx context.Context, p model.Principal, req ApplyRequest) (*model.Pt, error) {
	if p.Role != model.RoleMember {
		return nil, apperr.Permission(apperr.CodeNotOwner, "only members can apply for PT")
	}

	res, err := s.validator.ValidateSchedule(ctx, conflict.ScheduleRequest{TrainerID: req.TrainerID, Pattern: req.Pattern})
	if err != nil {
		metrics.IncPtApplied("invalid")
		return nil, err
	}
	if !res.Valid {
		c := res.Conflict
		if c.Code == apperr.CodePastSession {
			metrics.IncPtApplied("invalid")
			return nil, apperr.Validation(c.Code, "session on %s %s has already started", c.Date, c.StartTime).WithDetail(c)
		}
		metrics.IncPtApplied("conflict")
		return nil, apperr.Conflict(c.Code, "session on %s %s-%s is not bookable: %s", c.Date, c.StartTime, c.EndTime, c.Reason).WithDetail(c)
	}

	now := s.now()
	pt := &model.Pt{
		MemberID:    p.ID,
		TrainerID:   req.TrainerID,
		PtProductID: req.PtProductID,
		IsRegular:   req.Pattern.IsRegular,
		StartDate:   res.Occurrences[0].Date,
		TotalCount:  len(res.Occurrences),
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Pattern.IsRegular {
		pt.StartDate = req.Pattern.StartDate
		pt.WeekTimes = req.Pattern.WeekTimes
	}

	created, err := s.store.CreatePt(ctx, pt, res.Occurrences)
	if err != nil {
		return nil, apperr.Internal(err, "create pt")
	}
	metrics.IncPtApplied("created")
	s.logger.Info().
		Int64("pt_id", created.ID).
		Int64("member_id", p.ID).
		Int64("trainer_id", req.TrainerID).
		Int("sessions", len(res.Occurrences)).
		Msg("Pt application created")
	return created, nil
}

func (s *Service) authorizeTrainer(p model.Principal, pt *model.Pt) error {
	if p.Role != model.RoleTrainer || pt.TrainerID != p.ID {
		return apperr.Permission(apperr.CodeNotOwner, "pt %d is not assigned to this trainer", pt.ID)
	}
	return nil
}

func (s *Service) decide(ctx context.Context, p model.Principal, ptID int64, to model.PtState) (*model.Pt, error) {
	pt, err := s.getPt(ctx, ptID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeTrainer(p, pt); err != nil {
		return nil, err
	}
	if !s.fsm.CanTransition(pt.State, to) {
		return nil, apperr.State(apperr.CodeInvalidState, "pt %d is %s, cannot become %s", ptID, pt.State, to)
	}
	return pt, nil
}

// Approve confirms a PENDING Pt after re-checking its sessions against
// confirmed bookings and off blocks.
func (s *Service) Approve(ctx context.Context, p model.Principal, ptID int64) (*model.Pt, error) {
	pt, err := s.decide(ctx, p, ptID, model.PtConfirmed)
	if err != nil {
		return nil, err
	}

	schedules, err := s.store.ListSchedules(ctx, database.ScheduleFilter{PtID: ptID})
	if err != nil {
		return nil, apperr.Internal(err, "list pt %d schedules", ptID)
	}
	if len(schedules) > 0 {
		avail, err := s.occupancy.Resolve(ctx, availability.Query{
			TrainerID: pt.TrainerID,
			From:      schedules[0].Date,
			To:        schedules[len(schedules)-1].Date,
			Fresh:     true,
		})
		if err != nil {
			return nil, err
		}
		for _, sc := range schedules {
			if blocks := avail.Collisions(sc.Session); len(blocks) > 0 {
				metrics.IncScheduleConflict(string(blocks[0].Kind))
				return nil, apperr.Conflict(apperr.CodeScheduleConflict,
					"session on %s %s-%s is already taken", sc.DateKey(), sc.StartTime, sc.EndTime).WithDetail(blocks)
			}
		}
	}

	now := s.now()
	if err := s.store.ConfirmPt(ctx, ptID, now); err != nil {
		return nil, storeErr(err, "pt %d", ptID)
	}
	s.occupancy.Invalidate(ctx, pt.TrainerID)
	metrics.IncPtDecision("approved")

	before := pt.State
	pt.State = model.PtConfirmed
	pt.TrainerConfirmed = true
	pt.UpdatedAt = now

	e := audit.NewEvent(actor(p), audit.ActionPtApproved, "pt", ptID, now)
	e.Before = map[string]any{"state": before}
	e.After = map[string]any{"state": pt.State, "sessions": len(schedules)}
	s.audit.Record(ctx, e)

	s.logger.Info().Int64("pt_id", ptID).Int64("trainer_id", pt.TrainerID).Msg("Pt approved")
	return pt, nil
}

// Reject declines a PENDING Pt, keeping the optional reason.
func (s *Service) Reject(ctx context.Context, p model.Principal, ptID int64, reason string) (*model.Pt, error) {
	pt, err := s.decide(ctx, p, ptID, model.PtRejected)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.store.RejectPt(ctx, ptID, reason, now); err != nil {
		return nil, storeErr(err, "pt %d", ptID)
	}
	metrics.IncPtDecision("rejected")

	pt.State = model.PtRejected
	pt.RejectReason = reason
	pt.UpdatedAt = now

	e := audit.NewEvent(actor(p), audit.ActionPtRejected, "pt", ptID, now)
	e.Before = map[string]any{"state": model.PtPending}
	e.After = map[string]any{"state": pt.State, "reason": reason}
	s.audit.Record(ctx, e)

	s.logger.Info().Int64("pt_id", ptID).Int64("trainer_id", pt.TrainerID).Msg("Pt rejected")
	return pt, nil
}

// Delete hard-deletes the member's own PENDING Pt.
func (s *Service) Delete(ctx context.Context, p model.Principal, ptID int64) error {
	pt, err := s.getPt(ctx, ptID)
	if err != nil {
		return err
	}
	if p.Role != model.RoleMember || pt.MemberID != p.ID {
		return apperr.Permission(apperr.CodeNotOwner, "pt %d does not belong to this member", ptID)
	}
	if pt.State != model.PtPending {
		return apperr.State(apperr.CodeInvalidState, "pt %d is %s; only PENDING applications can be deleted", ptID, pt.State)
	}
	if err := s.store.DeletePendingPt(ctx, ptID); err != nil {
		return storeErr(err, "pt %d", ptID)
	}
	metrics.IncPtDecision("deleted")
	s.logger.Info().Int64("pt_id", ptID).Int64("member_id", p.ID).Msg("Pt application deleted")
	return nil
}

// ListActivePts returns the principal's PENDING and CONFIRMED Pts. Managers see all.
func (s *Service) ListActivePts(ctx context.Context, p model.Principal) ([]*model.Pt, error) {
	f := database.PtFilter{States: []model.PtState{model.PtPending, model.PtConfirmed}}
	switch p.Role {
	case model.RoleMember:
		f.MemberID = p.ID
	case model.RoleTrainer:
		f.TrainerID = p.ID
	}
	pts, err := s.store.ListPts(ctx, f)
	if err != nil {
		return nil, apperr.Internal(err, "list pts")
	}
	return pts, nil
}

func (s *Service) derive(records []model.PtRecord) []model.PtRecord {
	now := s.now()
	for i := range records {
		records[i].Attendance = Attendance(records[i], now, s.loc)
	}
	return records
}

// ListRecords returns a Pt's records with attendance derived at call time.
func (s *Service) ListRecords(ctx context.Context, p model.Principal, ptID int64) ([]model.PtRecord, error) {
	pt, err := s.getPt(ctx, ptID)
	if err != nil {
		return nil, err
	}
	if p.Role != model.RoleManager && !p.IsParty(pt) {
		return nil, apperr.Permission(apperr.CodeNotOwner, "pt %d is not visible to this principal", ptID)
	}
	records, err := s.store.ListRecords(ctx, database.RecordFilter{PtID: ptID})
	if err != nil {
		return nil, apperr.Internal(err, "list records of pt %d", ptID)
	}
	return s.derive(records), nil
}

// RecentRecords returns a member's ATTENDED records, most recent first.
// A limit <= 0 returns all of them.
func (s *Service) RecentRecords(ctx context.Context, memberID int64, limit int) ([]model.PtRecord, error) {
	records, err := s.store.ListRecords(ctx, database.RecordFilter{MemberID: memberID, To: model.Day(s.now().In(s.loc))})
	if err != nil {
		return nil, apperr.Internal(err, "list records of member %d", memberID)
	}
	attended := make([]model.PtRecord, 0, len(records))
	for _, rec := range s.derive(records) {
		if rec.Attendance == model.AttendanceAttended {
			attended = append(attended, rec)
		}
	}
	sort.SliceStable(attended, func(i, j int) bool { return attended[j].Schedule.Before(attended[i].Schedule) })
	if limit > 0 && len(attended) > limit {
		attended = attended[:limit]
	}
	return attended, nil
}

// LogRecordItem appends an exercise-log entry. Only the Pt's trainer may log;
// entries made outside the session window are flagged in the audit trail.
func (s *Service) LogRecordItem(ctx context.Context, p model.Principal, recordID int64, req ItemRequest) (model.PtRecordItem, error) {
	if req.Title == "" {
		return model.PtRecordItem{}, apperr.Validation(apperr.CodeMissingField, "title is required")
	}
	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return model.PtRecordItem{}, storeErr(err, "record %d", recordID)
	}
	if p.Role != model.RoleTrainer || rec.TrainerID != p.ID {
		return model.PtRecordItem{}, apperr.Permission(apperr.CodeNotOwner, "record %d is not assigned to this trainer", recordID)
	}

	now := s.now()
	item, err := s.store.AddRecordItem(ctx, model.PtRecordItem{
		RecordID:  recordID,
		Title:     req.Title,
		Content:   req.Content,
		CreatedAt: now,
	})
	if err != nil {
		return model.PtRecordItem{}, apperr.Internal(err, "add item to record %d", recordID)
	}

	e := audit.NewEvent(actor(p), audit.ActionRecordItemAdded, "pt_record", recordID, now)
	e.Before = map[string]any{"item_count": rec.ItemCount}
	e.After = item
	e.OutsideWindow = !insideWindow(rec.Schedule, now, s.loc)
	s.audit.Record(ctx, e)

	s.logger.Info().
		Int64("record_id", recordID).
		Int64("trainer_id", p.ID).
		Bool("outside_window", e.OutsideWindow).
		Msg("Record item logged")
	return item, nil
}

// ListRecordItems returns a record's log entries to either party.
func (s *Service) ListRecordItems(ctx context.Context, p model.Principal, recordID int64) ([]model.PtRecordItem, error) {
	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, storeErr(err, "record %d", recordID)
	}
	party := (p.Role == model.RoleMember && rec.MemberID == p.ID) || (p.Role == model.RoleTrainer && rec.TrainerID == p.ID)
	if p.Role != model.RoleManager && !party {
		return nil, apperr.Permission(apperr.CodeNotOwner, "record %d is not visible to this principal", recordID)
	}
	items, err := s.store.ListRecordItems(ctx, recordID)
	if err != nil {
		return nil, apperr.Internal(err, "list items of record %d", recordID)
	}
	return items, nil
}
