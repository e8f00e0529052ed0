package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"ptschedule/internal/model"
)

type changeRequestRow struct {
	ID              int64         `db:"id"`
	PtRecordID      int64         `db:"pt_record_id"`
	RequestorRole   string        `db:"requestor_role"`
	RequestorID     int64         `db:"requestor_id"`
	OriginalDate    string        `db:"original_date"`
	OriginalStart   int           `db:"original_start"`
	OriginalEnd     int           `db:"original_end"`
	RequestedDate   string        `db:"requested_date"`
	RequestedStart  int           `db:"requested_start"`
	RequestedEnd    int           `db:"requested_end"`
	Reason          string        `db:"reason"`
	State           string        `db:"state"`
	ResponderID     sql.NullInt64 `db:"responder_id"`
	ResponseMessage string        `db:"response_message"`
	CreatedAt       int64         `db:"created_at"`
	RespondedAt     sql.NullInt64 `db:"responded_at"`
	ExpiresAt       int64         `db:"expires_at"`
}

const changeRequestColumns = `id, pt_record_id, requestor_role, requestor_id,
	original_date, original_start, original_end,
	requested_date, requested_start, requested_end,
	reason, state, responder_id, response_message, created_at, responded_at, expires_at`

func (r changeRequestRow) toModel() (*model.ScheduleChangeRequest, error) {
	orig, err := parseSession(r.OriginalDate, r.OriginalStart, r.OriginalEnd)
	if err != nil {
		return nil, err
	}
	requested, err := parseSession(r.RequestedDate, r.RequestedStart, r.RequestedEnd)
	if err != nil {
		return nil, err
	}
	req := &model.ScheduleChangeRequest{
		ID:                r.ID,
		PtRecordID:        r.PtRecordID,
		RequestorRole:     model.Role(r.RequestorRole),
		RequestorID:       r.RequestorID,
		OriginalSchedule:  orig,
		RequestedSchedule: requested,
		Reason:            r.Reason,
		State:             model.ChangeRequestState(r.State),
		ResponseMessage:   r.ResponseMessage,
		CreatedAt:         fromUnix(r.CreatedAt),
		ExpiresAt:         fromUnix(r.ExpiresAt),
	}
	if r.ResponderID.Valid {
		id := r.ResponderID.Int64
		req.ResponderID = &id
	}
	if r.RespondedAt.Valid {
		at := fromUnix(r.RespondedAt.Int64)
		req.RespondedAt = &at
	}
	return req, nil
}

// ChangeRequestFilter narrows ListChangeRequests. Zero values match everything.
type ChangeRequestFilter struct {
	RecordID    int64
	RequestorID int64
	States      []model.ChangeRequestState
}

// CreateChangeRequest stores a new PENDING request for a record. Stale
// pending requests are expired first. With forceCancel any live pending
// request is cancelled; otherwise its presence yields ErrPendingExists.
func (db *DB) CreateChangeRequest(ctx context.Context, req *model.ScheduleChangeRequest, forceCancel bool, now time.Time) (*model.ScheduleChangeRequest, error) {
	created := *req
	created.State = model.ChangePending

	err := db.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE schedule_change_requests SET state = ?
			WHERE pt_record_id = ? AND state = ? AND expires_at <= ?`),
			model.ChangeExpired, req.PtRecordID, model.ChangePending, unix(now)); err != nil {
			return fmt.Errorf("expire stale requests: %w", err)
		}

		if forceCancel {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE schedule_change_requests SET state = ?, responded_at = ?
				WHERE pt_record_id = ? AND state = ?`),
				model.ChangeCancelled, unix(now), req.PtRecordID, model.ChangePending); err != nil {
				return fmt.Errorf("cancel pending request: %w", err)
			}
		} else {
			var n int
			if err := tx.GetContext(ctx, &n, tx.Rebind(`
				SELECT COUNT(*) FROM schedule_change_requests WHERE pt_record_id = ? AND state = ?`),
				req.PtRecordID, model.ChangePending); err != nil {
				return fmt.Errorf("count pending requests: %w", err)
			}
			if n > 0 {
				return ErrPendingExists
			}
		}

		id, err := insertID(ctx, tx, tx.Rebind(`
			INSERT INTO schedule_change_requests (pt_record_id, requestor_role, requestor_id,
				original_date, original_start, original_end,
				requested_date, requested_start, requested_end,
				reason, state, response_message, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?) RETURNING id`),
			created.PtRecordID, created.RequestorRole, created.RequestorID,
			created.OriginalSchedule.DateKey(), int(created.OriginalSchedule.StartTime), int(created.OriginalSchedule.EndTime),
			created.RequestedSchedule.DateKey(), int(created.RequestedSchedule.StartTime), int(created.RequestedSchedule.EndTime),
			created.Reason, created.State, unix(created.CreatedAt), unix(created.ExpiresAt),
		)
		if isUniqueViolation(err) {
			return ErrPendingExists
		}
		if err != nil {
			return fmt.Errorf("insert change request: %w", err)
		}
		created.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	created.CreatedAt = fromUnix(unix(created.CreatedAt))
	created.ExpiresAt = fromUnix(unix(created.ExpiresAt))
	return &created, nil
}

// GetChangeRequest returns a request by id.
func (db *DB) GetChangeRequest(ctx context.Context, id int64) (*model.ScheduleChangeRequest, error) {
	var row changeRequestRow
	err := db.GetContext(ctx, &row, db.Rebind(`SELECT `+changeRequestColumns+` FROM schedule_change_requests WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get change request: %w", err)
	}
	return row.toModel()
}

// FindPendingChangeRequest returns the live pending request of a record, or
// nil when there is none.
func (db *DB) FindPendingChangeRequest(ctx context.Context, recordID int64, now time.Time) (*model.ScheduleChangeRequest, error) {
	var row changeRequestRow
	err := db.GetContext(ctx, &row, db.Rebind(`
		SELECT `+changeRequestColumns+` FROM schedule_change_requests
		WHERE pt_record_id = ? AND state = ? AND expires_at > ?`),
		recordID, model.ChangePending, unix(now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find pending change request: %w", err)
	}
	return row.toModel()
}

// ListChangeRequests returns requests matching the filter, newest first.
func (db *DB) ListChangeRequests(ctx context.Context, f ChangeRequestFilter) ([]*model.ScheduleChangeRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.RecordID != 0 {
		where = append(where, "pt_record_id = ?")
		args = append(args, f.RecordID)
	}
	if f.RequestorID != 0 {
		where = append(where, "requestor_id = ?")
		args = append(args, f.RequestorID)
	}
	if len(f.States) > 0 {
		where = append(where, "state IN (?)")
		args = append(args, f.States)
	}
	query := `SELECT ` + changeRequestColumns + ` FROM schedule_change_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("expand change request filter: %w", err)
	}
	var rows []changeRequestRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list change requests: %w", err)
	}
	out := make([]*model.ScheduleChangeRequest, 0, len(rows))
	for _, r := range rows {
		req, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// ApproveChangeRequest marks a live pending request APPROVED and moves the
// record's schedule to the requested slot atomically.
func (db *DB) ApproveChangeRequest(ctx context.Context, id, responderID int64, message string, now time.Time) error {
	return db.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := resolvePending(ctx, tx, id, model.ChangeApproved, &responderID, message, now); err != nil {
			return err
		}

		var row changeRequestRow
		if err := tx.GetContext(ctx, &row, tx.Rebind(`SELECT `+changeRequestColumns+` FROM schedule_change_requests WHERE id = ?`), id); err != nil {
			return fmt.Errorf("reload change request: %w", err)
		}
		var sched scheduleRow
		if err := tx.GetContext(ctx, &sched, tx.Rebind(`
			SELECT s.id, s.pt_id, s.trainer_id, s.session_date, s.start_time, s.end_time
			FROM pt_schedules s JOIN pt_records r ON r.pt_schedule_id = s.id
			WHERE r.id = ?`), row.PtRecordID); err != nil {
			return fmt.Errorf("get record schedule: %w", err)
		}
		if err := db.lockTrainer(ctx, tx, sched.TrainerID); err != nil {
			return err
		}
		overlap, err := hasOverlap(ctx, tx, sched.TrainerID, row.RequestedDate, row.RequestedStart, row.RequestedEnd, 0, sched.ID)
		if err != nil {
			return err
		}
		if overlap {
			return ErrScheduleConflict
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE pt_schedules SET session_date = ?, start_time = ?, end_time = ?
			WHERE id = (SELECT pt_schedule_id FROM pt_records WHERE id = ?)`),
			row.RequestedDate, row.RequestedStart, row.RequestedEnd, row.PtRecordID); err != nil {
			return fmt.Errorf("move schedule: %w", err)
		}
		return nil
	})
}

// ResolveChangeRequest moves a live pending request to REJECTED or CANCELLED.
func (db *DB) ResolveChangeRequest(ctx context.Context, id int64, to model.ChangeRequestState, responderID *int64, message string, now time.Time) error {
	return db.inTx(ctx, func(tx *sqlx.Tx) error {
		return resolvePending(ctx, tx, id, to, responderID, message, now)
	})
}

func resolvePending(ctx context.Context, tx *sqlx.Tx, id int64, to model.ChangeRequestState, responderID *int64, message string, now time.Time) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE schedule_change_requests
		SET state = ?, responder_id = ?, response_message = ?, responded_at = ?
		WHERE id = ? AND state = ? AND expires_at > ?`),
		to, responderID, message, unix(now), id, model.ChangePending, unix(now))
	if err != nil {
		return fmt.Errorf("update change request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var row struct {
		State     string `db:"state"`
		ExpiresAt int64  `db:"expires_at"`
	}
	err = tx.GetContext(ctx, &row, tx.Rebind(`SELECT state, expires_at FROM schedule_change_requests WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if model.ChangeRequestState(row.State) == model.ChangePending || model.ChangeRequestState(row.State) == model.ChangeExpired {
		return ErrExpired
	}
	return ErrStateConflict
}

// ExpireChangeRequests persists EXPIRED on every pending request whose deadline
// has passed. Returns the number of rows touched.
func (db *DB) ExpireChangeRequests(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE schedule_change_requests SET state = ?
		WHERE state = ? AND expires_at <= ?`),
		model.ChangeExpired, model.ChangePending, unix(now))
	if err != nil {
		return 0, fmt.Errorf("expire change requests: %w", err)
	}
	return res.RowsAffected()
}
