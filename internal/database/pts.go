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
	"ptschedule/internal/timeslot"
)

type ptRow struct {
	ID               int64  `db:"id"`
	MemberID         int64  `db:"member_id"`
	TrainerID        int64  `db:"trainer_id"`
	PtProductID      int64  `db:"pt_product_id"`
	State            string `db:"state"`
	TrainerConfirmed bool   `db:"trainer_confirmed"`
	IsRegular        bool   `db:"is_regular"`
	StartDate        string `db:"start_date"`
	TotalCount       int    `db:"total_count"`
	Description      string `db:"description"`
	RejectReason     string `db:"reject_reason"`
	CreatedAt        int64  `db:"created_at"`
	UpdatedAt        int64  `db:"updated_at"`
}

const ptColumns = `id, member_id, trainer_id, pt_product_id, state, trainer_confirmed, is_regular,
	start_date, total_count, description, reject_reason, created_at, updated_at`

func (r ptRow) toModel() (*model.Pt, error) {
	start, err := model.ParseDate(r.StartDate)
	if err != nil {
		return nil, fmt.Errorf("parse start date %q: %w", r.StartDate, err)
	}
	return &model.Pt{
		ID:               r.ID,
		MemberID:         r.MemberID,
		TrainerID:        r.TrainerID,
		PtProductID:      r.PtProductID,
		State:            model.PtState(r.State),
		TrainerConfirmed: r.TrainerConfirmed,
		IsRegular:        r.IsRegular,
		StartDate:        start,
		TotalCount:       r.TotalCount,
		Description:      r.Description,
		RejectReason:     r.RejectReason,
		CreatedAt:        fromUnix(r.CreatedAt),
		UpdatedAt:        fromUnix(r.UpdatedAt),
	}, nil
}

type weekTimeRow struct {
	PtID      int64  `db:"pt_id"`
	WeekDay   string `db:"week_day"`
	StartTime int    `db:"start_time"`
	EndTime   int    `db:"end_time"`
}

// PtFilter narrows ListPts. Zero values match everything.
type PtFilter struct {
	MemberID  int64
	TrainerID int64
	States    []model.PtState
}

// CreatePt stores a PENDING Pt together with its weekly rules and proposed sessions.
func (db *DB) CreatePt(ctx context.Context, pt *model.Pt, sessions []model.Session) (*model.Pt, error) {
	created := *pt
	created.State = model.PtPending
	created.TrainerConfirmed = false
	created.StartDate = model.Day(pt.StartDate)

	err := db.inTx(ctx, func(tx *sqlx.Tx) error {
		id, err := insertID(ctx, tx, tx.Rebind(`
			INSERT INTO pts (member_id, trainer_id, pt_product_id, state, trainer_confirmed, is_regular,
				start_date, total_count, description, reject_reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?) RETURNING id`),
			created.MemberID, created.TrainerID, created.PtProductID, created.State, false, created.IsRegular,
			model.DateKey(created.StartDate), created.TotalCount, created.Description,
			unix(created.CreatedAt), unix(created.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert pt: %w", err)
		}
		created.ID = id

		for _, wt := range created.WeekTimes {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO pt_week_times (pt_id, week_day, start_time, end_time) VALUES (?, ?, ?, ?)`),
				id, wt.WeekDay, int(wt.StartTime), int(wt.EndTime)); err != nil {
				return fmt.Errorf("insert pt week time: %w", err)
			}
		}
		for _, s := range sessions {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO pt_schedules (pt_id, trainer_id, session_date, start_time, end_time) VALUES (?, ?, ?, ?, ?)`),
				id, created.TrainerID, s.DateKey(), int(s.StartTime), int(s.EndTime)); err != nil {
				return fmt.Errorf("insert pt schedule: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// GetPt returns a Pt with its weekly rules.
func (db *DB) GetPt(ctx context.Context, id int64) (*model.Pt, error) {
	var row ptRow
	err := db.GetContext(ctx, &row, db.Rebind(`SELECT `+ptColumns+` FROM pts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pt: %w", err)
	}
	pt, err := row.toModel()
	if err != nil {
		return nil, err
	}
	if err := db.loadWeekTimes(ctx, []*model.Pt{pt}); err != nil {
		return nil, err
	}
	return pt, nil
}

// ListPts returns Pts matching the filter, newest first.
func (db *DB) ListPts(ctx context.Context, f PtFilter) ([]*model.Pt, error) {
	var (
		where []string
		args  []any
	)
	if f.MemberID != 0 {
		where = append(where, "member_id = ?")
		args = append(args, f.MemberID)
	}
	if f.TrainerID != 0 {
		where = append(where, "trainer_id = ?")
		args = append(args, f.TrainerID)
	}
	if len(f.States) > 0 {
		where = append(where, "state IN (?)")
		args = append(args, f.States)
	}

	query := `SELECT ` + ptColumns + ` FROM pts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("expand pt filter: %w", err)
	}

	var rows []ptRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list pts: %w", err)
	}

	pts := make([]*model.Pt, 0, len(rows))
	for _, r := range rows {
		pt, err := r.toModel()
		if err != nil {
			return nil, err
		}
		pts = append(pts, pt)
	}
	if err := db.loadWeekTimes(ctx, pts); err != nil {
		return nil, err
	}
	return pts, nil
}

func (db *DB) loadWeekTimes(ctx context.Context, pts []*model.Pt) error {
	if len(pts) == 0 {
		return nil
	}
	byID := make(map[int64]*model.Pt, len(pts))
	ids := make([]int64, 0, len(pts))
	for _, pt := range pts {
		byID[pt.ID] = pt
		ids = append(ids, pt.ID)
	}

	query, args, err := sqlx.In(`
		SELECT pt_id, week_day, start_time, end_time FROM pt_week_times
		WHERE pt_id IN (?) ORDER BY id`, ids)
	if err != nil {
		return err
	}
	var rows []weekTimeRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return fmt.Errorf("list week times: %w", err)
	}
	for _, r := range rows {
		pt := byID[r.PtID]
		pt.WeekTimes = append(pt.WeekTimes, model.PtWeekTime{
			WeekDay:   model.Weekday(r.WeekDay),
			StartTime: timeslot.HHMM(r.StartTime),
			EndTime:   timeslot.HHMM(r.EndTime),
		})
	}
	return nil
}

// ConfirmPt moves a PENDING Pt to CONFIRMED and materializes one record per
// schedule. Returns ErrStateConflict if the Pt is no longer pending and
// ErrScheduleConflict if a session overlaps another confirmed session of the
// trainer.
func (db *DB) ConfirmPt(ctx context.Context, id int64, now time.Time) error {
	return db.inTx(ctx, func(tx *sqlx.Tx) error {
		var trainerID int64
		err := tx.GetContext(ctx, &trainerID, tx.Rebind(`SELECT trainer_id FROM pts WHERE id = ?`), id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get pt trainer: %w", err)
		}
		if err := db.lockTrainer(ctx, tx, trainerID); err != nil {
			return err
		}
		if err := transitionPt(ctx, tx, id, model.PtConfirmed, "", now); err != nil {
			return err
		}

		var sessions []scheduleRow
		if err := tx.SelectContext(ctx, &sessions, tx.Rebind(
			`SELECT id, pt_id, trainer_id, session_date, start_time, end_time FROM pt_schedules WHERE pt_id = ?`), id); err != nil {
			return fmt.Errorf("list pt sessions: %w", err)
		}
		for _, s := range sessions {
			overlap, err := hasOverlap(ctx, tx, trainerID, s.SessionDate, s.StartTime, s.EndTime, id, s.ID)
			if err != nil {
				return err
			}
			if overlap {
				return ErrScheduleConflict
			}
		}

		var scheduleIDs []int64
		if err := tx.SelectContext(ctx, &scheduleIDs, tx.Rebind(
			`SELECT id FROM pt_schedules WHERE pt_id = ? ORDER BY session_date, start_time`), id); err != nil {
			return fmt.Errorf("list pt schedules: %w", err)
		}
		for _, sid := range scheduleIDs {
			if _, err := tx.ExecContext(ctx, tx.Rebind(
				`INSERT INTO pt_records (pt_id, pt_schedule_id) VALUES (?, ?)`), id, sid); err != nil {
				return fmt.Errorf("insert pt record: %w", err)
			}
		}
		return nil
	})
}

// RejectPt moves a PENDING Pt to REJECTED.
func (db *DB) RejectPt(ctx context.Context, id int64, reason string, now time.Time) error {
	return db.inTx(ctx, func(tx *sqlx.Tx) error {
		return transitionPt(ctx, tx, id, model.PtRejected, reason, now)
	})
}

func transitionPt(ctx context.Context, tx *sqlx.Tx, id int64, to model.PtState, reason string, now time.Time) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE pts SET state = ?, trainer_confirmed = ?, reject_reason = ?, updated_at = ?
		WHERE id = ? AND state = ?`),
		to, to == model.PtConfirmed, reason, unix(now), id, model.PtPending,
	)
	if err != nil {
		return fmt.Errorf("update pt state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missingOr(ctx, tx, `SELECT COUNT(*) FROM pts WHERE id = ?`, id)
	}
	return nil
}

// missingOr distinguishes a missing row from one in the wrong state after a
// guarded update touched nothing.
func missingOr(ctx context.Context, tx *sqlx.Tx, query string, id int64) error {
	var n int
	if err := tx.GetContext(ctx, &n, tx.Rebind(query), id); err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrStateConflict
}

// DeletePendingPt removes a PENDING Pt with everything it owns.
func (db *DB) DeletePendingPt(ctx context.Context, id int64) error {
	return db.inTx(ctx, func(tx *sqlx.Tx) error {
		var state string
		err := tx.GetContext(ctx, &state, tx.Rebind(`SELECT state FROM pts WHERE id = ?`), id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get pt state: %w", err)
		}
		if model.PtState(state) != model.PtPending {
			return ErrStateConflict
		}

		stmts := []string{
			`DELETE FROM pt_record_items WHERE pt_record_id IN (SELECT id FROM pt_records WHERE pt_id = ?)`,
			`DELETE FROM pt_records WHERE pt_id = ?`,
			`DELETE FROM pt_schedules WHERE pt_id = ?`,
			`DELETE FROM pt_week_times WHERE pt_id = ?`,
			`DELETE FROM pts WHERE id = ?`,
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, tx.Rebind(q), id); err != nil {
				return fmt.Errorf("delete pt %d: %w", id, err)
			}
		}
		return nil
	})
}
