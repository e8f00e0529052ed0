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

type scheduleRow struct {
	ID          int64  `db:"id"`
	PtID        int64  `db:"pt_id"`
	TrainerID   int64  `db:"trainer_id"`
	MemberID    int64  `db:"member_id"`
	PtState     string `db:"pt_state"`
	SessionDate string `db:"session_date"`
	StartTime   int    `db:"start_time"`
	EndTime     int    `db:"end_time"`
}

func parseSession(date string, start, end int) (model.Session, error) {
	d, err := model.ParseDate(date)
	if err != nil {
		return model.Session{}, fmt.Errorf("parse session date %q: %w", date, err)
	}
	return model.Session{Date: d, StartTime: timeslot.HHMM(start), EndTime: timeslot.HHMM(end)}, nil
}

// ScheduleFilter narrows ListSchedules. Zero values match everything.
type ScheduleFilter struct {
	TrainerID int64
	MemberID  int64
	PtID      int64
	From, To  time.Time
	States    []model.PtState
	// ExcludeIDs drops specific schedules, e.g. the one being moved.
	ExcludeIDs []int64
}

// ListSchedules returns sessions joined with their owning Pt, ordered chronologically.
func (db *DB) ListSchedules(ctx context.Context, f ScheduleFilter) ([]model.PtSchedule, error) {
	var (
		where []string
		args  []any
	)
	if f.TrainerID != 0 {
		where = append(where, "s.trainer_id = ?")
		args = append(args, f.TrainerID)
	}
	if f.MemberID != 0 {
		where = append(where, "p.member_id = ?")
		args = append(args, f.MemberID)
	}
	if f.PtID != 0 {
		where = append(where, "s.pt_id = ?")
		args = append(args, f.PtID)
	}
	if !f.From.IsZero() {
		where = append(where, "s.session_date >= ?")
		args = append(args, model.DateKey(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "s.session_date <= ?")
		args = append(args, model.DateKey(f.To))
	}
	if len(f.States) > 0 {
		where = append(where, "p.state IN (?)")
		args = append(args, f.States)
	}
	if len(f.ExcludeIDs) > 0 {
		where = append(where, "s.id NOT IN (?)")
		args = append(args, f.ExcludeIDs)
	}

	query := `
		SELECT s.id, s.pt_id, s.trainer_id, p.member_id, p.state AS pt_state,
			s.session_date, s.start_time, s.end_time
		FROM pt_schedules s
		JOIN pts p ON p.id = s.pt_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY s.session_date, s.start_time, s.id"

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("expand schedule filter: %w", err)
	}
	var rows []scheduleRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}

	out := make([]model.PtSchedule, 0, len(rows))
	for _, r := range rows {
		s, err := parseSession(r.SessionDate, r.StartTime, r.EndTime)
		if err != nil {
			return nil, err
		}
		out = append(out, model.PtSchedule{
			ID:        r.ID,
			PtID:      r.PtID,
			TrainerID: r.TrainerID,
			MemberID:  r.MemberID,
			PtState:   model.PtState(r.PtState),
			Session:   s,
		})
	}
	return out, nil
}

type recordRow struct {
	ID          int64  `db:"id"`
	PtID        int64  `db:"pt_id"`
	ScheduleID  int64  `db:"pt_schedule_id"`
	MemberID    int64  `db:"member_id"`
	TrainerID   int64  `db:"trainer_id"`
	SessionDate string `db:"session_date"`
	StartTime   int    `db:"start_time"`
	EndTime     int    `db:"end_time"`
	ItemCount   int    `db:"item_count"`
}

const recordSelect = `
	SELECT r.id, r.pt_id, r.pt_schedule_id, p.member_id, p.trainer_id,
		s.session_date, s.start_time, s.end_time,
		(SELECT COUNT(*) FROM pt_record_items i WHERE i.pt_record_id = r.id) AS item_count
	FROM pt_records r
	JOIN pt_schedules s ON s.id = r.pt_schedule_id
	JOIN pts p ON p.id = r.pt_id`

func (r recordRow) toModel() (model.PtRecord, error) {
	s, err := parseSession(r.SessionDate, r.StartTime, r.EndTime)
	if err != nil {
		return model.PtRecord{}, err
	}
	return model.PtRecord{
		ID:         r.ID,
		PtID:       r.PtID,
		ScheduleID: r.ScheduleID,
		MemberID:   r.MemberID,
		TrainerID:  r.TrainerID,
		Schedule:   s,
		ItemCount:  r.ItemCount,
	}, nil
}

// RecordFilter narrows ListRecords. Zero values match everything.
type RecordFilter struct {
	PtID      int64
	MemberID  int64
	TrainerID int64
	From, To  time.Time
}

// ListRecords returns records with their current schedule and item count.
// Attendance is left for the caller to derive.
func (db *DB) ListRecords(ctx context.Context, f RecordFilter) ([]model.PtRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.PtID != 0 {
		where = append(where, "r.pt_id = ?")
		args = append(args, f.PtID)
	}
	if f.MemberID != 0 {
		where = append(where, "p.member_id = ?")
		args = append(args, f.MemberID)
	}
	if f.TrainerID != 0 {
		where = append(where, "p.trainer_id = ?")
		args = append(args, f.TrainerID)
	}
	if !f.From.IsZero() {
		where = append(where, "s.session_date >= ?")
		args = append(args, model.DateKey(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "s.session_date <= ?")
		args = append(args, model.DateKey(f.To))
	}

	query := recordSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY s.session_date, s.start_time, r.id"

	var rows []recordRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]model.PtRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetRecord returns one record with its current schedule.
func (db *DB) GetRecord(ctx context.Context, id int64) (*model.PtRecord, error) {
	var row recordRow
	err := db.GetContext(ctx, &row, db.Rebind(recordSelect+" WHERE r.id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	rec, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

type recordItemRow struct {
	ID        int64  `db:"id"`
	RecordID  int64  `db:"pt_record_id"`
	Title     string `db:"title"`
	Content   string `db:"content"`
	CreatedAt int64  `db:"created_at"`
}

// AddRecordItem appends an exercise-log entry to a record.
func (db *DB) AddRecordItem(ctx context.Context, item model.PtRecordItem) (model.PtRecordItem, error) {
	id, err := insertID(ctx, db, db.Rebind(`
		INSERT INTO pt_record_items (pt_record_id, title, content, created_at)
		VALUES (?, ?, ?, ?) RETURNING id`),
		item.RecordID, item.Title, item.Content, unix(item.CreatedAt),
	)
	if err != nil {
		return item, fmt.Errorf("insert record item: %w", err)
	}
	item.ID = id
	item.CreatedAt = fromUnix(unix(item.CreatedAt))
	return item, nil
}

// ListRecordItems returns a record's log entries in insertion order.
func (db *DB) ListRecordItems(ctx context.Context, recordID int64) ([]model.PtRecordItem, error) {
	var rows []recordItemRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(`
		SELECT id, pt_record_id, title, content, created_at
		FROM pt_record_items WHERE pt_record_id = ? ORDER BY id`), recordID); err != nil {
		return nil, fmt.Errorf("list record items: %w", err)
	}
	items := make([]model.PtRecordItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, model.PtRecordItem{
			ID:        r.ID,
			RecordID:  r.RecordID,
			Title:     r.Title,
			Content:   r.Content,
			CreatedAt: fromUnix(r.CreatedAt),
		})
	}
	return items, nil
}

// lockTrainer serializes occupancy writes for one trainer until the
// transaction ends. sqlite already runs every transaction on its single
// connection.
func (db *DB) lockTrainer(ctx context.Context, tx *sqlx.Tx, trainerID int64) error {
	if db.driver != DriverPostgres {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, trainerID); err != nil {
		return fmt.Errorf("lock trainer %d: %w", trainerID, err)
	}
	return nil
}

// hasOverlap reports whether a CONFIRMED session of the trainer overlaps
// [start, end) on date. Sessions of excludePtID and the excludeScheduleID row
// are ignored.
func hasOverlap(ctx context.Context, tx *sqlx.Tx, trainerID int64, date string, start, end int, excludePtID, excludeScheduleID int64) (bool, error) {
	var n int
	err := tx.GetContext(ctx, &n, tx.Rebind(`
		SELECT COUNT(*) FROM pt_schedules s JOIN pts p ON p.id = s.pt_id
		WHERE s.trainer_id = ? AND p.state = ? AND s.session_date = ?
			AND s.start_time < ? AND s.end_time > ?
			AND s.pt_id <> ? AND s.id <> ?`),
		trainerID, model.PtConfirmed, date, end, start, excludePtID, excludeScheduleID)
	if err != nil {
		return false, fmt.Errorf("check overlap: %w", err)
	}
	return n > 0, nil
}
