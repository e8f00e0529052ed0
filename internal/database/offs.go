package database

import (
	"context"
	"fmt"
	"time"

	"ptschedule/internal/model"
	"ptschedule/internal/timeslot"
)

type trainerOffRow struct {
	ID        int64  `db:"id"`
	TrainerID int64  `db:"trainer_id"`
	OffDate   string `db:"off_date"`
	StartTime int    `db:"start_time"`
	EndTime   int    `db:"end_time"`
}

func (r trainerOffRow) toModel() (model.TrainerOff, error) {
	d, err := model.ParseDate(r.OffDate)
	if err != nil {
		return model.TrainerOff{}, fmt.Errorf("parse off date %q: %w", r.OffDate, err)
	}
	return model.TrainerOff{
		ID:        r.ID,
		TrainerID: r.TrainerID,
		Date:      d,
		StartTime: timeslot.HHMM(r.StartTime),
		EndTime:   timeslot.HHMM(r.EndTime),
	}, nil
}

// CreateTrainerOff stores a one-off unavailability block.
func (db *DB) CreateTrainerOff(ctx context.Context, off model.TrainerOff) (model.TrainerOff, error) {
	id, err := insertID(ctx, db, db.Rebind(`
		INSERT INTO trainer_offs (trainer_id, off_date, start_time, end_time)
		VALUES (?, ?, ?, ?) RETURNING id`),
		off.TrainerID, model.DateKey(off.Date), int(off.StartTime), int(off.EndTime),
	)
	if err != nil {
		return off, fmt.Errorf("insert trainer off: %w", err)
	}
	off.ID = id
	off.Date = model.Day(off.Date)
	return off, nil
}

// DeleteTrainerOff removes a one-off block owned by the trainer.
func (db *DB) DeleteTrainerOff(ctx context.Context, trainerID, id int64) error {
	return db.deleteOwned(ctx, `DELETE FROM trainer_offs WHERE id = ? AND trainer_id = ?`, id, trainerID)
}

// ListTrainerOffs returns one-off blocks with from <= date <= to.
func (db *DB) ListTrainerOffs(ctx context.Context, trainerID int64, from, to time.Time) ([]model.TrainerOff, error) {
	var rows []trainerOffRow
	err := db.SelectContext(ctx, &rows, db.Rebind(`
		SELECT id, trainer_id, off_date, start_time, end_time
		FROM trainer_offs
		WHERE trainer_id = ? AND off_date >= ? AND off_date <= ?
		ORDER BY off_date, start_time`),
		trainerID, model.DateKey(from), model.DateKey(to),
	)
	if err != nil {
		return nil, fmt.Errorf("list trainer offs: %w", err)
	}

	offs := make([]model.TrainerOff, 0, len(rows))
	for _, r := range rows {
		off, err := r.toModel()
		if err != nil {
			return nil, err
		}
		offs = append(offs, off)
	}
	return offs, nil
}

// CreateRepeatOff stores a weekly recurring block.
func (db *DB) CreateRepeatOff(ctx context.Context, off model.RepeatOff) (model.RepeatOff, error) {
	id, err := insertID(ctx, db, db.Rebind(`
		INSERT INTO repeat_offs (trainer_id, week_day, start_time, end_time)
		VALUES (?, ?, ?, ?) RETURNING id`),
		off.TrainerID, off.WeekDay, int(off.StartTime), int(off.EndTime),
	)
	if err != nil {
		return off, fmt.Errorf("insert repeat off: %w", err)
	}
	off.ID = id
	return off, nil
}

// DeleteRepeatOff removes a weekly block owned by the trainer.
func (db *DB) DeleteRepeatOff(ctx context.Context, trainerID, id int64) error {
	return db.deleteOwned(ctx, `DELETE FROM repeat_offs WHERE id = ? AND trainer_id = ?`, id, trainerID)
}

// ListRepeatOffs returns every weekly block of the trainer.
func (db *DB) ListRepeatOffs(ctx context.Context, trainerID int64) ([]model.RepeatOff, error) {
	var offs []model.RepeatOff
	err := db.SelectContext(ctx, &offs, db.Rebind(`
		SELECT id, trainer_id, week_day, start_time, end_time
		FROM repeat_offs WHERE trainer_id = ?
		ORDER BY id`), trainerID)
	if err != nil {
		return nil, fmt.Errorf("list repeat offs: %w", err)
	}
	return offs, nil
}

func (db *DB) deleteOwned(ctx context.Context, query string, args ...any) error {
	res, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
