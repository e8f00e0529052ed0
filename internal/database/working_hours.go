package database

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"

	"ptschedule/internal/model"
)

// TrainerSync reports how many working hours a trainer received from its center.
type TrainerSync struct {
	TrainerID int64 `json:"trainer_id"`
	Hours     int   `json:"hours"`
}

// findOrCreateWorkingHour returns the id of the (day, open, close) triple,
// inserting it if absent.
func findOrCreateWorkingHour(ctx context.Context, tx *sqlx.Tx, wh model.WorkingHour) (int64, error) {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO working_hours (day_of_week, open_time, close_time)
		VALUES (?, ?, ?)
		ON CONFLICT (day_of_week, open_time, close_time) DO NOTHING`),
		wh.DayOfWeek, wh.OpenTime, wh.CloseTime,
	)
	if err != nil {
		return 0, fmt.Errorf("insert working hour: %w", err)
	}

	var id int64
	err = tx.GetContext(ctx, &id, tx.Rebind(`
		SELECT id FROM working_hours
		WHERE day_of_week = ? AND open_time = ? AND close_time = ?`),
		wh.DayOfWeek, wh.OpenTime, wh.CloseTime,
	)
	if err != nil {
		return 0, fmt.Errorf("select working hour: %w", err)
	}
	return id, nil
}

func sortWorkingHours(hours []model.WorkingHour) {
	sort.SliceStable(hours, func(i, j int) bool {
		a, b := hours[i], hours[j]
		if a.DayOfWeek != b.DayOfWeek {
			return a.DayOfWeek.Index() < b.DayOfWeek.Index()
		}
		return a.OpenTime < b.OpenTime
	})
}

// ListCenterWorkingHours returns the center's default weekly schedule.
func (db *DB) ListCenterWorkingHours(ctx context.Context, centerID int64) ([]model.WorkingHour, error) {
	return db.listWorkingHours(ctx, `
		SELECT wh.id, wh.day_of_week, wh.open_time, wh.close_time
		FROM working_hours wh
		JOIN center_working_hours cwh ON cwh.working_hour_id = wh.id
		WHERE cwh.center_id = ?`, centerID)
}

// ListTrainerWorkingHours returns the trainer's own working hours.
func (db *DB) ListTrainerWorkingHours(ctx context.Context, trainerID int64) ([]model.WorkingHour, error) {
	return db.listWorkingHours(ctx, `
		SELECT wh.id, wh.day_of_week, wh.open_time, wh.close_time
		FROM working_hours wh
		JOIN trainer_working_hours twh ON twh.working_hour_id = wh.id
		WHERE twh.trainer_id = ?`, trainerID)
}

func (db *DB) listWorkingHours(ctx context.Context, query string, id int64) ([]model.WorkingHour, error) {
	var hours []model.WorkingHour
	if err := db.SelectContext(ctx, &hours, db.Rebind(query), id); err != nil {
		return nil, fmt.Errorf("list working hours: %w", err)
	}
	sortWorkingHours(hours)
	return hours, nil
}

// CountWorkingHours returns the number of distinct working-hour rows.
func (db *DB) CountWorkingHours(ctx context.Context) (int, error) {
	var n int
	err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM working_hours`)
	return n, err
}

// ReplaceCenterWorkingHours replaces the center's full weekly schedule in one transaction.
func (db *DB) ReplaceCenterWorkingHours(ctx context.Context, centerID int64, hours []model.WorkingHour) ([]model.WorkingHour, error) {
	stored := make([]model.WorkingHour, 0, len(hours))
	err := db.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM center_working_hours WHERE center_id = ?`), centerID); err != nil {
			return fmt.Errorf("clear center hours: %w", err)
		}
		for _, wh := range hours {
			id, err := findOrCreateWorkingHour(ctx, tx, wh)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO center_working_hours (center_id, working_hour_id) VALUES (?, ?)
				ON CONFLICT DO NOTHING`), centerID, id); err != nil {
				return fmt.Errorf("link center hour: %w", err)
			}
			wh.ID = id
			stored = append(stored, wh)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortWorkingHours(stored)
	return stored, nil
}

// SyncCenterTrainers replaces every assigned trainer's hours with the center's
// current defaults in one transaction.
func (db *DB) SyncCenterTrainers(ctx context.Context, centerID int64) ([]TrainerSync, error) {
	var result []TrainerSync
	err := db.inTx(ctx, func(tx *sqlx.Tx) error {
		var hourIDs []int64
		if err := tx.SelectContext(ctx, &hourIDs, tx.Rebind(
			`SELECT working_hour_id FROM center_working_hours WHERE center_id = ? ORDER BY working_hour_id`), centerID); err != nil {
			return fmt.Errorf("list center hours: %w", err)
		}
		var trainerIDs []int64
		if err := tx.SelectContext(ctx, &trainerIDs, tx.Rebind(
			`SELECT id FROM trainers WHERE center_id = ? ORDER BY id`), centerID); err != nil {
			return fmt.Errorf("list center trainers: %w", err)
		}

		for _, trainerID := range trainerIDs {
			if err := relinkTrainer(ctx, tx, trainerID, hourIDs); err != nil {
				return err
			}
			result = append(result, TrainerSync{TrainerID: trainerID, Hours: len(hourIDs)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SyncTrainerFromCenter copies the trainer's center defaults onto the trainer.
func (db *DB) SyncTrainerFromCenter(ctx context.Context, trainerID, centerID int64) (int, error) {
	var n int
	err := db.inTx(ctx, func(tx *sqlx.Tx) error {
		var hourIDs []int64
		if err := tx.SelectContext(ctx, &hourIDs, tx.Rebind(
			`SELECT working_hour_id FROM center_working_hours WHERE center_id = ?`), centerID); err != nil {
			return fmt.Errorf("list center hours: %w", err)
		}
		n = len(hourIDs)
		return relinkTrainer(ctx, tx, trainerID, hourIDs)
	})
	return n, err
}

func relinkTrainer(ctx context.Context, tx *sqlx.Tx, trainerID int64, hourIDs []int64) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM trainer_working_hours WHERE trainer_id = ?`), trainerID); err != nil {
		return fmt.Errorf("clear trainer %d hours: %w", trainerID, err)
	}
	for _, id := range hourIDs {
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO trainer_working_hours (trainer_id, working_hour_id) VALUES (?, ?)`), trainerID, id); err != nil {
			return fmt.Errorf("link trainer %d hour: %w", trainerID, err)
		}
	}
	return nil
}

// AddTrainerWorkingHour links one working hour to the trainer.
func (db *DB) AddTrainerWorkingHour(ctx context.Context, trainerID int64, wh model.WorkingHour) (model.WorkingHour, error) {
	err := db.inTx(ctx, func(tx *sqlx.Tx) error {
		id, err := findOrCreateWorkingHour(ctx, tx, wh)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO trainer_working_hours (trainer_id, working_hour_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING`), trainerID, id); err != nil {
			return fmt.Errorf("link trainer hour: %w", err)
		}
		wh.ID = id
		return nil
	})
	return wh, err
}

// RemoveTrainerWorkingHour unlinks a working hour from the trainer. The shared
// working-hour row itself is kept.
func (db *DB) RemoveTrainerWorkingHour(ctx context.Context, trainerID, workingHourID int64) error {
	res, err := db.ExecContext(ctx, db.Rebind(
		`DELETE FROM trainer_working_hours WHERE trainer_id = ? AND working_hour_id = ?`), trainerID, workingHourID)
	if err != nil {
		return fmt.Errorf("unlink trainer hour: %w", err)
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

// ReplaceTrainerDayHours replaces the trainer's hours for one weekday.
func (db *DB) ReplaceTrainerDayHours(ctx context.Context, trainerID int64, day model.Weekday, hours []model.WorkingHour) ([]model.WorkingHour, error) {
	stored := make([]model.WorkingHour, 0, len(hours))
	err := db.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM trainer_working_hours
			WHERE trainer_id = ?
			AND working_hour_id IN (SELECT id FROM working_hours WHERE day_of_week = ?)`), trainerID, day); err != nil {
			return fmt.Errorf("clear trainer day hours: %w", err)
		}
		for _, wh := range hours {
			id, err := findOrCreateWorkingHour(ctx, tx, wh)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO trainer_working_hours (trainer_id, working_hour_id) VALUES (?, ?)
				ON CONFLICT DO NOTHING`), trainerID, id); err != nil {
				return fmt.Errorf("link trainer hour: %w", err)
			}
			wh.ID = id
			stored = append(stored, wh)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortWorkingHours(stored)
	return stored, nil
}
