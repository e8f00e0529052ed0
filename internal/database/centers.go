package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ptschedule/internal/model"
)

// CreateCenter inserts a fitness center.
func (db *DB) CreateCenter(ctx context.Context, name string) (int64, error) {
	id, err := insertID(ctx, db, db.Rebind(`INSERT INTO fitness_centers (name) VALUES (?) RETURNING id`), name)
	if err != nil {
		return 0, fmt.Errorf("insert center: %w", err)
	}
	return id, nil
}

// GetCenter returns a center by id.
func (db *DB) GetCenter(ctx context.Context, id int64) (*model.FitnessCenter, error) {
	var c model.FitnessCenter
	err := db.GetContext(ctx, &c, db.Rebind(`SELECT id, name FROM fitness_centers WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateTrainer inserts a trainer, optionally assigned to a center.
func (db *DB) CreateTrainer(ctx context.Context, name string, centerID *int64) (int64, error) {
	id, err := insertID(ctx, db, db.Rebind(`INSERT INTO trainers (name, center_id) VALUES (?, ?) RETURNING id`), name, centerID)
	if err != nil {
		return 0, fmt.Errorf("insert trainer: %w", err)
	}
	return id, nil
}

// GetTrainer returns a trainer by id.
func (db *DB) GetTrainer(ctx context.Context, id int64) (*model.Trainer, error) {
	var t model.Trainer
	err := db.GetContext(ctx, &t, db.Rebind(`SELECT id, name, center_id FROM trainers WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListCenterTrainers returns every trainer assigned to the center.
func (db *DB) ListCenterTrainers(ctx context.Context, centerID int64) ([]model.Trainer, error) {
	var trainers []model.Trainer
	err := db.SelectContext(ctx, &trainers,
		db.Rebind(`SELECT id, name, center_id FROM trainers WHERE center_id = ? ORDER BY id`), centerID)
	return trainers, err
}
