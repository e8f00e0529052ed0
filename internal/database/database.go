// Package database persists the scheduling core on sqlite (default) or Postgres.
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStateConflict is returned when a guarded update finds the row in another state.
	ErrStateConflict = errors.New("row is not in the expected state")
	// ErrPendingExists is returned when a record already has a pending change request.
	ErrPendingExists = errors.New("pending change request exists")
	// ErrExpired is returned when a pending change request has passed its deadline.
	ErrExpired = errors.New("change request expired")
	// ErrScheduleConflict is returned when a write would overlap a confirmed session of the same trainer.
	ErrScheduleConflict = errors.New("overlaps a confirmed session")
)

// DB wraps sqlx.DB for the scheduling store.
type DB struct {
	*sqlx.DB
	driver string
	path   string
}

// Open connects to the store and runs migrations.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	if driver == "" {
		driver = DriverSQLite
	}
	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == DriverSQLite {
		// sqlite allows a single writer; serialize through one connection.
		conn.SetMaxOpenConns(1)
		if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	db := &DB{DB: conn, driver: driver, path: dsn}
	if err := db.Migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// New wraps an existing connection without running migrations.
func New(conn *sqlx.DB) *DB {
	return &DB{DB: conn, driver: conn.DriverName()}
}

// Driver returns the driver name.
func (db *DB) Driver() string { return db.driver }

// Migrate creates the schema if it does not exist.
func (db *DB) Migrate(ctx context.Context) error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if db.driver == DriverPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS fitness_centers (
			id {{pk}},
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trainers (
			id {{pk}},
			name TEXT NOT NULL,
			center_id BIGINT REFERENCES fitness_centers(id)
		)`,
		`CREATE TABLE IF NOT EXISTS working_hours (
			id {{pk}},
			day_of_week TEXT NOT NULL,
			open_time INTEGER NOT NULL,
			close_time INTEGER NOT NULL,
			UNIQUE (day_of_week, open_time, close_time)
		)`,
		`CREATE TABLE IF NOT EXISTS center_working_hours (
			center_id BIGINT NOT NULL REFERENCES fitness_centers(id),
			working_hour_id BIGINT NOT NULL REFERENCES working_hours(id),
			PRIMARY KEY (center_id, working_hour_id)
		)`,
		`CREATE TABLE IF NOT EXISTS trainer_working_hours (
			trainer_id BIGINT NOT NULL REFERENCES trainers(id),
			working_hour_id BIGINT NOT NULL REFERENCES working_hours(id),
			PRIMARY KEY (trainer_id, working_hour_id)
		)`,
		`CREATE TABLE IF NOT EXISTS trainer_offs (
			id {{pk}},
			trainer_id BIGINT NOT NULL,
			off_date TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS repeat_offs (
			id {{pk}},
			trainer_id BIGINT NOT NULL,
			week_day TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pts (
			id {{pk}},
			member_id BIGINT NOT NULL,
			trainer_id BIGINT NOT NULL,
			pt_product_id BIGINT NOT NULL,
			state TEXT NOT NULL DEFAULT 'PENDING',
			trainer_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			is_regular BOOLEAN NOT NULL DEFAULT FALSE,
			start_date TEXT NOT NULL,
			total_count INTEGER NOT NULL DEFAULT 0,
			description TEXT NOT NULL DEFAULT '',
			reject_reason TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pt_week_times (
			id {{pk}},
			pt_id BIGINT NOT NULL REFERENCES pts(id),
			week_day TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pt_schedules (
			id {{pk}},
			pt_id BIGINT NOT NULL REFERENCES pts(id),
			trainer_id BIGINT NOT NULL,
			session_date TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pt_records (
			id {{pk}},
			pt_id BIGINT NOT NULL REFERENCES pts(id),
			pt_schedule_id BIGINT NOT NULL UNIQUE REFERENCES pt_schedules(id)
		)`,
		`CREATE TABLE IF NOT EXISTS pt_record_items (
			id {{pk}},
			pt_record_id BIGINT NOT NULL REFERENCES pt_records(id),
			title TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schedule_change_requests (
			id {{pk}},
			pt_record_id BIGINT NOT NULL REFERENCES pt_records(id),
			requestor_role TEXT NOT NULL,
			requestor_id BIGINT NOT NULL,
			original_date TEXT NOT NULL,
			original_start INTEGER NOT NULL,
			original_end INTEGER NOT NULL,
			requested_date TEXT NOT NULL,
			requested_start INTEGER NOT NULL,
			requested_end INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'PENDING',
			responder_id BIGINT,
			response_message TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			responded_at BIGINT,
			expires_at BIGINT NOT NULL
		)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS ux_change_requests_pending ON schedule_change_requests(pt_record_id) WHERE state = 'PENDING'`,
		`CREATE INDEX IF NOT EXISTS idx_trainers_center ON trainers(center_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trainer_offs_date ON trainer_offs(trainer_id, off_date)`,
		`CREATE INDEX IF NOT EXISTS idx_repeat_offs_trainer ON repeat_offs(trainer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_pts_trainer_state ON pts(trainer_id, state)`,
		`CREATE INDEX IF NOT EXISTS idx_pts_member ON pts(member_id)`,
		`CREATE INDEX IF NOT EXISTS idx_pt_schedules_trainer_date ON pt_schedules(trainer_id, session_date)`,
		`CREATE INDEX IF NOT EXISTS idx_pt_record_items_record ON pt_record_items(pt_record_id)`,
		`CREATE INDEX IF NOT EXISTS idx_change_requests_record ON schedule_change_requests(pt_record_id)`,
	}

	for _, q := range queries {
		q = strings.ReplaceAll(q, "{{pk}}", pk)
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("exec migration %s: %w", trimSQL(q), err)
		}
	}
	return nil
}

func trimSQL(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}

// inTx runs fn inside a transaction, rolling back on any error.
func (db *DB) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// insertID runs an INSERT ... RETURNING id statement.
func insertID(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (int64, error) {
	var id int64
	if err := q.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func unix(t time.Time) int64 {
	return t.UTC().Unix()
}

func fromUnix(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}
