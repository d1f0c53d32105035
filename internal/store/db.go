package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return &DB{Client: db}, db.PingContext(ctx)
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

// Healthy pings the database.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		class_id   TEXT NOT NULL,
		room_id    TEXT NOT NULL,
		beacon_id  TEXT NOT NULL,
		owner_id   TEXT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time   TIMESTAMPTZ NOT NULL,
		status     TEXT NOT NULL CHECK (status IN ('OPEN', 'CLOSED')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	// At most one OPEN session may hold a beacon.
	`CREATE UNIQUE INDEX IF NOT EXISTS ` + openBeaconIndex + ` ON sessions (beacon_id) WHERE status = 'OPEN'`,
	`CREATE INDEX IF NOT EXISTS sessions_beacon_created_idx ON sessions (beacon_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS attendance_records (
		record_id       TEXT PRIMARY KEY,
		student_id      TEXT NOT NULL,
		session_id      TEXT NOT NULL REFERENCES sessions (session_id),
		recorded_at     TIMESTAMPTZ NOT NULL,
		status          TEXT NOT NULL CHECK (status IN ('PRESENT', 'LATE', 'ABSENT')),
		method          TEXT NOT NULL,
		signal_strength DOUBLE PRECISION,
		distance_m      DOUBLE PRECISION,
		UNIQUE (student_id, session_id)
	)`,
	`CREATE INDEX IF NOT EXISTS attendance_records_session_idx ON attendance_records (session_id)`,
}

// Migrate creates the tables and indexes if they do not exist.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.Client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
