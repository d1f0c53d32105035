package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"beaconattend/internal/attendance"
)

const (
	pgUniqueViolation = "23505"
	openBeaconIndex   = "sessions_open_beacon_idx"
)

// Postgres persists sessions and attendance records.
type Postgres struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgres creates a store; every call is bounded by timeout.
func NewPostgres(db *sql.DB, timeout time.Duration) *Postgres {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Postgres{db: db, timeout: timeout}
}

const sessionColumns = `session_id, class_id, room_id, beacon_id, owner_id, start_time, end_time, status, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (attendance.Session, error) {
	var s attendance.Session
	var status string
	if err := row.Scan(&s.ID, &s.ClassID, &s.RoomID, &s.BeaconID, &s.OwnerID, &s.StartTime, &s.EndTime, &status, &s.CreatedAt); err != nil {
		return attendance.Session{}, err
	}
	s.Status = attendance.SessionStatus(status)
	s.StartTime = s.StartTime.UTC()
	s.EndTime = s.EndTime.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

// CreateSession inserts a session. The partial unique index on OPEN beacons
// turns a concurrent claim into ErrBeaconClaimed.
func (p *Postgres) CreateSession(ctx context.Context, s attendance.Session) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, s.ID, s.ClassID, s.RoomID, s.BeaconID, s.OwnerID, s.StartTime, s.EndTime, string(s.Status), s.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		if pgErr.ConstraintName == openBeaconIndex {
			return attendance.ErrBeaconClaimed
		}
		return attendance.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns a single session by id.
func (p *Postgres) GetSession(ctx context.Context, id string) (attendance.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Session{}, attendance.ErrNotFound
	}
	if err != nil {
		return attendance.Session{}, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// OpenSessionsByBeacon lists OPEN sessions on a beacon, newest first.
func (p *Postgres) OpenSessionsByBeacon(ctx context.Context, beaconID string) ([]attendance.Session, error) {
	return p.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE beacon_id = $1 AND status = 'OPEN'
		ORDER BY created_at DESC
	`, beaconID)
}

// ListOpenSessions lists every OPEN session.
func (p *Postgres) ListOpenSessions(ctx context.Context) ([]attendance.Session, error) {
	return p.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'OPEN'
		ORDER BY created_at DESC
	`)
}

func (p *Postgres) querySessions(ctx context.Context, query string, args ...any) ([]attendance.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()
	var res []attendance.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CloseSession flips an OPEN session to CLOSED. It reports false when the
// session was already closed and ErrNotFound when it does not exist.
func (p *Postgres) CloseSession(ctx context.Context, id string, endTime time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = 'CLOSED', end_time = $2
		WHERE session_id = $1 AND status = 'OPEN'
	`, id, endTime)
	if err != nil {
		return false, fmt.Errorf("close session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE session_id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("close session: %w", err)
	}
	if !exists {
		return false, attendance.ErrNotFound
	}
	return false, nil
}

const recordColumns = `record_id, student_id, session_id, recorded_at, status, method, signal_strength, distance_m`

func scanRecord(row rowScanner) (attendance.Record, error) {
	var r attendance.Record
	var status, method string
	var signal, distance sql.NullFloat64
	if err := row.Scan(&r.ID, &r.StudentID, &r.SessionID, &r.Timestamp, &status, &method, &signal, &distance); err != nil {
		return attendance.Record{}, err
	}
	r.Status = attendance.RecordStatus(status)
	r.Method = attendance.Method(method)
	r.Timestamp = r.Timestamp.UTC()
	if signal.Valid {
		r.SignalStrength = &signal.Float64
	}
	if distance.Valid {
		r.Distance = &distance.Float64
	}
	return r, nil
}

// CreateRecord inserts a record unless the student already has one in the
// session.
func (p *Postgres) CreateRecord(ctx context.Context, r attendance.Record) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO attendance_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (student_id, session_id) DO NOTHING
	`, r.ID, r.StudentID, r.SessionID, r.Timestamp, string(r.Status), string(r.Method), r.SignalStrength, r.Distance)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return attendance.ErrDuplicate
	}
	return nil
}

// GetRecord returns the record of a student in a session.
func (p *Postgres) GetRecord(ctx context.Context, studentID, sessionID string) (attendance.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	row := p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE student_id = $1 AND session_id = $2
	`, studentID, sessionID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Record{}, attendance.ErrNotFound
	}
	if err != nil {
		return attendance.Record{}, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

// RecordsBySession lists a session's records.
func (p *Postgres) RecordsBySession(ctx context.Context, sessionID string) ([]attendance.Record, error) {
	return p.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE session_id = $1
		ORDER BY recorded_at
	`, sessionID)
}

// RecordsByStudent lists a student's records.
func (p *Postgres) RecordsByStudent(ctx context.Context, studentID string) ([]attendance.Record, error) {
	return p.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE student_id = $1
		ORDER BY recorded_at DESC
	`, studentID)
}

func (p *Postgres) queryRecords(ctx context.Context, query string, args ...any) ([]attendance.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()
	var res []attendance.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}
