package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"beaconattend/internal/attendance"
)

type sessionRow struct {
	SessionID string    `gorm:"primaryKey;size:64"`
	ClassID   string    `gorm:"size:128;not null"`
	RoomID    string    `gorm:"size:128;not null"`
	BeaconID  string    `gorm:"size:128;not null;index:idx_sessions_beacon_created"`
	OwnerID   string    `gorm:"size:128;not null"`
	StartTime time.Time `gorm:"not null"`
	EndTime   time.Time `gorm:"not null"`
	Status    string    `gorm:"size:16;not null;index"`
	CreatedAt time.Time `gorm:"not null;index:idx_sessions_beacon_created"`
}

func (sessionRow) TableName() string { return "sessions" }

type recordRow struct {
	RecordID       string    `gorm:"primaryKey;size:64"`
	StudentID      string    `gorm:"size:64;not null;uniqueIndex:idx_records_student_session"`
	SessionID      string    `gorm:"size:64;not null;uniqueIndex:idx_records_student_session;index"`
	RecordedAt     time.Time `gorm:"not null"`
	Status         string    `gorm:"size:16;not null"`
	Method         string    `gorm:"size:32;not null"`
	SignalStrength *float64
	DistanceM      *float64
}

func (recordRow) TableName() string { return "attendance_records" }

func toSessionRow(s attendance.Session) sessionRow {
	return sessionRow{
		SessionID: s.ID,
		ClassID:   s.ClassID,
		RoomID:    s.RoomID,
		BeaconID:  s.BeaconID,
		OwnerID:   s.OwnerID,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		Status:    string(s.Status),
		CreatedAt: s.CreatedAt,
	}
}

func (r sessionRow) session() attendance.Session {
	return attendance.Session{
		ID:        r.SessionID,
		ClassID:   r.ClassID,
		RoomID:    r.RoomID,
		BeaconID:  r.BeaconID,
		OwnerID:   r.OwnerID,
		StartTime: r.StartTime.UTC(),
		EndTime:   r.EndTime.UTC(),
		Status:    attendance.SessionStatus(r.Status),
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func toRecordRow(r attendance.Record) recordRow {
	return recordRow{
		RecordID:       r.ID,
		StudentID:      r.StudentID,
		SessionID:      r.SessionID,
		RecordedAt:     r.Timestamp,
		Status:         string(r.Status),
		Method:         string(r.Method),
		SignalStrength: r.SignalStrength,
		DistanceM:      r.Distance,
	}
}

func (r recordRow) record() attendance.Record {
	return attendance.Record{
		ID:             r.RecordID,
		StudentID:      r.StudentID,
		SessionID:      r.SessionID,
		Timestamp:      r.RecordedAt.UTC(),
		Status:         attendance.RecordStatus(r.Status),
		Method:         attendance.Method(r.Method),
		SignalStrength: r.SignalStrength,
		Distance:       r.DistanceM,
	}
}

// SQLite is a gorm-backed store for single-node deployments.
type SQLite struct {
	db      *gorm.DB
	timeout time.Duration
}

// OpenSQLite opens (or creates) the database at dsn and migrates it.
func OpenSQLite(dsn string, timeout time.Duration) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	// SQLite allows one writer; a single connection avoids "database is locked".
	sqlDB.SetMaxOpenConns(1)

	s := NewSQLite(db, timeout)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an already opened gorm handle.
func NewSQLite(db *gorm.DB, timeout time.Duration) *SQLite {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &SQLite{db: db, timeout: timeout}
}

// Migrate creates tables and the partial unique index on OPEN beacons.
func (s *SQLite) Migrate() error {
	log.Println("running sqlite migrations...")
	if err := s.db.AutoMigrate(&sessionRow{}, &recordRow{}); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}
	if err := s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ` + openBeaconIndex + ` ON sessions (beacon_id) WHERE status = 'OPEN'`).Error; err != nil {
		return fmt.Errorf("create open beacon index: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLite) tx(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(ctx), cancel
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateSession inserts a session.
func (s *SQLite) CreateSession(ctx context.Context, sess attendance.Session) error {
	db, cancel := s.tx(ctx)
	defer cancel()

	row := toSessionRow(sess)
	err := db.Create(&row).Error
	if isUniqueViolation(err) {
		if strings.Contains(err.Error(), "sessions.beacon_id") {
			return attendance.ErrBeaconClaimed
		}
		return attendance.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns a session by id.
func (s *SQLite) GetSession(ctx context.Context, id string) (attendance.Session, error) {
	db, cancel := s.tx(ctx)
	defer cancel()

	var row sessionRow
	err := db.First(&row, "session_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return attendance.Session{}, attendance.ErrNotFound
	}
	if err != nil {
		return attendance.Session{}, fmt.Errorf("get session: %w", err)
	}
	return row.session(), nil
}

// OpenSessionsByBeacon lists OPEN sessions on a beacon, newest first.
func (s *SQLite) OpenSessionsByBeacon(ctx context.Context, beaconID string) ([]attendance.Session, error) {
	return s.findSessions(ctx, "beacon_id = ? AND status = ?", beaconID, string(attendance.SessionOpen))
}

// ListOpenSessions lists every OPEN session.
func (s *SQLite) ListOpenSessions(ctx context.Context) ([]attendance.Session, error) {
	return s.findSessions(ctx, "status = ?", string(attendance.SessionOpen))
}

func (s *SQLite) findSessions(ctx context.Context, query string, args ...any) ([]attendance.Session, error) {
	db, cancel := s.tx(ctx)
	defer cancel()

	var rows []sessionRow
	if err := db.Where(query, args...).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find sessions: %w", err)
	}
	res := make([]attendance.Session, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.session())
	}
	return res, nil
}

// CloseSession flips an OPEN session to CLOSED.
func (s *SQLite) CloseSession(ctx context.Context, id string, endTime time.Time) (bool, error) {
	db, cancel := s.tx(ctx)
	defer cancel()

	res := db.Model(&sessionRow{}).
		Where("session_id = ? AND status = ?", id, string(attendance.SessionOpen)).
		Updates(map[string]any{"status": string(attendance.SessionClosed), "end_time": endTime})
	if res.Error != nil {
		return false, fmt.Errorf("close session: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	var count int64
	if err := db.Model(&sessionRow{}).Where("session_id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("close session: %w", err)
	}
	if count == 0 {
		return false, attendance.ErrNotFound
	}
	return false, nil
}

// CreateRecord inserts a record unless the student already has one.
func (s *SQLite) CreateRecord(ctx context.Context, r attendance.Record) error {
	db, cancel := s.tx(ctx)
	defer cancel()

	row := toRecordRow(r)
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "student_id"}, {Name: "session_id"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return attendance.ErrDuplicate
		}
		return fmt.Errorf("insert record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return attendance.ErrDuplicate
	}
	return nil
}

// GetRecord returns the record of a student in a session.
func (s *SQLite) GetRecord(ctx context.Context, studentID, sessionID string) (attendance.Record, error) {
	db, cancel := s.tx(ctx)
	defer cancel()

	var row recordRow
	err := db.First(&row, "student_id = ? AND session_id = ?", studentID, sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return attendance.Record{}, attendance.ErrNotFound
	}
	if err != nil {
		return attendance.Record{}, fmt.Errorf("get record: %w", err)
	}
	return row.record(), nil
}

// RecordsBySession lists a session's records.
func (s *SQLite) RecordsBySession(ctx context.Context, sessionID string) ([]attendance.Record, error) {
	return s.findRecords(ctx, "recorded_at", "session_id = ?", sessionID)
}

// RecordsByStudent lists a student's records.
func (s *SQLite) RecordsByStudent(ctx context.Context, studentID string) ([]attendance.Record, error) {
	return s.findRecords(ctx, "recorded_at DESC", "student_id = ?", studentID)
}

func (s *SQLite) findRecords(ctx context.Context, order, query string, args ...any) ([]attendance.Record, error) {
	db, cancel := s.tx(ctx)
	defer cancel()

	var rows []recordRow
	if err := db.Where(query, args...).Order(order).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find records: %w", err)
	}
	res := make([]attendance.Record, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.record())
	}
	return res, nil
}
