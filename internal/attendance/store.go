package attendance

import (
	"context"
	"time"
)

// SessionStore persists sessions. Implementations must make CreateSession and
// CloseSession conditional writes.
type SessionStore interface {
	// CreateSession inserts s. It returns ErrBeaconClaimed when another OPEN
	// session holds the same beacon and ErrDuplicate when the id exists.
	CreateSession(ctx context.Context, s Session) error
	// GetSession returns ErrNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (Session, error)
	// OpenSessionsByBeacon lists OPEN sessions bound to beaconID.
	OpenSessionsByBeacon(ctx context.Context, beaconID string) ([]Session, error)
	// ListOpenSessions lists every OPEN session.
	ListOpenSessions(ctx context.Context) ([]Session, error)
	// CloseSession flips the session to CLOSED only if it is still OPEN and
	// reports whether this call performed the transition.
	CloseSession(ctx context.Context, id string, endTime time.Time) (bool, error)
}

// RecordStore persists attendance records.
type RecordStore interface {
	// CreateRecord inserts r unless a record for (StudentID, SessionID)
	// exists, in which case it returns ErrDuplicate.
	CreateRecord(ctx context.Context, r Record) error
	// GetRecord returns ErrNotFound when the student has no record.
	GetRecord(ctx context.Context, studentID, sessionID string) (Record, error)
	RecordsBySession(ctx context.Context, sessionID string) ([]Record, error)
	RecordsByStudent(ctx context.Context, studentID string) ([]Record, error)
}

// Locker provides mutual exclusion keyed by string.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Roster lists the students enrolled in a class.
type Roster interface {
	EnrolledStudents(ctx context.Context, classID string) ([]string, error)
}

// Directory resolves student display names.
type Directory interface {
	StudentName(ctx context.Context, studentID string) (string, bool)
}

// Event is published after state changes for asynchronous consumers.
type Event struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"session_id"`
	StudentID   string    `json:"student_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	AbsentCount int       `json:"absent_count,omitempty"`
	At          time.Time `json:"at"`
}

const (
	EventCheckIn       = "checkin.accepted"
	EventSessionClosed = "session.closed"
)

// Notifier publishes events. Publishing is best effort.
type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}
