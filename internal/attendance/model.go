package attendance

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionOpen   SessionStatus = "OPEN"
	SessionClosed SessionStatus = "CLOSED"
)

// RecordStatus classifies a student's attendance in one session.
type RecordStatus string

const (
	StatusPresent RecordStatus = "PRESENT"
	StatusLate    RecordStatus = "LATE"
	StatusAbsent  RecordStatus = "ABSENT"
)

// Valid reports whether s is a known status.
func (s RecordStatus) Valid() bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent:
		return true
	default:
		return false
	}
}

// Method records how an attendance record was produced.
type Method string

const (
	MethodBeaconScan Method = "beacon_scan"
	MethodSystem     Method = "system"
)

// Session is a time-boxed binding between a class meeting and a beacon.
type Session struct {
	ID        string        `json:"session_id"`
	ClassID   string        `json:"class_id"`
	RoomID    string        `json:"room_id"`
	BeaconID  string        `json:"beacon_id"`
	OwnerID   string        `json:"owner_id"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// ActiveAt reports whether the session is open and its window has not passed.
func (s Session) ActiveAt(now time.Time) bool {
	return s.Status == SessionOpen && !now.After(s.EndTime)
}

// ExpiredAt reports whether the session is still open but past its window.
func (s Session) ExpiredAt(now time.Time) bool {
	return s.Status == SessionOpen && now.After(s.EndTime)
}

// Snapshot returns the descriptive fields handed back with a check-in.
func (s Session) Snapshot() SessionSnapshot {
	return SessionSnapshot{
		SessionID: s.ID,
		ClassID:   s.ClassID,
		RoomID:    s.RoomID,
		ClassName: fmt.Sprintf("%s - %s", s.ClassID, s.RoomID),
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
	}
}

// SessionSnapshot is the read-only view of a session returned to students.
type SessionSnapshot struct {
	SessionID string    `json:"session_id"`
	ClassID   string    `json:"class_id"`
	RoomID    string    `json:"room_id"`
	ClassName string    `json:"class_name"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Record is one student's attendance in one session.
type Record struct {
	ID             string       `json:"record_id"`
	StudentID      string       `json:"student_id"`
	SessionID      string       `json:"session_id"`
	Timestamp      time.Time    `json:"timestamp"`
	Status         RecordStatus `json:"status"`
	Method         Method       `json:"method"`
	SignalStrength *float64     `json:"signal_strength,omitempty"`
	Distance       *float64     `json:"distance,omitempty"`
}

// StartRequest carries the inputs of StartSession.
type StartRequest struct {
	SessionID     string
	ClassID       string
	RoomID        string
	BeaconID      string
	OwnerID       string
	StartTime     time.Time
	WindowMinutes int
}

// CloseResult describes the outcome of EndSession.
type CloseResult struct {
	Session       Session
	AbsentCount   int
	AlreadyClosed bool
}

// CheckInRequest carries the inputs of CheckIn.
type CheckInRequest struct {
	StudentID      string
	BeaconID       string
	SignalStrength *float64
}

// CheckInResult is returned for both fresh and repeated check-ins.
type CheckInResult struct {
	Record           Record          `json:"record"`
	Session          SessionSnapshot `json:"session"`
	StudentName      string          `json:"student_name"`
	AlreadyCheckedIn bool            `json:"already_checked_in"`
}

// BeaconValidation is the result of the read-only beacon probe.
type BeaconValidation struct {
	Valid   bool     `json:"valid"`
	Message string   `json:"message"`
	Session *Session `json:"session,omitempty"`
}

// SessionRecords is a session together with its attendance records.
type SessionRecords struct {
	Session Session  `json:"session"`
	Records []Record `json:"records"`
}

// CountByStatus tallies records per status.
func (sr SessionRecords) CountByStatus(status RecordStatus) int {
	n := 0
	for _, r := range sr.Records {
		if r.Status == status {
			n++
		}
	}
	return n
}
