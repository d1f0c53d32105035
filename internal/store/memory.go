package store

import (
	"context"
	"sync"
	"time"

	"beaconattend/internal/attendance"
)

// Memory keeps sessions and records in process memory. It implements the same
// conditional-write contract as the SQL stores and is meant for development
// and single-instance deployments.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]attendance.Session
	records  map[recordKey]attendance.Record
}

type recordKey struct {
	studentID string
	sessionID string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]attendance.Session),
		records:  make(map[recordKey]attendance.Record),
	}
}

// CreateSession inserts s unless its id exists or its beacon is held by
// another OPEN session.
func (m *Memory) CreateSession(_ context.Context, s attendance.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return attendance.ErrDuplicate
	}
	if s.Status == attendance.SessionOpen {
		for _, existing := range m.sessions {
			if existing.BeaconID == s.BeaconID && existing.Status == attendance.SessionOpen {
				return attendance.ErrBeaconClaimed
			}
		}
	}
	m.sessions[s.ID] = s
	return nil
}

// GetSession returns a session by id.
func (m *Memory) GetSession(_ context.Context, id string) (attendance.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return attendance.Session{}, attendance.ErrNotFound
	}
	return s, nil
}

// OpenSessionsByBeacon lists OPEN sessions on a beacon.
func (m *Memory) OpenSessionsByBeacon(_ context.Context, beaconID string) ([]attendance.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []attendance.Session
	for _, s := range m.sessions {
		if s.BeaconID == beaconID && s.Status == attendance.SessionOpen {
			res = append(res, s)
		}
	}
	return res, nil
}

// ListOpenSessions lists every OPEN session.
func (m *Memory) ListOpenSessions(_ context.Context) ([]attendance.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []attendance.Session
	for _, s := range m.sessions {
		if s.Status == attendance.SessionOpen {
			res = append(res, s)
		}
	}
	return res, nil
}

// CloseSession flips an OPEN session to CLOSED.
func (m *Memory) CloseSession(_ context.Context, id string, endTime time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, attendance.ErrNotFound
	}
	if s.Status != attendance.SessionOpen {
		return false, nil
	}
	s.Status = attendance.SessionClosed
	s.EndTime = endTime
	m.sessions[id] = s
	return true, nil
}

// CreateRecord inserts r unless the student already has a record.
func (m *Memory) CreateRecord(_ context.Context, r attendance.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey{studentID: r.StudentID, sessionID: r.SessionID}
	if _, ok := m.records[key]; ok {
		return attendance.ErrDuplicate
	}
	m.records[key] = r
	return nil
}

// GetRecord returns the record of a student in a session.
func (m *Memory) GetRecord(_ context.Context, studentID, sessionID string) (attendance.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[recordKey{studentID: studentID, sessionID: sessionID}]
	if !ok {
		return attendance.Record{}, attendance.ErrNotFound
	}
	return r, nil
}

// RecordsBySession lists a session's records.
func (m *Memory) RecordsBySession(_ context.Context, sessionID string) ([]attendance.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []attendance.Record
	for k, r := range m.records {
		if k.sessionID == sessionID {
			res = append(res, r)
		}
	}
	return res, nil
}

// RecordsByStudent lists a student's records.
func (m *Memory) RecordsByStudent(_ context.Context, studentID string) ([]attendance.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []attendance.Record
	for k, r := range m.records {
		if k.studentID == studentID {
			res = append(res, r)
		}
	}
	return res, nil
}
