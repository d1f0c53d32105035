package attendance

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ActiveSessions lists open sessions whose window has not passed.
func (s *Service) ActiveSessions(ctx context.Context) ([]Session, error) {
	var open []Session
	err := s.retry(ctx, "list open sessions", func(ctx context.Context) error {
		var err error
		open, err = s.sessions.ListOpenSessions(ctx)
		return err
	})
	if err != nil {
		return nil, storeError("list open sessions", err)
	}
	now := s.now()
	active := make([]Session, 0, len(open))
	for _, sess := range open {
		if sess.ActiveAt(now) {
			active = append(active, sess)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.After(active[j].CreatedAt) })
	return active, nil
}

// SessionStatus returns a session and whether it is currently active.
func (s *Service) SessionStatus(ctx context.Context, sessionID string) (Session, bool, error) {
	sess, err := s.getSession(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return Session{}, false, err
	}
	return sess, sess.ActiveAt(s.now()), nil
}

// SessionRecords returns the session with its records in check-in order.
func (s *Service) SessionRecords(ctx context.Context, sessionID string) (SessionRecords, error) {
	sess, err := s.getSession(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return SessionRecords{}, err
	}
	var recs []Record
	err = s.retry(ctx, "records by session", func(ctx context.Context) error {
		var err error
		recs, err = s.records.RecordsBySession(ctx, sess.ID)
		return err
	})
	if err != nil {
		return SessionRecords{}, storeError("records by session", err)
	}
	sortRecords(recs)
	return SessionRecords{Session: sess, Records: recs}, nil
}

// StudentRecords returns every record of a student, newest first.
func (s *Service) StudentRecords(ctx context.Context, studentID string) ([]Record, error) {
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return nil, validationError("missing required field: student_id")
	}
	var recs []Record
	err := s.retry(ctx, "records by student", func(ctx context.Context) error {
		var err error
		recs, err = s.records.RecordsByStudent(ctx, studentID)
		return err
	})
	if err != nil {
		return nil, storeError("records by student", err)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.After(recs[j].Timestamp) })
	return recs, nil
}

// ValidateBeacon reports whether a check-in against beaconID would find a
// usable session right now. It never writes.
func (s *Service) ValidateBeacon(ctx context.Context, beaconID string) (BeaconValidation, error) {
	beaconID = strings.TrimSpace(beaconID)
	if beaconID == "" {
		return BeaconValidation{}, validationError("missing beacon_id")
	}
	sess, err := s.resolveBeacon(ctx, beaconID)
	if err != nil {
		if KindOf(err) == KindState {
			return BeaconValidation{Valid: false, Message: MessageOf(err)}, nil
		}
		return BeaconValidation{}, err
	}
	if err := checkWindow(sess, s.now()); err != nil {
		return BeaconValidation{Valid: false, Message: MessageOf(err), Session: &sess}, nil
	}
	return BeaconValidation{
		Valid:   true,
		Message: fmt.Sprintf("Valid session for %s in %s", sess.ClassID, sess.RoomID),
		Session: &sess,
	}, nil
}

func sortRecords(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].Timestamp.Before(recs[j].Timestamp)
		}
		return recs[i].StudentID < recs[j].StudentID
	})
}
