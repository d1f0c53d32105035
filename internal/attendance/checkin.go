package attendance

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

func checkInLockKey(beaconID, studentID string) string {
	return "checkin:" + beaconID + ":" + studentID
}

// CheckIn validates a beacon scan and records the student's attendance. A
// repeated check-in in the same session succeeds with AlreadyCheckedIn set.
func (s *Service) CheckIn(ctx context.Context, req CheckInRequest) (res CheckInResult, err error) {
	defer func() { observeCheckIn(err, res.AlreadyCheckedIn) }()

	req.StudentID = strings.TrimSpace(req.StudentID)
	req.BeaconID = strings.TrimSpace(req.BeaconID)
	if req.StudentID == "" || req.BeaconID == "" {
		return CheckInResult{}, validationError("missing student_id or beacon_id")
	}

	unlock, err := s.locker.Lock(ctx, checkInLockKey(req.BeaconID, req.StudentID))
	if err != nil {
		return CheckInResult{}, storeError("lock check-in", err)
	}
	defer unlock()

	sess, err := s.resolveBeacon(ctx, req.BeaconID)
	if err != nil {
		return CheckInResult{}, err
	}
	now := s.now()
	if err := checkWindow(sess, now); err != nil {
		return CheckInResult{}, err
	}

	var distance *float64
	if req.SignalStrength != nil {
		rssi := *req.SignalStrength
		if rssi < s.opts.MinSignalDBM {
			return CheckInResult{}, newError(ErrOutOfRange, "device too far (rssi weak)")
		}
		d := EstimateDistance(rssi, s.opts.TxPowerDBM, s.opts.PathLossExponent)
		distance = &d
	}

	if existing, ok, err := s.existingRecord(ctx, req.StudentID, sess.ID); err != nil {
		return CheckInResult{}, err
	} else if ok {
		if closedOut(existing) {
			return CheckInResult{}, newError(ErrSessionEnded, "")
		}
		return s.checkInResult(ctx, existing, sess, true), nil
	}

	rec := Record{
		ID:             uuid.NewString(),
		StudentID:      req.StudentID,
		SessionID:      sess.ID,
		Timestamp:      now,
		Status:         s.classify(sess, now),
		Method:         MethodBeaconScan,
		SignalStrength: req.SignalStrength,
		Distance:       distance,
	}
	err = s.retry(ctx, "create record", func(ctx context.Context) error {
		return s.records.CreateRecord(ctx, rec)
	})
	if errors.Is(err, ErrDuplicate) {
		// Another instance won the keyed insert; report what it stored.
		existing, ok, gerr := s.existingRecord(ctx, req.StudentID, sess.ID)
		if gerr != nil {
			return CheckInResult{}, gerr
		}
		if ok {
			if closedOut(existing) {
				return CheckInResult{}, newError(ErrSessionEnded, "")
			}
			return s.checkInResult(ctx, existing, sess, true), nil
		}
	}
	if err != nil {
		return CheckInResult{}, storeError("create record", err)
	}

	log.Printf("check-in accepted: student=%s session=%s status=%s", rec.StudentID, sess.ID, rec.Status)
	s.notify(ctx, Event{Type: EventCheckIn, SessionID: sess.ID, StudentID: rec.StudentID, Status: string(rec.Status), At: now})
	return s.checkInResult(ctx, rec, sess, false), nil
}

// closedOut reports whether rec was written by the absentee sweep, meaning the
// session closed before this check-in could land.
func closedOut(rec Record) bool {
	return rec.Status == StatusAbsent && rec.Method == MethodSystem
}

func (s *Service) checkInResult(ctx context.Context, rec Record, sess Session, already bool) CheckInResult {
	return CheckInResult{
		Record:           rec,
		Session:          sess.Snapshot(),
		StudentName:      s.studentName(ctx, rec.StudentID),
		AlreadyCheckedIn: already,
	}
}

func (s *Service) existingRecord(ctx context.Context, studentID, sessionID string) (Record, bool, error) {
	var rec Record
	err := s.retry(ctx, "get record", func(ctx context.Context) error {
		var err error
		rec, err = s.records.GetRecord(ctx, studentID, sessionID)
		return err
	})
	switch {
	case err == nil:
		return rec, true, nil
	case errors.Is(err, ErrNotFound):
		return Record{}, false, nil
	default:
		return Record{}, false, storeError("get record", err)
	}
}

// resolveBeacon returns the open session bound to beaconID. When stale data
// yields several candidates the most recently created one wins.
func (s *Service) resolveBeacon(ctx context.Context, beaconID string) (Session, error) {
	var open []Session
	err := s.retry(ctx, "open sessions by beacon", func(ctx context.Context) error {
		var err error
		open, err = s.sessions.OpenSessionsByBeacon(ctx, beaconID)
		return err
	})
	if err != nil {
		return Session{}, storeError("lookup beacon", err)
	}
	if len(open) == 0 {
		return Session{}, newError(ErrNoActiveSession, "")
	}
	sort.SliceStable(open, func(i, j int) bool {
		if !open[i].CreatedAt.Equal(open[j].CreatedAt) {
			return open[i].CreatedAt.After(open[j].CreatedAt)
		}
		return open[i].ID > open[j].ID
	})
	return open[0], nil
}

func checkWindow(sess Session, now time.Time) error {
	if now.Before(sess.StartTime) {
		return newError(ErrSessionNotStarted, "")
	}
	if now.After(sess.EndTime) {
		return newError(ErrSessionEnded, "")
	}
	return nil
}

// classify maps the check-in time onto PRESENT or LATE. ABSENT is reserved
// for the absentee sweep.
func (s *Service) classify(sess Session, now time.Time) RecordStatus {
	if !now.After(sess.StartTime.Add(s.opts.LateGrace)) {
		return StatusPresent
	}
	return StatusLate
}
