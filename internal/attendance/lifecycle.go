package attendance

import (
	"context"
	"errors"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	triggerManual  = "manual"
	triggerSweep   = "sweep"
	triggerReclaim = "reclaim"
)

// sessionIDPattern keeps caller-supplied ids safe to use in file names and
// headers.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func beaconLockKey(beaconID string) string { return "beacon:" + beaconID }

// StartSession opens a session on a beacon. The beacon check and the insert
// happen under a per-beacon lock, and the store insert is itself conditional.
func (s *Service) StartSession(ctx context.Context, req StartRequest) (Session, error) {
	req.ClassID = strings.TrimSpace(req.ClassID)
	req.RoomID = strings.TrimSpace(req.RoomID)
	req.BeaconID = strings.TrimSpace(req.BeaconID)
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	switch {
	case req.ClassID == "":
		return Session{}, validationError("missing required field: class_id")
	case req.RoomID == "":
		return Session{}, validationError("missing required field: room_id")
	case req.BeaconID == "":
		return Session{}, validationError("missing required field: beacon_id")
	case req.OwnerID == "":
		return Session{}, validationError("missing required field: owner_id")
	case req.WindowMinutes < 0:
		return Session{}, validationError("window_minutes must be positive")
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID != "" && !sessionIDPattern.MatchString(req.SessionID) {
		return Session{}, validationError("session_id must be 1-64 letters, digits, '-' or '_'")
	}

	now := s.now()
	start := req.StartTime.UTC()
	if req.StartTime.IsZero() {
		start = now
	}
	sess := Session{
		ID:        req.SessionID,
		ClassID:   req.ClassID,
		RoomID:    req.RoomID,
		BeaconID:  req.BeaconID,
		OwnerID:   req.OwnerID,
		StartTime: start,
		EndTime:   start.Add(s.window(req.WindowMinutes)),
		Status:    SessionOpen,
		CreatedAt: now,
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}

	unlock, err := s.locker.Lock(ctx, beaconLockKey(sess.BeaconID))
	if err != nil {
		return Session{}, storeError("lock beacon", err)
	}
	defer unlock()

	var open []Session
	err = s.retry(ctx, "open sessions by beacon", func(ctx context.Context) error {
		var err error
		open, err = s.sessions.OpenSessionsByBeacon(ctx, sess.BeaconID)
		return err
	})
	if err != nil {
		return Session{}, storeError("lookup beacon", err)
	}
	for _, existing := range open {
		if existing.ActiveAt(now) {
			return Session{}, newError(ErrBeaconInUse, "")
		}
		// Expired but never swept: close it so the beacon is released.
		if _, err := s.closeSession(ctx, existing, triggerReclaim); err != nil {
			return Session{}, err
		}
	}

	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		switch {
		case errors.Is(err, ErrBeaconClaimed):
			return Session{}, newError(ErrBeaconInUse, "")
		case errors.Is(err, ErrDuplicate):
			return Session{}, &Error{Kind: KindConflict, Code: "SESSION_EXISTS", Message: "a session with this id already exists"}
		}
		return Session{}, storeError("create session", err)
	}

	sessionsStarted.Inc()
	log.Printf("session started: id=%s class=%s room=%s beacon=%s window=%s",
		sess.ID, sess.ClassID, sess.RoomID, sess.BeaconID, sess.EndTime.Sub(sess.StartTime))
	return sess, nil
}

// window clamps the requested length to [1 minute, MaxWindow].
func (s *Service) window(minutes int) time.Duration {
	if minutes == 0 {
		return s.opts.DefaultWindow
	}
	d := time.Duration(minutes) * time.Minute
	if d < time.Minute {
		d = time.Minute
	}
	if d > s.opts.MaxWindow {
		d = s.opts.MaxWindow
	}
	return d
}

// EndSession closes a session. Ending an already closed session succeeds and
// reports the recorded end time.
func (s *Service) EndSession(ctx context.Context, sessionID string) (CloseResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return CloseResult{}, validationError("missing required field: session_id")
	}
	sess, err := s.getSession(ctx, sessionID)
	if err != nil {
		return CloseResult{}, err
	}
	if sess.Status == SessionClosed {
		return CloseResult{Session: sess, AlreadyClosed: true}, nil
	}
	return s.closeSession(ctx, sess, triggerManual)
}

// CloseExpired closes every open session whose window has passed and returns
// the number of sessions this call closed.
func (s *Service) CloseExpired(ctx context.Context) (int, error) {
	var open []Session
	err := s.retry(ctx, "list open sessions", func(ctx context.Context) error {
		var err error
		open, err = s.sessions.ListOpenSessions(ctx)
		return err
	})
	if err != nil {
		return 0, storeError("list open sessions", err)
	}

	now := s.now()
	closed := 0
	var firstErr error
	for _, sess := range open {
		if !sess.ExpiredAt(now) {
			continue
		}
		res, err := s.closeSession(ctx, sess, triggerSweep)
		if err != nil {
			log.Printf("sweep: close session %s failed: %v", sess.ID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !res.AlreadyClosed {
			closed++
		}
	}
	return closed, firstErr
}

// closeSession performs the conditional OPEN->CLOSED transition. Only the
// caller that wins the transition runs the absentee sweep. An explicit end
// records the call time; sweeps and reclaims keep the scheduled end.
func (s *Service) closeSession(ctx context.Context, sess Session, trigger string) (CloseResult, error) {
	endTime := s.now()
	if trigger != triggerManual && endTime.After(sess.EndTime) {
		endTime = sess.EndTime
	}

	var won bool
	err := s.retry(ctx, "close session", func(ctx context.Context) error {
		var err error
		won, err = s.sessions.CloseSession(ctx, sess.ID, endTime)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return CloseResult{}, newError(ErrSessionNotFound, "")
	}
	if err != nil {
		return CloseResult{}, storeError("close session", err)
	}
	if !won {
		current, err := s.getSession(ctx, sess.ID)
		if err != nil {
			return CloseResult{}, err
		}
		return CloseResult{Session: current, AlreadyClosed: true}, nil
	}

	sess.Status = SessionClosed
	sess.EndTime = endTime
	absent, err := s.markAbsentees(ctx, sess)
	if err != nil {
		// The session stays closed; missing ABSENT rows are reported, not rolled back.
		log.Printf("absentee sweep for session %s incomplete: %v", sess.ID, err)
	}

	sessionsClosed.WithLabelValues(trigger).Inc()
	log.Printf("session closed: id=%s beacon=%s trigger=%s absent=%d", sess.ID, sess.BeaconID, trigger, absent)
	s.notify(ctx, Event{Type: EventSessionClosed, SessionID: sess.ID, AbsentCount: absent, At: endTime})
	return CloseResult{Session: sess, AbsentCount: absent}, nil
}

// markAbsentees writes an ABSENT record for every enrolled student without a
// record in sess. Without a roster it does nothing.
func (s *Service) markAbsentees(ctx context.Context, sess Session) (int, error) {
	if s.roster == nil {
		return 0, nil
	}
	enrolled, err := s.roster.EnrolledStudents(ctx, sess.ClassID)
	if errors.Is(err, ErrRosterUnavailable) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, studentID := range enrolled {
		rec := Record{
			ID:        uuid.NewString(),
			StudentID: studentID,
			SessionID: sess.ID,
			Timestamp: sess.EndTime,
			Status:    StatusAbsent,
			Method:    MethodSystem,
		}
		err := s.retry(ctx, "create absent record", func(ctx context.Context) error {
			return s.records.CreateRecord(ctx, rec)
		})
		switch {
		case err == nil:
			marked++
		case errors.Is(err, ErrDuplicate):
		default:
			return marked, err
		}
	}
	absentMarked.Add(float64(marked))
	return marked, nil
}

func (s *Service) getSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := s.retry(ctx, "get session", func(ctx context.Context) error {
		var err error
		sess, err = s.sessions.GetSession(ctx, id)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return Session{}, newError(ErrSessionNotFound, "")
	}
	if err != nil {
		return Session{}, storeError("get session", err)
	}
	return sess, nil
}
