package attendance_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beaconattend/internal/attendance"
	"beaconattend/internal/store"
)

func TestStartSession_Validation(t *testing.T) {
	testCases := []struct {
		name     string
		req      attendance.StartRequest
		contains string
	}{
		{name: "Missing class", req: attendance.StartRequest{RoomID: "R1", BeaconID: "B1", OwnerID: "T1"}, contains: "class_id"},
		{name: "Missing room", req: attendance.StartRequest{ClassID: "C", BeaconID: "B1", OwnerID: "T1"}, contains: "room_id"},
		{name: "Blank beacon", req: attendance.StartRequest{ClassID: "C", RoomID: "R1", BeaconID: "  ", OwnerID: "T1"}, contains: "beacon_id"},
		{name: "Missing owner", req: attendance.StartRequest{ClassID: "C", RoomID: "R1", BeaconID: "B1"}, contains: "owner_id"},
		{name: "Negative window", req: attendance.StartRequest{ClassID: "C", RoomID: "R1", BeaconID: "B1", OwnerID: "T1", WindowMinutes: -3}, contains: "window_minutes"},
		{name: "Path in session id", req: attendance.StartRequest{SessionID: "x/../../../evil", ClassID: "C", RoomID: "R1", BeaconID: "B1", OwnerID: "T1"}, contains: "session_id"},
		{name: "Quote in session id", req: attendance.StartRequest{SessionID: `a"b`, ClassID: "C", RoomID: "R1", BeaconID: "B1", OwnerID: "T1"}, contains: "session_id"},
		{name: "Session id too long", req: attendance.StartRequest{SessionID: strings.Repeat("a", 65), ClassID: "C", RoomID: "R1", BeaconID: "B1", OwnerID: "T1"}, contains: "session_id"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			_, err := h.svc.StartSession(context.Background(), tc.req)
			require.ErrorIs(t, err, attendance.ErrValidation)
			assert.Equal(t, attendance.KindValidation, attendance.KindOf(err))
			assert.Contains(t, attendance.MessageOf(err), tc.contains)
		})
	}
}

func TestStartSession_WindowClamping(t *testing.T) {
	testCases := []struct {
		name     string
		minutes  int
		expected time.Duration
	}{
		{name: "Default window", minutes: 0, expected: 5 * time.Minute},
		{name: "Requested window", minutes: 30, expected: 30 * time.Minute},
		{name: "Clamped to max", minutes: 500, expected: 60 * time.Minute},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			sess := h.start(t, "B1", tc.minutes)
			assert.Equal(t, tc.expected, sess.EndTime.Sub(sess.StartTime))
			assert.Equal(t, attendance.SessionOpen, sess.Status)
			assert.NotEmpty(t, sess.ID)
			assert.True(t, sess.StartTime.Equal(t0))
		})
	}
}

func TestStartSession_ExplicitStartTimeAndID(t *testing.T) {
	h := newHarness(t, nil)
	later := t0.Add(10 * time.Minute)
	sess, err := h.svc.StartSession(context.Background(), attendance.StartRequest{
		SessionID: "lecture-1", ClassID: "CS101", RoomID: "R1", BeaconID: "B1", OwnerID: "T1",
		StartTime: later, WindowMinutes: 15,
	})
	require.NoError(t, err)
	assert.Equal(t, "lecture-1", sess.ID)
	assert.True(t, sess.StartTime.Equal(later))
	assert.True(t, sess.EndTime.Equal(later.Add(15*time.Minute)))
	assert.True(t, sess.CreatedAt.Equal(t0))

	_, err = h.svc.StartSession(context.Background(), attendance.StartRequest{
		SessionID: "lecture-1", ClassID: "CS101", RoomID: "R2", BeaconID: "B2", OwnerID: "T1",
	})
	require.Error(t, err)
	assert.Equal(t, attendance.KindConflict, attendance.KindOf(err))
}

func TestStartSession_OneOpenSessionPerBeacon(t *testing.T) {
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	started, inUse := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.StartSession(context.Background(), attendance.StartRequest{
				ClassID: "CS101", RoomID: "R1", BeaconID: "B1", OwnerID: "T1",
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				started++
				return
			}
			if assert.ErrorIs(t, err, attendance.ErrBeaconInUse) {
				inUse++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, started)
	assert.Equal(t, 19, inUse)

	open, err := h.mem.OpenSessionsByBeacon(context.Background(), "B1")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestStartSession_OtherBeaconsAreIndependent(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, "B1", 5)
	h.start(t, "B2", 5)

	active, err := h.svc.ActiveSessions(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestEndSession_ReleasesBeacon(t *testing.T) {
	h := newHarness(t, nil)
	first := h.start(t, "B1", 5)

	_, err := h.svc.StartSession(context.Background(), attendance.StartRequest{
		ClassID: "CS101", RoomID: "R1", BeaconID: "B1", OwnerID: "T1",
	})
	require.ErrorIs(t, err, attendance.ErrBeaconInUse)
	assert.Equal(t, attendance.KindConflict, attendance.KindOf(err))

	h.clock.Advance(time.Minute)
	res, err := h.svc.EndSession(context.Background(), first.ID)
	require.NoError(t, err)
	assert.False(t, res.AlreadyClosed)
	assert.Equal(t, attendance.SessionClosed, res.Session.Status)
	assert.True(t, res.Session.EndTime.Equal(t0.Add(time.Minute)))

	second := h.start(t, "B1", 5)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestStartSession_ReclaimsExpiredSession(t *testing.T) {
	h := newHarness(t, nil)
	first := h.start(t, "B1", 5)

	h.clock.Advance(6 * time.Minute)
	second := h.start(t, "B1", 5)
	assert.NotEqual(t, first.ID, second.ID)

	old, _, err := h.svc.SessionStatus(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, attendance.SessionClosed, old.Status)
	assert.True(t, old.EndTime.Equal(first.EndTime), "end time is capped at the scheduled end")
	assert.Len(t, h.notifier.ofType(attendance.EventSessionClosed), 1)
}

func TestEndSession_Idempotent(t *testing.T) {
	h := newHarness(t, staticRoster{"CS101": {"S1", "S2", "S3"}})
	sess := h.start(t, "B1", 10)

	h.clock.Advance(time.Minute)
	_, err := h.svc.CheckIn(context.Background(), attendance.CheckInRequest{StudentID: "S1", BeaconID: "B1"})
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	first, err := h.svc.EndSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.False(t, first.AlreadyClosed)
	assert.Equal(t, 2, first.AbsentCount)

	h.clock.Advance(time.Minute)
	second, err := h.svc.EndSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, second.AlreadyClosed)
	assert.Equal(t, 0, second.AbsentCount)
	assert.True(t, second.Session.EndTime.Equal(first.Session.EndTime))

	recs, err := h.svc.SessionRecords(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Len(t, recs.Records, 3)
	assert.Equal(t, 1, recs.CountByStatus(attendance.StatusPresent))
	assert.Equal(t, 2, recs.CountByStatus(attendance.StatusAbsent))
	for _, r := range recs.Records {
		if r.Status == attendance.StatusAbsent {
			assert.Equal(t, attendance.MethodSystem, r.Method)
			assert.True(t, r.Timestamp.Equal(first.Session.EndTime))
		}
	}

	closed := h.notifier.ofType(attendance.EventSessionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, 2, closed[0].AbsentCount)
}

func TestEndSession_ConcurrentCloseSweepsOnce(t *testing.T) {
	h := newHarness(t, staticRoster{"CS101": {"S1", "S2", "S3", "S4"}})
	sess := h.start(t, "B1", 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners, absentTotal := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.EndSession(context.Background(), sess.ID)
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if !res.AlreadyClosed {
				winners++
			}
			absentTotal += res.AbsentCount
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, 4, absentTotal)
	assert.Len(t, h.notifier.ofType(attendance.EventSessionClosed), 1)
}

func TestEndSession_RecordsCallTime(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.start(t, "B1", 5)

	h.clock.Advance(20 * time.Minute)
	res, err := h.svc.EndSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, res.Session.EndTime.Equal(t0.Add(20*time.Minute)))

	stored, _, err := h.svc.SessionStatus(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, stored.EndTime.Equal(t0.Add(20*time.Minute)))
}

func TestCloseExpired_KeepsScheduledEnd(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.start(t, "B1", 5)

	h.clock.Advance(20 * time.Minute)
	n, err := h.svc.CloseExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, _, err := h.svc.SessionStatus(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, stored.EndTime.Equal(sess.EndTime))
}

func TestStartSession_AcceptsSafeIDs(t *testing.T) {
	h := newHarness(t, nil)
	sess, err := h.svc.StartSession(context.Background(), attendance.StartRequest{
		SessionID: "CS101_2024-03-01", ClassID: "CS101", RoomID: "R1", BeaconID: "B1", OwnerID: "T1",
	})
	require.NoError(t, err)
	assert.Equal(t, "CS101_2024-03-01", sess.ID)
}

func TestEndSession_Errors(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.svc.EndSession(context.Background(), "missing")
	assert.ErrorIs(t, err, attendance.ErrSessionNotFound)
	assert.Equal(t, attendance.KindNotFound, attendance.KindOf(err))

	_, err = h.svc.EndSession(context.Background(), " ")
	assert.ErrorIs(t, err, attendance.ErrValidation)
}

func TestEndSession_UnknownClassSkipsAbsentees(t *testing.T) {
	h := newHarness(t, staticRoster{"MATH": {"S9"}})
	sess := h.start(t, "B1", 5)

	res, err := h.svc.EndSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.AbsentCount)

	recs, err := h.svc.SessionRecords(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Empty(t, recs.Records)
}

func TestStartSession_CreateIsNotRetried(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{Memory: mem, createFails: 1}
	svc := attendance.NewService(attendance.Deps{
		Sessions: flaky, Records: flaky, Locker: store.NewMemoryLocker(), Clock: &fakeClock{now: t0},
	}, testOptions())

	_, err := svc.StartSession(context.Background(), attendance.StartRequest{
		ClassID: "CS101", RoomID: "R1", BeaconID: "B1", OwnerID: "T1",
	})
	require.ErrorIs(t, err, attendance.ErrTransient)
	assert.Equal(t, 1, flaky.createCalls)
}

func TestEndSession_RetriesConditionalClose(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{Memory: mem, closeFailures: 2}
	clock := &fakeClock{now: t0}
	svc := attendance.NewService(attendance.Deps{
		Sessions: flaky, Records: flaky, Locker: store.NewMemoryLocker(), Clock: clock,
	}, testOptions())

	sess, err := svc.StartSession(context.Background(), attendance.StartRequest{
		ClassID: "CS101", RoomID: "R1", BeaconID: "B1", OwnerID: "T1",
	})
	require.NoError(t, err)

	res, err := svc.EndSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.False(t, res.AlreadyClosed)
}

func TestEndSession_CloseGivesUpAfterRetries(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{Memory: mem, closeFailures: 10}
	svc := attendance.NewService(attendance.Deps{
		Sessions: flaky, Records: flaky, Locker: store.NewMemoryLocker(), Clock: &fakeClock{now: t0},
	}, testOptions())

	sess, err := svc.StartSession(context.Background(), attendance.StartRequest{
		ClassID: "CS101", RoomID: "R1", BeaconID: "B1", OwnerID: "T1",
	})
	require.NoError(t, err)

	_, err = svc.EndSession(context.Background(), sess.ID)
	require.ErrorIs(t, err, attendance.ErrTransient)
	assert.Equal(t, attendance.KindTransient, attendance.KindOf(err))

	got, err := mem.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, attendance.SessionOpen, got.Status)
}
