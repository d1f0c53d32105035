package attendance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"beaconattend/internal/attendance"
	"beaconattend/internal/store"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticRoster map[string][]string

func (r staticRoster) EnrolledStudents(_ context.Context, classID string) ([]string, error) {
	ids, ok := r[classID]
	if !ok {
		return nil, attendance.ErrRosterUnavailable
	}
	return ids, nil
}

type staticDirectory map[string]string

func (d staticDirectory) StudentName(_ context.Context, id string) (string, bool) {
	name, ok := d[id]
	return name, ok
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []attendance.Event
}

func (n *recordingNotifier) Notify(_ context.Context, evt attendance.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
	return nil
}

func (n *recordingNotifier) ofType(typ string) []attendance.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []attendance.Event
	for _, e := range n.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// flakyStore fails a configured number of calls with a connection error.
type flakyStore struct {
	*store.Memory
	mu            sync.Mutex
	getFailures   int
	createFails   int
	getCalls      int
	createCalls   int
	closeFailures int
}

var errConnReset = errors.New("connection reset by peer")

func (f *flakyStore) GetRecord(ctx context.Context, studentID, sessionID string) (attendance.Record, error) {
	f.mu.Lock()
	f.getCalls++
	fail := f.getFailures > 0
	if fail {
		f.getFailures--
	}
	f.mu.Unlock()
	if fail {
		return attendance.Record{}, errConnReset
	}
	return f.Memory.GetRecord(ctx, studentID, sessionID)
}

func (f *flakyStore) CreateSession(ctx context.Context, s attendance.Session) error {
	f.mu.Lock()
	f.createCalls++
	fail := f.createFails > 0
	if fail {
		f.createFails--
	}
	f.mu.Unlock()
	if fail {
		return errConnReset
	}
	return f.Memory.CreateSession(ctx, s)
}

func (f *flakyStore) CloseSession(ctx context.Context, id string, end time.Time) (bool, error) {
	f.mu.Lock()
	fail := f.closeFailures > 0
	if fail {
		f.closeFailures--
	}
	f.mu.Unlock()
	if fail {
		return false, errConnReset
	}
	return f.Memory.CloseSession(ctx, id, end)
}

type harness struct {
	svc      *attendance.Service
	mem      *store.Memory
	clock    *fakeClock
	notifier *recordingNotifier
}

func testOptions() attendance.Options {
	opts := attendance.DefaultOptions()
	opts.RetryBackoff = time.Millisecond
	return opts
}

func newHarness(t *testing.T, roster attendance.Roster) *harness {
	t.Helper()
	mem := store.NewMemory()
	h := &harness{
		mem:      mem,
		clock:    &fakeClock{now: t0},
		notifier: &recordingNotifier{},
	}
	h.svc = attendance.NewService(attendance.Deps{
		Sessions:  mem,
		Records:   mem,
		Locker:    store.NewMemoryLocker(),
		Roster:    roster,
		Directory: staticDirectory{"S1": "Ada Lovelace"},
		Notifier:  h.notifier,
		Clock:     h.clock,
	}, testOptions())
	return h
}

func (h *harness) start(t *testing.T, beacon string, window int) attendance.Session {
	t.Helper()
	sess, err := h.svc.StartSession(context.Background(), attendance.StartRequest{
		ClassID: "CS101", RoomID: "R1", BeaconID: beacon, OwnerID: "T1", WindowMinutes: window,
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return sess
}

func ptr(f float64) *float64 { return &f }
