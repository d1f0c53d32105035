package attendance

import (
	"context"
	"log"
	"time"
)

// Options tunes the session and check-in rules.
type Options struct {
	DefaultWindow    time.Duration
	MaxWindow        time.Duration
	LateGrace        time.Duration
	MinSignalDBM     float64
	TxPowerDBM       float64
	PathLossExponent float64
	Retries          int
	RetryBackoff     time.Duration
}

// DefaultOptions mirrors the production defaults.
func DefaultOptions() Options {
	return Options{
		DefaultWindow:    5 * time.Minute,
		MaxWindow:        60 * time.Minute,
		LateGrace:        15 * time.Minute,
		MinSignalDBM:     -75,
		TxPowerDBM:       -59,
		PathLossExponent: 2,
		Retries:          3,
		RetryBackoff:     50 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DefaultWindow <= 0 {
		o.DefaultWindow = d.DefaultWindow
	}
	if o.MaxWindow <= 0 {
		o.MaxWindow = d.MaxWindow
	}
	if o.DefaultWindow > o.MaxWindow {
		o.DefaultWindow = o.MaxWindow
	}
	if o.LateGrace < 0 {
		o.LateGrace = d.LateGrace
	}
	if o.MinSignalDBM == 0 {
		o.MinSignalDBM = d.MinSignalDBM
	}
	if o.TxPowerDBM == 0 {
		o.TxPowerDBM = d.TxPowerDBM
	}
	if o.PathLossExponent <= 0 {
		o.PathLossExponent = d.PathLossExponent
	}
	if o.Retries <= 0 {
		o.Retries = 1
	}
	return o
}

// Deps are the collaborators of the Service. Sessions, Records and Locker are
// required; the rest are optional.
type Deps struct {
	Sessions  SessionStore
	Records   RecordStore
	Locker    Locker
	Roster    Roster
	Directory Directory
	Notifier  Notifier
	Clock     Clock
}

// Service coordinates session lifecycle and check-ins.
type Service struct {
	sessions  SessionStore
	records   RecordStore
	locker    Locker
	roster    Roster
	directory Directory
	notifier  Notifier
	clock     Clock
	opts      Options
}

// NewService creates a service backed by the given stores.
func NewService(deps Deps, opts Options) *Service {
	clock := deps.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return &Service{
		sessions:  deps.Sessions,
		records:   deps.Records,
		locker:    deps.Locker,
		roster:    deps.Roster,
		directory: deps.Directory,
		notifier:  deps.Notifier,
		clock:     clock,
		opts:      opts.withDefaults(),
	}
}

// Options returns the effective options.
func (s *Service) Options() Options { return s.opts }

func (s *Service) now() time.Time { return s.clock.Now().UTC() }

func (s *Service) studentName(ctx context.Context, studentID string) string {
	if s.directory != nil {
		if name, ok := s.directory.StudentName(ctx, studentID); ok && name != "" {
			return name
		}
	}
	return "Student " + studentID
}

// StudentName resolves a display name, falling back to "Student <id>".
func (s *Service) StudentName(ctx context.Context, studentID string) string {
	return s.studentName(ctx, studentID)
}

func (s *Service) notify(ctx context.Context, evt Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, evt); err != nil {
		log.Printf("event publish failed: type=%s session=%s: %v", evt.Type, evt.SessionID, err)
	}
}
