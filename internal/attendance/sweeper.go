package attendance

import (
	"context"
	"log"
	"time"
)

// Sweeper periodically closes expired sessions.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	timeout  time.Duration
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{svc: svc, interval: interval, timeout: interval}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (w *Sweeper) Run(ctx context.Context) {
	log.Printf("sweeper started, interval=%s", w.interval)
	w.SweepOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("sweeper stopped")
			return
		case <-ticker.C:
			w.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single cleanup pass bounded by the sweep interval.
func (w *Sweeper) SweepOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	started := time.Now()
	closed, err := w.svc.CloseExpired(ctx)
	sweepDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		log.Printf("sweep finished with errors: closed=%d: %v", closed, err)
		return closed
	}
	if closed > 0 {
		log.Printf("sweep closed %d expired session(s)", closed)
	}
	return closed
}
