package attendance

import (
	"context"
	"errors"
	"log"
	"time"
)

// retry runs fn up to s.opts.Retries times while it keeps failing with an
// unexpected store error. Sentinel store errors end the loop immediately.
// Only idempotent calls (reads, keyed conditional writes) may go through here.
func (s *Service) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := s.opts.RetryBackoff
	var err error
	for attempt := 1; attempt <= s.opts.Retries; attempt++ {
		err = fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == s.opts.Retries {
			break
		}
		log.Printf("store op %s failed (attempt %d/%d): %v", op, attempt, s.opts.Retries, err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDuplicate), errors.Is(err, ErrBeaconClaimed):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return true
}
