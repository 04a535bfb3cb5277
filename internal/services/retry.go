package services

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const lockRetryBackoff = 50 * time.Millisecond

// withLockRetry reruns fn while it fails on lock contention. When attempts run
// out the contention is reported as exhausted, so callers see a domain error
// instead of a driver error.
func withLockRetry(ctx context.Context, attempts int, exhausted error, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !isLockContention(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * lockRetryBackoff):
		}
	}

	var tagged *contentionError
	if errors.As(err, &tagged) {
		exhausted = tagged.exhausted
	}
	if exhausted == nil {
		return err
	}
	return fmt.Errorf("%w: lock contention after %d attempts: %v", exhausted, attempts, err)
}

// contentionError names the domain error to report when contention on one
// particular row outlasts the retries.
type contentionError struct {
	exhausted error
	err       error
}

func (e *contentionError) Error() string { return e.err.Error() }

func (e *contentionError) Unwrap() error { return e.err }

// contendedOn tags lock contention in err with exhausted. Other errors pass
// through unchanged.
func contendedOn(err, exhausted error) error {
	if err == nil || !isLockContention(err) {
		return err
	}
	return &contentionError{exhausted: exhausted, err: err}
}
