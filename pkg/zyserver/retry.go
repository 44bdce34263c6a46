package zyserver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTransient marks failures worth retrying: connection errors against the
// platform are common and usually clear up within seconds.
var ErrTransient = errors.New("transient platform failure")

// ErrExhausted reports that a retried operation never stopped failing
// transiently within the attempt budget.
var ErrExhausted = errors.New("retries exhausted")

// RetryPolicy retries transient failures a bounded number of times with a
// fixed backoff between attempts.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Do runs op until it succeeds, fails non-transiently, the context is
// canceled, or the attempt budget runs out.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op()
		if err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff):
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, attempts, err)
}
