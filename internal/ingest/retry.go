package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/debugonezero/plug-memory/internal/vector"
)

// RetryPolicy bounds how often a failed store sub-batch is re-attempted.
// Only vector.ErrStoreUnavailable (which includes timeouts) is retryable;
// everything else returns immediately.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if !errors.Is(err, vector.ErrStoreUnavailable) {
			return err
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Backoff):
			}
		}
	}
	return err
}
