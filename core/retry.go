package core

import (
	"context"
	"time"

	"github.com/sisu-network/lib/log"

	"github.com/sisu-network/dvault/types"
)

// RetryPolicy retries transient failures with a flat backoff. Only
// ErrTransientNetwork is retried here: event timeouts belong to the
// recovery path and everything else is either terminal or a caller bug.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     time.Second * 2,
	}
}

func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if types.KindOf(err) != types.ErrTransientNetwork {
			return err
		}

		if attempt < p.MaxAttempts {
			log.Warnf("%s failed (attempt %d/%d), err = %s", op, attempt, p.MaxAttempts, err)
			select {
			case <-time.After(p.Backoff):
			case <-ctx.Done():
				return err
			}
		}
	}

	return err
}
