// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package reconcile

import (
	"context"
	"time"

	"github.com/tomtom215/watchsync/internal/logging"
)

// RetryPolicy bounds per-action retries.
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns 3 attempts starting at 1s, capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second}
}

// retryWithBackoff runs fn until it succeeds, the attempts run out or ctx
// is cancelled. It returns the number of attempts made and the last error.
func retryWithBackoff(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) (int, error) {
	attempts := max(1, p.Attempts)
	delay := p.InitialDelay

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return attempt, err
		}

		err = fn(ctx)
		if err == nil {
			return attempt + 1, nil
		}

		if attempt < attempts-1 {
			logging.Ctx(ctx).Warn().Err(err).Int("attempt", attempt+1).Int("max_attempts", attempts).
				Dur("delay", delay).Msg("Retry attempt")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return attempt + 1, err
			}
			delay *= 2
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
	}
	return attempts, err
}
