package assessment

import (
	"context"
	"time"
)

// MaxTxAttempts bounds how often RunTx retries a transaction that lost a race.
const MaxTxAttempts = 3

// RunTx runs fn in a transaction, retrying on ErrConcurrentModification.
// After MaxTxAttempts the conflict surfaces as an InternalError.
func RunTx(ctx context.Context, store Store, fn func(Tx) error) error {
	var err error
	for attempt := 1; attempt <= MaxTxAttempts; attempt++ {
		err = store.WithTx(ctx, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return &InternalError{Op: "transaction retries exhausted", Err: err}
}
