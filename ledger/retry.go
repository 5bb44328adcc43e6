package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openalpha/clob-dex/errs"
)

// Retry runs fn with jittered exponential backoff while it keeps failing
// with a retryable kind (Conflict or TransientNetwork). Any other error
// stops the loop immediately. attempts bounds the number of retries, not
// counting the first call.
func Retry(ctx context.Context, attempts uint64, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	wrapped := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errs.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, attempts), ctx))
}
