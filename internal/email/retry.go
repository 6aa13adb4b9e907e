package email

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// SendWithRetry retries transient failures with exponential backoff, trying
// at most attempts times. Permanent errors stop the loop immediately.
func SendWithRetry(
	ctx context.Context,
	s Sender,
	msg Message,
	attempts int,
) error {

	operation := func() error {
		err := s.Send(ctx, msg)
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond

	bo := backoff.WithMaxRetries(b, uint64(attempts-1))

	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}
