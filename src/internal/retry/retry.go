// Package retry repeats an operation until it succeeds or its context is done.
package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.brendoncarroll.net/p2p/s/swarmutil/retry"
	"go.brendoncarroll.net/stdctx/logctx"

	"go.shoal.dev/shoal/src/transport"
)

type RetryOption = retry.RetryOption

func Retry(ctx context.Context, fn func() error, opts ...RetryOption) error {
	return retry.Retry(ctx, fn, opts...)
}

func WithBackoff(bf retry.BackoffFunc) RetryOption {
	return retry.WithBackoff(bf)
}

func NewConstantBackoff(d time.Duration) retry.BackoffFunc {
	return retry.NewConstantBackoff(d)
}

func WithPredicate(fn func(error) bool) RetryOption {
	return retry.WithPredicate(fn)
}

// WhileUnanswered retries only connections which timed out, as they do when no server is listening yet.
// Any other error ends the retries.
func WhileUnanswered(ctx context.Context) RetryOption {
	return WithPredicate(func(err error) bool {
		if !errors.Is(err, transport.ErrTimedOut) {
			return false
		}
		logctx.Infof(ctx, "no answer, retrying: %v", err)
		return true
	})
}
