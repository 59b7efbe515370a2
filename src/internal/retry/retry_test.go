package retry

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"go.shoal.dev/shoal/src/transport"
	"go.shoal.dev/shoal/src/transport/transporttest"
)

func TestWhileUnanswered(t *testing.T) {
	ctx := transporttest.Context(t)
	var calls int
	err := Retry(ctx, func() error {
		calls++
		if calls < 3 {
			return errors.Wrap(transport.ErrTimedOut, "connecting")
		}
		return nil
	}, WhileUnanswered(ctx), WithBackoff(NewConstantBackoff(time.Millisecond)))
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestWhileUnansweredGivesUp(t *testing.T) {
	ctx := transporttest.Context(t)
	var calls int
	refused := errors.New("bad certificate")
	err := Retry(ctx, func() error {
		calls++
		return refused
	}, WhileUnanswered(ctx), WithBackoff(NewConstantBackoff(time.Millisecond)))
	require.ErrorIs(t, err, refused)
	require.Equal(t, 1, calls)
}
