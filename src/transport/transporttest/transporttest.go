// Package transporttest contains fakes for testing the transport loop without a real protocol engine.
package transporttest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"
)

// Context returns a context carrying a development logger.
func Context(t testing.TB) context.Context {
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	ctx := context.Background()
	ctx = logctx.NewContext(ctx, l)
	return ctx
}

// Addr is a net.Addr for tests.
type Addr string

func (a Addr) Network() string { return "test" }

func (a Addr) String() string { return string(a) }
