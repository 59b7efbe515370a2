package shoalclient

import (
	"context"

	"github.com/pkg/errors"
	"go.brendoncarroll.net/stdctx/logctx"
)

var (
	SmokeMessage     = []byte("Hello, World!")
	SmokeCloseReason = []byte("done")
)

const SmokeCloseCode = 0

// RunSmoke connects to a server, sends SmokeMessage on a fresh stream, closes the
// connection with SmokeCloseCode and SmokeCloseReason, and waits for the teardown.
func RunSmoke(ctx context.Context, cfg Config) error {
	c, err := Dial(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "connecting")
	}
	defer c.Shutdown()
	logctx.Infof(ctx, "connected to %v", c.RemoteAddr())

	id, err := c.OpenBidi(ctx)
	if err != nil {
		return errors.Wrap(err, "opening stream")
	}
	if err := c.Write(ctx, id, SmokeMessage); err != nil {
		return errors.Wrap(err, "writing")
	}
	if err := c.Finish(ctx, id); err != nil {
		return errors.Wrap(err, "finishing stream")
	}
	logctx.Infof(ctx, "sent %q on stream %d", SmokeMessage, id)
	if err := c.Close(ctx, SmokeCloseCode, SmokeCloseReason); err != nil {
		return err
	}
	if err := c.WaitIdle(ctx); err != nil {
		return errors.Wrap(err, "closing")
	}
	logctx.Infof(ctx, "connection closed")
	return nil
}
