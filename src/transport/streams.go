package transport

import (
	"context"

	"go.brendoncarroll.net/stdctx/logctx"
)

// drainStreams accepts every pending incoming bidirectional stream, then reads each of them
// until nothing more is buffered.
// Streams accepted in an earlier cycle are read again when an application event in this cycle
// reported them readable.
// The ids are collected before any stream is read so the accept cursor is never advanced
// while streams are being read.
func (c *cycle) drainStreams(ctx context.Context) {
	ids := acceptStreams(c.ent.Session)
	for _, id := range ids {
		c.loop.metrics.StreamsAccepted.Inc()
		c.loop.obs.OnStreamAccepted(c.h, id)
	}
	drained := make(map[StreamID]struct{}, len(ids))
	for _, id := range append(ids, c.readable...) {
		if _, done := drained[id]; done {
			continue
		}
		drained[id] = struct{}{}
		if err := c.drainStream(id); err != nil {
			c.failStream(ctx, id, err)
			return
		}
	}
}

func acceptStreams(s Session) []StreamID {
	var ids []StreamID
	for {
		id, ok := s.AcceptBidiStream()
		if !ok {
			return ids
		}
		ids = append(ids, id)
	}
}

// drainStream reads one stream until it is exhausted for now.
func (c *cycle) drainStream(id StreamID) error {
	rs, err := c.ent.Session.ReadStream(id)
	if err != nil {
		return err
	}
	for {
		chunk, ok, err := rs.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		c.loop.metrics.StreamChunks.Inc()
		c.loop.metrics.StreamBytes.Add(float64(len(chunk)))
		c.loop.obs.OnStreamChunk(c.h, id, chunk)
	}
	c.loop.obs.OnStreamDrained(c.h, id)
	return nil
}

// failStream turns a stream read error into the loss of the whole session.
// The peer is told, if the session supports being closed, and the session is marked terminal.
func (c *cycle) failStream(ctx context.Context, id StreamID, err error) {
	reason := StreamReadError{ID: id, Err: err}
	logctx.Warnf(ctx, "handle=%d closing session: %v", c.h, reason)
	if closer, ok := c.ent.Session.(Closer); ok {
		closer.Close(c.now, CodeStreamReadFailed, []byte("stream read failed"))
		c.drainTransmit(ctx)
		// let the engine release whatever it holds for the handle.
		for c.propagateEndpointEvent() {
			c.drainTransmit(ctx)
		}
	}
	c.markTerminal(reason)
}
