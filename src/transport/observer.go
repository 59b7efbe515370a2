package transport

import (
	"context"
	"net"

	"go.brendoncarroll.net/stdctx/logctx"
)

// Observer is the application boundary of the loop.
// It is called synchronously from the loop goroutine and must not block.
type Observer interface {
	OnNewSession(h Handle, addr net.Addr)
	OnAppEvent(h Handle, ev AppEvent)
	OnStreamAccepted(h Handle, id StreamID)
	// OnStreamChunk is called with each chunk read from a stream.
	// The chunk is only valid for the duration of the call.
	OnStreamChunk(h Handle, id StreamID, chunk []byte)
	// OnStreamDrained is called when a stream has no more buffered data for now.
	OnStreamDrained(h Handle, id StreamID)
	OnSessionClosed(h Handle, reason error)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) OnNewSession(Handle, net.Addr) {}
func (NopObserver) OnAppEvent(Handle, AppEvent) {}
func (NopObserver) OnStreamAccepted(Handle, StreamID) {}
func (NopObserver) OnStreamChunk(Handle, StreamID, []byte) {}
func (NopObserver) OnStreamDrained(Handle, StreamID) {}
func (NopObserver) OnSessionClosed(Handle, error) {}

var _ Observer = NopObserver{}

// LogObserver logs every event to the logger in its context.
type LogObserver struct {
	ctx context.Context
}

func NewLogObserver(ctx context.Context) LogObserver {
	return LogObserver{ctx: ctx}
}

func (o LogObserver) OnNewSession(h Handle, addr net.Addr) {
	logctx.Infof(o.ctx, "new session handle=%d addr=%v", h, addr)
}

func (o LogObserver) OnAppEvent(h Handle, ev AppEvent) {
	switch ev.Kind {
	case EventConnected, EventConnectionLost:
		logctx.Infof(o.ctx, "handle=%d %v", h, ev)
	default:
		logctx.Debugf(o.ctx, "handle=%d %v", h, ev)
	}
}

func (o LogObserver) OnStreamAccepted(h Handle, id StreamID) {
	logctx.Infof(o.ctx, "handle=%d accepted stream %d", h, id)
}

func (o LogObserver) OnStreamChunk(h Handle, id StreamID, chunk []byte) {
	logctx.Infof(o.ctx, "handle=%d stream=%d chunk len=%d %q", h, id, len(chunk), chunk)
}

func (o LogObserver) OnStreamDrained(h Handle, id StreamID) {
	logctx.Debugf(o.ctx, "handle=%d stream=%d drained", h, id)
}

func (o LogObserver) OnSessionClosed(h Handle, reason error) {
	logctx.Infof(o.ctx, "handle=%d session closed: %v", h, reason)
}

// MultiObserver fans every call out to each of its members in order.
type MultiObserver []Observer

func (m MultiObserver) OnNewSession(h Handle, addr net.Addr) {
	for _, o := range m {
		o.OnNewSession(h, addr)
	}
}

func (m MultiObserver) OnAppEvent(h Handle, ev AppEvent) {
	for _, o := range m {
		o.OnAppEvent(h, ev)
	}
}

func (m MultiObserver) OnStreamAccepted(h Handle, id StreamID) {
	for _, o := range m {
		o.OnStreamAccepted(h, id)
	}
}

func (m MultiObserver) OnStreamChunk(h Handle, id StreamID, chunk []byte) {
	for _, o := range m {
		o.OnStreamChunk(h, id, chunk)
	}
}

func (m MultiObserver) OnStreamDrained(h Handle, id StreamID) {
	for _, o := range m {
		o.OnStreamDrained(h, id)
	}
}

func (m MultiObserver) OnSessionClosed(h Handle, reason error) {
	for _, o := range m {
		o.OnSessionClosed(h, reason)
	}
}
