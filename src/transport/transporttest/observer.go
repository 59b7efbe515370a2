package transporttest

import (
	"fmt"
	"net"
	"sync"

	"go.shoal.dev/shoal/src/transport"
)

// Observer records every call as a line of text.
// It is safe to read from another goroutine while a loop is running.
type Observer struct {
	mu     sync.Mutex
	events []string
	data   map[transport.Handle]map[transport.StreamID][]byte
	closed map[transport.Handle]error
}

var _ transport.Observer = &Observer{}

func (o *Observer) record(format string, args ...any) {
	o.events = append(o.events, fmt.Sprintf(format, args...))
}

func (o *Observer) OnNewSession(h transport.Handle, addr net.Addr) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.record("new %d", h)
}

func (o *Observer) OnAppEvent(h transport.Handle, ev transport.AppEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.record("event %d %v", h, ev.Kind)
}

func (o *Observer) OnStreamAccepted(h transport.Handle, id transport.StreamID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.record("accept %d %d", h, id)
}

func (o *Observer) OnStreamChunk(h transport.Handle, id transport.StreamID, chunk []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.record("chunk %d %d %s", h, id, chunk)
	if o.data == nil {
		o.data = make(map[transport.Handle]map[transport.StreamID][]byte)
	}
	if o.data[h] == nil {
		o.data[h] = make(map[transport.StreamID][]byte)
	}
	o.data[h][id] = append(o.data[h][id], chunk...)
}

func (o *Observer) OnStreamDrained(h transport.Handle, id transport.StreamID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.record("drained %d %d", h, id)
}

func (o *Observer) OnSessionClosed(h transport.Handle, reason error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.record("closed %d", h)
	if o.closed == nil {
		o.closed = make(map[transport.Handle]error)
	}
	o.closed[h] = reason
}

// Events returns a copy of everything recorded so far.
func (o *Observer) Events() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string{}, o.events...)
}

// StreamData returns all the data read from a stream so far.
func (o *Observer) StreamData(h transport.Handle, id transport.StreamID) []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]byte{}, o.data[h][id]...)
}

// ClosedReason returns the reason the session h was closed with, or nil.
func (o *Observer) ClosedReason(h transport.Handle) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed[h]
}

func (o *Observer) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = nil
}
