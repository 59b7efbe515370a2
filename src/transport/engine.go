// Package transport multiplexes many secure stream sessions over a single UDP socket.
//
// A Loop owns the socket and the table of live sessions. Every inbound datagram is
// routed by an Engine, and the session it belongs to is driven through a fixed-order
// poll cycle before the next datagram is read. Sessions are never driven concurrently
// with themselves: a session is removed from the table for the duration of its cycle.
package transport

import (
	"net"
	"time"
)

// Handle identifies one session for its whole lifetime.
// Handles are assigned by the Engine and are never reused while the session is live.
type Handle uint64

// StreamID identifies a stream within a single session.
type StreamID uint64

// ConnectionEvent is an engine-defined event addressed to a single session.
// The loop never inspects it, it only hands it back to the session.
type ConnectionEvent interface{}

// EndpointEvent is an engine-defined event raised by a session that concerns the
// shared endpoint rather than the session itself.
type EndpointEvent interface{}

// Transmit is a datagram queued by a session.
// If Dst is nil the datagram is sent to the peer address of the current cycle.
type Transmit struct {
	Contents []byte
	Dst      net.Addr
}

// Outcome is the result of routing a datagram.
// Exactly one of NewSession and Event is set.
type Outcome struct {
	NewSession Session
	Event      ConnectionEvent
}

// Engine routes datagrams to sessions and handles endpoint-scoped events.
// All methods are synchronous and must not block.
type Engine interface {
	// Route presents a datagram to the engine.
	// It returns false if the datagram should be ignored.
	Route(now time.Time, from net.Addr, datagram []byte) (Handle, Outcome, bool)
	// HandleEndpointEvent processes an event raised by the session h.
	// It may return a connection event which must be applied to that session.
	HandleEndpointEvent(h Handle, ev EndpointEvent) (ConnectionEvent, bool)
}

// Session is the protocol state for a single peer.
// All methods are synchronous and must not block.
type Session interface {
	ApplyEvent(ev ConnectionEvent)

	// NextTransmit returns the next queued datagram.
	// At most maxDatagrams datagrams are coalesced into a single call.
	NextTransmit(now time.Time, maxDatagrams int) (Transmit, bool)

	NextTimerDeadline() (time.Time, bool)
	// FireTimeout handles the expiry of the deadline reported by NextTimerDeadline.
	// Afterwards the session must report a different deadline, or none: the loop delivers
	// each deadline at most once, so a deadline left in place is never woken by a timer again.
	FireTimeout(now time.Time)

	NextEndpointEvent() (EndpointEvent, bool)
	NextAppEvent() (AppEvent, bool)

	// AcceptBidiStream returns the next incoming bidirectional stream, if any.
	AcceptBidiStream() (StreamID, bool)
	// ReadStream returns a view for reading whatever is buffered on the stream.
	ReadStream(id StreamID) (RecvStream, error)
}

// RecvStream yields the chunks buffered on a stream.
type RecvStream interface {
	// Next returns the next chunk.
	// It returns false once no more data is available for now.
	Next() ([]byte, bool, error)
}

// Closer is implemented by sessions which can be closed locally.
// The loop uses it to tear a session down when reading one of its streams fails.
type Closer interface {
	Close(now time.Time, code uint64, reason []byte)
}
