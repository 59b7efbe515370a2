package transporttest

import (
	"fmt"
	"time"

	"go.shoal.dev/shoal/src/transport"
)

// Session is a scripted transport.Session.
// Tests fill its queues directly, or from the OnApply and OnTimeout hooks.
type Session struct {
	h   transport.Handle
	log *CallLog

	Outgoing       [][]byte
	Deadline       time.Time
	HasDeadline    bool
	EndpointEvents []transport.EndpointEvent
	AppEvents      []transport.AppEvent
	Incoming       []transport.StreamID
	Buffers        map[transport.StreamID][][]byte
	ReadErrs       map[transport.StreamID]error

	// OnApply is called after a connection event has been recorded.
	OnApply func(s *Session, ev transport.ConnectionEvent)
	// OnTimeout is called after the deadline has been cleared by FireTimeout.
	OnTimeout func(s *Session, now time.Time)
	// KeepDeadline stops FireTimeout from clearing the deadline.
	KeepDeadline bool

	Applied     []transport.ConnectionEvent
	Fired       []time.Time
	MaxDatagram int
	Closed      bool
	CloseCode   uint64
	CloseReason []byte
}

var (
	_ transport.Session = &Session{}
	_ transport.Closer  = &Session{}
)

func (s *Session) Handle() transport.Handle {
	return s.h
}

// Send queues a datagram.
func (s *Session) Send(x string) {
	s.Outgoing = append(s.Outgoing, []byte(x))
}

// SetDeadline arms the session timer.
func (s *Session) SetDeadline(t time.Time) {
	s.Deadline = t
	s.HasDeadline = true
}

// Write buffers data on a stream, announcing the stream if it is new.
func (s *Session) Write(id transport.StreamID, chunks ...string) {
	if s.Buffers == nil {
		s.Buffers = make(map[transport.StreamID][][]byte)
	}
	if _, exists := s.Buffers[id]; !exists {
		s.Incoming = append(s.Incoming, id)
	}
	for _, c := range chunks {
		s.Buffers[id] = append(s.Buffers[id], []byte(c))
	}
}

func (s *Session) ApplyEvent(ev transport.ConnectionEvent) {
	s.log.add(s.h, "apply", ev)
	s.Applied = append(s.Applied, ev)
	if s.OnApply != nil {
		s.OnApply(s, ev)
	}
}

func (s *Session) NextTransmit(now time.Time, maxDatagrams int) (transport.Transmit, bool) {
	s.MaxDatagram = maxDatagrams
	if len(s.Outgoing) == 0 {
		return transport.Transmit{}, false
	}
	data := s.Outgoing[0]
	s.Outgoing = s.Outgoing[1:]
	s.log.add(s.h, "transmit", string(data))
	return transport.Transmit{Contents: data}, true
}

func (s *Session) NextTimerDeadline() (time.Time, bool) {
	return s.Deadline, s.HasDeadline
}

func (s *Session) FireTimeout(now time.Time) {
	s.log.add(s.h, "timeout", nil)
	s.Fired = append(s.Fired, now)
	if !s.KeepDeadline {
		s.HasDeadline = false
	}
	if s.OnTimeout != nil {
		s.OnTimeout(s, now)
	}
}

func (s *Session) NextEndpointEvent() (transport.EndpointEvent, bool) {
	if len(s.EndpointEvents) == 0 {
		return nil, false
	}
	ev := s.EndpointEvents[0]
	s.EndpointEvents = s.EndpointEvents[1:]
	return ev, true
}

func (s *Session) NextAppEvent() (transport.AppEvent, bool) {
	if len(s.AppEvents) == 0 {
		return transport.AppEvent{}, false
	}
	ev := s.AppEvents[0]
	s.AppEvents = s.AppEvents[1:]
	s.log.add(s.h, "app", ev)
	return ev, true
}

func (s *Session) AcceptBidiStream() (transport.StreamID, bool) {
	if len(s.Incoming) == 0 {
		return 0, false
	}
	id := s.Incoming[0]
	s.Incoming = s.Incoming[1:]
	s.log.add(s.h, "accept", id)
	return id, true
}

func (s *Session) ReadStream(id transport.StreamID) (transport.RecvStream, error) {
	s.log.add(s.h, "read", id)
	return &recvStream{s: s, id: id}, nil
}

func (s *Session) Close(now time.Time, code uint64, reason []byte) {
	s.log.add(s.h, "close", code)
	s.Closed = true
	s.CloseCode = code
	s.CloseReason = append([]byte{}, reason...)
	s.Send(fmt.Sprintf("close %d", code))
}

type recvStream struct {
	s  *Session
	id transport.StreamID
}

func (r *recvStream) Next() ([]byte, bool, error) {
	chunks := r.s.Buffers[r.id]
	if len(chunks) == 0 {
		if err := r.s.ReadErrs[r.id]; err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	r.s.Buffers[r.id] = chunks[1:]
	return chunks[0], true, nil
}
