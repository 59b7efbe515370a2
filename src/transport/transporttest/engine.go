package transporttest

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.shoal.dev/shoal/src/transport"
)

// Engine is a scripted transport.Engine.
//
// Datagrams are interpreted as text:
//
//	new <handle>          creates a new Session for handle
//	ev <handle> <name>    delivers the connection event <name> to handle
//
// Anything else is not routed.
type Engine struct {
	Sessions map[transport.Handle]*Session
	// Replies maps endpoint events to the connection event the engine answers with.
	Replies map[transport.EndpointEvent]transport.ConnectionEvent
	// Endpoint records every endpoint event handled, in order.
	Endpoint []string
	// Log is shared with every session created by the engine.
	Log *CallLog
}

func NewEngine() *Engine {
	return &Engine{
		Sessions: make(map[transport.Handle]*Session),
		Replies:  make(map[transport.EndpointEvent]transport.ConnectionEvent),
		Log:      &CallLog{},
	}
}

func (e *Engine) Route(now time.Time, from net.Addr, data []byte) (transport.Handle, transport.Outcome, bool) {
	parts := strings.Fields(string(data))
	if len(parts) < 2 {
		return 0, transport.Outcome{}, false
	}
	n, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, transport.Outcome{}, false
	}
	h := transport.Handle(n)
	switch {
	case parts[0] == "new" && len(parts) == 2:
		s := e.Session(h)
		return h, transport.Outcome{NewSession: s}, true
	case parts[0] == "ev" && len(parts) == 3:
		return h, transport.Outcome{Event: parts[2]}, true
	default:
		return 0, transport.Outcome{}, false
	}
}

func (e *Engine) HandleEndpointEvent(h transport.Handle, ev transport.EndpointEvent) (transport.ConnectionEvent, bool) {
	e.Endpoint = append(e.Endpoint, fmt.Sprintf("%d:%v", h, ev))
	e.Log.add(h, "endpoint", ev)
	reply, ok := e.Replies[ev]
	return reply, ok
}

// Session returns the session for h, creating it if it does not exist.
func (e *Engine) Session(h transport.Handle) *Session {
	if s, exists := e.Sessions[h]; exists {
		return s
	}
	s := &Session{h: h, log: e.Log}
	e.Sessions[h] = s
	return s
}

// NewDatagram returns a datagram which creates a session for h.
func NewDatagram(h transport.Handle) []byte {
	return []byte(fmt.Sprintf("new %d", h))
}

// EventDatagram returns a datagram which delivers the connection event name to h.
func EventDatagram(h transport.Handle, name string) []byte {
	return []byte(fmt.Sprintf("ev %d %s", h, name))
}

// CallLog records the calls made on scripted sessions, in order.
type CallLog struct {
	Calls []string
}

func (l *CallLog) add(h transport.Handle, method string, arg any) {
	if arg == nil {
		l.Calls = append(l.Calls, fmt.Sprintf("%d:%s", h, method))
		return
	}
	l.Calls = append(l.Calls, fmt.Sprintf("%d:%s(%v)", h, method, arg))
}

// Filter returns the calls made on h.
func (l *CallLog) Filter(h transport.Handle) []string {
	prefix := fmt.Sprintf("%d:", h)
	var out []string
	for _, c := range l.Calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, strings.TrimPrefix(c, prefix))
		}
	}
	return out
}

func (l *CallLog) Reset() {
	l.Calls = nil
}
