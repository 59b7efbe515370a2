package transport

import (
	"context"
	"fmt"
	"time"

	"go.brendoncarroll.net/stdctx/logctx"
)

type pollState uint8

const (
	stateIdle pollState = iota
	stateTransmitDrain
	stateTimeoutCheck
	stateEndpointPropagate
	stateAppEvent
	stateStreamDrain
)

func (s pollState) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateTransmitDrain:
		return "TransmitDrain"
	case stateTimeoutCheck:
		return "TimeoutCheck"
	case stateEndpointPropagate:
		return "EndpointPropagate"
	case stateAppEvent:
		return "AppEvent"
	case stateStreamDrain:
		return "StreamDrain"
	default:
		return fmt.Sprintf("pollState(%d)", uint8(s))
	}
}

// cycle is one run of the poll state machine over a checked out session.
//
// The steps always run in the order
//
//	TransmitDrain -> TimeoutCheck -> EndpointPropagate -> AppEvent -> StreamDrain
//
// Anything that can queue egress (a fired timeout, a connection event returned by the engine)
// re-enters TransmitDrain before the machine moves on, so the cycle ends with nothing left to send
// from those steps.
type cycle struct {
	loop *Loop
	h    Handle
	ent  *Entry
	now  time.Time

	state pollState
	// resume is the state entered when TransmitDrain finishes.
	resume pollState
	// trace records every state entered, for tests.
	trace []pollState

	terminal bool
	reason   error
	// backlogged is set when AppEvent stopped at the per-cycle limit, so events may still be queued.
	backlogged bool
	// readable are the streams reported readable by application events in this cycle.
	readable []StreamID
}

func newCycle(l *Loop, h Handle, ent *Entry, now time.Time) *cycle {
	return &cycle{loop: l, h: h, ent: ent, now: now}
}

func (c *cycle) run(ctx context.Context) {
	c.loop.metrics.PollCycles.Inc()
	c.transmitThen(stateTimeoutCheck)
	for c.state != stateIdle {
		c.trace = append(c.trace, c.state)
		switch c.state {
		case stateTransmitDrain:
			c.drainTransmit(ctx)
			c.state = c.resume
		case stateTimeoutCheck:
			if c.checkTimeout() {
				c.transmitThen(stateEndpointPropagate)
			} else {
				c.state = stateEndpointPropagate
			}
		case stateEndpointPropagate:
			if c.propagateEndpointEvent() {
				c.transmitThen(stateEndpointPropagate)
			} else {
				c.state = stateAppEvent
			}
		case stateAppEvent:
			c.consumeAppEvents(ctx)
			c.state = stateStreamDrain
		case stateStreamDrain:
			c.drainStreams(ctx)
			c.state = stateIdle
		default:
			panic(fmt.Sprintf("transport: invalid poll state %v", c.state))
		}
	}
}

func (c *cycle) transmitThen(next pollState) {
	c.state = stateTransmitDrain
	c.resume = next
}

// drainTransmit sends everything the session has queued.
func (c *cycle) drainTransmit(ctx context.Context) {
	for {
		tx, ok := c.ent.Session.NextTransmit(c.now, c.loop.params.MaxTransmitsPerDrain)
		if !ok {
			return
		}
		dst := tx.Dst
		if dst == nil {
			dst = c.ent.Addr
		}
		c.loop.send(ctx, tx.Contents, dst)
	}
}

// checkTimeout delivers the session's deadline if it has passed.
// A deadline is delivered at most once.
func (c *cycle) checkTimeout() bool {
	deadline, ok := c.ent.Session.NextTimerDeadline()
	if !ok || deadline.After(c.now) || c.ent.alreadyFired(deadline) {
		return false
	}
	c.ent.markFired(deadline)
	c.ent.Session.FireTimeout(c.now)
	c.loop.metrics.TimeoutsFired.Inc()
	return true
}

// propagateEndpointEvent forwards one endpoint event to the engine.
// It returns true if the engine answered with a connection event, which has been applied.
func (c *cycle) propagateEndpointEvent() bool {
	for {
		ev, ok := c.ent.Session.NextEndpointEvent()
		if !ok {
			return false
		}
		connEv, ok := c.loop.params.Engine.HandleEndpointEvent(c.h, ev)
		if ok {
			c.ent.Session.ApplyEvent(connEv)
			return true
		}
	}
}

func (c *cycle) consumeAppEvents(ctx context.Context) {
	limit := c.loop.params.AppEventsPerCycle
	for n := 0; limit <= 0 || n < limit; n++ {
		ev, ok := c.ent.Session.NextAppEvent()
		if !ok {
			return
		}
		c.loop.metrics.AppEvents.WithLabelValues(ev.Kind.String()).Inc()
		c.loop.obs.OnAppEvent(c.h, ev)
		switch {
		case ev.Kind == EventStream && ev.Stream.Bidi && ev.Stream.Kind == StreamReadable:
			c.readable = append(c.readable, ev.Stream.ID)
		case ev.Kind == EventConnectionLost:
			logctx.Debugf(ctx, "handle=%d is terminal: %v", c.h, ev.Reason)
			c.markTerminal(ev.Reason)
		}
	}
	c.backlogged = true
}

func (c *cycle) markTerminal(reason error) {
	if c.terminal {
		return
	}
	c.terminal = true
	c.reason = reason
}
