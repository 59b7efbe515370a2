package shoalclient

import (
	"context"
	"net"
	"time"

	"go.brendoncarroll.net/stdctx/logctx"

	"go.shoal.dev/shoal/src/shoalproto"
	"go.shoal.dev/shoal/src/transport"
)

// maxWait bounds how long the pump sleeps with no timer armed.
const maxWait = time.Second

// clientHandle is the handle the connection's events are reported under.
const clientHandle transport.Handle = 0

type waiter struct {
	cond func(qc *shoalproto.Conn) bool
	done chan error
}

// pump owns the client connection.
type pump struct {
	qc    *shoalproto.Conn
	conn  net.PacketConn
	raddr net.Addr
	obs   transport.Observer

	inbound <-chan []byte
	cmds    <-chan func(p *pump)

	waiters []*waiter
	// fired is the last timer deadline delivered, so it is not delivered again.
	fired    time.Time
	hasFired bool
}

func (p *pump) run(ctx context.Context) error {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	for {
		p.flush(ctx)
		p.notify()
		timer.Reset(p.sleep(time.Now()))
		select {
		case <-ctx.Done():
			return nil
		case data := <-p.inbound:
			p.qc.HandleDatagram(time.Now(), data)
		case fn := <-p.cmds:
			fn(p)
		case <-timer.C:
			p.fireTimer(time.Now())
		}
	}
}

// sleep returns how long to wait for input before the next timer deadline.
func (p *pump) sleep(now time.Time) time.Duration {
	d, ok := p.qc.NextTimerDeadline()
	if !ok || (p.hasFired && d.Equal(p.fired)) {
		return maxWait
	}
	if wait := d.Sub(now); wait < maxWait {
		return max(wait, 0)
	}
	return maxWait
}

func (p *pump) fireTimer(now time.Time) {
	d, ok := p.qc.NextTimerDeadline()
	if !ok || d.After(now) || (p.hasFired && d.Equal(p.fired)) {
		return
	}
	p.fired, p.hasFired = d, true
	p.qc.FireTimeout(now)
}

// flush sends everything queued and reports new events.
func (p *pump) flush(ctx context.Context) {
	for {
		tx, ok := p.qc.NextTransmit(time.Now(), transport.DefaultMaxTransmitsPerDrain)
		if !ok {
			break
		}
		if _, err := p.conn.WriteTo(tx.Contents, p.raddr); err != nil {
			logctx.Warnf(ctx, "client sending %d bytes: %v", len(tx.Contents), err)
		}
	}
	for {
		ev, ok := p.qc.NextAppEvent()
		if !ok {
			break
		}
		p.obs.OnAppEvent(clientHandle, ev)
		if ev.Kind == transport.EventConnectionLost {
			p.obs.OnSessionClosed(clientHandle, ev.Reason)
		}
	}
	// a client has no endpoint to tell.
	for {
		if _, ok := p.qc.NextEndpointEvent(); !ok {
			break
		}
	}
}

// notify releases the waiters whose condition now holds.
func (p *pump) notify() {
	kept := p.waiters[:0]
	for _, w := range p.waiters {
		switch {
		case w.cond(p.qc):
			w.done <- nil
		case p.qc.IsDrained():
			w.done <- p.qc.Reason()
		default:
			kept = append(kept, w)
		}
	}
	clear(p.waiters[len(kept):])
	p.waiters = kept
}
