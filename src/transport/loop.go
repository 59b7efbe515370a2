package transport

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.brendoncarroll.net/stdctx/logctx"
	"golang.org/x/exp/slices"
)

const (
	// DefaultMaxTransmitsPerDrain bounds the datagrams produced by one NextTransmit call.
	DefaultMaxTransmitsPerDrain = 10
	// DefaultReceiveBufferSize is the size of the buffer each datagram is read into.
	DefaultReceiveBufferSize = 8192
	// DefaultMaxWait is the longest the loop blocks on the socket without checking its context.
	DefaultMaxWait = time.Second
)

// PacketConn is the part of net.PacketConn used by the loop.
type PacketConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
}

type Params struct {
	Conn   PacketConn
	Engine Engine

	// Observer receives application events and stream data. Defaults to a LogObserver.
	Observer Observer
	// Metrics defaults to a set of unregistered collectors.
	Metrics *Metrics
	// Now defaults to time.Now
	Now func() time.Time

	MaxTransmitsPerDrain int
	ReceiveBufferSize    int
	// AppEventsPerCycle limits the application events consumed by one poll cycle.
	// Zero means all pending events are consumed.
	AppEventsPerCycle int
	TableCapacity     int
	MaxWait           time.Duration
}

// Loop is the dispatch loop.
// It owns the socket and the session table, and must be driven from a single goroutine.
type Loop struct {
	params  Params
	table   *Table
	metrics *Metrics
	obs     Observer
	now     func() time.Time
	// backlog holds the resident sessions whose last cycle stopped at AppEventsPerCycle.
	// They are driven again without waiting for a datagram or a timer.
	backlog map[Handle]struct{}

	// lastTrace is the sequence of states entered by the most recent poll cycle.
	lastTrace []pollState
}

func NewLoop(ctx context.Context, params Params) *Loop {
	if params.MaxTransmitsPerDrain <= 0 {
		params.MaxTransmitsPerDrain = DefaultMaxTransmitsPerDrain
	}
	if params.ReceiveBufferSize <= 0 {
		params.ReceiveBufferSize = DefaultReceiveBufferSize
	}
	if params.MaxWait <= 0 {
		params.MaxWait = DefaultMaxWait
	}
	l := &Loop{
		params:  params,
		table:   NewTable(params.TableCapacity),
		metrics: params.Metrics,
		obs:     params.Observer,
		now:     params.Now,
		backlog: make(map[Handle]struct{}),
	}
	if l.metrics == nil {
		l.metrics = NewMetrics(nil, params.Conn.LocalAddr().String())
	}
	if l.obs == nil {
		l.obs = NewLogObserver(ctx)
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Table returns the session table.
// It must only be used from the goroutine driving the loop.
func (l *Loop) Table() *Table {
	return l.table
}

func (l *Loop) LocalAddr() net.Addr {
	return l.params.Conn.LocalAddr()
}

// Run reads datagrams until ctx is cancelled or the socket is closed.
// Errors reading individual datagrams are logged and skipped.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		// unblock a pending read; the loop notices ctx on its next iteration.
		l.params.Conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()
	logctx.Infof(ctx, "dispatch loop listening on %v", l.LocalAddr())
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.step(ctx); err != nil {
			return err
		}
	}
}

// step performs one iteration of the loop: a receive, or expiring timers.
func (l *Loop) step(ctx context.Context) error {
	now := l.now()
	wake := now.Add(l.params.MaxWait)
	if d, ok := l.table.NextDeadline(); ok && d.Before(wake) {
		wake = d
	}
	if len(l.backlog) > 0 {
		wake = now
	}
	if err := l.params.Conn.SetReadDeadline(wake); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return err
		}
		logctx.Warnf(ctx, "setting read deadline: %v", err)
	}
	buf := make([]byte, l.params.ReceiveBufferSize)
	n, from, err := l.params.Conn.ReadFrom(buf)
	switch {
	case err == nil:
		l.HandleDatagram(ctx, l.now(), from, buf[:n])
	case isTimeout(err):
		if ctx.Err() != nil {
			return nil
		}
		l.HandleTimers(ctx, l.now())
	case errors.Is(err, net.ErrClosed):
		return err
	default:
		if ctx.Err() != nil {
			return nil
		}
		l.metrics.RecvErrors.Inc()
		logctx.Warnf(ctx, "receiving datagram: %v", err)
	}
	return nil
}

// HandleDatagram routes one datagram and drives the session it belongs to.
func (l *Loop) HandleDatagram(ctx context.Context, now time.Time, from net.Addr, data []byte) {
	l.metrics.DatagramsReceived.Inc()
	l.metrics.BytesReceived.Add(float64(len(data)))

	h, outcome, ok := l.params.Engine.Route(now, from, data)
	if !ok {
		l.metrics.Unrouted.Inc()
		return
	}
	if outcome.NewSession != nil {
		if !l.table.Insert(h, outcome.NewSession, from) {
			logctx.Warnf(ctx, "engine reported new session for resident handle %d, ignoring", h)
			return
		}
		l.metrics.SessionsCreated.Inc()
		l.metrics.SessionsActive.Set(float64(l.table.Len()))
		l.obs.OnNewSession(h, from)
		return
	}
	ent, exists := l.table.Checkout(h)
	if !exists {
		// the session is already gone, this is a straggler.
		l.metrics.UnknownHandle.Inc()
		logctx.Debugf(ctx, "dropping event for handle %d: %v", h, ErrUnknownHandle)
		return
	}
	ent.Addr = from
	ent.Session.ApplyEvent(outcome.Event)
	l.drive(ctx, now, h, ent)
}

// HandleTimers drives every session whose timer deadline is at or before now,
// and every session with application events left over from its last cycle.
func (l *Loop) HandleTimers(ctx context.Context, now time.Time) {
	hs := l.table.Expired(now)
	for h := range l.backlog {
		if !slices.Contains(hs, h) {
			hs = append(hs, h)
		}
	}
	slices.Sort(hs)
	for _, h := range hs {
		ent, exists := l.table.Checkout(h)
		if !exists {
			continue
		}
		l.drive(ctx, now, h, ent)
	}
}

// drive runs a poll cycle on a checked out entry and then checks it back in,
// unless the cycle found the session terminal.
func (l *Loop) drive(ctx context.Context, now time.Time, h Handle, ent *Entry) {
	c := newCycle(l, h, ent, now)
	c.run(ctx)
	l.lastTrace = c.trace
	delete(l.backlog, h)
	if c.terminal {
		l.metrics.SessionsClosed.Inc()
		l.metrics.SessionsActive.Set(float64(l.table.Len()))
		l.obs.OnSessionClosed(h, c.reason)
		return
	}
	if c.backlogged {
		l.backlog[h] = struct{}{}
	}
	l.table.Checkin(h, ent)
}

// Backlogged reports whether h is waiting to be driven again for queued application events.
func (l *Loop) Backlogged(h Handle) bool {
	_, exists := l.backlog[h]
	return exists
}

// send writes one datagram, errors are logged and the datagram is dropped.
func (l *Loop) send(ctx context.Context, data []byte, dst net.Addr) {
	if _, err := l.params.Conn.WriteTo(data, dst); err != nil {
		l.metrics.SendErrors.Inc()
		logctx.Warnf(ctx, "sending %d bytes to %v: %v", len(data), dst, err)
		return
	}
	l.metrics.DatagramsSent.Inc()
	l.metrics.BytesSent.Add(float64(len(data)))
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
