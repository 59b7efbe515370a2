package transport_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"go.shoal.dev/shoal/src/transport"
	"go.shoal.dev/shoal/src/transport/transporttest"
)

func TestUnroutedDropped(t *testing.T) {
	e := newTestEnv(t)
	e.deliver([]byte("garbage"))
	e.deliver(nil)
	require.Equal(t, 0, e.loop.Table().Len())
	require.Equal(t, float64(2), testutil.ToFloat64(e.metrics.Unrouted))
	require.Empty(t, e.obs.Events())
}

func TestUnknownHandleDropped(t *testing.T) {
	e := newTestEnv(t)
	e.deliver(transporttest.EventDatagram(7, "x"))
	require.Equal(t, 0, e.loop.Table().Len())
	require.Empty(t, e.eng.Log.Calls)
	require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.UnknownHandle))
}

func TestDuplicateNewSession(t *testing.T) {
	e := newTestEnv(t)
	e.open(t, 1)
	e.deliver(transporttest.NewDatagram(1))
	require.Equal(t, 1, e.loop.Table().Len())
	require.Equal(t, []string{"new 1"}, e.obs.Events())
}

func TestPeerAddressFollowsDatagrams(t *testing.T) {
	e := newTestEnv(t)
	s := e.open(t, 1)
	s.OnApply = func(s *transporttest.Session, ev transport.ConnectionEvent) {
		s.Send("pong")
	}
	moved := transporttest.Addr("peer:2")
	e.loop.HandleDatagram(e.ctx, e.now, moved, transporttest.EventDatagram(1, "ping"))

	sent := e.conn.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, moved, sent[0].Addr)
}

func TestRun(t *testing.T) {
	ctx, cancel := context.WithCancel(transporttest.Context(t))
	defer cancel()
	eng := transporttest.NewEngine()
	conn := transporttest.NewPacketConn(transporttest.Addr("local:12000"))
	obs := &transporttest.Observer{}
	s := eng.Session(1)
	s.OnApply = func(s *transporttest.Session, ev transport.ConnectionEvent) {
		s.Send("pong")
	}
	loop := transport.NewLoop(ctx, transport.Params{
		Conn:     conn,
		Engine:   eng,
		Observer: obs,
		MaxWait:  10 * time.Millisecond,
	})
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	conn.Fail(errors.New("transient"))
	conn.Deliver(peer, transporttest.NewDatagram(1))
	conn.Deliver(peer, transporttest.EventDatagram(1, "ping"))
	require.Eventually(t, func() bool {
		return len(conn.Sent()) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, "pong", string(conn.Sent()[0].Data))

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestRunSocketClosed(t *testing.T) {
	ctx := transporttest.Context(t)
	conn := transporttest.NewPacketConn(transporttest.Addr("local:12000"))
	loop := transport.NewLoop(ctx, transport.Params{
		Conn:     conn,
		Engine:   transporttest.NewEngine(),
		Observer: transport.NopObserver{},
	})
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	require.NoError(t, conn.Close())
	select {
	case err := <-done:
		require.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestRunFiresTimers(t *testing.T) {
	ctx, cancel := context.WithCancel(transporttest.Context(t))
	defer cancel()
	eng := transporttest.NewEngine()
	conn := transporttest.NewPacketConn(transporttest.Addr("local:12000"))
	s := eng.Session(1)
	s.SetDeadline(time.Now().Add(20 * time.Millisecond))
	s.OnTimeout = func(s *transporttest.Session, now time.Time) {
		s.Send("retransmit")
	}
	loop := transport.NewLoop(ctx, transport.Params{
		Conn:     conn,
		Engine:   eng,
		Observer: transport.NopObserver{},
	})
	go loop.Run(ctx)

	conn.Deliver(peer, transporttest.NewDatagram(1))
	require.Eventually(t, func() bool {
		sent := conn.Sent()
		return len(sent) == 1 && string(sent[0].Data) == "retransmit"
	}, 2*time.Second, time.Millisecond)
}

func TestRunDrivesBacklog(t *testing.T) {
	ctx, cancel := context.WithCancel(transporttest.Context(t))
	defer cancel()
	eng := transporttest.NewEngine()
	conn := transporttest.NewPacketConn(transporttest.Addr("local:12000"))
	obs := &transporttest.Observer{}
	s := eng.Session(1)
	s.AppEvents = append(s.AppEvents,
		transport.Connected(),
		transport.DatagramReceived(),
		transport.DatagramReceived(),
		transport.ConnectionLost(transport.ErrTimedOut),
	)
	loop := transport.NewLoop(ctx, transport.Params{
		Conn:              conn,
		Engine:            eng,
		Observer:          obs,
		AppEventsPerCycle: 1,
		// the backlog must not wait for MaxWait.
		MaxWait: time.Hour,
	})
	go loop.Run(ctx)

	conn.Deliver(peer, transporttest.NewDatagram(1))
	conn.Deliver(peer, transporttest.EventDatagram(1, "x"))
	require.Eventually(t, func() bool {
		return errors.Is(obs.ClosedReason(1), transport.ErrTimedOut)
	}, 2*time.Second, time.Millisecond)
}
