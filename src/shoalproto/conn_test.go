package shoalproto

import (
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/stretchr/testify/require"

	"go.shoal.dev/shoal/src/certs"
	"go.shoal.dev/shoal/src/transport"
)

var clientAddr net.Addr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

func testCredentials(t testing.TB) (Credentials, *x509.CertPool) {
	c, err := certs.Generate("localhost")
	require.NoError(t, err)
	leaf, err := c.Leaf()
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(leaf)
	return Credentials{Chain: [][]byte{c.Certificate}, PrivateKey: ed25519.PrivateKey(c.PrivateKey)}, roots
}

// pair connects a client Conn to an Endpoint in memory, the way a dispatch loop would.
type pair struct {
	t   testing.TB
	now time.Time

	ep     *Endpoint
	server *Conn
	h      transport.Handle
	client *Conn

	serverEvents []transport.AppEvent
	clientEvents []transport.AppEvent
	// dropToClient and dropToServer return true for datagrams which are lost.
	dropToClient func(data []byte) bool
	dropToServer func(data []byte) bool
	unrouted     int
}

func newPair(t testing.TB, serverParams Params) *pair {
	creds, roots := testCredentials(t)
	// the clock starts at the wall time, so the generated certificate is valid.
	now := time.Now()
	ep, err := NewEndpoint(Config{Credentials: creds, Params: serverParams})
	require.NoError(t, err)
	client, err := Dial(now, ClientConfig{ServerName: "localhost", Roots: roots})
	require.NoError(t, err)
	return &pair{t: t, now: now, ep: ep, client: client}
}

func (p *pair) toServer(data []byte) {
	if p.dropToServer != nil && p.dropToServer(data) {
		return
	}
	h, out, ok := p.ep.Route(p.now, clientAddr, data)
	if !ok {
		p.unrouted++
		return
	}
	if out.NewSession != nil {
		p.server = out.NewSession.(*Conn)
		p.h = h
		return
	}
	require.Equal(p.t, p.h, h)
	p.server.ApplyEvent(out.Event)
}

func (p *pair) toClient(data []byte) {
	if p.dropToClient != nil && p.dropToClient(data) {
		return
	}
	p.client.HandleDatagram(p.now, data)
}

// step moves everything queued in either direction once, and fires due timers.
func (p *pair) step() {
	for {
		tx, ok := p.client.NextTransmit(p.now, 10)
		if !ok {
			break
		}
		p.toServer(tx.Contents)
	}
	for _, c := range []*Conn{p.client, p.server} {
		if c == nil {
			continue
		}
		if d, ok := c.NextTimerDeadline(); ok && !d.After(p.now) {
			c.FireTimeout(p.now)
		}
	}
	if p.server != nil {
		for {
			ev, ok := p.server.NextEndpointEvent()
			if !ok {
				break
			}
			if connEv, ok := p.ep.HandleEndpointEvent(p.h, ev); ok {
				p.server.ApplyEvent(connEv)
			}
		}
		for {
			tx, ok := p.server.NextTransmit(p.now, 10)
			if !ok {
				break
			}
			p.toClient(tx.Contents)
		}
		p.serverEvents = append(p.serverEvents, drainAppEvents(p.server)...)
	}
	p.clientEvents = append(p.clientEvents, drainAppEvents(p.client)...)
	for {
		if _, ok := p.client.NextEndpointEvent(); !ok {
			break
		}
	}
}

// run steps n times, advancing the clock by dt after each step.
func (p *pair) run(n int, dt time.Duration) {
	for i := 0; i < n; i++ {
		p.step()
		p.now = p.now.Add(dt)
	}
}

func drainAppEvents(c *Conn) []transport.AppEvent {
	var evs []transport.AppEvent
	for {
		ev, ok := c.NextAppEvent()
		if !ok {
			return evs
		}
		evs = append(evs, ev)
	}
}

func kinds(evs []transport.AppEvent) []transport.AppEventKind {
	var ks []transport.AppEventKind
	for _, ev := range evs {
		ks = append(ks, ev.Kind)
	}
	return ks
}

func lostReason(t testing.TB, evs []transport.AppEvent) error {
	for _, ev := range evs {
		if ev.Kind == transport.EventConnectionLost {
			return ev.Reason
		}
	}
	t.Fatal("connection was not lost")
	return nil
}

func TestHandshake(t *testing.T) {
	p := newPair(t, Params{})
	p.run(5, time.Millisecond)

	require.NotNil(t, p.server)
	require.True(t, p.client.IsConnected())
	require.True(t, p.server.IsConnected())
	require.Equal(t, []transport.AppEventKind{
		transport.EventHandshakeDataReady,
		transport.EventConnected,
	}, kinds(p.serverEvents))
	require.Equal(t, []transport.AppEventKind{
		transport.EventHandshakeDataReady,
		transport.EventConnected,
	}, kinds(p.clientEvents))
	// the server handed out a second connection id, which the client switched to.
	require.Len(t, p.client.peerCIDs, 1)
	require.NotEqual(t, p.client.CID(), p.client.sendCID)
	require.Equal(t, 1, p.ep.Len())
}

func TestStreamDelivery(t *testing.T) {
	p := newPair(t, Params{})
	p.run(5, time.Millisecond)

	id, err := p.client.OpenBidi()
	require.NoError(t, err)
	require.Equal(t, transport.StreamID(0), id)
	require.NoError(t, p.client.Write(id, []byte("Hello, World!")))
	require.NoError(t, p.client.Finish(id))
	require.ErrorIs(t, p.client.Write(id, []byte("more")), ErrStreamFinished)
	p.step()

	sid, ok := p.server.AcceptBidiStream()
	require.True(t, ok)
	require.Equal(t, id, sid)
	rs, err := p.server.ReadStream(sid)
	require.NoError(t, err)
	var got []byte
	for {
		chunk, ok, err := rs.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, chunk...)
	}
	require.Equal(t, "Hello, World!", string(got))

	// the ack is delayed, then the stream is fully acknowledged.
	p.run(10, 5*time.Millisecond)
	require.True(t, p.client.StreamAcked(id))
	require.Contains(t, p.clientEvents, streamEvent(transport.StreamFinished, 0))
}

func TestApplicationClose(t *testing.T) {
	p := newPair(t, Params{})
	p.run(5, time.Millisecond)
	cids := append([]CID{}, p.ep.cids[p.h]...)
	require.Len(t, cids, 2)

	var last []byte
	p.dropToServer = func(data []byte) bool {
		last = data
		return false
	}
	p.client.Close(p.now, 0, []byte("done"))
	p.step()

	reason := lostReason(t, p.serverEvents)
	require.Equal(t, transport.ApplicationClose{Code: 0, Reason: []byte("done")}, reason)
	require.True(t, p.server.IsDrained())
	require.Equal(t, 0, p.ep.Len())
	for _, cid := range cids {
		require.True(t, p.ep.IsRecentlyClosed(cid))
	}

	// the client lingers in closing, repeating its close, then drains.
	require.False(t, p.client.IsDrained())
	p.run(20, 100*time.Millisecond)
	require.True(t, p.client.IsDrained())
	require.ErrorIs(t, lostReason(t, p.clientEvents), transport.ErrLocallyClosed)

	// stragglers for a drained connection are not routed, nor taken for a new one.
	require.NotNil(t, last)
	_, _, ok := p.ep.Route(p.now, clientAddr, last)
	require.False(t, ok)
}

func TestHandshakeLoss(t *testing.T) {
	p := newPair(t, Params{})
	dropped := 0
	p.dropToClient = func(data []byte) bool {
		if PacketType(data[0]) == PacketHandshake && dropped == 0 {
			dropped++
			return true
		}
		return false
	}
	p.run(3, time.Millisecond)
	require.False(t, p.client.IsConnected())

	p.run(10, 100*time.Millisecond)
	require.True(t, p.client.IsConnected())
	require.True(t, p.server.IsConnected())
	require.Equal(t, 1, dropped)
}

func TestStreamLoss(t *testing.T) {
	p := newPair(t, Params{})
	p.run(5, time.Millisecond)

	id, err := p.client.OpenBidi()
	require.NoError(t, err)
	require.NoError(t, p.client.Write(id, []byte("Hello, World!")))
	require.NoError(t, p.client.Finish(id))
	dropped := false
	p.dropToServer = func(data []byte) bool {
		if !dropped {
			dropped = true
			return true
		}
		return false
	}
	p.run(20, 50*time.Millisecond)

	require.True(t, dropped)
	sid, ok := p.server.AcceptBidiStream()
	require.True(t, ok)
	rs, err := p.server.ReadStream(sid)
	require.NoError(t, err)
	chunk, ok, err := rs.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Hello, World!", string(chunk))
	require.True(t, p.client.StreamAcked(id))
}

func TestBadCertificate(t *testing.T) {
	creds, _ := testCredentials(t)
	_, otherRoots := testCredentials(t)
	// the clock starts at the wall time, so the generated certificate is valid.
	now := time.Now()
	ep, err := NewEndpoint(Config{Credentials: creds})
	require.NoError(t, err)
	client, err := Dial(now, ClientConfig{ServerName: "localhost", Roots: otherRoots})
	require.NoError(t, err)
	p := &pair{t: t, now: now, ep: ep, client: client}
	p.run(3, time.Millisecond)

	require.True(t, client.IsDrained())
	reason := lostReason(t, p.clientEvents)
	var terr transport.TransportError
	require.ErrorAs(t, reason, &terr)
	require.Equal(t, uint64(CodeCryptoError), terr.Code)
}

func TestCertificateValidity(t *testing.T) {
	creds, roots := testCredentials(t)
	// the certificate is checked against the connection clock, not the wall clock.
	now := time.Now().Add(-2 * time.Hour)
	ep, err := NewEndpoint(Config{Credentials: creds})
	require.NoError(t, err)
	client, err := Dial(now, ClientConfig{ServerName: "localhost", Roots: roots})
	require.NoError(t, err)
	p := &pair{t: t, now: now, ep: ep, client: client}
	p.run(3, time.Millisecond)

	require.True(t, client.IsDrained())
	var terr transport.TransportError
	require.ErrorAs(t, client.Reason(), &terr)
	require.Equal(t, uint64(CodeCryptoError), terr.Code)
	require.Contains(t, terr.Reason, "not yet valid")
}

func TestIdleTimeout(t *testing.T) {
	p := newPair(t, Params{IdleTimeout: time.Second})
	p.run(5, time.Millisecond)
	require.True(t, p.server.IsConnected())

	p.now = p.now.Add(2 * time.Second)
	d, ok := p.server.NextTimerDeadline()
	require.True(t, ok)
	require.False(t, d.After(p.now))
	p.server.FireTimeout(p.now)

	require.True(t, p.server.IsDrained())
	require.ErrorIs(t, lostReason(t, drainAppEvents(p.server)), transport.ErrTimedOut)
	ev, ok := p.server.NextEndpointEvent()
	require.True(t, ok)
	require.Equal(t, Drained{}, ev)
}

func TestFlowControlViolation(t *testing.T) {
	p := newPair(t, Params{MaxStreamData: 8})
	p.run(5, time.Millisecond)

	id, err := p.client.OpenBidi()
	require.NoError(t, err)
	require.NoError(t, p.client.Write(id, []byte("more than eight bytes")))
	p.run(3, time.Millisecond)

	var terr transport.TransportError
	require.ErrorAs(t, p.server.Reason(), &terr)
	require.Equal(t, uint64(CodeFlowControlError), terr.Code)

	require.True(t, p.client.IsDrained())
	require.ErrorAs(t, lostReason(t, p.clientEvents), &terr)
	require.True(t, terr.Remote)
	require.Equal(t, uint64(CodeFlowControlError), terr.Code)
}

func TestSmallInitialDropped(t *testing.T) {
	creds, _ := testCredentials(t)
	ep, err := NewEndpoint(Config{Credentials: creds})
	require.NoError(t, err)
	cid := NewCID()
	_, msg1, err := clientHello(cid)
	require.NoError(t, err)
	data := appendInitial(nil, cid, msg1)
	require.Len(t, data, MinInitialSize)

	_, _, ok := ep.Route(time.Now(), clientAddr, data[:MinInitialSize-1])
	require.False(t, ok)
	require.Equal(t, 0, ep.Len())

	h, out, ok := ep.Route(time.Now(), clientAddr, data)
	require.True(t, ok)
	require.NotNil(t, out.NewSession)

	// a repeated Initial belongs to the same connection.
	h2, out, ok := ep.Route(time.Now(), clientAddr, data)
	require.True(t, ok)
	require.Nil(t, out.NewSession)
	require.NotNil(t, out.Event)
	require.Equal(t, h, h2)
}

func TestNewSessionRateLimit(t *testing.T) {
	creds, _ := testCredentials(t)
	ep, err := NewEndpoint(Config{Credentials: creds, MaxNewSessionsPerSecond: 1})
	require.NoError(t, err)
	now := time.Now()
	newInitial := func() []byte {
		cid := NewCID()
		_, msg1, err := clientHello(cid)
		require.NoError(t, err)
		return appendInitial(nil, cid, msg1)
	}
	h1, out, ok := ep.Route(now, clientAddr, newInitial())
	require.True(t, ok)
	require.NotNil(t, out.NewSession)
	_, _, ok = ep.Route(now, clientAddr, newInitial())
	require.False(t, ok)
	h2, out, ok := ep.Route(now.Add(2*time.Second), clientAddr, newInitial())
	require.True(t, ok)
	require.NotNil(t, out.NewSession)
	require.Greater(t, h2, h1)
}

func TestUnknownShortNotRouted(t *testing.T) {
	creds, _ := testCredentials(t)
	ep, err := NewEndpoint(Config{Credentials: creds})
	require.NoError(t, err)
	data := appendHeader(nil, Header{Type: PacketShort, CID: NewCID()})
	data = append(data, make([]byte, 40)...)
	_, _, ok := ep.Route(time.Now(), clientAddr, data)
	require.False(t, ok)
	_, _, ok = ep.Route(time.Now(), clientAddr, []byte{0x03})
	require.False(t, ok)
}
