// Package shoalclient dials a shoal server over its own UDP socket.
//
// A Client drives a single client connection from one goroutine, the pump.
// Every public method hands its work to the pump and waits for the result, so the
// connection itself is never touched concurrently.
package shoalclient

import (
	"context"
	"crypto/x509"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.brendoncarroll.net/stdctx/logctx"
	"golang.org/x/sync/errgroup"

	"go.shoal.dev/shoal/src/shoalproto"
	"go.shoal.dev/shoal/src/transport"
)

const (
	DefaultServerAddr = "127.0.0.1:12000"
	DefaultServerName = "localhost"
)

type Config struct {
	ServerAddr string
	ServerName string
	Roots      *x509.CertPool
	// InsecureSkipVerify accepts any server certificate.
	InsecureSkipVerify bool
	// LocalAddr is the address the socket is bound to. Defaults to an ephemeral port.
	LocalAddr string
	Params    shoalproto.Params

	// Observer receives the connection's application events. Defaults to a transport.LogObserver.
	Observer transport.Observer
}

type Client struct {
	conn  net.PacketConn
	raddr net.Addr

	inbound chan []byte
	cmds    chan func(p *pump)

	cf context.CancelFunc
	eg errgroup.Group
	// stopped is closed when the pump exits.
	stopped chan struct{}
}

// Dial connects to the server and returns once the handshake has completed.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ServerAddr == "" {
		cfg.ServerAddr = DefaultServerAddr
	}
	if cfg.ServerName == "" {
		cfg.ServerName = DefaultServerName
	}
	if cfg.LocalAddr == "" {
		cfg.LocalAddr = ":0"
	}
	raddr, err := net.ResolveUDPAddr("udp", cfg.ServerAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", cfg.ServerAddr)
	}
	conn, err := net.ListenPacket("udp", cfg.LocalAddr)
	if err != nil {
		return nil, errors.Wrap(err, "binding client socket")
	}
	qc, err := shoalproto.Dial(time.Now(), shoalproto.ClientConfig{
		ServerName:         cfg.ServerName,
		Roots:              cfg.Roots,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Params:             cfg.Params,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	obs := cfg.Observer
	if obs == nil {
		obs = transport.NewLogObserver(ctx)
	}
	bgCtx, cf := context.WithCancel(context.WithoutCancel(ctx))
	c := &Client{
		conn:    conn,
		raddr:   raddr,
		inbound: make(chan []byte),
		cmds:    make(chan func(*pump)),
		cf:      cf,
		stopped: make(chan struct{}),
	}
	p := &pump{
		qc:      qc,
		conn:    conn,
		raddr:   raddr,
		obs:     obs,
		inbound: c.inbound,
		cmds:    c.cmds,
	}
	c.eg.Go(func() error {
		return c.readLoop(bgCtx)
	})
	c.eg.Go(func() error {
		defer close(c.stopped)
		return p.run(bgCtx)
	})
	logctx.Infof(ctx, "dialing %v from %v", raddr, conn.LocalAddr())
	if err := c.wait(ctx, func(qc *shoalproto.Conn) bool {
		return qc.IsConnected()
	}); err != nil {
		c.Shutdown()
		return nil, err
	}
	return c, nil
}

func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Client) RemoteAddr() net.Addr {
	return c.raddr
}

// OpenBidi opens a bidirectional stream.
func (c *Client) OpenBidi(ctx context.Context) (id transport.StreamID, err error) {
	err = c.do(ctx, func(qc *shoalproto.Conn) error {
		id, err = qc.OpenBidi()
		return err
	})
	return id, err
}

// Write queues data on a stream.
func (c *Client) Write(ctx context.Context, id transport.StreamID, data []byte) error {
	return c.do(ctx, func(qc *shoalproto.Conn) error {
		return qc.Write(id, data)
	})
}

// Finish ends the stream and waits until the server has acknowledged all of it.
func (c *Client) Finish(ctx context.Context, id transport.StreamID) error {
	if err := c.do(ctx, func(qc *shoalproto.Conn) error {
		return qc.Finish(id)
	}); err != nil {
		return err
	}
	return c.wait(ctx, func(qc *shoalproto.Conn) bool {
		return qc.StreamAcked(id)
	})
}

// SendDatagram sends an unreliable datagram over the connection.
func (c *Client) SendDatagram(ctx context.Context, data []byte) error {
	return c.do(ctx, func(qc *shoalproto.Conn) error {
		return qc.SendDatagram(data)
	})
}

// Close closes the connection with an application error code.
// Use WaitIdle to wait for the connection to be torn down.
func (c *Client) Close(ctx context.Context, code uint64, reason []byte) error {
	return c.do(ctx, func(qc *shoalproto.Conn) error {
		qc.Close(time.Now(), code, reason)
		return nil
	})
}

// WaitIdle waits until the connection has drained, then releases the socket.
// It returns the reason the connection was lost, a connection closed by Close is not an error.
func (c *Client) WaitIdle(ctx context.Context) error {
	err := c.wait(ctx, func(qc *shoalproto.Conn) bool {
		return false
	})
	if errors.Is(err, transport.ErrLocallyClosed) {
		err = nil
	}
	c.Shutdown()
	return err
}

// Shutdown stops the pump and closes the socket without telling the server.
func (c *Client) Shutdown() {
	c.cf()
	c.conn.Close()
	c.eg.Wait()
}

// submit hands fn to the pump.
func (c *Client) submit(ctx context.Context, fn func(p *pump)) error {
	select {
	case c.cmds <- fn:
		return nil
	case <-c.stopped:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn against the connection on the pump goroutine.
func (c *Client) do(ctx context.Context, fn func(qc *shoalproto.Conn) error) error {
	errc := make(chan error, 1)
	if err := c.submit(ctx, func(p *pump) {
		errc <- fn(p.qc)
	}); err != nil {
		return err
	}
	return <-errc
}

// wait blocks until cond holds.
// If the connection drains first, the reason it was lost is returned.
func (c *Client) wait(ctx context.Context, cond func(qc *shoalproto.Conn) bool) error {
	w := &waiter{cond: cond, done: make(chan error, 1)}
	if err := c.submit(ctx, func(p *pump) {
		p.waiters = append(p.waiters, w)
	}); err != nil {
		return err
	}
	select {
	case err := <-w.done:
		return err
	case <-c.stopped:
		select {
		case err := <-w.done:
			return err
		default:
			return net.ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop moves datagrams from the socket to the pump.
// Datagrams from anyone but the server are dropped.
func (c *Client) readLoop(ctx context.Context) error {
	for {
		buf := make([]byte, transport.DefaultReceiveBufferSize)
		n, from, err := c.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			logctx.Warnf(ctx, "client receiving: %v", err)
			continue
		}
		if !sameAddr(from, c.raddr) {
			continue
		}
		select {
		case c.inbound <- buf[:n]:
		case <-ctx.Done():
			return nil
		}
	}
}

func sameAddr(a, b net.Addr) bool {
	ua, ok1 := a.(*net.UDPAddr)
	ub, ok2 := b.(*net.UDPAddr)
	if ok1 && ok2 {
		return ua.IP.Equal(ub.IP) && ua.Port == ub.Port
	}
	return a.String() == b.String()
}
