package transporttest

import (
	"net"
	"os"
	"sync"
	"time"
)

// Packet is a datagram with the address it came from or goes to.
type Packet struct {
	Data []byte
	Addr net.Addr
}

// PacketConn is an in-memory transport.PacketConn.
// Datagrams are injected with Deliver and what the loop writes is collected in Sent.
type PacketConn struct {
	local net.Addr

	mu       sync.Mutex
	inbound  []Packet
	errs     []error
	sent     []Packet
	deadline time.Time
	closed   bool
	// wake is signalled whenever something changes which may unblock ReadFrom.
	wake chan struct{}
}

func NewPacketConn(local net.Addr) *PacketConn {
	return &PacketConn{
		local: local,
		wake:  make(chan struct{}, 1),
	}
}

// Deliver queues a datagram to be read by ReadFrom.
func (c *PacketConn) Deliver(from net.Addr, data []byte) {
	c.mu.Lock()
	c.inbound = append(c.inbound, Packet{Data: append([]byte{}, data...), Addr: from})
	c.mu.Unlock()
	c.signal()
}

// Fail queues an error to be returned by the next ReadFrom.
func (c *PacketConn) Fail(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
	c.signal()
}

// Sent returns a copy of every datagram written so far.
func (c *PacketConn) Sent() []Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Packet{}, c.sent...)
}

func (c *PacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		c.mu.Lock()
		switch {
		case c.closed:
			c.mu.Unlock()
			return 0, nil, net.ErrClosed
		case len(c.errs) > 0:
			err := c.errs[0]
			c.errs = c.errs[1:]
			c.mu.Unlock()
			return 0, nil, err
		case len(c.inbound) > 0:
			pkt := c.inbound[0]
			c.inbound = c.inbound[1:]
			c.mu.Unlock()
			n := copy(p, pkt.Data)
			return n, pkt.Addr, nil
		}
		deadline := c.deadline
		c.mu.Unlock()

		if deadline.IsZero() {
			<-c.wake
			continue
		}
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(d)
		select {
		case <-c.wake:
			timer.Stop()
		case <-timer.C:
			return 0, nil, os.ErrDeadlineExceeded
		}
	}
}

func (c *PacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	c.sent = append(c.sent, Packet{Data: append([]byte{}, p...), Addr: addr})
	return len(p), nil
}

func (c *PacketConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	c.deadline = t
	c.mu.Unlock()
	c.signal()
	return nil
}

func (c *PacketConn) LocalAddr() net.Addr {
	return c.local
}

func (c *PacketConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.signal()
	return nil
}

func (c *PacketConn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
