package shoalproto

import (
	"time"

	"github.com/flynn/noise"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"go.shoal.dev/shoal/src/transport"
)

// datagramEvent delivers a datagram to the connection it was routed to.
type datagramEvent struct {
	now  time.Time
	data []byte
}

// NewIdentifiers is the connection event answering NeedIdentifiers.
type NewIdentifiers struct {
	Seq uint64
	CID CID
}

// NeedIdentifiers is raised by a server connection once the handshake is confirmed,
// asking the endpoint for another connection id to hand to the peer.
type NeedIdentifiers struct{}

// Drained is raised when a connection will never send or receive again.
// The endpoint forgets its connection ids.
type Drained struct{}

type connState uint8

const (
	stateHandshaking connState = iota
	stateEstablished
	// stateClosing means a close frame was sent and is repeated if the peer keeps talking.
	stateClosing
	stateDrained
)

// Conn is one side of a connection.
// Server connections are created by an Endpoint, client connections by Dial.
// A Conn is not safe for concurrent use.
type Conn struct {
	isClient   bool
	params     Params
	peerParams Params
	clientCfg  ClientConfig

	cid CID
	// sendCID is put in the header of outgoing Short packets.
	sendCID CID

	state     connState
	hs        *noise.HandshakeState
	keys      sessionKeys
	keysReady bool
	// confirmed is set once the peer has proven it holds the session keys.
	confirmed bool

	// handshakeDatagram is the Initial (client) or Handshake (server) datagram.
	// It is sent again until the handshake is confirmed.
	handshakeDatagram []byte
	handshakePending  bool
	handshakeSentAt   time.Time
	handshakeSent     bool
	handshakeAttempts int

	nextPN         uint64
	recvd          rangeSet
	largestRecvdAt time.Time
	ackPending     bool
	ackDeadline    time.Time
	unackedRecvd   int
	rec            recovery

	// control holds frames waiting to be sent, including retransmissions.
	control []frame

	streams        map[uint64]*stream
	acceptQueue    []uint64
	nextLocalBidi  uint64
	nextRemoteBidi uint64

	recvDatagrams [][]byte
	sendDatagrams [][]byte

	lastActivity time.Time
	flushAt      time.Time
	hasFlush     bool

	closeFrame       frame
	closeSendPending bool
	closeDeadline    time.Time
	reason           error

	appEvents      []transport.AppEvent
	endpointEvents []transport.EndpointEvent

	peerCIDs []CID
}

var (
	_ transport.Session = &Conn{}
	_ transport.Closer  = &Conn{}
)

func newConn(isClient bool, now time.Time, cid CID, params Params) *Conn {
	c := &Conn{
		isClient:     isClient,
		params:       params.withDefaults(),
		cid:          cid,
		sendCID:      cid,
		rec:          newRecovery(),
		streams:      make(map[uint64]*stream),
		lastActivity: now,
	}
	c.peerParams = c.params
	if isClient {
		c.nextLocalBidi, c.nextRemoteBidi = 0, 1
	} else {
		c.nextLocalBidi, c.nextRemoteBidi = 1, 0
	}
	return c
}

// Dial starts a client connection.
// The returned Conn has the Initial queued, the caller drives it with HandleDatagram,
// NextTransmit and the timer methods.
func Dial(now time.Time, cfg ClientConfig) (*Conn, error) {
	cid := NewCID()
	hs, msg1, err := clientHello(cid)
	if err != nil {
		return nil, err
	}
	c := newConn(true, now, cid, cfg.Params)
	c.clientCfg = cfg
	c.hs = hs
	c.handshakeDatagram = appendInitial(nil, cid, msg1)
	c.handshakePending = true
	return c, nil
}

// newServerConn accepts a connection from the first handshake message.
func newServerConn(now time.Time, cid CID, msg1 []byte, static noise.DHKey, creds Credentials, params Params) (*Conn, error) {
	c := newConn(false, now, cid, params)
	msg2, keys, err := serverRespond(static, creds, c.params, cid, msg1)
	if err != nil {
		return nil, err
	}
	c.keys = keys
	c.keysReady = true
	c.handshakeDatagram = appendHandshake(nil, cid, msg2)
	c.handshakePending = true
	// the handshake reply is flushed by the first timer expiry.
	c.flushAt, c.hasFlush = now, true
	c.appEvents = append(c.appEvents, transport.HandshakeDataReady())
	return c, nil
}

func (c *Conn) CID() CID {
	return c.cid
}

func (c *Conn) IsClient() bool {
	return c.isClient
}

// IsConnected returns true once the handshake has completed and until the connection closes.
func (c *Conn) IsConnected() bool {
	return c.state == stateEstablished
}

// IsDrained returns true once the connection will never send or receive again.
func (c *Conn) IsDrained() bool {
	return c.state == stateDrained
}

// Reason returns why the connection was lost, or nil.
func (c *Conn) Reason() error {
	return c.reason
}

// HandleDatagram processes a datagram received from the peer.
func (c *Conn) HandleDatagram(now time.Time, data []byte) {
	c.handleDatagram(now, data)
}

func (c *Conn) ApplyEvent(ev transport.ConnectionEvent) {
	switch ev := ev.(type) {
	case datagramEvent:
		c.handleDatagram(ev.now, ev.data)
	case NewIdentifiers:
		if c.state == stateEstablished {
			c.control = append(c.control, frame{typ: frameNewConnectionID, seq: ev.Seq, cid: ev.CID})
		}
	}
}

func (c *Conn) handleDatagram(now time.Time, data []byte) {
	if c.state == stateDrained {
		return
	}
	hdr, body, err := ParseHeader(data)
	if err != nil {
		return
	}
	switch hdr.Type {
	case PacketInitial:
		// the client did not get our reply.
		if !c.isClient && !c.confirmed && c.state == stateHandshaking {
			c.handshakePending = true
		}
	case PacketHandshake:
		if c.isClient && c.state == stateHandshaking {
			c.finishHandshake(now, body)
		}
	case PacketShort:
		if c.keysReady {
			c.handleShort(now, data)
		}
	}
}

func (c *Conn) finishHandshake(now time.Time, body []byte) {
	msg2, err := parseHandshake(body)
	if err != nil {
		return
	}
	keys, peerParams, err := clientFinish(c.hs, c.clientCfg, now, c.cid, msg2)
	if err != nil {
		if errors.Is(err, ErrBadCertificate) {
			c.lose(transportError(CodeCryptoError, "%v", err))
		}
		// anything else may be forged or damaged, the Initial will be sent again.
		return
	}
	c.hs = nil
	c.keys = keys
	c.keysReady = true
	c.peerParams = peerParams
	c.state = stateEstablished
	c.handshakePending = false
	c.handshakeSent = false
	c.lastActivity = now
	c.appEvents = append(c.appEvents, transport.HandshakeDataReady(), transport.Connected())
	// the server confirms the handshake on the first Short packet it can open.
	c.control = append(c.control, frame{typ: framePing})
}

func (c *Conn) handleShort(now time.Time, data []byte) {
	pn, payload, err := openShort(c.keys.recv, data)
	if err != nil {
		return
	}
	if c.recvd.contains(pn) {
		return
	}
	frames, err := parseFrames(payload)
	if err != nil {
		c.closeWithError(now, transportError(CodeFrameEncodingError, "%v", err))
		return
	}
	c.recvd.add(pn)
	if largest, _ := c.recvd.largest(); largest == pn {
		c.largestRecvdAt = now
	}
	c.lastActivity = now

	if c.state == stateClosing {
		for _, f := range frames {
			if f.typ == frameConnectionClose || f.typ == frameApplicationClose {
				c.drain()
				return
			}
		}
		c.closeSendPending = true
		return
	}
	if !c.isClient && !c.confirmed {
		c.confirmed = true
		c.state = stateEstablished
		c.handshakePending = false
		c.handshakeSent = false
		c.appEvents = append(c.appEvents, transport.Connected())
		c.control = append(c.control, frame{typ: frameHandshakeDone})
		c.endpointEvents = append(c.endpointEvents, NeedIdentifiers{})
	}

	ackEliciting := false
	for i := range frames {
		f := &frames[i]
		if f.ackEliciting() {
			ackEliciting = true
		}
		c.handleFrame(now, f)
		if c.state != stateEstablished {
			return
		}
	}
	if ackEliciting {
		c.ackPending = true
		c.unackedRecvd++
		switch {
		case c.unackedRecvd >= 2:
			c.ackDeadline = now
		case c.ackDeadline.IsZero():
			c.ackDeadline = now.Add(c.params.MaxAckDelay)
		}
	}
}

func (c *Conn) handleFrame(now time.Time, f *frame) {
	switch f.typ {
	case framePing:
	case frameAck:
		delay := time.Duration(f.ackDelay) * time.Microsecond
		acked, lost := c.rec.onAck(now, f.ranges, delay, c.peerParams.MaxAckDelay)
		for _, p := range acked {
			c.onAcked(p)
		}
		c.requeue(lost)
	case frameStream:
		c.handleStreamFrame(now, f)
	case frameNewConnectionID:
		if c.isClient {
			c.peerCIDs = append(c.peerCIDs, f.cid)
			c.sendCID = f.cid
		}
	case frameHandshakeDone:
		if c.isClient {
			c.confirmed = true
		}
	case frameConnectionClose:
		c.lose(transport.TransportError{Code: f.code, Reason: string(f.data), Remote: true})
	case frameApplicationClose:
		c.lose(transport.ApplicationClose{Code: f.code, Reason: append([]byte{}, f.data...)})
	case frameDatagram:
		c.recvDatagrams = append(c.recvDatagrams, append([]byte{}, f.data...))
		c.appEvents = append(c.appEvents, transport.DatagramReceived())
	}
}

func (c *Conn) handleStreamFrame(now time.Time, f *frame) {
	if !isBidi(f.streamID) {
		c.closeWithError(now, transportError(CodeStreamStateError, "unidirectional stream %d", f.streamID))
		return
	}
	s, err := c.streamForFrame(f.streamID)
	if err != nil {
		c.closeWithError(now, err)
		return
	}
	if s == nil {
		return
	}
	before := len(s.recv.ready)
	if err := s.recv.push(f.offset, f.data, f.fin, c.params.MaxStreamData); err != nil {
		c.closeWithError(now, err)
		return
	}
	if len(s.recv.ready) > before {
		c.appEvents = append(c.appEvents, streamEvent(transport.StreamReadable, s.id))
	}
}

// streamForFrame finds the stream a frame belongs to, opening remote streams implicitly.
// It returns nil if the frame is for a stream that no longer exists.
func (c *Conn) streamForFrame(id uint64) (*stream, error) {
	if s, exists := c.streams[id]; exists {
		return s, nil
	}
	if isClientInitiated(id) == c.isClient {
		return nil, transportError(CodeStreamStateError, "frame for unopened local stream %d", id)
	}
	if id < c.nextRemoteBidi {
		return nil, nil
	}
	for next := c.nextRemoteBidi; next <= id; next += 4 {
		c.streams[next] = &stream{id: next}
		c.acceptQueue = append(c.acceptQueue, next)
		c.appEvents = append(c.appEvents, streamEvent(transport.StreamOpened, next))
	}
	c.nextRemoteBidi = id + 4
	return c.streams[id], nil
}

func streamEvent(kind transport.StreamEventKind, id uint64) transport.AppEvent {
	return transport.StreamEventOf(transport.StreamEvent{Kind: kind, ID: transport.StreamID(id), Bidi: true})
}

func (c *Conn) onAcked(p *sentPacket) {
	for _, f := range p.frames {
		if f.typ != frameStream {
			continue
		}
		s := c.streams[f.streamID]
		if s == nil {
			continue
		}
		s.send.unacked--
		if s.send.done() {
			c.appEvents = append(c.appEvents, streamEvent(transport.StreamFinished, s.id))
		}
	}
}

// requeue schedules the frames of lost packets to be sent again.
func (c *Conn) requeue(lost []*sentPacket) {
	for _, p := range lost {
		for _, f := range p.frames {
			switch f.typ {
			case frameStream, frameNewConnectionID, frameHandshakeDone:
				c.control = append(c.control, f)
			}
		}
	}
}

// lose moves the connection straight to drained.
func (c *Conn) lose(reason error) {
	if c.state == stateDrained {
		return
	}
	if c.reason == nil {
		c.reason = reason
	}
	c.drain()
}

func (c *Conn) drain() {
	c.state = stateDrained
	c.hasFlush = false
	c.ackPending = false
	for _, s := range c.streams {
		if !s.recv.hasFinal && s.recv.err == nil {
			s.recv.err = errors.Wrap(c.reason, "stream aborted")
		}
	}
	c.appEvents = append(c.appEvents, transport.ConnectionLost(c.reason))
	c.endpointEvents = append(c.endpointEvents, Drained{})
}

// Close closes the connection with an application error code.
func (c *Conn) Close(now time.Time, code uint64, reason []byte) {
	c.beginClose(now, frame{typ: frameApplicationClose, code: code, data: append([]byte{}, reason...)}, transport.ErrLocallyClosed)
}

func (c *Conn) closeWithError(now time.Time, err error) {
	var terr transport.TransportError
	if !errors.As(err, &terr) {
		terr = transportError(CodeInternalError, "%v", err)
	}
	c.beginClose(now, frame{typ: frameConnectionClose, code: terr.Code, data: []byte(terr.Reason)}, terr)
}

func (c *Conn) beginClose(now time.Time, f frame, reason error) {
	switch c.state {
	case stateClosing, stateDrained:
		return
	}
	if !c.keysReady {
		c.lose(reason)
		return
	}
	c.reason = reason
	c.state = stateClosing
	c.closeFrame = f
	c.closeSendPending = true
	c.closeDeadline = now.Add(3 * c.rec.rtt.pto(c.peerParams.MaxAckDelay))
	c.hasFlush = false
}

// OpenBidi opens a bidirectional stream.
func (c *Conn) OpenBidi() (transport.StreamID, error) {
	if c.state != stateEstablished {
		return 0, ErrNotConnected
	}
	id := c.nextLocalBidi
	c.nextLocalBidi += 4
	c.streams[id] = &stream{id: id, local: true}
	return transport.StreamID(id), nil
}

// Write queues data on a stream.
func (c *Conn) Write(id transport.StreamID, p []byte) error {
	s, err := c.writableStream(id)
	if err != nil {
		return err
	}
	s.send.pending = append(s.send.pending, p...)
	return nil
}

// Finish marks the end of the data written to a stream.
func (c *Conn) Finish(id transport.StreamID) error {
	s, err := c.writableStream(id)
	if err != nil {
		return err
	}
	s.send.fin = true
	return nil
}

func (c *Conn) writableStream(id transport.StreamID) (*stream, error) {
	if c.state == stateClosing || c.state == stateDrained {
		return nil, ErrConnClosed
	}
	s, exists := c.streams[uint64(id)]
	if !exists {
		return nil, ErrUnknownStream
	}
	if s.send.fin {
		return nil, ErrStreamFinished
	}
	return s, nil
}

// StreamAcked returns true once a finished stream has been fully acknowledged by the peer.
func (c *Conn) StreamAcked(id transport.StreamID) bool {
	s, exists := c.streams[uint64(id)]
	return exists && s.send.done()
}

// SendDatagram queues an unreliable datagram.
func (c *Conn) SendDatagram(p []byte) error {
	if c.state != stateEstablished {
		return ErrNotConnected
	}
	f := frame{typ: frameDatagram, data: p}
	if f.encodedLen() > maxPayload {
		return errors.Errorf("datagram of %d bytes is too large", len(p))
	}
	c.sendDatagrams = append(c.sendDatagrams, append([]byte{}, p...))
	return nil
}

// RecvDatagram returns the next datagram received from the peer.
func (c *Conn) RecvDatagram() ([]byte, bool) {
	if len(c.recvDatagrams) == 0 {
		return nil, false
	}
	d := c.recvDatagrams[0]
	c.recvDatagrams = c.recvDatagrams[1:]
	return d, true
}

// NextTransmit returns the next datagram to send. At most one datagram is produced per call.
func (c *Conn) NextTransmit(now time.Time, maxDatagrams int) (transport.Transmit, bool) {
	if maxDatagrams < 1 {
		return transport.Transmit{}, false
	}
	switch c.state {
	case stateDrained:
		return transport.Transmit{}, false
	case stateClosing:
		if !c.closeSendPending {
			return transport.Transmit{}, false
		}
		c.closeSendPending = false
		return c.seal(now, []frame{c.closeFrame}), true
	}
	if c.handshakePending {
		c.handshakePending = false
		c.handshakeSent = true
		c.handshakeSentAt = now
		return transport.Transmit{Contents: append([]byte{}, c.handshakeDatagram...)}, true
	}
	if !c.keysReady {
		return transport.Transmit{}, false
	}
	frames := c.collectFrames(now)
	if len(frames) == 0 {
		return transport.Transmit{}, false
	}
	return c.seal(now, frames), true
}

// collectFrames fills one packet with what is waiting to be sent.
func (c *Conn) collectFrames(now time.Time) []frame {
	space := maxPayload
	var frames []frame
	ackDue := c.ackPending && !c.ackDeadline.After(now)
	if c.ackPending && (ackDue || c.hasDataToSend()) {
		f := c.ackFrame(now)
		frames = append(frames, f)
		space -= f.encodedLen()
	}
	for len(c.control) > 0 && c.control[0].encodedLen() <= space {
		f := c.control[0]
		c.control = c.control[1:]
		frames = append(frames, f)
		space -= f.encodedLen()
	}
	for len(c.sendDatagrams) > 0 {
		f := frame{typ: frameDatagram, data: c.sendDatagrams[0]}
		if f.encodedLen() > space {
			break
		}
		c.sendDatagrams = c.sendDatagrams[1:]
		frames = append(frames, f)
		space -= f.encodedLen()
	}
	for _, id := range c.sortedStreamIDs() {
		s := c.streams[id]
		if !s.send.hasData() {
			continue
		}
		hdr := frame{typ: frameStream, streamID: id, offset: s.send.offset}
		// room for the length varint to grow.
		avail := space - hdr.encodedLen() - 4
		if avail <= 0 || (avail < 32 && len(s.send.pending) > avail) {
			break
		}
		f := s.send.take(id, avail)
		frames = append(frames, f)
		space -= f.encodedLen()
	}
	return frames
}

func (c *Conn) hasDataToSend() bool {
	if len(c.control) > 0 || len(c.sendDatagrams) > 0 {
		return true
	}
	for _, s := range c.streams {
		if s.send.hasData() {
			return true
		}
	}
	return false
}

func (c *Conn) ackFrame(now time.Time) frame {
	delay := uint64(now.Sub(c.largestRecvdAt) / time.Microsecond)
	c.ackPending = false
	c.ackDeadline = time.Time{}
	c.unackedRecvd = 0
	return frame{typ: frameAck, ackDelay: delay, ranges: c.recvd.snapshot()}
}

// seal encrypts frames into a Short packet and tracks it for loss recovery.
func (c *Conn) seal(now time.Time, frames []frame) transport.Transmit {
	var payload []byte
	p := &sentPacket{pn: c.nextPN, sentAt: now}
	c.nextPN++
	for i := range frames {
		f := &frames[i]
		payload = f.appendTo(payload)
		if f.ackEliciting() {
			p.ackEliciting = true
		}
		switch f.typ {
		case frameStream, frameNewConnectionID, frameHandshakeDone:
			p.frames = append(p.frames, *f)
		}
	}
	if p.ackEliciting && c.state != stateClosing {
		c.rec.onSent(p)
	}
	return transport.Transmit{Contents: sealShort(c.keys.send, c.sendCID, p.pn, payload)}
}

func (c *Conn) sortedStreamIDs() []uint64 {
	ids := maps.Keys(c.streams)
	slices.Sort(ids)
	return ids
}

func (c *Conn) idleTimeout() time.Duration {
	d := c.params.IdleTimeout
	if p := c.peerParams.IdleTimeout; p > 0 && p < d {
		d = p
	}
	return d
}

func (c *Conn) handshakeDeadline() (time.Time, bool) {
	if !c.handshakeSent || c.handshakePending || c.state != stateHandshaking {
		return time.Time{}, false
	}
	return c.handshakeSentAt.Add((2 * initialRTT) << c.handshakeAttempts), true
}

func (c *Conn) NextTimerDeadline() (time.Time, bool) {
	var earliest time.Time
	var found bool
	consider := func(t time.Time, ok bool) {
		if ok && (!found || t.Before(earliest)) {
			earliest, found = t, true
		}
	}
	switch c.state {
	case stateDrained:
		return time.Time{}, false
	case stateClosing:
		return c.closeDeadline, true
	}
	consider(c.flushAt, c.hasFlush)
	consider(c.lastActivity.Add(c.idleTimeout()), true)
	consider(c.handshakeDeadline())
	consider(c.ackDeadline, c.ackPending)
	consider(c.rec.lossTime, !c.rec.lossTime.IsZero())
	consider(c.rec.ptoDeadline(c.peerParams.MaxAckDelay))
	return earliest, found
}

func (c *Conn) FireTimeout(now time.Time) {
	switch c.state {
	case stateDrained:
		return
	case stateClosing:
		if !c.closeDeadline.After(now) {
			c.drain()
		}
		return
	}
	if c.hasFlush && !c.flushAt.After(now) {
		c.hasFlush = false
	}
	if !c.lastActivity.Add(c.idleTimeout()).After(now) {
		c.lose(transport.ErrTimedOut)
		return
	}
	if d, ok := c.handshakeDeadline(); ok && !d.After(now) {
		c.handshakePending = true
		c.handshakeAttempts++
	}
	if !c.rec.lossTime.IsZero() && !c.rec.lossTime.After(now) {
		c.requeue(c.rec.detectLost(now))
	} else if d, ok := c.rec.ptoDeadline(c.peerParams.MaxAckDelay); ok && !d.After(now) {
		c.requeue(c.rec.onPTO())
		c.control = append(c.control, frame{typ: framePing})
	}
}

func (c *Conn) NextEndpointEvent() (transport.EndpointEvent, bool) {
	if len(c.endpointEvents) == 0 {
		return nil, false
	}
	ev := c.endpointEvents[0]
	c.endpointEvents = c.endpointEvents[1:]
	return ev, true
}

func (c *Conn) NextAppEvent() (transport.AppEvent, bool) {
	if len(c.appEvents) == 0 {
		return transport.AppEvent{}, false
	}
	ev := c.appEvents[0]
	c.appEvents = c.appEvents[1:]
	return ev, true
}

func (c *Conn) AcceptBidiStream() (transport.StreamID, bool) {
	if len(c.acceptQueue) == 0 {
		return 0, false
	}
	id := c.acceptQueue[0]
	c.acceptQueue = c.acceptQueue[1:]
	return transport.StreamID(id), true
}

func (c *Conn) ReadStream(id transport.StreamID) (transport.RecvStream, error) {
	s, exists := c.streams[uint64(id)]
	if !exists {
		return nil, errors.Wrapf(ErrUnknownStream, "stream %d", id)
	}
	return recvStream{s: s}, nil
}
