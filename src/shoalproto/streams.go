package shoalproto

import (
	"go.shoal.dev/shoal/src/transport"
)

// isClientInitiated reports whether a stream id was opened by the client.
func isClientInitiated(id uint64) bool {
	return id&0x1 == 0
}

// isBidi reports whether a stream id is bidirectional.
func isBidi(id uint64) bool {
	return id&0x2 == 0
}

// recvBuf reassembles the data received on a stream.
type recvBuf struct {
	// contig is the offset up to which data has been received without gaps.
	contig uint64
	// segs holds data received beyond contig, by offset.
	segs  map[uint64][]byte
	ready [][]byte

	finalSize uint64
	hasFinal  bool
	// finDelivered is set once the reader has been told the stream is finished.
	finDelivered bool
	err          error
}

// push adds a received frame. It returns a transport error if the frame violates a limit.
func (b *recvBuf) push(off uint64, data []byte, fin bool, limit uint64) error {
	end := off + uint64(len(data))
	if end > limit {
		return transportError(CodeFlowControlError, "stream data beyond limit %d", limit)
	}
	if b.hasFinal && end > b.finalSize {
		return transportError(CodeFinalSizeError, "stream data beyond final size %d", b.finalSize)
	}
	if fin {
		if b.hasFinal && b.finalSize != end {
			return transportError(CodeFinalSizeError, "final size changed from %d to %d", b.finalSize, end)
		}
		if end < b.contig {
			return transportError(CodeFinalSizeError, "final size %d below received %d", end, b.contig)
		}
		b.finalSize, b.hasFinal = end, true
	}
	if end <= b.contig {
		return nil
	}
	if off < b.contig {
		data = data[b.contig-off:]
		off = b.contig
	}
	if b.segs == nil {
		b.segs = make(map[uint64][]byte)
	}
	if prev, exists := b.segs[off]; !exists || len(prev) < len(data) {
		b.segs[off] = append([]byte{}, data...)
	}
	b.advance()
	return nil
}

func (b *recvBuf) advance() {
	for {
		d, ok := b.segs[b.contig]
		if ok {
			delete(b.segs, b.contig)
			b.ready = append(b.ready, d)
			b.contig += uint64(len(d))
			continue
		}
		// a segment starting below contig may still reach past it.
		moved := false
		for off, d := range b.segs {
			if off >= b.contig {
				continue
			}
			delete(b.segs, off)
			if end := off + uint64(len(d)); end > b.contig {
				rest := d[b.contig-off:]
				if prev, exists := b.segs[b.contig]; !exists || len(prev) < len(rest) {
					b.segs[b.contig] = rest
				}
				moved = true
			}
		}
		if !moved {
			return
		}
	}
}

func (b *recvBuf) finished() bool {
	return b.hasFinal && b.contig == b.finalSize && len(b.ready) == 0
}

// next pops the next readable chunk.
func (b *recvBuf) next() ([]byte, bool, error) {
	if len(b.ready) == 0 {
		if b.err != nil {
			return nil, false, b.err
		}
		return nil, false, nil
	}
	d := b.ready[0]
	b.ready = b.ready[1:]
	return d, true, nil
}

// sendBuf holds the data written to a stream which has not been sent yet.
type sendBuf struct {
	pending []byte
	// offset is the stream offset of pending[0].
	offset  uint64
	fin     bool
	finSent bool
	// unacked counts STREAM frames sent and not acknowledged.
	unacked int
}

// hasData reports whether a new STREAM frame should be sent.
func (b *sendBuf) hasData() bool {
	return len(b.pending) > 0 || (b.fin && !b.finSent)
}

// take produces a STREAM frame of at most max data bytes.
func (b *sendBuf) take(id uint64, max int) frame {
	n := len(b.pending)
	if n > max {
		n = max
	}
	f := frame{
		typ:      frameStream,
		streamID: id,
		offset:   b.offset,
		data:     append([]byte{}, b.pending[:n]...),
	}
	b.pending = b.pending[n:]
	b.offset += uint64(n)
	if len(b.pending) == 0 && b.fin {
		f.fin = true
		b.finSent = true
	}
	b.unacked++
	return f
}

func (b *sendBuf) done() bool {
	return b.fin && b.finSent && len(b.pending) == 0 && b.unacked == 0
}

type stream struct {
	id   uint64
	recv recvBuf
	send sendBuf
	// local is true if the stream was opened by this side.
	local bool
}

// recvStream is the transport.RecvStream of one stream.
type recvStream struct {
	s *stream
}

var _ transport.RecvStream = recvStream{}

func (r recvStream) Next() ([]byte, bool, error) {
	return r.s.recv.next()
}
