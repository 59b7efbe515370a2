package shoalproto

import (
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go/quicvarint"
)

type frameType uint64

const (
	framePing             frameType = 0x01
	frameAck              frameType = 0x02
	frameStream           frameType = 0x08
	frameNewConnectionID  frameType = 0x18
	frameConnectionClose  frameType = 0x1c
	frameApplicationClose frameType = 0x1d
	frameHandshakeDone    frameType = 0x1e
	frameDatagram         frameType = 0x30
)

// frame is a decoded frame.
// Only the fields relevant to its type are set.
type frame struct {
	typ frameType

	// ACK
	ackDelay uint64
	ranges   []pnRange

	// STREAM
	streamID uint64
	offset   uint64
	fin      bool

	// NEW_CONNECTION_ID
	seq uint64
	cid CID

	// CONNECTION_CLOSE, APPLICATION_CLOSE
	code uint64

	// STREAM, DATAGRAM data. CONNECTION_CLOSE, APPLICATION_CLOSE reason.
	data []byte
}

func (f *frame) ackEliciting() bool {
	switch f.typ {
	case frameAck, frameConnectionClose, frameApplicationClose:
		return false
	default:
		return true
	}
}

// encodedLen is the number of bytes appendTo will append.
func (f *frame) encodedLen() int {
	n := quicvarint.Len(uint64(f.typ))
	switch f.typ {
	case frameAck:
		n += len(appendAck(nil, f.ackDelay, f.ranges))
	case frameStream:
		n += quicvarint.Len(f.streamID) + quicvarint.Len(f.offset) + 1 + quicvarint.Len(uint64(len(f.data))) + len(f.data)
	case frameNewConnectionID:
		n += quicvarint.Len(f.seq) + CIDLen
	case frameConnectionClose, frameApplicationClose:
		n += quicvarint.Len(f.code) + quicvarint.Len(uint64(len(f.data))) + len(f.data)
	case frameDatagram:
		n += quicvarint.Len(uint64(len(f.data))) + len(f.data)
	}
	return n
}

func (f *frame) appendTo(out []byte) []byte {
	out = quicvarint.Append(out, uint64(f.typ))
	switch f.typ {
	case framePing, frameHandshakeDone:
	case frameAck:
		out = appendAck(out, f.ackDelay, f.ranges)
	case frameStream:
		out = quicvarint.Append(out, f.streamID)
		out = quicvarint.Append(out, f.offset)
		if f.fin {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
		out = quicvarint.Append(out, uint64(len(f.data)))
		out = append(out, f.data...)
	case frameNewConnectionID:
		out = quicvarint.Append(out, f.seq)
		out = append(out, f.cid[:]...)
	case frameConnectionClose, frameApplicationClose:
		out = quicvarint.Append(out, f.code)
		out = quicvarint.Append(out, uint64(len(f.data)))
		out = append(out, f.data...)
	case frameDatagram:
		out = quicvarint.Append(out, uint64(len(f.data)))
		out = append(out, f.data...)
	default:
		panic(errors.Errorf("cannot encode frame type %#x", f.typ))
	}
	return out
}

// appendAck encodes ranges, which must be sorted in descending order and disjoint.
// The layout is: largest, delay, range count, first range length, then gap and length for every other range.
func appendAck(out []byte, delay uint64, ranges []pnRange) []byte {
	largest := ranges[0].hi
	out = quicvarint.Append(out, largest)
	out = quicvarint.Append(out, delay)
	out = quicvarint.Append(out, uint64(len(ranges)-1))
	out = quicvarint.Append(out, ranges[0].hi-ranges[0].lo)
	prevLo := ranges[0].lo
	for _, r := range ranges[1:] {
		out = quicvarint.Append(out, prevLo-r.hi-2)
		out = quicvarint.Append(out, r.hi-r.lo)
		prevLo = r.lo
	}
	return out
}

type frameReader struct {
	data []byte
	err  error
}

func (r *frameReader) varint() uint64 {
	if r.err != nil {
		return 0
	}
	x, n, err := quicvarint.Parse(r.data)
	if err != nil {
		r.err = err
		return 0
	}
	r.data = r.data[n:]
	return x
}

func (r *frameReader) bytes(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if uint64(len(r.data)) < n {
		r.err = errors.Errorf("frame truncated: need %d bytes, have %d", n, len(r.data))
		return nil
	}
	x := r.data[:n]
	r.data = r.data[n:]
	return x
}

// parseFrames decodes every frame in a packet payload.
// The returned frames alias payload.
func parseFrames(payload []byte) ([]frame, error) {
	r := frameReader{data: payload}
	var frames []frame
	for len(r.data) > 0 {
		f := frame{typ: frameType(r.varint())}
		switch f.typ {
		case framePing, frameHandshakeDone:
		case frameAck:
			f.ranges, f.ackDelay = r.ack()
		case frameStream:
			f.streamID = r.varint()
			f.offset = r.varint()
			switch fin := r.bytes(1); {
			case fin == nil:
			case fin[0] > 1:
				r.err = errors.Errorf("invalid fin flag %d", fin[0])
			default:
				f.fin = fin[0] == 1
			}
			f.data = r.bytes(r.varint())
		case frameNewConnectionID:
			f.seq = r.varint()
			copy(f.cid[:], r.bytes(CIDLen))
		case frameConnectionClose, frameApplicationClose:
			f.code = r.varint()
			f.data = r.bytes(r.varint())
		case frameDatagram:
			f.data = r.bytes(r.varint())
		default:
			if r.err == nil {
				r.err = errors.Errorf("unknown frame type %#x", uint64(f.typ))
			}
		}
		if r.err != nil {
			return nil, r.err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func (r *frameReader) ack() ([]pnRange, uint64) {
	largest := r.varint()
	delay := r.varint()
	count := r.varint()
	first := r.varint()
	if r.err != nil {
		return nil, 0
	}
	if first > largest {
		r.err = errors.Errorf("ack range underflows: largest=%d first=%d", largest, first)
		return nil, 0
	}
	ranges := []pnRange{{lo: largest - first, hi: largest}}
	for i := uint64(0); i < count && r.err == nil; i++ {
		gap := r.varint()
		length := r.varint()
		prevLo := ranges[len(ranges)-1].lo
		if prevLo < gap+2 || prevLo-gap-2 < length {
			r.err = errors.Errorf("ack range underflows")
			break
		}
		hi := prevLo - gap - 2
		ranges = append(ranges, pnRange{lo: hi - length, hi: hi})
	}
	return ranges, delay
}
