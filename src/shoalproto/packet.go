package shoalproto

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go/quicvarint"
)

// PacketType is the first byte of every datagram.
type PacketType uint8

const (
	PacketInitial   PacketType = 0x01
	PacketHandshake PacketType = 0x02
	PacketShort     PacketType = 0x03
)

func (t PacketType) String() string {
	switch t {
	case PacketInitial:
		return "Initial"
	case PacketHandshake:
		return "Handshake"
	case PacketShort:
		return "Short"
	default:
		return "Unknown"
	}
}

// CIDLen is the length of a connection id.
const CIDLen = 8

// CID is a connection id.
type CID [CIDLen]byte

func NewCID() CID {
	var cid CID
	if _, err := rand.Read(cid[:]); err != nil {
		panic(err)
	}
	return cid
}

func (c CID) String() string {
	return hex.EncodeToString(c[:])
}

const (
	headerLen    = 1 + CIDLen
	pnLen        = 8
	shortHdrLen  = headerLen + pnLen
	aeadOverhead = 16
	// maxPayload is the most frame bytes a Short packet can carry.
	maxPayload = MaxDatagramSize - shortHdrLen - aeadOverhead
)

// Header is the cleartext prefix of every datagram.
type Header struct {
	Type PacketType
	CID  CID
}

// ParseHeader parses the header and returns the rest of the datagram.
func ParseHeader(data []byte) (Header, []byte, error) {
	if len(data) < headerLen {
		return Header{}, nil, errors.Errorf("datagram too short for header: %d", len(data))
	}
	hdr := Header{Type: PacketType(data[0])}
	switch hdr.Type {
	case PacketInitial, PacketHandshake, PacketShort:
	default:
		return Header{}, nil, errors.Errorf("unknown packet type %#x", data[0])
	}
	copy(hdr.CID[:], data[1:headerLen])
	return hdr, data[headerLen:], nil
}

func appendHeader(out []byte, hdr Header) []byte {
	out = append(out, byte(hdr.Type))
	return append(out, hdr.CID[:]...)
}

// appendInitial appends an Initial packet carrying the first handshake message.
// The datagram is padded to MinInitialSize.
func appendInitial(out []byte, cid CID, msg []byte) []byte {
	start := len(out)
	out = appendHeader(out, Header{Type: PacketInitial, CID: cid})
	out = quicvarint.Append(out, Version)
	out = quicvarint.Append(out, uint64(len(msg)))
	out = append(out, msg...)
	for len(out)-start < MinInitialSize {
		out = append(out, 0)
	}
	return out
}

// parseInitial returns the handshake message in the body of an Initial.
func parseInitial(datagramLen int, body []byte) ([]byte, error) {
	if datagramLen < MinInitialSize {
		return nil, errors.Errorf("initial datagram too small: %d", datagramLen)
	}
	version, n, err := quicvarint.Parse(body)
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, errors.Errorf("unsupported version %d", version)
	}
	return parseLengthPrefixed(body[n:])
}

func appendHandshake(out []byte, cid CID, msg []byte) []byte {
	out = appendHeader(out, Header{Type: PacketHandshake, CID: cid})
	out = quicvarint.Append(out, uint64(len(msg)))
	return append(out, msg...)
}

func parseHandshake(body []byte) ([]byte, error) {
	return parseLengthPrefixed(body)
}

func parseLengthPrefixed(data []byte) ([]byte, error) {
	l, n, err := quicvarint.Parse(data)
	if err != nil {
		return nil, err
	}
	data = data[n:]
	if uint64(len(data)) < l {
		return nil, errors.Errorf("length %d exceeds remaining %d bytes", l, len(data))
	}
	return data[:l], nil
}

// aead is the part of noise.Cipher used to protect Short packets.
type aead interface {
	Encrypt(out []byte, n uint64, ad, plaintext []byte) []byte
	Decrypt(out []byte, n uint64, ad, ciphertext []byte) ([]byte, error)
}

// sealShort builds a Short packet.
// The packet number is the AEAD nonce and the header is authenticated.
func sealShort(c aead, cid CID, pn uint64, payload []byte) []byte {
	out := make([]byte, 0, shortHdrLen+len(payload)+aeadOverhead)
	out = appendHeader(out, Header{Type: PacketShort, CID: cid})
	out = binary.BigEndian.AppendUint64(out, pn)
	return c.Encrypt(out, pn, out[:shortHdrLen], payload)
}

// openShort authenticates and decrypts the body of a Short packet.
func openShort(c aead, datagram []byte) (uint64, []byte, error) {
	if len(datagram) < shortHdrLen+aeadOverhead {
		return 0, nil, errors.Errorf("short packet too small: %d", len(datagram))
	}
	pn := binary.BigEndian.Uint64(datagram[headerLen:shortHdrLen])
	payload, err := c.Decrypt(nil, pn, datagram[:shortHdrLen], datagram[shortHdrLen:])
	if err != nil {
		return 0, nil, errors.Wrap(err, "decrypting short packet")
	}
	return pn, payload, nil
}
