package shoalproto

import (
	"crypto/x509"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"
)

const (
	// Version is the only protocol version spoken.
	Version = 1

	// MaxDatagramSize is the largest datagram ever sent.
	MaxDatagramSize = 1200
	// MinInitialSize is the size Initial datagrams are padded to.
	// Servers drop smaller Initials.
	MinInitialSize = 1200

	DefaultIdleTimeout   = 30 * time.Second
	DefaultMaxStreamData = 1 << 20
	DefaultMaxAckDelay   = 25 * time.Millisecond
	DefaultClosedCIDTTL  = time.Minute
	// DefaultMaxNewSessionsPerSecond bounds how fast an endpoint admits new sessions.
	DefaultMaxNewSessionsPerSecond = 1000

	initialRTT       = 100 * time.Millisecond
	packetThreshold  = 3
	timerGranularity = time.Millisecond
)

// Params are the transport parameters of one side of a connection.
type Params struct {
	IdleTimeout   time.Duration
	MaxStreamData uint64
	MaxAckDelay   time.Duration
}

func (p Params) withDefaults() Params {
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = DefaultIdleTimeout
	}
	if p.MaxStreamData == 0 {
		p.MaxStreamData = DefaultMaxStreamData
	}
	if p.MaxAckDelay <= 0 {
		p.MaxAckDelay = DefaultMaxAckDelay
	}
	return p
}

// Credentials are what a server proves its identity with.
type Credentials struct {
	// Chain holds DER encoded certificates, leaf first.
	Chain [][]byte
	// PrivateKey is the key of the leaf certificate.
	PrivateKey ed25519.PrivateKey
}

// Config configures an Endpoint.
type Config struct {
	Credentials Credentials
	Params      Params

	// MaxNewSessionsPerSecond limits how fast new sessions are admitted.
	// Negative means unlimited.
	MaxNewSessionsPerSecond float64
	// ClosedCIDTTL is how long datagrams for a closed connection are recognized and dropped.
	ClosedCIDTTL time.Duration
}

// ClientConfig configures a client connection.
type ClientConfig struct {
	// ServerName is checked against the server certificate.
	ServerName string
	// Roots is the set of certificates trusted to identify servers.
	Roots *x509.CertPool
	// InsecureSkipVerify accepts any server certificate.
	InsecureSkipVerify bool

	Params Params
}
