package shoalproto

import (
	"fmt"

	"github.com/pkg/errors"

	"go.shoal.dev/shoal/src/transport"
)

// Transport error codes carried by CONNECTION_CLOSE.
const (
	CodeNoError            = 0x0
	CodeInternalError      = 0x1
	CodeFlowControlError   = 0x3
	CodeStreamStateError   = 0x5
	CodeFinalSizeError     = 0x6
	CodeFrameEncodingError = 0x7
	CodeProtocolViolation  = 0xa
	CodeCryptoError        = 0x100
)

var (
	ErrUnknownStream  = errors.New("unknown stream")
	ErrStreamFinished = errors.New("stream already finished")
	ErrNotConnected   = errors.New("connection is not established")
	ErrConnClosed     = errors.New("connection is closed")
	ErrBadCertificate = errors.New("server certificate rejected")
)

func transportError(code uint64, format string, args ...any) transport.TransportError {
	return transport.TransportError{Code: code, Reason: fmt.Sprintf(format, args...)}
}
