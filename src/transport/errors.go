package transport

import (
	"errors"
	"fmt"
	"net"
)

var (
	ErrTimedOut      = errors.New("connection timed out")
	ErrLocallyClosed = errors.New("connection closed locally")
	ErrUnknownHandle = errors.New("unknown connection handle")
	ErrClosed        = net.ErrClosed
)

// ApplicationClose is the reason a session was lost when the peer closed it at the application layer.
type ApplicationClose struct {
	Code   uint64
	Reason []byte
}

func (e ApplicationClose) Error() string {
	return fmt.Sprintf("closed by peer: application code=%d reason=%q", e.Code, e.Reason)
}

func IsApplicationClose(err error) bool {
	return errors.As(err, &ApplicationClose{})
}

// TransportError is the reason a session was lost because of a protocol violation.
type TransportError struct {
	Code   uint64
	Reason string
	// Remote is true if the error was reported by the peer.
	Remote bool
}

func (e TransportError) Error() string {
	who := "local"
	if e.Remote {
		who = "remote"
	}
	return fmt.Sprintf("%s transport error code=%#x: %s", who, e.Code, e.Reason)
}

func IsTransportError(err error) bool {
	return errors.As(err, &TransportError{})
}

// StreamReadError is the reason a session was torn down after one of its streams could not be read.
type StreamReadError struct {
	ID  StreamID
	Err error
}

func (e StreamReadError) Error() string {
	return fmt.Sprintf("reading stream %d: %v", e.ID, e.Err)
}

func (e StreamReadError) Unwrap() error {
	return e.Err
}

func IsStreamReadError(err error) bool {
	return errors.As(err, &StreamReadError{})
}

// CodeStreamReadFailed is the application close code used when the loop tears down a session
// because one of its streams could not be read.
const CodeStreamReadFailed = 0x1
