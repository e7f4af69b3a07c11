package transport

import (
	"errors"
	"fmt"
)

var (
	ErrClosed        = errors.New("transport: endpoint closed")
	ErrForeignSender = errors.New("transport: datagram from unexpected sender")
)

// ErrorKind classifies a channel failure for the monitor.
type ErrorKind string

const (
	// KindTransient is a single failed send/receive; retried on the next tick.
	KindTransient ErrorKind = "transient"
	// KindBroken is a stream whose single reconnect attempt failed.
	KindBroken ErrorKind = "broken"
	// KindSetupFailed means the endpoint could not be constructed.
	KindSetupFailed ErrorKind = "setup_failed"
	// KindMalformed is a received payload that is not a recognized token.
	KindMalformed ErrorKind = "malformed"
	// KindForeign is a datagram from an address other than the peer's.
	// It is dropped like a malformed payload.
	KindForeign ErrorKind = "foreign"
	// KindClosed is an operation on a closed endpoint.
	KindClosed ErrorKind = "closed"
)

// Error is the only error type endpoints return.
type Error struct {
	Kind ErrorKind
	Op   string
	Peer string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s %s peer=%q: %v", e.Op, e.Kind, e.Peer, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// Discarded reports whether err only means one inbound payload was dropped,
// so the caller may keep reading.
func Discarded(err error) bool {
	switch KindOf(err) {
	case KindMalformed, KindForeign:
		return true
	default:
		return false
	}
}

func newError(kind ErrorKind, op, peer string, err error) *Error {
	return &Error{Kind: kind, Op: op, Peer: peer, Err: err}
}
