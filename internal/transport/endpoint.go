package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/danmuck/lifeline/internal/protocol/frame"
	"github.com/rs/zerolog/log"
	"github.com/valyala/bytebufferpool"
)

// Endpoint is one bidirectional heartbeat channel to a single peer.
type Endpoint interface {
	// Send writes exactly one token, bounded by the configured IOTimeout.
	Send(ctx context.Context, tok frame.Token) error
	// TryReceive waits at most maxWait for one token. A timeout yields
	// ok=false with a nil error. Unrecognized payloads are discarded and
	// reported as KindMalformed; datagrams from other senders as KindForeign.
	TryReceive(ctx context.Context, maxWait time.Duration) (tok frame.Token, ok bool, err error)
	// Close releases the underlying socket. Safe to call more than once.
	Close() error
	LocalAddr() string
}

// Open acquires the socket for one peer channel. On failure nothing is left
// open and the error is a *Error of KindSetupFailed.
func Open(ctx context.Context, peer string, cfg Config) (Endpoint, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, newError(KindSetupFailed, "open", peer, err)
	}
	var (
		ep  Endpoint
		err error
	)
	switch cfg.Network {
	case NetworkStream:
		ep, err = openStream(ctx, peer, cfg)
	default:
		ep, err = openDatagram(ctx, peer, cfg)
	}
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// writeDeadline is IOTimeout from now, tightened by the context deadline.
func writeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}

func readDeadline(ctx context.Context, maxWait time.Duration) time.Time {
	return writeDeadline(ctx, maxWait)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, ErrClosed)
}

// isBindError reports a local address that cannot be bound: taken by another
// socket or not assigned to this host.
func isBindError(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || errors.Is(err, syscall.EADDRNOTAVAIL)
}

// encodePooled renders tok into a pooled buffer; release with bytebufferpool.Put.
func encodePooled(tok frame.Token) *bytebufferpool.ByteBuffer {
	bb := bytebufferpool.Get()
	bb.B = frame.AppendToken(bb.B[:0], tok)
	return bb
}

func decodeReceived(op, peer string, raw []byte) (frame.Token, error) {
	tok, err := frame.DecodeToken(raw)
	if err != nil {
		log.Warn().
			Str("peer", peer).
			Int("bytes", len(raw)).
			Err(err).
			Msg("transport.decode discarded payload")
		return frame.Token{}, newError(KindMalformed, op, peer, err)
	}
	return tok, nil
}
