package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/danmuck/lifeline/internal/protocol/frame"
	"github.com/rs/zerolog/log"
	"github.com/valyala/bytebufferpool"
)

// streamEndpoint owns one persistent connection. Only the owning goroutine
// performs I/O; mu guards the conn pointer so Close can interrupt it.
type streamEndpoint struct {
	peer   string
	cfg    Config
	dialer net.Dialer

	mu         sync.Mutex
	conn       net.Conn
	redial     backoff.BackOff
	nextDialAt time.Time

	pending []byte
	buf     [frame.TokenLen * 8]byte
	closed  atomic.Bool
}

func openStream(ctx context.Context, peer string, cfg Config) (*streamEndpoint, error) {
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	if cfg.LocalAddr != "" {
		local, err := net.ResolveTCPAddr("tcp", cfg.LocalAddr)
		if err != nil {
			return nil, newError(KindSetupFailed, "resolve", peer, err)
		}
		dialer.LocalAddr = local
	}
	if _, err := net.ResolveTCPAddr("tcp", cfg.RemoteAddr); err != nil {
		return nil, newError(KindSetupFailed, "resolve", peer, err)
	}
	e := &streamEndpoint{
		peer:    peer,
		cfg:     cfg,
		dialer:  dialer,
		redial:  cfg.Redial.NewBackOff(),
		pending: make([]byte, 0, frame.TokenLen*2),
	}
	// The companion may not be listening yet; an unreachable peer is left
	// disconnected and redialed on the next I/O. A local address that cannot
	// be bound will not fix itself and fails setup.
	if _, err := e.reconnect(ctx, "dial", nil); err != nil {
		if cfg.LocalAddr != "" && isBindError(err) {
			var te *Error
			if errors.As(err, &te) {
				err = te.Err
			}
			return nil, newError(KindSetupFailed, "bind", peer, err)
		}
		log.Debug().
			Str("peer", peer).
			Str("remote", cfg.RemoteAddr).
			Err(err).
			Msg("transport.streamEndpoint.open initial dial failed")
	}
	return e, nil
}

func (e *streamEndpoint) LocalAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		return e.conn.LocalAddr().String()
	}
	if e.dialer.LocalAddr != nil {
		return e.dialer.LocalAddr.String()
	}
	return ""
}

func (e *streamEndpoint) Send(ctx context.Context, tok frame.Token) error {
	if e.closed.Load() {
		return newError(KindClosed, "send", e.peer, ErrClosed)
	}
	bb := encodePooled(tok)
	defer bytebufferpool.Put(bb)

	if conn := e.current(); conn != nil {
		err := e.write(ctx, conn, bb.B, false)
		if err == nil || KindOf(err) == KindClosed {
			return err
		}
		e.dropConn(conn)
		conn, err = e.reconnect(ctx, "send", err)
		if err != nil {
			return err
		}
		return e.write(ctx, conn, bb.B, true)
	}
	conn, err := e.reconnect(ctx, "send", nil)
	if err != nil {
		return err
	}
	return e.write(ctx, conn, bb.B, true)
}

// write sends b on conn; final marks the post-reconnect attempt, whose
// failure surfaces as KindBroken.
func (e *streamEndpoint) write(ctx context.Context, conn net.Conn, b []byte, final bool) error {
	if err := conn.SetWriteDeadline(writeDeadline(ctx, e.cfg.IOTimeout)); err != nil {
		return e.classify("send", err, final)
	}
	if _, err := conn.Write(b); err != nil {
		if final {
			e.dropConn(conn)
		}
		return e.classify("send", err, final)
	}
	return nil
}

func (e *streamEndpoint) TryReceive(ctx context.Context, maxWait time.Duration) (frame.Token, bool, error) {
	if e.closed.Load() {
		return frame.Token{}, false, newError(KindClosed, "receive", e.peer, ErrClosed)
	}
	if tok, ok, err := e.takePending(); ok || err != nil {
		return tok, ok, err
	}
	if ctx.Err() != nil {
		return frame.Token{}, false, nil
	}
	conn := e.current()
	if conn == nil {
		var err error
		if conn, err = e.reconnect(ctx, "receive", nil); err != nil {
			return frame.Token{}, false, err
		}
	}
	if err := conn.SetReadDeadline(readDeadline(ctx, maxWait)); err != nil {
		return frame.Token{}, false, e.classify("receive", err, false)
	}
	for len(e.pending) < frame.TokenLen {
		n, err := conn.Read(e.buf[:])
		e.pending = append(e.pending, e.buf[:n]...)
		if err == nil {
			continue
		}
		if isTimeout(err) {
			break
		}
		if e.closed.Load() || isClosed(err) {
			return frame.Token{}, false, newError(KindClosed, "receive", e.peer, err)
		}
		e.dropConn(conn)
		if !errors.Is(err, io.EOF) {
			log.Debug().Str("peer", e.peer).Err(err).Msg("transport.streamEndpoint.receive read failed")
		}
		if _, rerr := e.reconnect(ctx, "receive", err); rerr != nil {
			return frame.Token{}, false, rerr
		}
		return frame.Token{}, false, nil
	}
	return e.takePending()
}

// takePending decodes one buffered token, keeping the stream aligned on
// fixed-size frames even when the marker is unknown.
func (e *streamEndpoint) takePending() (frame.Token, bool, error) {
	if len(e.pending) < frame.TokenLen {
		return frame.Token{}, false, nil
	}
	raw := e.pending[:frame.TokenLen]
	tok, err := decodeReceived("receive", e.peer, raw)
	e.pending = append(e.pending[:0], e.pending[frame.TokenLen:]...)
	if err != nil {
		return frame.Token{}, false, err
	}
	return tok, true, nil
}

func (e *streamEndpoint) current() net.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

func (e *streamEndpoint) dropConn(conn net.Conn) {
	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
		e.pending = e.pending[:0]
	}
	e.mu.Unlock()
	_ = conn.Close()
}

// reconnect makes exactly one dial attempt, unless the previous failure's
// backoff window is still open, in which case it fails without dialing.
func (e *streamEndpoint) reconnect(ctx context.Context, op string, cause error) (net.Conn, error) {
	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return nil, newError(KindClosed, op, e.peer, ErrClosed)
	}
	if wait := time.Until(e.nextDialAt); wait > 0 {
		e.mu.Unlock()
		err := fmt.Errorf("redial deferred %s", wait.Round(time.Millisecond))
		if cause != nil {
			err = fmt.Errorf("%w: %w", cause, err)
		}
		return nil, newError(KindBroken, op, e.peer, err)
	}
	e.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.DialTimeout)
	defer cancel()
	conn, err := e.dialer.DialContext(dialCtx, "tcp", e.cfg.RemoteAddr)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.nextDialAt = time.Now().Add(e.redial.NextBackOff())
		return nil, newError(KindBroken, op, e.peer, err)
	}
	if e.closed.Load() {
		_ = conn.Close()
		return nil, newError(KindClosed, op, e.peer, ErrClosed)
	}
	e.redial.Reset()
	e.nextDialAt = time.Time{}
	e.conn = conn
	e.pending = e.pending[:0]
	log.Debug().
		Str("peer", e.peer).
		Str("local", conn.LocalAddr().String()).
		Str("remote", conn.RemoteAddr().String()).
		Msg("transport.streamEndpoint.reconnect connected")
	return conn, nil
}

func (e *streamEndpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (e *streamEndpoint) classify(op string, err error, final bool) error {
	switch {
	case e.closed.Load() || isClosed(err):
		return newError(KindClosed, op, e.peer, err)
	case final:
		return newError(KindBroken, op, e.peer, err)
	default:
		return newError(KindTransient, op, e.peer, err)
	}
}
