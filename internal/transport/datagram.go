package transport

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/danmuck/lifeline/internal/protocol/frame"
	"github.com/rs/zerolog/log"
	"github.com/valyala/bytebufferpool"
)

// maxDatagram bounds one read; anything longer than a token is malformed anyway.
const maxDatagram = 512

type datagramEndpoint struct {
	peer   string
	cfg    Config
	conn   *net.UDPConn
	remote *net.UDPAddr
	buf    [maxDatagram]byte
	closed atomic.Bool
}

func openDatagram(ctx context.Context, peer string, cfg Config) (*datagramEndpoint, error) {
	remote, err := net.ResolveUDPAddr("udp", cfg.RemoteAddr)
	if err != nil {
		return nil, newError(KindSetupFailed, "resolve", peer, err)
	}
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", cfg.LocalAddr)
	if err != nil {
		return nil, newError(KindSetupFailed, "bind", peer, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, newError(KindSetupFailed, "bind", peer, net.UnknownNetworkError("udp"))
	}
	return &datagramEndpoint{
		peer:   peer,
		cfg:    cfg,
		conn:   conn,
		remote: remote,
	}, nil
}

func (e *datagramEndpoint) LocalAddr() string {
	return e.conn.LocalAddr().String()
}

func (e *datagramEndpoint) Send(ctx context.Context, tok frame.Token) error {
	if e.closed.Load() {
		return newError(KindClosed, "send", e.peer, ErrClosed)
	}
	if err := e.conn.SetWriteDeadline(writeDeadline(ctx, e.cfg.IOTimeout)); err != nil {
		return e.classify("send", err)
	}
	bb := encodePooled(tok)
	defer bytebufferpool.Put(bb)
	if _, err := e.conn.WriteToUDP(bb.B, e.remote); err != nil {
		return e.classify("send", err)
	}
	return nil
}

func (e *datagramEndpoint) TryReceive(ctx context.Context, maxWait time.Duration) (frame.Token, bool, error) {
	if e.closed.Load() {
		return frame.Token{}, false, newError(KindClosed, "receive", e.peer, ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return frame.Token{}, false, nil
	}
	if err := e.conn.SetReadDeadline(readDeadline(ctx, maxWait)); err != nil {
		return frame.Token{}, false, e.classify("receive", err)
	}
	n, from, err := e.conn.ReadFromUDP(e.buf[:])
	if err != nil {
		if isTimeout(err) {
			return frame.Token{}, false, nil
		}
		return frame.Token{}, false, e.classify("receive", err)
	}
	if !fromPeer(from, e.remote) {
		log.Warn().
			Str("peer", e.peer).
			Stringer("from", from).
			Stringer("remote", e.remote).
			Msg("transport.datagramEndpoint.TryReceive dropped foreign datagram")
		return frame.Token{}, false, newError(KindForeign, "receive", e.peer, fmt.Errorf("%w: %s", ErrForeignSender, from))
	}
	tok, err := decodeReceived("receive", e.peer, e.buf[:n])
	if err != nil {
		return frame.Token{}, false, err
	}
	return tok, true, nil
}

// fromPeer matches the sender against the configured remote. An unspecified
// remote host (":2013", "0.0.0.0:2013") is answered from loopback.
func fromPeer(from, remote *net.UDPAddr) bool {
	if from == nil || from.Port != remote.Port {
		return false
	}
	if remote.IP == nil || remote.IP.IsUnspecified() {
		return from.IP.IsLoopback()
	}
	return from.IP.Equal(remote.IP)
}

func (e *datagramEndpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.conn.Close()
}

func (e *datagramEndpoint) classify(op string, err error) error {
	if e.closed.Load() || isClosed(err) {
		return newError(KindClosed, op, e.peer, err)
	}
	return newError(KindTransient, op, e.peer, err)
}
