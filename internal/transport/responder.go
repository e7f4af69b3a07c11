package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/lifeline/internal/protocol/frame"
	"github.com/rs/zerolog/log"
	"github.com/valyala/bytebufferpool"
)

// ResponderConfig describes the passive side of a heartbeat channel.
type ResponderConfig struct {
	Network    Network
	ListenAddr string
	// IOTimeout bounds each reply write.
	IOTimeout time.Duration
	// OnToken, when set, observes every well-formed inbound token.
	OnToken func(frame.Token)
}

func (c ResponderConfig) withDefaults() ResponderConfig {
	if strings.TrimSpace(string(c.Network)) == "" {
		c.Network = NetworkDatagram
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = DefaultConfig().IOTimeout
	}
	return c
}

func (c ResponderConfig) validate() error {
	switch c.Network {
	case NetworkDatagram, NetworkStream:
	default:
		return ErrInvalidNetwork
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return ErrListenAddrRequired
	}
	return nil
}

// Responder answers PING with a PONG carrying the same timestamp. It runs in
// the companion process so a Monitor has something to track.
type Responder struct {
	cfg      ResponderConfig
	packet   *net.UDPConn
	listener net.Listener

	silent   atomic.Bool
	lastSeen atomic.Int64
	closed   atomic.Bool

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// Listen binds the responder socket. Serve must be called to answer.
func Listen(ctx context.Context, cfg ResponderConfig) (*Responder, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, newError(KindSetupFailed, "listen", cfg.ListenAddr, err)
	}
	r := &Responder{cfg: cfg, conns: make(map[net.Conn]struct{})}
	var lc net.ListenConfig
	switch cfg.Network {
	case NetworkStream:
		ln, err := lc.Listen(ctx, "tcp", cfg.ListenAddr)
		if err != nil {
			return nil, newError(KindSetupFailed, "listen", cfg.ListenAddr, err)
		}
		r.listener = ln
	default:
		pc, err := lc.ListenPacket(ctx, "udp", cfg.ListenAddr)
		if err != nil {
			return nil, newError(KindSetupFailed, "listen", cfg.ListenAddr, err)
		}
		udp, ok := pc.(*net.UDPConn)
		if !ok {
			_ = pc.Close()
			return nil, newError(KindSetupFailed, "listen", cfg.ListenAddr, net.UnknownNetworkError("udp"))
		}
		r.packet = udp
	}
	return r, nil
}

func (r *Responder) Addr() string {
	if r.listener != nil {
		return r.listener.Addr().String()
	}
	return r.packet.LocalAddr().String()
}

// SetSilent makes the responder keep reading but stop replying, which looks
// like a hung peer from the monitor's side.
func (r *Responder) SetSilent(silent bool) {
	r.silent.Store(silent)
}

// LastSeen reports when the last well-formed token arrived.
func (r *Responder) LastSeen() time.Time {
	ns := r.lastSeen.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Serve answers until ctx is cancelled or Close is called.
func (r *Responder) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = r.Close() })
	defer stop()

	var err error
	if r.listener != nil {
		err = r.serveStream(ctx)
	} else {
		err = r.serveDatagram(ctx)
	}
	r.wg.Wait()
	if r.closed.Load() {
		return nil
	}
	return err
}

func (r *Responder) serveDatagram(ctx context.Context) error {
	var buf [maxDatagram]byte
	for {
		n, from, err := r.packet.ReadFromUDP(buf[:])
		if err != nil {
			if r.closed.Load() || isClosed(err) {
				return nil
			}
			log.Warn().Err(err).Msg("transport.Responder.serveDatagram read failed")
			continue
		}
		reply, ok := r.observe(buf[:n])
		if !ok {
			continue
		}
		bb := encodePooled(reply)
		_ = r.packet.SetWriteDeadline(writeDeadline(ctx, r.cfg.IOTimeout))
		if _, err := r.packet.WriteToUDP(bb.B, from); err != nil {
			log.Debug().Str("to", from.String()).Err(err).Msg("transport.Responder.serveDatagram reply failed")
		}
		bytebufferpool.Put(bb)
	}
}

func (r *Responder) serveStream(ctx context.Context) error {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if r.closed.Load() || isClosed(err) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return newError(KindBroken, "accept", r.cfg.ListenAddr, err)
		}
		if !r.track(conn) {
			_ = conn.Close()
			return nil
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.untrack(conn)
			r.serveConn(ctx, conn)
		}()
	}
}

func (r *Responder) serveConn(ctx context.Context, conn net.Conn) {
	raw := make([]byte, frame.TokenLen)
	for {
		if _, err := io.ReadFull(conn, raw); err != nil {
			if !r.closed.Load() && !isClosed(err) {
				log.Debug().Str("remote", conn.RemoteAddr().String()).Err(err).Msg("transport.Responder.serveConn closed")
			}
			return
		}
		reply, ok := r.observe(raw)
		if !ok {
			continue
		}
		_ = conn.SetWriteDeadline(writeDeadline(ctx, r.cfg.IOTimeout))
		if err := frame.WriteToken(conn, reply); err != nil {
			log.Debug().Str("remote", conn.RemoteAddr().String()).Err(err).Msg("transport.Responder.serveConn reply failed")
			return
		}
	}
}

// observe records a well-formed token and returns the reply to send, if any.
func (r *Responder) observe(raw []byte) (frame.Token, bool) {
	tok, err := decodeReceived("respond", r.cfg.ListenAddr, raw)
	if err != nil {
		return frame.Token{}, false
	}
	r.lastSeen.Store(time.Now().UnixNano())
	if r.cfg.OnToken != nil {
		r.cfg.OnToken(tok)
	}
	if r.silent.Load() {
		return frame.Token{}, false
	}
	return tok.Reply()
}

func (r *Responder) track(conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return false
	}
	r.conns[conn] = struct{}{}
	return true
}

func (r *Responder) untrack(conn net.Conn) {
	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
	_ = conn.Close()
}

// Close stops serving and closes every accepted connection.
func (r *Responder) Close() error {
	r.mu.Lock()
	if r.closed.Swap(true) {
		r.mu.Unlock()
		return nil
	}
	conns := make([]net.Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if r.listener != nil {
		return r.listener.Close()
	}
	return r.packet.Close()
}
