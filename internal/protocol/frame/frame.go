package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// TokenLen is the fixed wire size of one heartbeat token.
const TokenLen = 9

// Marker is the first byte of a token.
type Marker uint8

const (
	MarkerPing Marker = 0x01
	MarkerPong Marker = 0x02
	MarkerData Marker = 0x03
)

var (
	ErrShortToken    = errors.New("frame: short token")
	ErrTokenLength   = errors.New("frame: unexpected token length")
	ErrUnknownMarker = errors.New("frame: unknown marker")
)

// Token is one heartbeat unit: a marker and the sender's monotonic timestamp
// in nanoseconds. Timestamps only order tokens within a single channel.
type Token struct {
	Type      Marker
	Timestamp uint64
}

func Ping(ts uint64) Token {
	return Token{Type: MarkerPing, Timestamp: ts}
}

func Pong(ts uint64) Token {
	return Token{Type: MarkerPong, Timestamp: ts}
}

// Reply returns the PONG answering a PING, carrying the same timestamp.
func (t Token) Reply() (Token, bool) {
	if t.Type != MarkerPing {
		return Token{}, false
	}
	return Pong(t.Timestamp), true
}

// Known reports whether m is a marker this codec understands.
func (m Marker) Known() bool {
	switch m {
	case MarkerPing, MarkerPong, MarkerData:
		return true
	default:
		return false
	}
}

func (m Marker) String() string {
	switch m {
	case MarkerPing:
		return "PING"
	case MarkerPong:
		return "PONG"
	case MarkerData:
		return "DATA"
	default:
		return fmt.Sprintf("0x%02x", uint8(m))
	}
}

// AppendToken appends the wire form of t to dst.
func AppendToken(dst []byte, t Token) []byte {
	dst = append(dst, byte(t.Type))
	return binary.BigEndian.AppendUint64(dst, t.Timestamp)
}

func EncodeToken(t Token) []byte {
	return AppendToken(make([]byte, 0, TokenLen), t)
}

// DecodeToken parses exactly one token. A well-sized frame with an unknown
// marker is returned alongside ErrUnknownMarker so callers can log it.
func DecodeToken(b []byte) (Token, error) {
	if len(b) != TokenLen {
		return Token{}, fmt.Errorf("%w: %d", ErrTokenLength, len(b))
	}
	t := Token{
		Type:      Marker(b[0]),
		Timestamp: binary.BigEndian.Uint64(b[1:TokenLen]),
	}
	if !t.Type.Known() {
		return t, fmt.Errorf("%w: %s", ErrUnknownMarker, t.Type)
	}
	return t, nil
}

func ReadToken(r io.Reader) (Token, error) {
	var buf [TokenLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Token{}, ErrShortToken
		}
		return Token{}, err
	}
	return DecodeToken(buf[:])
}

func WriteToken(w io.Writer, t Token) error {
	var buf [TokenLen]byte
	_, err := w.Write(AppendToken(buf[:0], t))
	return err
}
