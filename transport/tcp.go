package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/crypto"
	"github.com/opd-ai/xfer/noise"
	"github.com/opd-ai/xfer/transfer"
)

// HandshakeTimeout bounds the connection preface and Noise handshake.
const HandshakeTimeout = 10 * time.Second

// Security modes announced in the connection preface.
const (
	modePlain byte = 0
	modeIK    byte = 1
	modeXX    byte = 2
)

var (
	// ErrBadPreface is returned by AcceptTCP for an invalid connection preface.
	ErrBadPreface = errors.New("invalid connection preface")
	// ErrEncryptionRequired is returned when a plaintext client connects to a
	// server with a static key, or the reverse.
	ErrEncryptionRequired = errors.New("encryption mode mismatch")
)

func patternMode(p noise.Pattern) byte {
	if p == noise.PatternIK {
		return modeIK
	}
	return modeXX
}

// TCP opens one TCP connection per stream direction. Each connection
// starts with a two byte preface (direction, security mode) followed by an
// optional Noise handshake, then carries frames in both directions.
type TCP struct {
	addr    string
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	static  *crypto.KeyPair
	peer    []byte
	pattern noise.Pattern
}

// TCPOption customizes a TCP transport.
type TCPOption func(*TCP)

// WithNoise encrypts connections with a Noise handshake using our static
// key. peerKey is the server's public key; it is required for PatternIK
// and pins the server for PatternXX when set.
func WithNoise(static *crypto.KeyPair, peerKey []byte, pattern noise.Pattern) TCPOption {
	return func(t *TCP) {
		t.static = static
		t.peer = peerKey
		t.pattern = pattern
	}
}

// WithDialer replaces the dial function.
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) TCPOption {
	return func(t *TCP) { t.dial = dial }
}

// NewTCP creates a transport for the server at addr.
func NewTCP(addr string, opts ...TCPOption) *TCP {
	var d net.Dialer
	t := &TCP{addr: addr, dial: d.DialContext}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open connects and starts delivering inbound chunks to h.
func (t *TCP) Open(ctx context.Context, dir transfer.Direction, h transfer.StreamHandler) (transfer.Stream, error) {
	conn, err := t.dial(ctx, "tcp", t.addr)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "dial %s: %v", t.addr, err)
	}

	fc, err := t.handshake(ctx, conn, dir)
	if err != nil {
		conn.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "TCP.Open",
		"address":   t.addr,
		"direction": dir.String(),
		"encrypted": fc.Encrypted(),
	}).Debug("TCP stream connected")

	s := &tcpStream{fc: fc, dir: dir}
	go s.recvLoop(h)
	return s, nil
}

func (t *TCP) handshake(ctx context.Context, conn net.Conn, dir transfer.Direction) (*FrameConn, error) {
	deadline := time.Now().Add(HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	mode := modePlain
	if t.static != nil {
		mode = patternMode(t.pattern)
	}
	if _, err := conn.Write([]byte{byte(dir), mode}); err != nil {
		return nil, fmt.Errorf("failed to write preface: %w", err)
	}

	fc := NewFrameConn(conn)
	if t.static != nil {
		hs, err := noise.NewHandshake(noise.Config{
			Pattern:    t.pattern,
			Role:       noise.Initiator,
			Static:     t.static,
			PeerStatic: t.peer,
			Prologue:   []byte{byte(dir), mode},
		})
		if err != nil {
			return nil, err
		}
		if err := fc.Secure(hs); err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "noise handshake: %v", err)
		}
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return fc, nil
}

// ServerKeys configures the server side of AcceptTCP. A nil Static
// accepts plaintext connections only.
type ServerKeys struct {
	Static *crypto.KeyPair
}

// AcceptTCP reads the preface of an accepted connection and completes the
// handshake the client asked for. It returns the framed connection and the
// stream direction from the client's point of view.
func AcceptTCP(conn net.Conn, keys ServerKeys) (*FrameConn, transfer.Direction, error) {
	if err := conn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return nil, 0, err
	}

	var preface [2]byte
	if _, err := io.ReadFull(conn, preface[:]); err != nil {
		return nil, 0, fmt.Errorf("failed to read preface: %w", err)
	}
	dir := transfer.Direction(preface[0])
	if dir != transfer.DirectionRead && dir != transfer.DirectionWrite {
		return nil, 0, fmt.Errorf("%w: direction %d", ErrBadPreface, preface[0])
	}

	fc := NewFrameConn(conn)
	mode := preface[1]
	switch {
	case mode == modePlain && keys.Static == nil:
	case (mode == modeIK || mode == modeXX) && keys.Static != nil:
		pattern := noise.PatternIK
		if mode == modeXX {
			pattern = noise.PatternXX
		}
		hs, err := noise.NewHandshake(noise.Config{
			Pattern:  pattern,
			Role:     noise.Responder,
			Static:   keys.Static,
			Prologue: preface[:],
		})
		if err != nil {
			return nil, 0, err
		}
		if err := fc.Secure(hs); err != nil {
			return nil, 0, err
		}
	case mode > modeXX:
		return nil, 0, fmt.Errorf("%w: mode %d", ErrBadPreface, mode)
	default:
		return nil, 0, fmt.Errorf("%w: client mode %d", ErrEncryptionRequired, mode)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, 0, err
	}
	return fc, dir, nil
}

// tcpStream is the client end of one TCP stream.
type tcpStream struct {
	fc     *FrameConn
	dir    transfer.Direction
	closed atomic.Bool
}

func (s *tcpStream) Send(c chunk.Chunk) error {
	return s.fc.WriteChunk(c)
}

func (s *tcpStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.fc.Close()
}

func (s *tcpStream) recvLoop(h transfer.StreamHandler) {
	for {
		c, err := s.fc.ReadChunk()
		if errors.Is(err, ErrMalformedFrame) {
			logrus.WithFields(logrus.Fields{
				"function":  "tcpStream.recvLoop",
				"direction": s.dir.String(),
				"error":     err.Error(),
			}).Warn("Dropping malformed frame")
			continue
		}
		if err != nil {
			if !s.closed.Load() {
				h.HandleError(s.dir, streamError(err))
			}
			return
		}
		h.HandleChunk(s.dir, c)
	}
}

// streamError converts a receive error into a status error.
func streamError(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, io.EOF) {
		return status.Error(codes.Unavailable, "stream closed by remote")
	}
	return status.Errorf(codes.Unavailable, "stream failed: %v", err)
}
