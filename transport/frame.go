package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/limits"
	"github.com/opd-ai/xfer/noise"
)

// Frame kinds, carried in the first byte of every frame payload.
const (
	frameChunk  byte = 0
	frameStatus byte = 1
)

// writeTimeout bounds a single frame write.
const writeTimeout = 5 * time.Second

// ErrMalformedFrame is returned for a frame that arrived intact but could
// not be decoded. The connection remains usable.
var ErrMalformedFrame = errors.New("malformed frame")

// statusFrame ends a stream with a gRPC status.
type statusFrame struct {
	Code    uint32 `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint,omitempty"`
}

// FrameConn carries length-prefixed frames over a stream connection:
// a 4-byte big-endian length followed by the payload. After Secure every
// payload is sealed by a Noise session.
type FrameConn struct {
	conn    net.Conn
	r       *bufio.Reader
	wmu     sync.Mutex
	session *noise.Session
}

// NewFrameConn wraps conn.
func NewFrameConn(conn net.Conn) *FrameConn {
	return &FrameConn{conn: conn, r: bufio.NewReader(conn)}
}

// Conn returns the underlying connection.
func (f *FrameConn) Conn() net.Conn { return f.conn }

// Encrypted reports whether frames are sealed by a Noise session.
func (f *FrameConn) Encrypted() bool { return f.session != nil }

// Secure runs the handshake h over the connection. Frames written and
// read afterwards are encrypted.
func (f *FrameConn) Secure(h *noise.Handshake) error {
	s, err := noise.Perform(h, f)
	if err != nil {
		return err
	}
	f.session = s
	return nil
}

func (f *FrameConn) maxFrame() int {
	if f.session != nil {
		return limits.MaxEncryptedFrame
	}
	return limits.MaxFrameSize
}

// WriteMessage writes one raw frame.
func (f *FrameConn) WriteMessage(payload []byte) error {
	if err := limits.ValidateFrameSize(payload, f.maxFrame()); err != nil {
		return err
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	f.wmu.Lock()
	defer f.wmu.Unlock()
	if err := f.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := f.conn.Write(buf)
	return err
}

// ReadMessage reads one raw frame.
func (f *FrameConn) ReadMessage() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(f.r, header[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return nil, limits.ErrFrameEmpty
	}
	if n > uint32(f.maxFrame()) {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", limits.ErrFrameTooLarge, n, f.maxFrame())
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (f *FrameConn) writeFrame(kind byte, body []byte) error {
	payload := make([]byte, 0, 1+len(body))
	payload = append(payload, kind)
	payload = append(payload, body...)
	if err := limits.ValidateFrame(payload); err != nil {
		return err
	}

	if f.session != nil {
		sealed, err := f.session.Encrypt(payload)
		if err != nil {
			return err
		}
		payload = sealed
	}
	return f.WriteMessage(payload)
}

// WriteChunk sends one chunk.
func (f *FrameConn) WriteChunk(c chunk.Chunk) error {
	data, err := chunk.Marshal(c)
	if err != nil {
		return err
	}
	return f.writeFrame(frameChunk, data)
}

// WriteStatus ends the stream with st. The remote's ReadChunk returns it as
// a status error.
func (f *FrameConn) WriteStatus(st *status.Status) error {
	data, err := cbor.Marshal(statusFrame{Code: uint32(st.Code()), Message: st.Message()})
	if err != nil {
		return fmt.Errorf("failed to encode status frame: %w", err)
	}
	return f.writeFrame(frameStatus, data)
}

// ReadChunk returns the next chunk. A status frame is returned as an error
// carrying its gRPC status; a frame that cannot be decoded yields an error
// wrapping ErrMalformedFrame.
func (f *FrameConn) ReadChunk() (chunk.Chunk, error) {
	payload, err := f.ReadMessage()
	if err != nil {
		return nil, err
	}

	if f.session != nil {
		payload, err = f.session.Decrypt(payload)
		if err != nil {
			// A lost decrypt desynchronizes the nonces; the stream is dead.
			return nil, err
		}
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}

	switch payload[0] {
	case frameChunk:
		c, err := chunk.Unmarshal(payload[1:])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		return c, nil
	case frameStatus:
		var sf statusFrame
		if err := cbor.Unmarshal(payload[1:], &sf); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		return nil, status.Error(codes.Code(sf.Code), sf.Message)
	default:
		return nil, fmt.Errorf("%w: unknown frame kind %d", ErrMalformedFrame, payload[0])
	}
}

// Close closes the underlying connection.
func (f *FrameConn) Close() error {
	return f.conn.Close()
}
