package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/crypto"
	"github.com/opd-ai/xfer/noise"
	"github.com/opd-ai/xfer/transfer"
)

const waitTimeout = 5 * time.Second

// recorder is a StreamHandler that forwards callbacks to channels.
type recorder struct {
	chunks chan chunk.Chunk
	errs   chan error
}

func newRecorder() *recorder {
	return &recorder{chunks: make(chan chunk.Chunk, 16), errs: make(chan error, 4)}
}

func (r *recorder) HandleChunk(_ transfer.Direction, c chunk.Chunk) { r.chunks <- c }
func (r *recorder) HandleError(_ transfer.Direction, err error)     { r.errs <- err }

func (r *recorder) nextChunk(t *testing.T) chunk.Chunk {
	t.Helper()
	select {
	case c := <-r.chunks:
		return c
	case err := <-r.errs:
		t.Fatalf("unexpected stream error: %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for chunk")
	}
	return nil
}

func (r *recorder) nextError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case c := <-r.chunks:
		t.Fatalf("unexpected chunk: %#v", c)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for stream error")
	}
	return nil
}

type accepted struct {
	fc  *FrameConn
	dir transfer.Direction
	err error
}

// listen starts a TCP listener that hands every handshaked connection to
// the returned channel.
func listen(t *testing.T, keys ServerKeys) (string, <-chan accepted) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	out := make(chan accepted, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			fc, dir, err := AcceptTCP(conn, keys)
			if err != nil {
				conn.Close()
			}
			out <- accepted{fc: fc, dir: dir, err: err}
		}
	}()
	return ln.Addr().String(), out
}

func waitAccepted(t *testing.T, ch <-chan accepted) accepted {
	t.Helper()
	select {
	case a := <-ch:
		if a.fc != nil {
			t.Cleanup(func() { a.fc.Close() })
		}
		return a
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for connection")
	}
	return accepted{}
}

func mustKeys(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func exchange(t *testing.T, tr *TCP, ch <-chan accepted, dir transfer.Direction) {
	t.Helper()
	rec := newRecorder()
	s, err := tr.Open(context.Background(), dir, rec)
	require.NoError(t, err)
	defer s.Close()

	a := waitAccepted(t, ch)
	require.NoError(t, a.err)
	assert.Equal(t, dir, a.dir)

	start := chunk.Start{ID: chunk.TransferID(5), ResourceID: 5, Version: chunk.VersionTwo, RemainingBytes: chunk.Remaining(12)}
	require.NoError(t, s.Send(start))
	got, err := a.fc.ReadChunk()
	require.NoError(t, err)
	assert.Equal(t, start, got)

	ack := chunk.StartAck{ID: chunk.SessionID(1), ResourceID: 5, Version: chunk.VersionTwo}
	require.NoError(t, a.fc.WriteChunk(ack))
	assert.Equal(t, ack, rec.nextChunk(t))
}

func TestTCPPlain(t *testing.T) {
	addr, ch := listen(t, ServerKeys{})
	exchange(t, NewTCP(addr), ch, transfer.DirectionWrite)
}

func TestTCPNoiseIK(t *testing.T) {
	server, client := mustKeys(t), mustKeys(t)
	addr, ch := listen(t, ServerKeys{Static: server})

	tr := NewTCP(addr, WithNoise(client, server.Public[:], noise.PatternIK))
	exchange(t, tr, ch, transfer.DirectionRead)
}

func TestTCPNoiseXX(t *testing.T) {
	server, client := mustKeys(t), mustKeys(t)
	addr, ch := listen(t, ServerKeys{Static: server})

	tr := NewTCP(addr, WithNoise(client, nil, noise.PatternXX))
	exchange(t, tr, ch, transfer.DirectionWrite)
}

func TestTCPNoiseWrongServerKey(t *testing.T) {
	server, client, other := mustKeys(t), mustKeys(t), mustKeys(t)
	addr, ch := listen(t, ServerKeys{Static: server})

	tr := NewTCP(addr, WithNoise(client, other.Public[:], noise.PatternIK))
	_, err := tr.Open(context.Background(), transfer.DirectionRead, newRecorder())
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	a := waitAccepted(t, ch)
	assert.Error(t, a.err)
}

func TestTCPPlainClientRejectedByEncryptedServer(t *testing.T) {
	addr, ch := listen(t, ServerKeys{Static: mustKeys(t)})

	rec := newRecorder()
	s, err := NewTCP(addr).Open(context.Background(), transfer.DirectionRead, rec)
	require.NoError(t, err)
	defer s.Close()

	a := waitAccepted(t, ch)
	assert.ErrorIs(t, a.err, ErrEncryptionRequired)
	assert.Equal(t, codes.Unavailable, status.Code(rec.nextError(t)))
}

func TestTCPStatusFrameEndsStream(t *testing.T) {
	addr, ch := listen(t, ServerKeys{})

	rec := newRecorder()
	s, err := NewTCP(addr).Open(context.Background(), transfer.DirectionWrite, rec)
	require.NoError(t, err)
	defer s.Close()

	a := waitAccepted(t, ch)
	require.NoError(t, a.err)
	require.NoError(t, a.fc.WriteStatus(status.New(codes.FailedPrecondition, "restart")))
	assert.Equal(t, codes.FailedPrecondition, status.Code(rec.nextError(t)))
}

func TestTCPDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewTCP(addr).Open(context.Background(), transfer.DirectionRead, newRecorder())
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestAcceptTCPBadPreface(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go client.Write([]byte{7, modePlain})
	_, _, err := AcceptTCP(server, ServerKeys{})
	assert.ErrorIs(t, err, ErrBadPreface)
}

func TestStreamErrorKeepsStatus(t *testing.T) {
	err := streamError(status.Error(codes.NotFound, "gone"))
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Equal(t, codes.Unavailable, status.Code(streamError(net.ErrClosed)))
}
