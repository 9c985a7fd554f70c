package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/clock"
)

const (
	testTimeout = time.Second
	maxRetries  = 2
)

var (
	testParams = Parameters{MaxPendingBytes: 50, MaxChunkSizeBytes: 30}
	epoch      = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	errSend    = errors.New("send failed")
)

// scriptedReply is delivered after a number of chunks have been sent.
type scriptedReply struct {
	after  int
	dir    Direction
	chunks []chunk.Chunk
}

// mockTransport records every chunk sent and lets tests play the remote.
type mockTransport struct {
	mu        sync.Mutex
	handlers  [2]StreamHandler
	opens     [2]int
	sent      []chunk.Chunk
	sendErr   error
	script    []scriptedReply
	sinceLast int
	gates     [2]chan struct{}
	openErrs  [2]error
}

type mockStream struct {
	transport *mockTransport
	dir       Direction
}

func newMockTransport() *mockTransport {
	return &mockTransport{}
}

func (m *mockTransport) Open(ctx context.Context, dir Direction, h StreamHandler) (Stream, error) {
	m.mu.Lock()
	gate := m.gates[dir]
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens[dir]++
	if err := m.openErrs[dir]; err != nil {
		return nil, err
	}
	m.handlers[dir] = h
	return &mockStream{transport: m, dir: dir}, nil
}

// blockOpen makes opens for dir wait until the returned channel is closed.
func (m *mockTransport) blockOpen(dir Direction) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	gate := make(chan struct{})
	m.gates[dir] = gate
	return gate
}

func (m *mockTransport) failOpen(dir Direction, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErrs[dir] = err
}

func (s *mockStream) Send(c chunk.Chunk) error {
	return s.transport.record(s.dir, c)
}

func (s *mockStream) Close() error { return nil }

func (m *mockTransport) record(dir Direction, c chunk.Chunk) error {
	m.mu.Lock()
	if m.sendErr != nil {
		err := m.sendErr
		m.mu.Unlock()
		return err
	}
	m.sent = append(m.sent, c)
	m.sinceLast++

	var reply *scriptedReply
	if len(m.script) > 0 && m.sinceLast >= m.script[0].after {
		reply = &m.script[0]
		m.script = m.script[1:]
		m.sinceLast = 0
	}
	var h StreamHandler
	if reply != nil {
		h = m.handlers[reply.dir]
	}
	m.mu.Unlock()

	if reply != nil && h != nil {
		for _, rc := range reply.chunks {
			h.HandleChunk(reply.dir, rc)
		}
	}
	return nil
}

// enqueue schedules chunks to arrive after the given number of further
// chunks have been sent.
func (m *mockTransport) enqueue(after int, dir Direction, chunks ...chunk.Chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, scriptedReply{after: after, dir: dir, chunks: chunks})
}

func (m *mockTransport) handler(dir Direction) StreamHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[dir]
}

func (m *mockTransport) setSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *mockTransport) openCount(dir Direction) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens[dir]
}

func (m *mockTransport) drain() []chunk.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sent
	m.sent = nil
	return out
}

// harness drives a Manager against a mockTransport and a fake clock.
type harness struct {
	t         *testing.T
	transport *mockTransport
	clock     *clock.Fake
	manager   *Manager
}

func newHarness(t *testing.T, version chunk.ProtocolVersion, mutate ...func(*Config)) *harness {
	t.Helper()
	clk := clock.NewFake(epoch)
	cfg := DefaultConfig()
	cfg.Timeout = testTimeout
	cfg.InitialTimeout = testTimeout
	cfg.MaxRetries = maxRetries
	cfg.Parameters = testParams
	cfg.ProtocolVersion = version
	cfg.Clock = clk
	for _, f := range mutate {
		f(&cfg)
	}

	tr := newMockTransport()
	m, err := NewManager(tr, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return &harness{t: t, transport: tr, clock: clk, manager: m}
}

func (h *harness) sync() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.manager.Sync(ctx))
}

// receive delivers chunks as if the remote sent them on dir.
func (h *harness) receive(dir Direction, chunks ...chunk.Chunk) {
	h.t.Helper()
	for _, c := range chunks {
		if sh := h.transport.handler(dir); sh != nil {
			sh.HandleChunk(dir, c)
		} else {
			h.manager.post(func() { h.manager.engine.dispatch(dir, c) })
		}
	}
	h.sync()
}

func (h *harness) serverError(dir Direction, code codes.Code) {
	h.t.Helper()
	sh := h.transport.handler(dir)
	require.NotNil(h.t, sh, "no %s stream open", dir)
	sh.HandleError(dir, status.Error(code, "remote stream error"))
	h.sync()
}

// lastChunks returns the chunks sent since the previous call.
func (h *harness) lastChunks() []chunk.Chunk {
	h.t.Helper()
	h.sync()
	return h.transport.drain()
}

// timeout advances the clock by one chunk timeout.
func (h *harness) timeout() {
	h.t.Helper()
	h.clock.Advance(testTimeout)
	h.sync()
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.sync()
}

// runUntilDone times out repeatedly until f resolves.
func runUntilDone[T any](h *harness, f *Future[T]) {
	h.t.Helper()
	for i := 0; i < 50 && !f.IsDone(); i++ {
		h.timeout()
	}
	require.True(h.t, f.IsDone(), "transfer did not finish")
}

func result[T any](t *testing.T, f *Future[T]) (T, error) {
	t.Helper()
	require.True(t, f.IsDone(), "future not resolved")
	return f.Result()
}

func requireStatus(t *testing.T, err error, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, StatusOf(err), "error: %v", err)
}

func bytesRange(from, to int) []byte {
	b := make([]byte, 0, to-from)
	for i := from; i < to; i++ {
		b = append(b, byte(i))
	}
	return b
}

func readStart(resourceID uint32, version chunk.ProtocolVersion, p Parameters) chunk.Start {
	return chunk.Start{
		ID:         chunk.TransferID(resourceID),
		ResourceID: resourceID,
		Version:    version,
		Window: &chunk.Window{
			PendingBytes:         p.MaxPendingBytes,
			WindowEndOffset:      uint64(p.MaxPendingBytes),
			MaxChunkSizeBytes:    p.MaxChunkSizeBytes,
			MinDelayMicroseconds: p.ChunkDelayMicroseconds,
		},
	}
}

func readConfirmation(sessionID uint32, p Parameters) chunk.StartAckConfirmation {
	return chunk.StartAckConfirmation{
		ID:      chunk.SessionID(sessionID),
		Version: chunk.VersionTwo,
		Window: &chunk.Window{
			WindowEndOffset:      uint64(p.MaxPendingBytes),
			MaxChunkSizeBytes:    p.MaxChunkSizeBytes,
			MinDelayMicroseconds: p.ChunkDelayMicroseconds,
		},
	}
}

func writeStart(resourceID uint32, version chunk.ProtocolVersion, size int) chunk.Start {
	return chunk.Start{
		ID:             chunk.TransferID(resourceID),
		ResourceID:     resourceID,
		Version:        version,
		RemainingBytes: chunk.Remaining(uint64(size)),
	}
}

func writeConfirmation(sessionID uint32, size int) chunk.StartAckConfirmation {
	return chunk.StartAckConfirmation{
		ID:             chunk.SessionID(sessionID),
		Version:        chunk.VersionTwo,
		RemainingBytes: chunk.Remaining(uint64(size)),
	}
}

func startAck(sessionID, resourceID uint32) chunk.StartAck {
	return chunk.StartAck{ID: chunk.SessionID(sessionID), ResourceID: resourceID, Version: chunk.VersionTwo}
}

func retransmit(id chunk.ID, offset, end uint64, maxChunk uint32) chunk.ParametersRetransmit {
	return chunk.ParametersRetransmit{ID: id, Window: chunk.Window{Offset: offset, WindowEndOffset: end, MaxChunkSizeBytes: maxChunk}}
}

func continueAt(id chunk.ID, offset, end uint64, maxChunk uint32) chunk.ParametersContinue {
	return chunk.ParametersContinue{ID: id, Window: chunk.Window{Offset: offset, WindowEndOffset: end, MaxChunkSizeBytes: maxChunk}}
}

func legacyParams(action string, resourceID uint32, offset uint64, p Parameters) chunk.Chunk {
	w := chunk.Window{
		Offset:            offset,
		WindowEndOffset:   offset + uint64(p.MaxPendingBytes),
		PendingBytes:      p.MaxPendingBytes,
		MaxChunkSizeBytes: p.MaxChunkSizeBytes,
	}
	if action == "continue" {
		return chunk.ParametersContinue{ID: chunk.TransferID(resourceID), Window: w}
	}
	return chunk.ParametersRetransmit{ID: chunk.TransferID(resourceID), Window: w}
}

func data(id chunk.ID, from, to int) chunk.Data {
	return chunk.Data{ID: id, Offset: uint64(from), Payload: bytesRange(from, to)}
}

func finalData(id chunk.ID, from, to int) chunk.Data {
	d := data(id, from, to)
	d.RemainingBytes = chunk.Remaining(0)
	return d
}

func completion(id chunk.ID, code codes.Code) chunk.Completion {
	return chunk.Completion{ID: id, Status: code}
}
