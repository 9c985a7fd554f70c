package transfer

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/clock"
	"github.com/opd-ai/xfer/metrics"
)

// sessionKey identifies a versioned transfer on one stream.
type sessionKey struct {
	dir       Direction
	sessionID uint32
}

// engine owns every transfer and both streams. It is not safe for
// concurrent use; the Manager runs it on a single goroutine.
type engine struct {
	ctx       context.Context
	transport Transport
	cfg       Config
	clock     clock.Clock
	post      func(func()) bool

	streams   [2]Stream
	streamGen [2]uint64

	// A stream being opened holds its outbound chunks in pending until
	// the open completes.
	opening  [2]bool
	pending  [2][]pendingSend
	openIdle chan struct{}

	transfers map[uint32]*transfer
	sessions  map[sessionKey]*transfer
}

func newEngine(ctx context.Context, t Transport, cfg Config, post func(func()) bool) *engine {
	return &engine{
		ctx:       ctx,
		transport: t,
		cfg:       cfg,
		clock:     clock.Or(cfg.Clock),
		post:      post,
		transfers: make(map[uint32]*transfer),
		sessions:  make(map[sessionKey]*transfer),
	}
}

func (e *engine) shouldAbort() bool {
	return e.cfg.ShouldAbort != nil && e.cfg.ShouldAbort()
}

// register adds t, rejecting a second transfer for the same resource.
func (e *engine) register(t *transfer) error {
	if _, exists := e.transfers[t.resourceID]; exists {
		logrus.WithFields(logrus.Fields{
			"function":    "register",
			"resource_id": t.resourceID,
		}).Warn("Transfer already active for resource")
		return newError(t.resourceID, codes.AlreadyExists, ErrDuplicateTransfer)
	}
	e.transfers[t.resourceID] = t
	metrics.RecordTransferStarted(t.dir.String())
	return nil
}

func (e *engine) startRead(resourceID uint32, o options, f *Future[[]byte]) *transfer {
	r := newReadTransfer(e, resourceID, o, f)
	if err := e.register(r.transfer); err != nil {
		f.resolve(nil, err)
		return nil
	}
	r.begin()
	return r.transfer
}

func (e *engine) startWrite(resourceID uint32, data []byte, o options, f *Future[struct{}]) *transfer {
	w := newWriteTransfer(e, resourceID, data, o, f)
	if err := e.register(w.transfer); err != nil {
		f.resolve(struct{}{}, err)
		return nil
	}
	w.begin()
	return w.transfer
}

func (e *engine) bindSession(t *transfer) {
	e.sessions[sessionKey{dir: t.dir, sessionID: t.neg.sessionID}] = t
}

// remove deregisters t if it is still the registered transfer.
func (e *engine) remove(t *transfer) {
	if e.transfers[t.resourceID] == t {
		delete(e.transfers, t.resourceID)
	}
	if t.neg.versioned() {
		key := sessionKey{dir: t.dir, sessionID: t.neg.sessionID}
		if e.sessions[key] == t {
			delete(e.sessions, key)
		}
	}
}

// cancel stops the transfer for resourceID, if any.
func (e *engine) cancel(resourceID uint32) bool {
	t, ok := e.transfers[resourceID]
	if !ok {
		return false
	}
	t.cancel()
	return true
}

// route finds the transfer an inbound chunk belongs to.
func (e *engine) route(dir Direction, c chunk.Chunk) *transfer {
	var t *transfer
	id := c.Correlation()
	switch v := c.(type) {
	case chunk.StartAck:
		t = e.transfers[v.ResourceID]
	case chunk.Completion:
		if !id.Legacy && id.Value == 0 && v.ResourceID != 0 {
			t = e.transfers[v.ResourceID]
		} else {
			t = e.lookup(dir, id)
		}
	default:
		t = e.lookup(dir, id)
	}
	if t == nil || t.dir != dir {
		return nil
	}
	return t
}

func (e *engine) lookup(dir Direction, id chunk.ID) *transfer {
	if id.Legacy {
		t := e.transfers[id.Value]
		if t != nil && !t.neg.versioned() {
			return t
		}
		return nil
	}
	return e.sessions[sessionKey{dir: dir, sessionID: id.Value}]
}

// dispatch delivers an inbound chunk.
func (e *engine) dispatch(dir Direction, c chunk.Chunk) {
	metrics.RecordChunkReceived(dir.String(), c.Type().String())
	t := e.route(dir, c)
	if t == nil {
		logrus.WithFields(logrus.Fields{
			"function":    "dispatch",
			"direction":   dir.String(),
			"chunk_type":  c.Type().String(),
			"correlation": c.Correlation().String(),
		}).Debug("Ignoring chunk for unknown transfer")
		return
	}
	t.handleChunk(c)
}

// pendingSend is a chunk waiting for its stream to open.
type pendingSend struct {
	c      chunk.Chunk
	failed func(error)
}

// send transmits c on the stream for dir. When no stream is open, c is
// queued and the stream is opened off the event loop. failed is called on
// the event loop if the chunk cannot be sent.
func (e *engine) send(dir Direction, c chunk.Chunk, failed func(error)) {
	if s := e.streams[dir]; s != nil {
		e.write(s, dir, pendingSend{c: c, failed: failed})
		return
	}
	e.pending[dir] = append(e.pending[dir], pendingSend{c: c, failed: failed})
	if !e.opening[dir] {
		e.open(dir)
	}
}

func (e *engine) write(s Stream, dir Direction, p pendingSend) {
	if err := s.Send(p.c); err != nil {
		p.failed(err)
		return
	}
	metrics.RecordChunkSent(dir.String(), p.c.Type().String())
}

// open starts opening the stream for dir. Transport.Open may dial and
// handshake, so it runs on its own goroutine and reports back through
// post.
func (e *engine) open(dir Direction) {
	e.opening[dir] = true
	e.streamGen[dir]++
	gen := e.streamGen[dir]
	h := &streamHandler{engine: e, gen: gen}

	go func() {
		s, err := e.transport.Open(e.ctx, dir, h)
		if !e.post(func() { e.opened(dir, gen, s, err) }) && s != nil {
			_ = s.Close()
		}
	}()
}

// opened installs a newly opened stream and flushes the chunks queued for
// it. A failed open is handled like a stream error.
func (e *engine) opened(dir Direction, gen uint64, s Stream, err error) {
	if gen != e.streamGen[dir] || !e.opening[dir] {
		if s != nil {
			_ = s.Close()
		}
		return
	}
	e.opening[dir] = false
	pending := e.pending[dir]
	e.pending[dir] = nil
	defer e.notifyOpenIdle()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "opened",
			"direction": dir.String(),
			"dropped":   len(pending),
			"error":     err.Error(),
		}).Warn("Failed to open stream")
		e.streamError(dir, gen, err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":  "opened",
		"direction": dir.String(),
		"queued":    len(pending),
	}).Debug("Opened stream")
	e.streams[dir] = s
	for _, p := range pending {
		e.write(s, dir, p)
	}
}

// openWait returns a channel closed once no stream is being opened, or
// nil if none is.
func (e *engine) openWait() <-chan struct{} {
	if !e.opening[DirectionRead] && !e.opening[DirectionWrite] {
		return nil
	}
	if e.openIdle == nil {
		e.openIdle = make(chan struct{})
	}
	return e.openIdle
}

func (e *engine) notifyOpenIdle() {
	if e.openIdle != nil && !e.opening[DirectionRead] && !e.opening[DirectionWrite] {
		close(e.openIdle)
		e.openIdle = nil
	}
}

// streamError handles the failure of a stream. The stream is dropped so the
// next send reopens it, and every transfer on it is notified.
func (e *engine) streamError(dir Direction, gen uint64, err error) {
	if gen != e.streamGen[dir] {
		return
	}
	if s := e.streams[dir]; s != nil {
		_ = s.Close()
		e.streams[dir] = nil
	}
	if e.opening[dir] {
		e.opening[dir] = false
		e.pending[dir] = nil
		defer e.notifyOpenIdle()
	}
	// The next stream gets a fresh generation so late callbacks from this
	// one are dropped.
	e.streamGen[dir]++

	logrus.WithFields(logrus.Fields{
		"function":  "streamError",
		"direction": dir.String(),
		"error":     err.Error(),
	}).Warn("Stream failed")

	for _, t := range e.active(dir) {
		t.handleStreamError(err)
	}
}

// active returns the transfers on dir ordered by resource id.
func (e *engine) active(dir Direction) []*transfer {
	var out []*transfer
	for _, t := range e.transfers {
		if t.dir == dir {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].resourceID < out[j].resourceID })
	return out
}

// shutdown fails every transfer without notifying the remote and closes
// both streams.
func (e *engine) shutdown() {
	for _, dir := range []Direction{DirectionRead, DirectionWrite} {
		for _, t := range e.active(dir) {
			t.finish(newError(t.resourceID, codes.Canceled, ErrManagerClosed))
		}
		if s := e.streams[dir]; s != nil {
			_ = s.Close()
			e.streams[dir] = nil
		}
		e.opening[dir] = false
		e.pending[dir] = nil
		e.streamGen[dir]++
	}
	e.notifyOpenIdle()
}

// streamHandler forwards stream callbacks onto the event loop.
type streamHandler struct {
	engine *engine
	gen    uint64
}

func (h *streamHandler) HandleChunk(dir Direction, c chunk.Chunk) {
	h.engine.post(func() {
		if h.gen == h.engine.streamGen[dir] {
			h.engine.dispatch(dir, c)
		}
	})
}

func (h *streamHandler) HandleError(dir Direction, err error) {
	h.engine.post(func() {
		h.engine.streamError(dir, h.gen, err)
	})
}
