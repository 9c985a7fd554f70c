package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"

	"github.com/opd-ai/xfer/limits"
)

// Manager runs transfers over a Transport. All transfer state is owned by
// a single goroutine that processes events in the order they are posted;
// the exported methods only enqueue work and return futures.
type Manager struct {
	cfg    Config
	engine *engine
	cancel context.CancelFunc

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// NewManager creates a manager and starts its event loop.
func NewManager(t Transport, cfg Config) (*Manager, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	m.engine = newEngine(ctx, t, cfg, m.post)

	logrus.WithFields(logrus.Fields{
		"function":         "NewManager",
		"timeout":          cfg.Timeout,
		"max_retries":      cfg.MaxRetries,
		"protocol_version": cfg.ProtocolVersion.String(),
	}).Info("Transfer manager created")

	go m.run()
	return m, nil
}

// post enqueues fn on the event loop. It returns false once the manager
// is closed.
func (m *Manager) post(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.queue = append(m.queue, fn)
	m.cond.Signal()
	return true
}

func (m *Manager) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		fn()
	}
}

// Read starts pulling resourceID from the remote.
func (m *Manager) Read(resourceID uint32, opts ...Option) *Future[[]byte] {
	f := newFuture[[]byte]()
	var t *transfer
	f.cancel = func() bool {
		if !f.resolve(nil, newError(resourceID, codes.Canceled, ErrCancelled)) {
			return false
		}
		m.post(func() {
			if t != nil {
				t.cancel()
			}
		})
		return true
	}

	o, err := m.cfg.options(opts)
	if err != nil {
		f.resolve(nil, newError(resourceID, codes.InvalidArgument, err))
		return f
	}
	if !m.post(func() { t = m.engine.startRead(resourceID, o, f) }) {
		f.resolve(nil, newError(resourceID, codes.Canceled, ErrManagerClosed))
	}
	return f
}

// Write starts pushing data to resourceID on the remote. data must not be
// modified until the future resolves.
func (m *Manager) Write(resourceID uint32, data []byte, opts ...Option) *Future[struct{}] {
	f := newFuture[struct{}]()
	var t *transfer
	f.cancel = func() bool {
		if !f.resolve(struct{}{}, newError(resourceID, codes.Canceled, ErrCancelled)) {
			return false
		}
		m.post(func() {
			if t != nil {
				t.cancel()
			}
		})
		return true
	}

	if err := limits.ValidateTransferSize(len(data)); err != nil {
		f.resolve(struct{}{}, newError(resourceID, codes.InvalidArgument, err))
		return f
	}
	o, err := m.cfg.options(opts)
	if err != nil {
		f.resolve(struct{}{}, newError(resourceID, codes.InvalidArgument, err))
		return f
	}
	if !m.post(func() { t = m.engine.startWrite(resourceID, data, o, f) }) {
		f.resolve(struct{}{}, newError(resourceID, codes.Canceled, ErrManagerClosed))
	}
	return f
}

// Cancel stops the active transfer for resourceID, telling the remote. It
// is a no-op when no such transfer exists.
func (m *Manager) Cancel(resourceID uint32) {
	m.post(func() { m.engine.cancel(resourceID) })
}

// Sync blocks until every event posted before the call, and everything
// those events posted in turn, has been processed and no stream is still
// being opened.
func (m *Manager) Sync(ctx context.Context) error {
	type snapshot struct {
		empty bool
		opens <-chan struct{}
	}
	for {
		snaps := make(chan snapshot, 1)
		if !m.post(func() {
			snaps <- snapshot{empty: m.pending() == 0, opens: m.engine.openWait()}
		}) {
			return ErrManagerClosed
		}

		var snap snapshot
		select {
		case snap = <-snaps:
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return ErrManagerClosed
		}
		if snap.opens != nil {
			select {
			case <-snap.opens:
			case <-ctx.Done():
				return ctx.Err()
			case <-m.done:
				return ErrManagerClosed
			}
			continue
		}
		if snap.empty {
			return nil
		}
	}
}

// Close fails all active transfers with CANCELLED, closes the streams and
// stops the event loop.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return nil
	}
	m.queue = append(m.queue, m.engine.shutdown)
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()

	<-m.done
	m.cancel()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("Transfer manager closed")
	return nil
}
