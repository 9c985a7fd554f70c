package transfer

import (
	"context"
	"sync"
)

// Future is the pending result of a transfer. It is resolved exactly once.
type Future[T any] struct {
	done   chan struct{}
	once   sync.Once
	value  T
	err    error
	cancel func() bool
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// resolve sets the result. It reports false if the future was already resolved.
func (f *Future[T]) resolve(value T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		resolved = true
		close(f.done)
	})
	return resolved
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future is resolved.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the transfer finishes or ctx is done. Cancelling ctx
// does not cancel the transfer.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the result of a resolved future. It blocks until then.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.value, f.err
}

// Cancel resolves the future with CANCELLED and asks the manager to stop
// the transfer. It returns false if the future was already resolved.
func (f *Future[T]) Cancel() bool {
	if f.IsDone() || f.cancel == nil {
		return false
	}
	return f.cancel()
}
