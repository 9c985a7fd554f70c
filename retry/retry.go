// Package retry counts timeout retries for a transfer.
//
// A transfer has two budgets: consecutive retries, reset whenever the
// transfer makes progress, and lifetime retries, which are never reset.
package retry

// Tracker decides whether a timed out transfer may retry.
type Tracker struct {
	maxRetries  uint32
	maxLifetime uint32
	retries     uint32
	lifetime    uint32
}

// New creates a tracker. A maxLifetime of zero means no lifetime limit.
func New(maxRetries, maxLifetime uint32) *Tracker {
	return &Tracker{maxRetries: maxRetries, maxLifetime: maxLifetime}
}

// OnTimeout records a timeout and reports whether the transfer should
// retry. When it returns false the transfer must be aborted.
func (t *Tracker) OnTimeout() bool {
	if t.retries >= t.maxRetries {
		return false
	}
	if t.maxLifetime != 0 && t.lifetime >= t.maxLifetime {
		return false
	}
	t.retries++
	t.lifetime++
	return true
}

// Reset clears the consecutive retry count after progress.
func (t *Tracker) Reset() {
	t.retries = 0
}

// Retries returns the consecutive retry count.
func (t *Tracker) Retries() uint32 { return t.retries }

// LifetimeRetries returns the total number of retries.
func (t *Tracker) LifetimeRetries() uint32 { return t.lifetime }
