// Package window implements the flow-control windows of a transfer: the
// receive window a reader advertises and the send window a writer honors.
package window

import (
	"github.com/opd-ai/xfer/chunk"
)

// Action is the window update a receiver should send to its peer.
type Action uint8

const (
	// None means no update is needed.
	None Action = iota
	// Retransmit asks the peer to resend from the current offset.
	Retransmit
	// Continue extends the window without rewinding.
	Continue
)

// String returns a string representation of the action.
func (a Action) String() string {
	switch a {
	case None:
		return "None"
	case Retransmit:
		return "Retransmit"
	case Continue:
		return "Continue"
	default:
		return "Unknown"
	}
}

// Decision is the result of offering a DATA chunk to a Receiver.
type Decision struct {
	// Consume is set when the chunk is the next in-order slice and its
	// payload should be appended.
	Consume bool
	// Action is the window update to send, if any.
	Action Action
}

// Receiver tracks the receive window of a read transfer.
//
// Out-of-order data produces a single RETRANSMIT and puts the receiver in
// drop recovery. While recovering, only the expected offset resumes normal
// flow; a repeat of the last seen offset means the peer retried and the
// RETRANSMIT is emitted again.
type Receiver struct {
	maxPending uint32
	maxChunk   uint32
	minDelay   uint32

	offset       uint64
	windowEnd    uint64
	recovering   bool
	lastReceived uint64
}

// NewReceiver creates a receiver with its window open at [0, maxPending).
func NewReceiver(maxPending, maxChunk, minDelay uint32) *Receiver {
	return &Receiver{
		maxPending: maxPending,
		maxChunk:   maxChunk,
		minDelay:   minDelay,
		windowEnd:  uint64(maxPending),
	}
}

// Offset returns the next expected byte offset.
func (r *Receiver) Offset() uint64 { return r.offset }

// WindowEnd returns the exclusive end of the advertised window.
func (r *Receiver) WindowEnd() uint64 { return r.windowEnd }

// Recovering reports whether the receiver is in drop recovery.
func (r *Receiver) Recovering() bool { return r.recovering }

// Accept offers a DATA chunk of n bytes at offset.
func (r *Receiver) Accept(offset uint64, n int) Decision {
	if r.recovering {
		switch offset {
		case r.offset:
			r.recovering = false
		case r.lastReceived:
			return Decision{Action: Retransmit}
		default:
			r.lastReceived = offset
			return Decision{}
		}
	} else if offset != r.offset {
		r.recovering = true
		r.lastReceived = offset
		return Decision{Action: Retransmit}
	}

	r.lastReceived = offset
	r.offset += uint64(n)

	switch {
	case r.windowEnd <= r.offset:
		return Decision{Consume: true, Action: Retransmit}
	case r.windowEnd-r.offset <= uint64(r.maxPending/2):
		return Decision{Consume: true, Action: Continue}
	default:
		return Decision{Consume: true}
	}
}

// Parameters reopens the window at the current offset and returns its
// description for a parameters chunk. Legacy callers add PendingBytes.
func (r *Receiver) Parameters() chunk.Window {
	r.windowEnd = r.offset + uint64(r.maxPending)
	return chunk.Window{
		Offset:               r.offset,
		WindowEndOffset:      r.windowEnd,
		MaxChunkSizeBytes:    r.maxChunk,
		MinDelayMicroseconds: r.minDelay,
	}
}
