package window

import (
	"errors"
	"fmt"

	"github.com/opd-ai/xfer/chunk"
)

var (
	// ErrOutOfRange is returned when a parameters chunk asks for an offset
	// past the end of the payload.
	ErrOutOfRange = errors.New("window offset beyond payload")
	// ErrEmptyWindow is returned when a parameters chunk opens no bytes while
	// payload remains.
	ErrEmptyWindow = errors.New("window opens zero bytes")
)

// Slice is a byte range of the payload to send as one DATA chunk.
type Slice struct {
	Offset uint64
	End    uint64
	// Final is set when the slice reaches the end of the payload.
	Final bool
}

// Len returns the number of payload bytes in the slice.
func (s Slice) Len() uint64 { return s.End - s.Offset }

// Sender tracks the send window of a write transfer.
type Sender struct {
	size      uint64
	offset    uint64
	windowEnd uint64
	confirmed uint64
	maxChunk  uint32
	minDelay  uint32
	finalSent bool
}

// NewSender creates a sender for a payload of size bytes. The window is
// closed until the first Apply.
func NewSender(size uint64) *Sender {
	return &Sender{size: size}
}

// Offset returns the next byte to send.
func (s *Sender) Offset() uint64 { return s.offset }

// WindowEnd returns the exclusive end of the current window.
func (s *Sender) WindowEnd() uint64 { return s.windowEnd }

// Confirmed returns the offset of the last accepted parameters chunk.
func (s *Sender) Confirmed() uint64 { return s.confirmed }

// Size returns the payload size.
func (s *Sender) Size() uint64 { return s.size }

// MaxChunk returns the current chunk size limit, zero when unbounded.
func (s *Sender) MaxChunk() uint32 { return s.maxChunk }

// MinDelay returns the requested delay between chunks in microseconds.
func (s *Sender) MinDelay() uint32 { return s.minDelay }

// Apply updates the window from a parameters chunk. It returns false
// without error when a CONTINUE does not extend past data already sent.
func (s *Sender) Apply(action Action, w chunk.Window) (bool, error) {
	end := w.EndOffset()
	if action == Continue && end <= s.offset {
		return false, nil
	}
	if w.Offset > s.size {
		return false, fmt.Errorf("%w: offset %d, size %d", ErrOutOfRange, w.Offset, s.size)
	}

	start := s.offset
	if action == Retransmit {
		start = w.Offset
	}
	if start < s.size && end <= start {
		return false, fmt.Errorf("%w: [%d, %d)", ErrEmptyWindow, start, end)
	}

	if w.MaxChunkSizeBytes != 0 {
		s.maxChunk = w.MaxChunkSizeBytes
	}
	s.minDelay = w.MinDelayMicroseconds
	s.windowEnd = end
	s.confirmed = w.Offset
	if action == Retransmit {
		s.offset = w.Offset
		s.finalSent = false
	}
	return true, nil
}

// HasNext reports whether Next would return a slice.
func (s *Sender) HasNext() bool {
	if s.offset == s.size {
		return !s.finalSent
	}
	return s.offset < min(s.windowEnd, s.size)
}

// Next returns the next slice within the window. Slices tile
// [offset, min(windowEnd, size)) and never exceed the chunk size limit. When
// the offset equals the payload size a single empty final slice is returned.
func (s *Sender) Next() (Slice, bool) {
	if s.offset > s.size {
		return Slice{}, false
	}
	if s.offset == s.size {
		if s.finalSent {
			return Slice{}, false
		}
		s.finalSent = true
		return Slice{Offset: s.size, End: s.size, Final: true}, true
	}

	limit := min(s.windowEnd, s.size)
	if s.offset >= limit {
		return Slice{}, false
	}
	end := limit
	if s.maxChunk != 0 && end-s.offset > uint64(s.maxChunk) {
		end = s.offset + uint64(s.maxChunk)
	}

	sl := Slice{Offset: s.offset, End: end, Final: end == s.size}
	s.offset = end
	if sl.Final {
		s.finalSent = true
	}
	return sl, true
}
