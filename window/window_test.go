package window

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/xfer/chunk"
)

func TestReceiverInOrderUpdates(t *testing.T) {
	r := NewReceiver(50, 30, 0)

	d := r.Accept(0, 20)
	assert.Equal(t, Decision{Consume: true}, d)

	d = r.Accept(20, 10)
	assert.Equal(t, Decision{Consume: true, Action: Continue}, d)
	assert.Equal(t, chunk.Window{Offset: 30, WindowEndOffset: 80, MaxChunkSizeBytes: 30}, r.Parameters())

	d = r.Accept(30, 50)
	assert.Equal(t, Decision{Consume: true, Action: Retransmit}, d)
	assert.Equal(t, uint64(80), r.Offset())
	assert.Equal(t, uint64(130), r.Parameters().WindowEndOffset)
}

func TestReceiverOneUpdatePerDiscontinuity(t *testing.T) {
	r := NewReceiver(50, 30, 0)
	require.True(t, r.Accept(0, 10).Consume)

	// 10-20 was dropped.
	assert.Equal(t, Decision{Action: Retransmit}, r.Accept(20, 10))
	assert.True(t, r.Recovering())
	assert.Equal(t, chunk.Window{Offset: 10, WindowEndOffset: 60, MaxChunkSizeBytes: 30}, r.Parameters())

	assert.Equal(t, Decision{}, r.Accept(30, 10))
	assert.Equal(t, Decision{}, r.Accept(40, 10))

	d := r.Accept(10, 10)
	assert.True(t, d.Consume)
	assert.False(t, r.Recovering())
	assert.Equal(t, uint64(20), r.Offset())
}

func TestReceiverRepeatsUpdateOnPeerRetry(t *testing.T) {
	r := NewReceiver(50, 30, 0)
	require.True(t, r.Accept(0, 10).Consume)

	assert.Equal(t, Decision{Action: Retransmit}, r.Accept(30, 10))
	assert.Equal(t, Decision{}, r.Accept(40, 10))
	// The peer timed out and resent its last chunk.
	assert.Equal(t, Decision{Action: Retransmit}, r.Accept(40, 10))
	assert.Equal(t, Decision{Action: Retransmit}, r.Accept(40, 10))
}

func TestReceiverStaleChunkStartsRecovery(t *testing.T) {
	r := NewReceiver(50, 30, 0)
	require.True(t, r.Accept(0, 20).Consume)

	assert.Equal(t, Decision{Action: Retransmit}, r.Accept(0, 20))
	assert.True(t, r.Recovering())
}

func TestSenderTilesWindow(t *testing.T) {
	s := NewSender(100)
	ok, err := s.Apply(Retransmit, chunk.Window{Offset: 0, WindowEndOffset: 50, MaxChunkSizeBytes: 30})
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, []Slice{{0, 30, false}, {30, 50, false}}, drain(s))

	ok, err = s.Apply(Continue, chunk.Window{Offset: 30, WindowEndOffset: 120})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(30), s.MaxChunk())
	assert.Equal(t, uint64(30), s.Confirmed())
	assert.Equal(t, []Slice{{50, 80, false}, {80, 100, true}}, drain(s))
}

func TestSenderIgnoresStaleContinue(t *testing.T) {
	s := NewSender(100)
	_, err := s.Apply(Retransmit, chunk.Window{WindowEndOffset: 90, MaxChunkSizeBytes: 30})
	require.NoError(t, err)
	drain(s)

	ok, err := s.Apply(Continue, chunk.Window{Offset: 25, WindowEndOffset: 50})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, drain(s))
}

func TestSenderRetransmitRewinds(t *testing.T) {
	s := NewSender(100)
	_, err := s.Apply(Retransmit, chunk.Window{WindowEndOffset: 100, MaxChunkSizeBytes: 50})
	require.NoError(t, err)
	drain(s)

	ok, err := s.Apply(Retransmit, chunk.Window{Offset: 80, WindowEndOffset: 200})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []Slice{{80, 100, true}}, drain(s))

	_, err = s.Apply(Retransmit, chunk.Window{Offset: 80, WindowEndOffset: 200})
	require.NoError(t, err)
	assert.Equal(t, []Slice{{80, 100, true}}, drain(s))
}

func TestSenderLegacyPendingBytes(t *testing.T) {
	s := NewSender(100)
	_, err := s.Apply(Retransmit, chunk.Window{Offset: 10, PendingBytes: 20})
	require.NoError(t, err)
	assert.Equal(t, []Slice{{10, 30, false}}, drain(s))
}

func TestSenderFinalOffset(t *testing.T) {
	s := NewSender(100)
	_, err := s.Apply(Retransmit, chunk.Window{Offset: 100, PendingBytes: 40})
	require.NoError(t, err)
	assert.Equal(t, []Slice{{100, 100, true}}, drain(s))
}

func TestSenderHasNext(t *testing.T) {
	s := NewSender(100)
	assert.False(t, s.HasNext())

	_, err := s.Apply(Retransmit, chunk.Window{WindowEndOffset: 100, MaxChunkSizeBytes: 60})
	require.NoError(t, err)
	assert.True(t, s.HasNext())
	assert.Len(t, drain(s), 2)
	assert.False(t, s.HasNext())

	ok, err := s.Apply(Continue, chunk.Window{Offset: 100, WindowEndOffset: 150})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, s.HasNext())

	_, err = s.Apply(Retransmit, chunk.Window{Offset: 100, WindowEndOffset: 150})
	require.NoError(t, err)
	assert.True(t, s.HasNext())
}

func TestSenderEmptyPayload(t *testing.T) {
	s := NewSender(0)
	_, err := s.Apply(Retransmit, chunk.Window{WindowEndOffset: 50})
	require.NoError(t, err)
	assert.Equal(t, []Slice{{0, 0, true}}, drain(s))
}

func TestSenderErrors(t *testing.T) {
	s := NewSender(100)
	_, err := s.Apply(Retransmit, chunk.Window{Offset: 101, WindowEndOffset: 150})
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = s.Apply(Retransmit, chunk.Window{Offset: 0})
	assert.ErrorIs(t, err, ErrEmptyWindow)
}

func TestSenderUnboundedChunkSize(t *testing.T) {
	s := NewSender(100)
	_, err := s.Apply(Retransmit, chunk.Window{WindowEndOffset: 100})
	require.NoError(t, err)
	assert.Equal(t, []Slice{{0, 100, true}}, drain(s))
}

// TestSenderSlicesTileWindow checks that for arbitrary windows the emitted
// slices are contiguous, bounded by the chunk size and stop at the window.
func TestSenderSlicesTileWindow(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		size := uint64(rng.Intn(500))
		offset := uint64(0)
		if size > 0 {
			offset = uint64(rng.Intn(int(size)))
		}
		end := offset + 1 + uint64(rng.Intn(300))
		maxChunk := uint32(1 + rng.Intn(64))

		s := NewSender(size)
		ok, err := s.Apply(Retransmit, chunk.Window{Offset: offset, WindowEndOffset: end, MaxChunkSizeBytes: maxChunk})
		require.NoError(t, err)
		require.True(t, ok)

		limit := min(end, size)
		next := offset
		for _, sl := range drain(s) {
			require.Equal(t, next, sl.Offset)
			require.LessOrEqual(t, sl.Len(), uint64(maxChunk))
			require.Equal(t, sl.End == size, sl.Final)
			next = sl.End
		}
		require.Equal(t, limit, next, "size=%d offset=%d end=%d", size, offset, end)
	}
}

func drain(s *Sender) []Slice {
	var out []Slice
	for {
		sl, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, sl)
	}
}
