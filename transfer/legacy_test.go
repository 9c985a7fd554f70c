package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/opd-ai/xfer/chunk"
)

var legacy3 = chunk.TransferID(3)

func TestLegacyReadSingleChunk(t *testing.T) {
	h := newHarness(t, chunk.VersionLegacy)
	f := h.manager.Read(3)
	assert.Equal(t, []chunk.Chunk{readStart(3, chunk.VersionLegacy, testParams)}, h.lastChunks())

	h.receive(DirectionRead, finalData(legacy3, 0, 8))
	assert.Equal(t, []chunk.Chunk{completion(legacy3, codes.OK)}, h.lastChunks())

	got, err := result(t, f)
	require.NoError(t, err)
	assert.Equal(t, bytesRange(0, 8), got)
}

func TestLegacyReadSeveralChunks(t *testing.T) {
	h := newHarness(t, chunk.VersionLegacy)
	f := h.manager.Read(3)
	h.lastChunks()

	h.receive(DirectionRead, data(legacy3, 0, 10), data(legacy3, 10, 20))
	assert.Empty(t, h.lastChunks())

	h.receive(DirectionRead, data(legacy3, 20, 30))
	assert.Equal(t, []chunk.Chunk{legacyParams("continue", 3, 30, testParams)}, h.lastChunks())

	h.receive(DirectionRead, finalData(legacy3, 30, 40))
	assert.Equal(t, []chunk.Chunk{completion(legacy3, codes.OK)}, h.lastChunks())

	got, err := result(t, f)
	require.NoError(t, err)
	assert.Equal(t, bytesRange(0, 40), got)
}

func TestLegacyReadOutOfOrderRequestsRetransmit(t *testing.T) {
	h := newHarness(t, chunk.VersionLegacy)
	h.manager.Read(3)
	h.lastChunks()

	h.receive(DirectionRead, data(legacy3, 0, 10), data(legacy3, 20, 30))
	assert.Equal(t, []chunk.Chunk{legacyParams("retransmit", 3, 10, testParams)}, h.lastChunks())
}

func TestLegacyReadTimeoutResendsStart(t *testing.T) {
	h := newHarness(t, chunk.VersionLegacy)
	f := h.manager.Read(3)
	start := readStart(3, chunk.VersionLegacy, testParams)
	assert.Equal(t, []chunk.Chunk{start}, h.lastChunks())

	h.timeout()
	h.timeout()
	assert.Equal(t, []chunk.Chunk{start, start}, h.lastChunks())

	h.timeout()
	assert.Empty(t, h.lastChunks())
	_, err := result(t, f)
	requireStatus(t, err, codes.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestLegacyReadFailedPreconditionAfterData(t *testing.T) {
	h := newHarness(t, chunk.VersionLegacy)
	f := h.manager.Read(3)
	h.lastChunks()

	h.receive(DirectionRead, data(legacy3, 0, 10))
	h.serverError(DirectionRead, codes.FailedPrecondition)
	assert.Empty(t, h.lastChunks())

	_, err := result(t, f)
	requireStatus(t, err, codes.Internal)
}

func TestLegacyReadRemoteError(t *testing.T) {
	h := newHarness(t, chunk.VersionLegacy)
	f := h.manager.Read(3)
	h.lastChunks()

	h.receive(DirectionRead, completion(legacy3, codes.NotFound))
	assert.Empty(t, h.lastChunks())

	_, err := result(t, f)
	requireStatus(t, err, codes.NotFound)
	assert.ErrorIs(t, err, ErrRemote)
}

func TestLegacyReadIgnoresSessionChunks(t *testing.T) {
	h := newHarness(t, chunk.VersionLegacy)
	f := h.manager.Read(3)
	h.lastChunks()

	h.receive(DirectionRead, finalData(chunk.SessionID(3), 0, 8))
	assert.Empty(t, h.lastChunks())
	assert.False(t, f.IsDone())
}

func TestLegacyManagerCancel(t *testing.T) {
	h := newHarness(t, chunk.VersionLegacy)
	f := h.manager.Read(3)
	h.lastChunks()

	h.manager.Cancel(3)
	assert.Equal(t, []chunk.Chunk{completion(legacy3, codes.Canceled)}, h.lastChunks())

	_, err := result(t, f)
	requireStatus(t, err, codes.Canceled)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestLegacyWrite(t *testing.T) {
	h := newHarness(t, chunk.VersionLegacy)
	legacy2 := chunk.TransferID(2)
	f := h.manager.Write(2, bytesRange(0, 100))
	assert.Equal(t, []chunk.Chunk{writeStart(2, chunk.VersionLegacy, 100)}, h.lastChunks())

	h.receive(DirectionWrite, legacyParams("retransmit", 2, 0, testParams))
	assert.Equal(t, []chunk.Chunk{data(legacy2, 0, 30), data(legacy2, 30, 50)}, h.lastChunks())

	h.receive(DirectionWrite, legacyParams("continue", 2, 30, testParams))
	assert.Equal(t, []chunk.Chunk{data(legacy2, 50, 80)}, h.lastChunks())

	h.receive(DirectionWrite, legacyParams("retransmit", 2, 80, testParams))
	assert.Equal(t, []chunk.Chunk{finalData(legacy2, 80, 100)}, h.lastChunks())

	h.receive(DirectionWrite, completion(legacy2, codes.OK))
	assert.Empty(t, h.lastChunks())

	_, err := result(t, f)
	require.NoError(t, err)
}

func TestLegacyWriteRemoteError(t *testing.T) {
	h := newHarness(t, chunk.VersionLegacy)
	legacy2 := chunk.TransferID(2)
	f := h.manager.Write(2, bytesRange(0, 100))
	h.lastChunks()

	h.receive(DirectionWrite, legacyParams("retransmit", 2, 0, testParams))
	h.receive(DirectionWrite, completion(legacy2, codes.PermissionDenied))
	h.lastChunks()

	_, err := result(t, f)
	requireStatus(t, err, codes.PermissionDenied)
}

func TestVersionedManagerAcceptsLegacyOption(t *testing.T) {
	h := newHarness(t, chunk.VersionTwo)
	f := h.manager.Read(3, WithProtocolVersion(chunk.VersionLegacy))
	assert.Equal(t, []chunk.Chunk{readStart(3, chunk.VersionLegacy, testParams)}, h.lastChunks())

	h.receive(DirectionRead, finalData(legacy3, 0, 4))
	assert.Equal(t, []chunk.Chunk{completion(legacy3, codes.OK)}, h.lastChunks())

	got, err := result(t, f)
	require.NoError(t, err)
	assert.Equal(t, bytesRange(0, 4), got)
}
