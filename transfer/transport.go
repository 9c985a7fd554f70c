package transfer

import (
	"context"

	"github.com/opd-ai/xfer/chunk"
)

// Transport opens the shared per-direction streams to the remote.
type Transport interface {
	// Open starts a stream for dir. Inbound chunks and the terminal stream
	// error are delivered to h from any goroutine.
	Open(ctx context.Context, dir Direction, h StreamHandler) (Stream, error)
}

// Stream is one open duplex stream.
type Stream interface {
	Send(c chunk.Chunk) error
	Close() error
}

// StreamHandler receives the inbound side of a stream. HandleError is
// called at most once, after which the stream delivers nothing more.
type StreamHandler interface {
	HandleChunk(dir Direction, c chunk.Chunk)
	HandleError(dir Direction, err error)
}
