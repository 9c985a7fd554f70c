// Package server implements the remote side of the transfer protocol. It
// serves reads from and stores writes into a Store, speaking the legacy
// protocol or VERSION_TWO depending on what each client asks for.
//
// A Server is transport agnostic: Serve handles one stream given as a
// ChunkStream. Register exposes it as the xfer.Transfer gRPC service and
// ServeTCP accepts framed TCP connections, optionally secured with Noise.
//
// The server keeps no timers. Retransmission is driven entirely by the
// client, which is the side that owns timeouts in this protocol.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/transfer"
)

// ChunkStream is the server end of one transfer stream.
type ChunkStream interface {
	// Recv returns the next chunk, or io.EOF once the client is done.
	Recv() (chunk.Chunk, error)
	Send(c chunk.Chunk) error
}

// Server answers transfer streams from a Store.
type Server struct {
	store       Store
	legacy      bool
	params      transfer.Parameters
	nextSession atomic.Uint32
}

// Option customizes a Server.
type Option func(*Server)

// WithLegacy makes the server answer every transfer with the legacy
// protocol, as a server predating VERSION_TWO would.
func WithLegacy() Option {
	return func(s *Server) { s.legacy = true }
}

// WithParameters sets the receive window the server advertises for writes.
func WithParameters(p transfer.Parameters) Option {
	return func(s *Server) { s.params = p }
}

// New creates a server backed by store.
func New(store Store, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, errors.New("server: nil store")
	}
	s := &Server{store: store, params: transfer.DefaultParameters}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.params.Validate(); err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":          "server.New",
		"legacy":            s.legacy,
		"max_pending_bytes": s.params.MaxPendingBytes,
	}).Info("Transfer server created")
	return s, nil
}

// Serve handles one stream until the client closes it, the context is
// cancelled or a send fails.
func (s *Server) Serve(ctx context.Context, dir transfer.Direction, cs ChunkStream) error {
	r := newResponder(s, dir, cs)
	log := logrus.WithFields(logrus.Fields{
		"function":  "Serve",
		"direction": dir.String(),
	})
	log.Debug("Stream opened")

	for {
		c, err := cs.Recv()
		if errors.Is(err, io.EOF) {
			log.WithField("active", r.active()).Debug("Stream closed by client")
			return nil
		}
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.handle(c); err != nil {
			log.WithField("error", err.Error()).Warn("Failed to answer chunk")
			return err
		}
	}
}

func (s *Server) sessionID() uint32 {
	return s.nextSession.Add(1)
}
