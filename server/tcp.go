package server

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/transport"
)

// ServeTCP accepts transfer connections on ln until ctx is cancelled. Each
// connection carries one stream. Connections still open when ctx is
// cancelled are closed before ServeTCP returns.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener, keys transport.ServerKeys) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	logrus.WithFields(logrus.Fields{
		"function":  "ServeTCP",
		"address":   ln.Addr().String(),
		"encrypted": keys.Static != nil,
	}).Info("Accepting TCP transfer connections")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn, keys)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, keys transport.ServerKeys) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	log := logrus.WithFields(logrus.Fields{
		"function": "handleConn",
		"remote":   conn.RemoteAddr().String(),
	})

	fc, dir, err := transport.AcceptTCP(conn, keys)
	if err != nil {
		log.WithField("error", err.Error()).Warn("Rejected connection")
		return
	}

	err = s.Serve(ctx, dir, frameStream{fc})
	if err != nil && ctx.Err() == nil {
		log.WithFields(logrus.Fields{
			"direction": dir.String(),
			"error":     err.Error(),
		}).Warn("Stream ended with error")
	}
}

// frameStream adapts a FrameConn to a ChunkStream.
type frameStream struct {
	fc *transport.FrameConn
}

func (f frameStream) Recv() (chunk.Chunk, error) {
	for {
		c, err := f.fc.ReadChunk()
		if errors.Is(err, transport.ErrMalformedFrame) {
			logrus.WithFields(logrus.Fields{
				"function": "frameStream.Recv",
				"error":    err.Error(),
			}).Warn("Dropping malformed frame")
			continue
		}
		return c, err
	}
}

func (f frameStream) Send(c chunk.Chunk) error {
	return f.fc.WriteChunk(c)
}
