package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/limits"
	"github.com/opd-ai/xfer/transfer"
)

// ServiceName is the gRPC service carrying transfer streams.
const ServiceName = "xfer.Transfer"

func init() {
	encoding.RegisterCodec(chunk.DefaultCodec())
}

// StreamName returns the gRPC stream name for dir.
func StreamName(dir transfer.Direction) string {
	if dir == transfer.DirectionWrite {
		return "Write"
	}
	return "Read"
}

// Method returns the full gRPC method name for dir.
func Method(dir transfer.Direction) string {
	return "/" + ServiceName + "/" + StreamName(dir)
}

// StreamDesc describes the bidirectional stream for dir.
func StreamDesc(dir transfer.Direction) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    StreamName(dir),
		ServerStreams: true,
		ClientStreams: true,
	}
}

// Dial creates a client connection to target. Without options the
// connection is unencrypted.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return grpc.NewClient(target, opts...)
}

// GRPC opens transfer streams on a gRPC connection. Chunks are exchanged
// as CBOR records.
type GRPC struct {
	cc       grpc.ClientConnInterface
	callOpts []grpc.CallOption
}

// NewGRPC creates a transport over cc. Messages in either direction are
// limited to limits.MaxFrameSize.
func NewGRPC(cc grpc.ClientConnInterface, opts ...grpc.CallOption) *GRPC {
	callOpts := append([]grpc.CallOption{
		grpc.CallContentSubtype(chunk.CodecName),
		grpc.MaxCallRecvMsgSize(limits.MaxFrameSize),
		grpc.MaxCallSendMsgSize(limits.MaxFrameSize),
	}, opts...)
	return &GRPC{cc: cc, callOpts: callOpts}
}

// Open starts the stream for dir and delivers inbound chunks to h.
func (g *GRPC) Open(ctx context.Context, dir transfer.Direction, h transfer.StreamHandler) (transfer.Stream, error) {
	sctx, cancel := context.WithCancel(ctx)
	desc := StreamDesc(dir)
	cs, err := g.cc.NewStream(sctx, &desc, Method(dir), g.callOpts...)
	if err != nil {
		cancel()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "GRPC.Open",
		"method":    Method(dir),
		"direction": dir.String(),
	}).Debug("gRPC stream opened")

	s := &grpcStream{cs: cs, cancel: cancel, dir: dir}
	go s.recvLoop(h)
	return s, nil
}

// grpcStream is the client end of one gRPC transfer stream.
type grpcStream struct {
	mu     sync.Mutex
	cs     grpc.ClientStream
	cancel context.CancelFunc
	dir    transfer.Direction
	closed atomic.Bool
}

func (s *grpcStream) Send(c chunk.Chunk) error {
	rec := chunk.Encode(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cs.SendMsg(&rec)
}

func (s *grpcStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	err := s.cs.CloseSend()
	s.mu.Unlock()
	s.cancel()
	return err
}

func (s *grpcStream) recvLoop(h transfer.StreamHandler) {
	for {
		var rec chunk.Record
		err := s.cs.RecvMsg(&rec)
		if err != nil {
			if s.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				err = status.Error(codes.Unavailable, "stream ended by server")
			}
			h.HandleError(s.dir, err)
			return
		}

		c, err := chunk.Decode(rec)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "grpcStream.recvLoop",
				"direction": s.dir.String(),
				"error":     err.Error(),
			}).Warn("Dropping undecodable record")
			continue
		}
		h.HandleChunk(s.dir, c)
	}
}
