package server

import (
	"context"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/transfer"
	"github.com/opd-ai/xfer/transport"
)

// TransferServer is the handler type of the xfer.Transfer gRPC service.
type TransferServer interface {
	Serve(ctx context.Context, dir transfer.Direction, cs ChunkStream) error
}

// ServiceDesc describes the xfer.Transfer service. Messages are chunk
// records in the CBOR codec registered by the transport package.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: transport.ServiceName,
	HandlerType: (*TransferServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    transport.StreamName(transfer.DirectionRead),
			Handler:       readHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    transport.StreamName(transfer.DirectionWrite),
			Handler:       writeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "xfer/transfer",
}

// Register adds srv to a gRPC server.
func Register(gs grpc.ServiceRegistrar, srv TransferServer) {
	gs.RegisterService(&ServiceDesc, srv)
}

func readHandler(srv any, stream grpc.ServerStream) error {
	return srv.(TransferServer).Serve(stream.Context(), transfer.DirectionRead, grpcChunkStream{stream})
}

func writeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(TransferServer).Serve(stream.Context(), transfer.DirectionWrite, grpcChunkStream{stream})
}

type grpcChunkStream struct {
	grpc.ServerStream
}

func (s grpcChunkStream) Recv() (chunk.Chunk, error) {
	for {
		var rec chunk.Record
		if err := s.RecvMsg(&rec); err != nil {
			return nil, err
		}
		c, err := chunk.Decode(rec)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "grpcChunkStream.Recv",
				"error":    err.Error(),
			}).Warn("Dropping undecodable record")
			continue
		}
		return c, nil
	}
}

func (s grpcChunkStream) Send(c chunk.Chunk) error {
	rec := chunk.Encode(c)
	return s.SendMsg(&rec)
}
