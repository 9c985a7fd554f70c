// Package transport carries transfer chunks between a client and a
// server. Both implementations satisfy transfer.Transport and open one
// bidirectional stream per direction.
//
// # gRPC
//
// GRPC maps the read and write streams onto the bidirectional methods
// /xfer.Transfer/Read and /xfer.Transfer/Write. Chunks travel as CBOR
// records through a codec registered under the "cbor" content subtype, so
// no generated protobuf code is required:
//
//	cc, err := transport.Dial("localhost:7070")
//	if err != nil {
//	    return err
//	}
//	mgr, err := transfer.NewManager(transport.NewGRPC(cc), transfer.DefaultConfig())
//
// # TCP
//
// TCP opens a connection per stream. The client writes a two byte preface
// naming the direction and security mode, optionally runs a Noise
// handshake, and then exchanges length-prefixed frames:
//
//	┌──────────────┬──────┬─────────────────────────┐
//	│ length (BE32)│ kind │ CBOR record or status   │
//	└──────────────┴──────┴─────────────────────────┘
//
// With Noise enabled everything after the length is sealed by the
// session. A status frame ends the stream with a gRPC status code, which
// lets a TCP server reject a stream the same way a gRPC server would:
//
//	t := transport.NewTCP("localhost:7071",
//	    transport.WithNoise(clientKeys, serverPublic[:], noise.PatternIK))
//
// Servers accept connections with AcceptTCP and then use the returned
// FrameConn directly.
//
// # Errors
//
// Errors reported through StreamHandler.HandleError always carry a gRPC
// status. A remote that closes a stream yields UNAVAILABLE. Records that
// fail to decode are logged and dropped without ending the stream.
package transport
