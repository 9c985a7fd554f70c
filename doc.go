// Package xfer is a client-side engine for moving resources over a
// chunked, flow-controlled transfer protocol.
//
// A resource is an opaque byte string named by a 32-bit resource id. The
// client either reads it from a server or writes it to one. Data moves in
// chunks bounded by a receiver-advertised window, and the client drives all
// retransmission with per-transfer timers.
//
// # Packages
//
//	chunk      chunk model and its CBOR wire record
//	window     sender and receiver sliding-window bookkeeping
//	transfer   Manager, Future and the read/write transfer state machines
//	transport  gRPC and framed TCP (optionally Noise encrypted) streams
//	server     reference responder with memory and directory stores
//	retry      timeout and retry accounting
//	clock      injectable time source used by transfer timers
//	limits     size limits shared by codecs and frames
//	metrics    Prometheus collectors for transfers and streams
//	crypto     Curve25519 key pairs and passphrase-protected key files
//	noise      IK and XX handshakes over a net.Conn
//	config     viper-backed configuration
//	logging    logrus setup with lumberjack rotation
//
// # Getting Started
//
// Connect a Manager to a gRPC server and read resource 7:
//
//	cc, err := transport.Dial("localhost:7070")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cc.Close()
//
//	m, err := transfer.NewManager(transport.NewGRPC(cc), transfer.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close()
//
//	data, err := m.Read(7).Wait(ctx)
//
// Writes return a Future that resolves once the server acknowledges the
// final chunk:
//
//	_, err = m.Write(7, payload).Wait(ctx)
//
// # Protocol Versions
//
// Transfers negotiate a protocol version on start. Version two adds an
// explicit handshake (START, START_ACK, START_ACK_CONFIRMATION) and a
// server-assigned session id. A client that hears a legacy reply falls
// back to the legacy protocol for the rest of the transfer.
//
// The xferctl command in cmd/xferctl wraps the same packages for use from
// a shell.
package xfer
