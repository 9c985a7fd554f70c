// Package transfer implements the client side of the chunked transfer
// protocol: reading a resource from a remote into memory and writing an
// in-memory payload to a remote, each with windowed flow control,
// timeouts and retries.
//
// # Architecture
//
// A Manager owns one read stream and one write stream, opened lazily through
// a Transport. Every transfer, timer and inbound chunk is handled on a single
// event loop goroutine, so transfer state needs no locking. The exported
// methods only post work to the loop and return a Future.
//
// Transfers are keyed by resource id. Only one transfer per resource may be
// active at a time, in either direction; a second request fails with
// ALREADY_EXISTS.
//
// # Protocol Versions
//
// By default transfers open with VERSION_TWO: the client sends START, the
// remote assigns a session id in START_ACK, and the client confirms with
// START_ACK_CONFIRMATION before data flows. Versioned transfers end with a
// COMPLETION that the other side acknowledges.
//
// A remote that answers with legacy chunks causes the transfer to fall
// back to the legacy protocol, which correlates chunks by resource id and
// has no handshake or completion acknowledgement.
//
// # Usage
//
//	m, err := transfer.NewManager(transport, transfer.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close()
//
//	data, err := m.Read(7, transfer.WithProgress(func(p transfer.Progress) {
//	    fmt.Printf("%d bytes\n", p.BytesConfirmed)
//	})).Wait(ctx)
//	if err != nil {
//	    log.Printf("read failed: %v (status %s)", err, transfer.StatusOf(err))
//	}
//
// # Errors
//
// A failed transfer resolves its Future with an *Error carrying the gRPC
// status code the transfer ended with. The cause is available through
// errors.Is, for example ErrTimeout for DEADLINE_EXCEEDED or ErrRemote when
// the remote ended the transfer.
package transfer
