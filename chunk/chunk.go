// Package chunk defines the messages exchanged by the transfer protocol.
//
// Every message is a Chunk. Concrete chunk types carry only the fields that
// are meaningful for them; the flat wire representation lives in Record.
//
// Example:
//
//	c := chunk.Data{
//		ID:             chunk.SessionID(7),
//		Offset:         0,
//		Payload:        []byte("hello"),
//		RemainingBytes: chunk.Remaining(0),
//	}
//	frame, err := chunk.Marshal(c)
package chunk

import (
	"fmt"

	"google.golang.org/grpc/codes"
)

// Type identifies the kind of a chunk. The numeric values are part of the
// wire format.
type Type uint8

const (
	// TypeData carries a slice of the payload.
	TypeData Type = iota
	// TypeStart opens a transfer.
	TypeStart
	// TypeParametersRetransmit asks the sender to resume from an offset.
	TypeParametersRetransmit
	// TypeParametersContinue extends the window without rewinding.
	TypeParametersContinue
	// TypeCompletion ends a transfer with a status.
	TypeCompletion
	// TypeCompletionAck acknowledges a completion.
	TypeCompletionAck
	// TypeStartAck is the remote's answer to a versioned start.
	TypeStartAck
	// TypeStartAckConfirmation confirms the session assigned by a start ack.
	TypeStartAckConfirmation
)

// String returns a string representation of the chunk type.
func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeStart:
		return "START"
	case TypeParametersRetransmit:
		return "PARAMETERS_RETRANSMIT"
	case TypeParametersContinue:
		return "PARAMETERS_CONTINUE"
	case TypeCompletion:
		return "COMPLETION"
	case TypeCompletionAck:
		return "COMPLETION_ACK"
	case TypeStartAck:
		return "START_ACK"
	case TypeStartAckConfirmation:
		return "START_ACK_CONFIRMATION"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Valid reports whether t is a known chunk type.
func (t Type) Valid() bool {
	return t <= TypeStartAckConfirmation
}

// ProtocolVersion represents a version of the transfer protocol.
type ProtocolVersion uint32

const (
	// VersionUnknown means no version has been negotiated yet.
	VersionUnknown ProtocolVersion = iota
	// VersionLegacy is the original protocol without sessions.
	VersionLegacy
	// VersionTwo adds the opening and closing handshakes and session ids.
	VersionTwo
)

// LatestVersion is the newest protocol version this package speaks.
const LatestVersion = VersionTwo

// String returns a string representation of the protocol version.
func (v ProtocolVersion) String() string {
	switch v {
	case VersionUnknown:
		return "Unknown"
	case VersionLegacy:
		return "Legacy"
	case VersionTwo:
		return "VersionTwo"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(v))
	}
}

// ID correlates a chunk with a transfer. Legacy chunks use the transfer id,
// which equals the resource id; versioned chunks use a session id assigned
// by the remote.
type ID struct {
	Value  uint32
	Legacy bool
}

// TransferID returns a legacy correlation id.
func TransferID(v uint32) ID {
	return ID{Value: v, Legacy: true}
}

// SessionID returns a versioned correlation id.
func SessionID(v uint32) ID {
	return ID{Value: v}
}

func (id ID) String() string {
	if id.Legacy {
		return fmt.Sprintf("transfer:%d", id.Value)
	}
	return fmt.Sprintf("session:%d", id.Value)
}

// Remaining returns a pointer to n, for the optional RemainingBytes fields.
func Remaining(n uint64) *uint64 {
	return &n
}

// Window describes the byte range a receiver is ready to accept.
type Window struct {
	Offset          uint64
	WindowEndOffset uint64
	// PendingBytes is only sent by legacy peers. Zero means absent.
	PendingBytes uint32
	// MaxChunkSizeBytes of zero means absent.
	MaxChunkSizeBytes    uint32
	MinDelayMicroseconds uint32
}

// EndOffset returns the exclusive end of the window. WindowEndOffset wins
// over PendingBytes when both are present.
func (w Window) EndOffset() uint64 {
	if w.WindowEndOffset != 0 {
		return w.WindowEndOffset
	}
	return w.Offset + uint64(w.PendingBytes)
}

// Chunk is a single protocol message.
type Chunk interface {
	Type() Type
	Correlation() ID
}

// Start opens a read or write transfer. Read starts carry a Window, write
// starts carry the payload size in RemainingBytes.
type Start struct {
	ID         ID
	ResourceID uint32
	// Version is omitted on the wire for legacy starts.
	Version        ProtocolVersion
	Window         *Window
	RemainingBytes *uint64
}

// StartAck assigns a session to a versioned transfer.
type StartAck struct {
	ID         ID
	ResourceID uint32
	Version    ProtocolVersion
}

// StartAckConfirmation finishes the opening handshake.
type StartAckConfirmation struct {
	ID             ID
	Version        ProtocolVersion
	Window         *Window
	RemainingBytes *uint64
}

// ParametersRetransmit asks the sender to resend from Window.Offset.
type ParametersRetransmit struct {
	ID     ID
	Window Window
}

// ParametersContinue extends the window without moving the send offset.
type ParametersContinue struct {
	ID     ID
	Window Window
}

// Data carries Payload at Offset. RemainingBytes of zero marks the end of
// the stream.
type Data struct {
	ID             ID
	Offset         uint64
	Payload        []byte
	RemainingBytes *uint64
}

// Completion ends a transfer. ResourceID is set when no session exists yet.
type Completion struct {
	ID         ID
	Status     codes.Code
	ResourceID uint32
}

// CompletionAck acknowledges a completion.
type CompletionAck struct {
	ID ID
}

func (Start) Type() Type                { return TypeStart }
func (StartAck) Type() Type             { return TypeStartAck }
func (StartAckConfirmation) Type() Type { return TypeStartAckConfirmation }
func (ParametersRetransmit) Type() Type { return TypeParametersRetransmit }
func (ParametersContinue) Type() Type   { return TypeParametersContinue }
func (Data) Type() Type                 { return TypeData }
func (Completion) Type() Type           { return TypeCompletion }
func (CompletionAck) Type() Type        { return TypeCompletionAck }

func (c Start) Correlation() ID                { return c.ID }
func (c StartAck) Correlation() ID             { return c.ID }
func (c StartAckConfirmation) Correlation() ID { return c.ID }
func (c ParametersRetransmit) Correlation() ID { return c.ID }
func (c ParametersContinue) Correlation() ID   { return c.ID }
func (c Data) Correlation() ID                 { return c.ID }
func (c Completion) Correlation() ID           { return c.ID }
func (c CompletionAck) Correlation() ID        { return c.ID }

// VersionOf returns the protocol version a chunk was sent under. Chunks
// correlated by transfer id are legacy unless they state a version.
func VersionOf(c Chunk) ProtocolVersion {
	switch v := c.(type) {
	case Start:
		if v.Version != VersionUnknown {
			return v.Version
		}
	case StartAck:
		if v.Version != VersionUnknown {
			return v.Version
		}
	case StartAckConfirmation:
		if v.Version != VersionUnknown {
			return v.Version
		}
	}
	if c.Correlation().Legacy {
		return VersionLegacy
	}
	return VersionTwo
}
