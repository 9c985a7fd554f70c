package chunk

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

var (
	// ErrUnknownType is returned when a record names a chunk type this
	// package does not know.
	ErrUnknownType = errors.New("unknown chunk type")
	// ErrMissingField is returned when a record lacks a field its type requires.
	ErrMissingField = errors.New("missing required chunk field")
)

// Record is the flat wire form of a chunk. Absent fields are nil so that a
// zero value can be told apart from a missing one.
type Record struct {
	TransferID           *uint32 `cbor:"1,keyasint,omitempty"`
	PendingBytes         *uint32 `cbor:"2,keyasint,omitempty"`
	MaxChunkSizeBytes    *uint32 `cbor:"3,keyasint,omitempty"`
	MinDelayMicroseconds *uint32 `cbor:"4,keyasint,omitempty"`
	Offset               uint64  `cbor:"5,keyasint,omitempty"`
	Data                 []byte  `cbor:"6,keyasint,omitempty"`
	RemainingBytes       *uint64 `cbor:"7,keyasint,omitempty"`
	Status               *uint32 `cbor:"8,keyasint,omitempty"`
	WindowEndOffset      *uint64 `cbor:"9,keyasint,omitempty"`
	Type                 *Type   `cbor:"10,keyasint,omitempty"`
	ResourceID           *uint32 `cbor:"11,keyasint,omitempty"`
	SessionID            *uint32 `cbor:"12,keyasint,omitempty"`
	ProtocolVersion      *uint32 `cbor:"13,keyasint,omitempty"`
}

func u32(v uint32) *uint32 { return &v }
func u64(v uint64) *uint64 { return &v }

func nonZero32(v uint32) *uint32 {
	if v == 0 {
		return nil
	}
	return &v
}

func (r *Record) setID(id ID) {
	if id.Legacy {
		r.TransferID = u32(id.Value)
	} else {
		r.SessionID = u32(id.Value)
	}
}

func (r *Record) setVersion(v ProtocolVersion) {
	if v > VersionLegacy {
		r.ProtocolVersion = u32(uint32(v))
	}
}

func (r *Record) setWindow(w Window) {
	r.Offset = w.Offset
	if w.WindowEndOffset != 0 {
		r.WindowEndOffset = u64(w.WindowEndOffset)
	}
	r.PendingBytes = nonZero32(w.PendingBytes)
	r.MaxChunkSizeBytes = nonZero32(w.MaxChunkSizeBytes)
	r.MinDelayMicroseconds = nonZero32(w.MinDelayMicroseconds)
}

func (r *Record) window() Window {
	w := Window{Offset: r.Offset}
	if r.WindowEndOffset != nil {
		w.WindowEndOffset = *r.WindowEndOffset
	}
	if r.PendingBytes != nil {
		w.PendingBytes = *r.PendingBytes
	}
	if r.MaxChunkSizeBytes != nil {
		w.MaxChunkSizeBytes = *r.MaxChunkSizeBytes
	}
	if r.MinDelayMicroseconds != nil {
		w.MinDelayMicroseconds = *r.MinDelayMicroseconds
	}
	return w
}

func (r *Record) hasWindow() bool {
	return r.WindowEndOffset != nil || r.PendingBytes != nil ||
		r.MaxChunkSizeBytes != nil || r.MinDelayMicroseconds != nil
}

// Encode converts a chunk to its wire record.
func Encode(c Chunk) Record {
	t := c.Type()
	r := Record{Type: &t}
	r.setID(c.Correlation())

	switch v := c.(type) {
	case Start:
		r.ResourceID = u32(v.ResourceID)
		r.setVersion(v.Version)
		if v.Window != nil {
			r.setWindow(*v.Window)
		}
		r.RemainingBytes = v.RemainingBytes
	case StartAck:
		r.ResourceID = u32(v.ResourceID)
		r.setVersion(v.Version)
	case StartAckConfirmation:
		r.setVersion(v.Version)
		if v.Window != nil {
			r.setWindow(*v.Window)
		}
		r.RemainingBytes = v.RemainingBytes
	case ParametersRetransmit:
		r.setWindow(v.Window)
	case ParametersContinue:
		r.setWindow(v.Window)
	case Data:
		r.Offset = v.Offset
		r.Data = v.Payload
		r.RemainingBytes = v.RemainingBytes
	case Completion:
		r.Status = u32(uint32(v.Status))
		if v.ResourceID != 0 {
			r.ResourceID = u32(v.ResourceID)
		}
	case CompletionAck:
	}
	return r
}

// Decode converts a wire record to a chunk.
//
// Records without a protocol version are versioned when they carry a
// session id and legacy otherwise. A legacy record with a status is always
// a completion. When the type is absent it is inferred from the fields
// present.
func Decode(r Record) (Chunk, error) {
	var id ID
	switch {
	case r.SessionID != nil:
		id = SessionID(*r.SessionID)
	case r.TransferID != nil:
		id = TransferID(*r.TransferID)
	}

	version := VersionLegacy
	switch {
	case r.ProtocolVersion != nil:
		version = ProtocolVersion(*r.ProtocolVersion)
	case r.SessionID != nil:
		version = VersionTwo
	}

	t, err := r.inferType(version)
	if err != nil {
		return nil, err
	}

	var resourceID uint32
	if r.ResourceID != nil {
		resourceID = *r.ResourceID
	}

	switch t {
	case TypeStart:
		s := Start{ID: id, ResourceID: resourceID, Version: version, RemainingBytes: r.RemainingBytes}
		if r.hasWindow() {
			w := r.window()
			s.Window = &w
		}
		return s, nil
	case TypeStartAck:
		return StartAck{ID: id, ResourceID: resourceID, Version: version}, nil
	case TypeStartAckConfirmation:
		s := StartAckConfirmation{ID: id, Version: version, RemainingBytes: r.RemainingBytes}
		if r.hasWindow() {
			w := r.window()
			s.Window = &w
		}
		return s, nil
	case TypeParametersRetransmit:
		return ParametersRetransmit{ID: id, Window: r.window()}, nil
	case TypeParametersContinue:
		return ParametersContinue{ID: id, Window: r.window()}, nil
	case TypeData:
		return Data{ID: id, Offset: r.Offset, Payload: r.Data, RemainingBytes: r.RemainingBytes}, nil
	case TypeCompletion:
		if r.Status == nil {
			return nil, fmt.Errorf("%w: status in %s", ErrMissingField, t)
		}
		return Completion{ID: id, Status: codes.Code(*r.Status), ResourceID: resourceID}, nil
	case TypeCompletionAck:
		return CompletionAck{ID: id}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(t))
}

func (r *Record) inferType(version ProtocolVersion) (Type, error) {
	if version == VersionLegacy && r.Status != nil {
		return TypeCompletion, nil
	}
	if r.Type != nil {
		if !r.Type.Valid() {
			return 0, fmt.Errorf("%w: %d", ErrUnknownType, uint8(*r.Type))
		}
		return *r.Type, nil
	}
	switch {
	case r.Status != nil:
		return TypeCompletion, nil
	case len(r.Data) > 0 || r.RemainingBytes != nil:
		return TypeData, nil
	default:
		return TypeParametersRetransmit, nil
	}
}
