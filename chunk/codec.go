package chunk

import (
	"fmt"
	"sync"

	cbor "github.com/fxamacker/cbor/v2"
)

// CodecName is the content subtype records are exchanged under.
const CodecName = "cbor"

// Codec marshals Records as deterministic CBOR. Its method set matches
// grpc's encoding.Codec so it can be registered with grpc directly.
type Codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var (
	defaultCodec    *Codec
	defaultCodecErr error
	codecOnce       sync.Once
)

// MaxRecordPairs bounds the number of map entries decoded from one record.
const MaxRecordPairs = 32

// NewCodec creates a codec with canonical encoding. Decoding rejects
// records with more than MaxRecordPairs fields or any nesting; the
// transports bound the encoded size to limits.MaxFrameSize.
func NewCodec() (*Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{
		MaxNestedLevels: 4,
		MaxMapPairs:     MaxRecordPairs,
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return &Codec{enc: em, dec: dm}, nil
}

// DefaultCodec returns a shared codec.
func DefaultCodec() *Codec {
	codecOnce.Do(func() {
		defaultCodec, defaultCodecErr = NewCodec()
	})
	if defaultCodecErr != nil {
		panic(fmt.Sprintf("chunk: cannot build cbor codec: %v", defaultCodecErr))
	}
	return defaultCodec
}

// Name returns the codec name.
func (c *Codec) Name() string { return CodecName }

// Marshal encodes a Record, *Record or Chunk.
func (c *Codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *Record:
		return c.enc.Marshal(m)
	case Record:
		return c.enc.Marshal(&m)
	case Chunk:
		r := Encode(m)
		return c.enc.Marshal(&r)
	default:
		return nil, fmt.Errorf("chunk codec: cannot marshal %T", v)
	}
}

// Unmarshal decodes into a *Record.
func (c *Codec) Unmarshal(data []byte, v any) error {
	r, ok := v.(*Record)
	if !ok {
		return fmt.Errorf("chunk codec: cannot unmarshal into %T", v)
	}
	*r = Record{}
	return c.dec.Unmarshal(data, r)
}

// Marshal encodes a chunk with the default codec.
func Marshal(c Chunk) ([]byte, error) {
	return DefaultCodec().Marshal(c)
}

// Unmarshal decodes and validates a chunk encoded with Marshal.
func Unmarshal(data []byte) (Chunk, error) {
	var r Record
	if err := DefaultCodec().Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return Decode(r)
}
