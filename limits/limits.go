// Package limits provides centralized size limits for the transfer protocol.
// This ensures consistent validation across the codec, transports and engine.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxChunkSizeBytes is the largest payload a single DATA chunk may carry.
	MaxChunkSizeBytes = 32 * 1024

	// RecordOverhead bounds the encoded size of every non-payload field of a record.
	RecordOverhead = 256

	// MaxFrameSize is the maximum size of one encoded record on the wire.
	MaxFrameSize = MaxChunkSizeBytes + RecordOverhead

	// EncryptionOverhead is the ChaCha20-Poly1305 tag added to each encrypted frame.
	EncryptionOverhead = 16

	// MaxEncryptedFrame is the maximum size of a frame after encryption.
	MaxEncryptedFrame = MaxFrameSize + EncryptionOverhead

	// MaxNoiseMessage is the Noise protocol limit for a single transport message.
	MaxNoiseMessage = 65535

	// MaxPendingBytes caps the receive window a client may advertise (16MB).
	MaxPendingBytes = 16 * 1024 * 1024

	// MaxTransferSize caps the payload held in memory for one transfer (256MB).
	MaxTransferSize = 256 * 1024 * 1024
)

var (
	// ErrFrameEmpty indicates an empty frame was provided
	ErrFrameEmpty = errors.New("empty frame")

	// ErrFrameTooLarge indicates a frame exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrInvalidParameter indicates a transfer parameter outside its bounds
	ErrInvalidParameter = errors.New("invalid transfer parameter")
)

// ValidateFrameSize validates a frame against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateFrameSize(frame []byte, maxSize int) error {
	if len(frame) == 0 {
		return ErrFrameEmpty
	}
	if len(frame) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrFrameTooLarge, len(frame), maxSize)
	}
	return nil
}

// ValidateFrame validates a plaintext frame against MaxFrameSize.
func ValidateFrame(frame []byte) error {
	return ValidateFrameSize(frame, MaxFrameSize)
}

// ValidateEncryptedFrame validates an encrypted frame against MaxEncryptedFrame.
func ValidateEncryptedFrame(frame []byte) error {
	return ValidateFrameSize(frame, MaxEncryptedFrame)
}

// ValidateChunkSize checks a max chunk size parameter. Zero is rejected.
func ValidateChunkSize(n uint32) error {
	if n == 0 || n > MaxChunkSizeBytes {
		return fmt.Errorf("%w: max chunk size %d not in [1, %d]", ErrInvalidParameter, n, MaxChunkSizeBytes)
	}
	return nil
}

// ValidatePendingBytes checks a receive window size against the chunk size it
// must hold at least once.
func ValidatePendingBytes(pending, chunkSize uint32) error {
	if pending == 0 || pending > MaxPendingBytes {
		return fmt.Errorf("%w: pending bytes %d not in [1, %d]", ErrInvalidParameter, pending, MaxPendingBytes)
	}
	if pending < chunkSize {
		return fmt.Errorf("%w: pending bytes %d smaller than chunk size %d", ErrInvalidParameter, pending, chunkSize)
	}
	return nil
}

// ValidateTransferSize checks that a payload fits in memory limits.
func ValidateTransferSize(n int) error {
	if n < 0 || n > MaxTransferSize {
		return fmt.Errorf("%w: transfer size %d exceeds limit %d", ErrInvalidParameter, n, MaxTransferSize)
	}
	return nil
}
