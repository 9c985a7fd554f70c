// Package limits provides centralized size constants and validation functions
// for the transfer protocol. Every component that reads untrusted input or
// accepts caller parameters validates against these limits.
//
// # Size Hierarchy
//
//   - MaxChunkSizeBytes (32KB): the largest payload of one DATA chunk. Transfer
//     parameters may not ask for more.
//
//   - MaxFrameSize: one encoded record, the payload plus RecordOverhead for the
//     remaining fields.
//
//   - MaxEncryptedFrame: a frame after ChaCha20-Poly1305 sealing. It stays below
//     MaxNoiseMessage so each frame maps to one Noise transport message.
//
//   - MaxTransferSize (256MB): the payload a single transfer may buffer.
//
// # Validation Functions
//
//	if err := limits.ValidateFrame(frame); err != nil {
//	    // ErrFrameEmpty or ErrFrameTooLarge
//	}
//
//	if err := limits.ValidateChunkSize(params.MaxChunkSizeBytes); err != nil {
//	    // ErrInvalidParameter
//	}
package limits
