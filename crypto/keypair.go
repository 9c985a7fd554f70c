package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the length of Curve25519 public and private keys.
const KeySize = 32

var (
	// ErrZeroKey is returned for an all-zero private key.
	ErrZeroKey = errors.New("invalid secret key: all zeros")
	// ErrKeyLength is returned when a key does not have KeySize bytes.
	ErrKeyLength = errors.New("key must be 32 bytes")
)

// KeyPair is a Curve25519 static key pair used to authenticate transport
// endpoints.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &KeyPair{Public: *publicKey, Private: *privateKey}, nil
}

// FromSecretKey derives the key pair for an existing private key.
func FromSecretKey(secretKey [KeySize]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, ErrZeroKey
	}

	pub, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], pub)
	return kp, nil
}

// PublicHex returns the public key as lowercase hex.
func (kp *KeyPair) PublicHex() string {
	return hex.EncodeToString(kp.Public[:])
}

// ParseKey decodes a hex encoded 32 byte key. Surrounding whitespace is
// ignored.
func ParseKey(s string) ([KeySize]byte, error) {
	var key [KeySize]byte
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(b) != KeySize {
		return key, fmt.Errorf("%w, got %d", ErrKeyLength, len(b))
	}
	copy(key[:], b)
	zero(b)
	return key, nil
}

// Wipe clears the private key. A wiped pair must not be used again.
func (kp *KeyPair) Wipe() {
	if kp != nil {
		zero(kp.Private[:])
	}
}

// zero clears key material held in b.
func zero(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}

func isZeroKey(key [KeySize]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
