package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the number of iterations for passphrase key derivation.
	PBKDF2Iterations = 100000
	// EncryptionVersion is the current encrypted key file format version.
	EncryptionVersion = 1
	// SaltSize is the size of the PBKDF2 salt.
	SaltSize = 32
)

// keyFileMagic prefixes encrypted key files. Plain key files are hex text.
var keyFileMagic = []byte("XFK")

var (
	// ErrPassphraseRequired is returned when loading an encrypted key file
	// without a passphrase.
	ErrPassphraseRequired = errors.New("key file is encrypted, passphrase required")
	// ErrDecryptFailed is returned for a wrong passphrase or a corrupted file.
	ErrDecryptFailed = errors.New("decryption failed (wrong passphrase or corrupted data)")
)

// SaveKeyPair writes the private key of kp to path. With an empty
// passphrase the key is stored as hex text; otherwise it is encrypted with
// XChaCha20-Poly1305 under a PBKDF2-derived key.
//
// Format of encrypted files: [magic:3][version:1][salt:32][nonce:24][ciphertext+tag]
func SaveKeyPair(path string, kp *KeyPair, passphrase []byte) error {
	if kp == nil {
		return errors.New("nil key pair")
	}

	var out []byte
	if len(passphrase) == 0 {
		out = []byte(fmt.Sprintf("%x\n", kp.Private[:]))
	} else {
		sealed, err := sealKey(kp.Private[:], passphrase)
		if err != nil {
			return err
		}
		out = sealed
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	// Atomic write using temporary file + rename
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// LoadKeyPair reads a key file written by SaveKeyPair and derives the
// public key.
func LoadKeyPair(path string, passphrase []byte) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	defer zero(data)

	var secret [KeySize]byte
	if bytes.HasPrefix(data, keyFileMagic) {
		if len(passphrase) == 0 {
			return nil, ErrPassphraseRequired
		}
		plain, err := openKey(data, passphrase)
		if err != nil {
			return nil, err
		}
		if len(plain) != KeySize {
			zero(plain)
			return nil, fmt.Errorf("%w, got %d", ErrKeyLength, len(plain))
		}
		copy(secret[:], plain)
		zero(plain)
	} else {
		secret, err = ParseKey(string(data))
		if err != nil {
			return nil, err
		}
	}

	kp, err := FromSecretKey(secret)
	zero(secret[:])
	return kp, err
}

func deriveKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, PBKDF2Iterations, chacha20poly1305.KeySize, sha256.New)
}

func sealKey(plaintext, passphrase []byte) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	header := make([]byte, 0, len(keyFileMagic)+1+SaltSize+len(nonce))
	header = append(header, keyFileMagic...)
	header = append(header, EncryptionVersion)
	header = append(header, salt...)
	header = append(header, nonce...)

	// The header is authenticated as associated data.
	return aead.Seal(header, nonce, plaintext, header), nil
}

func openKey(data, passphrase []byte) ([]byte, error) {
	headerLen := len(keyFileMagic) + 1 + SaltSize + chacha20poly1305.NonceSizeX
	if len(data) < headerLen+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("key file too short: %d bytes", len(data))
	}
	if v := data[len(keyFileMagic)]; v != EncryptionVersion {
		return nil, fmt.Errorf("unsupported key file version: %d (expected %d)", v, EncryptionVersion)
	}

	saltStart := len(keyFileMagic) + 1
	salt := data[saltStart : saltStart+SaltSize]
	nonce := data[saltStart+SaltSize : headerLen]

	key := deriveKey(passphrase, salt)
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plain, err := aead.Open(nil, nonce, data[headerLen:], data[:headerLen])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}
	return plain, nil
}
