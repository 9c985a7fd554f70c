package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	if isZeroKey(keyPair.Public) {
		t.Error("GenerateKeyPair() returned zero public key")
	}
	if isZeroKey(keyPair.Private) {
		t.Error("GenerateKeyPair() returned zero private key")
	}

	keyPair2, _ := GenerateKeyPair()
	if bytes.Equal(keyPair.Public[:], keyPair2.Public[:]) {
		t.Error("Multiple GenerateKeyPair() calls produced identical public keys")
	}
}

func TestFromSecretKeyMatchesGenerated(t *testing.T) {
	generated, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	derived, err := FromSecretKey(generated.Private)
	if err != nil {
		t.Fatalf("FromSecretKey() error: %v", err)
	}
	if derived.Public != generated.Public {
		t.Errorf("derived public key %x, want %x", derived.Public, generated.Public)
	}
}

func TestFromSecretKeyRejectsZero(t *testing.T) {
	if _, err := FromSecretKey([KeySize]byte{}); !errors.Is(err, ErrZeroKey) {
		t.Errorf("FromSecretKey(zero) error = %v, want ErrZeroKey", err)
	}
}

func TestParseKey(t *testing.T) {
	valid := strings.Repeat("ab", KeySize)
	cases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", valid, false},
		{"trailing newline", valid + "\n", false},
		{"short", "abcd", true},
		{"not hex", strings.Repeat("zz", KeySize), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := ParseKey(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatal("ParseKey() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKey() error: %v", err)
			}
			if hex.EncodeToString(key[:]) != valid {
				t.Errorf("ParseKey() = %x", key)
			}
		})
	}
}

func TestSaveLoadPlainKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "client.key")
	kp, _ := GenerateKeyPair()

	if err := SaveKeyPair(path, kp, nil); err != nil {
		t.Fatalf("SaveKeyPair() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file mode %v, want 0600", info.Mode().Perm())
	}

	loaded, err := LoadKeyPair(path, nil)
	if err != nil {
		t.Fatalf("LoadKeyPair() error: %v", err)
	}
	if *loaded != *kp {
		t.Error("loaded key pair differs from saved key pair")
	}
}

func TestSaveLoadEncryptedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.key")
	kp, _ := GenerateKeyPair()

	if err := SaveKeyPair(path, kp, []byte("correct horse")); err != nil {
		t.Fatalf("SaveKeyPair() error: %v", err)
	}

	raw, _ := os.ReadFile(path)
	if bytes.Contains(raw, kp.Private[:]) {
		t.Fatal("encrypted key file contains the private key in clear")
	}

	if _, err := LoadKeyPair(path, nil); !errors.Is(err, ErrPassphraseRequired) {
		t.Errorf("LoadKeyPair(no passphrase) error = %v, want ErrPassphraseRequired", err)
	}
	if _, err := LoadKeyPair(path, []byte("wrong")); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("LoadKeyPair(wrong passphrase) error = %v, want ErrDecryptFailed", err)
	}

	loaded, err := LoadKeyPair(path, []byte("correct horse"))
	if err != nil {
		t.Fatalf("LoadKeyPair() error: %v", err)
	}
	if loaded.Public != kp.Public {
		t.Error("loaded public key differs from saved key pair")
	}
}

func TestLoadKeyPairTamperedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.key")
	kp, _ := GenerateKeyPair()
	if err := SaveKeyPair(path, kp, []byte("pw")); err != nil {
		t.Fatalf("SaveKeyPair() error: %v", err)
	}

	raw, _ := os.ReadFile(path)
	raw[len(keyFileMagic)+1] ^= 0xff
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadKeyPair(path, []byte("pw")); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("LoadKeyPair(tampered) error = %v, want ErrDecryptFailed", err)
	}
}

func TestKeyPairWipe(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	public := kp.Public
	kp.Wipe()
	if !isZeroKey(kp.Private) {
		t.Error("Wipe() did not clear the private key")
	}
	if kp.Public != public {
		t.Error("Wipe() changed the public key")
	}

	var nilPair *KeyPair
	nilPair.Wipe()

	b := []byte{1, 2, 3, 4}
	zero(b)
	if !bytes.Equal(b, make([]byte, 4)) {
		t.Errorf("zero() left %v", b)
	}
}
