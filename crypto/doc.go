// Package crypto manages the static Curve25519 keys that authenticate
// transport endpoints.
//
// Keys are generated with NaCl box key generation and stored on disk
// either as hex text or, when a passphrase is given, encrypted with
// XChaCha20-Poly1305 under a PBKDF2-derived key.
//
//	kp, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := crypto.SaveKeyPair("server.key", kp, passphrase); err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("public key:", kp.PublicHex())
//
// Intermediate copies of private keys (decoded hex, decrypted key files,
// derived passphrase keys) are cleared before this package returns. Call
// KeyPair.Wipe when a pair is no longer needed.
package crypto
