// Package noise secures the TCP chunk transport with the Noise Protocol
// Framework, using the flynn/noise implementation with Curve25519,
// ChaCha20-Poly1305 and SHA256.
//
// # Pattern Selection
//
//	Pattern │ When to Use                               │ Messages
//	────────┼───────────────────────────────────────────┼─────────
//	IK      │ Client knows the server's public key      │ 2
//	XX      │ Keys are exchanged during the handshake   │ 3
//
// Transfer clients are always initiators. With IK the client must be
// configured with the server's public key and the server learns the
// client's key from the first message. With XX the client may still pin
// the server key, in which case the handshake fails with
// ErrPeerKeyMismatch when the server presents a different one.
//
// # Usage
//
//	hs, err := noise.NewHandshake(noise.Config{
//	    Pattern:    noise.PatternIK,
//	    Role:       noise.Initiator,
//	    Static:     clientKeys,
//	    PeerStatic: serverPublicKey,
//	})
//	if err != nil {
//	    return err
//	}
//	session, err := noise.Perform(hs, conn)
//	if err != nil {
//	    return err
//	}
//	ciphertext, err := session.Encrypt(frame)
//
// Perform drives the handshake over any MessageConn; the transport package
// supplies one that writes length-prefixed frames on a net.Conn.
//
// A Session keeps independent nonces per direction. Frames must be
// decrypted in the order they were sent, which a stream transport
// guarantees.
package noise
