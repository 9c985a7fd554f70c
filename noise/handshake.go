package noise

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/flynn/noise"

	"github.com/opd-ai/xfer/crypto"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrPeerKeyMismatch is returned when the responder's static key differs
	// from the pinned key.
	ErrPeerKeyMismatch = errors.New("peer static key does not match pinned key")
)

// Role defines whether we initiate or respond to a handshake.
type Role uint8

const (
	// Initiator starts the handshake. Transfer clients are initiators.
	Initiator Role = iota
	// Responder answers the initiator's first message.
	Responder
)

// String returns a string representation of the role.
func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// Pattern selects the Noise handshake pattern.
type Pattern uint8

const (
	// PatternIK is used when the initiator knows the responder's static key.
	PatternIK Pattern = iota
	// PatternXX exchanges static keys without prior knowledge.
	PatternXX
)

// String returns the Noise name of the pattern.
func (p Pattern) String() string {
	if p == PatternIK {
		return "IK"
	}
	return "XX"
}

func (p Pattern) handshake() noise.HandshakePattern {
	if p == PatternIK {
		return noise.HandshakeIK
	}
	return noise.HandshakeXX
}

// Messages returns how many handshake messages the pattern exchanges.
func (p Pattern) Messages() int {
	return len(p.handshake().Messages)
}

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Config configures one side of a handshake.
type Config struct {
	Pattern Pattern
	Role    Role
	// Static is our long-term key pair.
	Static *crypto.KeyPair
	// PeerStatic is the responder's public key. It is required for an IK
	// initiator; for an XX initiator it pins the key the responder must
	// present.
	PeerStatic []byte
	// Prologue is mixed into the handshake hash; both sides must agree.
	Prologue []byte
}

// Handshake runs one Noise handshake. It is not safe for concurrent use.
type Handshake struct {
	cfg      Config
	state    *noise.HandshakeState
	session  *Session
	messages int
}

// NewHandshake prepares a handshake for cfg.
func NewHandshake(cfg Config) (*Handshake, error) {
	if cfg.Static == nil {
		return nil, errors.New("static key pair required")
	}
	if cfg.PeerStatic != nil && len(cfg.PeerStatic) != crypto.KeySize {
		return nil, fmt.Errorf("peer static key must be %d bytes, got %d", crypto.KeySize, len(cfg.PeerStatic))
	}
	if cfg.Pattern == PatternIK && cfg.Role == Initiator && cfg.PeerStatic == nil {
		return nil, errors.New("IK initiator requires the peer static key")
	}

	staticKey := noise.DHKey{
		Private: make([]byte, crypto.KeySize),
		Public:  make([]byte, crypto.KeySize),
	}
	copy(staticKey.Private, cfg.Static.Private[:])
	copy(staticKey.Public, cfg.Static.Public[:])

	config := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       cfg.Pattern.handshake(),
		Initiator:     cfg.Role == Initiator,
		Prologue:      cfg.Prologue,
		StaticKeypair: staticKey,
	}
	if cfg.Pattern == PatternIK && cfg.Role == Initiator {
		config.PeerStatic = append([]byte(nil), cfg.PeerStatic...)
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s handshake state: %w", cfg.Pattern, err)
	}
	return &Handshake{cfg: cfg, state: state}, nil
}

// WriteMessage produces our next handshake message carrying payload.
func (h *Handshake) WriteMessage(payload []byte) ([]byte, error) {
	if h.session != nil {
		return nil, ErrHandshakeComplete
	}
	msg, cs1, cs2, err := h.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("%s %s write failed: %w", h.cfg.Pattern, h.cfg.Role, err)
	}
	h.messages++
	return msg, h.finish(cs1, cs2)
}

// ReadMessage consumes the peer's next handshake message and returns its
// payload.
func (h *Handshake) ReadMessage(msg []byte) ([]byte, error) {
	if h.session != nil {
		return nil, ErrHandshakeComplete
	}
	payload, cs1, cs2, err := h.state.ReadMessage(nil, msg)
	if err != nil {
		return nil, fmt.Errorf("%s %s read failed: %w", h.cfg.Pattern, h.cfg.Role, err)
	}
	h.messages++
	return payload, h.finish(cs1, cs2)
}

// finish builds the session once the pattern yields cipher states. cs1
// always encrypts initiator to responder traffic.
func (h *Handshake) finish(cs1, cs2 *noise.CipherState) error {
	if cs1 == nil || cs2 == nil {
		return nil
	}
	if err := h.checkPinnedKey(); err != nil {
		return err
	}
	if h.cfg.Role == Initiator {
		h.session = newSession(cs1, cs2)
	} else {
		h.session = newSession(cs2, cs1)
	}
	return nil
}

func (h *Handshake) checkPinnedKey() error {
	if h.cfg.Role != Initiator || h.cfg.PeerStatic == nil {
		return nil
	}
	if subtle.ConstantTimeCompare(h.state.PeerStatic(), h.cfg.PeerStatic) != 1 {
		return ErrPeerKeyMismatch
	}
	return nil
}

// WritesNext reports whether it is our turn to write.
func (h *Handshake) WritesNext() bool {
	initiatorTurn := h.messages%2 == 0
	return initiatorTurn == (h.cfg.Role == Initiator)
}

// IsComplete reports whether the session keys are established.
func (h *Handshake) IsComplete() bool {
	return h.session != nil
}

// Session returns the transport session of a completed handshake.
func (h *Handshake) Session() (*Session, error) {
	if h.session == nil {
		return nil, ErrHandshakeNotComplete
	}
	return h.session, nil
}

// RemoteStatic returns the peer's static public key.
func (h *Handshake) RemoteStatic() ([]byte, error) {
	if h.session == nil {
		return nil, ErrHandshakeNotComplete
	}
	key := h.state.PeerStatic()
	if len(key) == 0 {
		return nil, errors.New("remote static key not available")
	}
	return append([]byte(nil), key...), nil
}
