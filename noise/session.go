package noise

import (
	"fmt"
	"sync"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

// Session encrypts transport messages after a completed handshake. Encrypt
// and Decrypt may be called from different goroutines; each direction is
// serialized separately.
type Session struct {
	sendMu sync.Mutex
	send   *noise.CipherState
	recvMu sync.Mutex
	recv   *noise.CipherState
}

func newSession(send, recv *noise.CipherState) *Session {
	return &Session{send: send, recv: recv}
}

// Encrypt seals plaintext for the peer.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	out, err := s.send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt failed: %w", err)
	}
	return out, nil
}

// Decrypt opens a message from the peer. Messages must be decrypted in the
// order they were encrypted.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	out, err := s.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt failed: %w", err)
	}
	return out, nil
}

// MessageConn carries whole handshake messages.
type MessageConn interface {
	WriteMessage(msg []byte) error
	ReadMessage() ([]byte, error)
}

// Perform runs h to completion over conn and returns the session.
func Perform(h *Handshake, conn MessageConn) (*Session, error) {
	for !h.IsComplete() {
		if h.WritesNext() {
			msg, err := h.WriteMessage(nil)
			if err != nil {
				return nil, err
			}
			if err := conn.WriteMessage(msg); err != nil {
				return nil, fmt.Errorf("failed to send handshake message: %w", err)
			}
			continue
		}

		msg, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to receive handshake message: %w", err)
		}
		if _, err := h.ReadMessage(msg); err != nil {
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Perform",
		"pattern":  h.cfg.Pattern.String(),
		"role":     h.cfg.Role.String(),
	}).Debug("Noise handshake complete")
	return h.Session()
}
