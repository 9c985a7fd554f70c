package noise

import (
	"bytes"
	"errors"
	"testing"

	"github.com/opd-ai/xfer/crypto"
)

// pipeConn connects two handshakes in memory.
type pipeConn struct {
	in  chan []byte
	out chan []byte
}

func newPipe() (*pipeConn, *pipeConn) {
	a := make(chan []byte, 4)
	b := make(chan []byte, 4)
	return &pipeConn{in: a, out: b}, &pipeConn{in: b, out: a}
}

func (p *pipeConn) WriteMessage(msg []byte) error {
	p.out <- msg
	return nil
}

var errClosed = errors.New("pipe closed")

func (p *pipeConn) ReadMessage() ([]byte, error) {
	msg, ok := <-p.in
	if !ok {
		return nil, errClosed
	}
	return msg, nil
}

func mustKeyPair(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

type result struct {
	session *Session
	err     error
}

func runPair(t *testing.T, initiator, responder Config) (*Handshake, *Handshake, result, result) {
	t.Helper()
	ih, err := NewHandshake(initiator)
	if err != nil {
		t.Fatalf("initiator: %v", err)
	}
	rh, err := NewHandshake(responder)
	if err != nil {
		t.Fatalf("responder: %v", err)
	}

	ic, rc := newPipe()
	done := make(chan result, 1)
	go func() {
		s, err := Perform(rh, rc)
		if err != nil {
			close(ic.in)
		}
		done <- result{s, err}
	}()

	s, err := Perform(ih, ic)
	ir := result{s, err}
	if err != nil {
		close(ic.out)
	}
	return ih, rh, ir, <-done
}

func TestHandshakeIK(t *testing.T) {
	client, server := mustKeyPair(t), mustKeyPair(t)

	ih, rh, ir, rr := runPair(t,
		Config{Pattern: PatternIK, Role: Initiator, Static: client, PeerStatic: server.Public[:]},
		Config{Pattern: PatternIK, Role: Responder, Static: server},
	)
	if ir.err != nil || rr.err != nil {
		t.Fatalf("handshake failed: initiator %v, responder %v", ir.err, rr.err)
	}
	if !ih.IsComplete() || !rh.IsComplete() {
		t.Fatal("handshake should be complete on both sides")
	}

	remote, err := rh.RemoteStatic()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(remote, client.Public[:]) {
		t.Error("responder saw the wrong initiator key")
	}

	for _, msg := range [][]byte{[]byte("first"), []byte("second")} {
		ct, err := ir.session.Encrypt(msg)
		if err != nil {
			t.Fatal(err)
		}
		pt, err := rr.session.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt() error: %v", err)
		}
		if !bytes.Equal(pt, msg) {
			t.Errorf("Decrypt() = %q, want %q", pt, msg)
		}
	}

	ct, _ := rr.session.Encrypt([]byte("reply"))
	pt, err := ir.session.Decrypt(ct)
	if err != nil || string(pt) != "reply" {
		t.Errorf("reply Decrypt() = %q, %v", pt, err)
	}
}

func TestHandshakeXX(t *testing.T) {
	client, server := mustKeyPair(t), mustKeyPair(t)

	ih, _, ir, rr := runPair(t,
		Config{Pattern: PatternXX, Role: Initiator, Static: client},
		Config{Pattern: PatternXX, Role: Responder, Static: server},
	)
	if ir.err != nil || rr.err != nil {
		t.Fatalf("handshake failed: initiator %v, responder %v", ir.err, rr.err)
	}

	remote, err := ih.RemoteStatic()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(remote, server.Public[:]) {
		t.Error("initiator saw the wrong responder key")
	}
	if PatternXX.Messages() != 3 || PatternIK.Messages() != 2 {
		t.Errorf("unexpected message counts: XX %d, IK %d", PatternXX.Messages(), PatternIK.Messages())
	}
}

func TestHandshakeXXPinnedKeyMismatch(t *testing.T) {
	client, server, other := mustKeyPair(t), mustKeyPair(t), mustKeyPair(t)

	_, _, ir, rr := runPair(t,
		Config{Pattern: PatternXX, Role: Initiator, Static: client, PeerStatic: other.Public[:]},
		Config{Pattern: PatternXX, Role: Responder, Static: server},
	)
	if !errors.Is(ir.err, ErrPeerKeyMismatch) {
		t.Errorf("initiator error = %v, want ErrPeerKeyMismatch", ir.err)
	}
	if rr.err == nil {
		t.Error("responder should not complete after the initiator rejected its key")
	}
}

func TestHandshakeIKWrongResponderKey(t *testing.T) {
	client, server, other := mustKeyPair(t), mustKeyPair(t), mustKeyPair(t)

	_, _, ir, rr := runPair(t,
		Config{Pattern: PatternIK, Role: Initiator, Static: client, PeerStatic: other.Public[:]},
		Config{Pattern: PatternIK, Role: Responder, Static: server},
	)
	if rr.err == nil {
		t.Error("responder should fail to read a message for another key")
	}
	if ir.err == nil {
		t.Error("initiator should fail when the responder aborts")
	}
}

func TestNewHandshakeValidation(t *testing.T) {
	kp := mustKeyPair(t)
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing static", Config{Pattern: PatternXX, Role: Initiator}},
		{"IK initiator without peer", Config{Pattern: PatternIK, Role: Initiator, Static: kp}},
		{"short peer key", Config{Pattern: PatternIK, Role: Initiator, Static: kp, PeerStatic: make([]byte, 16)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewHandshake(tc.cfg); err == nil {
				t.Error("NewHandshake() expected error")
			}
		})
	}

	if _, err := NewHandshake(Config{Pattern: PatternIK, Role: Responder, Static: kp}); err != nil {
		t.Errorf("responder without peer key: %v", err)
	}
}

func TestHandshakeStateErrors(t *testing.T) {
	kp := mustKeyPair(t)
	h, err := NewHandshake(Config{Pattern: PatternXX, Role: Initiator, Static: kp})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Session(); !errors.Is(err, ErrHandshakeNotComplete) {
		t.Errorf("Session() error = %v, want ErrHandshakeNotComplete", err)
	}
	if _, err := h.RemoteStatic(); !errors.Is(err, ErrHandshakeNotComplete) {
		t.Errorf("RemoteStatic() error = %v, want ErrHandshakeNotComplete", err)
	}
	if !h.WritesNext() {
		t.Error("initiator should write first")
	}
	if _, err := h.ReadMessage([]byte("garbage")); err == nil {
		t.Error("ReadMessage() out of turn should fail")
	}
}
