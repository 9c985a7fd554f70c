package server

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/limits"
	"github.com/opd-ai/xfer/transfer"
	"github.com/opd-ai/xfer/window"
)

type phase uint8

const (
	// phaseHandshake means a START_ACK was sent and the confirmation is
	// outstanding.
	phaseHandshake phase = iota
	phaseActive
	// phaseCompleting means a write finished and its completion was sent.
	phaseCompleting
)

// session is the server side of one transfer.
type session struct {
	resourceID uint32
	id         chunk.ID
	versioned  bool
	phase      phase

	// Read direction: the resource being sent.
	payload []byte
	tx      *window.Sender

	// Write direction: the bytes received so far.
	rx       *window.Receiver
	data     []byte
	complete chunk.Completion
}

func (s *session) version() chunk.ProtocolVersion {
	if s.versioned {
		return chunk.VersionTwo
	}
	return chunk.VersionLegacy
}

// responder answers the chunks of one stream. It is driven by a single
// goroutine.
type responder struct {
	srv        *Server
	dir        transfer.Direction
	stream     ChunkStream
	byResource map[uint32]*session
	bySession  map[uint32]*session
}

func newResponder(srv *Server, dir transfer.Direction, cs ChunkStream) *responder {
	return &responder{
		srv:        srv,
		dir:        dir,
		stream:     cs,
		byResource: make(map[uint32]*session),
		bySession:  make(map[uint32]*session),
	}
}

func (r *responder) log(function string, s *session) *logrus.Entry {
	fields := logrus.Fields{
		"function":  function,
		"direction": r.dir.String(),
	}
	if s != nil {
		fields["resource_id"] = s.resourceID
		fields["correlation"] = s.id.String()
	}
	return logrus.WithFields(fields)
}

func (r *responder) active() int {
	return len(r.byResource)
}

func (r *responder) lookup(id chunk.ID) *session {
	if id.Legacy {
		if s := r.byResource[id.Value]; s != nil && !s.versioned {
			return s
		}
		return nil
	}
	return r.bySession[id.Value]
}

func (r *responder) drop(s *session) {
	if r.byResource[s.resourceID] == s {
		delete(r.byResource, s.resourceID)
	}
	if s.versioned && r.bySession[s.id.Value] == s {
		delete(r.bySession, s.id.Value)
	}
}

func (r *responder) handle(c chunk.Chunk) error {
	if start, ok := c.(chunk.Start); ok {
		return r.start(start)
	}

	s := r.lookup(c.Correlation())
	if done, ok := c.(chunk.Completion); ok && s == nil && done.ResourceID != 0 {
		// Aborted before the client learned its session id.
		s = r.byResource[done.ResourceID]
	}
	if s == nil {
		return r.unknown(c)
	}

	switch v := c.(type) {
	case chunk.StartAckConfirmation:
		return r.confirm(s, v)
	case chunk.ParametersRetransmit:
		return r.parameters(s, window.Retransmit, v.Window)
	case chunk.ParametersContinue:
		return r.parameters(s, window.Continue, v.Window)
	case chunk.Data:
		return r.receive(s, v)
	case chunk.Completion:
		return r.clientCompleted(s, v)
	case chunk.CompletionAck:
		r.log("handle", s).Debug("Completion acknowledged")
		r.drop(s)
	}
	return nil
}

// start opens a transfer, or answers a repeated START for one whose
// handshake is still outstanding.
func (r *responder) start(c chunk.Start) error {
	versioned := c.Version >= chunk.VersionTwo && !r.srv.legacy

	if prev := r.byResource[c.ResourceID]; prev != nil {
		if versioned && prev.versioned && prev.phase == phaseHandshake {
			r.log("start", prev).Debug("Repeated START, resending START_ACK")
			return r.send(r.startAck(prev))
		}
		r.log("start", prev).Debug("Client restarted transfer")
		r.drop(prev)
	}

	s := &session{resourceID: c.ResourceID, versioned: versioned, id: chunk.TransferID(c.ResourceID)}
	if code, err := r.prepare(s, c); err != nil {
		r.log("start", s).WithFields(logrus.Fields{
			"status": code.String(),
			"error":  err.Error(),
		}).Warn("Rejecting transfer")
		fail := chunk.Completion{ID: s.id, Status: code}
		if versioned {
			fail = chunk.Completion{ID: chunk.SessionID(0), Status: code, ResourceID: c.ResourceID}
		}
		return r.send(fail)
	}

	r.byResource[s.resourceID] = s
	if versioned {
		s.id = chunk.SessionID(r.srv.sessionID())
		s.phase = phaseHandshake
		r.bySession[s.id.Value] = s
		r.log("start", s).Info("Transfer started")
		return r.send(r.startAck(s))
	}

	s.phase = phaseActive
	r.log("start", s).Info("Legacy transfer started")
	if r.dir == transfer.DirectionRead {
		if c.Window == nil {
			return r.fail(s, codes.InvalidArgument, errors.New("legacy read start without window"))
		}
		return r.parameters(s, window.Retransmit, *c.Window)
	}
	return r.send(r.parametersChunk(s, window.Retransmit))
}

// prepare loads the resource for a read or sets up the receive window for
// a write.
func (r *responder) prepare(s *session, c chunk.Start) (codes.Code, error) {
	if r.dir == transfer.DirectionRead {
		payload, err := r.srv.store.Get(c.ResourceID)
		if errors.Is(err, ErrNotFound) {
			return codes.NotFound, err
		}
		if err != nil {
			return codes.Internal, err
		}
		s.payload = payload
		s.tx = window.NewSender(uint64(len(payload)))
		return codes.OK, nil
	}

	if c.RemainingBytes != nil && *c.RemainingBytes > limits.MaxTransferSize {
		return codes.ResourceExhausted, fmt.Errorf("%w: %d bytes", limits.ErrInvalidParameter, *c.RemainingBytes)
	}
	p := r.srv.params
	s.rx = window.NewReceiver(p.MaxPendingBytes, p.MaxChunkSizeBytes, p.ChunkDelayMicroseconds)
	return codes.OK, nil
}

func (r *responder) startAck(s *session) chunk.Chunk {
	return chunk.StartAck{ID: s.id, ResourceID: s.resourceID, Version: chunk.VersionTwo}
}

// confirm finishes the versioned handshake. A repeated confirmation means
// our first response was lost and is answered the same way.
func (r *responder) confirm(s *session, c chunk.StartAckConfirmation) error {
	s.phase = phaseActive
	if r.dir == transfer.DirectionRead {
		if c.Window == nil {
			return r.fail(s, codes.InvalidArgument, errors.New("confirmation without window"))
		}
		return r.parameters(s, window.Retransmit, *c.Window)
	}
	return r.send(r.parametersChunk(s, window.Retransmit))
}

// parameters applies a window from the client and sends the data it opens.
func (r *responder) parameters(s *session, action window.Action, w chunk.Window) error {
	if r.dir != transfer.DirectionRead {
		r.log("parameters", s).Debug("Ignoring parameters on write stream")
		return nil
	}
	if s.phase == phaseHandshake {
		s.phase = phaseActive
	}

	ok, err := s.tx.Apply(action, w)
	switch {
	case errors.Is(err, window.ErrOutOfRange):
		return r.fail(s, codes.OutOfRange, err)
	case err != nil:
		return r.fail(s, codes.InvalidArgument, err)
	case !ok:
		return nil
	}

	for {
		sl, more := s.tx.Next()
		if !more {
			return nil
		}
		d := chunk.Data{
			ID:             s.id,
			Offset:         sl.Offset,
			RemainingBytes: chunk.Remaining(s.tx.Size() - sl.End),
		}
		if sl.Len() > 0 {
			d.Payload = s.payload[sl.Offset:sl.End]
		}
		if err := r.send(d); err != nil {
			return err
		}
	}
}

func (r *responder) parametersChunk(s *session, action window.Action) chunk.Chunk {
	w := s.rx.Parameters()
	if !s.versioned {
		w.PendingBytes = r.srv.params.MaxPendingBytes
	}
	if action == window.Continue {
		return chunk.ParametersContinue{ID: s.id, Window: w}
	}
	return chunk.ParametersRetransmit{ID: s.id, Window: w}
}

// receive accepts DATA on the write stream.
func (r *responder) receive(s *session, d chunk.Data) error {
	if r.dir != transfer.DirectionWrite {
		r.log("receive", s).Debug("Ignoring data on read stream")
		return nil
	}
	if s.phase == phaseCompleting {
		r.log("receive", s).Debug("Data after completion, resending completion")
		return r.send(s.complete)
	}
	s.phase = phaseActive

	decision := s.rx.Accept(d.Offset, len(d.Payload))
	if !decision.Consume {
		if decision.Action == window.Retransmit {
			return r.send(r.parametersChunk(s, window.Retransmit))
		}
		return nil
	}

	s.data = append(s.data, d.Payload...)
	if len(s.data) > limits.MaxTransferSize {
		return r.fail(s, codes.ResourceExhausted, fmt.Errorf("%w: transfer exceeds %d bytes", limits.ErrInvalidParameter, limits.MaxTransferSize))
	}

	if d.RemainingBytes != nil && *d.RemainingBytes == 0 {
		return r.store(s)
	}
	if decision.Action != window.None {
		return r.send(r.parametersChunk(s, decision.Action))
	}
	return nil
}

// store saves a finished write and reports the result. The session stays
// registered so a lost completion can be repeated.
func (r *responder) store(s *session) error {
	code := codes.OK
	if err := r.srv.store.Put(s.resourceID, s.data); err != nil {
		r.log("store", s).WithField("error", err.Error()).Error("Failed to store resource")
		code = codes.Internal
	} else {
		r.log("store", s).WithField("bytes", len(s.data)).Info("Resource stored")
	}
	s.phase = phaseCompleting
	s.data = nil
	s.complete = chunk.Completion{ID: s.id, Status: code}
	return r.send(s.complete)
}

// clientCompleted handles a completion sent by the client: the end of a
// read, or a cancelled transfer.
func (r *responder) clientCompleted(s *session, c chunk.Completion) error {
	entry := r.log("clientCompleted", s).WithField("status", c.Status.String())
	if c.Status == codes.OK {
		entry.Info("Transfer completed")
	} else {
		entry.Warn("Client ended transfer with error")
	}
	r.drop(s)
	if s.versioned {
		return r.send(chunk.CompletionAck{ID: s.id})
	}
	return nil
}

// unknown answers a chunk that matches no session.
func (r *responder) unknown(c chunk.Chunk) error {
	id := c.Correlation()
	switch c.(type) {
	case chunk.CompletionAck, chunk.StartAck:
		return nil
	case chunk.Completion:
		if id.Legacy {
			return nil
		}
		// The acknowledgement of an earlier completion was lost.
		return r.send(chunk.CompletionAck{ID: id})
	}

	logrus.WithFields(logrus.Fields{
		"function":    "unknown",
		"direction":   r.dir.String(),
		"chunk_type":  c.Type().String(),
		"correlation": id.String(),
	}).Debug("Chunk for unknown transfer")
	return r.send(chunk.Completion{ID: id, Status: codes.FailedPrecondition})
}

// fail ends a transfer with an error status.
func (r *responder) fail(s *session, code codes.Code, cause error) error {
	r.log("fail", s).WithFields(logrus.Fields{
		"status":  code.String(),
		"version": s.version().String(),
		"error":   cause.Error(),
	}).Warn("Ending transfer with error")
	r.drop(s)
	return r.send(chunk.Completion{ID: s.id, Status: code})
}

func (r *responder) send(c chunk.Chunk) error {
	if err := r.stream.Send(c); err != nil {
		return fmt.Errorf("failed to send %s: %w", c.Type(), err)
	}
	return nil
}
