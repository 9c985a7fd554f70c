package transfer

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/clock"
	"github.com/opd-ai/xfer/metrics"
	"github.com/opd-ai/xfer/retry"
)

// state represents the lifecycle position of a transfer.
type state uint8

const (
	// stateInitiated means a legacy start was sent and nothing received yet.
	stateInitiated state = iota
	// stateAwaitingStartAck means a versioned start was sent.
	stateAwaitingStartAck
	// stateReceiving means a read is accepting data.
	stateReceiving
	// stateSending means a write is sending data within its window.
	stateSending
	// stateCompleting means a versioned read sent its completion and waits
	// for the acknowledgement.
	stateCompleting
	// stateAwaitingCompletion means a write sent its final chunk.
	stateAwaitingCompletion
	// stateDone means the future is resolved and the transfer deregistered.
	stateDone
)

// String returns a string representation of the state.
func (s state) String() string {
	switch s {
	case stateInitiated:
		return "Initiated"
	case stateAwaitingStartAck:
		return "AwaitingStartAck"
	case stateReceiving:
		return "Receiving"
	case stateSending:
		return "Sending"
	case stateCompleting:
		return "Completing"
	case stateAwaitingCompletion:
		return "AwaitingCompletion"
	case stateDone:
		return "Done"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// handler is implemented by the read and write sides of a transfer.
type handler interface {
	// initialChunk is the START chunk, also resent on early failures.
	initialChunk() chunk.Chunk
	// confirmationChunk answers a START_ACK.
	confirmationChunk() chunk.Chunk
	// handshakeDone moves the transfer into its data phase.
	handshakeDone()
	// handlePayload processes DATA or parameters chunks.
	handlePayload(c chunk.Chunk)
	// retryChunk is sent when the timeout fires.
	retryChunk() chunk.Chunk
	// remoteCompleted handles a COMPLETION with status OK.
	remoteCompleted()
	// stop releases direction-specific timers.
	stop()
	// resolve completes the future; a nil error is success.
	resolve(err error)
}

// transfer holds the state shared by reads and writes. All methods run on
// the manager's event loop.
type transfer struct {
	engine     *engine
	resourceID uint32
	dir        Direction
	neg        *negotiator
	state      state
	opts       options
	retries    *retry.Tracker
	last       chunk.Chunk
	timer      clock.Timer
	timerGen   uint64
	started    time.Time
	h          handler
}

func newTransfer(e *engine, resourceID uint32, dir Direction, o options) *transfer {
	return &transfer{
		engine:     e,
		resourceID: resourceID,
		dir:        dir,
		neg:        newNegotiator(o.version),
		opts:       o,
		retries:    retry.New(e.cfg.MaxRetries, e.cfg.MaxLifetimeRetries),
		started:    e.clock.Now(),
	}
}

func (t *transfer) log(function string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"function":    function,
		"resource_id": t.resourceID,
		"direction":   t.dir.String(),
		"state":       t.state.String(),
	})
}

// begin sends the initial chunk.
func (t *transfer) begin() {
	if t.neg.settled() {
		t.state = stateInitiated
	} else {
		t.state = stateAwaitingStartAck
	}
	t.log("begin").WithField("version", t.opts.version.String()).Info("Starting transfer")
	t.send(t.h.initialChunk())
}

// outID returns the correlation id for outbound chunks.
func (t *transfer) outID() chunk.ID {
	return t.neg.id(t.resourceID)
}

// awaitingFirstResponse reports whether the remote has not yet answered
// the initial chunk.
func (t *transfer) awaitingFirstResponse() bool {
	return t.state == stateInitiated || t.state == stateAwaitingStartAck
}

// send transmits c and arms the timeout. A send failure fails the
// transfer; send reports false if that has already happened.
func (t *transfer) send(c chunk.Chunk) bool {
	t.engine.send(t.dir, c, func(err error) { t.sendFailed(c, err) })
	if t.state == stateDone {
		return false
	}
	t.last = c
	t.armTimer()
	return true
}

func (t *transfer) sendFailed(c chunk.Chunk, err error) {
	if t.state == stateDone {
		return
	}
	t.log("send").WithFields(logrus.Fields{
		"chunk_type": c.Type().String(),
		"error":      err.Error(),
	}).Error("Failed to send chunk")
	t.finish(newError(t.resourceID, codes.Internal, fmt.Errorf("failed to send %s chunk: %w", c.Type(), err)))
}

// sendBestEffort transmits a final chunk whose delivery does not affect
// the result.
func (t *transfer) sendBestEffort(c chunk.Chunk) {
	t.engine.send(t.dir, c, func(err error) {
		t.log("sendBestEffort").WithFields(logrus.Fields{
			"chunk_type": c.Type().String(),
			"error":      err.Error(),
		}).Warn("Failed to send final chunk")
	})
}

func (t *transfer) armTimer() {
	t.stopTimer()
	d := t.opts.timeout
	if t.awaitingFirstResponse() {
		d = t.opts.initialTimeout
	}
	gen := t.timerGen
	t.timer = t.engine.clock.AfterFunc(d, func() {
		t.engine.post(func() { t.onTimeout(gen) })
	})
}

func (t *transfer) stopTimer() {
	t.timerGen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *transfer) onTimeout(gen uint64) {
	if t.state == stateDone || gen != t.timerGen {
		return
	}
	t.timer = nil

	if !t.retries.OnTimeout() {
		if t.state == stateCompleting {
			t.log("onTimeout").Warn("Completion never acknowledged, finishing")
			t.finish(nil)
			return
		}
		t.log("onTimeout").WithFields(logrus.Fields{
			"retries":  t.retries.Retries(),
			"lifetime": t.retries.LifetimeRetries(),
		}).Warn("Retries exhausted, aborting transfer")
		t.finish(newError(t.resourceID, codes.DeadlineExceeded, ErrTimeout))
		return
	}

	metrics.RecordRetry(t.dir.String())
	c := t.h.retryChunk()
	t.log("onTimeout").WithFields(logrus.Fields{
		"retry":      t.retries.Retries(),
		"chunk_type": c.Type().String(),
	}).Debug("Timed out, resending")
	t.send(c)
}

// handleChunk processes an inbound chunk routed to this transfer.
func (t *transfer) handleChunk(c chunk.Chunk) {
	if t.state == stateDone {
		return
	}
	if t.engine.shouldAbort() {
		t.log("handleChunk").Warn("Abort requested, terminating transfer")
		t.abort(codes.Aborted, ErrAborted)
		return
	}

	switch t.neg.resolve(c) {
	case outcomeUnsupported:
		v := chunk.VersionOf(c)
		t.log("handleChunk").WithField("offered_version", v.String()).Error("Remote offered unsupported protocol version")
		t.sendBestEffort(chunk.Completion{ID: chunk.SessionID(c.Correlation().Value), Status: codes.InvalidArgument})
		t.finish(newError(t.resourceID, codes.InvalidArgument, fmt.Errorf("%w: %s", ErrUnsupportedVersion, v)))
		return
	case outcomeVersioned:
		t.log("handleChunk").WithField("session_id", t.neg.sessionID).Debug("Session assigned")
		t.retries.Reset()
		t.engine.bindSession(t)
		t.h.handshakeDone()
		t.send(t.h.confirmationChunk())
		return
	case outcomeLegacy:
		if t.opts.version != chunk.VersionLegacy {
			t.log("handleChunk").Info("Remote answered with legacy protocol, falling back")
		}
		t.h.handshakeDone()
	}

	switch v := c.(type) {
	case chunk.StartAck:
		if t.neg.versioned() && v.ID.Value == t.neg.sessionID {
			t.log("handleChunk").Debug("Duplicate START_ACK, resending confirmation")
			t.send(t.h.confirmationChunk())
		}
	case chunk.Completion:
		t.handleCompletion(v)
	case chunk.CompletionAck:
		if t.state == stateCompleting {
			t.finish(nil)
		}
	case chunk.Start, chunk.StartAckConfirmation:
		t.log("handleChunk").WithField("chunk_type", c.Type().String()).Debug("Ignoring unexpected chunk")
	default:
		switch t.state {
		case stateAwaitingStartAck:
			// Versioned data before the session exists cannot be ours.
			return
		case stateInitiated:
			t.h.handshakeDone()
		}
		t.h.handlePayload(c)
	}
}

func (t *transfer) handleCompletion(c chunk.Completion) {
	if t.neg.versioned() {
		t.sendBestEffort(chunk.CompletionAck{ID: t.outID()})
	}
	if c.Status != codes.OK {
		t.log("handleCompletion").WithField("status", c.Status.String()).Warn("Remote ended transfer with error")
		t.finish(newError(t.resourceID, c.Status, ErrRemote))
		return
	}
	t.h.remoteCompleted()
}

// handleStreamError reacts to the failure of this transfer's stream.
func (t *transfer) handleStreamError(err error) {
	if t.state == stateDone {
		return
	}
	if status.Code(err) == codes.FailedPrecondition && t.awaitingFirstResponse() && t.retries.OnTimeout() {
		t.log("handleStreamError").Warn("Stream rejected before handshake, resending initial chunk")
		metrics.RecordRetry(t.dir.String())
		t.send(t.h.initialChunk())
		return
	}
	if t.state == stateCompleting {
		t.finish(nil)
		return
	}
	t.finish(newError(t.resourceID, codes.Internal, fmt.Errorf("%s stream: %w", t.dir, err)))
}

// abort ends the transfer on a local error, telling the remote why.
func (t *transfer) abort(code codes.Code, cause error) {
	c := chunk.Completion{ID: t.outID(), Status: code}
	if !t.neg.settled() {
		c.ResourceID = t.resourceID
	}
	t.sendBestEffort(c)
	t.finish(newError(t.resourceID, code, cause))
}

// cancel stops the transfer at the caller's request.
func (t *transfer) cancel() {
	if t.state == stateDone {
		return
	}
	t.log("cancel").Info("Cancelling transfer")
	t.abort(codes.Canceled, ErrCancelled)
}

// finish resolves the transfer and removes it from the registry. A nil
// err is success.
func (t *transfer) finish(err error) {
	if t.state == stateDone {
		return
	}
	t.state = stateDone
	t.stopTimer()
	t.h.stop()
	t.engine.remove(t)

	code := StatusOf(err)
	metrics.RecordTransferFinished(t.dir.String(), code.String(), t.engine.clock.Now().Sub(t.started))
	entry := t.log("finish").WithField("status", code.String())
	if err != nil {
		entry.WithField("error", err.Error()).Warn("Transfer failed")
	} else {
		entry.Info("Transfer completed")
	}
	t.h.resolve(err)
}

// report delivers a progress update to the caller.
func (t *transfer) report(p Progress) {
	if t.opts.progress != nil {
		t.opts.progress(p)
	}
}
