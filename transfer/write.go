package transfer

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/clock"
	"github.com/opd-ai/xfer/metrics"
	"github.com/opd-ai/xfer/window"
)

// writeTransfer pushes an in-memory payload to the remote.
type writeTransfer struct {
	*transfer
	payload  []byte
	tx       *window.Sender
	pacer    clock.Timer
	pacerGen uint64
	future   *Future[struct{}]
}

func newWriteTransfer(e *engine, resourceID uint32, payload []byte, o options, f *Future[struct{}]) *writeTransfer {
	w := &writeTransfer{
		transfer: newTransfer(e, resourceID, DirectionWrite, o),
		payload:  payload,
		tx:       window.NewSender(uint64(len(payload))),
		future:   f,
	}
	w.h = w
	return w
}

func (w *writeTransfer) size() uint64 {
	return uint64(len(w.payload))
}

func (w *writeTransfer) initialChunk() chunk.Chunk {
	return chunk.Start{
		ID:             chunk.TransferID(w.resourceID),
		ResourceID:     w.resourceID,
		Version:        w.opts.version,
		RemainingBytes: chunk.Remaining(w.size()),
	}
}

func (w *writeTransfer) confirmationChunk() chunk.Chunk {
	return chunk.StartAckConfirmation{
		ID:             w.outID(),
		Version:        chunk.VersionTwo,
		RemainingBytes: chunk.Remaining(w.size()),
	}
}

func (w *writeTransfer) handshakeDone() {
	if w.state == stateInitiated || w.state == stateAwaitingStartAck {
		w.state = stateSending
	}
}

func (w *writeTransfer) handlePayload(c chunk.Chunk) {
	switch p := c.(type) {
	case chunk.ParametersRetransmit:
		w.applyWindow(window.Retransmit, p.Window)
	case chunk.ParametersContinue:
		w.applyWindow(window.Continue, p.Window)
	default:
		w.log("handlePayload").WithField("chunk_type", c.Type().String()).Debug("Ignoring non-parameters chunk on write stream")
	}
}

func (w *writeTransfer) applyWindow(action window.Action, win chunk.Window) {
	ok, err := w.tx.Apply(action, win)
	switch {
	case errors.Is(err, window.ErrOutOfRange):
		w.log("applyWindow").WithField("offset", win.Offset).Error("Remote requested offset beyond payload")
		w.abort(codes.OutOfRange, err)
		return
	case err != nil:
		w.log("applyWindow").WithField("error", err.Error()).Error("Remote sent an invalid window")
		w.abort(codes.InvalidArgument, err)
		return
	case !ok:
		w.log("applyWindow").WithFields(logrus.Fields{
			"window_end": win.EndOffset(),
			"offset":     w.tx.Offset(),
		}).Debug("Ignoring stale window update")
		return
	}

	w.retries.Reset()
	w.stopPacer()
	if !w.tx.HasNext() {
		w.log("applyWindow").WithField("state", w.state.String()).Debug("Window update has nothing left to send")
		return
	}
	w.state = stateSending
	w.sendWindow()
}

// sendWindow sends DATA chunks until the window is exhausted. When the
// remote asked for a delay between chunks, the rest of the window is
// scheduled on the clock instead.
func (w *writeTransfer) sendWindow() {
	for w.state == stateSending {
		sl, ok := w.tx.Next()
		if !ok {
			return
		}

		d := chunk.Data{ID: w.outID(), Offset: sl.Offset}
		if sl.Len() > 0 {
			d.Payload = w.payload[sl.Offset:sl.End]
		}
		if sl.Final {
			d.RemainingBytes = chunk.Remaining(0)
		}
		if !w.send(d) {
			return
		}
		metrics.RecordPayload(w.dir.String(), len(d.Payload))
		w.report(Progress{BytesSent: sl.End, BytesConfirmed: w.tx.Confirmed(), TotalBytes: w.size()})

		if sl.Final {
			w.state = stateAwaitingCompletion
			return
		}
		if delay := w.tx.MinDelay(); delay > 0 {
			w.schedule(time.Duration(delay) * time.Microsecond)
			return
		}
	}
}

func (w *writeTransfer) schedule(d time.Duration) {
	w.stopPacer()
	gen := w.pacerGen
	w.pacer = w.engine.clock.AfterFunc(d, func() {
		w.engine.post(func() {
			if gen == w.pacerGen {
				w.pacer = nil
				w.sendWindow()
			}
		})
	})
}

func (w *writeTransfer) stopPacer() {
	w.pacerGen++
	if w.pacer != nil {
		w.pacer.Stop()
		w.pacer = nil
	}
}

func (w *writeTransfer) retryChunk() chunk.Chunk {
	return w.last
}

func (w *writeTransfer) remoteCompleted() {
	size := w.size()
	w.report(Progress{BytesSent: size, BytesConfirmed: size, TotalBytes: size})
	w.finish(nil)
}

func (w *writeTransfer) stop() {
	w.stopPacer()
}

func (w *writeTransfer) resolve(err error) {
	w.future.resolve(struct{}{}, err)
}
