package transfer

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/metrics"
	"github.com/opd-ai/xfer/window"
)

// readTransfer pulls a resource from the remote into memory.
type readTransfer struct {
	*transfer
	rx     *window.Receiver
	data   []byte
	future *Future[[]byte]

	// remaining is the estimated number of bytes still to come, valid
	// when remainingKnown is set.
	remaining      uint64
	remainingKnown bool
}

func newReadTransfer(e *engine, resourceID uint32, o options, f *Future[[]byte]) *readTransfer {
	r := &readTransfer{
		transfer: newTransfer(e, resourceID, DirectionRead, o),
		rx:       window.NewReceiver(o.params.MaxPendingBytes, o.params.MaxChunkSizeBytes, o.params.ChunkDelayMicroseconds),
		future:   f,
	}
	r.h = r
	return r
}

func (r *readTransfer) initialChunk() chunk.Chunk {
	p := r.opts.params
	return chunk.Start{
		ID:         chunk.TransferID(r.resourceID),
		ResourceID: r.resourceID,
		Version:    r.opts.version,
		Window: &chunk.Window{
			PendingBytes:         p.MaxPendingBytes,
			WindowEndOffset:      uint64(p.MaxPendingBytes),
			MaxChunkSizeBytes:    p.MaxChunkSizeBytes,
			MinDelayMicroseconds: p.ChunkDelayMicroseconds,
		},
	}
}

func (r *readTransfer) confirmationChunk() chunk.Chunk {
	p := r.opts.params
	return chunk.StartAckConfirmation{
		ID:      r.outID(),
		Version: chunk.VersionTwo,
		Window: &chunk.Window{
			Offset:               r.rx.Offset(),
			WindowEndOffset:      r.rx.WindowEnd(),
			MaxChunkSizeBytes:    p.MaxChunkSizeBytes,
			MinDelayMicroseconds: p.ChunkDelayMicroseconds,
		},
	}
}

func (r *readTransfer) handshakeDone() {
	if r.state == stateInitiated || r.state == stateAwaitingStartAck {
		r.state = stateReceiving
	}
}

func (r *readTransfer) handlePayload(c chunk.Chunk) {
	d, ok := c.(chunk.Data)
	if !ok {
		r.log("handlePayload").WithField("chunk_type", c.Type().String()).Debug("Ignoring non-data chunk on read stream")
		return
	}

	if r.state == stateCompleting {
		// The remote did not see our completion and resent its data.
		r.send(r.completionChunk())
		return
	}

	decision := r.rx.Accept(d.Offset, len(d.Payload))
	if !decision.Consume {
		if decision.Action == window.Retransmit {
			r.log("handlePayload").WithFields(logrus.Fields{
				"offset":   d.Offset,
				"expected": r.rx.Offset(),
			}).Debug("Out of order data, requesting retransmit")
			r.sendParameters(window.Retransmit)
		}
		return
	}

	if size := uint64(len(r.data)) + uint64(len(d.Payload)); size > r.engine.cfg.maxReadSize() {
		r.log("handlePayload").WithFields(logrus.Fields{
			"size":  size,
			"limit": r.engine.cfg.maxReadSize(),
		}).Warn("Read exceeds size limit")
		r.abort(codes.ResourceExhausted, fmt.Errorf("%w: %d bytes", ErrTooLarge, size))
		return
	}

	r.data = append(r.data, d.Payload...)
	r.retries.Reset()
	metrics.RecordPayload(r.dir.String(), len(d.Payload))
	offset := r.rx.Offset()

	if d.RemainingBytes != nil && *d.RemainingBytes == 0 {
		r.report(Progress{BytesSent: offset, BytesConfirmed: offset, TotalBytes: offset})
		r.complete()
		return
	}

	if len(d.Payload) > 0 {
		r.updateRemaining(d)
		r.report(Progress{BytesSent: offset, BytesConfirmed: offset, TotalBytes: r.total()})
	}

	if decision.Action != window.None {
		r.sendParameters(decision.Action)
		return
	}
	r.armTimer()
}

func (r *readTransfer) updateRemaining(d chunk.Data) {
	switch {
	case d.RemainingBytes != nil:
		r.remaining = *d.RemainingBytes
		r.remainingKnown = true
	case r.remainingKnown:
		n := uint64(len(d.Payload))
		if r.remaining > n {
			r.remaining -= n
		} else {
			r.remainingKnown = false
		}
	}
}

func (r *readTransfer) total() uint64 {
	if !r.remainingKnown {
		return UnknownSize
	}
	return r.rx.Offset() + r.remaining
}

func (r *readTransfer) completionChunk() chunk.Chunk {
	return chunk.Completion{ID: r.outID(), Status: codes.OK}
}

// complete finishes a read once the final chunk arrived. Versioned reads
// wait for the remote to acknowledge the completion.
func (r *readTransfer) complete() {
	if r.neg.versioned() {
		r.state = stateCompleting
		r.send(r.completionChunk())
		return
	}
	if r.send(r.completionChunk()) {
		r.finish(nil)
	}
}

func (r *readTransfer) parametersChunk(action window.Action) chunk.Chunk {
	w := r.rx.Parameters()
	if !r.neg.versioned() {
		w.PendingBytes = r.opts.params.MaxPendingBytes
	}
	if action == window.Continue {
		return chunk.ParametersContinue{ID: r.outID(), Window: w}
	}
	return chunk.ParametersRetransmit{ID: r.outID(), Window: w}
}

func (r *readTransfer) sendParameters(action window.Action) {
	r.send(r.parametersChunk(action))
}

func (r *readTransfer) retryChunk() chunk.Chunk {
	switch r.last.(type) {
	case chunk.ParametersRetransmit, chunk.ParametersContinue:
		return r.parametersChunk(window.Retransmit)
	}
	return r.last
}

func (r *readTransfer) remoteCompleted() {
	r.finish(nil)
}

func (r *readTransfer) stop() {}

func (r *readTransfer) resolve(err error) {
	if err != nil {
		r.future.resolve(nil, err)
		return
	}
	if r.data == nil {
		r.data = []byte{}
	}
	r.future.resolve(r.data, nil)
}
