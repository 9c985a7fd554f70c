package transfer

import (
	"github.com/opd-ai/xfer/chunk"
)

// outcome is the effect an inbound chunk has on protocol negotiation.
type outcome uint8

const (
	// outcomeNone leaves the negotiation as it was.
	outcomeNone outcome = iota
	// outcomeVersioned settles on VERSION_TWO with a session id.
	outcomeVersioned
	// outcomeLegacy settles on the legacy protocol.
	outcomeLegacy
	// outcomeUnsupported means the remote offered a version we cannot speak.
	outcomeUnsupported
)

// negotiator tracks which protocol version a transfer runs under.
//
// A transfer that requests VERSION_TWO stays unsettled until the remote
// answers. A START_ACK settles it on VERSION_TWO; any legacy chunk means
// the remote does not know the versioned protocol and the transfer falls
// back to legacy.
type negotiator struct {
	desired   chunk.ProtocolVersion
	version   chunk.ProtocolVersion
	sessionID uint32
}

func newNegotiator(desired chunk.ProtocolVersion) *negotiator {
	n := &negotiator{desired: desired}
	if desired == chunk.VersionLegacy {
		n.version = chunk.VersionLegacy
	}
	return n
}

// settled reports whether the version is known.
func (n *negotiator) settled() bool {
	return n.version != chunk.VersionUnknown
}

// versioned reports whether the transfer runs under VERSION_TWO.
func (n *negotiator) versioned() bool {
	return n.version == chunk.VersionTwo
}

// resolve inspects an inbound chunk while the version is unsettled.
func (n *negotiator) resolve(c chunk.Chunk) outcome {
	if n.settled() {
		return outcomeNone
	}
	if ack, ok := c.(chunk.StartAck); ok {
		if chunk.VersionOf(ack) != chunk.VersionTwo {
			return outcomeUnsupported
		}
		n.version = chunk.VersionTwo
		n.sessionID = ack.ID.Value
		return outcomeVersioned
	}
	if c.Correlation().Legacy {
		n.version = chunk.VersionLegacy
		return outcomeLegacy
	}
	return outcomeNone
}

// id returns the correlation id for outbound chunks.
func (n *negotiator) id(resourceID uint32) chunk.ID {
	if n.versioned() {
		return chunk.SessionID(n.sessionID)
	}
	return chunk.TransferID(resourceID)
}
