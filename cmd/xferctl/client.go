package main

import (
	"fmt"
	"strconv"

	"github.com/opd-ai/xfer/config"
	"github.com/opd-ai/xfer/crypto"
	"github.com/opd-ai/xfer/transfer"
	"github.com/opd-ai/xfer/transport"
)

// parseResourceID parses a decimal resource id.
func parseResourceID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid resource id %q: %w", s, err)
	}
	return uint32(id), nil
}

// newTransport builds the configured client transport. The returned
// function releases it.
func newTransport() (transfer.Transport, func() error, error) {
	if cfg.Client.Transport != config.TransportTCP {
		cc, err := transport.Dial(cfg.Client.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gRPC client: %w", err)
		}
		return transport.NewGRPC(cc), cc.Close, nil
	}

	var opts []transport.TCPOption
	if cfg.Noise.Enabled {
		if err := cfg.Noise.ValidateClient(); err != nil {
			return nil, nil, err
		}
		kp, err := crypto.LoadKeyPair(cfg.Noise.KeyFile, []byte(cfg.Noise.Passphrase))
		if err != nil {
			return nil, nil, err
		}
		pattern, err := cfg.Noise.NoisePattern()
		if err != nil {
			return nil, nil, err
		}
		var peer []byte
		if cfg.Noise.PeerKey != "" {
			key, err := crypto.ParseKey(cfg.Noise.PeerKey)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid noise.peer_key: %w", err)
			}
			peer = key[:]
		}
		opts = append(opts, transport.WithNoise(kp, peer, pattern))
	}
	return transport.NewTCP(cfg.Client.Address, opts...), func() error { return nil }, nil
}

// newManager creates a transfer manager on the configured transport. The
// returned function closes both.
func newManager() (*transfer.Manager, func(), error) {
	tc, err := cfg.Client.TransferConfig()
	if err != nil {
		return nil, nil, err
	}
	t, release, err := newTransport()
	if err != nil {
		return nil, nil, err
	}
	m, err := transfer.NewManager(t, tc)
	if err != nil {
		release()
		return nil, nil, err
	}
	return m, func() {
		m.Close()
		release()
	}, nil
}
