package transfer

import (
	"fmt"
	"math"
	"time"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/clock"
	"github.com/opd-ai/xfer/limits"
)

// Direction identifies which of the two shared streams a transfer uses.
type Direction uint8

const (
	// DirectionRead pulls a resource from the remote.
	DirectionRead Direction = iota
	// DirectionWrite pushes a resource to the remote.
	DirectionWrite
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case DirectionRead:
		return "read"
	case DirectionWrite:
		return "write"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(d))
	}
}

// Parameters control the receive window a read transfer advertises.
type Parameters struct {
	MaxPendingBytes        uint32 `mapstructure:"max_pending_bytes"`
	MaxChunkSizeBytes      uint32 `mapstructure:"max_chunk_size_bytes"`
	ChunkDelayMicroseconds uint32 `mapstructure:"chunk_delay_microseconds"`
}

// DefaultParameters are used when no parameters are configured.
var DefaultParameters = Parameters{
	MaxPendingBytes:   8192,
	MaxChunkSizeBytes: 1024,
}

// Validate checks the parameters against the protocol limits.
func (p Parameters) Validate() error {
	if err := limits.ValidateChunkSize(p.MaxChunkSizeBytes); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := limits.ValidatePendingBytes(p.MaxPendingBytes, p.MaxChunkSizeBytes); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// UnknownSize is reported as TotalBytes when the size of a read is not known.
const UnknownSize = math.MaxUint64

// Progress is a snapshot of a transfer's byte counts.
type Progress struct {
	BytesSent      uint64
	BytesConfirmed uint64
	TotalBytes     uint64
}

// PercentReceived returns the confirmed percentage, or NaN when the total
// is unknown.
func (p Progress) PercentReceived() float64 {
	if p.TotalBytes == UnknownSize {
		return math.NaN()
	}
	if p.TotalBytes == 0 {
		return 100
	}
	return float64(p.BytesConfirmed) / float64(p.TotalBytes) * 100
}

// ProgressFunc receives progress updates on the manager's event loop. It
// must not block.
type ProgressFunc func(Progress)

// Default timing values.
const (
	DefaultTimeout        = 2 * time.Second
	DefaultInitialTimeout = 4 * time.Second
	DefaultMaxRetries     = 3
)

// Config holds the settings shared by all transfers of a Manager.
type Config struct {
	// Timeout is how long to wait for a chunk before retrying.
	Timeout time.Duration
	// InitialTimeout applies while waiting for the first response.
	InitialTimeout time.Duration
	// MaxRetries is the number of consecutive retries before giving up.
	MaxRetries uint32
	// MaxLifetimeRetries bounds the total retries of a transfer. Zero means
	// unbounded.
	MaxLifetimeRetries uint32
	// Parameters is the default receive window for reads.
	Parameters Parameters
	// ProtocolVersion is the version requested for new transfers.
	ProtocolVersion chunk.ProtocolVersion
	// MaxReadSize bounds the bytes a read may buffer. Zero means
	// limits.MaxTransferSize.
	MaxReadSize uint64
	// ShouldAbort, when set, is polled for every inbound chunk. Returning
	// true aborts the transfer the chunk belongs to.
	ShouldAbort func() bool
	// Clock drives timeouts. Nil uses the system clock.
	Clock clock.Clock
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Timeout:         DefaultTimeout,
		InitialTimeout:  DefaultInitialTimeout,
		MaxRetries:      DefaultMaxRetries,
		Parameters:      DefaultParameters,
		ProtocolVersion: chunk.LatestVersion,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	if c.InitialTimeout <= 0 {
		return fmt.Errorf("%w: initial timeout must be positive", ErrInvalidConfig)
	}
	if err := validateVersion(c.ProtocolVersion); err != nil {
		return err
	}
	if c.MaxReadSize > limits.MaxTransferSize {
		return fmt.Errorf("%w: max read size %d exceeds limit %d", ErrInvalidConfig, c.MaxReadSize, limits.MaxTransferSize)
	}
	return c.Parameters.Validate()
}

// maxReadSize returns the effective read limit.
func (c Config) maxReadSize() uint64 {
	if c.MaxReadSize == 0 {
		return limits.MaxTransferSize
	}
	return c.MaxReadSize
}

func validateVersion(v chunk.ProtocolVersion) error {
	if v != chunk.VersionLegacy && v != chunk.VersionTwo {
		return fmt.Errorf("%w: protocol version %s", ErrInvalidConfig, v)
	}
	return nil
}

// options are the per-transfer overrides.
type options struct {
	params         Parameters
	progress       ProgressFunc
	version        chunk.ProtocolVersion
	timeout        time.Duration
	initialTimeout time.Duration
}

// Option customizes a single transfer.
type Option func(*options)

// WithParameters overrides the receive window of a read.
func WithParameters(p Parameters) Option {
	return func(o *options) { o.params = p }
}

// WithProgress registers a progress callback.
func WithProgress(f ProgressFunc) Option {
	return func(o *options) { o.progress = f }
}

// WithProtocolVersion requests a specific protocol version.
func WithProtocolVersion(v chunk.ProtocolVersion) Option {
	return func(o *options) { o.version = v }
}

// WithTimeouts overrides the chunk and initial timeouts.
func WithTimeouts(timeout, initial time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
		o.initialTimeout = initial
	}
}

func (c Config) options(opts []Option) (options, error) {
	o := options{
		params:         c.Parameters,
		version:        c.ProtocolVersion,
		timeout:        c.Timeout,
		initialTimeout: c.InitialTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.params.Validate(); err != nil {
		return o, err
	}
	if err := validateVersion(o.version); err != nil {
		return o, err
	}
	if o.timeout <= 0 || o.initialTimeout <= 0 {
		return o, fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	return o, nil
}
