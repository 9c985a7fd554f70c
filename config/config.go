// Package config loads the settings of the xferctl binary from a YAML file
// and XFER_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/opd-ai/xfer/chunk"
	"github.com/opd-ai/xfer/noise"
	"github.com/opd-ai/xfer/transfer"
)

var (
	ErrInvalidTransport       = errors.New("transport must be grpc or tcp")
	ErrInvalidProtocolVersion = errors.New("protocol version must be legacy or v2")
	ErrInvalidPattern         = errors.New("noise pattern must be IK or XX")
	ErrMissingKeyFile         = errors.New("noise key file must be set")
	ErrMissingPeerKey         = errors.New("noise IK requires the server public key")
	ErrInvalidLogLevel        = errors.New("invalid log level")
	ErrInvalidLogFormat       = errors.New("log format must be text or json")
	ErrNoListener             = errors.New("server needs a gRPC or TCP address")
)

// Transport names.
const (
	TransportGRPC = "grpc"
	TransportTCP  = "tcp"
)

// Config is the root configuration.
type Config struct {
	Client  ClientConfig  `mapstructure:"client"`
	Server  ServerConfig  `mapstructure:"server"`
	Noise   NoiseConfig   `mapstructure:"noise"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ClientConfig controls the transfer client.
type ClientConfig struct {
	// Address of the server, host:port.
	Address string `mapstructure:"address"`
	// Transport is grpc or tcp.
	Transport          string              `mapstructure:"transport"`
	Timeout            time.Duration       `mapstructure:"timeout"`
	InitialTimeout     time.Duration       `mapstructure:"initial_timeout"`
	MaxRetries         uint32              `mapstructure:"max_retries"`
	MaxLifetimeRetries uint32              `mapstructure:"max_lifetime_retries"`
	ProtocolVersion    string              `mapstructure:"protocol_version"`
	Parameters         transfer.Parameters `mapstructure:"parameters"`
}

// ServerConfig controls the reference server.
type ServerConfig struct {
	// GRPCAddress is the gRPC listen address; empty disables gRPC.
	GRPCAddress string `mapstructure:"grpc_address"`
	// TCPAddress is the framed TCP listen address; empty disables TCP.
	TCPAddress string `mapstructure:"tcp_address"`
	// Dir stores resources as files; empty keeps them in memory.
	Dir string `mapstructure:"dir"`
	// Legacy answers every transfer with the legacy protocol.
	Legacy     bool                `mapstructure:"legacy"`
	Parameters transfer.Parameters `mapstructure:"parameters"`
}

// NoiseConfig controls encryption of the TCP transport.
type NoiseConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Pattern is IK or XX.
	Pattern string `mapstructure:"pattern"`
	// KeyFile holds our static key pair.
	KeyFile string `mapstructure:"key_file"`
	// Passphrase decrypts KeyFile. Prefer XFER_NOISE_PASSPHRASE over the file.
	Passphrase string `mapstructure:"passphrase"`
	// PeerKey is the server's public key in hex.
	PeerKey string `mapstructure:"peer_key"`
}

// LogConfig controls logging.
type LogConfig struct {
	// Level is trace, debug, info, warn or error.
	Level string `mapstructure:"level"`
	// Format is text or json.
	Format string `mapstructure:"format"`
	// File receives logs instead of stderr when set.
	File     string         `mapstructure:"file"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig controls log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Address serves /metrics when set.
	Address string `mapstructure:"address"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Address:         "localhost:7070",
			Transport:       TransportGRPC,
			Timeout:         transfer.DefaultTimeout,
			InitialTimeout:  transfer.DefaultInitialTimeout,
			MaxRetries:      transfer.DefaultMaxRetries,
			ProtocolVersion: "v2",
			Parameters:      transfer.DefaultParameters,
		},
		Server: ServerConfig{
			GRPCAddress: ":7070",
			Parameters:  transfer.DefaultParameters,
		},
		Noise: NoiseConfig{
			Pattern: noise.PatternIK.String(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// setDefaults seeds v so that environment-only configuration works.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("client.address", cfg.Client.Address)
	v.SetDefault("client.transport", cfg.Client.Transport)
	v.SetDefault("client.timeout", cfg.Client.Timeout)
	v.SetDefault("client.initial_timeout", cfg.Client.InitialTimeout)
	v.SetDefault("client.max_retries", cfg.Client.MaxRetries)
	v.SetDefault("client.max_lifetime_retries", cfg.Client.MaxLifetimeRetries)
	v.SetDefault("client.protocol_version", cfg.Client.ProtocolVersion)
	v.SetDefault("client.parameters.max_pending_bytes", cfg.Client.Parameters.MaxPendingBytes)
	v.SetDefault("client.parameters.max_chunk_size_bytes", cfg.Client.Parameters.MaxChunkSizeBytes)
	v.SetDefault("client.parameters.chunk_delay_microseconds", cfg.Client.Parameters.ChunkDelayMicroseconds)

	v.SetDefault("server.grpc_address", cfg.Server.GRPCAddress)
	v.SetDefault("server.tcp_address", cfg.Server.TCPAddress)
	v.SetDefault("server.dir", cfg.Server.Dir)
	v.SetDefault("server.legacy", cfg.Server.Legacy)
	v.SetDefault("server.parameters.max_pending_bytes", cfg.Server.Parameters.MaxPendingBytes)
	v.SetDefault("server.parameters.max_chunk_size_bytes", cfg.Server.Parameters.MaxChunkSizeBytes)
	v.SetDefault("server.parameters.chunk_delay_microseconds", cfg.Server.Parameters.ChunkDelayMicroseconds)

	v.SetDefault("noise.enabled", cfg.Noise.Enabled)
	v.SetDefault("noise.pattern", cfg.Noise.Pattern)
	v.SetDefault("noise.key_file", cfg.Noise.KeyFile)
	v.SetDefault("noise.passphrase", cfg.Noise.Passphrase)
	v.SetDefault("noise.peer_key", cfg.Noise.PeerKey)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	v.SetDefault("metrics.address", cfg.Metrics.Address)
}

// NewViper returns a viper instance with defaults and environment bindings.
// Environment variables use the prefix XFER with `.` replaced by `_`, for
// example XFER_CLIENT_ADDRESS.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("XFER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())
	return v
}

// Load reads the configuration from path, or from xfer.yaml in the usual
// locations when path is empty. A missing file is not an error.
func Load(path string) (*Config, error) {
	return LoadWith(NewViper(), path)
}

// LoadWith is Load on a caller-provided viper, typically one with command
// line flags bound.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("XFER_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("xfer")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".xfer"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and normalizes enumerations.
func (c *Config) Validate() error {
	c.Client.Transport = strings.ToLower(strings.TrimSpace(c.Client.Transport))
	if c.Client.Transport != TransportGRPC && c.Client.Transport != TransportTCP {
		return fmt.Errorf("%w: %q", ErrInvalidTransport, c.Client.Transport)
	}
	if _, err := c.Client.Version(); err != nil {
		return err
	}
	if err := c.Client.Parameters.Validate(); err != nil {
		return fmt.Errorf("client.parameters: %w", err)
	}
	if err := c.Server.Parameters.Validate(); err != nil {
		return fmt.Errorf("server.parameters: %w", err)
	}

	if _, err := c.Noise.NoisePattern(); err != nil {
		return err
	}

	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}
	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}
	return nil
}

// Version parses the requested protocol version.
func (c ClientConfig) Version() (chunk.ProtocolVersion, error) {
	switch strings.ToLower(strings.TrimSpace(c.ProtocolVersion)) {
	case "legacy", "v1":
		return chunk.VersionLegacy, nil
	case "v2", "version_two", "":
		return chunk.VersionTwo, nil
	default:
		return chunk.VersionUnknown, fmt.Errorf("%w: %q", ErrInvalidProtocolVersion, c.ProtocolVersion)
	}
}

// TransferConfig converts the client settings into a transfer.Config.
func (c ClientConfig) TransferConfig() (transfer.Config, error) {
	version, err := c.Version()
	if err != nil {
		return transfer.Config{}, err
	}
	tc := transfer.Config{
		Timeout:            c.Timeout,
		InitialTimeout:     c.InitialTimeout,
		MaxRetries:         c.MaxRetries,
		MaxLifetimeRetries: c.MaxLifetimeRetries,
		Parameters:         c.Parameters,
		ProtocolVersion:    version,
	}
	return tc, tc.Validate()
}

// NoisePattern parses the handshake pattern.
func (n NoiseConfig) NoisePattern() (noise.Pattern, error) {
	switch strings.ToUpper(strings.TrimSpace(n.Pattern)) {
	case "IK", "":
		return noise.PatternIK, nil
	case "XX":
		return noise.PatternXX, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPattern, n.Pattern)
	}
}

// ValidateClient checks the settings a client needs to dial with Noise.
func (n NoiseConfig) ValidateClient() error {
	if !n.Enabled {
		return nil
	}
	if n.KeyFile == "" {
		return ErrMissingKeyFile
	}
	pattern, err := n.NoisePattern()
	if err != nil {
		return err
	}
	if pattern == noise.PatternIK && n.PeerKey == "" {
		return ErrMissingPeerKey
	}
	return nil
}

// ValidateServer checks the settings a server needs to listen.
func (s ServerConfig) ValidateServer(n NoiseConfig) error {
	if s.GRPCAddress == "" && s.TCPAddress == "" {
		return ErrNoListener
	}
	if n.Enabled && n.KeyFile == "" {
		return ErrMissingKeyFile
	}
	return nil
}
