// Package config provides the configuration schema, loader and hot-reload
// reloader for the mouthpiece audio service.
package config

import "time"

// LogLevel controls log verbosity for the mouthpiece server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Built-in device backend names.
const (
	BackendMalgo   = "malgo"
	BackendVirtual = "virtual"
)

// Config is the root configuration structure for mouthpiece.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Capture   CaptureConfig   `yaml:"capture"`
	Envelope  EnvelopeConfig  `yaml:"envelope"`
	Device    DeviceConfig    `yaml:"device"`
}

// ServerConfig holds the local HTTP listener (health, metrics, level feed)
// and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// TransportConfig describes the backend chat socket.
type TransportConfig struct {
	// URL is the ws:// or wss:// endpoint of the backend.
	URL string `yaml:"url"`

	// UserID identifies this client in every outbound message. A random
	// UUID is generated when empty.
	UserID string `yaml:"user_id"`

	// MaxRetries bounds consecutive failed reconnect attempts.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the delay before the first reconnect attempt. It doubles per
	// consecutive failure up to MaxBackoff.
	Backoff time.Duration `yaml:"backoff"`

	// MaxBackoff caps the reconnect delay.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// PingInterval is the keep-alive period. Zero disables pings.
	PingInterval time.Duration `yaml:"ping_interval"`

	// DefaultSourceRate is assumed for inbound PCM chunks that carry no rate.
	DefaultSourceRate int `yaml:"default_source_rate"`

	// OutboxSize bounds the number of queued outbound messages. Capture
	// frames beyond it are dropped.
	OutboxSize int `yaml:"outbox_size"`
}

// PlaybackConfig configures the output device and the streaming sink.
type PlaybackConfig struct {
	// Backend names the device backend ("malgo" or "virtual").
	Backend string `yaml:"backend"`

	// SampleRate is the preferred device rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// BlockSize is the preferred number of samples per render callback.
	BlockSize int `yaml:"block_size"`

	// InboxSize is the number of chunks that may be in flight to the render
	// callback.
	InboxSize int `yaml:"inbox_size"`

	// AnalysisWindow is the number of recent samples the envelope analyses.
	AnalysisWindow int `yaml:"analysis_window"`

	// Muted starts playback muted; the envelope keeps running.
	Muted bool `yaml:"muted"`

	// RecordPath, for the virtual backend, writes rendered audio to a raw
	// 16-bit PCM file.
	RecordPath string `yaml:"record_path"`
}

// CaptureConfig configures the optional microphone path.
type CaptureConfig struct {
	// Enabled turns on capture and streaming to the backend.
	Enabled bool `yaml:"enabled"`

	// Backend names the device backend. Defaults to the playback backend.
	Backend string `yaml:"backend"`

	// SampleRate is the capture rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the number of samples per outbound PCM frame.
	FrameSize int `yaml:"frame_size"`

	// ASREngine is forwarded to the backend with every capture message.
	ASREngine string `yaml:"asr_engine"`

	// SourcePath, for the virtual backend, reads raw 16-bit PCM to capture.
	SourcePath string `yaml:"source_path"`
}

// EnvelopeConfig tunes the lip-sync envelope follower.
type EnvelopeConfig struct {
	// Attack is the time constant while the level rises.
	Attack time.Duration `yaml:"attack"`

	// Release is the time constant while the level falls.
	Release time.Duration `yaml:"release"`

	// Threshold is the noise gate. Nil selects the default; zero disables it.
	Threshold *float64 `yaml:"threshold"`

	// Gain scales the RMS before gating.
	Gain float64 `yaml:"gain"`

	// FrameRate is the animation tick rate in Hz.
	FrameRate int `yaml:"frame_rate"`
}

// DeviceConfig guards device opens with a circuit breaker so a missing or
// denied device is not reopened for every inbound chunk.
type DeviceConfig struct {
	// MaxOpenFailures is the number of consecutive open failures after which
	// opens are rejected without touching the device.
	MaxOpenFailures int `yaml:"max_open_failures"`

	// OpenCooldown is how long opens stay rejected before one trial open is let
	// through.
	OpenCooldown time.Duration `yaml:"open_cooldown"`
}
