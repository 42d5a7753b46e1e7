package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/mouthpiece/pkg/audio"
)

// EnvPrefix prefixes every environment override, e.g. MOUTHPIECE_LOG_LEVEL.
const EnvPrefix = "MOUTHPIECE"

// ValidBackends lists the device backends compiled into the binary. Used by
// [Validate] to warn about unrecognised names.
var ValidBackends = []string{BackendMalgo, BackendVirtual}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultMaxRetries        = 5
	DefaultBackoff           = 3 * time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultPingInterval      = 20 * time.Second
	DefaultSourceRate        = 16000
	DefaultOutboxSize        = 64
	DefaultPlaybackRate      = 48000
	DefaultBlockSize         = 512
	DefaultInboxSize         = 256
	DefaultCaptureSampleRate = 16000
	DefaultFrameRate         = 60
	DefaultMaxOpenFailures   = 3
	DefaultOpenCooldown      = 10 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverrides are the settings that deployments commonly inject through the
// environment instead of the config file.
type envOverrides struct {
	TransportURL *string `envconfig:"TRANSPORT_URL"`
	UserID       *string `envconfig:"USER_ID"`
	LogLevel     *string `envconfig:"LOG_LEVEL"`
	ListenAddr   *string `envconfig:"LISTEN_ADDR"`
	Muted        *bool   `envconfig:"MUTED"`
	Backend      *string `envconfig:"PLAYBACK_BACKEND"`
}

// ApplyEnv overrides cfg with MOUTHPIECE_* environment variables.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	if env.TransportURL != nil {
		cfg.Transport.URL = *env.TransportURL
	}
	if env.UserID != nil {
		cfg.Transport.UserID = *env.UserID
	}
	if env.LogLevel != nil {
		cfg.Server.LogLevel = LogLevel(*env.LogLevel)
	}
	if env.ListenAddr != nil {
		cfg.Server.ListenAddr = *env.ListenAddr
	}
	if env.Muted != nil {
		cfg.Playback.Muted = *env.Muted
	}
	if env.Backend != nil {
		cfg.Playback.Backend = *env.Backend
	}
	return nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.Transport.MaxRetries, DefaultMaxRetries)
	setDefault(&cfg.Transport.Backoff, DefaultBackoff)
	setDefault(&cfg.Transport.MaxBackoff, DefaultMaxBackoff)
	setDefault(&cfg.Transport.PingInterval, DefaultPingInterval)
	setDefault(&cfg.Transport.DefaultSourceRate, DefaultSourceRate)
	setDefault(&cfg.Transport.OutboxSize, DefaultOutboxSize)

	setDefault(&cfg.Playback.Backend, BackendMalgo)
	setDefault(&cfg.Playback.SampleRate, DefaultPlaybackRate)
	setDefault(&cfg.Playback.BlockSize, DefaultBlockSize)
	setDefault(&cfg.Playback.InboxSize, DefaultInboxSize)
	setDefault(&cfg.Playback.AnalysisWindow, audio.DefaultAnalysisWindow)

	setDefault(&cfg.Capture.Backend, cfg.Playback.Backend)
	setDefault(&cfg.Capture.SampleRate, DefaultCaptureSampleRate)
	setDefault(&cfg.Capture.FrameSize, audio.DefaultFrameSize)

	setDefault(&cfg.Envelope.Attack, audio.DefaultAttack)
	setDefault(&cfg.Envelope.Release, audio.DefaultRelease)
	setDefault(&cfg.Envelope.Gain, audio.DefaultGain)
	setDefault(&cfg.Envelope.FrameRate, DefaultFrameRate)
	setDefault(&cfg.Device.MaxOpenFailures, DefaultMaxOpenFailures)
	setDefault(&cfg.Device.OpenCooldown, DefaultOpenCooldown)

	if cfg.Envelope.Threshold == nil {
		th := audio.DefaultThreshold
		cfg.Envelope.Threshold = &th
	}
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Transport
	if cfg.Transport.URL == "" {
		errs = append(errs, errors.New("transport.url is required"))
	} else if u, err := url.Parse(cfg.Transport.URL); err != nil {
		errs = append(errs, fmt.Errorf("transport.url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("transport.url scheme %q is invalid; valid values: ws, wss, http, https", u.Scheme))
	}
	if cfg.Transport.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("transport.max_retries %d must not be negative", cfg.Transport.MaxRetries))
	}
	if cfg.Transport.Backoff < 0 || cfg.Transport.MaxBackoff < 0 {
		errs = append(errs, errors.New("transport.backoff and transport.max_backoff must not be negative"))
	}
	if cfg.Transport.MaxBackoff > 0 && cfg.Transport.Backoff > cfg.Transport.MaxBackoff {
		errs = append(errs, fmt.Errorf("transport.backoff %s exceeds transport.max_backoff %s", cfg.Transport.Backoff, cfg.Transport.MaxBackoff))
	}
	if cfg.Transport.DefaultSourceRate < 0 {
		errs = append(errs, fmt.Errorf("transport.default_source_rate %d must be positive", cfg.Transport.DefaultSourceRate))
	}

	// Playback
	validateBackendName("playback", cfg.Playback.Backend)
	errs = appendPositive(errs, "playback.sample_rate", cfg.Playback.SampleRate)
	errs = appendPositive(errs, "playback.block_size", cfg.Playback.BlockSize)
	errs = appendPositive(errs, "playback.inbox_size", cfg.Playback.InboxSize)
	errs = appendPositive(errs, "playback.analysis_window", cfg.Playback.AnalysisWindow)
	if cfg.Playback.RecordPath != "" && cfg.Playback.Backend != BackendVirtual {
		slog.Warn("playback.record_path is only honoured by the virtual backend", "backend", cfg.Playback.Backend)
	}

	// Capture
	if cfg.Capture.Enabled {
		validateBackendName("capture", cfg.Capture.Backend)
		errs = appendPositive(errs, "capture.sample_rate", cfg.Capture.SampleRate)
		errs = appendPositive(errs, "capture.frame_size", cfg.Capture.FrameSize)
	}

	// Envelope
	if err := EnvelopeParams(cfg).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("envelope: %w", err))
	}
	if cfg.Envelope.FrameRate < 1 || cfg.Envelope.FrameRate > 240 {
		errs = append(errs, fmt.Errorf("envelope.frame_rate %d is out of range [1, 240]", cfg.Envelope.FrameRate))
	}

	// Device
	errs = appendPositive(errs, "device.max_open_failures", cfg.Device.MaxOpenFailures)
	if cfg.Device.OpenCooldown < 0 {
		errs = append(errs, fmt.Errorf("device.open_cooldown %s must not be negative", cfg.Device.OpenCooldown))
	}

	return errors.Join(errs...)
}

// EnvelopeParams converts the envelope section into follower parameters.
// Unset fields fall back to the follower defaults.
func EnvelopeParams(cfg *Config) audio.EnvelopeParams {
	p := audio.DefaultEnvelopeParams()
	e := cfg.Envelope
	if e.Attack != 0 {
		p.Attack = e.Attack
	}
	if e.Release != 0 {
		p.Release = e.Release
	}
	if e.Threshold != nil {
		p.Threshold = *e.Threshold
	}
	if e.Gain != 0 {
		p.Gain = e.Gain
	}
	return p
}

func appendPositive(errs []error, field string, v int) []error {
	if v < 0 {
		return append(errs, fmt.Errorf("%s %d must be positive", field, v))
	}
	return errs
}

// validateBackendName logs a warning if name is non-empty and not one of
// [ValidBackends].
func validateBackendName(section, name string) {
	if name == "" || slices.Contains(ValidBackends, name) {
		return
	}
	slog.Warn("unknown device backend; may be a typo or a backend registered at runtime",
		"section", section,
		"name", name,
		"known", ValidBackends,
	)
}
