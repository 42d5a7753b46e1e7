package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/mouthpiece/internal/config"
)

func baseConfig() *config.Config {
	th := 0.02
	return &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogInfo, ListenAddr: ":8080"},
		Transport: config.TransportConfig{URL: "ws://localhost:8000/ws"},
		Playback:  config.PlaybackConfig{Backend: config.BackendVirtual, SampleRate: 48000},
		Envelope:  config.EnvelopeConfig{Attack: 60 * time.Millisecond, Release: 120 * time.Millisecond, Threshold: &th, Gain: 6, FrameRate: 60},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, cfg)
	if d.Changed() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level must not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_MutedChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Playback.Muted = true

	d := config.Diff(old, new)
	if !d.MutedChanged || !d.NewMuted {
		t.Errorf("expected MutedChanged with NewMuted=true, got %+v", d)
	}
	if slices.Contains(d.RestartRequired, "playback") {
		t.Error("mute alone must not require a playback restart")
	}
}

func TestDiff_EnvelopeChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	th := 0.05
	new.Envelope.Threshold = &th
	new.Envelope.Gain = 10

	d := config.Diff(old, new)
	if !d.EnvelopeChanged {
		t.Fatal("expected EnvelopeChanged=true")
	}
	if d.NewEnvelope.Threshold != 0.05 || d.NewEnvelope.Gain != 10 {
		t.Errorf("NewEnvelope = %+v", d.NewEnvelope)
	}
}

func TestDiff_ThresholdPointerIdentityIgnored(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig() // same value, different pointer
	if d := config.Diff(old, new); d.EnvelopeChanged {
		t.Error("equal thresholds behind different pointers must not count as a change")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		section string
	}{
		{name: "transport url", mutate: func(c *config.Config) { c.Transport.URL = "ws://other/ws" }, section: "transport"},
		{name: "playback rate", mutate: func(c *config.Config) { c.Playback.SampleRate = 44100 }, section: "playback"},
		{name: "capture", mutate: func(c *config.Config) { c.Capture.Enabled = true }, section: "capture"},
		{name: "listen addr", mutate: func(c *config.Config) { c.Server.ListenAddr = ":9090" }, section: "server"},
		{name: "frame rate", mutate: func(c *config.Config) { c.Envelope.FrameRate = 30 }, section: "envelope.frame_rate"},
		{name: "device breaker", mutate: func(c *config.Config) { c.Device.OpenCooldown = time.Minute }, section: "device"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old := baseConfig()
			new := baseConfig()
			tc.mutate(new)
			d := config.Diff(old, new)
			if !slices.Contains(d.RestartRequired, tc.section) {
				t.Errorf("RestartRequired = %v, want %q", d.RestartRequired, tc.section)
			}
		})
	}
}

func TestConfigDiff_HotSections(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug
	new.Playback.Muted = true
	new.Envelope.Gain = 9
	new.Transport.URL = "ws://other/ws"

	d := config.Diff(old, new)
	want := []string{"server.log_level", "playback.muted", "envelope"}
	if got := d.HotSections(); !slices.Equal(got, want) {
		t.Errorf("HotSections() = %v, want %v", got, want)
	}
	if got := config.Diff(old, old).HotSections(); len(got) != 0 {
		t.Errorf("HotSections() on identical configs = %v, want empty", got)
	}
}
