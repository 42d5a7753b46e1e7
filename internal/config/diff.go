package config

import (
	"reflect"

	"github.com/MrWong99/mouthpiece/pkg/audio"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded carry their new value; all
// other changes are listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MutedChanged bool
	NewMuted     bool

	EnvelopeChanged bool
	NewEnvelope     audio.EnvelopeParams

	// RestartRequired names the sections that changed but only take effect
	// after a restart (e.g. "transport", "playback").
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.MutedChanged || d.EnvelopeChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Mute
	if old.Playback.Muted != new.Playback.Muted {
		d.MutedChanged = true
		d.NewMuted = new.Playback.Muted
	}

	// Envelope tuning; frame rate needs a new ticker.
	oldEnv, newEnv := EnvelopeParams(old), EnvelopeParams(new)
	if oldEnv != newEnv {
		d.EnvelopeChanged = true
		d.NewEnvelope = newEnv
	}
	if old.Envelope.FrameRate != new.Envelope.FrameRate {
		d.RestartRequired = append(d.RestartRequired, "envelope.frame_rate")
	}

	// Everything else binds at startup.
	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Transport != new.Transport {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	oldPlayback, newPlayback := old.Playback, new.Playback
	oldPlayback.Muted, newPlayback.Muted = false, false
	if oldPlayback != newPlayback {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if old.Device != new.Device {
		d.RestartRequired = append(d.RestartRequired, "device")
	}

	return d
}

// HotSections names the changed settings that were applied live.
func (d ConfigDiff) HotSections() []string {
	var s []string
	if d.LogLevelChanged {
		s = append(s, "server.log_level")
	}
	if d.MutedChanged {
		s = append(s, "playback.muted")
	}
	if d.EnvelopeChanged {
		s = append(s, "envelope")
	}
	return s
}
