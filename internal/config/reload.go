package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultPollInterval is how often [Reloader.Run] stats the config file.
const DefaultPollInterval = 5 * time.Second

// ApplyFunc receives the previous and the freshly loaded config. It is only
// called when [Diff] reports a change.
type ApplyFunc func(old, new *Config)

// Reloader keeps the running config in sync with the file on disk. Only the
// mute flag, the envelope tuning and the log level take effect live; every
// other edit is reported as restart-required and passed through unchanged.
//
// The file is polled rather than watched for filesystem events so that
// configs mounted into containers (symlink swaps) are picked up too.
type Reloader struct {
	path     string
	apply    ApplyFunc
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
}

// fileStamp identifies one version of the config file on disk.
type fileStamp struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// sameFile reports whether info still describes the stamped file, without
// reading it.
func (s fileStamp) sameFile(info os.FileInfo) bool {
	return info.ModTime().Equal(s.mtime) && info.Size() == s.size
}

// ReloaderOption configures a [Reloader].
type ReloaderOption func(*Reloader)

// WithPollInterval sets how often Run checks the file. Non-positive values
// keep [DefaultPollInterval].
func WithPollInterval(d time.Duration) ReloaderOption {
	return func(r *Reloader) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithReloadLogger sets the logger used for reload reports.
func WithReloadLogger(l *slog.Logger) ReloaderOption {
	return func(r *Reloader) {
		if l != nil {
			r.log = l
		}
	}
}

// NewReloader loads path once and returns a Reloader seeded with it. apply
// may be nil, in which case reloads only update [Reloader.Current].
func NewReloader(path string, apply ApplyFunc, opts ...ReloaderOption) (*Reloader, error) {
	r := &Reloader{
		path:     path,
		apply:    apply,
		interval: DefaultPollInterval,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	cfg, stamp, err := r.read()
	if err != nil {
		return nil, fmt.Errorf("config: initial load: %w", err)
	}
	r.current, r.stamp = cfg, stamp
	return r, nil
}

// Current returns the most recently applied config.
func (r *Reloader) Current() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Reload re-reads the file unconditionally and applies it when the parsed
// config differs from the current one. An invalid file leaves the current
// config in place and returns the load error. Edits that do not change the
// effective config (comments, reordering, spelling out a default) return a
// zero diff and do not reach the ApplyFunc.
func (r *Reloader) Reload() (ConfigDiff, error) {
	cfg, stamp, err := r.read()
	if err != nil {
		if stamp != (fileStamp{}) {
			r.mu.Lock()
			r.stamp = stamp
			r.mu.Unlock()
		}
		r.log.Warn("config reload rejected, keeping current config", "path", r.path, "err", err)
		return ConfigDiff{}, err
	}

	r.mu.Lock()
	old := r.current
	r.stamp = stamp
	d := Diff(old, cfg)
	if !d.Changed() {
		r.mu.Unlock()
		r.log.Debug("config file changed without effect", "path", r.path)
		return d, nil
	}
	r.current = cfg
	r.mu.Unlock()

	r.log.Info("config reloaded",
		"path", r.path,
		"live", d.HotSections(),
		"restart_required", d.RestartRequired,
	)
	if r.apply != nil {
		r.apply(old, cfg)
	}
	return d, nil
}

// Run polls the file until ctx is cancelled, reloading when its size,
// modification time or content changes. Every value received on trigger
// forces a reload (typically SIGHUP); a nil trigger disables that path.
func (r *Reloader) Run(ctx context.Context, trigger <-chan os.Signal) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-trigger:
			r.log.Info("config reload requested", "signal", sig)
			_, _ = r.Reload()
		case <-ticker.C:
			if r.changedOnDisk() {
				_, _ = r.Reload()
			}
		}
	}
}

// changedOnDisk compares the file against the last stamp. A touched file
// with identical bytes refreshes the stamp and reports false.
func (r *Reloader) changedOnDisk() bool {
	info, err := os.Stat(r.path)
	if err != nil {
		r.log.Warn("config file not readable", "path", r.path, "err", err)
		return false
	}

	r.mu.Lock()
	stamp := r.stamp
	r.mu.Unlock()
	if stamp.sameFile(info) {
		return false
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		r.log.Warn("config file not readable", "path", r.path, "err", err)
		return false
	}
	if sha256.Sum256(data) != stamp.sum {
		return true
	}

	r.mu.Lock()
	r.stamp.mtime, r.stamp.size = info.ModTime(), info.Size()
	r.mu.Unlock()
	return false
}

// read loads and validates the file. The stamp is returned whenever the
// bytes could be read, so a rejected file is not re-parsed on every poll.
func (r *Reloader) read() (*Config, fileStamp, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	info, err := os.Stat(r.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	stamp := fileStamp{mtime: info.ModTime(), size: int64(len(data)), sum: sha256.Sum256(data)}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, stamp, err
	}
	return cfg, stamp, nil
}
