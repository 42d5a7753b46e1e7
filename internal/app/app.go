// Package app wires all mouthpiece subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates all subsystems, Run
// executes the transport, the lip-sync driver, capture and the HTTP server,
// and Shutdown tears everything down in order.
//
// For testing, inject a device registry holding mock backends via
// [WithRegistry]. When an option is not provided, New uses the built-in
// backends named by the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/mouthpiece/internal/config"
	"github.com/MrWong99/mouthpiece/internal/health"
	"github.com/MrWong99/mouthpiece/internal/lipsync"
	"github.com/MrWong99/mouthpiece/internal/observe"
	"github.com/MrWong99/mouthpiece/internal/transport"
	"github.com/MrWong99/mouthpiece/pkg/audio"
	"github.com/MrWong99/mouthpiece/pkg/audio/device"
	"github.com/MrWong99/mouthpiece/pkg/audio/opus"
	"github.com/MrWong99/mouthpiece/pkg/audio/sink"
)

// httpShutdownTimeout bounds graceful HTTP shutdown inside Run.
const httpShutdownTimeout = 5 * time.Second

var _ transport.CueSink = (*lipsync.Driver)(nil)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	registry *device.Registry
	backends map[string]device.Backend
	metrics  *observe.Metrics
	logLevel *slog.LevelVar
	promHTTP http.Handler
	listener net.Listener

	// Subsystems, initialised in New and torn down in Shutdown.
	sink      *sink.Sink
	driver    *lipsync.Driver
	client    *transport.Client
	capture   *capture
	handler   http.Handler
	server    *http.Server
	observers metric.Registration

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry replaces the built-in device registry.
func WithRegistry(r *device.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets [App.ApplyConfig] adjust the process log level.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithMetricsHandler sets the handler served on /metrics. Default: the
// default Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.promHTTP = h }
}

// WithListener serves HTTP on l instead of listening on the configured
// address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. No device is opened
// and no connection is made until [App.Run].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		backends: make(map[string]device.Backend),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.registry == nil {
		a.registry = a.newRegistry()
	}
	if a.promHTTP == nil {
		a.promHTTP = observe.MetricsHandler(nil)
	}

	// ── 1. Playback sink ─────────────────────────────────────────────────
	if err := a.initSink(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init sink: %w", err)
	}

	// ── 2. Lip-sync driver ───────────────────────────────────────────────
	a.driver = lipsync.NewDriver(a.sink,
		lipsync.WithFrameRate(cfg.Envelope.FrameRate),
		lipsync.WithMetrics(a.metrics),
	)

	// ── 3. Transport ─────────────────────────────────────────────────────
	a.client = transport.New(transport.Config{
		URL:               cfg.Transport.URL,
		UserID:            cfg.Transport.UserID,
		MaxRetries:        cfg.Transport.MaxRetries,
		Backoff:           cfg.Transport.Backoff,
		MaxBackoff:        cfg.Transport.MaxBackoff,
		PingInterval:      cfg.Transport.PingInterval,
		DefaultSourceRate: cfg.Transport.DefaultSourceRate,
		OutboxSize:        cfg.Transport.OutboxSize,
		ASREngine:         cfg.Capture.ASREngine,
	}, a.sink, transport.WithMetrics(a.metrics), transport.WithCueSink(a.driver))

	// ── 4. Capture (optional) ────────────────────────────────────────────
	if cfg.Capture.Enabled {
		b, err := a.createBackend(cfg.Capture.Backend)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: capture backend: %w", err)
		}
		a.capture = &capture{
			backend: b,
			cfg:     cfg.Capture,
			out:     a.client,
			metrics: a.metrics,
			log:     slog.Default().With("component", "capture"),
		}
	}

	// ── 5. Metrics observers ─────────────────────────────────────────────
	reg, err := a.metrics.ObservePlayback(a.playbackSnapshot)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: register playback metrics: %w", err)
	}
	a.observers = reg

	// ── 6. HTTP surface ──────────────────────────────────────────────────
	a.handler = a.routes()

	slog.Info("app initialised",
		"user_id", a.client.UserID(),
		"playback_backend", cfg.Playback.Backend,
		"capture", cfg.Capture.Enabled,
	)
	return a, nil
}

// initSink creates the playback backend and the streaming sink.
func (a *App) initSink() error {
	b, err := a.createBackend(a.cfg.Playback.Backend)
	if err != nil {
		return err
	}

	opts := []sink.Option{
		sink.WithSampleRate(a.cfg.Playback.SampleRate),
		sink.WithBlockSize(a.cfg.Playback.BlockSize),
		sink.WithInboxSize(a.cfg.Playback.InboxSize),
		sink.WithAnalysisWindow(a.cfg.Playback.AnalysisWindow),
		sink.WithEnvelopeParams(config.EnvelopeParams(a.cfg)),
		sink.WithMuted(a.cfg.Playback.Muted),
		sink.WithLogger(slog.Default().With("component", "sink")),
	}
	if dec, err := opus.NewDecoder(opus.DefaultSampleRate); err != nil {
		slog.Warn("opus decoding unavailable", "err", err)
	} else {
		opts = append(opts, sink.WithDecoder(audio.EncodingOpus, dec))
	}

	a.sink = sink.New(b, opts...)
	a.closers = append(a.closers, a.sink.Close)
	return nil
}

// routes builds the HTTP handler. The level feed bypasses the middleware so
// the WebSocket upgrade sees the raw connection.
func (a *App) routes() http.Handler {
	api := http.NewServeMux()
	health.New(
		health.StateChecker("output_device", func() bool { return a.sink.Stats().Open }, "output device not open"),
		health.StateChecker("transport", a.client.Connected, "backend not connected"),
	).Register(api)
	api.Handle("GET /metrics", a.promHTTP)

	root := http.NewServeMux()
	root.Handle("GET /ws/level", a.driver.Handler())
	root.Handle("/", observe.Middleware(a.metrics)(api))
	return root
}

func (a *App) playbackSnapshot() observe.PlaybackSnapshot {
	st := a.sink.Stats()
	return observe.PlaybackSnapshot{
		Buffered:  st.Buffered,
		Played:    st.Played,
		Underruns: st.Underruns,
		Malformed: st.Malformed,
		Level:     a.sink.Level(),
	}
}

// Handler returns the HTTP handler serving health, metrics and the level feed.
func (a *App) Handler() http.Handler { return a.handler }

// Sink returns the playback sink.
func (a *App) Sink() *sink.Sink { return a.sink }

// Transport returns the backend client.
func (a *App) Transport() *transport.Client { return a.client }

// Driver returns the lip-sync driver.
func (a *App) Driver() *lipsync.Driver { return a.driver }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts all subsystems and blocks until ctx is cancelled or one of them
// fails. The output device is opened eagerly; if that fails, the sink retries
// on the first inbound chunk.
func (a *App) Run(ctx context.Context) error {
	if err := a.sink.Ensure(ctx); err != nil {
		slog.Warn("output device not ready, will retry on first chunk", "err", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.driver.Run(ctx) })

	g.Go(func() error {
		err := a.client.Run(ctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			return nil
		default:
			return err
		}
	})

	if a.capture != nil {
		g.Go(func() error { return a.capture.run(ctx) })
	}

	g.Go(func() error { return a.serveHTTP(ctx) })

	return g.Wait()
}

func (a *App) serveHTTP(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			errCh <- a.server.Serve(ln)
		}
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		return nil
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new.
// Settings that need a restart are logged and left unchanged.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.MutedChanged {
		a.sink.SetMuted(d.NewMuted)
	}
	if d.EnvelopeChanged {
		a.sink.SetEnvelopeParams(d.NewEnvelope)
		slog.Info("envelope parameters updated",
			"attack", d.NewEnvelope.Attack,
			"release", d.NewEnvelope.Release,
			"threshold", d.NewEnvelope.Threshold,
			"gain", d.NewEnvelope.Gain,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// SlogLevel converts a config log level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.observers != nil {
			if err := a.observers.Unregister(); err != nil {
				slog.Warn("unregister playback metrics", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases resources acquired by a failed New.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}
