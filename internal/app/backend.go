package app

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/mouthpiece/internal/config"
	"github.com/MrWong99/mouthpiece/internal/observe"
	"github.com/MrWong99/mouthpiece/internal/resilience"
	"github.com/MrWong99/mouthpiece/pkg/audio/device"
	"github.com/MrWong99/mouthpiece/pkg/audio/device/malgo"
	"github.com/MrWong99/mouthpiece/pkg/audio/device/virtual"
)

// newRegistry returns a registry with the built-in backends. Files opened by
// the virtual backend and native contexts are released through a.closers.
func (a *App) newRegistry() *device.Registry {
	reg := device.NewRegistry()

	reg.Register(config.BackendMalgo, func() (device.Backend, error) {
		b, err := malgo.New()
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, b.Close)
		return b, nil
	})

	reg.Register(config.BackendVirtual, func() (device.Backend, error) {
		var opts []virtual.Option
		if path := a.cfg.Playback.RecordPath; path != "" {
			f, err := os.Create(path)
			if err != nil {
				return nil, fmt.Errorf("virtual: create recording %q: %w", path, err)
			}
			a.closers = append(a.closers, f.Close)
			opts = append(opts, virtual.WithRecorder(f))
		}
		if path := a.cfg.Capture.SourcePath; path != "" && a.cfg.Capture.Enabled {
			f, err := os.Open(path)
			if err != nil {
				return nil, fmt.Errorf("virtual: open capture source %q: %w", path, err)
			}
			a.closers = append(a.closers, f.Close)
			opts = append(opts, virtual.WithCaptureSource(f))
		}
		return virtual.New(opts...), nil
	})

	return reg
}

// createBackend resolves name through the registry, reusing an instance that
// was already created for another section.
func (a *App) createBackend(name string) (device.Backend, error) {
	if b, ok := a.backends[name]; ok {
		return b, nil
	}
	b, err := a.registry.Create(name)
	if err != nil {
		return nil, err
	}
	b = &instrumentedBackend{
		Backend: b,
		name:    name,
		metrics: a.metrics,
		output:  a.newBreaker(name + "/playback"),
		input:   a.newBreaker(name + "/capture"),
	}
	a.backends[name] = b
	return b, nil
}

func (a *App) newBreaker(name string) *resilience.Breaker {
	return resilience.New(resilience.Config{
		Name:        name,
		MaxFailures: a.cfg.Device.MaxOpenFailures,
		Cooldown:    a.cfg.Device.OpenCooldown,
		OnStateChange: func(name string, _, to resilience.State) {
			a.metrics.DeviceBreakerTransitions.Add(context.Background(), 1,
				metric.WithAttributes(observe.Attr("breaker", name), observe.Attr("state", to.String())),
			)
		},
	})
}

// instrumentedBackend records open latency and a span for every device open,
// and stops reopening a device that keeps failing.
type instrumentedBackend struct {
	device.Backend
	name    string
	metrics *observe.Metrics

	output *resilience.Breaker
	input  *resilience.Breaker
}

var _ device.Backend = (*instrumentedBackend)(nil)

func (b *instrumentedBackend) OpenOutput(ctx context.Context, cfg device.OutputConfig) (device.Output, error) {
	return resilience.Do(b.output, func() (device.Output, error) {
		ctx, done := b.observe(ctx, "playback")
		out, err := b.Backend.OpenOutput(ctx, cfg)
		done(err)
		return out, err
	})
}

func (b *instrumentedBackend) OpenInput(ctx context.Context, cfg device.InputConfig) (device.Input, error) {
	return resilience.Do(b.input, func() (device.Input, error) {
		ctx, done := b.observe(ctx, "capture")
		in, err := b.Backend.OpenInput(ctx, cfg)
		done(err)
		return in, err
	})
}

func (b *instrumentedBackend) observe(ctx context.Context, kind string) (context.Context, func(error)) {
	ctx, op := observe.StartDeviceOpen(ctx, b.name, kind)
	return ctx, func(err error) {
		b.metrics.RecordDeviceOpen(ctx, kind, op.End(err).Seconds())
		if err != nil {
			observe.Logger(ctx).Warn("device open failed", "backend", b.name, "kind", kind, "err", err)
		}
	}
}
