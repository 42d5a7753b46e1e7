// Package malgo implements [device.Backend] on top of miniaudio through
// github.com/gen2brain/malgo. Devices are opened mono, float32, on the
// system default endpoint.
package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/mouthpiece/pkg/audio"
	"github.com/MrWong99/mouthpiece/pkg/audio/device"
)

// Compile-time interface assertions.
var (
	_ device.Backend = (*Backend)(nil)
	_ device.Output  = (*output)(nil)
	_ device.Input   = (*input)(nil)
)

// Backend owns one miniaudio context shared by every device it opens.
type Backend struct {
	mu     sync.Mutex
	mctx   *malgo.AllocatedContext
	closed bool
}

// New initialises a miniaudio context.
func New() (*Backend, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("malgo: " + strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, classify("init context", err)
	}
	return &Backend{mctx: mctx}, nil
}

// Close releases the miniaudio context. Devices opened from this backend must
// be closed first. It is safe to call more than once.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.mctx.Uninit()
	b.mctx.Free()
	if err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	return nil
}

// OpenOutput implements [device.OutputBackend].
func (b *Backend) OpenOutput(ctx context.Context, cfg device.OutputConfig) (device.Output, error) {
	dc := malgo.DefaultDeviceConfig(malgo.Playback)
	dc.Playback.Format = malgo.FormatF32
	dc.Playback.Channels = 1
	if cfg.SampleRate > 0 {
		dc.SampleRate = uint32(cfg.SampleRate)
	}
	if cfg.BlockSize > 0 {
		dc.PeriodSizeInFrames = uint32(cfg.BlockSize)
	}
	o := &output{}
	s, err := b.open(ctx, "playback", dc, o.data)
	if err != nil {
		return nil, err
	}
	o.stream = s
	return o, nil
}

// OpenInput implements [device.InputBackend].
func (b *Backend) OpenInput(ctx context.Context, cfg device.InputConfig) (device.Input, error) {
	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.Capture.Format = malgo.FormatF32
	dc.Capture.Channels = 1
	if cfg.SampleRate > 0 {
		dc.SampleRate = uint32(cfg.SampleRate)
	}
	if cfg.BlockSize > 0 {
		dc.PeriodSizeInFrames = uint32(cfg.BlockSize)
	}
	in := &input{}
	s, err := b.open(ctx, "capture", dc, in.data)
	if err != nil {
		return nil, err
	}
	in.stream = s
	return in, nil
}

func (b *Backend) open(ctx context.Context, kind string, dc malgo.DeviceConfig, data malgo.DataProc) (*stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("malgo: open %s: %w: backend closed", kind, audio.ErrDeviceUnavailable)
	}
	dev, err := malgo.InitDevice(b.mctx.Context, dc, malgo.DeviceCallbacks{Data: data})
	if err != nil {
		return nil, classify("open "+kind, err)
	}
	return &stream{kind: kind, dev: dev, rate: int(dev.SampleRate())}, nil
}

// floats reinterprets a miniaudio F32 buffer without copying.
func floats(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// classify maps miniaudio failures onto the audio package sentinels.
func classify(op string, err error) error {
	if errors.Is(err, malgo.ErrAccessDenied) || strings.Contains(strings.ToLower(err.Error()), "permission") {
		return fmt.Errorf("malgo: %s: %w: %w", op, audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("malgo: %s: %w: %w", op, audio.ErrDeviceUnavailable, err)
}

// stream holds the lifecycle shared by both device directions.
type stream struct {
	kind string
	dev  *malgo.Device
	rate int

	mu      sync.Mutex
	started bool
	closed  bool
}

// SampleRate reports the rate miniaudio actually negotiated.
func (s *stream) SampleRate() int { return s.rate }

func (s *stream) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("malgo: start %s: %w: device closed", s.kind, audio.ErrDeviceUnavailable)
	}
	if s.started {
		return errors.New("malgo: device already started")
	}
	if err := s.dev.Start(); err != nil {
		return classify("start "+s.kind, err)
	}
	s.started = true
	return nil
}

// Close stops and releases the device. It is safe to call more than once.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	var err error
	if started {
		err = s.dev.Stop()
	}
	s.dev.Uninit()
	if err != nil {
		return fmt.Errorf("malgo: stop %s: %w", s.kind, err)
	}
	return nil
}

// output is a playback device. The handler is published atomically because
// miniaudio may invoke the data callback before Start returns.
type output struct {
	*stream
	render atomic.Pointer[device.RenderFunc]
}

// Start implements [device.Output].
func (o *output) Start(render device.RenderFunc) error {
	o.render.Store(&render)
	return o.start()
}

func (o *output) data(out, _ []byte, _ uint32) {
	buf := floats(out)
	if fn := o.render.Load(); fn != nil {
		(*fn)(buf)
		return
	}
	clear(buf)
}

// input is a capture device.
type input struct {
	*stream
	capture atomic.Pointer[device.CaptureFunc]
}

// Start implements [device.Input].
func (in *input) Start(capture device.CaptureFunc) error {
	in.capture.Store(&capture)
	return in.start()
}

func (in *input) data(_, samples []byte, _ uint32) {
	if fn := in.capture.Load(); fn != nil {
		(*fn)(floats(samples))
	}
}
