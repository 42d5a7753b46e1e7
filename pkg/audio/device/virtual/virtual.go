// Package virtual provides a software [device.Backend] driven by a wall-clock
// ticker instead of audio hardware.
//
// It is used for headless deployments (containers, CI) where the rendered
// output is only needed to drive lip-sync levels, and as a predictable
// stand-in for real hardware in integration tests. Optionally the rendered
// audio is written to an [io.Writer] as 16-bit little-endian PCM, and capture
// reads the same format from an [io.Reader].
package virtual

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/mouthpiece/pkg/audio"
	"github.com/MrWong99/mouthpiece/pkg/audio/device"
)

// Compile-time interface assertions.
var (
	_ device.Backend = (*Backend)(nil)
	_ device.Output  = (*Output)(nil)
	_ device.Input   = (*Input)(nil)
)

const (
	defaultSampleRate = 48000
	defaultBlockSize  = 512
)

// Option configures a [Backend].
type Option func(*Backend)

// WithRecorder writes every rendered block to w as 16-bit PCM.
func WithRecorder(w io.Writer) Option {
	return func(b *Backend) { b.record = w }
}

// WithCaptureSource makes input devices read 16-bit PCM from r. Without a
// source, input devices deliver silence.
func WithCaptureSource(r io.Reader) Option {
	return func(b *Backend) { b.source = r }
}

// Backend opens virtual devices. It is safe for concurrent use.
type Backend struct {
	record io.Writer
	source io.Reader
}

// New creates a virtual backend.
func New(opts ...Option) *Backend {
	b := &Backend{}
	for _, o := range opts {
		o(b)
	}
	return b
}

// OpenOutput implements [device.OutputBackend].
func (b *Backend) OpenOutput(_ context.Context, cfg device.OutputConfig) (device.Output, error) {
	rate, block := normalize(cfg.SampleRate, cfg.BlockSize)
	return &Output{
		clock:  newClock(rate, block),
		record: b.record,
	}, nil
}

// OpenInput implements [device.InputBackend].
func (b *Backend) OpenInput(_ context.Context, cfg device.InputConfig) (device.Input, error) {
	rate, block := normalize(cfg.SampleRate, cfg.BlockSize)
	return &Input{
		clock:  newClock(rate, block),
		source: b.source,
	}, nil
}

func normalize(rate, block int) (int, int) {
	if rate <= 0 {
		rate = defaultSampleRate
	}
	if block <= 0 {
		block = defaultBlockSize
	}
	return rate, block
}

// clock runs a callback once per block period until stopped.
type clock struct {
	rate   int
	block  int
	period time.Duration

	mu      sync.Mutex
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func newClock(rate, block int) *clock {
	return &clock{
		rate:   rate,
		block:  block,
		period: time.Duration(block) * time.Second / time.Duration(rate),
		done:   make(chan struct{}),
	}
}

var errAlreadyStarted = errors.New("virtual: device already started")

func (c *clock) start(tick func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errAlreadyStarted
	}
	select {
	case <-c.done:
		return errors.New("virtual: device closed")
	default:
	}
	c.started = true
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.period)
		defer t.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-t.C:
				tick()
			}
		}
	}()
	return nil
}

func (c *clock) stop() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}

// Output is a virtual playback device.
type Output struct {
	*clock
	record     io.Writer
	warnRecord sync.Once
}

// SampleRate implements [device.Output].
func (o *Output) SampleRate() int { return o.rate }

// Start implements [device.Output].
func (o *Output) Start(render device.RenderFunc) error {
	buf := make([]float32, o.block)
	pcm := make([]int16, o.block)
	return o.start(func() {
		render(buf)
		if o.record == nil {
			return
		}
		for i, s := range buf {
			pcm[i] = audio.Quantize(s)
		}
		if _, err := o.record.Write(audio.Int16sToBytes(pcm)); err != nil {
			o.warnRecord.Do(func() {
				slog.Warn("virtual: recording failed, further errors suppressed", "err", err)
			})
		}
	})
}

// Close implements [device.Output].
func (o *Output) Close() error {
	o.stop()
	return nil
}

// Input is a virtual capture device.
type Input struct {
	*clock
	source io.Reader
}

// SampleRate implements [device.Input].
func (in *Input) SampleRate() int { return in.rate }

// Start implements [device.Input].
func (in *Input) Start(capture device.CaptureFunc) error {
	buf := make([]float32, in.block)
	raw := make([]byte, in.block*2)
	exhausted := in.source == nil
	return in.start(func() {
		if exhausted {
			clear(buf)
			capture(buf)
			return
		}
		n, err := io.ReadFull(in.source, raw)
		if err != nil {
			exhausted = true
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("virtual: capture source failed", "err", err)
			}
		}
		samples := n / 2
		for i := range samples {
			buf[i] = audio.DecodeSample(int16(uint16(raw[i*2]) | uint16(raw[i*2+1])<<8))
		}
		clear(buf[samples:])
		capture(buf)
	})
}

// Close implements [device.Input].
func (in *Input) Close() error {
	in.stop()
	return nil
}
