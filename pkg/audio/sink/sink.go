// Package sink implements the streaming playback sink: it owns an output
// device, the playback queue feeding it and the analysis tap that the lip-sync
// envelope reads from.
//
// Producers (the transport, tests, the application) call the Push family from
// any goroutine. Chunks are decoded and resampled on the producer's goroutine
// and handed to the render callback over a buffered channel, so the queue is
// only ever touched by the device thread. [Sink.Reset] bumps an epoch instead
// of touching the queue; the render callback notices the change at its next
// block and drops everything stamped with an older epoch.
//
// The envelope is driven by [Sink.Tick] from a single animation goroutine.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/mouthpiece/pkg/audio"
	"github.com/MrWong99/mouthpiece/pkg/audio/device"
)

const (
	defaultSampleRate = 48000
	defaultBlockSize  = 512
	defaultInboxSize  = 256
)

// Option is a functional option for configuring a [Sink].
type Option func(*Sink)

// WithSampleRate sets the preferred device rate in Hz. The device may settle
// on a different native rate; [Sink.SampleRate] reports the actual one.
func WithSampleRate(hz int) Option {
	return func(s *Sink) {
		if hz > 0 {
			s.wantRate = hz
		}
	}
}

// WithBlockSize sets the preferred number of samples per render callback.
func WithBlockSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.blockSize = n
		}
	}
}

// WithInboxSize sets how many chunks may be in flight between producers and
// the render callback before Push blocks.
func WithInboxSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.inboxSize = n
		}
	}
}

// WithAnalysisWindow sets the number of recent output samples the envelope
// analyses per tick.
func WithAnalysisWindow(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.window = n
		}
	}
}

// WithEnvelopeParams sets the initial envelope tuning.
func WithEnvelopeParams(p audio.EnvelopeParams) Option {
	return func(s *Sink) { s.envParams = p }
}

// WithDecoder registers a decoder for encoded chunks of the given encoding
// name (see [audio.EncodingOpus]). If the decoder also reports a
// SampleRate() int, its rate overrides the rate given by the producer.
func WithDecoder(encoding string, dec audio.Decoder) Option {
	return func(s *Sink) { s.decoders[encoding] = dec }
}

// WithMuted starts the sink muted.
func WithMuted(muted bool) Option {
	return func(s *Sink) { s.muted.Store(muted) }
}

// WithLogger sets the logger used for diagnostics. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.log = l }
}

// Stats is a point-in-time snapshot of sink counters.
type Stats struct {
	// Open reports whether an output device is currently held.
	Open bool

	// SampleRate is the device rate, or 0 while closed.
	SampleRate int

	// Buffered is the number of samples pushed but not yet rendered.
	Buffered int64

	// Chunks counts chunks accepted for playback.
	Chunks uint64

	// Malformed counts chunks dropped because they could not be decoded.
	Malformed uint64

	// Played counts non-silent samples handed to the device.
	Played uint64

	// Underruns counts render blocks where the queue ran dry part-way.
	Underruns uint64

	// Muted reports the current mute state.
	Muted bool
}

// chunk is one unit of the producer → render handoff.
type chunk struct {
	epoch   uint64
	samples []float32
}

// Sink is a streaming audio sink. Create one with [New]; the zero value is not
// usable. All exported methods are safe for concurrent use; [Sink.Tick] must
// only be called from one goroutine at a time.
type Sink struct {
	backend   device.OutputBackend
	log       *slog.Logger
	wantRate  int
	blockSize int
	inboxSize int
	window    int
	envParams audio.EnvelopeParams
	decoders  map[string]audio.Decoder

	// mu guards the device lifecycle.
	mu  sync.Mutex
	out device.Output

	rate  atomic.Int64
	inbox chan chunk

	epoch    atomic.Uint64
	tapEpoch atomic.Uint64 // epoch the render callback last cleared the tap for
	pending  atomic.Int64
	muted    atomic.Bool

	// Owned by the render callback.
	queue     *audio.Queue
	seenEpoch uint64

	tap *audio.Tap

	envMu     sync.Mutex
	env       *audio.Envelope
	nextEnv   atomic.Pointer[audio.EnvelopeParams]
	levelBits atomic.Uint64

	chunks    atomic.Uint64
	malformed atomic.Uint64
	played    atomic.Uint64
	underruns atomic.Uint64

	warnMalformed sync.Once
}

// New creates a sink that opens its output device from backend on the first
// [Sink.Ensure] or push.
func New(backend device.OutputBackend, opts ...Option) *Sink {
	s := &Sink{
		backend:   backend,
		log:       slog.Default(),
		wantRate:  defaultSampleRate,
		blockSize: defaultBlockSize,
		inboxSize: defaultInboxSize,
		window:    audio.DefaultAnalysisWindow,
		envParams: audio.DefaultEnvelopeParams(),
		decoders:  make(map[string]audio.Decoder),
	}
	for _, o := range opts {
		o(s)
	}
	s.inbox = make(chan chunk, s.inboxSize)
	s.queue = audio.NewQueueCap(s.inboxSize)
	s.tap = audio.NewTap(s.window)
	s.env = audio.NewEnvelope(s.window, s.envParams)
	return s
}

// Ensure opens and starts the output device if it is not running yet. It is
// idempotent and may be called from any number of call sites; after
// [Sink.Close] it opens a fresh device.
//
// Device failures wrap [audio.ErrPermissionDenied] or
// [audio.ErrDeviceUnavailable] and can be retried.
func (s *Sink) Ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out != nil {
		return nil
	}

	out, err := s.backend.OpenOutput(ctx, device.OutputConfig{
		SampleRate: s.wantRate,
		BlockSize:  s.blockSize,
	})
	if err != nil {
		if errors.Is(err, audio.ErrPermissionDenied) {
			s.log.Error("sink: output device access denied; grant speaker access and retry", "err", err)
		}
		return fmt.Errorf("sink: open output: %w", err)
	}

	rate := out.SampleRate()
	if rate <= 0 {
		rate = s.wantRate
	}
	s.rate.Store(int64(rate))

	if err := out.Start(s.Render); err != nil {
		_ = out.Close()
		s.rate.Store(0)
		return fmt.Errorf("sink: start output: %w", err)
	}
	s.out = out
	s.log.Info("sink: output device started", "sample_rate", rate, "block_size", s.blockSize)
	return nil
}

// SampleRate returns the native rate of the open device, or 0 while closed.
func (s *Sink) SampleRate() int { return int(s.rate.Load()) }

// Push converts 16-bit samples recorded at sourceRate to the device rate and
// queues them for playback. It opens the device if needed and blocks only
// while the handoff inbox is full.
func (s *Sink) Push(ctx context.Context, samples []int16, sourceRate int) error {
	if err := s.Ensure(ctx); err != nil {
		return err
	}
	return s.enqueue(ctx, audio.ConvertRate(samples, sourceRate, s.SampleRate()))
}

// PushFloat32 queues samples that are already at the device rate.
// The sink takes ownership of samples.
func (s *Sink) PushFloat32(ctx context.Context, samples []float32) error {
	if err := s.Ensure(ctx); err != nil {
		return err
	}
	return s.enqueue(ctx, samples)
}

// PushBase64 queues a base64 chunk of little-endian 16-bit PCM.
func (s *Sink) PushBase64(ctx context.Context, b64 string, sourceRate int) error {
	return s.PushEncoded(ctx, audio.EncodingPCM16, b64, sourceRate)
}

// PushEncoded decodes a base64 chunk with the named encoding and queues it.
// An empty encoding means 16-bit PCM. Chunks that cannot be decoded are
// dropped and reported as [audio.ErrMalformedChunk]; playback of everything
// else continues.
func (s *Sink) PushEncoded(ctx context.Context, encoding, b64 string, sourceRate int) error {
	raw, err := audio.DecodeBase64(b64)
	if err != nil {
		return s.reject(err)
	}

	var pcm []int16
	switch encoding {
	case "", audio.EncodingPCM16:
		pcm, err = audio.BytesToInt16s(raw)
	default:
		dec, ok := s.decoders[encoding]
		if !ok {
			return s.reject(fmt.Errorf("%w: unknown encoding %q", audio.ErrMalformedChunk, encoding))
		}
		pcm, err = dec.Decode(raw)
		if r, ok := dec.(interface{ SampleRate() int }); ok {
			sourceRate = r.SampleRate()
		}
	}
	if err != nil {
		if !errors.Is(err, audio.ErrMalformedChunk) {
			err = fmt.Errorf("%w: %w", audio.ErrMalformedChunk, err)
		}
		return s.reject(err)
	}
	return s.Push(ctx, pcm, sourceRate)
}

// Handle applies one inbound message.
func (s *Sink) Handle(ctx context.Context, msg audio.Message) error {
	switch m := msg.(type) {
	case audio.PushSamples:
		return s.PushFloat32(ctx, m.Samples)
	case audio.PushEncoded:
		return s.PushEncoded(ctx, m.Encoding, m.Base64, m.SourceRate)
	case audio.Reset:
		s.Reset()
		return nil
	default:
		return fmt.Errorf("sink: unsupported message %T", msg)
	}
}

func (s *Sink) reject(err error) error {
	s.malformed.Add(1)
	s.warnMalformed.Do(func() {
		s.log.Warn("sink: dropping malformed chunk, further occurrences are only counted", "err", err)
	})
	s.log.Debug("sink: malformed chunk dropped", "err", err)
	return fmt.Errorf("sink: %w", err)
}

func (s *Sink) enqueue(ctx context.Context, samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	n := int64(len(samples))
	s.pending.Add(n)
	c := chunk{epoch: s.epoch.Load(), samples: samples}
	select {
	case s.inbox <- c:
		s.chunks.Add(1)
		return nil
	case <-ctx.Done():
		s.pending.Add(-n)
		return ctx.Err()
	}
}

// Reset drops every queued and in-flight chunk and clears the analysis
// state. It takes effect at the next render block and never blocks.
func (s *Sink) Reset() {
	s.epoch.Add(1)
	s.envMu.Lock()
	s.env.Reset()
	s.envMu.Unlock()
	s.levelBits.Store(0)
}

// SetMuted sets the final output gain to zero (or back to unity). The queue
// keeps draining and the analysis tap keeps recording, so the envelope still
// follows the audio while muted.
func (s *Sink) SetMuted(muted bool) {
	if s.muted.Swap(muted) != muted {
		s.log.Info("sink: mute changed", "muted", muted)
	}
}

// Muted reports whether output is muted.
func (s *Sink) Muted() bool { return s.muted.Load() }

// SetEnvelopeParams replaces the envelope tuning at the next tick.
func (s *Sink) SetEnvelopeParams(p audio.EnvelopeParams) {
	s.nextEnv.Store(&p)
}

// Tick advances the envelope by dt using the latest analysis window and
// returns the new level in [0, 1]. Before any audio was rendered, and between
// a Reset and the next render block, the previous level is kept.
func (s *Sink) Tick(dt time.Duration) float64 {
	s.envMu.Lock()
	defer s.envMu.Unlock()
	if p := s.nextEnv.Swap(nil); p != nil {
		s.env.SetParams(*p)
	}
	var level float64
	if s.tapEpoch.Load() != s.epoch.Load() {
		level = s.env.Level()
	} else {
		level = s.env.Tick(s.tap, dt)
	}
	s.levelBits.Store(math.Float64bits(level))
	return level
}

// Level returns the level computed by the most recent Tick.
func (s *Sink) Level() float64 { return math.Float64frombits(s.levelBits.Load()) }

// Buffered returns the number of samples pushed but not yet rendered.
func (s *Sink) Buffered() int64 { return max(0, s.pending.Load()) }

// Stats returns a snapshot of the sink counters.
func (s *Sink) Stats() Stats {
	rate := s.SampleRate()
	return Stats{
		Open:       rate > 0,
		SampleRate: rate,
		Buffered:   s.Buffered(),
		Chunks:     s.chunks.Load(),
		Malformed:  s.malformed.Load(),
		Played:     s.played.Load(),
		Underruns:  s.underruns.Load(),
		Muted:      s.muted.Load(),
	}
}

// Render is the device callback. It adopts handed-off chunks, fills out from
// the queue (silence on underrun), records the pre-gain signal into the
// analysis tap and finally applies mute. It never blocks, allocates or logs.
//
// At most as many chunks as the queue has free slots are adopted per block;
// the rest wait in the inbox, so the queue never grows on the device thread.
func (s *Sink) Render(out []float32) {
	ep := s.epoch.Load()
	if ep != s.seenEpoch {
		s.discard(ep)
	}

adopt:
	for !s.queue.Full() {
		select {
		case c := <-s.inbox:
			switch {
			case c.epoch < ep:
				s.pending.Add(-int64(len(c.samples)))
				continue
			case c.epoch > ep:
				// Reset and push both happened after the load above.
				ep = c.epoch
				s.discard(ep)
			}
			s.queue.Push(c.samples)
		default:
			break adopt
		}
	}

	hadAudio := s.queue.Len() > 0
	n := s.queue.Fill(out)
	if n > 0 {
		s.played.Add(uint64(n))
		s.pending.Add(-int64(n))
	}
	if hadAudio && n < len(out) {
		s.underruns.Add(1)
	}

	s.tap.Write(out)
	if s.muted.Load() {
		clear(out)
	}
}

// discard drops the queued audio and analysis state of every epoch before
// ep. Only called from the render callback.
func (s *Sink) discard(ep uint64) {
	s.pending.Add(-int64(s.queue.Len()))
	s.queue.Reset()
	s.tap.Clear()
	s.seenEpoch = ep
	s.tapEpoch.Store(ep)
}

// Close stops the output device and drops everything queued. A later push or
// [Sink.Ensure] reopens the device.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return nil
	}
	err := s.out.Close()
	s.out = nil
	s.rate.Store(0)

	// The render callback is stopped; its state can be touched here.
	s.epoch.Add(1)
	s.queue.Reset()
drain:
	for {
		select {
		case <-s.inbox:
		default:
			break drain
		}
	}
	s.pending.Store(0)
	if err != nil {
		return fmt.Errorf("sink: close output: %w", err)
	}
	s.log.Info("sink: output device closed")
	return nil
}
