package audio

// DefaultFrameSize is the capture frame length used when none is configured.
// At 16 kHz it adds 64 ms of boundary latency before a frame is emitted.
const DefaultFrameSize = 1024

// FrameEncoder accumulates capture samples into fixed-size frames and emits
// each completed frame as signed 16-bit PCM.
//
// The capture buffer is an arena owned by the encoder: it is allocated once
// and overwritten for every frame, so feeding samples never allocates. Only
// the emitted [PCMData] is freshly allocated, because it crosses the boundary
// to the transport and must not alias the arena.
//
// A FrameEncoder is not safe for concurrent use; it is driven by a single
// capture callback.
type FrameEncoder struct {
	buf  []float32
	idx  int
	emit func(PCMData)
}

// NewFrameEncoder creates an encoder that emits frames of frameSize samples
// to emit. A non-positive frameSize falls back to [DefaultFrameSize].
//
// emit is called synchronously from [FrameEncoder.Feed] and must not block:
// the encoder applies no backpressure of its own.
func NewFrameEncoder(frameSize int, emit func(PCMData)) *FrameEncoder {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	return &FrameEncoder{
		buf:  make([]float32, frameSize),
		emit: emit,
	}
}

// FrameSize returns the number of samples per emitted frame.
func (e *FrameEncoder) FrameSize() int { return len(e.buf) }

// Pending returns how many samples of the frame in progress are buffered.
func (e *FrameEncoder) Pending() int { return e.idx }

// Feed appends one sample. When the frame fills up it is quantized and
// emitted, and the write index restarts at zero.
func (e *FrameEncoder) Feed(sample float32) {
	e.buf[e.idx] = sample
	e.idx++
	if e.idx < len(e.buf) {
		return
	}
	pcm := make([]int16, len(e.buf))
	for i, s := range e.buf {
		pcm[i] = Quantize(s)
	}
	e.idx = 0
	if e.emit != nil {
		e.emit(PCMData{Samples: pcm})
	}
}

// Write feeds a block of samples in order.
func (e *FrameEncoder) Write(samples []float32) {
	for _, s := range samples {
		e.Feed(s)
	}
}

// Discard drops the frame in progress without emitting it.
func (e *FrameEncoder) Discard() {
	e.idx = 0
}
