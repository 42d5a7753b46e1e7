package audio

import (
	"math"
	"sync/atomic"
)

// DefaultAnalysisWindow is the number of recent output samples the analysis
// tap keeps and the envelope follower reads per tick.
const DefaultAnalysisWindow = 512

// WindowSource provides read-only access to a window of recent samples.
type WindowSource interface {
	// Window copies the most recent len(dst) samples into dst, oldest first.
	// It reports false when no data is available yet, in which case dst is
	// left untouched.
	Window(dst []float32) bool
}

// Tap records the most recent output samples so that an analyser running on
// another goroutine can inspect them.
//
// Exactly one goroutine (the render callback) may call [Tap.Write] and
// [Tap.Clear]. Any number of goroutines may call [Tap.Window] concurrently.
// Samples are stored as atomic float32 bits, so the writer never takes a lock
// and readers never observe a torn sample. A window read that races with a
// write may mix samples from two consecutive render blocks, which is harmless
// for loudness measurement.
type Tap struct {
	ring    []atomic.Uint32
	pos     atomic.Uint64 // total samples written; ring index is pos % len(ring)
	written atomic.Bool
}

// NewTap creates a tap holding the last size samples. A non-positive size
// falls back to [DefaultAnalysisWindow].
func NewTap(size int) *Tap {
	if size <= 0 {
		size = DefaultAnalysisWindow
	}
	return &Tap{ring: make([]atomic.Uint32, size)}
}

// Size returns the tap capacity in samples.
func (t *Tap) Size() int { return len(t.ring) }

// Write appends samples to the ring, overwriting the oldest ones.
func (t *Tap) Write(samples []float32) {
	n := uint64(len(t.ring))
	pos := t.pos.Load()
	for _, s := range samples {
		t.ring[pos%n].Store(math.Float32bits(s))
		pos++
	}
	t.pos.Store(pos)
	if len(samples) > 0 {
		t.written.Store(true)
	}
}

// Clear zeroes the ring. Subsequent windows read as silence.
func (t *Tap) Clear() {
	for i := range t.ring {
		t.ring[i].Store(0)
	}
}

// Window implements [WindowSource]. At most Size() samples are copied; any
// excess in dst is left untouched.
func (t *Tap) Window(dst []float32) bool {
	if t == nil || !t.written.Load() {
		return false
	}
	n := uint64(len(t.ring))
	want := uint64(min(len(dst), len(t.ring)))
	end := t.pos.Load()
	start := end + n - want
	for i := range want {
		dst[i] = math.Float32frombits(t.ring[(start+i)%n].Load())
	}
	return true
}
