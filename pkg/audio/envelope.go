package audio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Default envelope tuning. Opening the mouth follows the slower attack so it
// reads as natural; closing follows the faster release so it reads crisp.
const (
	DefaultAttack    = 60 * time.Millisecond
	DefaultRelease   = 120 * time.Millisecond
	DefaultThreshold = 0.02
	DefaultGain      = 6.0
)

// fallbackTick is the dt assumed when the caller cannot measure one: a single
// frame at 60 Hz.
const fallbackTick = 16700 * time.Microsecond

// minTau keeps the smoothing coefficient finite for zero time constants.
const minTau = time.Millisecond

// EnvelopeParams tunes an [Envelope]. Attack and Release are independent.
type EnvelopeParams struct {
	// Attack is the time constant used while the level rises.
	Attack time.Duration

	// Release is the time constant used while the level falls.
	Release time.Duration

	// Threshold is the noise gate subtracted after gain, in [0, 1).
	Threshold float64

	// Gain scales the RMS before gating. Larger values open the mouth
	// further for quiet speech.
	Gain float64
}

// DefaultEnvelopeParams returns the stock tuning.
func DefaultEnvelopeParams() EnvelopeParams {
	return EnvelopeParams{
		Attack:    DefaultAttack,
		Release:   DefaultRelease,
		Threshold: DefaultThreshold,
		Gain:      DefaultGain,
	}
}

// Validate reports parameter combinations that would break normalization.
func (p EnvelopeParams) Validate() error {
	var errs []error
	if p.Attack < 0 {
		errs = append(errs, fmt.Errorf("attack %s must not be negative", p.Attack))
	}
	if p.Release < 0 {
		errs = append(errs, fmt.Errorf("release %s must not be negative", p.Release))
	}
	if p.Threshold < 0 || p.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("threshold %.3f is out of range [0, 1)", p.Threshold))
	}
	if p.Gain <= 0 {
		errs = append(errs, fmt.Errorf("gain %.3f must be positive", p.Gain))
	}
	return errors.Join(errs...)
}

// Envelope is an asymmetric attack/release envelope follower that turns a
// window of output samples into a mouth-openness level in [0, 1].
//
// The follower owns a window arena sized at construction; [Envelope.Tick]
// copies the analysis window into it instead of allocating per tick. It never
// mutates buffers handed to [Envelope.Process].
//
// An Envelope is not safe for concurrent use; drive it from one animation
// goroutine.
type Envelope struct {
	p     EnvelopeParams
	level float64
	buf   []float32
}

// NewEnvelope creates a follower reading windows of windowSize samples.
// A non-positive windowSize falls back to [DefaultAnalysisWindow].
func NewEnvelope(windowSize int, p EnvelopeParams) *Envelope {
	if windowSize <= 0 {
		windowSize = DefaultAnalysisWindow
	}
	return &Envelope{p: p, buf: make([]float32, windowSize)}
}

// Params returns the current tuning.
func (e *Envelope) Params() EnvelopeParams { return e.p }

// SetParams replaces the tuning. The current level is kept.
func (e *Envelope) SetParams(p EnvelopeParams) { e.p = p }

// Level returns the most recent smoothed level.
func (e *Envelope) Level() float64 { return e.level }

// Reset drops the level back to zero.
func (e *Envelope) Reset() { e.level = 0 }

// Tick reads the latest window from src into the arena and processes it.
// When src is nil or has no data yet, the previous level is returned
// unchanged so the mouth does not snap shut.
func (e *Envelope) Tick(src WindowSource, dt time.Duration) float64 {
	if src == nil || !src.Window(e.buf) {
		return e.level
	}
	return e.Process(e.buf, dt)
}

// Process advances the follower by dt using window as the latest output.
// dt is the real time since the previous tick; a non-positive dt is treated
// as one 60 Hz frame. An empty window leaves the level unchanged.
func (e *Envelope) Process(window []float32, dt time.Duration) float64 {
	if len(window) == 0 {
		return e.level
	}

	var sum float64
	for _, s := range window {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(window)))

	raw := math.Max(0, rms*e.p.Gain-e.p.Threshold)
	target := math.Min(1, raw/(1-e.p.Threshold))
	if !isFinite(target) {
		return e.level
	}

	if dt <= 0 {
		dt = fallbackTick
	}
	tau := e.p.Release
	if target > e.level {
		tau = e.p.Attack
	}
	tau = max(tau, minTau)
	k := 1 - math.Exp(-float64(dt)/float64(tau))

	e.level += (target - e.level) * k
	e.level = math.Max(0, math.Min(1, e.level))
	return e.level
}
