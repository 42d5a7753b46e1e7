package audio

import "math"

// ConvertRate decodes signed 16-bit PCM to float32 and converts it from
// srcRate to dstRate.
//
// When the rates match, the decoded buffer is returned as-is. Otherwise the
// samples are linearly interpolated by [Resample]. Non-positive rates are
// treated as "unknown" and also skip resampling.
func ConvertRate(in []int16, srcRate, dstRate int) []float32 {
	return Resample(DecodeInt16(in), srcRate, dstRate)
}

// Resample converts float samples from srcRate to dstRate using linear
// interpolation between the two nearest source samples.
//
// This is a one-shot, non-streaming resampler with no anti-aliasing filter.
// Downsampling can therefore fold energy above the new Nyquist frequency back
// into the audible band. For speech chunks travelling from a 16 kHz backend
// to a 44.1/48 kHz output device (the upsampling direction) the artefacts are
// negligible, and the converter stays cheap and latency-free. Keep it linear
// unless listening tests show otherwise.
//
// The output length is round(len(in) * dstRate / srcRate). Chunks are
// converted independently, so no state carries across chunk boundaries; use
// a [StreamResampler] for a continuous signal cut into blocks.
func Resample(in []float32, srcRate, dstRate int) []float32 {
	if len(in) == 0 {
		return []float32{}
	}
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return in
	}

	ratio := float64(dstRate) / float64(srcRate)
	outLen := int(math.Round(float64(len(in)) * ratio))
	out := make([]float32, outLen)
	last := len(in) - 1

	for i := range out {
		t := float64(i) / ratio
		i0 := int(math.Floor(t))
		if i0 > last {
			i0 = last
		}
		i1 := min(last, i0+1)
		frac := float32(t - float64(i0))
		out[i] = in[i0]*(1-frac) + in[i1]*frac
	}
	return out
}

// StreamResampler converts a continuous signal that arrives in blocks, such
// as a capture device callback. The read position and the last input sample
// carry over between blocks, so the output length follows the exact rate
// ratio and interpolation spans block edges. It is not safe for concurrent
// use.
type StreamResampler struct {
	src, dst int64

	// pos is the next output position relative to the first sample of the
	// coming block, in units of 1/dst source samples. It lies in [-dst, 0)
	// between blocks once the stream has started.
	pos  int64
	prev float32
	out  []float32
}

// NewStreamResampler returns a resampler from srcRate to dstRate. Equal or
// non-positive rates make it a pass-through.
func NewStreamResampler(srcRate, dstRate int) *StreamResampler {
	return &StreamResampler{src: int64(srcRate), dst: int64(dstRate)}
}

// Process converts the next block. The returned slice is reused by the next
// call. The last sample of a block is only emitted once the following block
// shows where the signal goes, so output lags input by at most one sample.
func (r *StreamResampler) Process(in []float32) []float32 {
	if r.src <= 0 || r.dst <= 0 || r.src == r.dst {
		return in
	}
	n := int64(len(in))
	if n == 0 {
		return r.out[:0]
	}

	r.out = r.out[:0]
	limit := (n - 1) * r.dst
	for ; r.pos < limit; r.pos += r.src {
		var a, b float32
		var frac int64
		if r.pos < 0 {
			a, b, frac = r.prev, in[0], r.pos+r.dst
		} else {
			i := r.pos / r.dst
			a, b, frac = in[i], in[i+1], r.pos-i*r.dst
		}
		f := float32(frac) / float32(r.dst)
		r.out = append(r.out, a*(1-f)+b*f)
	}
	r.pos -= n * r.dst
	r.prev = in[n-1]
	return r.out
}
