// Package opus decodes mono Opus packets for the playback sink.
package opus

import (
	"fmt"
	"sync"

	"layeh.com/gopus"

	"github.com/MrWong99/mouthpiece/pkg/audio"
)

var _ audio.Decoder = (*Decoder)(nil)

// DefaultSampleRate is the full-band Opus decoding rate.
const DefaultSampleRate = 48000

// maxFrameMs is the longest frame duration an Opus packet can carry.
const maxFrameMs = 120

// Decoder wraps a gopus decoder for one logical stream. Opus is stateful
// across packets, so a stream must keep using the same Decoder. Decode is
// serialised internally and safe for concurrent callers.
type Decoder struct {
	mu       sync.Mutex
	dec      *gopus.Decoder
	rate     int
	maxFrame int
}

// NewDecoder creates a mono decoder producing samples at rate, which must be
// one of 8000, 12000, 16000, 24000 or 48000.
func NewDecoder(rate int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(rate, 1)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, rate: rate, maxFrame: rate * maxFrameMs / 1000}, nil
}

// SampleRate returns the rate decoded samples are produced at.
func (d *Decoder) SampleRate() int { return d.rate }

// Decode implements [audio.Decoder]. Failures wrap [audio.ErrMalformedChunk].
func (d *Decoder) Decode(packet []byte) ([]int16, error) {
	if len(packet) == 0 {
		return nil, fmt.Errorf("opus: decode: %w: empty packet", audio.ErrMalformedChunk)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	pcm, err := d.dec.Decode(packet, d.maxFrame, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w: %w", audio.ErrMalformedChunk, err)
	}
	return pcm, nil
}

// Reset clears the decoder state, e.g. after a playback reset.
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dec.ResetState()
}
