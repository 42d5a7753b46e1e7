package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Sentinel errors shared by the audio pipeline. Callers match them with
// [errors.Is]; implementations wrap them with additional context.
var (
	// ErrPermissionDenied reports that an audio device could not be opened
	// because the user or the operating system refused access. The condition
	// is retryable once access has been granted.
	ErrPermissionDenied = errors.New("audio: device permission denied")

	// ErrDeviceUnavailable reports that no usable audio device or backend
	// exists (no hardware, driver failure, unsupported format).
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrMalformedChunk reports that an inbound audio chunk could not be
	// decoded. The chunk is dropped; the stream continues with the next one.
	ErrMalformedChunk = errors.New("audio: malformed chunk")
)

// Quantization scale factors for signed 16-bit PCM. Negative samples use the
// full magnitude of math.MinInt16, positive samples stop at math.MaxInt16.
const (
	negativeScale = 0x8000
	positiveScale = 0x7FFF

	// decodeScale maps int16 back to [-1, 1).
	decodeScale = 32768
)

// Clamp limits x to [-1, 1]. NaN maps to 0 so that a corrupt capture sample
// encodes as silence instead of an implementation-defined integer.
func Clamp(x float32) float32 {
	switch {
	case x != x:
		return 0
	case x < -1:
		return -1
	case x > 1:
		return 1
	}
	return x
}

// Quantize converts a float sample to signed 16-bit PCM. The sample is
// clamped first, then scaled by 0x8000 when negative and 0x7FFF otherwise.
// The fractional part is truncated toward zero, matching a typed-array store
// on the capture side of the wire.
func Quantize(x float32) int16 {
	c := Clamp(x)
	if c < 0 {
		return int16(c * negativeScale)
	}
	return int16(c * positiveScale)
}

// DecodeSample maps one 16-bit PCM sample to a float in [-1, 1).
func DecodeSample(s int16) float32 {
	return float32(s) / decodeScale
}

// DecodeInt16 maps a slice of 16-bit PCM samples to floats in [-1, 1).
func DecodeInt16(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = DecodeSample(s)
	}
	return out
}

// Int16sToBytes converts PCM samples to their little-endian wire form.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// BytesToInt16s parses little-endian 16-bit PCM. An odd byte count means the
// chunk was truncated or is not PCM at all; it is reported as
// [ErrMalformedChunk].
func BytesToInt16s(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d in 16-bit PCM", ErrMalformedChunk, len(b))
	}
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return pcm, nil
}

// DecodeBase64PCM decodes a base64 (standard alphabet) string carrying
// little-endian 16-bit PCM.
func DecodeBase64PCM(s string) ([]int16, error) {
	raw, err := DecodeBase64(s)
	if err != nil {
		return nil, err
	}
	return BytesToInt16s(raw)
}

// DecodeBase64 decodes a base64 payload from a text-safe transport channel.
// Decoding failures are reported as [ErrMalformedChunk].
func DecodeBase64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformedChunk, err)
	}
	return raw, nil
}

// EncodeBase64PCM is the inverse of [DecodeBase64PCM].
func EncodeBase64PCM(pcm []int16) string {
	return base64.StdEncoding.EncodeToString(Int16sToBytes(pcm))
}

// isFinite reports whether f is neither NaN nor infinite.
func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
