package audio_test

import (
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/mouthpiece/pkg/audio"
)

func TestQuantize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float32
		want int16
	}{
		{in: 0, want: 0},
		{in: 1, want: 32767},
		{in: -1, want: -32768},
		{in: 0.5, want: 16383},
		{in: -0.5, want: -16384},
		{in: 2, want: 32767},
		{in: -7, want: -32768},
		{in: float32(math.Inf(1)), want: 32767},
		{in: float32(math.NaN()), want: 0},
	}
	for _, tc := range tests {
		if got := audio.Quantize(tc.in); got != tc.want {
			t.Errorf("Quantize(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestQuantize_CloseToRounded(t *testing.T) {
	t.Parallel()

	for i := -10000; i <= 10000; i++ {
		x := float32(i) / 10000
		var want float64
		if x < 0 {
			want = math.Round(float64(x) * 32768)
		} else {
			want = math.Round(float64(x) * 32767)
		}
		got := float64(audio.Quantize(x))
		if math.Abs(got-want) > 1 {
			t.Fatalf("Quantize(%v) = %v, want within 1 of %v", x, got, want)
		}
	}
}

func TestClamp_Idempotent(t *testing.T) {
	t.Parallel()

	for _, y := range []float32{-3, -1, -0.25, 0, 0.75, 1, 42, float32(math.NaN())} {
		once := audio.Clamp(y)
		if twice := audio.Clamp(once); once != twice {
			t.Errorf("Clamp(Clamp(%v)) = %v, want %v", y, twice, once)
		}
		if audio.Quantize(once) != audio.Quantize(audio.Clamp(once)) {
			t.Errorf("quantize of re-clamped %v differs", y)
		}
	}
}

func TestBase64PCM_RoundTrip(t *testing.T) {
	t.Parallel()

	pcm := []int16{0, 1, -1, math.MaxInt16, math.MinInt16, 1234}
	got, err := audio.DecodeBase64PCM(audio.EncodeBase64PCM(pcm))
	if err != nil {
		t.Fatalf("DecodeBase64PCM: %v", err)
	}
	if len(got) != len(pcm) {
		t.Fatalf("len = %d, want %d", len(got), len(pcm))
	}
	for i := range pcm {
		if got[i] != pcm[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], pcm[i])
		}
	}
}

func TestDecodeBase64PCM_Malformed(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"%%%", "AQID"} { // invalid alphabet; 3 bytes
		if _, err := audio.DecodeBase64PCM(in); !errors.Is(err, audio.ErrMalformedChunk) {
			t.Errorf("DecodeBase64PCM(%q) err = %v, want ErrMalformedChunk", in, err)
		}
	}
}

func TestBytesToInt16s_LittleEndian(t *testing.T) {
	t.Parallel()

	got, err := audio.BytesToInt16s([]byte{0x34, 0x12, 0xff, 0xff})
	if err != nil {
		t.Fatalf("BytesToInt16s: %v", err)
	}
	if got[0] != 0x1234 || got[1] != -1 {
		t.Errorf("got %v, want [4660 -1]", got)
	}
}
