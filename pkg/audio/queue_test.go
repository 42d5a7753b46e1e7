package audio_test

import (
	"testing"

	"github.com/MrWong99/mouthpiece/pkg/audio"
)

func TestQueue_PullConcatenatesThenSilence(t *testing.T) {
	t.Parallel()

	q := audio.NewQueue()
	a := []float32{0.1, 0.2, 0.3}
	b := []float32{-0.4, -0.5}
	q.Push(a)
	q.Push(b)

	if q.State() != audio.QueueDraining {
		t.Fatalf("State = %s, want draining", q.State())
	}
	want := append(append([]float32{}, a...), b...)
	for i, w := range want {
		if got := q.Pull(); got != w {
			t.Fatalf("pull %d = %v, want %v", i, got, w)
		}
	}
	for i := range 100 {
		if got := q.Pull(); got != 0 {
			t.Fatalf("pull past end %d = %v, want 0", i, got)
		}
	}
	if q.State() != audio.QueueEmpty {
		t.Errorf("State = %s, want empty", q.State())
	}

	q.Push([]float32{0.9})
	if got := q.Pull(); got != 0.9 {
		t.Errorf("pull after re-push = %v, want 0.9", got)
	}
}

func TestQueue_ResetDuringPlayback(t *testing.T) {
	t.Parallel()

	var q audio.Queue // zero value is usable
	q.Push([]float32{1, 2, 3, 4})
	q.Push([]float32{5, 6})
	q.Pull()
	q.Pull()

	q.Reset()
	if got := q.Pull(); got != 0 {
		t.Fatalf("pull after Reset = %v, want 0", got)
	}
	if q.Len() != 0 || q.State() != audio.QueueEmpty {
		t.Errorf("after Reset: Len=%d State=%s", q.Len(), q.State())
	}
}

func TestQueue_FillAndLen(t *testing.T) {
	t.Parallel()

	q := audio.NewQueue()
	q.Push(nil)
	q.Push([]float32{})
	if q.State() != audio.QueueEmpty {
		t.Fatal("empty chunks must be ignored")
	}

	for i := range 40 { // forces the ring to grow
		q.Push([]float32{float32(i), float32(i)})
	}
	if q.Len() != 80 {
		t.Fatalf("Len = %d, want 80", q.Len())
	}

	out := make([]float32, 50)
	if n := q.Fill(out); n != 50 {
		t.Fatalf("Fill = %d, want 50", n)
	}
	if out[0] != 0 || out[2] != 1 || out[49] != 24 {
		t.Errorf("unexpected fill order: %v", out[:6])
	}

	out = make([]float32, 50)
	for i := range out {
		out[i] = 7
	}
	if n := q.Fill(out); n != 30 {
		t.Fatalf("Fill = %d, want 30", n)
	}
	for i := 30; i < 50; i++ {
		if out[i] != 0 {
			t.Fatalf("out[%d] = %v, want silence", i, out[i])
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
}

func TestQueue_CapAndFull(t *testing.T) {
	t.Parallel()

	q := audio.NewQueueCap(3)
	if q.Cap() != 3 {
		t.Fatalf("Cap = %d, want 3", q.Cap())
	}
	for i := range 3 {
		if q.Full() {
			t.Fatalf("Full after %d pushes, want false", i)
		}
		q.Push([]float32{float32(i + 1)})
	}
	if !q.Full() {
		t.Fatal("Full = false with every slot used")
	}

	// The chunk being read frees its slot.
	if got := q.Pull(); got != 1 {
		t.Fatalf("Pull = %v, want 1", got)
	}
	if q.Full() {
		t.Error("Full = true after the head chunk was taken")
	}
	q.Push([]float32{4})
	if q.Cap() != 3 {
		t.Errorf("Cap = %d after refilling, want 3 (no growth)", q.Cap())
	}
	for _, want := range []float32{2, 3, 4} {
		if got := q.Pull(); got != want {
			t.Fatalf("Pull = %v, want %v", got, want)
		}
	}

	if got := audio.NewQueueCap(0).Cap(); got != audio.NewQueue().Cap() {
		t.Errorf("NewQueueCap(0).Cap = %d, want default %d", got, audio.NewQueue().Cap())
	}
}

func TestQueue_GrowsWhenPushedPastCap(t *testing.T) {
	t.Parallel()

	q := audio.NewQueueCap(2)
	for i := range 5 {
		q.Push([]float32{float32(i)})
	}
	if q.Cap() < 5 {
		t.Fatalf("Cap = %d, want >= 5", q.Cap())
	}
	for i := range 5 {
		if got := q.Pull(); got != float32(i) {
			t.Fatalf("Pull %d = %v, want %d", i, got, i)
		}
	}
}

func TestQueueState_String(t *testing.T) {
	t.Parallel()

	if audio.QueueEmpty.String() == audio.QueueDraining.String() {
		t.Error("states must have distinct names")
	}
}

func BenchmarkQueue_Pull(b *testing.B) {
	q := audio.NewQueue()
	chunk := make([]float32, 480)
	for b.Loop() {
		if q.Len() == 0 {
			q.Push(chunk)
		}
		q.Pull()
	}
}
