package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/mouthpiece/pkg/audio"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type fakeSink struct {
	mu       sync.Mutex
	messages []audio.Message
	resets   int
	err      error

	buffered atomic.Int64
	polls    atomic.Int64
}

func (f *fakeSink) Handle(_ context.Context, msg audio.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return f.err
}

func (f *fakeSink) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeSink) Buffered() int64 {
	f.polls.Add(1)
	return f.buffered.Load()
}

func (f *fakeSink) snapshot() ([]audio.Message, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.messages), f.resets
}

type fakeCues struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeCues) Emotion(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "emotion:"+name)
}

func (f *fakeCues) Subtitle(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "subtitle:"+text)
}

func (f *fakeCues) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.events)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// newBackend starts a WebSocket server that runs handle for every connection.
func newBackend(t *testing.T, handle func(ctx context.Context, conn *websocket.Conn, n int)) string {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		handle(r.Context(), conn, int(conns.Add(1)))
	}))
	t.Cleanup(srv.Close)
	return "ws" + srv.URL[len("http"):]
}

func readOutbound(t *testing.T, ctx context.Context, conn *websocket.Conn) outbound {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("server read: %v", err)
		return outbound{}
	}
	var msg outbound
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Errorf("server unmarshal %s: %v", data, err)
	}
	return msg
}

func writeInbound(t *testing.T, ctx context.Context, conn *websocket.Conn, msg inbound) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Errorf("marshal: %v", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func testConfig(url string) Config {
	return Config{
		URL:               url,
		UserID:            "tester",
		MaxRetries:        2,
		Backoff:           5 * time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
		DefaultSourceRate: 16000,
		OutboxSize:        8,
		ASREngine:         "whisper",
	}
}

func runClient(t *testing.T, c *Client) <-chan error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func wantRunResult(t *testing.T, done <-chan error, check func(error) bool) {
	t.Helper()
	select {
	case err := <-done:
		if !check(err) {
			t.Fatalf("Run returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestClient_InitAndInboundDispatch(t *testing.T) {
	t.Parallel()

	pcm := audio.EncodeBase64PCM([]int16{100, -100})
	url := newBackend(t, func(ctx context.Context, conn *websocket.Conn, _ int) {
		init := readOutbound(t, ctx, conn)
		if init.Type != TypeInit || init.UserID != "tester" {
			t.Errorf("first message = %+v, want init from tester", init)
		}
		if _, err := time.Parse(time.RFC3339Nano, init.Timestamp); err != nil {
			t.Errorf("timestamp %q is not RFC 3339: %v", init.Timestamp, err)
		}
		writeInbound(t, ctx, conn, inbound{Type: TypeInitSuccess})
		writeInbound(t, ctx, conn, inbound{Type: TypeTTSAudioChunk, AudioData: pcm, SampleRate: 24000})
		writeInbound(t, ctx, conn, inbound{Type: TypePush, AudioData: pcm, Encoding: audio.EncodingOpus})
		writeInbound(t, ctx, conn, inbound{Type: TypeTTSAudioChunk})
		writeInbound(t, ctx, conn, inbound{Type: TypeReset})
		writeInbound(t, ctx, conn, inbound{Type: TypeInterrupt})
		writeInbound(t, ctx, conn, inbound{Type: TypeError, Message: "tts failed"})
		writeInbound(t, ctx, conn, inbound{Type: "generation_chunk"})
		conn.Close(websocket.StatusNormalClosure, "")
	})

	sink := &fakeSink{}
	c := New(testConfig(url), sink)
	wantRunResult(t, runClient(t, c), func(err error) bool { return err == nil })

	msgs, resets := sink.snapshot()
	want := []audio.Message{
		audio.PushEncoded{Base64: pcm, SourceRate: 24000},
		audio.PushEncoded{Base64: pcm, SourceRate: 16000, Encoding: audio.EncodingOpus},
	}
	if !slices.Equal(msgs, want) {
		t.Errorf("sink messages = %+v, want %+v", msgs, want)
	}
	if resets != 2 {
		t.Errorf("resets = %d, want 2", resets)
	}
	if c.Connected() {
		t.Error("Connected() = true after Run returned")
	}
}

func TestClient_ForwardsEmotionAndSubtitle(t *testing.T) {
	t.Parallel()

	url := newBackend(t, func(ctx context.Context, conn *websocket.Conn, _ int) {
		readOutbound(t, ctx, conn)
		writeInbound(t, ctx, conn, inbound{Type: TypeEmotion, Emotion: "happy"})
		writeInbound(t, ctx, conn, inbound{Type: TypeSubtitle, Text: "你好"})
		writeInbound(t, ctx, conn, inbound{Type: TypeEmotion})
		writeInbound(t, ctx, conn, inbound{Type: TypeSubtitle})
		conn.Close(websocket.StatusNormalClosure, "")
	})

	cues := &fakeCues{}
	sink := &fakeSink{}
	c := New(testConfig(url), sink, WithCueSink(cues))
	wantRunResult(t, runClient(t, c), func(err error) bool { return err == nil })

	want := []string{"emotion:happy", "subtitle:你好", "subtitle:"}
	if got := cues.snapshot(); !slices.Equal(got, want) {
		t.Errorf("cues = %q, want %q", got, want)
	}
	if msgs, _ := sink.snapshot(); len(msgs) != 0 {
		t.Errorf("cues reached the audio sink: %+v", msgs)
	}
}

func TestClient_CuesWithoutSinkAreIgnored(t *testing.T) {
	t.Parallel()

	url := newBackend(t, func(ctx context.Context, conn *websocket.Conn, _ int) {
		readOutbound(t, ctx, conn)
		writeInbound(t, ctx, conn, inbound{Type: TypeEmotion, Emotion: "sad"})
		writeInbound(t, ctx, conn, inbound{Type: TypeSubtitle, Text: "bye"})
		conn.Close(websocket.StatusNormalClosure, "")
	})
	wantRunResult(t, runClient(t, New(testConfig(url), &fakeSink{})), func(err error) bool { return err == nil })
}

func TestClient_RejectedChunksKeepConnectionUp(t *testing.T) {
	t.Parallel()

	url := newBackend(t, func(ctx context.Context, conn *websocket.Conn, _ int) {
		readOutbound(t, ctx, conn)
		writeInbound(t, ctx, conn, inbound{Type: TypeTTSAudioChunk, AudioData: "%%%"})
		writeInbound(t, ctx, conn, inbound{Type: TypeTTSAudioChunk, AudioData: "AAAA"})
		conn.Close(websocket.StatusNormalClosure, "")
	})

	sink := &fakeSink{err: audio.ErrMalformedChunk}
	wantRunResult(t, runClient(t, New(testConfig(url), sink)), func(err error) bool { return err == nil })

	if msgs, _ := sink.snapshot(); len(msgs) != 2 {
		t.Errorf("sink saw %d chunks, want 2", len(msgs))
	}
}

func TestClient_PlaybackCompleteWaitsForDrain(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	sink.buffered.Store(4800)
	var released atomic.Bool

	url := newBackend(t, func(ctx context.Context, conn *websocket.Conn, _ int) {
		readOutbound(t, ctx, conn)
		writeInbound(t, ctx, conn, inbound{Type: TypeTTSComplete})
		msg := readOutbound(t, ctx, conn)
		if msg.Type != TypeAudioPlaybackComplete {
			t.Errorf("message type = %q, want %q", msg.Type, TypeAudioPlaybackComplete)
		}
		if !released.Load() {
			t.Error("playback complete sent while audio was still buffered")
		}
		conn.Close(websocket.StatusNormalClosure, "")
	})

	c := New(testConfig(url), sink, WithDrainPoll(time.Millisecond))
	done := runClient(t, c)

	waitFor(t, "drain polling", func() bool { return sink.polls.Load() >= 3 })
	released.Store(true)
	sink.buffered.Store(0)

	wantRunResult(t, done, func(err error) bool { return err == nil })
}

func TestClient_OutboundCaptureAndASR(t *testing.T) {
	t.Parallel()

	got := make(chan []outbound, 1)
	url := newBackend(t, func(ctx context.Context, conn *websocket.Conn, _ int) {
		readOutbound(t, ctx, conn)
		var msgs []outbound
		for range 3 {
			msgs = append(msgs, readOutbound(t, ctx, conn))
		}
		got <- msgs
		conn.Close(websocket.StatusNormalClosure, "")
	})

	c := New(testConfig(url), &fakeSink{})
	if c.SendFrame(audio.PCMData{Samples: []int16{1}}) {
		t.Error("SendFrame succeeded before connecting")
	}
	if err := c.StartASR(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("StartASR before connecting = %v, want ErrNotConnected", err)
	}
	if c.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", c.Dropped())
	}

	done := runClient(t, c)
	waitFor(t, "connection", c.Connected)

	ctx := context.Background()
	if err := c.StartASR(ctx); err != nil {
		t.Fatalf("StartASR: %v", err)
	}
	if !c.SendFrame(audio.PCMData{Samples: []int16{1, -2, 3}}) {
		t.Fatal("SendFrame dropped a frame on an idle connection")
	}
	if err := c.StopASR(ctx); err != nil {
		t.Fatalf("StopASR: %v", err)
	}

	var msgs []outbound
	select {
	case msgs = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive outbound messages")
	}
	wantRunResult(t, done, func(err error) bool { return err == nil })

	if msgs[0].Type != TypeStartASR || msgs[0].Engine != "whisper" {
		t.Errorf("msgs[0] = %+v, want start_asr with engine", msgs[0])
	}
	if msgs[1].Type != TypeAudioChunk || !slices.Equal(msgs[1].AudioData, []int16{1, -2, 3}) {
		t.Errorf("msgs[1] = %+v, want audio_chunk [1 -2 3]", msgs[1])
	}
	if msgs[2].Type != TypeStopASR {
		t.Errorf("msgs[2] = %+v, want stop_asr", msgs[2])
	}
	for i, m := range msgs {
		if m.UserID != "tester" || m.Timestamp == "" {
			t.Errorf("msgs[%d] missing user_id or timestamp: %+v", i, m)
		}
	}
}

func TestClient_SendFrameDropsWhenOutboxFull(t *testing.T) {
	t.Parallel()

	cfg := testConfig("ws://unused")
	cfg.OutboxSize = 2
	c := New(cfg, &fakeSink{})
	c.connected.Store(true)

	for i := range 2 {
		if !c.SendFrame(audio.PCMData{Samples: []int16{int16(i)}}) {
			t.Fatalf("frame %d dropped with room in the outbox", i)
		}
	}
	if c.SendFrame(audio.PCMData{Samples: []int16{9}}) {
		t.Error("SendFrame succeeded on a full outbox")
	}
	if c.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", c.Dropped())
	}
}

func TestClient_ReconnectsAfterAbnormalClose(t *testing.T) {
	t.Parallel()

	var inits atomic.Int32
	url := newBackend(t, func(ctx context.Context, conn *websocket.Conn, n int) {
		if msg := readOutbound(t, ctx, conn); msg.Type == TypeInit {
			inits.Add(1)
		}
		if n == 1 {
			conn.Close(websocket.StatusInternalError, "boom")
			return
		}
		conn.Close(websocket.StatusNormalClosure, "")
	})

	wantRunResult(t, runClient(t, New(testConfig(url), &fakeSink{})), func(err error) bool { return err == nil })
	if got := inits.Load(); got != 2 {
		t.Errorf("init messages = %d, want 2", got)
	}
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 2
	wantRunResult(t, runClient(t, New(cfg, &fakeSink{})), func(err error) bool { return err != nil })

	if got := attempts.Load(); got != 3 {
		t.Errorf("dial attempts = %d, want 3", got)
	}
}

func TestClient_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	url := newBackend(t, func(ctx context.Context, conn *websocket.Conn, _ int) {
		readOutbound(t, ctx, conn)
		_, _, _ = conn.Read(ctx)
	})

	c := New(testConfig(url), &fakeSink{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitFor(t, "connection", c.Connected)
	cancel()
	wantRunResult(t, done, func(err error) bool { return errors.Is(err, context.Canceled) })
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	c := New(Config{URL: "ws://x", Backoff: time.Minute, MaxBackoff: time.Second}, &fakeSink{})
	if c.UserID() == "" {
		t.Error("UserID not generated")
	}
	if c.cfg.Backoff != time.Second {
		t.Errorf("Backoff = %s, want clamped to %s", c.cfg.Backoff, time.Second)
	}
	if cap(c.outbox) != defaultOutboxSize {
		t.Errorf("outbox size = %d, want %d", cap(c.outbox), defaultOutboxSize)
	}
	if other := New(Config{URL: "ws://x"}, &fakeSink{}); other.UserID() == c.UserID() {
		t.Error("generated user IDs collide")
	}
}
