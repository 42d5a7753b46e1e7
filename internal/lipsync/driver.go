// Package lipsync drives the avatar mouth animation. A [Driver] ticks the
// playback envelope at the animation frame rate and fans the resulting levels
// out to subscribers, including browser renderers connected over WebSocket.
// The same feed relays the backend's emotion and subtitle cues.
package lipsync

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/mouthpiece/internal/observe"
)

// DefaultFrameRate is the animation tick rate in Hz.
const DefaultFrameRate = 60

// writeTimeout bounds a single write to a browser client.
const writeTimeout = time.Second

// cueBuffer is how many cues a subscriber may fall behind before new ones
// are dropped for it.
const cueBuffer = 16

// Cue types on the feed.
const (
	CueEmotion  = "emotion"
	CueSubtitle = "subtitle"
)

// Emotions the avatar can show. Anything else is shown as [EmotionNeutral].
const (
	EmotionNeutral   = "neutral"
	EmotionHappy     = "happy"
	EmotionSad       = "sad"
	EmotionAngry     = "angry"
	EmotionSurprised = "surprised"
	EmotionLove      = "love"
	EmotionShy       = "shy"
	EmotionExcited   = "excited"
)

var emotions = map[string]bool{
	EmotionNeutral: true, EmotionHappy: true, EmotionSad: true, EmotionAngry: true,
	EmotionSurprised: true, EmotionLove: true, EmotionShy: true, EmotionExcited: true,
}

// NormalizeEmotion lower-cases name and maps unknown emotions to neutral.
func NormalizeEmotion(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if emotions[name] {
		return name
	}
	return EmotionNeutral
}

// LevelSource advances the envelope and reports whether audio is queued.
type LevelSource interface {
	Tick(dt time.Duration) float64
	Buffered() int64
}

// Update is one animation frame.
type Update struct {
	Value    float64 `json:"value"`
	Speaking bool    `json:"speaking"`
}

// levelMessage is the wire form sent to browser clients.
type levelMessage struct {
	Type string `json:"type"`
	Update
}

// Cue is an expression event. Emotion is set for [CueEmotion], Text for
// [CueSubtitle]; an empty subtitle clears the caption.
type Cue struct {
	Type    string `json:"type"`
	Emotion string `json:"emotion,omitempty"`
	Text    string `json:"text,omitempty"`
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Driver.
type Option func(*Driver)

// WithFrameRate sets the tick rate in Hz. Non-positive values are ignored.
func WithFrameRate(fps int) Option {
	return func(d *Driver) {
		if fps > 0 {
			d.fps = fps
		}
	}
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.log = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithOriginPatterns allows cross-origin browser clients whose host matches
// one of the patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(d *Driver) { d.origins = patterns }
}

// ── Driver ─────────────────────────────────────────────────────────────────────

// Driver ticks a [LevelSource] and publishes the level. Subscribers get the
// latest value only; a slow subscriber never delays the tick.
type Driver struct {
	src     LevelSource
	fps     int
	log     *slog.Logger
	metrics *observe.Metrics
	origins []string

	latest atomic.Pointer[Update]

	mu      sync.Mutex
	subs    map[int]chan Update
	cueSubs map[int]chan Cue
	emotion string
	nextID  int
}

// NewDriver creates a Driver for src.
func NewDriver(src LevelSource, opts ...Option) *Driver {
	d := &Driver{
		src:  src,
		fps:  DefaultFrameRate,
		log:  slog.Default(),
		subs:    make(map[int]chan Update),
		cueSubs: make(map[int]chan Cue),
		emotion: EmotionNeutral,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	d.latest.Store(&Update{})
	return d
}

// FrameRate returns the tick rate in Hz.
func (d *Driver) FrameRate() int { return d.fps }

// Run ticks until ctx is cancelled. The envelope sees the measured time
// between ticks, not the nominal period.
func (d *Driver) Run(ctx context.Context) error {
	t := time.NewTicker(time.Second / time.Duration(d.fps))
	defer t.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			d.Step(now.Sub(last))
			last = now
		}
	}
}

// Step advances the envelope by dt and publishes the result.
func (d *Driver) Step(dt time.Duration) Update {
	u := Update{
		Value:    d.src.Tick(dt),
		Speaking: d.src.Buffered() > 0,
	}
	d.latest.Store(&u)
	d.publish(u)
	return u
}

// Latest returns the most recently published update.
func (d *Driver) Latest() Update { return *d.latest.Load() }

func (d *Driver) publish(u Update) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- u:
			continue
		default:
		}
		// Replace the stale value.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// unsubscribes and closes the channel; it is safe to call more than once.
func (d *Driver) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 1)

	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = ch
	d.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
			close(ch)
		})
	}
}

// Emotion switches the avatar expression. It satisfies the transport's cue
// sink together with [Driver.Subtitle].
func (d *Driver) Emotion(name string) {
	d.publishCue(Cue{Type: CueEmotion, Emotion: NormalizeEmotion(name)})
}

// Subtitle publishes the caption for the speech being played.
func (d *Driver) Subtitle(text string) {
	d.publishCue(Cue{Type: CueSubtitle, Text: text})
}

// CurrentEmotion returns the last emotion published.
func (d *Driver) CurrentEmotion() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.emotion
}

// publishCue delivers c to every cue subscriber. Unlike levels, cues are
// queued; a subscriber whose queue is full misses the cue.
func (d *Driver) publishCue(c Cue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.Type == CueEmotion {
		d.emotion = c.Emotion
	}
	for id, ch := range d.cueSubs {
		select {
		case ch <- c:
		default:
			d.log.Debug("lipsync: cue dropped for slow subscriber", "subscriber", id, "type", c.Type)
		}
	}
}

// SubscribeCues registers a cue subscriber. The returned cancel function
// unsubscribes and closes the channel; it is safe to call more than once.
func (d *Driver) SubscribeCues() (<-chan Cue, func()) {
	ch := make(chan Cue, cueBuffer)

	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.cueSubs[id] = ch
	d.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.cueSubs, id)
			d.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of active subscribers.
func (d *Driver) Subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Handler serves the level feed over WebSocket. Each client receives
// {"type":"level","value":...,"speaking":...} messages whenever the level
// changes, the current emotion on connect, and every emotion and subtitle
// cue as {"type":"emotion","emotion":...} or {"type":"subtitle","text":...}.
// Messages from the client are ignored.
func (d *Driver) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: d.origins})
		if err != nil {
			d.log.Warn("lipsync: websocket accept failed", "err", err, "remote", r.RemoteAddr)
			return
		}
		defer conn.CloseNow()

		ctx := conn.CloseRead(r.Context())
		updates, cancel := d.Subscribe()
		defer cancel()
		cues, cancelCues := d.SubscribeCues()
		defer cancelCues()

		d.metrics.LevelSubscribers.Add(ctx, 1)
		defer d.metrics.LevelSubscribers.Add(context.WithoutCancel(ctx), -1)
		d.log.Debug("lipsync: level client connected", "remote", r.RemoteAddr)

		prev := d.Latest()
		if err := d.send(ctx, conn, levelMessage{Type: "level", Update: prev}); err != nil {
			return
		}
		if err := d.send(ctx, conn, Cue{Type: CueEmotion, Emotion: d.CurrentEmotion()}); err != nil {
			return
		}
		for {
			var err error
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case u := <-updates:
				if u == prev {
					continue
				}
				err = d.send(ctx, conn, levelMessage{Type: "level", Update: u})
				prev = u
			case c := <-cues:
				err = d.send(ctx, conn, c)
			}
			if err != nil {
				d.log.Debug("lipsync: level client gone", "err", err, "remote", r.RemoteAddr)
				return
			}
		}
	})
}

func (d *Driver) send(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
