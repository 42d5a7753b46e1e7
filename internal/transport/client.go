// Package transport connects mouthpiece to the chat backend over a WebSocket.
//
// The [Client] keeps one connection alive, reconnecting with exponential
// backoff after abnormal closures. Inbound TTS audio is handed to a playback
// [Sink]; capture frames and ASR control messages flow the other way through a
// bounded outbox. Every outbound message carries the client's user ID and an
// RFC 3339 timestamp.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/mouthpiece/internal/observe"
	"github.com/MrWong99/mouthpiece/pkg/audio"
)

// ErrNotConnected is returned by control sends while no connection is up.
var ErrNotConnected = errors.New("transport: not connected")

const (
	defaultReadLimit  = 8 << 20
	defaultDrainPoll  = 20 * time.Millisecond
	defaultOutboxSize = 64
	defaultSourceRate = 16000
)

// Sink receives decoded playback traffic from the backend.
type Sink interface {
	Handle(ctx context.Context, msg audio.Message) error
	Reset()
	Buffered() int64
}

// Config holds the connection parameters.
type Config struct {
	URL               string
	UserID            string
	MaxRetries        int
	Backoff           time.Duration
	MaxBackoff        time.Duration
	PingInterval      time.Duration
	DefaultSourceRate int
	OutboxSize        int
	ASREngine         string
}

// CueSink receives the expression events that accompany speech.
type CueSink interface {
	Emotion(name string)
	Subtitle(text string)
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithCueSink forwards emotion and subtitle events to s. Without one they
// are logged at debug level and dropped.
func WithCueSink(s CueSink) Option {
	return func(c *Client) { c.cues = s }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithReadLimit caps the size of a single inbound message in bytes.
func WithReadLimit(n int64) Option {
	return func(c *Client) { c.readLimit = n }
}

// WithDrainPoll sets how often the client checks whether playback has
// drained after tts_complete.
func WithDrainPoll(d time.Duration) Option {
	return func(c *Client) { c.drainPoll = d }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client is a reconnecting backend connection. All methods are safe for
// concurrent use; [Client.Run] must be called at most once at a time.
type Client struct {
	cfg        Config
	sink       Sink
	cues       CueSink
	log        *slog.Logger
	metrics    *observe.Metrics
	httpClient *http.Client
	readLimit  int64
	drainPoll  time.Duration

	outbox    chan outbound
	connected atomic.Bool
	dropped   atomic.Uint64
}

// New creates a Client. A random user ID is generated when cfg.UserID is
// empty.
func New(cfg Config, sink Sink, opts ...Option) *Client {
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = defaultOutboxSize
	}
	if cfg.DefaultSourceRate <= 0 {
		cfg.DefaultSourceRate = defaultSourceRate
	}
	if cfg.MaxBackoff > 0 && cfg.Backoff > cfg.MaxBackoff {
		cfg.Backoff = cfg.MaxBackoff
	}
	c := &Client{
		cfg:       cfg,
		sink:      sink,
		log:       slog.Default(),
		readLimit: defaultReadLimit,
		drainPoll: defaultDrainPoll,
		outbox:    make(chan outbound, cfg.OutboxSize),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// UserID returns the identifier stamped on outbound messages.
func (c *Client) UserID() string { return c.cfg.UserID }

// Connected reports whether a backend connection is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

// Dropped returns the number of capture frames dropped so far.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Run connects and serves until ctx is cancelled, the backend closes the
// connection normally, or MaxRetries consecutive attempts fail. A normal
// closure returns nil; cancellation returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	delay := c.cfg.Backoff

	for {
		conn, err := c.dial(ctx, failures)
		if err == nil {
			failures = 0
			delay = c.cfg.Backoff
			err = c.serve(ctx, conn)
			if err == nil {
				c.log.Info("transport: backend closed the connection")
				return nil
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		failures++
		if failures > c.cfg.MaxRetries {
			return fmt.Errorf("transport: giving up after %d attempts: %w", failures, err)
		}
		c.metrics.TransportReconnects.Add(ctx, 1)
		c.log.Warn("transport: connection lost, reconnecting",
			"err", err,
			"attempt", failures,
			"max_retries", c.cfg.MaxRetries,
			"delay", delay,
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay = min(delay*2, c.cfg.MaxBackoff)
		if c.cfg.MaxBackoff <= 0 {
			delay = c.cfg.Backoff
		}
	}
}

func (c *Client) dial(ctx context.Context, retry int) (*websocket.Conn, error) {
	ctx, op := observe.StartDial(ctx, c.cfg.URL, retry)
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{HTTPClient: c.httpClient})
	c.metrics.TransportDialDuration.Record(ctx, op.End(err).Seconds())
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(c.readLimit)
	return conn, nil
}

// serve runs one connection to completion. It returns nil on a normal
// closure by the backend.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.CloseNow()

	if err := c.write(ctx, conn, outbound{Type: TypeInit}); err != nil {
		return fmt.Errorf("transport: send init: %w", err)
	}
	c.connected.Store(true)
	defer c.connected.Store(false)
	c.log.Info("transport: connected", "url", c.cfg.URL, "user_id", c.cfg.UserID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, g, conn) })
	g.Go(func() error { return c.writeLoop(gctx, conn) })
	if c.cfg.PingInterval > 0 {
		g.Go(func() error { return c.pingLoop(gctx, conn) })
	}

	err := g.Wait()
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	if ctx.Err() != nil {
		conn.Close(websocket.StatusGoingAway, "client shutting down")
	}
	return err
}

func (c *Client) readLoop(ctx context.Context, g *errgroup.Group, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("transport: unparseable message", "err", err, "bytes", len(data))
			continue
		}
		c.metrics.RecordMessage(ctx, "in", msg.Type)

		if err := c.dispatch(ctx, g, msg); err != nil {
			return err
		}
	}
}

// dispatch routes one inbound message. Only context errors are returned.
func (c *Client) dispatch(ctx context.Context, g *errgroup.Group, msg inbound) error {
	switch msg.Type {
	case TypePush, TypeTTSAudioChunk:
		if msg.AudioData == "" && msg.Base64 == "" && msg.Samples == nil {
			return nil
		}
		err := c.sink.Handle(ctx, msg.toMessage(c.cfg.DefaultSourceRate))
		switch {
		case err == nil:
			c.metrics.RecordChunk(ctx, "ok")
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, audio.ErrMalformedChunk):
			c.metrics.RecordChunk(ctx, "malformed")
			c.log.Debug("transport: dropped malformed chunk", "err", err)
		default:
			c.metrics.RecordChunk(ctx, "error")
			c.log.Warn("transport: playback rejected chunk", "err", err)
		}

	case TypeReset, TypeInterrupt:
		c.sink.Reset()

	case TypeTTSComplete:
		g.Go(func() error {
			if !c.awaitDrain(ctx) {
				return nil
			}
			return c.enqueue(ctx, outbound{Type: TypeAudioPlaybackComplete})
		})

	case TypeEmotion:
		if c.cues == nil || msg.Emotion == "" {
			c.log.Debug("transport: ignoring emotion", "emotion", msg.Emotion)
			return nil
		}
		c.cues.Emotion(msg.Emotion)

	case TypeSubtitle:
		if c.cues == nil {
			c.log.Debug("transport: ignoring subtitle")
			return nil
		}
		c.cues.Subtitle(msg.Text)

	case TypeInitSuccess:
		c.log.Info("transport: session initialised", "user_id", c.cfg.UserID)

	case TypeError:
		c.log.Warn("transport: backend error", "message", msg.Message, "details", msg.Details)

	default:
		c.log.Debug("transport: ignoring message", "type", msg.Type)
	}
	return nil
}

// awaitDrain polls the sink until nothing is buffered. It returns false when
// ctx ends first.
func (c *Client) awaitDrain(ctx context.Context) bool {
	if c.sink.Buffered() == 0 {
		return true
	}
	t := time.NewTicker(c.drainPoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			if c.sink.Buffered() == 0 {
				return true
			}
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-c.outbox:
			if err := c.write(ctx, conn, msg); err != nil {
				return err
			}
		}
	}
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, msg outbound) error {
	msg.UserID = c.cfg.UserID
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: marshal %s: %w", msg.Type, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	c.metrics.RecordMessage(ctx, "out", msg.Type)
	return nil
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, c.cfg.PingInterval)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return fmt.Errorf("transport: ping: %w", err)
			}
		}
	}
}

// ── Outbound ───────────────────────────────────────────────────────────────────

// SendFrame queues one capture frame without blocking. It reports false and
// counts a drop when disconnected or when the outbox is full.
func (c *Client) SendFrame(frame audio.PCMData) bool {
	if !c.connected.Load() {
		c.drop()
		return false
	}
	select {
	case c.outbox <- outbound{Type: TypeAudioChunk, AudioData: frame.Samples, Engine: c.cfg.ASREngine}:
		return true
	default:
		c.drop()
		return false
	}
}

func (c *Client) drop() {
	if c.dropped.Add(1) == 1 {
		c.log.Warn("transport: dropping capture frames", "connected", c.connected.Load())
	}
	c.metrics.TransportDroppedFrames.Add(context.Background(), 1)
}

// StartASR tells the backend that a capture stream is starting.
func (c *Client) StartASR(ctx context.Context) error {
	return c.enqueue(ctx, outbound{Type: TypeStartASR, Engine: c.cfg.ASREngine})
}

// StopASR tells the backend that the capture stream has ended.
func (c *Client) StopASR(ctx context.Context) error {
	return c.enqueue(ctx, outbound{Type: TypeStopASR, Engine: c.cfg.ASREngine})
}

// enqueue blocks until msg is queued or ctx ends.
func (c *Client) enqueue(ctx context.Context, msg outbound) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	select {
	case c.outbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
