package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/mouthpiece/internal/config"
	"github.com/MrWong99/mouthpiece/internal/observe"
	"github.com/MrWong99/mouthpiece/pkg/audio"
	"github.com/MrWong99/mouthpiece/pkg/audio/device"
)

// connPoll is how often the capture loop checks the backend connection to
// announce the ASR stream.
const connPoll = 200 * time.Millisecond

// frameSender is the part of the transport the capture path uses.
type frameSender interface {
	SendFrame(audio.PCMData) bool
	Connected() bool
	StartASR(ctx context.Context) error
	StopASR(ctx context.Context) error
}

// capture streams microphone audio to the backend as fixed-size PCM frames.
type capture struct {
	backend device.InputBackend
	cfg     config.CaptureConfig
	out     frameSender
	metrics *observe.Metrics
	log     *slog.Logger
}

// run opens the input device and streams until ctx ends. Device failures are
// logged and leave playback running.
func (c *capture) run(ctx context.Context) error {
	in, err := c.backend.OpenInput(ctx, device.InputConfig{
		SampleRate: c.cfg.SampleRate,
		BlockSize:  c.cfg.FrameSize,
	})
	if err != nil {
		c.log.Error("capture disabled: cannot open input device", "err", err)
		return nil
	}
	defer in.Close()

	enc := audio.NewFrameEncoder(c.cfg.FrameSize, func(f audio.PCMData) {
		c.metrics.CaptureFrames.Add(context.Background(), 1)
		c.out.SendFrame(f)
	})

	devRate, want := in.SampleRate(), c.cfg.SampleRate
	rs := audio.NewStreamResampler(devRate, want)
	if err := in.Start(func(samples []float32) {
		enc.Write(rs.Process(samples))
	}); err != nil {
		c.log.Error("capture disabled: cannot start input device", "err", err)
		return nil
	}
	c.log.Info("capture started", "device_rate", devRate, "frame_rate", want, "frame_size", enc.FrameSize())

	t := time.NewTicker(connPoll)
	defer t.Stop()

	announced := false
	for {
		select {
		case <-ctx.Done():
			if announced && c.out.Connected() {
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
				if err := c.out.StopASR(stopCtx); err != nil {
					c.log.Debug("stop_asr not delivered", "err", err)
				}
				cancel()
			}
			return nil
		case <-t.C:
			connected := c.out.Connected()
			switch {
			case connected && !announced:
				if err := c.out.StartASR(ctx); err != nil {
					c.log.Warn("start_asr failed", "err", err)
					continue
				}
				announced = true
			case !connected:
				announced = false
			}
		}
	}
}
