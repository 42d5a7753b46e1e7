// Package mock provides in-memory mock implementations of the
// [device.Backend], [device.Output] and [device.Input] interfaces for use in
// unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values. Instead of a hardware clock,
// tests drive the registered callbacks explicitly with [Output.Render] and
// [Input.Capture].
//
// Typical usage:
//
//	out := &mock.Output{Rate: 48000}
//	backend := &mock.Backend{OutputResult: out}
//	s := sink.New(backend)
//	_ = s.Ensure(ctx)
//	block := out.Render(512)
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/mouthpiece/pkg/audio/device"
)

// Compile-time interface assertions.
var (
	_ device.Backend = (*Backend)(nil)
	_ device.Output  = (*Output)(nil)
	_ device.Input   = (*Input)(nil)
)

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock implementation of [device.Output].
// Set the exported fields before use; inspect the CallCount* fields after.
type Output struct {
	mu sync.Mutex

	// Rate is returned by [Output.SampleRate].
	Rate int

	// StartError is returned by [Output.Start].
	StartError error

	// CloseError is returned by [Output.Close].
	CloseError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	render device.RenderFunc
}

// SampleRate implements [device.Output].
func (o *Output) SampleRate() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Rate
}

// Start implements [device.Output]. The callback is stored for [Output.Render]
// unless StartError is set.
func (o *Output) Start(render device.RenderFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountStart++
	if o.StartError != nil {
		return o.StartError
	}
	o.render = render
	return nil
}

// Close implements [device.Output]. Returns CloseError.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return o.CloseError
}

// Started reports whether a render callback is registered.
func (o *Output) Started() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.render != nil
}

// Render invokes the registered callback once with a fresh buffer of n
// samples and returns it. Without a callback it returns silence.
func (o *Output) Render(n int) []float32 {
	o.mu.Lock()
	fn := o.render
	o.mu.Unlock()
	out := make([]float32, n)
	if fn != nil {
		fn(out)
	}
	return out
}

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a mock implementation of [device.Input].
type Input struct {
	mu sync.Mutex

	// Rate is returned by [Input.SampleRate].
	Rate int

	// StartError is returned by [Input.Start].
	StartError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	capture device.CaptureFunc
}

// SampleRate implements [device.Input].
func (in *Input) SampleRate() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.Rate
}

// Start implements [device.Input].
func (in *Input) Start(capture device.CaptureFunc) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.CallCountStart++
	if in.StartError != nil {
		return in.StartError
	}
	in.capture = capture
	return nil
}

// Close implements [device.Input].
func (in *Input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.CallCountClose++
	return nil
}

// Started reports whether a capture callback is registered.
func (in *Input) Started() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.capture != nil
}

// Capture delivers samples to the registered callback, simulating one
// hardware block. It is a no-op before Start.
func (in *Input) Capture(samples []float32) {
	in.mu.Lock()
	fn := in.capture
	in.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

// ─── Backend ──────────────────────────────────────────────────────────────────

// OpenOutputCall records the arguments of a single [Backend.OpenOutput] invocation.
type OpenOutputCall struct {
	// Config is the configuration passed to OpenOutput.
	Config device.OutputConfig
}

// OpenInputCall records the arguments of a single [Backend.OpenInput] invocation.
type OpenInputCall struct {
	// Config is the configuration passed to OpenInput.
	Config device.InputConfig
}

// Backend is a mock implementation of [device.Backend].
type Backend struct {
	mu sync.Mutex

	// OutputResult is returned by OpenOutput. When nil, a fresh [Output] at the
	// requested rate is created for every call.
	OutputResult *Output

	// OutputError is returned by OpenOutput when non-nil.
	OutputError error

	// InputResult is returned by OpenInput. When nil, a fresh [Input] is
	// created for every call.
	InputResult *Input

	// InputError is returned by OpenInput when non-nil.
	InputError error

	// OpenOutputCalls records all OpenOutput invocations.
	OpenOutputCalls []OpenOutputCall

	// OpenInputCalls records all OpenInput invocations.
	OpenInputCalls []OpenInputCall

	lastOutput *Output
}

// OpenOutput implements [device.OutputBackend].
func (b *Backend) OpenOutput(ctx context.Context, cfg device.OutputConfig) (device.Output, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenOutputCalls = append(b.OpenOutputCalls, OpenOutputCall{Config: cfg})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.OutputError != nil {
		return nil, b.OutputError
	}
	out := b.OutputResult
	if out == nil {
		out = &Output{Rate: cfg.SampleRate}
	}
	b.lastOutput = out
	return out, nil
}

// OpenInput implements [device.InputBackend].
func (b *Backend) OpenInput(ctx context.Context, cfg device.InputConfig) (device.Input, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenInputCalls = append(b.OpenInputCalls, OpenInputCall{Config: cfg})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.InputError != nil {
		return nil, b.InputError
	}
	if b.InputResult != nil {
		return b.InputResult, nil
	}
	return &Input{Rate: cfg.SampleRate}, nil
}

// LastOutput returns the output handed out by the most recent successful
// OpenOutput call, or nil.
func (b *Backend) LastOutput() *Output {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastOutput
}

// OutputOpens returns the number of OpenOutput calls so far.
func (b *Backend) OutputOpens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.OpenOutputCalls)
}

// ErrInjected is a convenience error for tests that only need a failure.
var ErrInjected = errors.New("mock: injected failure")
