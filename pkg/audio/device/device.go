// Package device defines the audio device abstraction used by the playback
// sink and the capture path.
//
// A backend opens [Output] and [Input] devices. Devices deliver audio through
// callbacks that run on the backend's real-time thread: a [RenderFunc] must
// fill its buffer completely and return quickly, a [CaptureFunc] must consume
// its buffer before returning. Neither may block, allocate heavily, or do I/O.
//
// All samples are mono float32 in [-1, 1]. Backends handle channel fan-out
// and format conversion towards the hardware.
//
// Concrete backends live in sub-packages (device/malgo, device/virtual).
package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// RenderFunc fills out with the next len(out) output samples.
type RenderFunc func(out []float32)

// CaptureFunc receives the next block of captured samples. The slice is only
// valid for the duration of the call.
type CaptureFunc func(in []float32)

// OutputConfig requests playback parameters. Zero values select the backend
// defaults.
type OutputConfig struct {
	// SampleRate in Hz. The device may run at a different native rate; query
	// [Output.SampleRate] after opening.
	SampleRate int

	// BlockSize is the preferred number of samples per render callback.
	BlockSize int
}

// InputConfig requests capture parameters. Zero values select the backend
// defaults.
type InputConfig struct {
	// SampleRate in Hz.
	SampleRate int

	// BlockSize is the preferred number of samples per capture callback.
	BlockSize int
}

// Output is an open playback device.
type Output interface {
	// SampleRate returns the native rate the render callback is driven at.
	SampleRate() int

	// Start begins calling render periodically. It must be called at most once.
	Start(render RenderFunc) error

	// Close stops playback and releases the device. It is safe to call more
	// than once.
	Close() error
}

// Input is an open capture device.
type Input interface {
	// SampleRate returns the rate captured samples arrive at.
	SampleRate() int

	// Start begins delivering captured blocks to capture. It must be called at
	// most once.
	Start(capture CaptureFunc) error

	// Close stops capture and releases the device. It is safe to call more
	// than once.
	Close() error
}

// OutputBackend opens playback devices.
type OutputBackend interface {
	OpenOutput(ctx context.Context, cfg OutputConfig) (Output, error)
}

// InputBackend opens capture devices.
type InputBackend interface {
	OpenInput(ctx context.Context, cfg InputConfig) (Input, error)
}

// Backend opens both kinds of device.
type Backend interface {
	OutputBackend
	InputBackend
}

// ErrBackendNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested name.
var ErrBackendNotRegistered = errors.New("device: backend not registered")

// Registry maps backend names (as used in configuration) to constructors.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() (Backend, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() (Backend, error))}
}

// Register adds a backend factory under name. Subsequent calls with the same
// name overwrite the previous registration.
func (r *Registry) Register(name string, factory func() (Backend, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates the backend registered under name.
func (r *Registry) Create(name string) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, name)
	}
	b, err := f()
	if err != nil {
		return nil, fmt.Errorf("device: create backend %q: %w", name, err)
	}
	return b, nil
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
