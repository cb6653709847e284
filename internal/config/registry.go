package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/lingualink/pkg/audio"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// CaptureFactory constructs a capture backend.
type CaptureFactory func(cfg *Config, log *slog.Logger) (audio.CaptureBackend, error)

// PlaybackFactory constructs a sink opener.
type PlaybackFactory func(cfg *Config, log *slog.Logger) (audio.SinkOpener, error)

// PlatformFactory constructs a system audio platform.
type PlatformFactory func(cfg *Config, log *slog.Logger) (audio.SystemAudioPlatform, error)

// Registry maps backend names to their constructor functions for each
// backend kind. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	capture  map[string]CaptureFactory
	playback map[string]PlaybackFactory
	platform map[string]PlatformFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		capture:  make(map[string]CaptureFactory),
		playback: make(map[string]PlaybackFactory),
		platform: make(map[string]PlatformFactory),
	}
}

// RegisterCapture registers a capture backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCapture(name string, factory CaptureFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayback registers a sink opener factory under name.
func (r *Registry) RegisterPlayback(name string, factory PlaybackFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// RegisterPlatform registers a system audio platform factory under name.
func (r *Registry) RegisterPlatform(name string, factory PlatformFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platform[name] = factory
}

// CreateCapture instantiates the capture backend registered under name.
// Returns [ErrBackendNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateCapture(name string, cfg *Config, log *slog.Logger) (audio.CaptureBackend, error) {
	r.mu.RLock()
	factory, ok := r.capture[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrBackendNotRegistered, name)
	}
	return factory(cfg, log)
}

// CreateCaptureChain instantiates every backend named in
// cfg.Audio.CaptureBackends, in order. Backends that fail to construct are
// logged and skipped; an error is returned only when none succeed.
func (r *Registry) CreateCaptureChain(cfg *Config, log *slog.Logger) ([]audio.CaptureBackend, error) {
	var (
		out  []audio.CaptureBackend
		errs []error
	)
	for _, name := range cfg.Audio.CaptureBackends {
		b, err := r.CreateCapture(name, cfg, log)
		if err != nil {
			log.Warn("capture backend unavailable", "backend", name, "err", err)
			errs = append(errs, err)
			continue
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("config: no capture backend available: %w", errors.Join(errs...))
	}
	return out, nil
}

// CreatePlayback instantiates the sink opener registered under name.
func (r *Registry) CreatePlayback(name string, cfg *Config, log *slog.Logger) (audio.SinkOpener, error) {
	r.mu.RLock()
	factory, ok := r.playback[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrBackendNotRegistered, name)
	}
	return factory(cfg, log)
}

// CreatePlatform instantiates the system audio platform registered under name.
func (r *Registry) CreatePlatform(name string, cfg *Config, log *slog.Logger) (audio.SystemAudioPlatform, error) {
	r.mu.RLock()
	factory, ok := r.platform[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: platform/%q", ErrBackendNotRegistered, name)
	}
	return factory(cfg, log)
}

// Names returns the registered backend names per kind, sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"capture":  sortedKeys(r.capture),
		"playback": sortedKeys(r.playback),
		"platform": sortedKeys(r.platform),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
