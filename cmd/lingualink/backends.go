package main

import (
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/lingualink/internal/config"
	"github.com/MrWong99/lingualink/internal/service"
	"github.com/MrWong99/lingualink/pkg/audio"
	"github.com/MrWong99/lingualink/pkg/audio/pulse"
)

// newRegistry returns a registry holding every backend compiled into this
// binary. Native backends need cgo; see backends_cgo.go.
func newRegistry() *config.Registry {
	reg := config.NewRegistry()
	registerPulse(reg)
	registerNative(reg)
	return reg
}

// registerPulse registers the PulseAudio platform. One client serves both
// the capture backend and the system audio platform.
func registerPulse(reg *config.Registry) {
	var (
		once sync.Once
		p    *pulse.Platform
		err  error
	)
	get := func(cfg *config.Config, log *slog.Logger) (*pulse.Platform, error) {
		once.Do(func() {
			p, err = pulse.New(
				pulse.WithVirtualSink(cfg.SystemAudio.InputLabel),
				pulse.WithLogger(log),
			)
		})
		return p, err
	}
	reg.RegisterCapture("pulse", func(cfg *config.Config, log *slog.Logger) (audio.CaptureBackend, error) {
		p, err := get(cfg, log)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	reg.RegisterPlatform("pulse", func(cfg *config.Config, log *slog.Logger) (audio.SystemAudioPlatform, error) {
		p, err := get(cfg, log)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// backendSet is the instantiated backends plus everything that must be
// closed on exit.
type backendSet struct {
	service.Backends
	closers []io.Closer
}

// Close releases every backend once, in reverse creation order.
func (b *backendSet) Close() error {
	var errs []error
	for _, c := range slices.Backward(b.closers) {
		errs = append(errs, c.Close())
	}
	b.closers = nil
	return errors.Join(errs...)
}

func (b *backendSet) track(v any) {
	c, ok := v.(io.Closer)
	if !ok || slices.Contains(b.closers, c) {
		return
	}
	b.closers = append(b.closers, c)
}

// buildBackends instantiates the backends named in cfg.Audio. Capture is
// required; playback and the system audio platform degrade to nil with a
// warning.
func buildBackends(cfg *config.Config, reg *config.Registry, log *slog.Logger) (*backendSet, error) {
	b := &backendSet{}

	capture, err := reg.CreateCaptureChain(cfg, log)
	if err != nil {
		return nil, err
	}
	b.Capture = capture
	for _, c := range capture {
		b.track(c)
	}

	if name := cfg.Audio.PlaybackBackend; name != "" {
		sinks, err := reg.CreatePlayback(name, cfg, log)
		if err != nil {
			log.Warn("playback backend unavailable", "backend", name, "err", err)
		} else {
			b.Sinks = sinks
			b.track(sinks)
		}
	}

	if name := cfg.Audio.Platform; name != "" && cfg.SystemAudio.Enabled {
		p, err := reg.CreatePlatform(name, cfg, log)
		if err != nil {
			log.Warn("system audio platform unavailable", "platform", name, "err", err)
		} else {
			b.Platform = p
			b.track(p)
		}
	}

	b.Devices = pickEnumerator(b)
	if b.Devices == nil {
		log.Warn("no backend can enumerate devices, device selection limited to defaults")
	}
	return b, nil
}

// pickEnumerator prefers the platform, then capture backends in order, then
// the sink opener.
func pickEnumerator(b *backendSet) audio.DeviceEnumerator {
	candidates := []any{b.Platform}
	for _, c := range b.Capture {
		candidates = append(candidates, c)
	}
	candidates = append(candidates, b.Sinks)
	for _, c := range candidates {
		if e, ok := c.(audio.DeviceEnumerator); ok {
			return e
		}
	}
	return nil
}
