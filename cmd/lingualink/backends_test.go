package main

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/MrWong99/lingualink/internal/config"
	"github.com/MrWong99/lingualink/pkg/audio"
	"github.com/MrWong99/lingualink/pkg/audio/mock"
)

// enumeratingBackend is a capture backend that can also list devices.
type enumeratingBackend struct {
	*mock.CaptureBackend
	*mock.DeviceEnumerator
	closed int
}

func (e *enumeratingBackend) Close() error {
	e.closed++
	return nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestBuildBackends(t *testing.T) {
	t.Parallel()

	shared := &enumeratingBackend{CaptureBackend: &mock.CaptureBackend{}, DeviceEnumerator: &mock.DeviceEnumerator{}}
	reg := config.NewRegistry()
	reg.RegisterCapture("broken", func(*config.Config, *slog.Logger) (audio.CaptureBackend, error) {
		return nil, errors.New("no device")
	})
	reg.RegisterCapture("native", func(*config.Config, *slog.Logger) (audio.CaptureBackend, error) {
		return shared, nil
	})
	reg.RegisterPlayback("native", func(*config.Config, *slog.Logger) (audio.SinkOpener, error) {
		return &mock.SinkOpener{}, nil
	})

	cfg := config.Default()
	cfg.Audio.CaptureBackends = []string{"broken", "native"}
	cfg.Audio.PlaybackBackend = "native"
	cfg.Audio.Platform = "missing"
	cfg.SystemAudio.Enabled = true

	b, err := buildBackends(cfg, reg, discard())
	if err != nil {
		t.Fatalf("buildBackends: %v", err)
	}
	if len(b.Capture) != 1 {
		t.Errorf("capture chain = %d backends, want 1", len(b.Capture))
	}
	if b.Sinks == nil {
		t.Error("Sinks = nil, want the registered opener")
	}
	if b.Platform != nil {
		t.Error("Platform set for an unregistered platform")
	}
	if b.Devices != audio.DeviceEnumerator(shared) {
		t.Errorf("Devices = %T, want the enumerating capture backend", b.Devices)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if shared.closed != 1 {
		t.Errorf("backend closed %d times, want 1", shared.closed)
	}
}

func TestBuildBackends_NoCapture(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Audio.CaptureBackends = []string{"nope"}
	if _, err := buildBackends(cfg, config.NewRegistry(), discard()); err == nil {
		t.Fatal("buildBackends succeeded without any capture backend")
	}
}

func TestPickEnumerator_PrefersPlatform(t *testing.T) {
	t.Parallel()

	platform := &struct {
		*mock.SystemAudioPlatform
		*mock.DeviceEnumerator
	}{&mock.SystemAudioPlatform{}, &mock.DeviceEnumerator{}}
	capture := &enumeratingBackend{CaptureBackend: &mock.CaptureBackend{}, DeviceEnumerator: &mock.DeviceEnumerator{}}

	b := &backendSet{}
	b.Platform = platform
	b.Capture = []audio.CaptureBackend{capture}
	if got := pickEnumerator(b); got != audio.DeviceEnumerator(platform) {
		t.Errorf("pickEnumerator = %T, want the platform", got)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := slogLevel(tt.in); got != tt.want {
			t.Errorf("slogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	for _, name := range []string{"run", "devices", "sources", "backends"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not found: %v", name, err)
		}
	}
}
