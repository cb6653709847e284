//go:build nocgo

package main

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/lingualink/internal/config"
	"github.com/MrWong99/lingualink/pkg/audio"
)

// registerNative registers placeholders for the cgo backends so that a
// config naming them fails with a clear error instead of "not registered".
func registerNative(reg *config.Registry) {
	for _, name := range []string{"malgo", "portaudio"} {
		reg.RegisterCapture(name, func(*config.Config, *slog.Logger) (audio.CaptureBackend, error) {
			return nil, errNeedsCgo(name)
		})
	}
	for _, name := range []string{"malgo", "oto"} {
		reg.RegisterPlayback(name, func(*config.Config, *slog.Logger) (audio.SinkOpener, error) {
			return nil, errNeedsCgo(name)
		})
	}
}

func errNeedsCgo(name string) error {
	return fmt.Errorf("backend %q needs a cgo build: %w", name, audio.ErrBackendUnsupported)
}
