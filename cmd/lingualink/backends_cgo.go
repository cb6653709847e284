//go:build !nocgo

package main

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/lingualink/internal/config"
	"github.com/MrWong99/lingualink/pkg/audio"
	"github.com/MrWong99/lingualink/pkg/audio/malgo"
	"github.com/MrWong99/lingualink/pkg/audio/oto"
	"github.com/MrWong99/lingualink/pkg/audio/portaudio"
)

// registerNative registers the cgo backends. The miniaudio context is shared
// between capture and playback.
func registerNative(reg *config.Registry) {
	var (
		once sync.Once
		b    *malgo.Backend
		err  error
	)
	shared := func(log *slog.Logger) (*malgo.Backend, error) {
		once.Do(func() { b, err = malgo.New(log) })
		return b, err
	}

	reg.RegisterCapture("malgo", func(_ *config.Config, log *slog.Logger) (audio.CaptureBackend, error) {
		b, err := shared(log)
		if err != nil {
			return nil, err
		}
		return b, nil
	})
	reg.RegisterPlayback("malgo", func(_ *config.Config, log *slog.Logger) (audio.SinkOpener, error) {
		b, err := shared(log)
		if err != nil {
			return nil, err
		}
		return b, nil
	})

	reg.RegisterCapture("portaudio", func(_ *config.Config, log *slog.Logger) (audio.CaptureBackend, error) {
		b, err := portaudio.New(log)
		if err != nil {
			return nil, err
		}
		return b, nil
	})

	reg.RegisterPlayback("oto", func(_ *config.Config, log *slog.Logger) (audio.SinkOpener, error) {
		return &oto.Opener{Log: log}, nil
	})
}
