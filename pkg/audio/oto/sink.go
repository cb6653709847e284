//go:build !nocgo

// Package oto implements a playback sink on the default output device.
//
// oto allows one context per process, fixed to the sample rate it was first
// created with, and cannot route to a specific device. Requests for other
// devices or rates fail with [audio.ErrBackendUnsupported] so callers can
// fall back to a routable backend.
package oto

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/lingualink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.SinkOpener = (*Opener)(nil)
	_ audio.Sink       = (*Sink)(nil)
	_ audio.Voice      = (*voice)(nil)
)

const readyTimeout = 5 * time.Second

var shared struct {
	once sync.Once
	ctx  *oto.Context
	rate int
	err  error
}

func sharedContext(sampleRate int) (*oto.Context, error) {
	shared.once.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   50 * time.Millisecond,
		})
		if err != nil {
			shared.err = fmt.Errorf("oto: create context: %w", err)
			return
		}
		select {
		case <-ready:
		case <-time.After(readyTimeout):
			shared.err = errors.New("oto: context not ready")
			return
		}
		shared.ctx, shared.rate = ctx, sampleRate
	})
	if shared.err != nil {
		return nil, shared.err
	}
	if shared.rate != sampleRate {
		return nil, fmt.Errorf("oto: context runs at %d Hz, %d Hz requested: %w",
			shared.rate, sampleRate, audio.ErrBackendUnsupported)
	}
	return shared.ctx, nil
}

// Opener opens sinks on the default output device.
type Opener struct {
	Log *slog.Logger
}

// OpenSink implements [audio.SinkOpener].
func (o *Opener) OpenSink(_ context.Context, deviceID string, sampleRate int) (audio.Sink, error) {
	if deviceID != "" && deviceID != "default" {
		return nil, fmt.Errorf("oto: device %q: %w", deviceID, audio.ErrBackendUnsupported)
	}
	ctx, err := sharedContext(sampleRate)
	if err != nil {
		return nil, err
	}
	return &Sink{ctx: ctx}, nil
}

// Sink plays each buffer through its own oto player; oto mixes players.
type Sink struct {
	ctx *oto.Context

	mu     sync.Mutex
	voices []*voice
	closed bool
}

// Play implements [audio.Sink].
func (s *Sink) Play(samples []int16, volume float64) (audio.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("oto: sink closed")
	}
	p := s.ctx.NewPlayer(bytes.NewReader(audio.Int16ToBytes(samples)))
	p.SetVolume(audio.Clamp(volume, 0, 1))
	p.Play()
	v := &voice{p: p}

	live := s.voices[:0]
	for _, old := range s.voices {
		if old.Playing() {
			live = append(live, old)
		} else {
			_ = old.Stop()
		}
	}
	s.voices = append(live, v)
	return v, nil
}

// Close implements [audio.Sink]. The shared context stays open.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, v := range s.voices {
		errs = append(errs, v.Stop())
	}
	s.voices = nil
	return errors.Join(errs...)
}

type voice struct {
	mu      sync.Mutex
	p       *oto.Player
	stopped bool
}

func (v *voice) Playing() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.stopped && v.p.IsPlaying()
}

func (v *voice) SetVolume(vol float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.stopped {
		v.p.SetVolume(audio.Clamp(vol, 0, 1))
	}
}

func (v *voice) Stop() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped {
		return nil
	}
	v.stopped = true
	v.p.Pause()
	return v.p.Close()
}
