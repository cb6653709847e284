//go:build !nocgo

package malgo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/lingualink/pkg/audio"
)

// Sink is a playback device. Every [Sink.Play] adds a voice that the device
// callback mixes with the others.
type Sink struct {
	device *ma.Device
	info   *ma.DeviceInfo

	mu     sync.Mutex // serializes voice list writers
	voices atomic.Pointer[[]*voice]
	closed bool

	acc []int32 // callback-owned mix buffer
	out []int16 // callback-owned clamp buffer
}

// OpenSink implements [audio.SinkOpener].
func (b *Backend) OpenSink(_ context.Context, deviceID string, sampleRate int) (audio.Sink, error) {
	info, err := b.lookup(ma.Playback, deviceID)
	if err != nil {
		return nil, err
	}
	actx, err := b.context()
	if err != nil {
		return nil, err
	}

	s := &Sink{info: info}
	empty := []*voice{}
	s.voices.Store(&empty)

	cfg := ma.DefaultDeviceConfig(ma.Playback)
	cfg.Playback.Format = ma.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	if info != nil {
		cfg.Playback.DeviceID = info.ID.Pointer()
	}

	dev, err := ma.InitDevice(actx.Context, cfg, ma.DeviceCallbacks{Data: s.render})
	if err != nil {
		return nil, audio.ClassifyDeviceError(deviceID, fmt.Errorf("malgo: init playback device: %w", err))
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, audio.ClassifyDeviceError(deviceID, fmt.Errorf("malgo: start playback device: %w", err))
	}
	s.device = dev
	return s, nil
}

// Play implements [audio.Sink].
func (s *Sink) Play(samples []int16, volume float64) (audio.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("malgo: sink closed")
	}
	v := newVoice(samples, volume)
	cur := *s.voices.Load()
	next := make([]*voice, 0, len(cur)+1)
	for _, old := range cur {
		if old.Playing() {
			next = append(next, old)
		}
	}
	next = append(next, v)
	s.voices.Store(&next)
	return v, nil
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, v := range *s.voices.Load() {
		_ = v.Stop()
	}
	s.mu.Unlock()

	err := s.device.Stop()
	s.device.Uninit()
	return err
}

// render is the device data callback.
func (s *Sink) render(out, _ []byte, _ uint32) {
	n := len(out) / 2
	if cap(s.acc) < n {
		s.acc = make([]int32, n)
		s.out = make([]int16, n)
	}
	acc, pcm := s.acc[:n], s.out[:n]
	clear(acc)
	mixVoices(acc, *s.voices.Load())
	audio.ClampMix(pcm, acc)
	audio.PutInt16LE(out, pcm)
}
