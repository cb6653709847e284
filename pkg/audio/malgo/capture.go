//go:build !nocgo

package malgo

import (
	"context"
	"fmt"
	"sync"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/lingualink/pkg/audio"
)

// captureStream is an open capture device.
type captureStream struct {
	device *ma.Device
	info   *ma.DeviceInfo // keeps the device ID memory alive
	once   sync.Once
}

// Open implements [audio.CaptureBackend]. onData runs on the miniaudio
// callback thread with a scratch slice reused across calls.
func (b *Backend) Open(ctx context.Context, deviceID string, c audio.Constraints, onData func([]int16)) (audio.CaptureStream, error) {
	if c.Channels != 1 {
		return nil, fmt.Errorf("malgo: %d channels: %w", c.Channels, audio.ErrBackendUnsupported)
	}
	if c.EchoCancellation == audio.EchoCancellationOn {
		b.log.Debug("malgo: echo cancellation requested but not provided by miniaudio", "device_id", deviceID)
	}

	info, err := b.lookup(ma.Capture, deviceID)
	if err != nil {
		return nil, err
	}
	actx, err := b.context()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := ma.DefaultDeviceConfig(ma.Capture)
	cfg.Capture.Format = ma.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(c.SampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(c.Latency.Milliseconds())
	if info != nil {
		cfg.Capture.DeviceID = info.ID.Pointer()
	}

	scratch := make([]int16, audio.DurationSamples(c.Latency, c.SampleRate)*4)
	callbacks := ma.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			n := len(in) / 2
			if n > len(scratch) {
				scratch = make([]int16, n)
			}
			audio.ReadInt16LE(scratch[:n], in)
			onData(scratch[:n])
		},
	}

	dev, err := ma.InitDevice(actx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("malgo: init capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("malgo: start capture device: %w", err)
	}
	b.log.Debug("malgo: capture started", "device_id", deviceID, "sample_rate", c.SampleRate)
	return &captureStream{device: dev, info: info}, nil
}

// Close implements [audio.CaptureStream].
func (s *captureStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.device.Stop()
		s.device.Uninit()
	})
	return err
}
