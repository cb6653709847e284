//go:build !nocgo

// Package portaudio implements the polling capture fallback: a blocking
// PortAudio stream read in fixed-size blocks on its own goroutine.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/lingualink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureBackend   = (*Backend)(nil)
	_ audio.DeviceEnumerator = (*Backend)(nil)
)

// Backend is a PortAudio capture backend. Device IDs are PortAudio device
// names.
type Backend struct {
	log *slog.Logger

	mu     sync.Mutex
	closed bool
}

// New initializes PortAudio.
func New(log *slog.Logger) (*Backend, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Backend{log: log}, nil
}

// Name implements [audio.CaptureBackend].
func (b *Backend) Name() string { return "portaudio" }

// Inputs implements [audio.DeviceEnumerator].
func (b *Backend) Inputs(context.Context) ([]audio.DeviceDescriptor, error) {
	return b.list(audio.DeviceInput)
}

// Outputs implements [audio.DeviceEnumerator].
func (b *Backend) Outputs(context.Context) ([]audio.DeviceDescriptor, error) {
	return b.list(audio.DeviceOutput)
}

// Close terminates PortAudio. Streams must be closed first.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return pa.Terminate()
}

func (b *Backend) list(kind audio.DeviceKind) ([]audio.DeviceDescriptor, error) {
	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	var def *pa.DeviceInfo
	if kind == audio.DeviceInput {
		def, _ = pa.DefaultInputDevice()
	} else {
		def, _ = pa.DefaultOutputDevice()
	}

	var out []audio.DeviceDescriptor
	for _, d := range devs {
		if kind == audio.DeviceInput && d.MaxInputChannels == 0 {
			continue
		}
		if kind == audio.DeviceOutput && d.MaxOutputChannels == 0 {
			continue
		}
		desc := audio.NewDeviceDescriptor(kind, d.Name, d.Name)
		desc.IsDefault = def != nil && def.Name == d.Name
		out = append(out, desc)
	}
	return out, nil
}

func (b *Backend) inputDevice(id string) (*pa.DeviceInfo, error) {
	if id == "" || id == "default" {
		d, err := pa.DefaultInputDevice()
		if err != nil {
			return nil, &audio.DeviceError{Reason: audio.ReasonNotFound, DeviceID: "default", Err: err}
		}
		return d, nil
	}
	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	for _, d := range devs {
		if d.Name == id && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, &audio.DeviceError{Reason: audio.ReasonNotFound, DeviceID: id}
}

// stream is an open polling capture stream.
type stream struct {
	s      *pa.Stream
	stop   atomic.Bool
	exited chan struct{}
	once   sync.Once
	err    error
}

// Open implements [audio.CaptureBackend]. Blocks of c.PollBlockSize samples
// are read on a dedicated goroutine and handed to onData.
func (b *Backend) Open(ctx context.Context, deviceID string, c audio.Constraints, onData func([]int16)) (audio.CaptureStream, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, errors.New("portaudio: backend closed")
	}

	dev, err := b.inputDevice(deviceID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	block := c.PollBlockSize
	if block <= 0 {
		block = audio.DefaultConstraints().PollBlockSize
	}
	buf := make([]int16, block)

	params := pa.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.Output.Device = nil
	params.Output.Channels = 0
	params.SampleRate = float64(c.SampleRate)
	params.FramesPerBuffer = block

	s, err := pa.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open stream: %w", err)
	}
	if err := s.Start(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("portaudio: start stream: %w", err)
	}

	st := &stream{s: s, exited: make(chan struct{})}
	go st.poll(buf, onData, b.log)
	b.log.Debug("portaudio: capture started", "device", dev.Name, "block", block)
	return st, nil
}

func (st *stream) poll(buf []int16, onData func([]int16), log *slog.Logger) {
	defer close(st.exited)
	for !st.stop.Load() {
		if err := st.s.Read(); err != nil {
			if errors.Is(err, pa.InputOverflowed) {
				continue
			}
			log.Warn("portaudio: read failed, stopping capture", "err", err)
			return
		}
		if st.stop.Load() {
			return
		}
		onData(buf)
	}
}

// Close implements [audio.CaptureStream]. It waits for the in-flight read
// to finish before closing the stream.
func (st *stream) Close() error {
	st.once.Do(func() {
		st.stop.Store(true)
		<-st.exited
		st.err = errors.Join(st.s.Stop(), st.s.Close())
	})
	return st.err
}
