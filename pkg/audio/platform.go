package audio

import (
	"context"
	"time"
)

// EchoCancellation selects the echo-cancellation mode requested from a
// capture backend.
type EchoCancellation int

const (
	// EchoCancellationOff disables echo cancellation. System audio capture
	// uses this so participant audio is not modified.
	EchoCancellationOff EchoCancellation = iota

	// EchoCancellationOn requests any echo canceller the backend offers.
	EchoCancellationOn

	// EchoCancellationSystem requests the operating system's canceller and
	// falls back to [EchoCancellationOn] where none exists.
	EchoCancellationSystem
)

// String returns the configuration spelling of the mode.
func (e EchoCancellation) String() string {
	switch e {
	case EchoCancellationOff:
		return "off"
	case EchoCancellationOn:
		return "on"
	case EchoCancellationSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Constraints describe how a capture device should be acquired. Backends
// honour what their host API supports and ignore the rest.
type Constraints struct {
	// SampleRate is the target rate in Hz.
	SampleRate int

	// Channels is always 1 in this pipeline.
	Channels int

	EchoCancellation EchoCancellation

	// AutoGainControl enables automatic gain control where available.
	AutoGainControl bool

	// SuppressLocalPlayback asks the host not to route captured audio back
	// to local outputs.
	SuppressLocalPlayback bool

	// Latency is the target callback period.
	Latency time.Duration

	// PollBlockSize is the block length, in samples, used by polling
	// backends.
	PollBlockSize int
}

// DefaultConstraints returns the microphone constraints used by the capture
// engine unless overridden.
func DefaultConstraints() Constraints {
	return Constraints{
		SampleRate:            DefaultSampleRate,
		Channels:              1,
		EchoCancellation:      EchoCancellationSystem,
		AutoGainControl:       true,
		SuppressLocalPlayback: true,
		Latency:               20 * time.Millisecond,
		PollBlockSize:         4096,
	}
}

// CaptureBackend opens capture streams on one host audio API.
//
// onData is invoked from the backend's audio thread with a slice that is
// only valid for the duration of the call. It must not block.
type CaptureBackend interface {
	// Name identifies the backend in logs and diagnostics.
	Name() string

	// Open acquires deviceID (empty selects the system default) and starts
	// delivering audio to onData. It returns an error wrapping
	// [ErrBackendUnsupported] when this backend cannot serve the request at
	// all, so the caller may try the next backend, or a [*DeviceError] when
	// the device itself is unavailable.
	Open(ctx context.Context, deviceID string, c Constraints, onData func(pcm []int16)) (CaptureStream, error)
}

// CaptureStream is an open capture device.
type CaptureStream interface {
	// Close stops the stream and releases the device. After Close returns
	// onData is never called again.
	Close() error
}

// Sink renders PCM to one output device. Implementations must be safe for
// concurrent use; several voices may play at once and are mixed additively.
type Sink interface {
	// Play starts rendering samples at the given volume and returns a handle
	// to the in-flight render.
	Play(samples []int16, volume float64) (Voice, error)

	// Close stops all voices and releases the device.
	Close() error
}

// Voice is one in-flight render started by [Sink.Play].
type Voice interface {
	// Playing reports whether samples remain to be rendered.
	Playing() bool

	// SetVolume changes the gain of the remaining samples.
	SetVolume(v float64)

	// Stop halts rendering immediately.
	Stop() error
}

// SinkOpener creates sinks for output devices. An empty deviceID selects the
// system default output.
type SinkOpener interface {
	OpenSink(ctx context.Context, deviceID string, sampleRate int) (Sink, error)
}

// SinkOpenerFunc adapts a function to [SinkOpener].
type SinkOpenerFunc func(ctx context.Context, deviceID string, sampleRate int) (Sink, error)

// OpenSink calls f.
func (f SinkOpenerFunc) OpenSink(ctx context.Context, deviceID string, sampleRate int) (Sink, error) {
	return f(ctx, deviceID, sampleRate)
}

// DeviceEnumerator lists host audio devices.
type DeviceEnumerator interface {
	Inputs(ctx context.Context) ([]DeviceDescriptor, error)
	Outputs(ctx context.Context) ([]DeviceDescriptor, error)
}

// SystemAudioSource is an OS-level loopback source that can be linked to the
// virtual capture input.
type SystemAudioSource struct {
	ID    string `json:"deviceId"`
	Label string `json:"label"`
}

// SystemAudioPlatform is the host integration that switches the OS loopback
// link feeding the virtual capture input. Implementations never create new
// virtual devices; they only change the upstream of an existing one.
type SystemAudioPlatform interface {
	// SupportsSystemAudioCapture reports whether the host can capture
	// system audio at all.
	SupportsSystemAudioCapture() bool

	// ListSystemAudioSources returns the sources that can be linked.
	ListSystemAudioSources(ctx context.Context) ([]SystemAudioSource, error)

	// ConnectSystemAudioSource links sourceID to the virtual input,
	// replacing any previous link.
	ConnectSystemAudioSource(ctx context.Context, sourceID string) error

	// DisconnectSystemAudioSource removes the current link. Removing an
	// absent link is not an error.
	DisconnectSystemAudioSource(ctx context.Context) error
}
