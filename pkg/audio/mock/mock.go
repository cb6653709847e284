// Package mock provides in-memory implementations of the backend interfaces
// in package audio for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	backend := &mock.CaptureBackend{BackendName: "callback"}
//	eng := capture.New(capture.WithBackends(backend))
//	_ = eng.Begin(ctx, "mic-1")
//	backend.Emit(make([]int16, 480))
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/lingualink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureBackend      = (*CaptureBackend)(nil)
	_ audio.CaptureStream       = (*CaptureStream)(nil)
	_ audio.Sink                = (*Sink)(nil)
	_ audio.Voice               = (*Voice)(nil)
	_ audio.SinkOpener          = (*SinkOpener)(nil)
	_ audio.DeviceEnumerator    = (*DeviceEnumerator)(nil)
	_ audio.SystemAudioPlatform = (*SystemAudioPlatform)(nil)
)

// ─── CaptureBackend ───────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [CaptureBackend.Open] invocation.
type OpenCall struct {
	DeviceID    string
	Constraints audio.Constraints
}

// CaptureBackend is a mock [audio.CaptureBackend]. Audio is injected with
// [CaptureBackend.Emit], which calls the data callback of the most recently
// opened, still-open stream.
type CaptureBackend struct {
	mu sync.Mutex

	// BackendName is returned by Name. Defaults to "mock".
	BackendName string

	// OpenErr, when non-nil, is returned by every Open call.
	OpenErr error

	// OpenErrFor maps device IDs to errors returned by Open for that device.
	OpenErrFor map[string]error

	// OpenDelay blocks Open for the given duration (or until ctx is done).
	OpenDelay time.Duration

	// OpenCalls records every Open invocation in order.
	OpenCalls []OpenCall

	// Streams holds every stream returned by Open in order.
	Streams []*CaptureStream
}

// Name implements [audio.CaptureBackend].
func (b *CaptureBackend) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.BackendName == "" {
		return "mock"
	}
	return b.BackendName
}

// Open implements [audio.CaptureBackend].
func (b *CaptureBackend) Open(ctx context.Context, deviceID string, c audio.Constraints, onData func([]int16)) (audio.CaptureStream, error) {
	b.mu.Lock()
	b.OpenCalls = append(b.OpenCalls, OpenCall{DeviceID: deviceID, Constraints: c})
	delay := b.OpenDelay
	err := b.OpenErr
	if e, ok := b.OpenErrFor[deviceID]; ok {
		err = e
	}
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := &CaptureStream{DeviceID: deviceID, onData: onData}
	b.mu.Lock()
	b.Streams = append(b.Streams, s)
	b.mu.Unlock()
	return s, nil
}

// Emit delivers pcm to the newest open stream, as an audio thread would.
// It reports whether a stream received the data.
func (b *CaptureBackend) Emit(pcm []int16) bool {
	b.mu.Lock()
	var s *CaptureStream
	for i := len(b.Streams) - 1; i >= 0; i-- {
		if !b.Streams[i].IsClosed() {
			s = b.Streams[i]
			break
		}
	}
	b.mu.Unlock()
	if s == nil {
		return false
	}
	return s.Emit(pcm)
}

// OpenCount returns the number of Open calls so far.
func (b *CaptureBackend) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.OpenCalls)
}

// LastStream returns the most recently opened stream, or nil.
func (b *CaptureBackend) LastStream() *CaptureStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Streams) == 0 {
		return nil
	}
	return b.Streams[len(b.Streams)-1]
}

// CaptureStream is the mock stream returned by [CaptureBackend.Open].
type CaptureStream struct {
	DeviceID string

	mu         sync.Mutex
	onData     func([]int16)
	closed     bool
	closeCalls int
}

// Emit calls the data callback unless the stream is closed.
func (s *CaptureStream) Emit(pcm []int16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.onData(pcm)
	return true
}

// Close implements [audio.CaptureStream].
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCalls++
	return nil
}

// IsClosed reports whether Close has been called.
func (s *CaptureStream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// PlayCall records one [Sink.Play] invocation.
type PlayCall struct {
	Samples []int16
	Volume  float64
	At      time.Time
}

// Sink is a mock [audio.Sink]. Each voice reports Playing until its duration
// elapses or it is stopped.
type Sink struct {
	mu sync.Mutex

	// DeviceID is informational; set by [SinkOpener].
	DeviceID string

	// SampleRate converts sample counts to voice durations. Defaults to
	// [audio.DefaultSampleRate].
	SampleRate int

	// VoiceDuration, when set, overrides the duration of every voice.
	VoiceDuration time.Duration

	// PlayErr, when non-nil, is returned by Play.
	PlayErr error

	// PlayErrFunc, when set, decides per call whether Play fails.
	PlayErrFunc func(samples []int16) error

	// PlayCalls records successful Play invocations in order.
	PlayCalls []PlayCall

	// Voices holds every voice returned by Play.
	Voices []*Voice

	// Closed is set by Close.
	Closed bool
}

// Play implements [audio.Sink].
func (s *Sink) Play(samples []int16, volume float64) (audio.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.PlayErr
	if s.PlayErrFunc != nil {
		err = s.PlayErrFunc(samples)
	}
	if err != nil {
		return nil, err
	}

	cp := make([]int16, len(samples))
	copy(cp, samples)
	now := time.Now()
	s.PlayCalls = append(s.PlayCalls, PlayCall{Samples: cp, Volume: volume, At: now})

	d := s.VoiceDuration
	if d == 0 {
		rate := s.SampleRate
		if rate == 0 {
			rate = audio.DefaultSampleRate
		}
		d = audio.SamplesDuration(len(samples), rate)
	}
	v := &Voice{volume: volume, ends: now.Add(d)}
	s.Voices = append(s.Voices, v)
	return v, nil
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	for _, v := range s.Voices {
		_ = v.Stop()
	}
	return nil
}

// Played returns a copy of the recorded Play calls.
func (s *Sink) Played() []PlayCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlayCall, len(s.PlayCalls))
	copy(out, s.PlayCalls)
	return out
}

// IsClosed reports whether Close was called.
func (s *Sink) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Closed
}

// AllVoices returns a copy of the voices started so far.
func (s *Sink) AllVoices() []*Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Voice, len(s.Voices))
	copy(out, s.Voices)
	return out
}

// Voice is the mock [audio.Voice] returned by [Sink.Play].
type Voice struct {
	mu      sync.Mutex
	volume  float64
	ends    time.Time
	stopped bool
	volumes []float64
}

// Playing implements [audio.Voice].
func (v *Voice) Playing() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.stopped && time.Now().Before(v.ends)
}

// SetVolume implements [audio.Voice].
func (v *Voice) SetVolume(vol float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.volume = vol
	v.volumes = append(v.volumes, vol)
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
	return nil
}

// Volume returns the current voice volume.
func (v *Voice) Volume() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.volume
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// ─── SinkOpener ───────────────────────────────────────────────────────────────

// SinkOpener is a mock [audio.SinkOpener] that creates one [Sink] per call.
type SinkOpener struct {
	mu sync.Mutex

	// OpenErr, when non-nil, is returned by OpenSink.
	OpenErr error

	// VoiceDuration is copied to every created sink.
	VoiceDuration time.Duration

	// Sinks holds every sink created, in order.
	Sinks []*Sink

	// OpenedIDs records the deviceID argument of each call.
	OpenedIDs []string
}

// OpenSink implements [audio.SinkOpener].
func (o *SinkOpener) OpenSink(_ context.Context, deviceID string, sampleRate int) (audio.Sink, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.OpenedIDs = append(o.OpenedIDs, deviceID)
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	s := &Sink{DeviceID: deviceID, SampleRate: sampleRate, VoiceDuration: o.VoiceDuration}
	o.Sinks = append(o.Sinks, s)
	return s, nil
}

// Last returns the most recently created sink, or nil.
func (o *SinkOpener) Last() *Sink {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.Sinks) == 0 {
		return nil
	}
	return o.Sinks[len(o.Sinks)-1]
}

// ─── DeviceEnumerator ─────────────────────────────────────────────────────────

// DeviceEnumerator is a mock [audio.DeviceEnumerator].
type DeviceEnumerator struct {
	mu sync.Mutex

	InputList  []audio.DeviceDescriptor
	OutputList []audio.DeviceDescriptor
	Err        error

	CallCount int
}

// Inputs implements [audio.DeviceEnumerator].
func (e *DeviceEnumerator) Inputs(context.Context) ([]audio.DeviceDescriptor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCount++
	if e.Err != nil {
		return nil, e.Err
	}
	return append([]audio.DeviceDescriptor(nil), e.InputList...), nil
}

// Outputs implements [audio.DeviceEnumerator].
func (e *DeviceEnumerator) Outputs(context.Context) ([]audio.DeviceDescriptor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	return append([]audio.DeviceDescriptor(nil), e.OutputList...), nil
}

// SetInputs replaces the input list.
func (e *DeviceEnumerator) SetInputs(devs ...audio.DeviceDescriptor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.InputList = devs
}

// SetOutputs replaces the output list.
func (e *DeviceEnumerator) SetOutputs(devs ...audio.DeviceDescriptor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.OutputList = devs
}

// ─── SystemAudioPlatform ──────────────────────────────────────────────────────

// SystemAudioPlatform is a mock [audio.SystemAudioPlatform].
type SystemAudioPlatform struct {
	mu sync.Mutex

	// Unsupported makes SupportsSystemAudioCapture return false.
	Unsupported bool

	Sources []audio.SystemAudioSource

	ConnectErr    error
	DisconnectErr error

	// ConnectCalls records the sourceID of each Connect call.
	ConnectCalls []string

	// DisconnectCalls counts Disconnect calls.
	DisconnectCalls int

	// Linked is the currently linked source, empty when none.
	Linked string
}

// SupportsSystemAudioCapture implements [audio.SystemAudioPlatform].
func (p *SystemAudioPlatform) SupportsSystemAudioCapture() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.Unsupported
}

// ListSystemAudioSources implements [audio.SystemAudioPlatform].
func (p *SystemAudioPlatform) ListSystemAudioSources(context.Context) ([]audio.SystemAudioSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]audio.SystemAudioSource(nil), p.Sources...), nil
}

// ConnectSystemAudioSource implements [audio.SystemAudioPlatform].
func (p *SystemAudioPlatform) ConnectSystemAudioSource(_ context.Context, sourceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, sourceID)
	if p.ConnectErr != nil {
		return p.ConnectErr
	}
	p.Linked = sourceID
	return nil
}

// DisconnectSystemAudioSource implements [audio.SystemAudioPlatform].
func (p *SystemAudioPlatform) DisconnectSystemAudioSource(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DisconnectCalls++
	if p.DisconnectErr != nil {
		return p.DisconnectErr
	}
	p.Linked = ""
	return nil
}

// LinkedSource returns the currently linked source.
func (p *SystemAudioPlatform) LinkedSource() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Linked
}

// Disconnects returns the number of Disconnect calls.
func (p *SystemAudioPlatform) Disconnects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DisconnectCalls
}
