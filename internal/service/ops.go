package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/lingualink/internal/observe"
	"github.com/MrWong99/lingualink/internal/resilience"
	"github.com/MrWong99/lingualink/pkg/audio"
	"github.com/MrWong99/lingualink/pkg/audio/playback"
	"github.com/MrWong99/lingualink/pkg/audio/systemaudio"
)

// ─── Microphone ──────────────────────────────────────────────────────────────

// StartCapture acquires the microphone and starts delivering frames to the
// frame handler and the passthrough router. An empty deviceID selects the
// configured device, or the host default when none is configured.
func (s *Service) StartCapture(ctx context.Context, deviceID string) (err error) {
	if s.closed.Load() {
		return ErrClosed
	}
	if deviceID == "" {
		s.mu.Lock()
		deviceID = s.captureDevice
		s.mu.Unlock()
	}

	ctx, span := observe.StartSpan(ctx, "service.StartCapture")
	defer func() { observe.EndSpan(span, err) }()

	if err := s.acquire(ctx, deviceID, s.capture.Begin); err != nil {
		return err
	}
	if err := s.capture.Record(s.onMicrophone, s.cfg.Capture.ChunkInterval); err != nil {
		s.capture.End()
		return fmt.Errorf("service: start recording: %w", err)
	}
	observe.LoggerFrom(ctx, s.log).Info("microphone capture started",
		"device_id", deviceID, "backend", s.capture.Stats().Backend)
	return nil
}

// PauseCapture stops frame delivery and keeps the device open.
func (s *Service) PauseCapture() error {
	if err := s.capture.Pause(); err != nil {
		return fmt.Errorf("service: pause capture: %w", err)
	}
	return nil
}

// ResumeCapture restarts frame delivery after [Service.PauseCapture].
func (s *Service) ResumeCapture() error {
	if err := s.capture.Record(s.onMicrophone, s.cfg.Capture.ChunkInterval); err != nil {
		return fmt.Errorf("service: resume capture: %w", err)
	}
	return nil
}

// SwitchCapture moves capture to deviceID, keeping the recording state.
func (s *Service) SwitchCapture(ctx context.Context, deviceID string) (err error) {
	ctx, span := observe.StartSpan(ctx, "service.SwitchCapture")
	defer func() { observe.EndSpan(span, err) }()

	if err := s.acquire(ctx, deviceID, s.capture.SwitchDevice); err != nil {
		return err
	}
	s.mu.Lock()
	s.captureDevice = deviceID
	s.mu.Unlock()
	return nil
}

// StopCapture releases the microphone. The partial frame still buffered in
// the engine is delivered to the frame handler; its length is returned.
func (s *Service) StopCapture() int {
	rest := s.capture.End()
	if len(rest) > 0 {
		s.deliver(SourceMicrophone, audio.Frame{
			Samples:    rest,
			SampleRate: s.cfg.Audio.SampleRate,
			Timestamp:  time.Now(),
		})
	}
	return len(rest)
}

// acquire runs open with timing and error accounting.
func (s *Service) acquire(ctx context.Context, deviceID string, open func(context.Context, string) error) error {
	start := time.Now()
	err := open(ctx, deviceID)
	s.metrics.DeviceAcquireDuration.Record(ctx, time.Since(start).Seconds(),
		metricKind("microphone"))
	if err == nil {
		return nil
	}
	var de *audio.DeviceError
	if errors.As(err, &de) {
		s.metrics.RecordDeviceError(ctx, "microphone", de.Reason.String())
		observe.LoggerFrom(ctx, s.log).Warn("microphone unavailable",
			"device_id", deviceID, "reason", de.Reason.String(), "err", err)
	}
	return fmt.Errorf("service: acquire microphone %q: %w", deviceID, err)
}

// ─── Playback ────────────────────────────────────────────────────────────────

// PlayStream adds a chunk of translated audio to trackID. Small chunks are
// accumulated before they are queued.
func (s *Service) PlayStream(samples []int16, trackID string, volume float64) playback.AddResult {
	return s.playback.AddStreamingAudio(samples, trackID, volume)
}

// PlayBuffer queues a complete buffer on trackID without accumulation.
func (s *Service) PlayBuffer(samples []int16, trackID string, volume float64) playback.AddResult {
	return s.playback.Add16BitPCM(samples, trackID, volume)
}

// Interrupt cancels the most recently started render. It returns nil when
// nothing is playing.
func (s *Service) Interrupt() *playback.InterruptResult {
	res := s.playback.Interrupt()
	if res != nil {
		s.log.Info("playback interrupted", "track_id", res.TrackID, "offset", res.Offset)
	}
	return res
}

// ClearTrack forgets everything about trackID, including an interruption.
func (s *Service) ClearTrack(trackID string) {
	s.playback.ClearStreamingTrack(trackID)
}

// SetVolume sets the global playback volume, clamped to [0, 1].
func (s *Service) SetVolume(v float64) {
	s.playback.SetVolume(v)
}

// Volume returns the global playback volume.
func (s *Service) Volume() float64 {
	return s.playback.Volume()
}

// SetOutputs routes future playback to the listed output devices. With no
// IDs the host default is used. IDs missing from a known device list are
// rejected with [ErrUnknownDevice].
func (s *Service) SetOutputs(ctx context.Context, deviceIDs ...string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(deviceIDs) == 0 {
		deviceIDs = []string{""}
	}
	s.mu.Lock()
	outputs := s.outputs
	s.mu.Unlock()
	if len(outputs) > 0 {
		for _, id := range deviceIDs {
			if id == "" {
				continue
			}
			if _, ok := audio.FindByID(outputs, id); !ok {
				return fmt.Errorf("%w: output %q", ErrUnknownDevice, id)
			}
		}
	}
	if err := s.playback.SetSinks(ctx, deviceIDs...); err != nil {
		return fmt.Errorf("service: select outputs: %w", err)
	}
	return nil
}

// Outputs returns the selected output device IDs. An empty ID is the host
// default.
func (s *Service) Outputs() []string {
	return s.playback.Sinks()
}

// Tracks returns playback diagnostics per track.
func (s *Service) Tracks() []playback.TrackInfo {
	return s.playback.Snapshot()
}

// ─── Passthrough ─────────────────────────────────────────────────────────────

// SetPassthrough turns local monitoring of the microphone on or off.
// volume is clamped by the router.
func (s *Service) SetPassthrough(enabled bool, volume float64) {
	s.capture.SetupPassthrough(enabled, volume)
	s.router.SetVolume(volume)
	s.router.SetEnabled(enabled)
}

// Passthrough returns the router's state and effective volume.
func (s *Service) Passthrough() (enabled bool, volume float64) {
	return s.router.Enabled(), s.router.Volume()
}

// ─── System audio ────────────────────────────────────────────────────────────

// SystemAudioSupported reports whether system audio can be captured.
func (s *Service) SystemAudioSupported() bool {
	return s.system != nil && s.system.Supported()
}

// SystemAudioSources lists the loopback sources of the platform.
func (s *Service) SystemAudioSources(ctx context.Context) ([]audio.SystemAudioSource, error) {
	if s.system == nil {
		return nil, ErrSystemAudioDisabled
	}
	return s.system.Sources(ctx)
}

// ConnectSystemAudio links sourceID into the virtual input. Repeated link
// failures open a circuit breaker; while it is open the call fails with
// [resilience.ErrCircuitOpen] without touching the platform.
func (s *Service) ConnectSystemAudio(ctx context.Context, sourceID string) (err error) {
	if s.system == nil {
		return ErrSystemAudioDisabled
	}
	ctx, span := observe.StartSpan(ctx, "service.ConnectSystemAudio")
	defer func() { observe.EndSpan(span, err) }()

	start := time.Now()
	err = s.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		return s.system.ConnectSource(ctx, sourceID)
	})

	status := "ok"
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = "rejected"
	case err != nil:
		status = "error"
	}
	s.metrics.RecordSystemAudioConnect(ctx, status, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("service: connect system audio: %w", err)
	}
	return nil
}

// StartSystemAudio starts recording the connected source. Frames go to the
// frame handler tagged [SourceSystem].
func (s *Service) StartSystemAudio(ctx context.Context) (err error) {
	if s.system == nil {
		return ErrSystemAudioDisabled
	}
	ctx, span := observe.StartSpan(ctx, "service.StartSystemAudio")
	defer func() { observe.EndSpan(span, err) }()

	start := time.Now()
	err = s.system.StartRecording(ctx, s.onSystem)
	s.metrics.DeviceAcquireDuration.Record(ctx, time.Since(start).Seconds(), metricKind("system"))
	if err != nil {
		var de *audio.DeviceError
		if errors.As(err, &de) {
			s.metrics.RecordDeviceError(ctx, "system", de.Reason.String())
		}
		return fmt.Errorf("service: start system audio: %w", err)
	}
	return nil
}

// StopSystemAudio stops recording and keeps the link.
func (s *Service) StopSystemAudio() error {
	if s.system == nil {
		return ErrSystemAudioDisabled
	}
	return s.system.StopRecording()
}

// DisconnectSystemAudio stops recording and removes the link.
func (s *Service) DisconnectSystemAudio(ctx context.Context) error {
	if s.system == nil {
		return ErrSystemAudioDisabled
	}
	return s.system.DisconnectSource(ctx)
}

// SystemAudioStatus returns the connection state. The zero value is
// returned when system audio is disabled.
func (s *Service) SystemAudioStatus() systemaudio.Status {
	if s.system == nil {
		return systemaudio.Status{}
	}
	return s.system.Status()
}

// RetryAfter reports how long system audio connects stay rejected.
func (s *Service) RetryAfter() time.Duration {
	if s.breaker == nil {
		return 0
	}
	return s.breaker.RetryAfter()
}
