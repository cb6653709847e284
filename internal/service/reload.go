package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/lingualink/internal/config"
	"github.com/MrWong99/lingualink/pkg/audio/capture"
	"github.com/MrWong99/lingualink/pkg/audio/systemaudio"
)

// ApplyConfig applies the hot-reloadable parts of a config change. Sections
// listed in d.RestartRequired are only logged. The log level is owned by the
// caller. All applicable changes are attempted; their errors are joined.
func (s *Service) ApplyConfig(ctx context.Context, d config.ConfigDiff) error {
	if s.closed.Load() {
		return ErrClosed
	}
	var errs []error

	if d.CaptureDeviceChanged {
		if s.capture.State() == capture.StateEnded {
			s.mu.Lock()
			s.captureDevice = d.NewCaptureDevice
			s.mu.Unlock()
		} else if err := s.SwitchCapture(ctx, d.NewCaptureDevice); err != nil {
			errs = append(errs, err)
		}
	}

	if d.OutputDevicesChanged {
		if err := s.SetOutputs(ctx, d.NewOutputDevices...); err != nil {
			errs = append(errs, err)
		}
	}

	if d.VolumeChanged {
		s.SetVolume(d.NewVolume)
	}

	if d.PassthroughChanged {
		s.SetPassthrough(d.NewPassthrough.Enabled, d.NewPassthrough.Volume)
	}

	if d.SystemAudioSourceChanged && s.system != nil {
		if err := s.relinkSystemAudio(ctx, d.NewSystemAudioSource); err != nil {
			errs = append(errs, err)
		}
	}

	if len(d.RestartRequired) > 0 {
		s.log.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("service: apply config: %w", err)
	}
	return nil
}

// relinkSystemAudio moves the loopback link to sourceID and resumes
// recording if it was active. An empty sourceID only disconnects.
func (s *Service) relinkSystemAudio(ctx context.Context, sourceID string) error {
	recording := s.system.State() == systemaudio.StateConnectedRecording
	if err := s.system.DisconnectSource(ctx); err != nil {
		s.log.Warn("system audio disconnect during relink failed", "err", err)
	}
	if sourceID == "" {
		return nil
	}
	if err := s.ConnectSystemAudio(ctx, sourceID); err != nil {
		return err
	}
	if recording {
		return s.StartSystemAudio(ctx)
	}
	return nil
}
