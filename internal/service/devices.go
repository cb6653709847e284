package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/lingualink/pkg/audio"
)

// Devices returns the last enumerated input and output lists. The slices
// are replaced wholesale on refresh and must not be modified.
func (s *Service) Devices() (inputs, outputs []audio.DeviceDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs, s.outputs
}

// OnDevicesChanged registers fn to be called after a refresh that changed a
// device list. fn runs on the refreshing goroutine.
func (s *Service) OnDevicesChanged(fn func(DeviceChange)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// RefreshDevices re-enumerates inputs and outputs. Changed lists replace the
// old ones, listeners are notified, and selections whose device vanished
// fall back to the host default. The first successful refresh establishes
// the baseline and reports no changes.
func (s *Service) RefreshDevices(ctx context.Context) error {
	if s.backends.Devices == nil {
		return nil
	}
	ins, inErr := s.backends.Devices.Inputs(ctx)
	outs, outErr := s.backends.Devices.Outputs(ctx)
	if err := errors.Join(inErr, outErr); err != nil {
		s.mu.Lock()
		s.refreshErr = err
		s.mu.Unlock()
		return fmt.Errorf("service: refresh devices: %w", err)
	}

	s.mu.Lock()
	baseline := s.refreshedAt.IsZero()
	inChanged := !slices.Equal(s.inputs, ins)
	outChanged := !slices.Equal(s.outputs, outs)
	s.inputs, s.outputs = ins, outs
	s.refreshErr = nil
	s.refreshedAt = time.Now()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	if baseline {
		return nil
	}
	if inChanged {
		s.metrics.RecordDeviceChange(ctx, string(audio.DeviceInput))
		s.log.Info("input devices changed", "count", len(ins))
		for _, fn := range listeners {
			fn(DeviceChange{Kind: audio.DeviceInput, Devices: ins})
		}
		s.checkInput(ctx, ins)
	}
	if outChanged {
		s.metrics.RecordDeviceChange(ctx, string(audio.DeviceOutput))
		s.log.Info("output devices changed", "count", len(outs))
		for _, fn := range listeners {
			fn(DeviceChange{Kind: audio.DeviceOutput, Devices: outs})
		}
		s.checkOutputs(ctx, outs)
	}
	return nil
}

// checkOutputs drops selected outputs that are no longer present. When none
// remain playback falls back to the host default.
func (s *Service) checkOutputs(ctx context.Context, outs []audio.DeviceDescriptor) {
	selected := s.playback.Sinks()
	keep := make([]string, 0, len(selected))
	for _, id := range selected {
		if _, ok := audio.FindByID(outs, id); ok || id == "" {
			keep = append(keep, id)
		}
	}
	if len(keep) == len(selected) {
		return
	}
	if len(keep) == 0 {
		keep = []string{""}
	}
	s.log.Warn("selected output disappeared", "selected", selected, "now", keep)
	if err := s.playback.SetSinks(ctx, keep...); err != nil {
		s.log.Error("output fallback failed", "err", err)
	}
}

// checkInput moves an active capture to the default input when its device
// disappeared.
func (s *Service) checkInput(ctx context.Context, ins []audio.DeviceDescriptor) {
	st := s.capture.Stats()
	if st.DeviceID == "" || st.Backend == "" {
		return
	}
	if _, ok := audio.FindByID(ins, st.DeviceID); ok {
		return
	}
	s.log.Warn("capture device disappeared, switching to default", "device_id", st.DeviceID)
	if err := s.capture.SwitchDevice(ctx, ""); err != nil {
		s.log.Error("capture fallback failed", "err", err)
	}
}

// watchDevices refreshes the device lists until ctx is cancelled.
func (s *Service) watchDevices(ctx context.Context) {
	interval := s.cfg.Devices.RefreshInterval
	if interval <= 0 || s.backends.Devices == nil {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.RefreshDevices(ctx); err != nil && ctx.Err() == nil {
				s.refreshLog.Do(func() {
					s.log.Warn("device refresh failed", "err", err)
				})
			}
		}
	}
}

func metricKind(kind string) metric.RecordOption {
	return metric.WithAttributes(attribute.String("kind", kind))
}
