package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/lingualink/internal/health"
	"github.com/MrWong99/lingualink/internal/resilience"
	"github.com/MrWong99/lingualink/pkg/audio/playback"
	"github.com/MrWong99/lingualink/pkg/audio/systemaudio"
)

// Status is the JSON view served at GET /status.
type Status struct {
	Capture     CaptureStatus      `json:"capture"`
	Playback    PlaybackStatus     `json:"playback"`
	Passthrough PassthroughStatus  `json:"passthrough"`
	VirtualMic  *VirtualMicStatus  `json:"virtualMic,omitempty"`
	SystemAudio *SystemAudioStatus `json:"systemAudio,omitempty"`
}

type CaptureStatus struct {
	State    string `json:"state"`
	DeviceID string `json:"deviceId,omitempty"`
	Backend  string `json:"backend,omitempty"`
	Frames   uint64 `json:"frames"`
	Dropped  uint64 `json:"dropped"`
}

type PlaybackStatus struct {
	Volume         float64              `json:"volume"`
	Outputs        []string             `json:"outputs"`
	BuffersPlayed  uint64               `json:"buffersPlayed"`
	RenderFailures uint64               `json:"renderFailures"`
	Interrupts     uint64               `json:"interrupts"`
	Tracks         []playback.TrackInfo `json:"tracks"`
}

type PassthroughStatus struct {
	Enabled  bool    `json:"enabled"`
	Volume   float64 `json:"volume"`
	Buffered int     `json:"buffered"`
	Dropped  uint64  `json:"dropped"`
}

type VirtualMicStatus struct {
	Transports  []string `json:"transports"`
	Clients     []string `json:"clients"`
	WebRTCPeers int      `json:"webrtcPeers"`
	Messages    uint64   `json:"messages"`
	Dropped     uint64   `json:"dropped"`
}

type SystemAudioStatus struct {
	systemaudio.Status
	State   string `json:"state"`
	Breaker string `json:"breaker"`
}

// Status returns a point-in-time view of every component.
func (s *Service) Status() Status {
	cs := s.capture.Stats()
	ps := s.playback.Stats()
	st := Status{
		Capture: CaptureStatus{
			State:    cs.State.String(),
			DeviceID: cs.DeviceID,
			Backend:  cs.Backend,
			Frames:   cs.Frames,
			Dropped:  cs.Dropped,
		},
		Playback: PlaybackStatus{
			Volume:         s.playback.Volume(),
			Outputs:        s.playback.Sinks(),
			BuffersPlayed:  ps.BuffersPlayed,
			RenderFailures: ps.RenderFailures,
			Interrupts:     ps.Interrupts,
			Tracks:         s.playback.Snapshot(),
		},
		Passthrough: PassthroughStatus{
			Enabled:  s.router.Enabled(),
			Volume:   s.router.Volume(),
			Buffered: s.router.Buffered(),
			Dropped:  s.router.Dropped(),
		},
	}
	if s.bridge != nil {
		bs := s.bridge.Stats()
		st.VirtualMic = &VirtualMicStatus{
			Transports: s.bridge.Transports(),
			Clients:    s.hub.Clients(),
			Messages:   bs.Messages,
			Dropped:    bs.Dropped,
		}
		if s.rtc != nil {
			st.VirtualMic.WebRTCPeers = s.rtc.PeerCount()
		}
	}
	if s.system != nil {
		ss := s.system.Status()
		st.SystemAudio = &SystemAudioStatus{
			Status:  ss,
			State:   ss.State.String(),
			Breaker: s.breaker.State().String(),
		}
	}
	return st
}

// Checkers returns the readiness checks of the pipeline. Playback is
// required; the virtual microphone, system audio, and device enumeration
// only degrade readiness.
func (s *Service) Checkers() []health.Checker {
	checks := []health.Checker{
		{Name: "playback", Check: s.checkPlayback},
		{Name: "devices", Check: s.checkDevices, Optional: true},
	}
	if s.bridge != nil {
		checks = append(checks, health.Checker{Name: "virtual_mic", Check: s.checkVirtualMic, Optional: true})
	}
	if s.system != nil {
		checks = append(checks, health.Checker{Name: "system_audio", Check: s.checkSystemAudio, Optional: true})
	}
	return checks
}

func (s *Service) checkPlayback(context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.backends.Sinks != nil && len(s.playback.Sinks()) == 0 {
		return errors.New("no output selected")
	}
	return nil
}

func (s *Service) checkDevices(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshErr
}

func (s *Service) checkVirtualMic(context.Context) error {
	consumers := s.hub.ClientCount()
	if s.rtc != nil {
		consumers += s.rtc.PeerCount()
	}
	if consumers == 0 {
		return errors.New("no consumers connected")
	}
	return nil
}

func (s *Service) checkSystemAudio(context.Context) error {
	if !s.system.Supported() {
		return errors.New("not supported by platform")
	}
	if s.breaker.State() == resilience.StateOpen {
		return fmt.Errorf("%w, retry in %s", resilience.ErrCircuitOpen, s.breaker.RetryAfter().Round(time.Second))
	}
	return nil
}
