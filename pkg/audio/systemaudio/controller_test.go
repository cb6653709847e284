package systemaudio_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/lingualink/pkg/audio"
	"github.com/MrWong99/lingualink/pkg/audio/mock"
	"github.com/MrWong99/lingualink/pkg/audio/systemaudio"
)

type frames struct {
	mu sync.Mutex
	n  int
}

func (f *frames) add(fr audio.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n += len(fr.Samples)
}

func (f *frames) samples() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

type fixture struct {
	platform *mock.SystemAudioPlatform
	devices  *mock.DeviceEnumerator
	backend  *mock.CaptureBackend
	ctrl     *systemaudio.Controller
}

func newFixture(t *testing.T, opts ...systemaudio.Option) *fixture {
	t.Helper()
	f := &fixture{
		platform: &mock.SystemAudioPlatform{
			Sources: []audio.SystemAudioSource{{ID: "alsa_output.monitor", Label: "Speakers"}},
		},
		devices: &mock.DeviceEnumerator{},
		backend: &mock.CaptureBackend{},
	}
	f.devices.SetInputs(
		audio.NewDeviceDescriptor(audio.DeviceInput, "mic-1", "Built-in Microphone"),
		audio.NewDeviceDescriptor(audio.DeviceInput, "virt-1", "lingualink-system-audio (virtual)"),
	)
	base := []systemaudio.Option{
		systemaudio.WithRecorderFactory(systemaudio.CaptureFactory(slog.Default(), f.backend)),
		systemaudio.WithChunkInterval(10 * time.Millisecond),
	}
	f.ctrl = systemaudio.New(f.platform, f.devices, append(base, opts...)...)
	t.Cleanup(func() { _ = f.ctrl.Close() })
	return f
}

func TestController_FullLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	if err := f.ctrl.ConnectSource(ctx, "alsa_output.monitor"); err != nil {
		t.Fatalf("ConnectSource: %v", err)
	}
	if got := f.platform.LinkedSource(); got != "alsa_output.monitor" {
		t.Errorf("linked source = %q", got)
	}
	if st := f.ctrl.Status(); !st.SourceConnected || st.RecordingActive || st.SourceID != "alsa_output.monitor" {
		t.Errorf("Status after connect = %+v", st)
	}

	got := &frames{}
	if err := f.ctrl.StartRecording(ctx, got.add); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if st := f.ctrl.Status(); !st.RecordingActive || st.InputDeviceID != "virt-1" {
		t.Errorf("Status while recording = %+v", st)
	}
	calls := f.backend.OpenCalls
	if len(calls) != 1 || calls[0].DeviceID != "virt-1" {
		t.Fatalf("open calls = %+v, want the virtual input", calls)
	}
	if c := calls[0].Constraints; c.EchoCancellation != audio.EchoCancellationOff || c.AutoGainControl {
		t.Errorf("constraints = %+v, want processing disabled", c)
	}

	f.backend.Emit(make([]int16, 4800))
	if err := f.ctrl.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if got.samples() != 4800 {
		t.Errorf("delivered %d samples, want 4800", got.samples())
	}
	if f.ctrl.State() != systemaudio.StateConnectedIdle {
		t.Errorf("State after stop = %v", f.ctrl.State())
	}
	if f.platform.Disconnects() != 0 {
		t.Error("StopRecording tore down the link")
	}

	if err := f.ctrl.DisconnectSource(ctx); err != nil {
		t.Fatalf("DisconnectSource: %v", err)
	}
	if f.ctrl.State() != systemaudio.StateDisconnected || f.platform.LinkedSource() != "" {
		t.Errorf("after disconnect: state=%v linked=%q", f.ctrl.State(), f.platform.LinkedSource())
	}
}

func TestController_StopThenDisconnectNeverErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	if err := f.ctrl.StopRecording(); err != nil {
		t.Errorf("StopRecording while disconnected: %v", err)
	}
	if err := f.ctrl.DisconnectSource(ctx); err != nil {
		t.Errorf("DisconnectSource while disconnected: %v", err)
	}

	if err := f.ctrl.ConnectSource(ctx, "src"); err != nil {
		t.Fatalf("ConnectSource: %v", err)
	}
	if err := f.ctrl.StopRecording(); err != nil {
		t.Errorf("StopRecording while idle: %v", err)
	}
	if err := f.ctrl.StopRecording(); err != nil {
		t.Errorf("second StopRecording: %v", err)
	}
	if err := f.ctrl.DisconnectSource(ctx); err != nil {
		t.Errorf("DisconnectSource: %v", err)
	}
	if err := f.ctrl.DisconnectSource(ctx); err != nil {
		t.Errorf("second DisconnectSource: %v", err)
	}
	if n := f.platform.Disconnects(); n != 1 {
		t.Errorf("platform disconnects = %d, want 1", n)
	}
}

func TestController_StartRecordingWhileDisconnected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	err := f.ctrl.StartRecording(context.Background(), func(audio.Frame) {})
	if !errors.Is(err, systemaudio.ErrNotConnected) {
		t.Fatalf("StartRecording = %v, want ErrNotConnected", err)
	}
	if f.ctrl.State() != systemaudio.StateDisconnected {
		t.Errorf("State = %v, want disconnected", f.ctrl.State())
	}
	if n := f.backend.OpenCount(); n != 0 {
		t.Errorf("device opened %d times", n)
	}
	if f.devices.CallCount != 0 {
		t.Error("devices enumerated")
	}
	if len(f.platform.ConnectCalls) != 0 {
		t.Error("platform touched")
	}
}

func TestController_ConnectFailureStaysDisconnected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.platform.ConnectErr = errors.New("pactl exited 1")

	err := f.ctrl.ConnectSource(context.Background(), "src")
	if !errors.Is(err, audio.ErrConnectFailed) {
		t.Fatalf("ConnectSource = %v, want ErrConnectFailed", err)
	}
	if f.ctrl.State() != systemaudio.StateDisconnected {
		t.Errorf("State = %v", f.ctrl.State())
	}

	// The link was released, so another controller may claim it.
	f.platform.ConnectErr = nil
	other := systemaudio.New(f.platform, f.devices)
	defer other.Close()
	if err := other.ConnectSource(context.Background(), "src"); err != nil {
		t.Errorf("second controller ConnectSource: %v", err)
	}
}

func TestController_ConnectMisuse(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	if err := f.ctrl.ConnectSource(ctx, "a"); err != nil {
		t.Fatalf("ConnectSource: %v", err)
	}
	if err := f.ctrl.ConnectSource(ctx, "b"); !errors.Is(err, audio.ErrAlreadyConnected) {
		t.Errorf("second ConnectSource = %v, want ErrAlreadyConnected", err)
	}
	if err := f.ctrl.StartRecording(ctx, func(audio.Frame) {}); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := f.ctrl.StartRecording(ctx, func(audio.Frame) {}); !errors.Is(err, audio.ErrAlreadyRecording) {
		t.Errorf("second StartRecording = %v, want ErrAlreadyRecording", err)
	}
}

func TestController_SingleLinkOwner(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	if err := f.ctrl.ConnectSource(ctx, "a"); err != nil {
		t.Fatalf("ConnectSource: %v", err)
	}

	other := systemaudio.New(f.platform, f.devices)
	defer other.Close()
	err := other.ConnectSource(ctx, "b")
	if !errors.Is(err, systemaudio.ErrLinkInUse) || !errors.Is(err, audio.ErrConnectFailed) {
		t.Fatalf("competing ConnectSource = %v, want ErrLinkInUse", err)
	}
	if got := f.platform.LinkedSource(); got != "a" {
		t.Errorf("linked source changed to %q", got)
	}
}

func TestController_StartRecordingRollsBack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(f *fixture)
		wantErr error
	}{
		{
			name:    "virtual input missing",
			setup:   func(f *fixture) { f.devices.SetInputs(audio.NewDeviceDescriptor(audio.DeviceInput, "mic-1", "Mic")) },
			wantErr: audio.ErrDeviceUnavailable,
		},
		{
			name:    "device busy",
			setup:   func(f *fixture) { f.backend.OpenErr = errors.New("device or resource busy") },
			wantErr: audio.ErrDeviceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			tt.setup(f)
			ctx := context.Background()
			if err := f.ctrl.ConnectSource(ctx, "src"); err != nil {
				t.Fatalf("ConnectSource: %v", err)
			}
			err := f.ctrl.StartRecording(ctx, func(audio.Frame) {})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("StartRecording = %v, want %v", err, tt.wantErr)
			}
			if st := f.ctrl.Status(); st.State != systemaudio.StateConnectedIdle || st.RecordingActive {
				t.Errorf("Status = %+v, want connected idle", st)
			}
		})
	}
}

func TestController_FindsVirtualInput(t *testing.T) {
	t.Parallel()

	mic := audio.NewDeviceDescriptor(audio.DeviceInput, "mic-1", "Built-in Microphone")
	tests := []struct {
		name   string
		input  audio.DeviceDescriptor
		wantID string
	}{
		{
			name:   "by label",
			input:  audio.NewDeviceDescriptor(audio.DeviceInput, "42", "lingualink-system-audio (virtual)"),
			wantID: "42",
		},
		{
			name:   "by exact id",
			input:  audio.NewDeviceDescriptor(audio.DeviceInput, "lingualink-system-audio", "Systemaudio"),
			wantID: "lingualink-system-audio",
		},
		{
			name:   "by monitor id",
			input:  audio.NewDeviceDescriptor(audio.DeviceInput, "lingualink-system-audio.monitor", "Monitor von Systemaudio"),
			wantID: "lingualink-system-audio.monitor",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.devices.SetInputs(mic, tt.input)
			ctx := context.Background()
			if err := f.ctrl.ConnectSource(ctx, "alsa_output.monitor"); err != nil {
				t.Fatalf("ConnectSource: %v", err)
			}
			if err := f.ctrl.StartRecording(ctx, func(audio.Frame) {}); err != nil {
				t.Fatalf("StartRecording: %v", err)
			}
			if got := f.ctrl.Status().InputDeviceID; got != tt.wantID {
				t.Errorf("InputDeviceID = %q, want %q", got, tt.wantID)
			}
		})
	}
}

func TestController_IgnoresOtherVirtualInputs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.devices.SetInputs(
		audio.NewDeviceDescriptor(audio.DeviceInput, "vb-1", "CABLE Output (VB-Audio Virtual Cable)"),
		audio.NewDeviceDescriptor(audio.DeviceInput, "lingualink-system-audio-old", "Stale"),
	)
	ctx := context.Background()
	if err := f.ctrl.ConnectSource(ctx, "alsa_output.monitor"); err != nil {
		t.Fatalf("ConnectSource: %v", err)
	}
	if err := f.ctrl.StartRecording(ctx, func(audio.Frame) {}); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("StartRecording = %v, want ErrDeviceUnavailable", err)
	}
}

func TestController_Unsupported(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.platform.Unsupported = true
	if f.ctrl.Supported() {
		t.Error("Supported = true")
	}
	if _, err := f.ctrl.Sources(context.Background()); !errors.Is(err, audio.ErrBackendUnsupported) {
		t.Errorf("Sources = %v", err)
	}
	if err := f.ctrl.ConnectSource(context.Background(), "x"); !errors.Is(err, audio.ErrConnectFailed) {
		t.Errorf("ConnectSource = %v", err)
	}
}

func TestController_DisconnectFailureStillDisconnects(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	if err := f.ctrl.ConnectSource(ctx, "a"); err != nil {
		t.Fatalf("ConnectSource: %v", err)
	}
	f.platform.DisconnectErr = errors.New("module gone")
	if err := f.ctrl.DisconnectSource(ctx); err == nil {
		t.Error("DisconnectSource hid the platform error")
	}
	if f.ctrl.State() != systemaudio.StateDisconnected {
		t.Errorf("State = %v, want disconnected", f.ctrl.State())
	}
}
