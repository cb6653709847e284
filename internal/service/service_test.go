package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/lingualink/internal/config"
	"github.com/MrWong99/lingualink/internal/observe"
	"github.com/MrWong99/lingualink/internal/resilience"
	"github.com/MrWong99/lingualink/internal/service"
	"github.com/MrWong99/lingualink/pkg/audio"
	"github.com/MrWong99/lingualink/pkg/audio/mock"
	"github.com/MrWong99/lingualink/pkg/audio/systemaudio"
)

// ─── Fixture ─────────────────────────────────────────────────────────────────

type capturedFrame struct {
	src   service.Source
	frame audio.Frame
}

// frameSink records frames handed to the translation client.
type frameSink struct {
	mu     sync.Mutex
	frames []capturedFrame
}

func (f *frameSink) handle(src service.Source, fr audio.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, capturedFrame{src: src, frame: fr})
}

func (f *frameSink) from(src service.Source) []audio.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []audio.Frame
	for _, c := range f.frames {
		if c.src == src {
			out = append(out, c.frame)
		}
	}
	return out
}

type fixture struct {
	svc      *service.Service
	cfg      *config.Config
	backend  *mock.CaptureBackend
	opener   *mock.SinkOpener
	devices  *mock.DeviceEnumerator
	platform *mock.SystemAudioPlatform
	reader   *sdkmetric.ManualReader
	frames   *frameSink
}

var (
	mic1 = audio.NewDeviceDescriptor(audio.DeviceInput, "mic-1", "USB Microphone")
	mic2 = audio.NewDeviceDescriptor(audio.DeviceInput, "mic-2", "Headset Microphone")
	vin  = audio.NewDeviceDescriptor(audio.DeviceInput, "vin-1", "lingualink-system-audio")
	out1 = audio.NewDeviceDescriptor(audio.DeviceOutput, "out-1", "Speakers")
	out2 = audio.NewDeviceDescriptor(audio.DeviceOutput, "out-2", "Headphones")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, mutate func(*config.Config), opts ...service.Option) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Server.ListenAddr = ""
	cfg.VirtualMic.Enabled = true
	cfg.SystemAudio.Enabled = true
	cfg.Audio.Platform = "pulse"
	cfg.Passthrough.Delay = 10 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		cfg:      cfg,
		backend:  &mock.CaptureBackend{},
		opener:   &mock.SinkOpener{},
		devices:  &mock.DeviceEnumerator{},
		platform: &mock.SystemAudioPlatform{Sources: []audio.SystemAudioSource{{ID: "src-1", Label: "Conference app"}}},
		reader:   reader,
		frames:   &frameSink{},
	}
	f.devices.SetInputs(mic1, mic2, vin)
	f.devices.SetOutputs(out1, out2)

	svc, err := service.New(context.Background(), cfg, &service.Backends{
		Capture:  []audio.CaptureBackend{f.backend},
		Sinks:    f.opener,
		Devices:  f.devices,
		Platform: f.platform,
	},
		append([]service.Option{
			service.WithFrameHandler(f.frames.handle),
			service.WithMetrics(metrics),
			service.WithLogger(discardLogger()),
		}, opts...)...,
	)
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	f.svc = svc
	return f
}

// waitFor polls cond until it returns true or the timeout elapses.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

// counterValue sums the data points of an Int64 sum metric whose attribute
// key has value.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s has data type %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// ─── Construction ────────────────────────────────────────────────────────────

func TestNew_SelectsDefaultOutput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	if got := f.svc.Outputs(); len(got) != 1 || got[0] != "" {
		t.Errorf("Outputs() = %v, want [\"\"]", got)
	}
	ins, outs := f.svc.Devices()
	if len(ins) != 3 || len(outs) != 2 {
		t.Errorf("Devices() = %d inputs, %d outputs; want 3, 2", len(ins), len(outs))
	}
}

func TestNew_OpensConfiguredOutputs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *config.Config) {
		c.Playback.OutputDevices = []string{"out-2"}
	})
	if got := f.svc.Outputs(); len(got) != 1 || got[0] != "out-2" {
		t.Fatalf("Outputs() = %v, want [out-2]", got)
	}
}

func TestNew_SystemAudioDisabledWithoutPlatform(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *config.Config) { c.SystemAudio.Enabled = false })

	if f.svc.SystemAudioSupported() {
		t.Error("SystemAudioSupported() = true with system audio disabled")
	}
	if err := f.svc.ConnectSystemAudio(context.Background(), "src-1"); !errors.Is(err, service.ErrSystemAudioDisabled) {
		t.Errorf("ConnectSystemAudio err = %v, want ErrSystemAudioDisabled", err)
	}
	if _, err := f.svc.SystemAudioSources(context.Background()); !errors.Is(err, service.ErrSystemAudioDisabled) {
		t.Errorf("SystemAudioSources err = %v, want ErrSystemAudioDisabled", err)
	}
}

// ─── Microphone ──────────────────────────────────────────────────────────────

func TestStartCapture_DeliversFrames(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	if err := f.svc.StartCapture(context.Background(), "mic-1"); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if got := f.backend.LastStream().DeviceID; got != "mic-1" {
		t.Errorf("opened device = %q, want mic-1", got)
	}

	// 100 ms chunks at 24 kHz.
	f.backend.Emit(make([]int16, 2400))
	waitFor(t, time.Second, func() bool { return len(f.frames.from(service.SourceMicrophone)) == 1 })

	fr := f.frames.from(service.SourceMicrophone)[0]
	if len(fr.Samples) != 2400 || !fr.IsRecording {
		t.Errorf("frame = %d samples, recording %v; want 2400, true", len(fr.Samples), fr.IsRecording)
	}
	if err := f.svc.StartCapture(context.Background(), "mic-1"); !errors.Is(err, audio.ErrAlreadyConnected) {
		t.Errorf("second StartCapture err = %v, want ErrAlreadyConnected", err)
	}
}

func TestStartCapture_UsesConfiguredDevice(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *config.Config) { c.Capture.DeviceID = "mic-2" })

	if err := f.svc.StartCapture(context.Background(), ""); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if got := f.backend.LastStream().DeviceID; got != "mic-2" {
		t.Errorf("opened device = %q, want mic-2", got)
	}
}

func TestStartCapture_DeviceErrorIsCounted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.backend.OpenErrFor = map[string]error{"mic-1": errors.New("device or resource busy")}

	err := f.svc.StartCapture(context.Background(), "mic-1")
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("StartCapture err = %v, want ErrDeviceUnavailable", err)
	}
	var de *audio.DeviceError
	if !errors.As(err, &de) || de.Reason != audio.ReasonBusy {
		t.Fatalf("StartCapture err = %v, want busy DeviceError", err)
	}
	if got := counterValue(t, f.reader, "lingualink.device.errors", "reason", "busy"); got != 1 {
		t.Errorf("device errors{reason=busy} = %d, want 1", got)
	}
}

func TestPauseResumeStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	if err := f.svc.PauseCapture(); !errors.Is(err, audio.ErrNotBegun) {
		t.Errorf("PauseCapture before start err = %v, want ErrNotBegun", err)
	}
	if err := f.svc.StartCapture(context.Background(), "mic-1"); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if err := f.svc.PauseCapture(); err != nil {
		t.Fatalf("PauseCapture: %v", err)
	}
	if err := f.svc.PauseCapture(); !errors.Is(err, audio.ErrAlreadyPaused) {
		t.Errorf("second PauseCapture err = %v, want ErrAlreadyPaused", err)
	}
	if err := f.svc.ResumeCapture(); err != nil {
		t.Fatalf("ResumeCapture: %v", err)
	}

	// One full chunk plus a remainder that only StopCapture delivers.
	f.backend.Emit(make([]int16, 3400))
	waitFor(t, time.Second, func() bool { return len(f.frames.from(service.SourceMicrophone)) == 1 })

	if n := f.svc.StopCapture(); n != 1000 {
		t.Errorf("StopCapture flushed %d samples, want 1000", n)
	}
	got := f.frames.from(service.SourceMicrophone)
	if len(got) != 2 || len(got[1].Samples) != 1000 {
		t.Errorf("frames after stop = %d, want the 1000-sample remainder last", len(got))
	}
}

func TestSwitchCapture_KeepsRecording(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	if err := f.svc.StartCapture(context.Background(), "mic-1"); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if err := f.svc.SwitchCapture(context.Background(), "mic-2"); err != nil {
		t.Fatalf("SwitchCapture: %v", err)
	}
	st := f.svc.Status().Capture
	if st.DeviceID != "mic-2" || st.State != "recording" {
		t.Errorf("capture status = %+v, want mic-2 recording", st)
	}
	f.backend.Emit(make([]int16, 2400))
	waitFor(t, time.Second, func() bool { return len(f.frames.from(service.SourceMicrophone)) == 1 })
}

func TestPassthrough_MonitorsMicrophone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.svc.SetPassthrough(true, 0.4)
	if on, vol := f.svc.Passthrough(); !on || vol != 0.4 {
		t.Fatalf("Passthrough() = %v, %v; want true, 0.4", on, vol)
	}
	if err := f.svc.StartCapture(context.Background(), "mic-1"); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	f.backend.Emit(make([]int16, 2400))

	sink := f.opener.Last()
	waitFor(t, time.Second, func() bool { return len(sink.Played()) == 1 })
	if got := len(sink.Played()[0].Samples); got != 2400 {
		t.Errorf("monitored %d samples, want 2400", got)
	}
	if got := len(f.frames.from(service.SourceMicrophone)); got != 1 {
		t.Errorf("translation frames = %d, want 1", got)
	}
}

// ─── Playback ────────────────────────────────────────────────────────────────

func TestPlayBuffer_RendersToSink(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	res := f.svc.PlayBuffer(make([]int16, 4800), "utterance-1", 1)
	if !res.Accepted() {
		t.Fatalf("PlayBuffer status = %v", res.Status)
	}
	sink := f.opener.Last()
	waitFor(t, time.Second, func() bool { return len(sink.Played()) == 1 })
}

func TestInterruptAndClear(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.opener.VoiceDuration = 0
	if err := f.svc.SetOutputs(context.Background(), "out-1"); err != nil {
		t.Fatalf("SetOutputs: %v", err)
	}

	if res := f.svc.Interrupt(); res != nil {
		t.Fatalf("Interrupt() while idle = %+v, want nil", res)
	}

	// One second of audio so the render is still running when interrupted.
	f.svc.PlayBuffer(make([]int16, 24000), "t1", 1)
	waitFor(t, time.Second, func() bool {
		tr := f.svc.Tracks()
		return len(tr) == 1 && tr[0].Playing
	})

	res := f.svc.Interrupt()
	if res == nil || res.TrackID != "t1" {
		t.Fatalf("Interrupt() = %+v, want track t1", res)
	}
	if res.Offset < 0 || res.Offset > 24000 {
		t.Errorf("offset %d outside [0, 24000]", res.Offset)
	}
	if got := f.svc.PlayStream(make([]int16, 480), "t1", 1); got.Accepted() {
		t.Errorf("PlayStream on interrupted track status = %v, want dropped", got.Status)
	}
	f.svc.ClearTrack("t1")
	if got := f.svc.PlayStream(make([]int16, 480), "t1", 1); !got.Accepted() {
		t.Errorf("PlayStream after clear status = %v, want accepted", got.Status)
	}
}

func TestSetOutputs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.svc.SetOutputs(ctx, "missing"); !errors.Is(err, service.ErrUnknownDevice) {
		t.Errorf("SetOutputs(missing) err = %v, want ErrUnknownDevice", err)
	}
	if err := f.svc.SetOutputs(ctx, "out-1", "out-2"); err != nil {
		t.Fatalf("SetOutputs: %v", err)
	}
	if got := f.svc.Outputs(); len(got) != 2 || got[0] != "out-1" || got[1] != "out-2" {
		t.Errorf("Outputs() = %v, want [out-1 out-2]", got)
	}
	if err := f.svc.SetOutputs(ctx); err != nil {
		t.Fatalf("SetOutputs(): %v", err)
	}
	if got := f.svc.Outputs(); len(got) != 1 || got[0] != "" {
		t.Errorf("Outputs() = %v, want default", got)
	}
}

func TestSetVolume_Clamps(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.svc.SetVolume(1.7)
	if got := f.svc.Volume(); got != 1 {
		t.Errorf("Volume() = %v, want 1", got)
	}
	f.svc.SetVolume(0.25)
	if got := f.svc.Volume(); got != 0.25 {
		t.Errorf("Volume() = %v, want 0.25", got)
	}
}

// ─── Devices ─────────────────────────────────────────────────────────────────

func TestRefreshDevices_OutputFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		changes []service.DeviceChange
	)
	f.svc.OnDevicesChanged(func(c service.DeviceChange) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, c)
	})

	if err := f.svc.SetOutputs(ctx, "out-2"); err != nil {
		t.Fatalf("SetOutputs: %v", err)
	}
	f.devices.SetOutputs(out1)
	if err := f.svc.RefreshDevices(ctx); err != nil {
		t.Fatalf("RefreshDevices: %v", err)
	}

	if got := f.svc.Outputs(); len(got) != 1 || got[0] != "" {
		t.Errorf("Outputs() = %v, want default after removal", got)
	}
	mu.Lock()
	if len(changes) != 1 || changes[0].Kind != audio.DeviceOutput || len(changes[0].Devices) != 1 {
		t.Errorf("changes = %+v, want one output change with 1 device", changes)
	}
	mu.Unlock()
	if got := counterValue(t, f.reader, "lingualink.device.changes", "kind", "output"); got != 1 {
		t.Errorf("device changes{kind=output} = %d, want 1", got)
	}
}

func TestRefreshDevices_UnchangedListsAreQuiet(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	called := false
	f.svc.OnDevicesChanged(func(service.DeviceChange) { called = true })
	if err := f.svc.RefreshDevices(context.Background()); err != nil {
		t.Fatalf("RefreshDevices: %v", err)
	}
	if called {
		t.Error("listener called for unchanged device lists")
	}
}

func TestRefreshDevices_CaptureFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.svc.StartCapture(ctx, "mic-2"); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	f.devices.SetInputs(mic1, vin)
	if err := f.svc.RefreshDevices(ctx); err != nil {
		t.Fatalf("RefreshDevices: %v", err)
	}

	if last := f.backend.LastStream().DeviceID; last != "" {
		t.Errorf("last open device = %q, want default", last)
	}
	if st := f.svc.Status().Capture.State; st != "recording" {
		t.Errorf("capture state = %q, want recording", st)
	}
}

func TestRefreshDevices_ErrorKeepsLists(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.devices.Err = errors.New("enumeration failed")
	if err := f.svc.RefreshDevices(context.Background()); err == nil {
		t.Fatal("RefreshDevices succeeded with failing enumerator")
	}
	ins, outs := f.svc.Devices()
	if len(ins) != 3 || len(outs) != 2 {
		t.Errorf("Devices() = %d, %d; want previous lists kept", len(ins), len(outs))
	}
}

// ─── System audio ────────────────────────────────────────────────────────────

func TestSystemAudio_Lifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.svc.StartSystemAudio(ctx); !errors.Is(err, systemaudio.ErrNotConnected) {
		t.Fatalf("StartSystemAudio while disconnected err = %v, want ErrNotConnected", err)
	}
	if err := f.svc.ConnectSystemAudio(ctx, "src-1"); err != nil {
		t.Fatalf("ConnectSystemAudio: %v", err)
	}
	if err := f.svc.StartSystemAudio(ctx); err != nil {
		t.Fatalf("StartSystemAudio: %v", err)
	}
	st := f.svc.SystemAudioStatus()
	if !st.SourceConnected || !st.RecordingActive || st.SourceID != "src-1" || st.InputDeviceID != "vin-1" {
		t.Fatalf("status = %+v", st)
	}

	f.backend.Emit(make([]int16, 2400))
	waitFor(t, time.Second, func() bool { return len(f.frames.from(service.SourceSystem)) == 1 })

	if err := f.svc.StopSystemAudio(); err != nil {
		t.Fatalf("StopSystemAudio: %v", err)
	}
	if st := f.svc.SystemAudioStatus(); !st.SourceConnected || st.RecordingActive {
		t.Errorf("after stop status = %+v, want connected idle", st)
	}
	if err := f.svc.DisconnectSystemAudio(ctx); err != nil {
		t.Fatalf("DisconnectSystemAudio: %v", err)
	}
	if f.platform.LinkedSource() != "" {
		t.Errorf("platform still linked to %q", f.platform.LinkedSource())
	}
	if got := counterValue(t, f.reader, "lingualink.system_audio.connects", "status", "ok"); got != 1 {
		t.Errorf("connects{status=ok} = %d, want 1", got)
	}
}

func TestConnectSystemAudio_BreakerOpens(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *config.Config) {
		c.SystemAudio.Breaker.MaxFailures = 2
		c.SystemAudio.Breaker.ResetTimeout = time.Minute
	})
	f.platform.ConnectErr = errors.New("module-loopback failed")
	ctx := context.Background()

	for i := range 2 {
		if err := f.svc.ConnectSystemAudio(ctx, "src-1"); !errors.Is(err, audio.ErrConnectFailed) {
			t.Fatalf("attempt %d err = %v, want ErrConnectFailed", i, err)
		}
	}
	if err := f.svc.ConnectSystemAudio(ctx, "src-1"); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("third attempt err = %v, want ErrCircuitOpen", err)
	}
	if got := len(f.platform.ConnectCalls); got != 2 {
		t.Errorf("platform connect calls = %d, want 2", got)
	}
	if f.svc.RetryAfter() <= 0 {
		t.Error("RetryAfter() = 0 with open breaker")
	}
	if got := counterValue(t, f.reader, "lingualink.system_audio.connects", "status", "rejected"); got != 1 {
		t.Errorf("connects{status=rejected} = %d, want 1", got)
	}
}

func TestConnectSystemAudio_MisuseDoesNotTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *config.Config) { c.SystemAudio.Breaker.MaxFailures = 1 })
	ctx := context.Background()

	if err := f.svc.ConnectSystemAudio(ctx, "src-1"); err != nil {
		t.Fatalf("ConnectSystemAudio: %v", err)
	}
	if err := f.svc.ConnectSystemAudio(ctx, "src-1"); !errors.Is(err, audio.ErrAlreadyConnected) {
		t.Fatalf("second connect err = %v, want ErrAlreadyConnected", err)
	}
	if err := f.svc.DisconnectSystemAudio(ctx); err != nil {
		t.Fatalf("DisconnectSystemAudio: %v", err)
	}
	if err := f.svc.ConnectSystemAudio(ctx, "src-1"); err != nil {
		t.Errorf("reconnect after misuse err = %v, want nil", err)
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	next := *f.cfg
	vol := 0.5
	next.Playback.Volume = &vol
	next.Playback.OutputDevices = []string{"out-2"}
	next.Passthrough.Enabled = true
	next.Passthrough.Volume = 0.4
	next.Capture.DeviceID = "mic-2"
	next.Server.ListenAddr = "127.0.0.1:9999"

	d := config.Diff(f.cfg, &next)
	if err := f.svc.ApplyConfig(ctx, d); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	if got := f.svc.Volume(); got != 0.5 {
		t.Errorf("Volume() = %v, want 0.5", got)
	}
	if got := f.svc.Outputs(); len(got) != 1 || got[0] != "out-2" {
		t.Errorf("Outputs() = %v, want [out-2]", got)
	}
	if on, v := f.svc.Passthrough(); !on || v != 0.4 {
		t.Errorf("Passthrough() = %v, %v; want true, 0.4", on, v)
	}
	if err := f.svc.StartCapture(ctx, ""); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if got := f.backend.LastStream().DeviceID; got != "mic-2" {
		t.Errorf("capture device = %q, want mic-2 from reloaded config", got)
	}
}

func TestApplyConfig_RelinksSystemAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.platform.Sources = append(f.platform.Sources, audio.SystemAudioSource{ID: "src-2", Label: "Browser"})
	ctx := context.Background()

	if err := f.svc.ConnectSystemAudio(ctx, "src-1"); err != nil {
		t.Fatalf("ConnectSystemAudio: %v", err)
	}
	if err := f.svc.StartSystemAudio(ctx); err != nil {
		t.Fatalf("StartSystemAudio: %v", err)
	}

	err := f.svc.ApplyConfig(ctx, config.ConfigDiff{SystemAudioSourceChanged: true, NewSystemAudioSource: "src-2"})
	if err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	st := f.svc.SystemAudioStatus()
	if st.SourceID != "src-2" || !st.RecordingActive {
		t.Errorf("status = %+v, want recording src-2", st)
	}
	if f.platform.LinkedSource() != "src-2" {
		t.Errorf("platform linked to %q, want src-2", f.platform.LinkedSource())
	}
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestShutdown_ReleasesDevicesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.svc.StartCapture(ctx, "mic-1"); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if err := f.svc.ConnectSystemAudio(ctx, "src-1"); err != nil {
		t.Fatalf("ConnectSystemAudio: %v", err)
	}

	if err := f.svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !f.backend.LastStream().IsClosed() {
		t.Error("capture stream not closed")
	}
	if f.platform.LinkedSource() != "" {
		t.Error("loopback link still active after shutdown")
	}
	if err := f.svc.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if err := f.svc.StartCapture(ctx, "mic-1"); !errors.Is(err, service.ErrClosed) {
		t.Errorf("StartCapture after shutdown err = %v, want ErrClosed", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *config.Config) {
		c.Server.ListenAddr = "127.0.0.1:0"
		c.Devices.RefreshInterval = 10 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	// The watcher keeps enumerating while Run is active.
	f.devices.SetOutputs(out1)
	waitFor(t, time.Second, func() bool {
		_, outs := f.svc.Devices()
		return len(outs) == 1
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_AutoConnectsConfiguredSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *config.Config) { c.SystemAudio.SourceID = "src-1" })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return f.svc.SystemAudioStatus().RecordingActive })
	cancel()
	<-done
}
