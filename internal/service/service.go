// Package service wires the lingualink audio pipeline into one facade.
//
// The Service owns the microphone capture engine, the streaming playback
// engine, the passthrough router, the virtual microphone bridge and its
// transports, and the system audio controller. It keeps the host device
// lists, selects playback sinks, and exposes the public operations consumed
// by the translation client and the HTTP control API.
//
// New creates and connects all components, Run serves HTTP and watches for
// device changes, and Shutdown tears everything down in order.
//
// For testing, pass in-memory backends (see package mock) through [Backends]
// and a private [observe.Metrics] via [WithMetrics].
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/MrWong99/lingualink/internal/config"
	"github.com/MrWong99/lingualink/internal/observe"
	"github.com/MrWong99/lingualink/internal/resilience"
	"github.com/MrWong99/lingualink/pkg/audio"
	"github.com/MrWong99/lingualink/pkg/audio/capture"
	"github.com/MrWong99/lingualink/pkg/audio/passthrough"
	"github.com/MrWong99/lingualink/pkg/audio/playback"
	"github.com/MrWong99/lingualink/pkg/audio/systemaudio"
	"github.com/MrWong99/lingualink/pkg/audio/virtualmic"
	"github.com/MrWong99/lingualink/pkg/audio/virtualmic/webrtc"
)

var (
	// ErrSystemAudioDisabled is returned by system audio operations when no
	// platform is configured.
	ErrSystemAudioDisabled = errors.New("service: system audio disabled")

	// ErrUnknownDevice is returned when a requested device is not in the
	// current device list.
	ErrUnknownDevice = errors.New("service: unknown device")

	// ErrClosed is returned by operations after Shutdown.
	ErrClosed = errors.New("service: shut down")
)

// Source identifies where a captured frame came from.
type Source string

const (
	SourceMicrophone Source = "microphone"
	SourceSystem     Source = "system"
)

// FrameHandler receives captured frames bound for the translation client.
// It runs on a capture engine's control goroutine and must not block. The
// frame's samples are owned by the handler.
type FrameHandler func(src Source, f audio.Frame)

// Backends holds the host audio integrations. Nil fields disable the
// component that needs them. Populated by main.go via the config registry.
type Backends struct {
	// Capture lists microphone backends in preference order.
	Capture []audio.CaptureBackend

	// Sinks opens playback devices. Without it playback is timed but silent.
	Sinks audio.SinkOpener

	// Devices enumerates inputs and outputs.
	Devices audio.DeviceEnumerator

	// Platform switches the system audio loopback link.
	Platform audio.SystemAudioPlatform
}

// DeviceChange is delivered to listeners registered with
// [Service.OnDevicesChanged]. Devices is the complete new list.
type DeviceChange struct {
	Kind    audio.DeviceKind
	Devices []audio.DeviceDescriptor
}

// Service owns all pipeline component lifetimes.
type Service struct {
	cfg      *config.Config
	backends Backends
	log      *slog.Logger
	metrics  *observe.Metrics
	handler  FrameHandler
	rtcOpts  []webrtc.Option

	// Components, initialised in New and torn down in Shutdown.
	capture  *capture.Engine
	playback *playback.Engine
	router   *passthrough.Router
	bridge   *virtualmic.Bridge
	hub      *virtualmic.Hub
	rtc      *webrtc.Transport
	system   *systemaudio.Controller
	breaker  *resilience.CircuitBreaker

	closers []func() error

	refreshLog rate.Sometimes

	mu            sync.Mutex
	inputs        []audio.DeviceDescriptor
	outputs       []audio.DeviceDescriptor
	refreshErr    error
	refreshedAt   time.Time
	listeners     []func(DeviceChange)
	captureDevice string

	stopOnce sync.Once
	closed   atomic.Bool
}

// Option is a functional option for [New].
type Option func(*Service)

// WithFrameHandler sets the consumer of captured microphone and system
// audio frames. Without one, frames only feed passthrough.
func WithFrameHandler(h FrameHandler) Option {
	return func(s *Service) { s.handler = h }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithWebRTCOptions appends options for the WebRTC virtual microphone
// transport, such as a custom peer factory or encoder.
func WithWebRTCOptions(opts ...webrtc.Option) Option {
	return func(s *Service) { s.rtcOpts = append(s.rtcOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates a Service from cfg and backends. cfg must already be
// validated. On error every component created so far is closed.
func New(ctx context.Context, cfg *config.Config, backends *Backends, opts ...Option) (*Service, error) {
	if backends == nil {
		backends = &Backends{}
	}
	s := &Service{
		cfg:           cfg,
		backends:      *backends,
		log:           slog.Default(),
		refreshLog:    rate.Sometimes{First: 1, Interval: time.Minute},
		captureDevice: cfg.Capture.DeviceID,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	// ── 1. Virtual microphone ────────────────────────────────────────────
	if err := s.initVirtualMic(); err != nil {
		s.closeAll()
		return nil, err
	}

	// ── 2. Playback ──────────────────────────────────────────────────────
	s.initPlayback()

	// ── 3. Passthrough ───────────────────────────────────────────────────
	s.initPassthrough()

	// ── 4. Microphone capture ────────────────────────────────────────────
	s.initCapture()

	// ── 5. System audio ──────────────────────────────────────────────────
	s.initSystemAudio()

	// ── 6. Devices + output selection ────────────────────────────────────
	if err := s.initDevices(ctx); err != nil {
		s.closeAll()
		return nil, err
	}

	// ── 7. Metrics ───────────────────────────────────────────────────────
	reg, err := s.metrics.Observe(s.snapshot)
	if err != nil {
		s.closeAll()
		return nil, fmt.Errorf("service: register metrics: %w", err)
	}
	s.closers = append(s.closers, reg.Unregister)

	return s, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (s *Service) initVirtualMic() error {
	vc := s.cfg.VirtualMic
	if !vc.Enabled {
		return nil
	}
	s.bridge = virtualmic.NewBridge(
		virtualmic.WithSampleRate(s.cfg.Audio.SampleRate),
		virtualmic.WithQueueSize(vc.QueueSize),
		virtualmic.WithLogger(s.log),
	)
	s.hub = virtualmic.NewHub(
		virtualmic.WithOriginPatterns(vc.OriginPatterns...),
		virtualmic.WithHubLogger(s.log),
	)
	s.bridge.Attach(s.hub)

	if vc.WebRTC.Enabled {
		opts := append([]webrtc.Option{
			webrtc.WithICEServers(vc.WebRTC.ICEServers...),
			webrtc.WithBitrate(vc.WebRTC.Bitrate),
			webrtc.WithLogger(s.log),
		}, s.rtcOpts...)
		t, err := webrtc.New(opts...)
		if err != nil {
			return fmt.Errorf("service: create webrtc transport: %w", err)
		}
		s.rtc = t
		s.bridge.Attach(t)
	}
	s.log.Info("virtual microphone ready", "path", vc.Path, "transports", s.bridge.Transports())
	return nil
}

func (s *Service) initPlayback() {
	pc := s.cfg.Playback
	opts := []playback.Option{
		playback.WithSampleRate(s.cfg.Audio.SampleRate),
		playback.WithMinBuffer(pc.MinBuffer),
		playback.WithFlushDelay(pc.FlushDelay),
		playback.WithPollInterval(pc.PollInterval),
		playback.WithVolume(pc.GlobalVolume()),
		playback.WithLogger(s.log),
	}
	if s.backends.Sinks != nil {
		opts = append(opts, playback.WithSinkOpener(s.backends.Sinks))
	}
	if s.bridge != nil {
		bridge := s.bridge
		opts = append(opts, playback.WithTap(func(trackID string, samples []int16) {
			bridge.Send(samples, trackID)
		}))
	}
	s.playback = playback.New(opts...)
}

func (s *Service) initPassthrough() {
	pc := s.cfg.Passthrough
	opts := []passthrough.Option{
		passthrough.WithEnabled(pc.Enabled),
		passthrough.WithVolume(pc.Volume),
		passthrough.WithDelay(pc.Delay),
		passthrough.WithMaxBuffered(pc.MaxBuffered),
		passthrough.WithMonitor(s.playback),
		passthrough.WithLogger(s.log),
	}
	if s.bridge != nil {
		opts = append(opts, passthrough.WithForwarder(s.bridge))
	}
	s.router = passthrough.New(opts...)
}

func (s *Service) initCapture() {
	cc := s.cfg.Capture
	s.capture = capture.New(
		capture.WithBackends(s.backends.Capture...),
		capture.WithConstraints(audio.Constraints{
			SampleRate:            s.cfg.Audio.SampleRate,
			Channels:              1,
			EchoCancellation:      echoMode(cc.EchoCancellation),
			AutoGainControl:       cc.AGC(),
			SuppressLocalPlayback: true,
			Latency:               cc.Latency,
			PollBlockSize:         cc.PollBlockSize,
		}),
		capture.WithQueueDepth(cc.QueueDepth),
		capture.WithLogger(s.log),
	)
	s.capture.SetupPassthrough(s.cfg.Passthrough.Enabled, s.cfg.Passthrough.Volume)
}

func (s *Service) initSystemAudio() {
	sc := s.cfg.SystemAudio
	if !sc.Enabled || s.backends.Platform == nil {
		return
	}
	s.system = systemaudio.New(s.backends.Platform, s.backends.Devices,
		systemaudio.WithInputLabel(sc.InputLabel),
		systemaudio.WithSampleRate(s.cfg.Audio.SampleRate),
		systemaudio.WithChunkInterval(sc.ChunkInterval),
		systemaudio.WithRecorderFactory(systemaudio.CaptureFactory(s.log, s.backends.Capture...)),
		systemaudio.WithLogger(s.log),
	)
	s.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "system_audio",
		MaxFailures:  sc.Breaker.MaxFailures,
		ResetTimeout: sc.Breaker.ResetTimeout,
		IsFailure:    isConnectFailure,
		Logger:       s.log,
	})
}

func (s *Service) initDevices(ctx context.Context) error {
	if s.backends.Devices != nil {
		if err := s.RefreshDevices(ctx); err != nil {
			s.log.Warn("initial device enumeration failed", "err", err)
		}
	}
	if s.backends.Sinks == nil {
		s.log.Warn("no playback backend, translated audio will not be audible")
		return nil
	}
	want := s.cfg.Playback.OutputDevices
	if len(want) == 0 {
		want = []string{""}
	}
	err := s.playback.SetSinks(ctx, want...)
	if err == nil {
		return nil
	}
	if len(want) == 1 && want[0] == "" {
		return fmt.Errorf("service: open default output: %w", err)
	}
	s.log.Warn("configured outputs unavailable, using default", "devices", want, "err", err)
	if err := s.playback.SetSink(ctx, ""); err != nil {
		return fmt.Errorf("service: open default output: %w", err)
	}
	return nil
}

// closeAll registers the component closers in teardown order and runs them.
// Used when New fails halfway.
func (s *Service) closeAll() {
	s.registerClosers()
	for _, c := range s.closers {
		_ = c()
	}
}

// registerClosers appends component closers in teardown order: sources
// first, then the paths they feed.
func (s *Service) registerClosers() {
	if s.system != nil {
		s.closers = append(s.closers, s.system.Close)
	}
	if s.capture != nil {
		s.closers = append(s.closers, func() error { s.capture.End(); return nil })
	}
	if s.router != nil {
		s.closers = append(s.closers, s.router.Close)
	}
	if s.playback != nil {
		s.closers = append(s.closers, s.playback.Close)
	}
	if s.bridge != nil {
		s.closers = append(s.closers, s.bridge.Close)
	}
	if s.rtc != nil {
		s.closers = append(s.closers, s.rtc.Close)
	}
	if s.hub != nil {
		s.closers = append(s.closers, s.hub.Close)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API when a listen address is configured, watches for
// device changes, and connects the configured system audio source. It
// blocks until ctx is cancelled or the server fails.
func (s *Service) Run(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.watchDevices(ctx)
		return nil
	})

	if src := s.cfg.SystemAudio.SourceID; src != "" && s.system != nil {
		g.Go(func() error {
			s.autoConnect(ctx, src)
			return nil
		})
	}

	if addr := s.cfg.Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("service: listen %s: %w", addr, err)
		}
		srv := &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		s.log.Info("http api listening", "addr", ln.Addr().String())

		g.Go(func() error {
			var err error
			if tls := s.cfg.Server.TLS; tls != nil {
				err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			} else {
				err = srv.Serve(ln)
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("service: serve http: %w", err)
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	return g.Wait()
}

// autoConnect links the configured source and starts recording it.
func (s *Service) autoConnect(ctx context.Context, sourceID string) {
	if err := s.ConnectSystemAudio(ctx, sourceID); err != nil {
		s.log.Warn("system audio auto-connect failed", "source_id", sourceID, "err", err)
		return
	}
	if err := s.StartSystemAudio(ctx); err != nil {
		s.log.Warn("system audio auto-record failed", "source_id", sourceID, "err", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops capture, disconnects the system audio link, and closes
// every component. Closers that are still pending when ctx expires are
// skipped. Safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	s.stopOnce.Do(func() {
		s.closed.Store(true)
		closers := s.closers
		s.closers = nil
		s.registerClosers()
		// The metrics registration was added first but must go last.
		closers = append(s.closers, closers...)

		s.log.Info("shutting down", "closers", len(closers))
		for i, closer := range closers {
			select {
			case <-ctx.Done():
				s.log.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
				errs = append(errs, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				s.log.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		s.log.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (s *Service) deliver(src Source, f audio.Frame) {
	if s.handler != nil {
		s.handler(src, f)
	}
}

// onMicrophone feeds a captured microphone frame to passthrough and the
// translation client. The router copies what it keeps.
func (s *Service) onMicrophone(f audio.Frame) {
	s.router.Push(f)
	s.deliver(SourceMicrophone, f)
}

func (s *Service) onSystem(f audio.Frame) {
	s.deliver(SourceSystem, f)
}

func (s *Service) snapshot() observe.Snapshot {
	cs := s.capture.Stats()
	ps := s.playback.Stats()
	snap := observe.Snapshot{
		CaptureFrames:      cs.Frames,
		CaptureDropped:     cs.Dropped,
		PlaybackBuffers:    ps.BuffersPlayed,
		RenderFailures:     ps.RenderFailures,
		Interrupts:         ps.Interrupts,
		DroppedInterrupted: ps.DroppedInterrupted,
		PassthroughRouted:  s.router.Routed(),
		PassthroughDropped: s.router.Dropped(),
		ActiveTracks:       ps.ActiveTracks,
	}
	if s.bridge != nil {
		bs := s.bridge.Stats()
		snap.VirtualMicMessages = bs.Messages
		snap.VirtualMicDropped = bs.Dropped
		snap.VirtualMicFailures = bs.Failures
		snap.VirtualMicClients = s.hub.ClientCount()
	}
	if s.rtc != nil {
		snap.WebRTCPeers = s.rtc.PeerCount()
	}
	return snap
}

func echoMode(e config.EchoCancellation) audio.EchoCancellation {
	switch e {
	case config.EchoOff:
		return audio.EchoCancellationOff
	case config.EchoOn:
		return audio.EchoCancellationOn
	default:
		return audio.EchoCancellationSystem
	}
}

// isConnectFailure counts only link failures against the breaker. Misuse
// such as connecting twice or an unsupported host passes through.
func isConnectFailure(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, audio.ErrAlreadyConnected),
		errors.Is(err, audio.ErrBackendUnsupported),
		errors.Is(err, systemaudio.ErrLinkInUse):
		return false
	}
	return true
}
