// Package pulse integrates with a PulseAudio or PipeWire-pulse server. It
// provides the Linux system-audio platform, which switches a module-loopback
// link from any monitor source into a pre-existing virtual sink, plus a
// capture backend and device enumeration over the same connection.
package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"

	"github.com/MrWong99/lingualink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.SystemAudioPlatform = (*Platform)(nil)
	_ audio.DeviceEnumerator    = (*Platform)(nil)
	_ audio.CaptureBackend      = (*Platform)(nil)
)

// DefaultVirtualSink is the null sink whose monitor is the system-audio
// virtual input.
const DefaultVirtualSink = "lingualink-system-audio"

const (
	monitorSuffix  = ".monitor"
	loopbackModule = "module-loopback"
	loopbackMs     = 20
)

// Option configures a [Platform].
type Option func(*Platform)

// WithVirtualSink sets the name of the virtual sink loopback audio is
// routed into.
func WithVirtualSink(name string) Option {
	return func(p *Platform) {
		if name != "" {
			p.virtualSink = name
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Platform) {
		if l != nil {
			p.log = l
		}
	}
}

// Platform is a connection to the sound server.
type Platform struct {
	client      *pulse.Client
	virtualSink string
	log         *slog.Logger

	mu     sync.Mutex
	module *uint32 // loaded loopback module index
}

// New connects to the sound server.
func New(opts ...Option) (*Platform, error) {
	p := &Platform{virtualSink: DefaultVirtualSink, log: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	client, err := pulse.NewClient(pulse.ClientApplicationName("lingualink"))
	if err != nil {
		return nil, fmt.Errorf("pulse: connect: %w", err)
	}
	p.client = client
	return p, nil
}

// Name implements [audio.CaptureBackend].
func (p *Platform) Name() string { return "pulse" }

// SupportsSystemAudioCapture implements [audio.SystemAudioPlatform]. It
// requires the virtual sink to exist.
func (p *Platform) SupportsSystemAudioCapture() bool {
	_, err := p.client.SinkByID(p.virtualSink)
	return err == nil
}

// ListSystemAudioSources implements [audio.SystemAudioPlatform]. Every
// monitor source except the virtual sink's own is a candidate.
func (p *Platform) ListSystemAudioSources(ctx context.Context) ([]audio.SystemAudioSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sources, err := p.client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("pulse: list sources: %w", err)
	}
	return monitorSources(sources, p.virtualSink), nil
}

// ConnectSystemAudioSource implements [audio.SystemAudioPlatform]. An
// existing link is replaced.
func (p *Platform) ConnectSystemAudioSource(ctx context.Context, sourceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.unloadLocked(); err != nil {
		return err
	}
	var reply proto.LoadModuleReply
	err := p.client.RawRequest(&proto.LoadModule{
		Name: loopbackModule,
		Args: loopbackArgs(sourceID, p.virtualSink),
	}, &reply)
	if err != nil {
		return fmt.Errorf("pulse: load %s for %q: %w", loopbackModule, sourceID, err)
	}
	idx := reply.ModuleIndex
	p.module = &idx
	p.log.Info("pulse: loopback linked", "source", sourceID, "sink", p.virtualSink, "module", idx)
	return nil
}

// DisconnectSystemAudioSource implements [audio.SystemAudioPlatform].
func (p *Platform) DisconnectSystemAudioSource(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unloadLocked()
}

// Inputs implements [audio.DeviceEnumerator].
func (p *Platform) Inputs(context.Context) ([]audio.DeviceDescriptor, error) {
	sources, err := p.client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("pulse: list sources: %w", err)
	}
	def, _ := p.client.DefaultSource()
	out := make([]audio.DeviceDescriptor, 0, len(sources))
	for _, s := range sources {
		d := audio.NewDeviceDescriptor(audio.DeviceInput, s.ID(), s.Name())
		d.IsDefault = def != nil && def.ID() == s.ID()
		if s.ID() == p.virtualSink+monitorSuffix {
			d.IsVirtual = true
		}
		out = append(out, d)
	}
	return out, nil
}

// Outputs implements [audio.DeviceEnumerator].
func (p *Platform) Outputs(context.Context) ([]audio.DeviceDescriptor, error) {
	sinks, err := p.client.ListSinks()
	if err != nil {
		return nil, fmt.Errorf("pulse: list sinks: %w", err)
	}
	def, _ := p.client.DefaultSink()
	out := make([]audio.DeviceDescriptor, 0, len(sinks))
	for _, s := range sinks {
		d := audio.NewDeviceDescriptor(audio.DeviceOutput, s.ID(), s.Name())
		d.IsDefault = def != nil && def.ID() == s.ID()
		out = append(out, d)
	}
	return out, nil
}

// Close unloads any loopback link and closes the connection.
func (p *Platform) Close() error {
	p.mu.Lock()
	err := p.unloadLocked()
	p.mu.Unlock()
	p.client.Close()
	return err
}

func (p *Platform) unloadLocked() error {
	if p.module == nil {
		return nil
	}
	idx := *p.module
	if err := p.client.RawRequest(&proto.UnloadModule{ModuleIndex: idx}, nil); err != nil {
		return fmt.Errorf("pulse: unload module %d: %w", idx, err)
	}
	p.module = nil
	p.log.Info("pulse: loopback unlinked", "module", idx)
	return nil
}

// loopbackArgs builds the module-loopback argument string.
func loopbackArgs(source, sink string) string {
	return fmt.Sprintf("source=%s sink=%s latency_msec=%d source_dont_move=true sink_dont_move=true",
		source, sink, loopbackMs)
}

// namedSource is the subset of *pulse.Source used for filtering.
type namedSource interface {
	ID() string
	Name() string
}

func monitorSources[S namedSource](sources []S, virtualSink string) []audio.SystemAudioSource {
	own := virtualSink + monitorSuffix
	out := make([]audio.SystemAudioSource, 0, len(sources))
	for _, s := range sources {
		id := s.ID()
		if !strings.HasSuffix(id, monitorSuffix) || id == own {
			continue
		}
		out = append(out, audio.SystemAudioSource{ID: id, Label: s.Name()})
	}
	return out
}
