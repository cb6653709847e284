// Package systemaudio captures participant audio through an OS loopback
// link.
//
// Connecting a source and recording from it are separate steps: the link
// switch is expensive and happens once, while recording starts and stops per
// session. The [Controller] state machine is
//
//	Disconnected ──ConnectSource──▶ ConnectedIdle ──StartRecording──▶ ConnectedRecording
//	     ▲                              ▲     │                              │
//	     └───────DisconnectSource───────┴─────┘◀────────StopRecording────────┘
package systemaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/lingualink/pkg/audio"
	"github.com/MrWong99/lingualink/pkg/audio/capture"
)

// DefaultInputLabel matches the virtual input the loopback link feeds.
const DefaultInputLabel = "lingualink-system-audio"

// DefaultChunkInterval is the recording delivery interval.
const DefaultChunkInterval = 100 * time.Millisecond

var (
	// ErrNotConnected is returned when recording is requested without a
	// connected source.
	ErrNotConnected = errors.New("systemaudio: no source connected")

	// ErrLinkInUse is returned when another controller owns the platform's
	// loopback link.
	ErrLinkInUse = errors.New("systemaudio: loopback link owned by another controller")
)

// State is the controller state.
type State int

const (
	StateDisconnected State = iota
	StateConnectedIdle
	StateConnectedRecording
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnectedIdle:
		return "connected_idle"
	case StateConnectedRecording:
		return "connected_recording"
	default:
		return "unknown"
	}
}

// Status is the externally visible connection state.
type Status struct {
	State           State  `json:"-"`
	SourceConnected bool   `json:"sourceConnected"`
	RecordingActive bool   `json:"recordingActive"`
	SourceID        string `json:"sourceId,omitempty"`
	InputDeviceID   string `json:"inputDeviceId,omitempty"`
}

// Recorder is the subset of [capture.Engine] the controller drives.
type Recorder interface {
	Begin(ctx context.Context, deviceID string) error
	Record(cb func(audio.Frame), chunkInterval time.Duration) error
	End() []int16
}

// RecorderFactory creates a fresh recorder for each recording session.
type RecorderFactory func(c audio.Constraints) Recorder

// Constraints returns the acquisition constraints for participant audio:
// no echo cancellation and no gain control, so the remote audio reaches the
// translator unmodified.
func Constraints(sampleRate int) audio.Constraints {
	c := audio.DefaultConstraints()
	if sampleRate > 0 {
		c.SampleRate = sampleRate
	}
	c.EchoCancellation = audio.EchoCancellationOff
	c.AutoGainControl = false
	c.SuppressLocalPlayback = false
	return c
}

// CaptureFactory returns a [RecorderFactory] building capture engines over
// backends.
func CaptureFactory(log *slog.Logger, backends ...audio.CaptureBackend) RecorderFactory {
	return func(c audio.Constraints) Recorder {
		return capture.New(
			capture.WithBackends(backends...),
			capture.WithConstraints(c),
			capture.WithLogger(log),
		)
	}
}

// Option configures a [Controller].
type Option func(*Controller)

// WithInputLabel sets the label substring identifying the virtual input.
func WithInputLabel(label string) Option {
	return func(c *Controller) {
		if label != "" {
			c.inputLabel = label
		}
	}
}

// WithSampleRate sets the recording sample rate.
func WithSampleRate(hz int) Option {
	return func(c *Controller) {
		c.sampleRate = hz
	}
}

// WithChunkInterval sets the recording delivery interval.
func WithChunkInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.chunkInterval = d
		}
	}
}

// WithRecorderFactory sets how recording engines are created.
func WithRecorderFactory(f RecorderFactory) Option {
	return func(c *Controller) {
		c.factory = f
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// links records which controller owns each platform's loopback link.
var links = struct {
	sync.Mutex
	owners map[audio.SystemAudioPlatform]*Controller
}{owners: make(map[audio.SystemAudioPlatform]*Controller)}

// Controller drives the system-audio state machine. Operations are
// serialized; [Controller.Status] never waits for a running operation.
type Controller struct {
	platform      audio.SystemAudioPlatform
	devices       audio.DeviceEnumerator
	factory       RecorderFactory
	inputLabel    string
	sampleRate    int
	chunkInterval time.Duration
	log           *slog.Logger

	op sync.Mutex // serializes state transitions

	mu       sync.Mutex
	state    State
	sourceID string
	inputID  string
	recorder Recorder
	callback func(audio.Frame)
}

// New creates a disconnected controller. platform must be a comparable
// value, typically a pointer.
func New(platform audio.SystemAudioPlatform, devices audio.DeviceEnumerator, opts ...Option) *Controller {
	c := &Controller{
		platform:      platform,
		devices:       devices,
		inputLabel:    DefaultInputLabel,
		sampleRate:    audio.DefaultSampleRate,
		chunkInterval: DefaultChunkInterval,
		log:           slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.factory == nil {
		c.factory = CaptureFactory(c.log)
	}
	return c
}

// Supported reports whether the platform can capture system audio.
func (c *Controller) Supported() bool {
	return c.platform != nil && c.platform.SupportsSystemAudioCapture()
}

// Sources lists the loopback sources the platform offers.
func (c *Controller) Sources(ctx context.Context) ([]audio.SystemAudioSource, error) {
	if !c.Supported() {
		return nil, fmt.Errorf("systemaudio: list sources: %w", audio.ErrBackendUnsupported)
	}
	srcs, err := c.platform.ListSystemAudioSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("systemaudio: list sources: %w", err)
	}
	return srcs, nil
}

// ConnectSource links sourceID into the virtual input. On failure the
// controller stays disconnected and the error wraps [audio.ErrConnectFailed].
func (c *Controller) ConnectSource(ctx context.Context, sourceID string) error {
	c.op.Lock()
	defer c.op.Unlock()

	if c.State() != StateDisconnected {
		return fmt.Errorf("systemaudio: connect %q: %w", sourceID, audio.ErrAlreadyConnected)
	}
	if !c.Supported() {
		return fmt.Errorf("%w: %q: %w", audio.ErrConnectFailed, sourceID, audio.ErrBackendUnsupported)
	}
	if err := c.claimLink(); err != nil {
		return fmt.Errorf("%w: %q: %w", audio.ErrConnectFailed, sourceID, err)
	}
	if err := c.platform.ConnectSystemAudioSource(ctx, sourceID); err != nil {
		c.releaseLink()
		return fmt.Errorf("%w: %q: %w", audio.ErrConnectFailed, sourceID, err)
	}

	c.mu.Lock()
	c.state = StateConnectedIdle
	c.sourceID = sourceID
	c.mu.Unlock()
	c.log.Info("systemaudio: source connected", "source_id", sourceID)
	return nil
}

// StartRecording opens a fresh capture engine on the virtual input and
// starts delivering frames to cb. Any failure leaves the controller in
// ConnectedIdle; called while disconnected it fails with no side effects.
func (c *Controller) StartRecording(ctx context.Context, cb func(audio.Frame)) error {
	if cb == nil {
		return errors.New("systemaudio: start recording: nil callback")
	}
	c.op.Lock()
	defer c.op.Unlock()

	switch c.State() {
	case StateDisconnected:
		return fmt.Errorf("systemaudio: start recording: %w", ErrNotConnected)
	case StateConnectedRecording:
		return fmt.Errorf("systemaudio: start recording: %w", audio.ErrAlreadyRecording)
	}

	input, err := c.findInput(ctx)
	if err != nil {
		return err
	}
	rec := c.factory(Constraints(c.sampleRate))
	if err := rec.Begin(ctx, input.ID); err != nil {
		rec.End()
		return fmt.Errorf("systemaudio: open %q: %w", input.Label, err)
	}
	if err := rec.Record(cb, c.chunkInterval); err != nil {
		rec.End()
		return fmt.Errorf("systemaudio: record %q: %w", input.Label, err)
	}

	c.mu.Lock()
	c.state = StateConnectedRecording
	c.recorder = rec
	c.callback = cb
	c.inputID = input.ID
	c.mu.Unlock()
	c.log.Info("systemaudio: recording started", "input", input.Label, "device_id", input.ID)
	return nil
}

// StopRecording ends the recording and keeps the link. Audio still buffered
// in the engine is delivered to the callback as a final frame. Calling it
// when not recording is a no-op.
func (c *Controller) StopRecording() error {
	c.op.Lock()
	defer c.op.Unlock()
	c.stopLocked()
	return nil
}

// DisconnectSource stops any recording and tears down the link. The
// controller ends Disconnected even when the platform call fails.
func (c *Controller) DisconnectSource(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.stopLocked()
	if c.State() == StateDisconnected {
		return nil
	}

	err := c.platform.DisconnectSystemAudioSource(ctx)
	c.releaseLink()
	c.mu.Lock()
	source := c.sourceID
	c.state = StateDisconnected
	c.sourceID = ""
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("systemaudio: disconnect failed", "source_id", source, "err", err)
		return fmt.Errorf("systemaudio: disconnect %q: %w", source, err)
	}
	c.log.Info("systemaudio: source disconnected", "source_id", source)
	return nil
}

// Close disconnects the source.
func (c *Controller) Close() error {
	return c.DisconnectSource(context.Background())
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the current status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:           c.state,
		SourceConnected: c.state != StateDisconnected,
		RecordingActive: c.state == StateConnectedRecording,
		SourceID:        c.sourceID,
		InputDeviceID:   c.inputID,
	}
}

// stopLocked ends the active recording. Caller holds c.op.
func (c *Controller) stopLocked() {
	c.mu.Lock()
	rec, cb := c.recorder, c.callback
	if c.state != StateConnectedRecording {
		c.mu.Unlock()
		return
	}
	c.state = StateConnectedIdle
	c.recorder, c.callback, c.inputID = nil, nil, ""
	c.mu.Unlock()

	if tail := rec.End(); len(tail) > 0 {
		cb(audio.Frame{
			Samples:     tail,
			SampleRate:  c.sampleRate,
			Timestamp:   time.Now(),
			IsRecording: true,
		})
	}
	c.log.Info("systemaudio: recording stopped")
}

func (c *Controller) findInput(ctx context.Context) (audio.DeviceDescriptor, error) {
	if c.devices == nil {
		return audio.DeviceDescriptor{}, fmt.Errorf("systemaudio: find input: %w", audio.ErrBackendUnsupported)
	}
	inputs, err := c.devices.Inputs(ctx)
	if err != nil {
		return audio.DeviceDescriptor{}, fmt.Errorf("systemaudio: list inputs: %w", err)
	}
	d, ok := audio.FindByLabel(inputs, c.inputLabel)
	if !ok {
		// Labels may be localized descriptions; the platform keeps the
		// configured name in the device ID, e.g. "<label>.monitor".
		d, ok = findByIDPrefix(inputs, c.inputLabel)
	}
	if !ok {
		return audio.DeviceDescriptor{}, &audio.DeviceError{
			Reason:   audio.ReasonNotFound,
			DeviceID: c.inputLabel,
			Err:      errors.New("virtual input not present"),
		}
	}
	return d, nil
}

func findByIDPrefix(devices []audio.DeviceDescriptor, prefix string) (audio.DeviceDescriptor, bool) {
	if d, ok := audio.FindByID(devices, prefix); ok {
		return d, true
	}
	for _, d := range devices {
		if strings.HasPrefix(d.ID, prefix+".") {
			return d, true
		}
	}
	return audio.DeviceDescriptor{}, false
}

func (c *Controller) claimLink() error {
	links.Lock()
	defer links.Unlock()
	if owner, ok := links.owners[c.platform]; ok && owner != c {
		return ErrLinkInUse
	}
	links.owners[c.platform] = c
	return nil
}

func (c *Controller) releaseLink() {
	links.Lock()
	defer links.Unlock()
	if links.owners[c.platform] == c {
		delete(links.owners, c.platform)
	}
}
