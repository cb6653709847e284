// Package capture turns a host input device into a continuous stream of
// 16-bit PCM frames.
//
// The [Engine] owns one device at a time. Audio arrives on the backend's
// real-time thread, is copied into a preallocated block, and is handed to a
// control goroutine over a bounded single-producer/single-consumer channel.
// The control goroutine assembles frames of the requested chunk length and
// invokes the recording callback. The real-time side never blocks and does
// not allocate on the steady path: when the channel or the free list is
// exhausted the block is dropped and counted.
//
// Backends are tried in preference order at [Engine.Begin] time. A backend
// that returns [audio.ErrBackendUnsupported] is skipped, so a low-latency
// callback backend can fall back to a polling backend without the rest of
// the engine knowing which one is active.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/lingualink/pkg/audio"
)

// ErrSuperseded is returned by [Engine.Begin] or [Engine.SwitchDevice] when a
// newer acquisition started before this one completed.
var ErrSuperseded = errors.New("capture: acquisition superseded")

// ErrNoBackend is returned when no configured backend could open a stream.
var ErrNoBackend = errors.New("capture: no usable backend")

// State is the recording session state of an [Engine].
type State int

const (
	StateEnded State = iota
	StatePaused
	StateRecording
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateEnded:
		return "ended"
	case StatePaused:
		return "paused"
	case StateRecording:
		return "recording"
	default:
		return "unknown"
	}
}

const (
	// DefaultQueueDepth is the number of preallocated blocks shared between
	// the audio thread and the control goroutine.
	DefaultQueueDepth = 32
)

// audioData is one block handed from the audio thread to the control
// goroutine.
type audioData struct {
	pcm        []int16
	timestamp  time.Time
	frameCount int
}

// pipe is the bounded single-producer/single-consumer channel pair between
// the audio thread and the control goroutine. Blocks cycle from free to data
// and back.
type pipe struct {
	data chan *audioData
	free chan *audioData
}

// Stats is a snapshot of engine counters.
type Stats struct {
	// Frames is the number of frames delivered to the recording callback.
	Frames uint64

	// Samples is the number of samples received from the backend.
	Samples uint64

	// Dropped is the number of blocks lost because the control goroutine
	// fell behind.
	Dropped uint64

	// Backend names the active backend, empty when no device is open.
	Backend string

	// DeviceID is the currently acquired device.
	DeviceID string

	State State
}

// Option configures an [Engine].
type Option func(*Engine)

// WithBackends sets the backends in preference order.
func WithBackends(backends ...audio.CaptureBackend) Option {
	return func(e *Engine) {
		e.backends = append([]audio.CaptureBackend(nil), backends...)
	}
}

// WithConstraints overrides the acquisition constraints. Zero fields are
// filled from [audio.DefaultConstraints].
func WithConstraints(c audio.Constraints) Option {
	return func(e *Engine) {
		d := audio.DefaultConstraints()
		if c.SampleRate <= 0 {
			c.SampleRate = d.SampleRate
		}
		if c.Channels <= 0 {
			c.Channels = d.Channels
		}
		if c.Latency <= 0 {
			c.Latency = d.Latency
		}
		if c.PollBlockSize <= 0 {
			c.PollBlockSize = d.PollBlockSize
		}
		e.constraints = c
	}
}

// WithQueueDepth sets the number of preallocated blocks.
func WithQueueDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueDepth = n
		}
	}
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// Engine captures PCM from one input device.
//
// All exported methods are safe for concurrent use.
type Engine struct {
	backends    []audio.CaptureBackend
	constraints audio.Constraints
	queueDepth  int
	log         *slog.Logger

	// gen identifies the current acquisition. Audio callbacks from older
	// acquisitions compare against it and discard their data.
	gen atomic.Uint64

	// pipe is read by the audio thread without taking mu.
	pipe atomic.Pointer[pipe]

	mu            sync.Mutex
	begun         bool
	state         State
	deviceID      string
	backend       string
	stream        audio.CaptureStream
	callback      func(audio.Frame)
	chunkSamples  int
	passEnabled   bool
	passVolume    float64
	pending       []int16
	pendingStart  time.Time
	done          chan struct{}
	controlExited chan struct{}

	frames  atomic.Uint64
	samples atomic.Uint64
	dropped atomic.Uint64
}

// New creates an idle [Engine]. Call [Engine.Begin] to acquire a device.
func New(opts ...Option) *Engine {
	e := &Engine{
		constraints: audio.DefaultConstraints(),
		queueDepth:  DefaultQueueDepth,
		log:         slog.Default(),
		state:       StateEnded,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Constraints returns the acquisition constraints.
func (e *Engine) Constraints() audio.Constraints {
	return e.constraints
}

// Begin acquires deviceID (empty selects the default input) and starts the
// audio path. The engine enters [StatePaused]; call [Engine.Record] to start
// delivering frames.
//
// Begin returns [audio.ErrAlreadyConnected] if a device is already held, an
// error matching [audio.ErrDeviceUnavailable] if acquisition fails, and
// [ErrSuperseded] if another Begin or SwitchDevice started meanwhile.
func (e *Engine) Begin(ctx context.Context, deviceID string) error {
	e.mu.Lock()
	if e.begun {
		e.mu.Unlock()
		return audio.ErrAlreadyConnected
	}
	gen := e.gen.Add(1)
	e.mu.Unlock()

	stream, backend, err := e.open(ctx, gen, deviceID)

	e.mu.Lock()
	if e.gen.Load() != gen || e.begun {
		e.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		if err == nil {
			err = ErrSuperseded
		}
		return err
	}
	defer e.mu.Unlock()
	if err != nil {
		return err
	}

	e.begun = true
	e.state = StatePaused
	e.deviceID = deviceID
	e.backend = backend
	e.stream = stream
	e.pending = nil
	e.startControlLocked()

	e.log.Info("capture: device acquired", "device_id", deviceID, "backend", backend)
	return nil
}

// Record starts delivering frames to cb. A chunkInterval of zero delivers
// every block as it arrives; otherwise frames of chunkInterval length are
// assembled before delivery.
func (e *Engine) Record(cb func(audio.Frame), chunkInterval time.Duration) error {
	if cb == nil {
		return errors.New("capture: record callback is nil")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.begun {
		return audio.ErrNotBegun
	}
	if e.state == StateRecording {
		return audio.ErrAlreadyRecording
	}
	e.callback = cb
	e.chunkSamples = audio.DurationSamples(chunkInterval, e.constraints.SampleRate)
	e.state = StateRecording
	return nil
}

// Pause stops frame delivery while keeping the device open. Audio arriving
// while paused is discarded.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.begun {
		return audio.ErrNotBegun
	}
	if e.state != StateRecording {
		return audio.ErrAlreadyPaused
	}
	e.state = StatePaused
	return nil
}

// SwitchDevice releases the current device and acquires deviceID, keeping the
// recording state and callback. If deviceID cannot be acquired the previous
// device is reacquired and the acquisition error is returned.
func (e *Engine) SwitchDevice(ctx context.Context, deviceID string) error {
	e.mu.Lock()
	if !e.begun {
		e.mu.Unlock()
		return audio.ErrNotBegun
	}
	gen := e.gen.Add(1)
	old := e.stream
	prevID := e.deviceID
	e.stream = nil
	e.backend = ""
	e.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			e.log.Warn("capture: close stream during switch", "device_id", prevID, "err", err)
		}
	}

	stream, backend, err := e.open(ctx, gen, deviceID)
	switchedTo := deviceID
	if err != nil && !errors.Is(err, ErrSuperseded) && ctx.Err() == nil && e.gen.Load() == gen {
		e.log.Warn("capture: switch failed, restoring previous device",
			"device_id", deviceID, "previous", prevID, "err", err)
		var restoreErr error
		stream, backend, restoreErr = e.open(ctx, gen, prevID)
		if restoreErr != nil {
			e.log.Error("capture: restore previous device failed", "device_id", prevID, "err", restoreErr)
		}
		switchedTo = prevID
	}

	e.mu.Lock()
	if e.gen.Load() != gen || !e.begun {
		e.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		if err == nil {
			err = ErrSuperseded
		}
		return err
	}
	defer e.mu.Unlock()
	if stream != nil {
		e.stream = stream
		e.backend = backend
		e.deviceID = switchedTo
	}
	if err != nil {
		return err
	}
	e.log.Info("capture: switched device", "device_id", deviceID, "backend", backend, "state", e.state)
	return nil
}

// End releases the device, stops the control goroutine, and returns any
// samples that had been recorded but not yet delivered. It is always safe to
// call.
func (e *Engine) End() []int16 {
	e.mu.Lock()
	e.gen.Add(1)
	if !e.begun || e.done == nil {
		if !e.begun {
			e.state = StateEnded
		}
		e.mu.Unlock()
		return []int16{}
	}
	stream := e.stream
	done, exited := e.done, e.controlExited
	e.stream = nil
	e.done = nil
	e.mu.Unlock()

	// Close outside the lock: backends wait for an in-flight callback.
	if stream != nil {
		if err := stream.Close(); err != nil {
			e.log.Warn("capture: close stream", "err", err)
		}
	}
	p := e.pipe.Swap(nil)
	close(done)
	<-exited

	e.mu.Lock()
	defer e.mu.Unlock()

	// Blocks still queued were captured before the stream closed.
	if p != nil && e.state == StateRecording {
	drain:
		for {
			select {
			case blk := <-p.data:
				e.pending = append(e.pending, blk.pcm[:blk.frameCount]...)
			default:
				break drain
			}
		}
	}

	flushed := e.pending
	e.pending = nil
	e.begun = false
	e.state = StateEnded
	e.deviceID = ""
	e.backend = ""
	e.callback = nil
	e.controlExited = nil
	e.log.Info("capture: ended", "flushed_samples", len(flushed))
	if flushed == nil {
		return []int16{}
	}
	return flushed
}

// SetupPassthrough configures the passthrough tags on outgoing frames. The
// volume is clamped to [0, 1]. It does not route audio itself.
func (e *Engine) SetupPassthrough(enabled bool, volume float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.passEnabled = enabled
	e.passVolume = audio.Clamp(volume, 0, 1)
}

// Passthrough returns the current passthrough configuration.
func (e *Engine) Passthrough() (enabled bool, volume float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.passEnabled, e.passVolume
}

// State returns the current recording state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Frames:   e.frames.Load(),
		Samples:  e.samples.Load(),
		Dropped:  e.dropped.Load(),
		Backend:  e.backend,
		DeviceID: e.deviceID,
		State:    e.state,
	}
}

// open tries each backend in order and returns the first stream opened.
func (e *Engine) open(ctx context.Context, gen uint64, deviceID string) (audio.CaptureStream, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if len(e.backends) == 0 {
		return nil, "", ErrNoBackend
	}

	onData := func(pcm []int16) { e.onData(gen, pcm) }

	var unsupported []error
	for _, b := range e.backends {
		stream, err := b.Open(ctx, deviceID, e.constraints, onData)
		if err == nil {
			return stream, b.Name(), nil
		}
		if errors.Is(err, audio.ErrBackendUnsupported) {
			e.log.Warn("capture: backend unsupported, falling back",
				"backend", b.Name(), "device_id", deviceID, "err", err)
			unsupported = append(unsupported, err)
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", ctxErr
		}
		return nil, "", audio.ClassifyDeviceError(deviceID, fmt.Errorf("capture: open %s: %w", b.Name(), err))
	}
	return nil, "", fmt.Errorf("%w: %w", ErrNoBackend, errors.Join(unsupported...))
}

// startControlLocked allocates the block pool and starts the control
// goroutine. Must be called with e.mu held.
func (e *Engine) startControlLocked() {
	blockSize := max(e.constraints.PollBlockSize, audio.DurationSamples(e.constraints.Latency, e.constraints.SampleRate))
	p := &pipe{
		data: make(chan *audioData, e.queueDepth),
		free: make(chan *audioData, e.queueDepth),
	}
	for range e.queueDepth {
		p.free <- &audioData{pcm: make([]int16, 0, blockSize)}
	}
	e.done = make(chan struct{})
	e.controlExited = make(chan struct{})
	e.pipe.Store(p)
	go e.control(p, e.done, e.controlExited)
}

// onData runs on the backend's audio thread. It copies pcm into pooled
// blocks and never blocks.
func (e *Engine) onData(gen uint64, pcm []int16) {
	if e.gen.Load() != gen {
		return
	}
	p := e.pipe.Load()
	if p == nil {
		return
	}

	now := time.Now()
	for len(pcm) > 0 {
		var blk *audioData
		select {
		case blk = <-p.free:
		default:
			e.dropped.Add(1)
			return
		}
		n := min(len(pcm), cap(blk.pcm))
		blk.pcm = append(blk.pcm[:0], pcm[:n]...)
		blk.timestamp = now
		blk.frameCount = n
		pcm = pcm[n:]

		select {
		case p.data <- blk:
			e.samples.Add(uint64(n))
		default:
			e.dropped.Add(1)
			select {
			case p.free <- blk:
			default:
			}
			return
		}
	}
}

// control drains blocks from the audio thread and delivers frames.
func (e *Engine) control(p *pipe, done <-chan struct{}, exited chan<- struct{}) {
	defer close(exited)
	for {
		select {
		case <-done:
			return
		case blk := <-p.data:
			e.handle(blk)
			select {
			case p.free <- blk:
			default:
			}
		}
	}
}

// handle appends one block to the pending buffer and delivers every complete
// chunk.
func (e *Engine) handle(blk *audioData) {
	e.mu.Lock()
	if e.state != StateRecording || e.callback == nil {
		e.mu.Unlock()
		return
	}
	if len(e.pending) == 0 {
		e.pendingStart = blk.timestamp
	}
	e.pending = append(e.pending, blk.pcm[:blk.frameCount]...)

	var frames []audio.Frame
	for len(e.pending) > 0 && (e.chunkSamples <= 0 || len(e.pending) >= e.chunkSamples) {
		n := len(e.pending)
		if e.chunkSamples > 0 {
			n = e.chunkSamples
		}
		samples := make([]int16, n)
		copy(samples, e.pending[:n])
		frames = append(frames, audio.Frame{
			Samples:           samples,
			SampleRate:        e.constraints.SampleRate,
			Timestamp:         e.pendingStart,
			IsRecording:       true,
			IsPassthrough:     e.passEnabled,
			PassthroughVolume: e.passVolume,
		})
		e.pending = append(e.pending[:0], e.pending[n:]...)
		e.pendingStart = e.pendingStart.Add(audio.SamplesDuration(n, e.constraints.SampleRate))
	}
	cb := e.callback
	e.mu.Unlock()

	for _, f := range frames {
		e.frames.Add(1)
		cb(f)
	}
}
