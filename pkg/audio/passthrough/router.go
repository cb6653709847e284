// Package passthrough lets the speaker hear a delayed, attenuated copy of
// their own microphone alongside the translated output.
//
// Frames tagged [audio.Frame.IsPassthrough] are held in a small ring buffer
// for a fixed delay and then rendered to the monitor and handed to the
// forwarder. The ring never blocks the producer: when it is full the oldest
// frame is dropped and counted.
package passthrough

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/lingualink/pkg/audio"
)

const (
	// DefaultMaxBuffered is the ring capacity in frames.
	DefaultMaxBuffered = 10

	// DefaultDelay is the artificial delay before a frame is rendered.
	DefaultDelay = 150 * time.Millisecond

	// DefaultVolume is the initial passthrough volume.
	DefaultVolume = 0.3

	// MaxVolume caps the passthrough volume below the translated signal.
	MaxVolume = 0.6

	// TrackID tags passthrough audio handed to the forwarder.
	TrackID = "passthrough"
)

// Monitor renders audio outside any playback track. *playback.Engine
// implements it.
type Monitor interface {
	Monitor(samples []int16, volume float64) error
}

// Forwarder receives scaled passthrough audio, typically the virtual
// microphone bridge.
type Forwarder interface {
	Send(samples []int16, trackID string)
}

// Option configures a [Router].
type Option func(*Router)

// WithMaxBuffered sets the ring capacity.
func WithMaxBuffered(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.ring = make([]entry, n)
		}
	}
}

// WithDelay sets the artificial delay.
func WithDelay(d time.Duration) Option {
	return func(r *Router) {
		if d >= 0 {
			r.delay = d
		}
	}
}

// WithVolume sets the initial volume, clamped to [0, MaxVolume].
func WithVolume(v float64) Option {
	return func(r *Router) {
		r.volume = audio.Clamp(v, 0, MaxVolume)
	}
}

// WithEnabled sets the initial enabled state.
func WithEnabled(enabled bool) Option {
	return func(r *Router) {
		r.enabled = enabled
	}
}

// WithMonitor sets the monitoring destination.
func WithMonitor(m Monitor) Option {
	return func(r *Router) {
		r.monitor = m
	}
}

// WithForwarder sets the forwarding destination.
func WithForwarder(f Forwarder) Option {
	return func(r *Router) {
		r.forwarder = f
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

type entry struct {
	samples []int16
	arrived time.Time
}

// Router is the passthrough router. All exported methods are safe for
// concurrent use.
type Router struct {
	monitor   Monitor
	forwarder Forwarder
	delay     time.Duration
	log       *slog.Logger
	dropLog   rate.Sometimes

	mu      sync.Mutex
	ring    []entry
	head    int
	count   int
	gen     uint64 // bumped when the ring is cleared
	enabled bool
	volume  float64
	dropped uint64
	routed  uint64
	closed  bool

	notify chan struct{}
	done   chan struct{}
	exited chan struct{}
}

// New creates a router and starts its dispatch goroutine. Call
// [Router.Close] to stop it.
func New(opts ...Option) *Router {
	r := &Router{
		delay:   DefaultDelay,
		volume:  DefaultVolume,
		ring:    make([]entry, DefaultMaxBuffered),
		log:     slog.Default(),
		dropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	go r.dispatch()
	return r
}

// Push offers a captured frame. Frames without the passthrough tag, frames
// arriving while disabled, and empty frames are ignored. Push never blocks
// on rendering.
func (r *Router) Push(f audio.Frame) {
	if !f.IsPassthrough || len(f.Samples) == 0 {
		return
	}
	r.mu.Lock()
	if !r.enabled || r.closed {
		r.mu.Unlock()
		return
	}
	if r.count == len(r.ring) {
		r.ring[r.head] = entry{}
		r.head = (r.head + 1) % len(r.ring)
		r.count--
		r.dropped++
		dropped := r.dropped
		r.dropLog.Do(func() {
			r.log.Warn("passthrough: dropping oldest frame",
				"dropped_total", dropped, "err", audio.ErrBufferOverflow)
		})
	}
	cp := make([]int16, len(f.Samples))
	copy(cp, f.Samples)
	// The delay runs from the push. The frame timestamp marks its first
	// sample, which is already a chunk interval old.
	r.ring[(r.head+r.count)%len(r.ring)] = entry{samples: cp, arrived: time.Now()}
	r.count++
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// SetEnabled turns passthrough on or off. Either way the ring is cleared
// immediately.
func (r *Router) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
	r.clearLocked()
}

// Enabled reports whether passthrough is on.
func (r *Router) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// SetVolume sets the volume, clamped to [0, MaxVolume].
func (r *Router) SetVolume(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volume = audio.Clamp(v, 0, MaxVolume)
}

// Volume returns the effective volume.
func (r *Router) Volume() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.volume
}

// Dropped returns how many frames were discarded because the ring was full.
func (r *Router) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Routed returns how many frames were delivered.
func (r *Router) Routed() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routed
}

// Buffered returns the number of frames waiting for their delay.
func (r *Router) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close stops the dispatch goroutine and drops buffered frames. Close is
// idempotent.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.clearLocked()
	close(r.done)
	r.mu.Unlock()
	<-r.exited
	return nil
}

func (r *Router) clearLocked() {
	for i := range r.ring {
		r.ring[i] = entry{}
	}
	r.head, r.count = 0, 0
	r.gen++
}

// dispatch waits for the oldest frame to come due, then routes it.
func (r *Router) dispatch() {
	defer close(r.exited)
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		r.mu.Lock()
		if r.count == 0 {
			r.mu.Unlock()
			select {
			case <-r.notify:
				continue
			case <-r.done:
				return
			}
		}
		due := r.ring[r.head].arrived.Add(r.delay)
		gen := r.gen
		r.mu.Unlock()

		if wait := time.Until(due); wait > 0 {
			timer.Reset(wait)
			select {
			case <-timer.C:
			case <-r.done:
				timer.Stop()
				return
			}
		}

		r.mu.Lock()
		if r.gen != gen || r.count == 0 || time.Now().Before(r.ring[r.head].arrived.Add(r.delay)) {
			r.mu.Unlock()
			continue
		}
		e := r.ring[r.head]
		r.ring[r.head] = entry{}
		r.head = (r.head + 1) % len(r.ring)
		r.count--
		volume := r.volume
		r.routed++
		r.mu.Unlock()

		r.route(e.samples, volume)
	}
}

func (r *Router) route(samples []int16, volume float64) {
	scaled := audio.ScaleVolume(samples, volume)
	if r.monitor != nil {
		if err := r.monitor.Monitor(scaled, 1); err != nil {
			r.log.Debug("passthrough: monitor render failed", "err", fmt.Errorf("passthrough: %w", err))
		}
	}
	if r.forwarder != nil {
		r.forwarder.Send(scaled, TrackID)
	}
}
