// Package playback implements the streaming playback engine: PCM arriving in
// arbitrary-sized chunks tagged by track is accumulated, queued, and rendered
// strictly in order per track, while different tracks play concurrently and
// mix at the output.
//
// Each active track owns one player goroutine that pops the head of the
// track's queue, renders it to every selected sink, polls until the render
// completes, and only then pops the next buffer. [Engine.Interrupt] cancels
// the most recently started render and reports how many samples of that
// track were actually heard.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/lingualink/pkg/audio"
)

// Defaults for the engine timing options.
const (
	DefaultMinBuffer    = 100 * time.Millisecond
	DefaultFlushDelay   = 100 * time.Millisecond
	DefaultPollInterval = 10 * time.Millisecond
	DefaultTrackTTL     = 5 * time.Minute

	// stuckGrace bounds how long a render may outlive its nominal duration
	// before the engine stops waiting for it.
	stuckGrace = 2 * time.Second

	// sweepThreshold is the live-track count above which idle tracks are
	// evicted on track creation.
	sweepThreshold = 64
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("playback: engine closed")

// Status classifies the outcome of adding audio to a track.
type Status int

const (
	// StatusBuffered means the samples were accumulated and will be queued
	// when the threshold is reached or the flush timer fires.
	StatusBuffered Status = iota

	// StatusQueued means the samples are in the track's playback queue.
	StatusQueued

	// StatusDroppedInterrupted means the track was interrupted and the
	// samples were discarded. Call [Engine.ClearStreamingTrack] to resume.
	StatusDroppedInterrupted

	// StatusDroppedClosed means the engine was closed.
	StatusDroppedClosed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusBuffered:
		return "buffered"
	case StatusQueued:
		return "queued"
	case StatusDroppedInterrupted:
		return "dropped_interrupted"
	case StatusDroppedClosed:
		return "dropped_closed"
	default:
		return "unknown"
	}
}

// AddResult reports what happened to samples passed to
// [Engine.AddStreamingAudio] or [Engine.Add16BitPCM].
type AddResult struct {
	Status  Status
	TrackID string

	// Samples is the number of samples accepted; zero when dropped.
	Samples int
}

// Accepted reports whether the samples will be played.
func (r AddResult) Accepted() bool {
	return r.Status == StatusBuffered || r.Status == StatusQueued
}

// InterruptResult identifies the cancelled render.
type InterruptResult struct {
	TrackID string `json:"trackId"`

	// Offset is the number of samples of the track that were heard before
	// the interruption.
	Offset int `json:"offset"`
}

// Stats is a snapshot of engine counters.
type Stats struct {
	BuffersPlayed      uint64
	RenderFailures     uint64
	Interrupts         uint64
	DroppedInterrupted uint64
	ActiveTracks       int
}

// TrackInfo describes one track for diagnostics.
type TrackInfo struct {
	ID            string `json:"id"`
	Queued        int    `json:"queued"`
	QueuedSamples int    `json:"queuedSamples"`
	Buffered      int    `json:"buffered"`
	Playing       bool   `json:"playing"`
	Rendered      int    `json:"rendered"`
	Interrupted   bool   `json:"interrupted"`
}

// Option configures an [Engine].
type Option func(*Engine)

// WithSampleRate sets the sample rate of all buffers. Default
// [audio.DefaultSampleRate].
func WithSampleRate(hz int) Option {
	return func(e *Engine) {
		if hz > 0 {
			e.sampleRate = hz
		}
	}
}

// WithMinBuffer sets how much audio a track accumulates before it is queued.
func WithMinBuffer(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.minBuffer = d
		}
	}
}

// WithFlushDelay sets how long a partial accumulation waits before it is
// queued anyway.
func WithFlushDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.flushDelay = d
		}
	}
}

// WithPollInterval sets how often render completion is checked.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithTrackTTL sets how long an idle track keeps its rendered-sample count
// before it may be evicted.
func WithTrackTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.trackTTL = d
		}
	}
}

// WithSinkOpener sets the factory used by [Engine.SetSink].
func WithSinkOpener(o audio.SinkOpener) Option {
	return func(e *Engine) {
		e.opener = o
	}
}

// WithVolume sets the initial global volume.
func WithVolume(v float64) Option {
	return func(e *Engine) {
		e.volume = audio.Clamp(v, 0, 1)
	}
}

// WithTap registers fn to receive every buffer, scaled by its own volume, as
// it starts rendering. fn is called from the track's player goroutine and
// must not block.
func WithTap(fn func(trackID string, samples []int16)) Option {
	return func(e *Engine) {
		e.tap = fn
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

// sinkRef counts the renders using a sink so a replaced sink is closed only
// after its in-flight renders finish.
type sinkRef struct {
	id      string
	sink    audio.Sink
	refs    int
	retired bool
}

// render is one buffer being played.
type render struct {
	trackID    string
	samples    int
	volume     float64
	started    time.Time
	offsetBase int
	sinks      []*sinkRef
	voices     []audio.Voice
	cancel     chan struct{}
	cancelled  bool
	failed     bool
}

// Engine is the streaming playback engine.
//
// All exported methods are safe for concurrent use.
type Engine struct {
	sampleRate   int
	minBuffer    time.Duration
	flushDelay   time.Duration
	pollInterval time.Duration
	trackTTL     time.Duration
	opener       audio.SinkOpener
	tap          func(trackID string, samples []int16)
	log          *slog.Logger
	failureLog   rate.Sometimes

	mu          sync.Mutex
	tracks      *trackTable
	// interrupted maps a track id to its last interrupt or rejected add.
	interrupted map[string]time.Time
	sinks       []*sinkRef
	volume      float64
	closed      bool
	done        chan struct{}

	buffersPlayed      atomic.Uint64
	renderFailures     atomic.Uint64
	interrupts         atomic.Uint64
	droppedInterrupted atomic.Uint64
}

// New creates a playback engine with no sinks. Until [Engine.SetSink] is
// called buffers are timed as if played but produce no sound, which keeps
// the tap and interrupt offsets meaningful.
func New(opts ...Option) *Engine {
	e := &Engine{
		sampleRate:   audio.DefaultSampleRate,
		minBuffer:    DefaultMinBuffer,
		flushDelay:   DefaultFlushDelay,
		pollInterval: DefaultPollInterval,
		trackTTL:     DefaultTrackTTL,
		log:          slog.Default(),
		failureLog:   rate.Sometimes{First: 3, Interval: 5 * time.Second},
		tracks:       newTrackTable(),
		interrupted:  make(map[string]time.Time),
		volume:       1,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SampleRate returns the engine sample rate.
func (e *Engine) SampleRate() int { return e.sampleRate }

// AddStreamingAudio appends samples to the track's accumulation buffer. Once
// the buffer holds at least the minimum buffer duration it is queued for
// playback; otherwise a single flush is scheduled after the flush delay.
//
// Samples for an interrupted track are dropped with
// [StatusDroppedInterrupted].
func (e *Engine) AddStreamingAudio(samples []int16, trackID string, volume float64) AddResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if res, ok := e.rejectLocked(trackID); !ok {
		return res
	}
	if len(samples) == 0 {
		return AddResult{Status: StatusBuffered, TrackID: trackID}
	}

	t, h := e.ensureLocked(trackID)
	t.accum = append(t.accum, samples...)
	t.accumVolume = volume

	if len(t.accum) >= audio.DurationSamples(e.minBuffer, e.sampleRate) {
		e.flushLocked(h, t)
		return AddResult{Status: StatusQueued, TrackID: trackID, Samples: len(samples)}
	}
	if t.flushTimer == nil {
		t.flushTimer = time.AfterFunc(e.flushDelay, func() { e.timerFlush(h) })
	}
	return AddResult{Status: StatusBuffered, TrackID: trackID, Samples: len(samples)}
}

// Add16BitPCM queues a complete buffer directly, bypassing accumulation. Any
// samples already accumulated for the track are queued first so arrival
// order is kept.
func (e *Engine) Add16BitPCM(samples []int16, trackID string, volume float64) AddResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if res, ok := e.rejectLocked(trackID); !ok {
		return res
	}
	t, h := e.ensureLocked(trackID)
	e.flushLocked(h, t)
	if len(samples) > 0 {
		cp := make([]int16, len(samples))
		copy(cp, samples)
		t.queue = append(t.queue, queued{samples: cp, volume: volume})
		e.startLocked(h, t)
	}
	return AddResult{Status: StatusQueued, TrackID: trackID, Samples: len(samples)}
}

// Interrupt stops the most recently started render across all tracks, marks
// its track interrupted, discards the rest of that track's audio, and
// returns the track and the number of its samples that were heard. It
// returns nil when nothing is playing.
func (e *Engine) Interrupt() *InterruptResult {
	e.mu.Lock()
	var (
		latest  *render
		latestH handle
	)
	e.tracks.each(func(h handle, t *track) {
		if t.current == nil || t.current.cancelled {
			return
		}
		if latest == nil || t.current.started.After(latest.started) {
			latest, latestH = t.current, h
		}
	})
	if latest == nil {
		e.mu.Unlock()
		return nil
	}

	heard := audio.DurationSamples(time.Since(latest.started), e.sampleRate)
	heard = max(0, min(heard, latest.samples))
	res := &InterruptResult{TrackID: latest.trackID, Offset: latest.offsetBase + heard}

	if len(e.interrupted) >= sweepThreshold {
		e.sweepInterruptedLocked()
	}
	e.interrupted[latest.trackID] = time.Now()
	voices := e.discardTrackLocked(latestH)
	e.mu.Unlock()

	stopVoices(voices)
	e.interrupts.Add(1)
	e.log.Debug("playback: interrupted", "track_id", res.TrackID, "offset", res.Offset)
	return res
}

// ClearStreamingTrack discards everything held for trackID: accumulation,
// pending flush, queue, and any in-flight render. It also removes the track
// from the interrupted set, which is the only way an interrupted track can
// receive audio again.
func (e *Engine) ClearStreamingTrack(trackID string) {
	e.mu.Lock()
	delete(e.interrupted, trackID)
	var voices []audio.Voice
	if _, h, ok := e.tracks.lookup(trackID); ok {
		voices = e.discardTrackLocked(h)
	}
	e.mu.Unlock()
	stopVoices(voices)
}

// Interrupted reports whether trackID is in the interrupted set.
func (e *Engine) Interrupted(trackID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.interrupted[trackID]
	return ok
}

// SetVolume sets the global volume, clamped to [0, 1]. It applies to
// in-flight renders immediately.
func (e *Engine) SetVolume(v float64) {
	e.mu.Lock()
	e.volume = audio.Clamp(v, 0, 1)
	type update struct {
		voice audio.Voice
		gain  float64
	}
	var updates []update
	e.tracks.each(func(_ handle, t *track) {
		if r := t.current; r != nil && !r.cancelled {
			for _, v := range r.voices {
				updates = append(updates, update{voice: v, gain: r.volume * e.volume})
			}
		}
	})
	e.mu.Unlock()

	for _, u := range updates {
		u.voice.SetVolume(u.gain)
	}
}

// Volume returns the global volume.
func (e *Engine) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

// SetSink routes future renders to deviceID. Empty selects the default
// output. Already queued and in-flight buffers are unaffected.
func (e *Engine) SetSink(ctx context.Context, deviceID string) error {
	return e.SetSinks(ctx, deviceID)
}

// SetSinks routes future renders to every listed device. With no IDs the
// engine renders silently.
func (e *Engine) SetSinks(ctx context.Context, deviceIDs ...string) error {
	if len(deviceIDs) > 0 && e.opener == nil {
		return errors.New("playback: no sink opener configured")
	}

	opened := make([]*sinkRef, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		s, err := e.opener.OpenSink(ctx, id, e.sampleRate)
		if err != nil {
			for _, ref := range opened {
				_ = ref.sink.Close()
			}
			return fmt.Errorf("playback: open sink %q: %w", id, err)
		}
		opened = append(opened, &sinkRef{id: id, sink: s})
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		for _, ref := range opened {
			_ = ref.sink.Close()
		}
		return ErrClosed
	}
	old := e.sinks
	e.sinks = opened
	var closeNow []audio.Sink
	for _, ref := range old {
		ref.retired = true
		if ref.refs == 0 {
			closeNow = append(closeNow, ref.sink)
		}
	}
	e.mu.Unlock()

	for _, s := range closeNow {
		if err := s.Close(); err != nil {
			e.log.Warn("playback: close replaced sink", "err", err)
		}
	}
	e.log.Info("playback: sinks selected", "devices", deviceIDs)
	return nil
}

// Sinks returns the device IDs future renders target.
func (e *Engine) Sinks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, len(e.sinks))
	for i, ref := range e.sinks {
		ids[i] = ref.id
	}
	return ids
}

// Monitor renders samples on the current sinks outside any track. It is
// used for passthrough monitoring and cannot be interrupted.
func (e *Engine) Monitor(samples []int16, volume float64) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	sinks := make([]audio.Sink, 0, len(e.sinks))
	for _, ref := range e.sinks {
		sinks = append(sinks, ref.sink)
	}
	gain := volume * e.volume
	e.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		if _, err := s.Play(samples, gain); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: monitor: %w", audio.ErrRenderFailure, errors.Join(errs...))
	}
	return nil
}

// ActiveTracks returns the number of tracks with audio buffered, queued,
// or playing. Idle tracks kept only for their rendered count are excluded.
func (e *Engine) ActiveTracks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	e.tracks.each(func(_ handle, t *track) {
		if t.busy() {
			n++
		}
	})
	return n
}

// Snapshot lists every held or interrupted track.
func (e *Engine) Snapshot() []TrackInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	infos := make([]TrackInfo, 0, e.tracks.len()+len(e.interrupted))
	seen := make(map[string]bool, e.tracks.len())
	e.tracks.each(func(_ handle, t *track) {
		info := TrackInfo{
			ID:       t.id,
			Queued:   len(t.queue),
			Buffered: len(t.accum),
			Playing:  t.current != nil,
			Rendered: t.rendered,
		}
		for _, q := range t.queue {
			info.QueuedSamples += len(q.samples)
		}
		_, info.Interrupted = e.interrupted[t.id]
		infos = append(infos, info)
		seen[t.id] = true
	})
	for id := range e.interrupted {
		if !seen[id] {
			infos = append(infos, TrackInfo{ID: id, Interrupted: true})
		}
	}
	return infos
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		BuffersPlayed:      e.buffersPlayed.Load(),
		RenderFailures:     e.renderFailures.Load(),
		Interrupts:         e.interrupts.Load(),
		DroppedInterrupted: e.droppedInterrupted.Load(),
		ActiveTracks:       e.ActiveTracks(),
	}
}

// Close stops all playback, cancels pending flushes, and closes the sinks.
// Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)

	var voices []audio.Voice
	var handles []handle
	e.tracks.each(func(h handle, _ *track) { handles = append(handles, h) })
	for _, h := range handles {
		voices = append(voices, e.discardTrackLocked(h)...)
	}
	sinks := e.sinks
	e.sinks = nil
	e.mu.Unlock()

	stopVoices(voices)
	var errs []error
	for _, ref := range sinks {
		if err := ref.sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// rejectLocked returns a drop result for closed engines and interrupted
// tracks.
func (e *Engine) rejectLocked(trackID string) (AddResult, bool) {
	if e.closed {
		return AddResult{Status: StatusDroppedClosed, TrackID: trackID}, false
	}
	if _, ok := e.interrupted[trackID]; ok {
		e.interrupted[trackID] = time.Now()
		e.droppedInterrupted.Add(1)
		return AddResult{Status: StatusDroppedInterrupted, TrackID: trackID}, false
	}
	return AddResult{}, true
}

// ensureLocked returns the track for id, evicting long-idle tracks first
// when many are held.
func (e *Engine) ensureLocked(id string) (*track, handle) {
	if _, _, ok := e.tracks.lookup(id); !ok && e.tracks.len() >= sweepThreshold {
		e.sweepLocked()
	}
	return e.tracks.ensure(id)
}

// sweepLocked removes tracks that have been idle longer than the TTL.
func (e *Engine) sweepLocked() {
	cutoff := time.Now().Add(-e.trackTTL)
	var stale []handle
	e.tracks.each(func(h handle, t *track) {
		if !t.busy() && !t.idleSince.IsZero() && t.idleSince.Before(cutoff) {
			stale = append(stale, h)
		}
	})
	for _, h := range stale {
		e.tracks.remove(h)
	}
}

// sweepInterruptedLocked forgets interrupted tracks that have received no
// audio for longer than the TTL. Such a track accepts audio again.
func (e *Engine) sweepInterruptedLocked() {
	cutoff := time.Now().Add(-e.trackTTL)
	for id, at := range e.interrupted {
		if at.Before(cutoff) {
			delete(e.interrupted, id)
		}
	}
}

// timerFlush is the flush-timer callback.
func (e *Engine) timerFlush(h handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	t := e.tracks.get(h)
	if t == nil {
		return
	}
	t.flushTimer = nil
	e.flushLocked(h, t)
}

// flushLocked moves the accumulation buffer into the queue and starts the
// track's player if idle.
func (e *Engine) flushLocked(h handle, t *track) {
	if t.flushTimer != nil {
		t.flushTimer.Stop()
		t.flushTimer = nil
	}
	if len(t.accum) == 0 {
		return
	}
	t.queue = append(t.queue, queued{samples: t.accum, volume: t.accumVolume})
	t.accum = nil
	e.startLocked(h, t)
}

// startLocked starts the player goroutine for a track that has queued audio
// and none running.
func (e *Engine) startLocked(h handle, t *track) {
	if t.playing || len(t.queue) == 0 {
		return
	}
	t.playing = true
	go e.runTrack(h)
}

// discardTrackLocked drops all audio for the track, cancels its render, and
// removes it from the table. It returns the voices to stop outside the lock.
func (e *Engine) discardTrackLocked(h handle) []audio.Voice {
	t := e.tracks.get(h)
	if t == nil {
		return nil
	}
	if t.flushTimer != nil {
		t.flushTimer.Stop()
	}
	var voices []audio.Voice
	if r := t.current; r != nil && !r.cancelled {
		r.cancelled = true
		close(r.cancel)
		voices = r.voices
	}
	e.tracks.remove(h)
	return voices
}

// runTrack plays the track's queue in order until it is empty or the track
// is discarded.
func (e *Engine) runTrack(h handle) {
	for {
		r, samples, ok := e.next(h)
		if !ok {
			return
		}
		e.play(r, samples)
		e.finish(h, r)
	}
}

// next pops the head of the queue and registers it as the current render.
func (e *Engine) next(h handle) (*render, []int16, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.tracks.get(h)
	if t == nil || e.closed {
		return nil, nil, false
	}
	if len(t.queue) == 0 {
		t.playing = false
		t.idleSince = time.Now()
		return nil, nil, false
	}
	item := t.queue[0]
	t.queue[0] = queued{}
	t.queue = t.queue[1:]

	sinks := make([]*sinkRef, len(e.sinks))
	copy(sinks, e.sinks)
	for _, ref := range sinks {
		ref.refs++
	}
	r := &render{
		trackID:    t.id,
		samples:    len(item.samples),
		volume:     item.volume,
		started:    time.Now(),
		offsetBase: t.rendered,
		sinks:      sinks,
		cancel:     make(chan struct{}),
	}
	t.current = r
	return r, item.samples, true
}

// play renders one buffer and blocks until it completes or is cancelled.
func (e *Engine) play(r *render, samples []int16) {
	if e.tap != nil {
		e.tap(r.trackID, audio.ScaleVolume(samples, r.volume))
	}

	e.mu.Lock()
	gain := r.volume * e.volume
	e.mu.Unlock()

	var voices []audio.Voice
	for _, ref := range r.sinks {
		v, err := ref.sink.Play(samples, gain)
		if err != nil {
			e.renderFailures.Add(1)
			e.failureLog.Do(func() {
				e.log.Warn("playback: render failed, skipping buffer",
					"track_id", r.trackID, "sink", ref.id, "samples", len(samples),
					"err", fmt.Errorf("%w: %w", audio.ErrRenderFailure, err))
			})
			continue
		}
		voices = append(voices, v)
	}

	e.mu.Lock()
	cancelled := r.cancelled
	if !cancelled {
		r.voices = voices
		r.started = time.Now()
	}
	e.mu.Unlock()
	if cancelled {
		stopVoices(voices)
		return
	}
	if len(r.sinks) > 0 && len(voices) == 0 {
		e.mu.Lock()
		r.failed = true
		e.mu.Unlock()
		return
	}

	nominal := audio.SamplesDuration(r.samples, e.sampleRate)
	if len(voices) == 0 {
		timer := time.NewTimer(nominal)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-r.cancel:
		case <-e.done:
		}
		return
	}

	deadline := time.Now().Add(nominal + stuckGrace)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.cancel:
			return
		case <-e.done:
			return
		case now := <-ticker.C:
			if !anyPlaying(voices) {
				return
			}
			if now.After(deadline) {
				e.log.Warn("playback: render did not complete, advancing",
					"track_id", r.trackID, "samples", r.samples)
				stopVoices(voices)
				return
			}
		}
	}
}

// finish records completion of r and releases its sinks.
func (e *Engine) finish(h handle, r *render) {
	e.mu.Lock()
	if t := e.tracks.get(h); t != nil && t.current == r {
		t.current = nil
		if !r.cancelled && !r.failed {
			t.rendered += r.samples
		}
	}
	if !r.cancelled && !r.failed {
		e.buffersPlayed.Add(1)
	}
	var closeNow []audio.Sink
	for _, ref := range r.sinks {
		ref.refs--
		if ref.retired && ref.refs == 0 {
			closeNow = append(closeNow, ref.sink)
		}
	}
	e.mu.Unlock()

	for _, s := range closeNow {
		if err := s.Close(); err != nil {
			e.log.Warn("playback: close retired sink", "err", err)
		}
	}
}

func anyPlaying(voices []audio.Voice) bool {
	for _, v := range voices {
		if v.Playing() {
			return true
		}
	}
	return false
}

func stopVoices(voices []audio.Voice) {
	for _, v := range voices {
		_ = v.Stop()
	}
}
