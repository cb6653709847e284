package passthrough_test

import (
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/lingualink/pkg/audio"
	"github.com/MrWong99/lingualink/pkg/audio/passthrough"
)

type delivery struct {
	samples []int16
	volume  float64
	trackID string
	at      time.Time
}

// recorder implements both destinations.
type recorder struct {
	mu        sync.Mutex
	monitored []delivery
	forwarded []delivery
}

func (r *recorder) Monitor(samples []int16, volume float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.monitored = append(r.monitored, delivery{samples: samples, volume: volume, at: time.Now()})
	return nil
}

func (r *recorder) Send(samples []int16, trackID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarded = append(r.forwarded, delivery{samples: samples, trackID: trackID, at: time.Now()})
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.monitored), len(r.forwarded)
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func frame(v int16) audio.Frame {
	return audio.Frame{Samples: []int16{v, v, v, v}, IsPassthrough: true, Timestamp: time.Now()}
}

func newRouter(t *testing.T, rec *recorder, opts ...passthrough.Option) *passthrough.Router {
	t.Helper()
	base := []passthrough.Option{
		passthrough.WithEnabled(true),
		passthrough.WithMonitor(rec),
		passthrough.WithForwarder(rec),
	}
	r := passthrough.New(append(base, opts...)...)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRouter_VolumeClamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want float64
	}{
		{1.0, 0.6},
		{-0.2, 0},
		{0.5, 0.5},
		{0.6, 0.6},
		{0, 0},
	}
	r := passthrough.New()
	defer r.Close()
	for _, tt := range tests {
		r.SetVolume(tt.in)
		if got := r.Volume(); got != tt.want {
			t.Errorf("SetVolume(%v) → %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRouter_DelaysAndScales(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	r := newRouter(t, rec, passthrough.WithDelay(60*time.Millisecond), passthrough.WithVolume(0.5))

	pushed := time.Now()
	r.Push(audio.Frame{Samples: []int16{1000, -1000}, IsPassthrough: true, Timestamp: pushed})

	waitFor(t, time.Second, func() bool {
		m, f := rec.counts()
		return m == 1 && f == 1
	})
	rec.mu.Lock()
	defer rec.mu.Unlock()

	mon := rec.monitored[0]
	if d := mon.at.Sub(pushed); d < 60*time.Millisecond {
		t.Errorf("rendered after %v, want at least the delay", d)
	}
	if mon.samples[0] != 500 || mon.samples[1] != -500 {
		t.Errorf("monitored samples = %v, want scaled by 0.5", mon.samples)
	}
	if fwd := rec.forwarded[0]; fwd.trackID != passthrough.TrackID || fwd.samples[0] != 500 {
		t.Errorf("forwarded = %+v, want scaled passthrough track", fwd)
	}
}

func TestRouter_DelayStartsAtPush(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	r := newRouter(t, rec, passthrough.WithDelay(80*time.Millisecond))

	// Capture stamps frames with their first sample, so a long chunk
	// arrives already older than the delay.
	stale := audio.Frame{
		Samples:       make([]int16, 4800),
		IsPassthrough: true,
		Timestamp:     time.Now().Add(-200 * time.Millisecond),
	}
	pushed := time.Now()
	r.Push(stale)

	waitFor(t, time.Second, func() bool {
		m, _ := rec.counts()
		return m == 1
	})
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if d := rec.monitored[0].at.Sub(pushed); d < 80*time.Millisecond {
		t.Errorf("rendered %v after push, want at least the 80ms delay", d)
	}
}

func TestRouter_PreservesOrder(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	r := newRouter(t, rec, passthrough.WithDelay(10*time.Millisecond), passthrough.WithVolume(0.6))
	for i := range 5 {
		r.Push(frame(int16(100 * (i + 1))))
	}
	waitFor(t, time.Second, func() bool { m, _ := rec.counts(); return m == 5 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := 1; i < len(rec.monitored); i++ {
		if rec.monitored[i].samples[0] <= rec.monitored[i-1].samples[0] {
			t.Fatalf("frames out of order at %d", i)
		}
	}
	if r.Routed() != 5 {
		t.Errorf("Routed = %d, want 5", r.Routed())
	}
}

func TestRouter_DropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	r := newRouter(t, rec, passthrough.WithDelay(time.Hour), passthrough.WithMaxBuffered(10))
	for i := range 12 {
		r.Push(frame(int16(i)))
	}
	if got := r.Buffered(); got != 10 {
		t.Errorf("Buffered = %d, want 10", got)
	}
	if got := r.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
}

func TestRouter_IgnoresUntaggedAndDisabled(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	r := newRouter(t, rec, passthrough.WithDelay(time.Hour))

	r.Push(audio.Frame{Samples: []int16{1}, IsRecording: true})
	r.Push(audio.Frame{IsPassthrough: true})
	if got := r.Buffered(); got != 0 {
		t.Errorf("Buffered = %d after untagged frames, want 0", got)
	}

	r.SetEnabled(false)
	r.Push(frame(1))
	if got := r.Buffered(); got != 0 {
		t.Errorf("Buffered = %d while disabled, want 0", got)
	}
}

func TestRouter_ToggleClearsBuffer(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	r := newRouter(t, rec, passthrough.WithDelay(50*time.Millisecond))
	r.Push(frame(1))
	r.Push(frame(2))
	r.SetEnabled(true)
	if got := r.Buffered(); got != 0 {
		t.Errorf("Buffered = %d after SetEnabled, want 0", got)
	}
	time.Sleep(100 * time.Millisecond)
	if m, f := rec.counts(); m != 0 || f != 0 {
		t.Errorf("cleared frames were routed: monitor=%d forward=%d", m, f)
	}
}

func TestRouter_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	r := passthrough.New(passthrough.WithEnabled(true))
	r.Push(frame(1))
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	r.Push(frame(2))
	if r.Buffered() != 0 {
		t.Error("Push after Close buffered a frame")
	}
}
