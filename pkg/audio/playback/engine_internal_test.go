package playback

import (
	"fmt"
	"testing"
	"time"
)

func TestEngine_InterruptedSetExpires(t *testing.T) {
	t.Parallel()

	e := New(WithSampleRate(1000), WithTrackTTL(time.Minute))
	t.Cleanup(func() { _ = e.Close() })

	old := time.Now().Add(-2 * time.Minute)
	e.mu.Lock()
	for i := range sweepThreshold {
		e.interrupted[fmt.Sprintf("speaker-%d", i)] = old
	}
	e.interrupted["recent"] = time.Now()
	e.mu.Unlock()

	// A rejected add keeps an otherwise stale entry alive.
	if res := e.AddStreamingAudio(make([]int16, 10), "speaker-0", 1); res.Status != StatusDroppedInterrupted {
		t.Fatalf("add to interrupted track = %v, want dropped_interrupted", res.Status)
	}

	e.mu.Lock()
	e.sweepInterruptedLocked()
	n := len(e.interrupted)
	e.mu.Unlock()

	if n != 2 {
		t.Errorf("interrupted set holds %d tracks after sweep, want 2", n)
	}
	for _, id := range []string{"speaker-0", "recent"} {
		if !e.Interrupted(id) {
			t.Errorf("%s evicted, want kept", id)
		}
	}
	if e.Interrupted("speaker-1") {
		t.Error("stale speaker-1 still interrupted")
	}
	if res := e.AddStreamingAudio(make([]int16, 10), "speaker-1", 1); res.Status == StatusDroppedInterrupted {
		t.Error("expired track still rejects audio")
	}
}
