package virtualmic_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/lingualink/pkg/audio/virtualmic"
)

type fakeTransport struct {
	name string
	err  error

	mu   sync.Mutex
	msgs []virtualmic.Message
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Deliver(_ context.Context, m virtualmic.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeTransport) received() []virtualmic.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]virtualmic.Message(nil), f.msgs...)
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

func TestBridge_FansOutChunks(t *testing.T) {
	t.Parallel()

	a := &fakeTransport{name: "a"}
	b := &fakeTransport{name: "b"}
	br := virtualmic.NewBridge(virtualmic.WithTransports(a, b))
	defer br.Close()

	br.Send(seq(20000), "t1")
	waitFor(t, time.Second, func() bool { return len(a.received()) == 3 && len(b.received()) == 3 })

	for i, m := range a.received() {
		if m.ChunkIndex != i || m.TotalChunks != 3 || m.TrackID != "t1" {
			t.Errorf("message %d = idx %d/%d track %q", i, m.ChunkIndex, m.TotalChunks, m.TrackID)
		}
	}
	st := br.Stats()
	if st.Buffers != 1 || st.Messages != 6 {
		t.Errorf("Stats = %+v, want 1 buffer and 6 messages", st)
	}
}

func TestBridge_NoTransportIsNotAnError(t *testing.T) {
	t.Parallel()

	br := virtualmic.NewBridge()
	defer br.Close()
	br.Send(seq(100), "t")
	if st := br.Stats(); st.Dropped != 0 || st.Buffers != 0 {
		t.Errorf("Stats = %+v, want nothing queued", st)
	}
}

func TestBridge_FailingTransportDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	bad := &fakeTransport{name: "bad", err: errors.New("gone")}
	good := &fakeTransport{name: "good"}
	br := virtualmic.NewBridge(virtualmic.WithTransports(bad, good))
	defer br.Close()

	br.Send(seq(100), "t")
	waitFor(t, time.Second, func() bool { return len(good.received()) == 1 })
	waitFor(t, time.Second, func() bool { return br.Stats().Failures == 1 })
}

func TestBridge_AttachDetach(t *testing.T) {
	t.Parallel()

	br := virtualmic.NewBridge()
	defer br.Close()

	tr := &fakeTransport{name: "late"}
	detach := br.Attach(tr)
	if got := br.Transports(); len(got) != 1 || got[0] != "late" {
		t.Fatalf("Transports = %v", got)
	}
	br.Send(seq(10), "t")
	waitFor(t, time.Second, func() bool { return len(tr.received()) == 1 })

	detach()
	detach()
	if got := br.Transports(); len(got) != 0 {
		t.Errorf("Transports after detach = %v", got)
	}
}

func TestBridge_SendAfterClose(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{name: "t"}
	br := virtualmic.NewBridge(virtualmic.WithTransports(tr))
	if err := br.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	br.Send(seq(10), "t")
	time.Sleep(20 * time.Millisecond)
	if n := len(tr.received()); n != 0 {
		t.Errorf("delivered %d messages after Close", n)
	}
}
