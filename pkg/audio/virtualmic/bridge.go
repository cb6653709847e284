package virtualmic

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/lingualink/pkg/audio"
)

// DefaultQueueSize is the number of buffers the bridge holds for delivery.
const DefaultQueueSize = 64

// defaultDeliverTimeout bounds one message delivery to one transport.
const defaultDeliverTimeout = 2 * time.Second

// Transport delivers chunk messages to an external consumer.
type Transport interface {
	// Name identifies the transport in logs.
	Name() string

	// Deliver sends one message. Implementations must not retain m.PCMData
	// past the call unless they copy it.
	Deliver(ctx context.Context, m Message) error
}

// BridgeStats is a snapshot of bridge counters.
type BridgeStats struct {
	Buffers  uint64
	Messages uint64
	Dropped  uint64
	Failures uint64
}

// BridgeOption configures a [Bridge].
type BridgeOption func(*Bridge)

// WithSampleRate sets the sample rate stamped on messages.
func WithSampleRate(hz int) BridgeOption {
	return func(b *Bridge) {
		if hz > 0 {
			b.sampleRate = hz
		}
	}
}

// WithQueueSize sets the delivery queue capacity in buffers.
func WithQueueSize(n int) BridgeOption {
	return func(b *Bridge) {
		if n > 0 {
			b.queue = make(chan job, n)
		}
	}
}

// WithTransports attaches transports at construction.
func WithTransports(ts ...Transport) BridgeOption {
	return func(b *Bridge) {
		b.transports = append(b.transports, ts...)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

type job struct {
	samples []int16
	trackID string
	at      time.Time
}

// Bridge chunks buffers and fans them out to transports from a single worker
// goroutine. [Bridge.Send] never blocks: with no transports, or with the
// queue full, the buffer is dropped.
type Bridge struct {
	sampleRate int
	log        *slog.Logger
	failLog    rate.Sometimes

	mu         sync.RWMutex
	transports []Transport

	queue  chan job
	done   chan struct{}
	exited chan struct{}
	once   sync.Once

	buffers  atomic.Uint64
	messages atomic.Uint64
	dropped  atomic.Uint64
	failures atomic.Uint64
}

// NewBridge creates a bridge and starts its worker.
func NewBridge(opts ...BridgeOption) *Bridge {
	b := &Bridge{
		sampleRate: audio.DefaultSampleRate,
		log:        slog.Default(),
		failLog:    rate.Sometimes{First: 3, Interval: 10 * time.Second},
		queue:      make(chan job, DefaultQueueSize),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	go b.run()
	return b
}

// Attach adds a transport and returns a function that detaches it.
func (b *Bridge) Attach(t Transport) (detach func()) {
	b.mu.Lock()
	b.transports = append(b.transports, t)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, cur := range b.transports {
				if cur == t {
					b.transports = append(b.transports[:i:i], b.transports[i+1:]...)
					return
				}
			}
		})
	}
}

// Transports returns the names of the attached transports.
func (b *Bridge) Transports() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.transports))
	for i, t := range b.transports {
		names[i] = t.Name()
	}
	return names
}

// Send queues samples for delivery. It is fire-and-forget.
func (b *Bridge) Send(samples []int16, trackID string) {
	if len(samples) == 0 {
		return
	}
	b.mu.RLock()
	n := len(b.transports)
	b.mu.RUnlock()
	if n == 0 {
		return
	}

	cp := make([]int16, len(samples))
	copy(cp, samples)
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.queue <- job{samples: cp, trackID: trackID, at: time.Now()}:
	default:
		b.dropped.Add(1)
	}
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		Buffers:  b.buffers.Load(),
		Messages: b.messages.Load(),
		Dropped:  b.dropped.Load(),
		Failures: b.failures.Load(),
	}
}

// Close stops the worker. Queued buffers are discarded. Close is idempotent.
func (b *Bridge) Close() error {
	b.once.Do(func() {
		close(b.done)
		<-b.exited
	})
	return nil
}

func (b *Bridge) run() {
	defer close(b.exited)
	for {
		select {
		case <-b.done:
			return
		case j := <-b.queue:
			b.deliver(j)
		}
	}
}

func (b *Bridge) deliver(j job) {
	b.mu.RLock()
	transports := make([]Transport, len(b.transports))
	copy(transports, b.transports)
	b.mu.RUnlock()

	b.buffers.Add(1)
	for _, m := range Chunk(j.samples, j.trackID, b.sampleRate, j.at) {
		for _, t := range transports {
			ctx, cancel := context.WithTimeout(context.Background(), defaultDeliverTimeout)
			err := t.Deliver(ctx, m)
			cancel()
			if err != nil {
				b.failures.Add(1)
				b.failLog.Do(func() {
					b.log.Warn("virtualmic: delivery failed",
						"transport", t.Name(), "track_id", m.TrackID, "chunk", m.ChunkIndex, "err", err)
				})
				continue
			}
			b.messages.Add(1)
		}
	}
}
