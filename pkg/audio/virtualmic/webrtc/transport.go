// Package webrtc publishes the virtual microphone as a WebRTC audio track.
//
// Delivered PCM is resampled to 48 kHz, buffered, and paced out in 20 ms
// Opus frames to every connected peer. While peers are connected and no
// audio is pending, silence frames keep the track alive.
package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"

	"github.com/MrWong99/lingualink/pkg/audio"
	"github.com/MrWong99/lingualink/pkg/audio/virtualmic"
)

// Compile-time interface assertions.
var (
	_ virtualmic.Transport = (*Transport)(nil)
	_ http.Handler         = (*Transport)(nil)
)

const (
	// DefaultMaxBuffer bounds pending audio; older samples are dropped.
	DefaultMaxBuffer = 2 * time.Second

	// negotiateTimeout bounds SDP negotiation including ICE gathering.
	negotiateTimeout = 10 * time.Second
)

// Option configures a [Transport].
type Option func(*Transport)

// WithICEServers sets the ICE server URLs used by the default peer factory.
func WithICEServers(urls ...string) Option {
	return func(t *Transport) {
		t.iceServers = urls
	}
}

// WithBitrate sets the Opus bitrate in bits per second.
func WithBitrate(bps int) Option {
	return func(t *Transport) {
		t.bitrate = bps
	}
}

// WithPeerFactory replaces the pion peer factory.
func WithPeerFactory(f PeerFactory) Option {
	return func(t *Transport) {
		t.factory = f
	}
}

// WithEncoder replaces the Opus encoder.
func WithEncoder(e Encoder) Option {
	return func(t *Transport) {
		t.enc = e
	}
}

// WithMaxBuffer sets how much audio may be pending.
func WithMaxBuffer(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.maxBuffer = audio.DurationSamples(d, opusSampleRate)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// Transport is a [virtualmic.Transport] that streams to WebRTC peers and
// serves SDP offers over HTTP.
type Transport struct {
	iceServers []string
	bitrate    int
	factory    PeerFactory
	enc        Encoder
	maxBuffer  int
	log        *slog.Logger

	mu      sync.Mutex
	pending []int16
	peers   map[string]Peer
	dropped uint64
	closed  bool

	done   chan struct{}
	exited chan struct{}
}

// New creates a transport and starts its 20 ms pacer.
func New(opts ...Option) (*Transport, error) {
	t := &Transport{
		maxBuffer: audio.DurationSamples(DefaultMaxBuffer, opusSampleRate),
		log:       slog.Default(),
		peers:     make(map[string]Peer),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	if t.enc == nil {
		enc, err := newOpusEncoder(t.bitrate)
		if err != nil {
			return nil, err
		}
		t.enc = enc
	}
	if t.factory == nil {
		cfg := pion.Configuration{}
		if len(t.iceServers) > 0 {
			cfg.ICEServers = []pion.ICEServer{{URLs: t.iceServers}}
		}
		t.factory = NewPionFactory(cfg)
	}
	go t.pace()
	return t, nil
}

// Name implements [virtualmic.Transport].
func (t *Transport) Name() string { return "webrtc" }

// Deliver implements [virtualmic.Transport]. Audio is dropped while no peer
// is connected.
func (t *Transport) Deliver(_ context.Context, m virtualmic.Message) error {
	if len(m.PCMData) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || len(t.peers) == 0 {
		return nil
	}
	t.pending = append(t.pending, audio.Resample(m.PCMData, m.SampleRate, opusSampleRate)...)
	if over := len(t.pending) - t.maxBuffer; over > 0 {
		t.pending = append(t.pending[:0], t.pending[over:]...)
		t.dropped += uint64(over)
	}
	return nil
}

// ServeHTTP accepts a JSON SDP offer and answers with the local description.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var offer pion.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), negotiateTimeout)
	defer cancel()
	id, answer, err := t.Connect(ctx, offer)
	if err != nil {
		t.log.Warn("webrtc: negotiation failed", "remote", r.RemoteAddr, "err", err)
		http.Error(w, "negotiation failed", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Peer-ID", id)
	if err := json.NewEncoder(w).Encode(answer); err != nil {
		t.log.Warn("webrtc: write answer", "peer_id", id, "err", err)
	}
}

// Connect negotiates a new peer and returns its ID and the SDP answer.
func (t *Transport) Connect(ctx context.Context, offer pion.SessionDescription) (string, *pion.SessionDescription, error) {
	p, answer, err := t.factory(ctx, offer)
	if err != nil {
		return "", nil, err
	}

	id := uuid.NewString()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = p.Close()
		return "", nil, fmt.Errorf("webrtc: transport closed")
	}
	t.peers[id] = p
	count := len(t.peers)
	t.mu.Unlock()
	t.log.Info("webrtc: peer connected", "peer_id", id, "peers", count)

	go func() {
		select {
		case <-p.Done():
			t.removePeer(id, p)
		case <-t.done:
		}
	}()
	return id, answer, nil
}

// PeerCount returns the number of connected peers.
func (t *Transport) PeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// Dropped returns how many 48 kHz samples were discarded because the buffer
// was full.
func (t *Transport) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Close stops the pacer and disconnects every peer.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := t.peers
	t.peers = make(map[string]Peer)
	t.pending = nil
	close(t.done)
	t.mu.Unlock()

	<-t.exited
	for _, p := range peers {
		_ = p.Close()
	}
	return nil
}

func (t *Transport) removePeer(id string, p Peer) {
	t.mu.Lock()
	if cur, ok := t.peers[id]; !ok || cur != p {
		t.mu.Unlock()
		return
	}
	delete(t.peers, id)
	count := len(t.peers)
	if count == 0 {
		t.pending = nil
	}
	t.mu.Unlock()

	_ = p.Close()
	t.log.Info("webrtc: peer disconnected", "peer_id", id, "peers", count)
}

// pace emits one frame every 20 ms while peers are connected.
func (t *Transport) pace() {
	defer close(t.exited)
	ticker := time.NewTicker(frameMs * time.Millisecond)
	defer ticker.Stop()

	frame := make([]int16, frameSize)
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		if len(t.peers) == 0 {
			t.mu.Unlock()
			continue
		}
		n := copy(frame, t.pending)
		clear(frame[n:])
		t.pending = t.pending[n:]
		peers := make(map[string]Peer, len(t.peers))
		for id, p := range t.peers {
			peers[id] = p
		}
		t.mu.Unlock()

		pkt, err := t.enc.Encode(frame)
		if err != nil {
			t.log.Debug("webrtc: encode frame", "err", err)
			continue
		}
		for id, p := range peers {
			if err := p.WriteFrame(pkt, frameMs*time.Millisecond); err != nil {
				t.log.Debug("webrtc: write frame", "peer_id", id, "err", err)
			}
		}
	}
}
