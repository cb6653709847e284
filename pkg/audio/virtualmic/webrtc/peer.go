package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Peer is one connected receiver of the virtual microphone track.
type Peer interface {
	// WriteFrame sends one encoded Opus frame.
	WriteFrame(packet []byte, duration time.Duration) error

	// Done is closed when the peer disconnects.
	Done() <-chan struct{}

	// Close tears down the peer connection.
	Close() error
}

// PeerFactory negotiates a new peer from a remote SDP offer and returns the
// local answer.
type PeerFactory func(ctx context.Context, offer pion.SessionDescription) (Peer, *pion.SessionDescription, error)

// pionPeer is a [Peer] backed by a pion peer connection with one
// send-only Opus track.
type pionPeer struct {
	pc    *pion.PeerConnection
	track *pion.TrackLocalStaticSample

	done chan struct{}
	once sync.Once
}

// NewPionFactory returns the production [PeerFactory].
func NewPionFactory(cfg pion.Configuration) PeerFactory {
	return func(ctx context.Context, offer pion.SessionDescription) (Peer, *pion.SessionDescription, error) {
		pc, err := pion.NewPeerConnection(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("webrtc: create peer connection: %w", err)
		}
		p, answer, err := negotiate(ctx, pc, offer)
		if err != nil {
			_ = pc.Close()
			return nil, nil, err
		}
		return p, answer, nil
	}
}

func negotiate(ctx context.Context, pc *pion.PeerConnection, offer pion.SessionDescription) (*pionPeer, *pion.SessionDescription, error) {
	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus},
		"audio",
		"lingualink-mic",
	)
	if err != nil {
		return nil, nil, fmt.Errorf("webrtc: create audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, nil, fmt.Errorf("webrtc: add track: %w", err)
	}
	// RTCP must be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, nil, fmt.Errorf("webrtc: set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("webrtc: create answer: %w", err)
	}
	gathered := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, nil, fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("webrtc: ice gathering: %w", ctx.Err())
	}

	p := &pionPeer{pc: pc, track: track, done: make(chan struct{})}
	pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		switch s {
		case pion.PeerConnectionStateFailed,
			pion.PeerConnectionStateClosed,
			pion.PeerConnectionStateDisconnected:
			p.markDone()
		}
	})
	return p, pc.LocalDescription(), nil
}

func (p *pionPeer) WriteFrame(packet []byte, d time.Duration) error {
	return p.track.WriteSample(media.Sample{Data: packet, Duration: d})
}

func (p *pionPeer) Done() <-chan struct{} { return p.done }

func (p *pionPeer) Close() error {
	p.markDone()
	return p.pc.Close()
}

func (p *pionPeer) markDone() {
	p.once.Do(func() { close(p.done) })
}
