package webrtc

import (
	"fmt"

	"layeh.com/gopus"
)

// WebRTC Opus runs at 48 kHz. The virtual microphone is mono with 20 ms
// frames.
const (
	opusSampleRate = 48000
	opusChannels   = 1
	frameMs        = 20
	frameSize      = opusSampleRate * frameMs / 1000 // 960

	// maxPacketBytes bounds one encoded Opus packet.
	maxPacketBytes = 4000
)

// Encoder turns one 20 ms frame of 48 kHz mono PCM into an Opus packet.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
}

// opusEncoder wraps a gopus encoder for the outgoing track.
type opusEncoder struct {
	enc *gopus.Encoder
}

// newOpusEncoder creates a voice-tuned encoder. A bitrate of zero keeps the
// library default.
func newOpusEncoder(bitrate int) (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus encoder: %w", err)
	}
	if bitrate > 0 {
		enc.SetBitrate(bitrate)
	}
	return &opusEncoder{enc: enc}, nil
}

func (e *opusEncoder) Encode(pcm []int16) ([]byte, error) {
	pkt, err := e.enc.Encode(pcm, frameSize, maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("webrtc: opus encode: %w", err)
	}
	return pkt, nil
}
