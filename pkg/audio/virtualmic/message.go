// Package virtualmic re-exposes synthesized and passthrough audio as a
// virtual microphone. Audio is split into PCM_DATA messages that a separate
// execution context reassembles or streams in order.
package virtualmic

import "time"

// MessageType is the type tag of every chunk message.
const MessageType = "PCM_DATA"

// Chunk sizes in samples. Long buffers use the smaller size so receivers can
// start playing sooner; short ones go out in few messages.
const (
	LongBufferChunkSize  = 4800
	ShortBufferChunkSize = 9600
)

// Message is one chunk of a PCM buffer.
type Message struct {
	Type        string  `json:"type"`
	PCMData     []int16 `json:"pcmData"`
	ChunkIndex  int     `json:"chunkIndex"`
	TotalChunks int     `json:"totalChunks"`
	SampleRate  int     `json:"sampleRate"`
	TrackID     string  `json:"trackId"`

	// Timestamp is the creation time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Last reports whether m is the final chunk of its buffer.
func (m Message) Last() bool {
	return m.ChunkIndex == m.TotalChunks-1
}

// ChunkSize returns the chunk size for a buffer of n samples: 4800 when the
// buffer is longer than two seconds at sampleRate, 9600 otherwise.
func ChunkSize(n, sampleRate int) int {
	if n > 2*sampleRate {
		return LongBufferChunkSize
	}
	return ShortBufferChunkSize
}

// Chunk splits samples into messages with ChunkIndex 0..TotalChunks-1. Each
// message references a sub-slice of samples; callers must not modify samples
// afterwards. An empty buffer yields no messages.
func Chunk(samples []int16, trackID string, sampleRate int, now time.Time) []Message {
	if len(samples) == 0 {
		return nil
	}
	size := ChunkSize(len(samples), sampleRate)
	total := (len(samples) + size - 1) / size
	ts := now.UnixMilli()

	msgs := make([]Message, 0, total)
	for i := range total {
		end := min((i+1)*size, len(samples))
		msgs = append(msgs, Message{
			Type:        MessageType,
			PCMData:     samples[i*size : end],
			ChunkIndex:  i,
			TotalChunks: total,
			SampleRate:  sampleRate,
			TrackID:     trackID,
			Timestamp:   ts,
		})
	}
	return msgs
}

// Assembler reassembles chunked buffers per track. It is not safe for
// concurrent use.
type Assembler struct {
	pending map[string][]int16
	next    map[string]int
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{pending: make(map[string][]int16), next: make(map[string]int)}
}

// Add appends m to its track. When m completes a buffer the full buffer is
// returned with ok set. A chunk out of sequence restarts the track.
func (a *Assembler) Add(m Message) (samples []int16, ok bool) {
	if m.ChunkIndex != a.next[m.TrackID] {
		delete(a.pending, m.TrackID)
		delete(a.next, m.TrackID)
		if m.ChunkIndex != 0 {
			return nil, false
		}
	}
	a.pending[m.TrackID] = append(a.pending[m.TrackID], m.PCMData...)
	a.next[m.TrackID] = m.ChunkIndex + 1
	if !m.Last() {
		return nil, false
	}
	out := a.pending[m.TrackID]
	delete(a.pending, m.TrackID)
	delete(a.next, m.TrackID)
	return out, true
}
