// Package audio defines the shared types of the lingualink audio pipeline:
// PCM frames, device descriptors, backend interfaces, and the error taxonomy
// used by the capture, playback, passthrough, virtual microphone, and system
// audio packages.
//
// All PCM in the pipeline is mono, signed 16-bit, at a single system-wide
// sample rate ([DefaultSampleRate] unless configured otherwise).
package audio

import "time"

// DefaultSampleRate is the pipeline-wide sample rate in Hz.
const DefaultSampleRate = 24000

// Frame is one block of captured PCM handed from a capture engine to its
// recording callback. Samples is owned by the receiver.
type Frame struct {
	// Samples holds mono 16-bit PCM.
	Samples []int16

	// SampleRate in Hz.
	SampleRate int

	// Timestamp is the wall-clock time at which the first sample was captured.
	Timestamp time.Time

	// IsRecording is true when the frame was produced while the engine was
	// in the recording state.
	IsRecording bool

	// IsPassthrough marks frames that should also be monitored locally.
	IsPassthrough bool

	// PassthroughVolume is the monitoring volume in [0, 1] requested by the
	// capture engine's passthrough configuration.
	PassthroughVolume float64
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// SamplesDuration converts a sample count at rate Hz to a duration.
// It returns zero for a non-positive rate.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// DurationSamples converts d to a sample count at rate Hz, truncating.
func DurationSamples(d time.Duration, rate int) int {
	if d <= 0 || rate <= 0 {
		return 0
	}
	return int(int64(d) * int64(rate) / int64(time.Second))
}
