package malgo

import (
	"math"
	"sync/atomic"

	"github.com/MrWong99/lingualink/pkg/audio"
)

// voice is one buffer being rendered by a [Sink]. The device callback
// advances pos; control code only reads it.
type voice struct {
	samples []int16
	pos     atomic.Int64
	volume  atomic.Uint64 // math.Float64bits
	stopped atomic.Bool
}

func newVoice(samples []int16, volume float64) *voice {
	v := &voice{samples: samples}
	v.volume.Store(math.Float64bits(volume))
	return v
}

// Playing implements [audio.Voice].
func (v *voice) Playing() bool {
	return !v.stopped.Load() && int(v.pos.Load()) < len(v.samples)
}

// SetVolume implements [audio.Voice].
func (v *voice) SetVolume(vol float64) {
	v.volume.Store(math.Float64bits(vol))
}

// Stop implements [audio.Voice].
func (v *voice) Stop() error {
	v.stopped.Store(true)
	return nil
}

// mixVoices adds the next len(acc) samples of every playing voice into acc
// and advances them. It does not allocate.
func mixVoices(acc []int32, voices []*voice) {
	for _, v := range voices {
		if v.stopped.Load() {
			continue
		}
		pos := int(v.pos.Load())
		if pos >= len(v.samples) {
			continue
		}
		end := min(pos+len(acc), len(v.samples))
		audio.MixInto(acc, v.samples[pos:end], math.Float64frombits(v.volume.Load()))
		v.pos.Store(int64(end))
	}
}
