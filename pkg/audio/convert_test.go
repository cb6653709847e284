package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/MrWong99/lingualink/pkg/audio"
)

func TestInt16ToBytes_RoundTrip(t *testing.T) {
	t.Parallel()

	in := []int16{0, 1, -1, math.MaxInt16, math.MinInt16, 12345}
	b := audio.Int16ToBytes(in)
	if len(b) != len(in)*2 {
		t.Fatalf("len = %d, want %d", len(b), len(in)*2)
	}
	for i, s := range in {
		if got := int16(binary.LittleEndian.Uint16(b[i*2:])); got != s {
			t.Errorf("byte pair %d = %d, want %d", i, got, s)
		}
	}
	out := audio.BytesToInt16(b)
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestBytesToInt16_OddByte(t *testing.T) {
	t.Parallel()

	got := audio.BytesToInt16([]byte{0x01, 0x00, 0xFF})
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("got %v, want [1]", got)
	}
}

func TestScaleVolume(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     []int16
		volume float64
		want   []int16
	}{
		{name: "unity", in: []int16{100, -100}, volume: 1, want: []int16{100, -100}},
		{name: "half", in: []int16{100, -100}, volume: 0.5, want: []int16{50, -50}},
		{name: "mute", in: []int16{100, -100}, volume: 0, want: []int16{0, 0}},
		{name: "negative is mute", in: []int16{100}, volume: -1, want: []int16{0}},
		{name: "clamps high", in: []int16{30000, -30000}, volume: 2, want: []int16{math.MaxInt16, math.MinInt16}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.ScaleVolume(tt.in, tt.volume)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("sample %d = %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestScaleVolume_DoesNotAlias(t *testing.T) {
	t.Parallel()

	in := []int16{1, 2, 3}
	out := audio.ScaleVolume(in, 1)
	out[0] = 99
	if in[0] != 1 {
		t.Fatal("ScaleVolume returned a slice aliasing its input")
	}
}

func TestMixInto_ClampMix(t *testing.T) {
	t.Parallel()

	acc := make([]int32, 3)
	audio.MixInto(acc, []int16{20000, 100, -20000}, 1)
	audio.MixInto(acc, []int16{20000, 100, -20000}, 1)
	dst := make([]int16, 3)
	audio.ClampMix(dst, acc)

	want := []int16{math.MaxInt16, 200, math.MinInt16}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, dst[i], want[i])
		}
	}
}

func TestResample(t *testing.T) {
	t.Parallel()

	in := make([]int16, 240)
	for i := range in {
		in[i] = int16(i)
	}

	up := audio.Resample(in, 24000, 48000)
	if len(up) != 480 {
		t.Fatalf("upsampled len = %d, want 480", len(up))
	}
	if up[2] != 1 {
		t.Errorf("up[2] = %d, want 1", up[2])
	}

	same := audio.Resample(in, 24000, 24000)
	if &same[0] != &in[0] {
		t.Error("same-rate resample should return the input unchanged")
	}

	if got := audio.Resample(nil, 24000, 48000); got != nil {
		t.Errorf("Resample(nil) = %v, want nil", got)
	}
}

func TestClamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		v, lo, hi, want float64
	}{
		{0.3, 0, 1, 0.3},
		{1.5, 0, 1, 1},
		{-0.2, 0, 0.6, 0},
		{1.0, 0, 0.6, 0.6},
		{math.NaN(), 0, 1, 0},
	}
	for _, tt := range tests {
		if got := audio.Clamp(tt.v, tt.lo, tt.hi); got != tt.want {
			t.Errorf("Clamp(%v, %v, %v) = %v, want %v", tt.v, tt.lo, tt.hi, got, tt.want)
		}
	}
}

func TestSamplesDuration(t *testing.T) {
	t.Parallel()

	if got := audio.SamplesDuration(2400, 24000); got.Milliseconds() != 100 {
		t.Errorf("SamplesDuration(2400, 24000) = %v, want 100ms", got)
	}
	if got := audio.DurationSamples(audio.SamplesDuration(4800, 24000), 24000); got != 4800 {
		t.Errorf("DurationSamples round trip = %d, want 4800", got)
	}
	if got := audio.SamplesDuration(10, 0); got != 0 {
		t.Errorf("SamplesDuration with zero rate = %v, want 0", got)
	}
}
