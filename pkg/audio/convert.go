package audio

import "math"

// Int16ToBytes converts PCM samples to little-endian bytes.
func Int16ToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	PutInt16LE(b, pcm)
	return b
}

// PutInt16LE writes pcm into dst as little-endian int16 and returns the number
// of samples written. dst must hold at least 2*len(pcm) bytes for a full copy.
func PutInt16LE(dst []byte, pcm []int16) int {
	n := min(len(pcm), len(dst)/2)
	for i := range n {
		s := pcm[i]
		dst[i*2] = byte(s)
		dst[i*2+1] = byte(s >> 8)
	}
	return n
}

// BytesToInt16 converts little-endian int16 bytes to samples. A trailing odd
// byte is ignored.
func BytesToInt16(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	ReadInt16LE(pcm, b)
	return pcm
}

// ReadInt16LE decodes little-endian int16 bytes from src into dst and returns
// the number of samples decoded. It does not allocate.
func ReadInt16LE(dst []int16, src []byte) int {
	n := min(len(dst), len(src)/2)
	for i := range n {
		dst[i] = int16(src[i*2]) | int16(src[i*2+1])<<8
	}
	return n
}

// Float32ToInt16 converts normalised float samples in [-1, 1] to int16 with
// clamping.
func Float32ToInt16(dst []int16, src []float32) int {
	n := min(len(dst), len(src))
	for i := range n {
		dst[i] = clampInt16(float64(src[i]) * 32767)
	}
	return n
}

// ScaleVolume returns a copy of pcm with every sample multiplied by volume and
// clamped to the int16 range. A volume of 1 returns an unmodified copy.
func ScaleVolume(pcm []int16, volume float64) []int16 {
	out := make([]int16, len(pcm))
	if volume == 1 {
		copy(out, pcm)
		return out
	}
	if volume <= 0 {
		return out
	}
	for i, s := range pcm {
		out[i] = clampInt16(float64(s) * volume)
	}
	return out
}

// MixInto adds src scaled by volume onto the int32 accumulator acc. The
// accumulator is clamped later by [ClampMix].
func MixInto(acc []int32, src []int16, volume float64) {
	n := min(len(acc), len(src))
	if volume == 1 {
		for i := range n {
			acc[i] += int32(src[i])
		}
		return
	}
	for i := range n {
		acc[i] += int32(float64(src[i]) * volume)
	}
}

// ClampMix writes the accumulator into dst, clamping each value to int16.
func ClampMix(dst []int16, acc []int32) {
	n := min(len(dst), len(acc))
	for i := range n {
		v := acc[i]
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		dst[i] = int16(v)
	}
}

// Resample converts mono PCM from srcRate to dstRate using linear
// interpolation. If the rates match, pcm is returned unchanged.
func Resample(pcm []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) == 0 {
		return pcm
	}
	dstSamples := int(int64(len(pcm)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := pcm[srcIdx]
		s1 := s0
		if srcIdx+1 < len(pcm) {
			s1 = pcm[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// Clamp limits v to [lo, hi]. NaN maps to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return max(lo, min(v, hi))
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
