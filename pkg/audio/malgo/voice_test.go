package malgo

import "testing"

func TestMixVoices(t *testing.T) {
	t.Parallel()

	a := newVoice([]int16{100, 100, 100, 100}, 1)
	b := newVoice([]int16{10, 10}, 0.5)
	stopped := newVoice([]int16{7, 7, 7}, 1)
	_ = stopped.Stop()

	acc := make([]int32, 3)
	mixVoices(acc, []*voice{a, b, stopped})
	want := []int32{105, 105, 100}
	for i := range want {
		if acc[i] != want[i] {
			t.Fatalf("acc = %v, want %v", acc, want)
		}
	}
	if !a.Playing() || b.Playing() || stopped.Playing() {
		t.Errorf("playing = %v %v %v, want true false false", a.Playing(), b.Playing(), stopped.Playing())
	}

	clear(acc)
	mixVoices(acc, []*voice{a, b})
	if acc[0] != 100 || acc[1] != 0 {
		t.Errorf("second period acc = %v", acc)
	}
	if a.Playing() {
		t.Error("voice a still playing after its last sample")
	}
}
