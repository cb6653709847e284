package playback

import "testing"

func TestTrackTable_GenerationalHandles(t *testing.T) {
	t.Parallel()

	tt := newTrackTable()
	a, ha := tt.ensure("a")
	a.rendered = 42

	if got := tt.get(ha); got == nil || got.rendered != 42 {
		t.Fatalf("get(ha) = %+v, want track a", got)
	}
	if _, h2 := tt.ensure("a"); h2 != ha {
		t.Fatalf("ensure returned a new handle for an existing id")
	}

	tt.remove(ha)
	if tt.get(ha) != nil {
		t.Fatal("stale handle still resolves after remove")
	}
	if _, _, ok := tt.lookup("a"); ok {
		t.Fatal("lookup found a removed track")
	}

	b, hb := tt.ensure("b")
	if hb.index != ha.index {
		t.Fatalf("slot not reused: index %d, want %d", hb.index, ha.index)
	}
	if hb.gen == ha.gen {
		t.Fatal("reused slot kept the old generation")
	}
	if b.rendered != 0 || b.id != "b" {
		t.Fatalf("reused slot not reset: %+v", b)
	}
	if tt.get(ha) != nil {
		t.Fatal("old handle resolves to the reused slot")
	}
	tt.remove(ha) // stale, must not remove b
	if tt.get(hb) == nil {
		t.Fatal("removing a stale handle removed the live track")
	}
	if tt.len() != 1 {
		t.Fatalf("len = %d, want 1", tt.len())
	}
}
