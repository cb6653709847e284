package playback

import "time"

// handle is a generational reference to a slot in a [trackTable]. A handle
// whose generation no longer matches the slot refers to a cleared track.
type handle struct {
	index uint32
	gen   uint32
}

// queued is one ready-to-play buffer.
type queued struct {
	samples []int16
	volume  float64
}

// track is the per-track state: accumulation buffer, pending flush timer,
// FIFO queue, and the in-flight render.
type track struct {
	id   string
	gen  uint32
	live bool

	accum       []int16
	accumVolume float64
	flushTimer  *time.Timer

	queue   []queued
	playing bool
	current *render

	// rendered counts samples of this track whose playback completed.
	rendered int

	idleSince time.Time
}

// busy reports whether t has audio buffered, queued, or rendering.
func (t *track) busy() bool {
	return t.current != nil || t.playing || len(t.queue) > 0 || len(t.accum) > 0
}

// trackTable stores tracks in a slab with an id→handle index. Slots are
// reused after removal with a bumped generation.
type trackTable struct {
	slots []track
	free  []uint32
	byID  map[string]handle
}

func newTrackTable() *trackTable {
	return &trackTable{byID: make(map[string]handle)}
}

// get returns the live track for h, or nil if h is stale.
func (tt *trackTable) get(h handle) *track {
	if int(h.index) >= len(tt.slots) {
		return nil
	}
	t := &tt.slots[h.index]
	if !t.live || t.gen != h.gen {
		return nil
	}
	return t
}

// lookup returns the live track for id.
func (tt *trackTable) lookup(id string) (*track, handle, bool) {
	h, ok := tt.byID[id]
	if !ok {
		return nil, handle{}, false
	}
	t := tt.get(h)
	if t == nil {
		delete(tt.byID, id)
		return nil, handle{}, false
	}
	return t, h, true
}

// ensure returns the track for id, creating it if needed.
func (tt *trackTable) ensure(id string) (*track, handle) {
	if t, h, ok := tt.lookup(id); ok {
		return t, h
	}
	var idx uint32
	if n := len(tt.free); n > 0 {
		idx = tt.free[n-1]
		tt.free = tt.free[:n-1]
	} else {
		tt.slots = append(tt.slots, track{})
		idx = uint32(len(tt.slots) - 1)
	}
	t := &tt.slots[idx]
	gen := t.gen + 1
	*t = track{id: id, gen: gen, live: true}
	h := handle{index: idx, gen: gen}
	tt.byID[id] = h
	return t, h
}

// remove frees the slot referenced by h. Stale handles are ignored.
func (tt *trackTable) remove(h handle) {
	t := tt.get(h)
	if t == nil {
		return
	}
	delete(tt.byID, t.id)
	gen := t.gen
	*t = track{gen: gen}
	tt.free = append(tt.free, h.index)
}

// len returns the number of live tracks.
func (tt *trackTable) len() int {
	return len(tt.byID)
}

// each calls fn for every live track.
func (tt *trackTable) each(fn func(h handle, t *track)) {
	for _, h := range tt.byID {
		if t := tt.get(h); t != nil {
			fn(h, t)
		}
	}
}
