// Package bridge moves per-tick data between the component store of record
// and the flat arrays the movement kernel and collision phase work on.
//
// The store is accessed through Store. Stores that can also write back in
// their own iteration order implement BatchWriter; the bridge prefers that
// path and falls back to per-id writes for whatever it cannot place. Per-id
// writes cost one store lookup per entity, which is usually the dominant
// cost of a tick for large worlds.
package bridge

import (
	"slices"

	"astra-collide/internal/entity"
	"astra-collide/internal/fault"
	"astra-collide/internal/vmath"
)

// Frame holds one tick's data as parallel arrays in collect order.
type Frame struct {
	IDs        []entity.ID
	Positions  []vmath.Vec3
	Velocities []vmath.Vec3
	Radii      []float32
}

// Len returns the number of collected entities.
func (f *Frame) Len() int { return len(f.IDs) }

// Reset truncates every array, keeping capacity.
func (f *Frame) Reset() {
	f.IDs = f.IDs[:0]
	f.Positions = f.Positions[:0]
	f.Velocities = f.Velocities[:0]
	f.Radii = f.Radii[:0]
}

// Append adds one entity to the frame.
func (f *Frame) Append(id entity.ID, pos, vel vmath.Vec3, radius float32) {
	f.IDs = append(f.IDs, id)
	f.Positions = append(f.Positions, pos)
	f.Velocities = append(f.Velocities, vel)
	f.Radii = append(f.Radii, radius)
}

// Store is the capability required of the component store of record.
type Store interface {
	// Collect appends every movable entity to dst in one pass. The order
	// must stay valid until the matching writeback.
	Collect(dst *Frame) error
	// WriteByID sets the position of id. It reports false when id no longer
	// exists, which is not an error.
	WriteByID(id entity.ID, pos vmath.Vec3) bool
}

// BatchWriter is the optional index-stable write path. WriteBatch walks the
// store in collect order and writes positions[i] to ids[i] for as long as
// the store's order still matches ids. It returns the length of the prefix
// it wrote; the bridge writes the rest by id.
type BatchWriter interface {
	WriteBatch(ids []entity.ID, positions []vmath.Vec3) (written int)
}

// WritebackStats describes one Writeback call.
type WritebackStats struct {
	Written int `json:"written"`
	Batched int `json:"batched"`
	PerID   int `json:"perId"`
	Missing int `json:"missing"`
}

// Bridge pairs a Store with the reusable frame of the current tick.
type Bridge struct {
	store         Store
	batch         BatchWriter
	defaultRadius float32
	frame         Frame
	sorted        []entity.ID
	collected     bool
	anomalies     fault.Tally
}

// New returns a Bridge over store. Radii that are missing or non-positive
// are replaced by defaultRadius during Collect.
func New(store Store, defaultRadius float32) *Bridge {
	b := &Bridge{store: store, defaultRadius: defaultRadius}
	if bw, ok := store.(BatchWriter); ok {
		b.batch = bw
	}
	return b
}

// Batched reports whether the store offers the index-stable write path.
func (b *Bridge) Batched() bool { return b.batch != nil }

// Anomalies returns the MissingEntity anomalies of the last Writeback.
func (b *Bridge) Anomalies() *fault.Tally { return &b.anomalies }

// Collect reads every movable entity once. The returned frame is owned by
// the Bridge and reused next tick; callers may modify Positions in place.
func (b *Bridge) Collect() (*Frame, error) {
	const op = "bridge.collect"
	b.frame.Reset()
	b.collected = false
	if err := b.store.Collect(&b.frame); err != nil {
		return nil, fault.Wrap(fault.InvalidInput, op, err)
	}
	f := &b.frame
	n := len(f.IDs)
	if len(f.Positions) != n || len(f.Velocities) != n {
		return nil, fault.Errorf(fault.InvalidInput, op, "store returned %d ids, %d positions, %d velocities", n, len(f.Positions), len(f.Velocities))
	}
	for len(f.Radii) < n {
		f.Radii = append(f.Radii, 0)
	}
	f.Radii = f.Radii[:n]
	for i, r := range f.Radii {
		if r <= 0 {
			f.Radii[i] = b.defaultRadius
		}
	}
	if dup, ok := firstDuplicate(f.IDs, &b.sorted); ok {
		return nil, fault.ForEntity(fault.InvalidInput, op, dup, "store yielded entity twice")
	}
	b.collected = true
	return f, nil
}

// firstDuplicate sorts a scratch copy of ids; no hashing.
func firstDuplicate(ids []entity.ID, scratch *[]entity.ID) (entity.ID, bool) {
	s := append((*scratch)[:0], ids...)
	slices.Sort(s)
	*scratch = s
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1] {
			return s[i], true
		}
	}
	return entity.Invalid, false
}

// Writeback commits positions for exactly the ids of the last Collect, in
// the same order, one write each. Ids the store no longer knows are counted
// as MissingEntity and skipped.
func (b *Bridge) Writeback(ids []entity.ID, positions []vmath.Vec3) (WritebackStats, error) {
	const op = "bridge.writeback"
	if !b.collected {
		return WritebackStats{}, fault.Errorf(fault.InvalidInput, op, "writeback without a matching collect")
	}
	if len(ids) != len(positions) {
		return WritebackStats{}, fault.Errorf(fault.InvalidInput, op, "%d ids but %d positions", len(ids), len(positions))
	}
	if len(ids) != len(b.frame.IDs) {
		return WritebackStats{}, fault.Errorf(fault.InvalidInput, op, "collected %d entities but writing %d", len(b.frame.IDs), len(ids))
	}
	for i, id := range ids {
		if id != b.frame.IDs[i] {
			return WritebackStats{}, fault.ForEntity(fault.InvalidInput, op, id, "id at index %d differs from collect order", i)
		}
	}
	b.collected = false
	b.anomalies.Reset()

	var st WritebackStats
	start := 0
	if b.batch != nil {
		start = b.batch.WriteBatch(ids, positions)
		if start < 0 || start > len(ids) {
			return st, fault.Errorf(fault.InvalidInput, op, "batch writer reported %d of %d", start, len(ids))
		}
		st.Batched = start
		st.Written = start
	}
	for i := start; i < len(ids); i++ {
		if b.store.WriteByID(ids[i], positions[i]) {
			st.PerID++
			st.Written++
			continue
		}
		st.Missing++
		b.anomalies.Add(fault.ForEntity(fault.MissingEntity, op, ids[i], "entity despawned before writeback"))
	}
	return st, nil
}

// Frame returns the frame of the last Collect.
func (b *Bridge) Frame() *Frame { return &b.frame }
