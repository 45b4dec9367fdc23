package spatial

import (
	"astra-collide/internal/entity"
	"astra-collide/internal/fault"
	"astra-collide/internal/vmath"
)

// QueryScratch deduplicates query hits without a hash set. Each grid slot
// has a stamp; a slot is reported once per epoch. One scratch per goroutine.
type QueryScratch struct {
	stamps []uint32
	epoch  uint32
}

func (s *QueryScratch) begin(slots int) {
	if cap(s.stamps) < slots {
		grown := make([]uint32, slots, slots+slots/4)
		copy(grown, s.stamps)
		s.stamps = grown
	} else if len(s.stamps) < slots {
		s.stamps = s.stamps[:slots]
	}
	s.epoch++
	if s.epoch == 0 {
		clear(s.stamps)
		s.epoch = 1
	}
}

// visit reports whether slot is new in this epoch.
func (s *QueryScratch) visit(slot int32) bool {
	if s.stamps[slot] == s.epoch {
		return false
	}
	s.stamps[slot] = s.epoch
	return true
}

// Hit is one query result.
type Hit struct {
	ID  entity.ID
	Tag int32
	Box vmath.AABB
}

// QueryInto calls fn once for each entity sharing at least one cell with
// box, in first-seen order. The result is a superset of the entities whose
// AABB overlaps box. fn must not mutate the grid.
func (g *HashGrid) QueryInto(box vmath.AABB, sc *QueryScratch, fn func(Hit)) error {
	const op = "spatial.query"
	if !box.Finite() || !box.Ordered() {
		return fault.Errorf(fault.InvalidGeometry, op, "query aabb %v is not a finite ordered box", box)
	}
	sc.begin(len(g.entries))

	emit := func(bucket []int32) {
		for _, slot := range bucket {
			if sc.visit(slot) {
				e := &g.entries[slot]
				fn(Hit{ID: e.id, Tag: e.tag, Box: e.box})
			}
		}
	}

	r, ok := rangeOf(box, g.invCellSize)
	if ok && r.count() <= g.maxCells {
		r.each(func(k CellKey) {
			emit(g.shardFor(k).cells[k])
		})
		return nil
	}

	// Huge query boxes scan occupied buckets instead of the covered range.
	for i := range g.shards {
		for k, bucket := range g.shards[i].cells {
			if !ok || r.contains(k) {
				emit(bucket)
			}
		}
	}
	return nil
}

// Query appends the ids of candidate entities for box to dst and returns
// it. It uses the grid's own scratch and is not safe for concurrent use;
// parallel callers use QueryInto.
func (g *HashGrid) Query(box vmath.AABB, dst []entity.ID) ([]entity.ID, error) {
	err := g.QueryInto(box, &g.scratch, func(h Hit) {
		dst = append(dst, h.ID)
	})
	return dst, err
}

// QueryRadius returns candidates around center. The returned slice is
// reused on subsequent calls; copy it to keep it.
func (g *HashGrid) QueryRadius(center vmath.Vec3, radius float32) ([]entity.ID, error) {
	var err error
	g.hits, err = g.Query(vmath.SphereAABB(center, radius), g.hits[:0])
	return g.hits, err
}
