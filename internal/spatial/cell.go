// Package spatial provides the uniform spatial hash grid used as the
// collision broad phase, plus a sweep-and-prune fallback for small worlds.
//
// Entities are referenced by slot index inside the grid, never by pointer,
// so the per-tick rebuild produces no garbage once buckets have warmed up.
package spatial

import (
	"math"

	"astra-collide/internal/vmath"
)

// maxCellCoord bounds cell coordinates so ranges never overflow int32
// arithmetic.
const maxCellCoord = 1 << 30

// CellKey is the integer coordinate of a grid cell: floor(coord / cellSize).
type CellKey struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
	Z int32 `json:"z"`
}

// shardHash spreads neighbouring cells across shards.
func (k CellKey) shardHash() uint64 {
	h := uint64(uint32(k.X))*73856093 ^ uint64(uint32(k.Y))*19349663 ^ uint64(uint32(k.Z))*83492791
	h ^= h >> 29
	return h
}

// cellRange is an inclusive block of cells.
type cellRange struct {
	lo, hi CellKey
}

func (r cellRange) count() int64 {
	return int64(r.hi.X-r.lo.X+1) * int64(r.hi.Y-r.lo.Y+1) * int64(r.hi.Z-r.lo.Z+1)
}

func (r cellRange) contains(k CellKey) bool {
	return k.X >= r.lo.X && k.X <= r.hi.X &&
		k.Y >= r.lo.Y && k.Y <= r.hi.Y &&
		k.Z >= r.lo.Z && k.Z <= r.hi.Z
}

// each calls fn for every cell in the range.
func (r cellRange) each(fn func(CellKey)) {
	for x := r.lo.X; x <= r.hi.X; x++ {
		for y := r.lo.Y; y <= r.hi.Y; y++ {
			for z := r.lo.Z; z <= r.hi.Z; z++ {
				fn(CellKey{x, y, z})
			}
		}
	}
}

// cellCoord floors one coordinate into cell space. ok is false when the
// result is outside the representable cell range.
func cellCoord(x float32, inv float64) (int32, bool) {
	c := math.Floor(float64(x) * inv)
	if c < -maxCellCoord || c > maxCellCoord {
		return 0, false
	}
	return int32(c), true
}

func rangeOf(box vmath.AABB, inv float64) (cellRange, bool) {
	var r cellRange
	var ok [6]bool
	r.lo.X, ok[0] = cellCoord(box.Min[0], inv)
	r.lo.Y, ok[1] = cellCoord(box.Min[1], inv)
	r.lo.Z, ok[2] = cellCoord(box.Min[2], inv)
	r.hi.X, ok[3] = cellCoord(box.Max[0], inv)
	r.hi.Y, ok[4] = cellCoord(box.Max[1], inv)
	r.hi.Z, ok[5] = cellCoord(box.Max[2], inv)
	for _, v := range ok {
		if !v {
			return r, false
		}
	}
	return r, true
}
