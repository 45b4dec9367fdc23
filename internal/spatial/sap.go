package spatial

import (
	"sort"

	"astra-collide/internal/vmath"
)

// SweepAndPrune is a single-axis sweep with temporal coherence. Endpoint
// order is kept between calls, so when bodies move little the insertion
// sort is close to O(n). Candidates are confirmed with a full AABB test.
//
// It beats the hash grid for small worlds, where bucket bookkeeping
// dominates.
type SweepAndPrune struct {
	endpoints []endpoint
	pairs     []IndexPair
	active    []int32
	bodies    int
}

type endpoint struct {
	value float32
	index int32
	isMin bool
}

// IndexPair holds two indices into the slice passed to Update, I < J.
type IndexPair struct {
	I, J int32
}

// NewSweepAndPrune creates a sweep-and-prune broad phase sized for
// maxBodies.
func NewSweepAndPrune(maxBodies int) *SweepAndPrune {
	return &SweepAndPrune{
		endpoints: make([]endpoint, 0, maxBodies*2),
		pairs:     make([]IndexPair, 0, maxBodies),
		active:    make([]int32, 0, 16),
	}
}

// Update returns every pair of boxes that overlap. Boxes flagged in skip
// (may be nil) are ignored. The returned slice is reused by the next call.
func (s *SweepAndPrune) Update(boxes []vmath.AABB, skip []bool) []IndexPair {
	s.pairs = s.pairs[:0]

	if len(boxes) == s.bodies && len(s.endpoints) == 2*len(boxes) {
		// Same bodies as last call: refresh values in place and let the
		// insertion sort exploit the previous order.
		for i := range s.endpoints {
			ep := &s.endpoints[i]
			if ep.isMin {
				ep.value = boxes[ep.index].Min[0]
			} else {
				ep.value = boxes[ep.index].Max[0]
			}
		}
		insertionSortEndpoints(s.endpoints)
	} else {
		s.endpoints = s.endpoints[:0]
		for i, b := range boxes {
			s.endpoints = append(s.endpoints,
				endpoint{value: b.Min[0], index: int32(i), isMin: true},
				endpoint{value: b.Max[0], index: int32(i)},
			)
		}
		sort.SliceStable(s.endpoints, func(i, j int) bool {
			return endpointLess(s.endpoints[i], s.endpoints[j])
		})
		s.bodies = len(boxes)
	}

	s.active = s.active[:0]
	for _, ep := range s.endpoints {
		if skip != nil && skip[ep.index] {
			continue
		}
		if !ep.isMin {
			for i, idx := range s.active {
				if idx == ep.index {
					s.active[i] = s.active[len(s.active)-1]
					s.active = s.active[:len(s.active)-1]
					break
				}
			}
			continue
		}
		box := boxes[ep.index]
		for _, other := range s.active {
			if !box.Overlaps(boxes[other]) {
				continue
			}
			p := IndexPair{I: other, J: ep.index}
			if p.I > p.J {
				p.I, p.J = p.J, p.I
			}
			s.pairs = append(s.pairs, p)
		}
		s.active = append(s.active, ep.index)
	}
	return s.pairs
}

// endpointLess orders by value with min endpoints first on ties, so
// touching intervals are reported as overlapping.
func endpointLess(a, b endpoint) bool {
	if a.value != b.value {
		return a.value < b.value
	}
	return a.isMin && !b.isMin
}

func insertionSortEndpoints(eps []endpoint) {
	for i := 1; i < len(eps); i++ {
		key := eps[i]
		j := i - 1
		for j >= 0 && endpointLess(key, eps[j]) {
			eps[j+1] = eps[j]
			j--
		}
		eps[j+1] = key
	}
}
