package collision

import (
	"sort"

	"astra-collide/internal/vmath"
)

// AllPairs tests every pair of bodies directly. It is O(n^2) and exists as
// a reference for tests and debugging of tiny scenes; the tick never calls
// it. Bodies with non-finite geometry are skipped. Events are sorted by
// (A, B).
func AllPairs(b Bodies, defaultRadius float32) []Event {
	radius := func(i int) float32 {
		if b.Radii != nil && b.Radii[i] > 0 {
			return b.Radii[i]
		}
		return defaultRadius
	}
	var events []Event
	for i := range b.IDs {
		if !vmath.FiniteVec(b.Positions[i]) || !vmath.Finite(radius(i)) {
			continue
		}
		for j := i + 1; j < len(b.IDs); j++ {
			if !vmath.FiniteVec(b.Positions[j]) || !vmath.Finite(radius(j)) {
				continue
			}
			ia, ib := i, j
			if b.IDs[ib] < b.IDs[ia] {
				ia, ib = ib, ia
			}
			if ev, ok := sphereTest(b.Positions[ia], b.Positions[ib], radius(ia), radius(ib)); ok {
				ev.A, ev.B = b.IDs[ia], b.IDs[ib]
				events = append(events, ev)
			}
		}
	}
	SortEvents(events)
	return events
}

// SortEvents orders events by (A, B).
func SortEvents(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].A != events[j].A {
			return events[i].A < events[j].A
		}
		return events[i].B < events[j].B
	})
}
