package spatial

import "slices"

// DefaultCellFactor sizes cells at twice the typical entity extent, so a
// typical AABB touches at most two cells per axis.
const DefaultCellFactor = 2

// DeriveCellSize picks a cell size from collider radii: factor times the
// median AABB extent (2r). Non-positive radii count as defaultRadius.
func DeriveCellSize(radii []float32, defaultRadius, factor float32) float32 {
	if factor <= 0 {
		factor = DefaultCellFactor
	}
	if len(radii) == 0 {
		return factor * 2 * defaultRadius
	}
	extents := make([]float32, len(radii))
	for i, r := range radii {
		if !(r > 0) {
			r = defaultRadius
		}
		extents[i] = 2 * r
	}
	slices.Sort(extents)
	median := extents[len(extents)/2]
	if len(extents)%2 == 0 {
		median = (extents[len(extents)/2-1] + median) / 2
	}
	return factor * median
}
