package vmath

import "github.com/go-gl/mathgl/mgl32"

// AABB is an axis-aligned bounding box. Min <= Max on every axis for a
// well-formed box; a box with Min == Max is degenerate but valid.
type AABB struct {
	Min Vec3
	Max Vec3
}

// SphereAABB returns the box enclosing a sphere.
func SphereAABB(center Vec3, radius float32) AABB {
	r := mgl32.Vec3{radius, radius, radius}
	return AABB{Min: center.Sub(r), Max: center.Add(r)}
}

// Overlaps reports whether the closed boxes a and b intersect. Touching
// faces count as overlap, matching the inclusive sphere test.
func (a AABB) Overlaps(b AABB) bool {
	return a.Min[0] <= b.Max[0] && a.Max[0] >= b.Min[0] &&
		a.Min[1] <= b.Max[1] && a.Max[1] >= b.Min[1] &&
		a.Min[2] <= b.Max[2] && a.Max[2] >= b.Min[2]
}

// Finite reports whether all corners are finite.
func (a AABB) Finite() bool {
	return FiniteVec(a.Min) && FiniteVec(a.Max)
}

// Ordered reports whether Min <= Max on every axis.
func (a AABB) Ordered() bool {
	return a.Min[0] <= a.Max[0] && a.Min[1] <= a.Max[1] && a.Min[2] <= a.Max[2]
}

// Extent returns Max - Min.
func (a AABB) Extent() Vec3 {
	return a.Max.Sub(a.Min)
}

// Center returns the midpoint of the box.
func (a AABB) Center() Vec3 {
	return a.Min.Add(a.Max).Mul(0.5)
}
