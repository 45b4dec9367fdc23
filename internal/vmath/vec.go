// Package vmath provides the vector types, bounding volumes and the batched
// movement kernel used by the collision pipeline.
package vmath

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Vec3 is a 3-component float32 vector. 2D callers leave Z at zero.
type Vec3 = mgl32.Vec3

// Finite reports whether x is neither NaN nor infinite.
func Finite(x float32) bool {
	f := float64(x)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// FiniteVec reports whether every component of v is finite.
func FiniteVec(v Vec3) bool {
	return Finite(v[0]) && Finite(v[1]) && Finite(v[2])
}

// Floor32 floors x and returns it as an int64 so callers can range check
// before narrowing.
func Floor32(x float32) int64 {
	return int64(math.Floor(float64(x)))
}
