package vmath

import (
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"astra-collide/internal/fault"
)

// Kernel integrates positions in fixed-width batches and wraps them back
// into the world cube [-HalfExtent, HalfExtent]^3.
type Kernel struct {
	HalfExtent float32
	// Lanes is the batch width, 4 or 8.
	Lanes int
	// Workers bounds the goroutines used for large inputs. Zero means
	// GOMAXPROCS.
	Workers int
	// MinParallel is the entity count below which a single goroutine is used.
	MinParallel int
}

// DefaultKernel mirrors the reference scene: a 64 unit half extent and
// 4-wide batches.
func DefaultKernel() Kernel {
	return Kernel{
		HalfExtent:  64,
		Lanes:       4,
		Workers:     runtime.GOMAXPROCS(0),
		MinParallel: 8192,
	}
}

// IntegrateStats describes one Integrate call.
type IntegrateStats struct {
	Entities  int
	Batches   int
	Remainder int
	Chunks    int
	Wrapped   int
	NaNReset  int
}

func (s *IntegrateStats) add(o IntegrateStats) {
	s.Batches += o.Batches
	s.Remainder += o.Remainder
	s.Wrapped += o.Wrapped
	s.NaNReset += o.NaNReset
}

func (k Kernel) validate(pos, vel []Vec3, dt float32) error {
	const op = "kernel.integrate"
	if len(pos) != len(vel) {
		return fault.Errorf(fault.InvalidInput, op, "positions (%d) and velocities (%d) differ in length", len(pos), len(vel))
	}
	if !Finite(dt) || dt < 0 {
		return fault.Errorf(fault.InvalidInput, op, "dt must be finite and non-negative, got %v", dt)
	}
	if k.Lanes != 4 && k.Lanes != 8 {
		return fault.Errorf(fault.InvalidInput, op, "unsupported lane width %d", k.Lanes)
	}
	if !Finite(k.HalfExtent) || k.HalfExtent <= 0 {
		return fault.Errorf(fault.InvalidInput, op, "half extent must be positive, got %v", k.HalfExtent)
	}
	return nil
}

// Integrate applies pos[i] += vel[i]*dt in place followed by the bounds
// wrap. Every position is finite on return: values past the bounds flip to
// the opposite face and NaN results are reset to zero and counted.
func (k Kernel) Integrate(pos, vel []Vec3, dt float32) (IntegrateStats, error) {
	if err := k.validate(pos, vel, dt); err != nil {
		return IntegrateStats{}, err
	}
	n := len(pos)
	stats := IntegrateStats{Entities: n}
	if n == 0 {
		return stats, nil
	}

	workers := k.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if n < k.MinParallel || workers == 1 {
		stats.Chunks = 1
		stats.add(k.run(pos, vel, dt))
		return stats, nil
	}

	// Chunks are lane aligned so only the final chunk has a remainder.
	chunk := (n + workers - 1) / workers
	chunk = (chunk + k.Lanes - 1) / k.Lanes * k.Lanes
	parts := make([]IntegrateStats, (n+chunk-1)/chunk)
	var g errgroup.Group
	for c := range parts {
		start := c * chunk
		end := min(start+chunk, n)
		p, v := pos[start:end], vel[start:end]
		g.Go(func() error {
			parts[c] = k.run(p, v, dt)
			return nil
		})
	}
	_ = g.Wait()

	stats.Chunks = len(parts)
	for _, p := range parts {
		stats.add(p)
	}
	return stats, nil
}

func (k Kernel) run(pos, vel []Vec3, dt float32) IntegrateStats {
	var st IntegrateStats
	b := k.HalfExtent
	n := len(pos)
	full := n - n%k.Lanes

	i := 0
	for ; i < full; i += k.Lanes {
		w, nan := batch4(pos[i:i+4:i+4], vel[i:i+4:i+4], dt, b)
		st.Wrapped += w
		st.NaNReset += nan
		if k.Lanes == 8 {
			w, nan = batch4(pos[i+4:i+8:i+8], vel[i+4:i+8:i+8], dt, b)
			st.Wrapped += w
			st.NaNReset += nan
		}
		st.Batches++
	}
	for ; i < n; i++ {
		w, nan := advance(&pos[i], &vel[i], dt, b)
		st.Wrapped += w
		st.NaNReset += nan
		st.Remainder++
	}
	return st
}

// batch4 processes exactly four entities with the lane body unrolled.
func batch4(p, v []Vec3, dt, b float32) (wrapped, nan int) {
	w0, n0 := advance(&p[0], &v[0], dt, b)
	w1, n1 := advance(&p[1], &v[1], dt, b)
	w2, n2 := advance(&p[2], &v[2], dt, b)
	w3, n3 := advance(&p[3], &v[3], dt, b)
	return w0 + w1 + w2 + w3, n0 + n1 + n2 + n3
}

func advance(p, v *Vec3, dt, b float32) (wrapped, nan int) {
	for a := 0; a < 3; a++ {
		x := p[a] + v[a]*dt
		if math.IsNaN(float64(x)) {
			x = 0
			nan = 1
		} else if x > b {
			x = -b
			wrapped = 1
		} else if x < -b {
			x = b
			wrapped = 1
		}
		p[a] = x
	}
	return wrapped, nan
}

// IntegrateScalar is the one-entity-at-a-time reference for Integrate.
func IntegrateScalar(pos, vel []Vec3, dt, halfExtent float32) {
	for i := range pos {
		for a := 0; a < 3; a++ {
			pos[i][a] = WrapScalar(pos[i][a]+vel[i][a]*dt, halfExtent)
		}
	}
}

// WrapScalar applies the bounds policy to one coordinate: |x| > b maps to
// -sign(x)*b and NaN maps to 0.
func WrapScalar(x, b float32) float32 {
	switch {
	case math.IsNaN(float64(x)):
		return 0
	case x > b:
		return -b
	case x < -b:
		return b
	default:
		return x
	}
}

// WrapBounds applies WrapScalar to each axis.
func WrapBounds(v Vec3, b float32) Vec3 {
	return Vec3{WrapScalar(v[0], b), WrapScalar(v[1], b), WrapScalar(v[2], b)}
}
