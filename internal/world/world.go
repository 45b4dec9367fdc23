// Package world populates an ark-backed store with moving spheres and
// handles spawn and despawn requests from the observer API.
package world

import (
	"log"
	"math/rand"
	"sync"

	"astra-collide/internal/bridge"
	"astra-collide/internal/entity"
	"astra-collide/internal/vmath"
)

// Options shape the random population.
type Options struct {
	HalfExtent float32 // Spawn inside +-HalfExtent on every axis
	MaxSpeed   float32 // Per-axis speed drawn from [-MaxSpeed, MaxSpeed]
	MinRadius  float32
	MaxRadius  float32
	Planar     bool // Keep z and vz at zero
	Seed       int64
}

// DefaultOptions returns a planar world of half-unit spheres.
func DefaultOptions() Options {
	return Options{
		HalfExtent: 64,
		MaxSpeed:   4,
		MinRadius:  0.5,
		MaxRadius:  0.5,
		Planar:     true,
		Seed:       1,
	}
}

// World owns the random source used for every spawn so a seed reproduces
// the same population.
type World struct {
	store *bridge.ArkStore
	opts  Options

	mu  sync.Mutex
	rng *rand.Rand
}

// New wraps store. A zero MaxRadius takes MinRadius.
func New(store *bridge.ArkStore, opts Options) *World {
	if opts.MaxRadius < opts.MinRadius {
		opts.MaxRadius = opts.MinRadius
	}
	return &World{
		store: store,
		opts:  opts,
		rng:   rand.New(rand.NewSource(opts.Seed)),
	}
}

// Store returns the underlying store.
func (w *World) Store() *bridge.ArkStore { return w.store }

// Populate spawns n entities and logs the result.
func (w *World) Populate(n int) []entity.ID {
	ids := w.Spawn(n)
	log.Printf("🌍 World populated with %d entities (seed %d, half extent %.1f)", len(ids), w.opts.Seed, w.opts.HalfExtent)
	return ids
}

// Spawn adds n random entities. Safe to call while the engine ticks.
func (w *World) Spawn(n int) []entity.ID {
	if n <= 0 {
		return nil
	}
	ids := make([]entity.ID, 0, n)
	for i := 0; i < n; i++ {
		pos, vel, r := w.draw()
		ids = append(ids, w.store.Spawn(pos, vel, r))
	}
	return ids
}

// SpawnAt adds one entity with explicit state.
func (w *World) SpawnAt(pos, vel vmath.Vec3, radius float32) entity.ID {
	return w.store.Spawn(pos, vel, radius)
}

// Despawn removes the given ids and returns how many existed.
func (w *World) Despawn(ids []entity.ID) int {
	removed := 0
	for _, id := range ids {
		if w.store.Despawn(id) {
			removed++
		}
	}
	return removed
}

// DespawnRandom removes up to n entities chosen with the world's source.
func (w *World) DespawnRandom(n int) []entity.ID {
	if n <= 0 {
		return nil
	}
	live := w.store.IDs()
	w.mu.Lock()
	w.rng.Shuffle(len(live), func(i, j int) { live[i], live[j] = live[j], live[i] })
	w.mu.Unlock()
	if n > len(live) {
		n = len(live)
	}
	out := make([]entity.ID, 0, n)
	for _, id := range live[:n] {
		if w.store.Despawn(id) {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the live entity count.
func (w *World) Len() int { return w.store.Len() }

func (w *World) draw() (pos, vel vmath.Vec3, radius float32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	o := w.opts
	for a := 0; a < 3; a++ {
		if o.Planar && a == 2 {
			break
		}
		pos[a] = (w.rng.Float32()*2 - 1) * o.HalfExtent
		vel[a] = (w.rng.Float32()*2 - 1) * o.MaxSpeed
	}
	radius = o.MinRadius + w.rng.Float32()*(o.MaxRadius-o.MinRadius)
	return pos, vel, radius
}
