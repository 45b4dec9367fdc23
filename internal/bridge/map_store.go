package bridge

import (
	"sort"
	"sync"

	"astra-collide/internal/entity"
	"astra-collide/internal/vmath"
)

// Body is one entity held by MapStore.
type Body struct {
	Position vmath.Vec3
	Velocity vmath.Vec3
	Radius   float32
}

// MapStore is a store reachable only by id lookup. It has no batched write
// path, so every writeback costs one map lookup per entity.
type MapStore struct {
	mu     sync.RWMutex
	bodies map[entity.ID]*Body
}

// NewMapStore returns an empty store.
func NewMapStore() *MapStore {
	return &MapStore{bodies: make(map[entity.ID]*Body)}
}

// Put inserts or replaces id.
func (s *MapStore) Put(id entity.ID, b Body) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body := b
	s.bodies[id] = &body
}

// Delete removes id.
func (s *MapStore) Delete(id entity.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bodies, id)
}

// Get returns a copy of id's body.
func (s *MapStore) Get(id entity.ID) (Body, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bodies[id]
	if !ok {
		return Body{}, false
	}
	return *b, true
}

// Len returns the number of bodies.
func (s *MapStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bodies)
}

// Collect implements Store. Entities are emitted in id order so repeated
// ticks over an unchanged store see the same order.
func (s *MapStore) Collect(dst *Frame) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]entity.ID, 0, len(s.bodies))
	for id := range s.bodies {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		b := s.bodies[id]
		dst.Append(id, b.Position, b.Velocity, b.Radius)
	}
	return nil
}

// WriteByID implements Store.
func (s *MapStore) WriteByID(id entity.ID, pos vmath.Vec3) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bodies[id]
	if !ok {
		return false
	}
	b.Position = pos
	return true
}
