package bridge

import (
	"sync"

	"github.com/mlange-42/ark/ecs"

	"astra-collide/internal/entity"
	"astra-collide/internal/vmath"
)

// Handle carries the stable id the pipeline uses for an ark entity.
type Handle struct {
	ID entity.ID
}

// Position is the authoritative position component.
type Position struct {
	Vec vmath.Vec3
}

// Velocity is the velocity component. Static entities carry a zero one.
type Velocity struct {
	Vec vmath.Vec3
}

// Collider is a sphere collider. A non-positive radius means the default.
type Collider struct {
	Radius float32
}

// ArkStore is the store of record backed by an ark ECS world. It implements
// BatchWriter: writeback re-runs the collect query and writes by row while
// the rows still match the collected ids.
//
// All methods are safe for concurrent use; spawns and despawns from other
// goroutines are serialized with collect and writeback.
type ArkStore struct {
	mu        sync.Mutex
	world     *ecs.World
	mapper    *ecs.Map4[Handle, Position, Velocity, Collider]
	filter    *ecs.Filter4[Handle, Position, Velocity, Collider]
	positions *ecs.Map[Position]
	byID      map[entity.ID]ecs.Entity
	nextID    entity.ID
}

// NewArkStore creates an empty world.
func NewArkStore() *ArkStore {
	w := ecs.NewWorld()
	world := &w
	return &ArkStore{
		world:     world,
		mapper:    ecs.NewMap4[Handle, Position, Velocity, Collider](world),
		filter:    ecs.NewFilter4[Handle, Position, Velocity, Collider](world),
		positions: ecs.NewMap[Position](world),
		byID:      make(map[entity.ID]ecs.Entity),
		nextID:    1,
	}
}

// Spawn creates an entity and returns its id.
func (s *ArkStore) Spawn(pos, vel vmath.Vec3, radius float32) entity.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	e := s.mapper.NewEntity(&Handle{ID: id}, &Position{Vec: pos}, &Velocity{Vec: vel}, &Collider{Radius: radius})
	s.byID[id] = e
	return id
}

// Despawn removes id. It reports whether id existed.
func (s *ArkStore) Despawn(id entity.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	if s.world.Alive(e) {
		s.world.RemoveEntity(e)
	}
	return true
}

// IDs returns the ids of all live entities in query order.
func (s *ArkStore) IDs() []entity.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.ID, 0, len(s.byID))
	query := s.filter.Query()
	for query.Next() {
		h, _, _, _ := query.Get()
		out = append(out, h.ID)
	}
	return out
}

// Len returns the number of live entities.
func (s *ArkStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Position returns the stored position of id.
func (s *ArkStore) Position(id entity.ID) (vmath.Vec3, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok || !s.world.Alive(e) {
		return vmath.Vec3{}, false
	}
	return s.positions.Get(e).Vec, true
}

// Collect implements Store.
func (s *ArkStore) Collect(dst *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := s.filter.Query()
	for query.Next() {
		h, pos, vel, col := query.Get()
		dst.Append(h.ID, pos.Vec, vel.Vec, col.Radius)
	}
	return nil
}

// WriteByID implements Store.
func (s *ArkStore) WriteByID(id entity.ID, pos vmath.Vec3) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok || !s.world.Alive(e) {
		return false
	}
	s.positions.Get(e).Vec = pos
	return true
}

// WriteBatch implements BatchWriter. Despawning an entity reorders its
// archetype, so the matching prefix ends at the first row that moved.
func (s *ArkStore) WriteBatch(ids []entity.ID, positions []vmath.Vec3) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := s.filter.Query()
	i := 0
	for query.Next() {
		if i >= len(ids) {
			query.Close()
			break
		}
		h, pos, _, _ := query.Get()
		if h.ID != ids[i] {
			query.Close()
			break
		}
		pos.Vec = positions[i]
		i++
	}
	return i
}
