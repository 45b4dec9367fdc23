package spatial

import (
	"runtime"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"astra-collide/internal/entity"
	"astra-collide/internal/fault"
	"astra-collide/internal/vmath"
)

const (
	defaultShards     = 64
	defaultMaxCells   = 4096
	pruneInterval     = 64
	defaultBucketCap  = 4
	minBatchPerWorker = 256
)

const untagged int32 = -1

// HashGrid is a sparse uniform grid keyed by CellKey. An entity whose AABB
// spans several cells is present in each of them.
//
// Mutation is single-writer except for InsertBatch, which fans out across
// workers and serializes bucket appends per shard. Once mutation stops,
// QueryInto may run from many goroutines, each with its own QueryScratch.
type HashGrid struct {
	cellSize    float32
	invCellSize float64
	maxCells    int64

	shards    []shard
	shardMask uint64

	entries []entry
	slots   map[entity.ID]int32
	free    []int32
	live    int
	frame   uint32

	scratch QueryScratch
	hits    []entity.ID
}

type shard struct {
	mu    sync.Mutex
	cells map[CellKey][]int32
}

type entry struct {
	id    entity.ID
	box   vmath.AABB
	span  cellRange
	tag   int32
	frame uint32
	live  bool
	// pending is set while InsertBatch still owes the entry its buckets.
	pending bool
}

// Item is one entity for InsertBatch. Tag is an opaque caller value handed
// back by QueryInto, typically the entity's index in the caller's arrays.
type Item struct {
	ID  entity.ID
	Box vmath.AABB
	Tag int32
}

// Rejection reports an entity that InsertBatch skipped.
type Rejection struct {
	Index int
	ID    entity.ID
	Err   error
}

// GridOption configures a HashGrid.
type GridOption func(*HashGrid)

// WithShards sets the number of lock shards, rounded up to a power of two.
func WithShards(n int) GridOption {
	return func(g *HashGrid) {
		size := 1
		for size < n {
			size <<= 1
		}
		g.shards = make([]shard, size)
	}
}

// WithMaxCellsPerEntity caps how many cells one AABB may cover before it is
// rejected as InvalidGeometry.
func WithMaxCellsPerEntity(n int) GridOption {
	return func(g *HashGrid) {
		if n > 0 {
			g.maxCells = int64(n)
		}
	}
}

// NewHashGrid creates an empty grid. cellSize must be positive and finite.
func NewHashGrid(cellSize float32, opts ...GridOption) (*HashGrid, error) {
	if !vmath.Finite(cellSize) || cellSize <= 0 {
		return nil, fault.Errorf(fault.InvalidInput, "spatial.new_grid", "cell size must be positive and finite, got %v", cellSize)
	}
	g := &HashGrid{
		cellSize:    cellSize,
		invCellSize: 1 / float64(cellSize),
		maxCells:    defaultMaxCells,
		slots:       make(map[entity.ID]int32),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.shards == nil {
		g.shards = make([]shard, defaultShards)
	}
	g.shardMask = uint64(len(g.shards) - 1)
	for i := range g.shards {
		g.shards[i].cells = make(map[CellKey][]int32)
	}
	return g, nil
}

// CellSize returns the grid's cell edge length.
func (g *HashGrid) CellSize() float32 { return g.cellSize }

// Len returns the number of entities in the grid.
func (g *HashGrid) Len() int { return g.live }

func (g *HashGrid) shardFor(k CellKey) *shard {
	return &g.shards[k.shardHash()&g.shardMask]
}

// Clear removes every entity. Buckets that were in use keep their capacity;
// buckets that were already empty are released.
func (g *HashGrid) Clear() {
	for i := range g.shards {
		s := &g.shards[i]
		for k, bucket := range s.cells {
			if len(bucket) == 0 {
				delete(s.cells, k)
				continue
			}
			s.cells[k] = bucket[:0]
		}
	}
	g.entries = g.entries[:0]
	g.free = g.free[:0]
	clear(g.slots)
	g.live = 0
}

// span validates box and returns the cells it covers.
func (g *HashGrid) span(id entity.ID, box vmath.AABB) (cellRange, error) {
	const op = "spatial.insert"
	if !box.Finite() {
		return cellRange{}, fault.ForEntity(fault.InvalidGeometry, op, id, "non-finite aabb %v", box)
	}
	if !box.Ordered() {
		return cellRange{}, fault.ForEntity(fault.InvalidGeometry, op, id, "inverted aabb %v", box)
	}
	r, ok := rangeOf(box, g.invCellSize)
	if !ok {
		return cellRange{}, fault.ForEntity(fault.InvalidGeometry, op, id, "aabb %v outside addressable cells", box)
	}
	if n := r.count(); n > g.maxCells {
		return cellRange{}, fault.ForEntity(fault.InvalidGeometry, op, id, "aabb covers %d cells (limit %d)", n, g.maxCells)
	}
	return r, nil
}

func (g *HashGrid) allocSlot(id entity.ID) int32 {
	var slot int32
	if n := len(g.free); n > 0 {
		slot = g.free[n-1]
		g.free = g.free[:n-1]
	} else {
		slot = int32(len(g.entries))
		g.entries = append(g.entries, entry{})
	}
	g.slots[id] = slot
	g.live++
	return slot
}

func (g *HashGrid) addCell(k CellKey, slot int32) {
	s := g.shardFor(k)
	bucket, ok := s.cells[k]
	if !ok {
		bucket = make([]int32, 0, defaultBucketCap)
	}
	s.cells[k] = append(bucket, slot)
}

func (g *HashGrid) addCellLocked(k CellKey, slot int32) {
	s := g.shardFor(k)
	s.mu.Lock()
	bucket, ok := s.cells[k]
	if !ok {
		bucket = make([]int32, 0, defaultBucketCap)
	}
	s.cells[k] = append(bucket, slot)
	s.mu.Unlock()
}

func (g *HashGrid) removeCell(k CellKey, slot int32) {
	s := g.shardFor(k)
	bucket := s.cells[k]
	for i, v := range bucket {
		if v == slot {
			last := len(bucket) - 1
			bucket[i] = bucket[last]
			s.cells[k] = bucket[:last]
			return
		}
	}
}

// Insert adds id covering box. Inserting an id that is already present
// moves it, as Update does. An invalid box leaves the grid unchanged.
func (g *HashGrid) Insert(id entity.ID, box vmath.AABB) error {
	_, err := g.UpdateTagged(id, box, untagged)
	return err
}

// InsertBatch inserts items concurrently across up to workers goroutines.
// Items whose id is already present are moved instead. Invalid items are
// skipped and reported; all others end up in the grid.
func (g *HashGrid) InsertBatch(items []Item, workers int) []Rejection {
	var rejected []Rejection
	fresh := make([]int32, 0, len(items))

	// Slot assignment and validation are sequential; only bucket appends
	// run in parallel.
	for i, it := range items {
		if slot, exists := g.slots[it.ID]; exists {
			if g.entries[slot].pending {
				rejected = append(rejected, Rejection{Index: i, ID: it.ID,
					Err: fault.ForEntity(fault.InvalidInput, "spatial.insert_batch", it.ID, "duplicate id in batch")})
				continue
			}
			if _, err := g.UpdateTagged(it.ID, it.Box, it.Tag); err != nil {
				rejected = append(rejected, Rejection{Index: i, ID: it.ID, Err: err})
			}
			continue
		}
		r, err := g.span(it.ID, it.Box)
		if err != nil {
			rejected = append(rejected, Rejection{Index: i, ID: it.ID, Err: err})
			continue
		}
		slot := g.allocSlot(it.ID)
		g.entries[slot] = entry{id: it.ID, box: it.Box, span: r, tag: it.Tag, frame: g.frame, live: true, pending: true}
		fresh = append(fresh, slot)
	}

	defer func() {
		for _, slot := range fresh {
			g.entries[slot].pending = false
		}
	}()

	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers == 1 || len(fresh) < minBatchPerWorker*2 {
		for _, slot := range fresh {
			g.entries[slot].span.each(func(k CellKey) { g.addCell(k, slot) })
		}
		return rejected
	}

	chunk := (len(fresh) + workers - 1) / workers
	if chunk < minBatchPerWorker {
		chunk = minBatchPerWorker
	}
	var eg errgroup.Group
	for start := 0; start < len(fresh); start += chunk {
		part := fresh[start:min(start+chunk, len(fresh))]
		eg.Go(func() error {
			for _, slot := range part {
				g.entries[slot].span.each(func(k CellKey) { g.addCellLocked(k, slot) })
			}
			return nil
		})
	}
	_ = eg.Wait()
	return rejected
}

// Remove deletes id from every cell it occupies. It reports whether id was
// present.
func (g *HashGrid) Remove(id entity.ID) bool {
	slot, ok := g.slots[id]
	if !ok {
		return false
	}
	e := &g.entries[slot]
	e.span.each(func(k CellKey) { g.removeCell(k, slot) })
	*e = entry{}
	delete(g.slots, id)
	g.free = append(g.free, slot)
	g.live--
	return true
}

// Update moves id to box, touching only the cells that changed. moved
// reports whether the occupied cell range changed. An unknown id is
// inserted. The tag of an existing entity is kept.
func (g *HashGrid) Update(id entity.ID, box vmath.AABB) (moved bool, err error) {
	tag := untagged
	if slot, ok := g.slots[id]; ok {
		tag = g.entries[slot].tag
	}
	return g.UpdateTagged(id, box, tag)
}

// UpdateTagged is Update that also replaces the entity's tag and marks it
// as seen in the current frame.
func (g *HashGrid) UpdateTagged(id entity.ID, box vmath.AABB, tag int32) (moved bool, err error) {
	r, err := g.span(id, box)
	if err != nil {
		return false, err
	}

	slot, ok := g.slots[id]
	if !ok {
		slot = g.allocSlot(id)
		g.entries[slot] = entry{id: id, box: box, span: r, tag: tag, frame: g.frame, live: true}
		r.each(func(k CellKey) { g.addCell(k, slot) })
		return true, nil
	}

	e := &g.entries[slot]
	old := e.span
	e.box = box
	e.tag = tag
	e.frame = g.frame
	if old == r {
		return false, nil
	}
	old.each(func(k CellKey) {
		if !r.contains(k) {
			g.removeCell(k, slot)
		}
	})
	r.each(func(k CellKey) {
		if !old.contains(k) {
			g.addCell(k, slot)
		}
	})
	e.span = r
	return true, nil
}

// BeginFrame starts a new incremental frame. Entities not touched by
// UpdateTagged or InsertBatch before SweepStale are removed by it.
func (g *HashGrid) BeginFrame() {
	g.frame++
}

// SeenThisFrame reports whether id was inserted or updated since the last
// BeginFrame.
func (g *HashGrid) SeenThisFrame(id entity.ID) bool {
	slot, ok := g.slots[id]
	return ok && g.entries[slot].frame == g.frame
}

// SweepStale removes entities not seen since BeginFrame and returns how
// many were removed.
func (g *HashGrid) SweepStale() int {
	removed := 0
	for i := range g.entries {
		e := &g.entries[i]
		if e.live && e.frame != g.frame {
			g.Remove(e.id)
			removed++
		}
	}
	if g.frame%pruneInterval == 0 {
		g.pruneEmpty()
	}
	return removed
}

func (g *HashGrid) pruneEmpty() {
	for i := range g.shards {
		s := &g.shards[i]
		for k, bucket := range s.cells {
			if len(bucket) == 0 {
				delete(s.cells, k)
			}
		}
	}
}

// Contains reports whether id is in the grid.
func (g *HashGrid) Contains(id entity.ID) bool {
	_, ok := g.slots[id]
	return ok
}

// Cells returns the cells id occupies in x, y, z order.
func (g *HashGrid) Cells(id entity.ID) []CellKey {
	slot, ok := g.slots[id]
	if !ok {
		return nil
	}
	var out []CellKey
	g.entries[slot].span.each(func(k CellKey) { out = append(out, k) })
	return out
}

// Membership returns every occupied cell with its entity ids sorted
// ascending. Two grids holding the same entities at the same positions
// have equal Membership regardless of how they were built.
func (g *HashGrid) Membership() map[CellKey][]entity.ID {
	out := make(map[CellKey][]entity.ID)
	for i := range g.shards {
		for k, bucket := range g.shards[i].cells {
			if len(bucket) == 0 {
				continue
			}
			ids := make([]entity.ID, len(bucket))
			for j, slot := range bucket {
				ids[j] = g.entries[slot].id
			}
			slices.Sort(ids)
			out[k] = ids
		}
	}
	return out
}

// Stats returns occupancy statistics for tuning the cell size.
func (g *HashGrid) Stats() GridStats {
	var occupied, refs, maxInCell int
	for i := range g.shards {
		for _, bucket := range g.shards[i].cells {
			n := len(bucket)
			if n == 0 {
				continue
			}
			occupied++
			refs += n
			if n > maxInCell {
				maxInCell = n
			}
		}
	}
	avg := 0.0
	if occupied > 0 {
		avg = float64(refs) / float64(occupied)
	}
	return GridStats{
		CellSize:       g.cellSize,
		OccupiedCells:  occupied,
		Entities:       g.live,
		CellRefs:       refs,
		MaxInCell:      maxInCell,
		AvgPerOccupied: avg,
	}
}

// GridStats contains grid statistics for debugging.
type GridStats struct {
	CellSize       float32 `json:"cellSize"`
	OccupiedCells  int     `json:"occupiedCells"`
	Entities       int     `json:"entities"`
	CellRefs       int     `json:"cellRefs"`
	MaxInCell      int     `json:"maxInCell"`
	AvgPerOccupied float64 `json:"avgPerOccupied"`
}

// CellCount is the occupancy of one cell.
type CellCount struct {
	Key   CellKey `json:"key"`
	Count int     `json:"count"`
}

// Occupancy appends every non-empty cell to dst.
func (g *HashGrid) Occupancy(dst []CellCount) []CellCount {
	for i := range g.shards {
		for k, bucket := range g.shards[i].cells {
			if len(bucket) > 0 {
				dst = append(dst, CellCount{Key: k, Count: len(bucket)})
			}
		}
	}
	return dst
}
