package collision

import (
	"math"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"astra-collide/internal/entity"
	"astra-collide/internal/fault"
	"astra-collide/internal/spatial"
	"astra-collide/internal/vmath"
)

// Config tunes a System.
type Config struct {
	// CellSize of the grid. Zero derives it from the first tick's radii.
	CellSize   float32
	CellFactor float32
	Policy     Policy
	// DefaultRadius applies to bodies with a non-positive radius.
	DefaultRadius float32
	// Below SmallWorldThreshold bodies, pairs come from sweep-and-prune
	// instead of grid queries.
	SmallWorldThreshold int
	// Workers for the query phase. Zero means GOMAXPROCS.
	Workers int
	// MinParallel is the body count below which queries run on one goroutine.
	MinParallel int
	Shards      int
}

// DefaultConfig matches the reference scene: unit-diameter colliders and a
// grid derived at twice their extent.
func DefaultConfig() Config {
	return Config{
		CellFactor:          spatial.DefaultCellFactor,
		Policy:              Full,
		DefaultRadius:       0.5,
		SmallWorldThreshold: 32,
		MinParallel:         2048,
		Shards:              64,
	}
}

// candidate is a pair by index into the tick's arrays; ia holds the lower id.
type candidate struct {
	ia, ib int32
}

// System owns the grid and every per-tick array. It is not safe for
// concurrent use; phases parallelize internally.
type System struct {
	cfg  Config
	grid *spatial.HashGrid
	sap  *spatial.SweepAndPrune

	phase Phase
	tick  uint64
	small bool

	bodies  Bodies
	radii   []float32
	boxes   []vmath.AABB
	skip    []bool
	items   []spatial.Item
	sorted  []entity.ID
	cands   []candidate
	pairs   []Pair
	perWork [][]candidate
	scratch []spatial.QueryScratch

	anomalies fault.Tally
	last      BuildStats
}

// NewSystem validates cfg and returns an idle System. The grid is created
// on the first BuildIndex when CellSize is zero.
func NewSystem(cfg Config) (*System, error) {
	const op = "collision.new_system"
	if cfg.CellSize < 0 || !vmath.Finite(cfg.CellSize) {
		return nil, fault.Errorf(fault.InvalidInput, op, "cell size must be positive or zero for auto, got %v", cfg.CellSize)
	}
	if !(cfg.DefaultRadius > 0) || !vmath.Finite(cfg.DefaultRadius) {
		return nil, fault.Errorf(fault.InvalidInput, op, "default collider radius must be positive, got %v", cfg.DefaultRadius)
	}
	if cfg.Policy != Full && cfg.Policy != Incremental {
		return nil, fault.Errorf(fault.InvalidInput, op, "unknown rebuild policy %v", cfg.Policy)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 64
	}
	if cfg.SmallWorldThreshold < 0 {
		cfg.SmallWorldThreshold = 0
	}
	s := &System{cfg: cfg, sap: spatial.NewSweepAndPrune(min(cfg.SmallWorldThreshold, 1024))}
	if cfg.CellSize > 0 {
		if err := s.newGrid(cfg.CellSize); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *System) newGrid(cellSize float32) error {
	g, err := spatial.NewHashGrid(cellSize, spatial.WithShards(s.cfg.Shards))
	if err != nil {
		return err
	}
	s.grid = g
	return nil
}

// Phase returns the last completed phase, or Idle between ticks.
func (s *System) Phase() Phase { return s.phase }

// Config returns the active configuration.
func (s *System) Config() Config { return s.cfg }

// Grid exposes the index for inspection between ticks. It is nil before the
// first tick when the cell size is derived.
func (s *System) Grid() *spatial.HashGrid { return s.grid }

// Anomalies returns the per-entity anomalies of the current tick.
func (s *System) Anomalies() *fault.Tally { return &s.anomalies }

// LastBuild returns the stats of the most recent BuildIndex.
func (s *System) LastBuild() BuildStats { return s.last }

func (s *System) expect(want Phase, op string) error {
	if s.phase != want {
		return fault.Errorf(fault.InvalidInput, op, "called in phase %s, want %s", s.phase, want)
	}
	return nil
}

// BuildIndex indexes bodies for this tick. Bodies with non-finite positions
// or radii, or boxes the grid refuses, are left out of the tick and counted
// as InvalidGeometry. Mismatched array lengths and duplicate ids abort with
// InvalidInput.
func (s *System) BuildIndex(b Bodies) (BuildStats, error) {
	const op = "collision.build_index"
	if err := s.expect(Idle, op); err != nil {
		return BuildStats{}, err
	}
	n := len(b.IDs)
	if len(b.Positions) != n {
		return BuildStats{}, fault.Errorf(fault.InvalidInput, op, "%d ids but %d positions", n, len(b.Positions))
	}
	if b.Radii != nil && len(b.Radii) != n {
		return BuildStats{}, fault.Errorf(fault.InvalidInput, op, "%d ids but %d radii", n, len(b.Radii))
	}
	// Checked over every id, including bodies later skipped for bad geometry.
	if dup, ok := s.firstDuplicate(b.IDs); ok {
		return BuildStats{}, fault.ForEntity(fault.InvalidInput, op, dup, "duplicate entity in bodies")
	}

	s.tick++
	s.anomalies.Reset()
	s.bodies = b
	s.resolveRadii(b)

	if s.grid == nil {
		if err := s.newGrid(spatial.DeriveCellSize(s.radii, s.cfg.DefaultRadius, s.cfg.CellFactor)); err != nil {
			return BuildStats{}, err
		}
	}

	s.boxes = grow(s.boxes, n)
	s.skip = grow(s.skip, n)
	for i := 0; i < n; i++ {
		s.skip[i] = false
		r := s.radii[i]
		if !vmath.FiniteVec(b.Positions[i]) || !vmath.Finite(r) {
			s.skip[i] = true
			s.boxes[i] = vmath.AABB{}
			s.anomalies.Add(fault.ForEntity(fault.InvalidGeometry, op, b.IDs[i], "non-finite position %v or radius %v", b.Positions[i], r))
			continue
		}
		s.boxes[i] = vmath.SphereAABB(b.Positions[i], r)
	}

	st := BuildStats{Bodies: n, CellSize: s.grid.CellSize(), Policy: s.cfg.Policy.String()}
	var err error
	if s.cfg.Policy == Incremental {
		err = s.buildIncremental(&st)
	} else {
		err = s.buildFull(&st)
	}
	if err != nil {
		return BuildStats{}, err
	}

	s.small = n < s.cfg.SmallWorldThreshold
	st.SmallPath = s.small
	st.Rejected = 0
	for i := 0; i < n; i++ {
		if s.skip[i] {
			st.Rejected++
		} else {
			st.Indexed++
		}
	}
	s.last = st
	s.phase = BuildIndex
	return st, nil
}

func (s *System) firstDuplicate(ids []entity.ID) (entity.ID, bool) {
	s.sorted = append(s.sorted[:0], ids...)
	slices.Sort(s.sorted)
	for i := 1; i < len(s.sorted); i++ {
		if s.sorted[i] == s.sorted[i-1] {
			return s.sorted[i], true
		}
	}
	return entity.Invalid, false
}

func (s *System) resolveRadii(b Bodies) {
	n := len(b.IDs)
	s.radii = grow(s.radii, n)
	for i := 0; i < n; i++ {
		r := s.cfg.DefaultRadius
		if b.Radii != nil {
			// NaN falls through to the finiteness check in BuildIndex.
			if v := b.Radii[i]; v > 0 || math.IsNaN(float64(v)) {
				r = v
			}
		}
		s.radii[i] = r
	}
}

func (s *System) buildFull(st *BuildStats) error {
	const op = "collision.build_index"
	s.grid.Clear()
	s.items = s.items[:0]
	for i, id := range s.bodies.IDs {
		if !s.skip[i] {
			s.items = append(s.items, spatial.Item{ID: id, Box: s.boxes[i], Tag: int32(i)})
		}
	}
	for _, rej := range s.grid.InsertBatch(s.items, s.cfg.Workers) {
		if fault.Is(rej.Err, fault.InvalidInput) {
			s.grid.Clear()
			return fault.Errorf(fault.InvalidInput, op, "duplicate entity %s in bodies", rej.ID)
		}
		s.skip[s.items[rej.Index].Tag] = true
		s.anomalies.Add(rej.Err)
	}
	st.Moved = len(s.items)
	return nil
}

func (s *System) buildIncremental(st *BuildStats) error {
	const op = "collision.build_index"
	s.grid.BeginFrame()
	for i, id := range s.bodies.IDs {
		if s.skip[i] {
			continue
		}
		if s.grid.SeenThisFrame(id) {
			return fault.Errorf(fault.InvalidInput, op, "duplicate entity %s in bodies", id)
		}
		moved, err := s.grid.UpdateTagged(id, s.boxes[i], int32(i))
		if err != nil {
			s.skip[i] = true
			s.anomalies.Add(err)
			continue
		}
		if moved {
			st.Moved++
		}
	}
	st.Removed = s.grid.SweepStale()
	return nil
}

// QueryPairs returns the canonical candidate pairs for the indexed bodies.
// Each unordered pair appears once with A < B, and only pairs whose boxes
// overlap are kept. The slice is reused by the next tick.
func (s *System) QueryPairs() ([]Pair, error) {
	const op = "collision.query_pairs"
	if err := s.expect(BuildIndex, op); err != nil {
		return nil, err
	}
	s.cands = s.cands[:0]
	if s.small {
		s.sweepPairs()
	} else if err := s.gridPairs(); err != nil {
		return nil, err
	}

	s.pairs = s.pairs[:0]
	for _, c := range s.cands {
		s.pairs = append(s.pairs, Pair{A: s.bodies.IDs[c.ia], B: s.bodies.IDs[c.ib]})
	}
	s.phase = QueryPairs
	return s.pairs, nil
}

func (s *System) sweepPairs() {
	n := len(s.bodies.IDs)
	for _, p := range s.sap.Update(s.boxes[:n], s.skip[:n]) {
		c := candidate{ia: p.I, ib: p.J}
		if s.bodies.IDs[c.ib] < s.bodies.IDs[c.ia] {
			c.ia, c.ib = c.ib, c.ia
		}
		s.cands = append(s.cands, c)
	}
}

func (s *System) gridPairs() error {
	n := len(s.bodies.IDs)
	workers := s.cfg.Workers
	if n < s.cfg.MinParallel {
		workers = 1
	}
	if len(s.perWork) < workers {
		s.perWork = make([][]candidate, workers)
		s.scratch = make([]spatial.QueryScratch, workers)
	}

	chunk := (n + workers - 1) / workers
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := min(lo+chunk, n)
		s.perWork[w] = s.perWork[w][:0]
		if lo >= hi {
			continue
		}
		g.Go(func() error {
			return s.queryRange(lo, hi, &s.perWork[w], &s.scratch[w])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for w := 0; w < workers; w++ {
		s.cands = append(s.cands, s.perWork[w]...)
	}
	return nil
}

// queryRange reads the frozen grid only.
func (s *System) queryRange(lo, hi int, out *[]candidate, sc *spatial.QueryScratch) error {
	ids := s.bodies.IDs
	for i := lo; i < hi; i++ {
		if s.skip[i] {
			continue
		}
		self := int32(i)
		box := s.boxes[i]
		err := s.grid.QueryInto(box, sc, func(h spatial.Hit) {
			if h.Tag == self || ids[i] >= h.ID {
				return
			}
			if box.Overlaps(h.Box) {
				*out = append(*out, candidate{ia: self, ib: h.Tag})
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Resolve runs the exact sphere test on the candidates and returns a fresh
// slice of events. The System is Idle afterwards.
func (s *System) Resolve() ([]Event, error) {
	const op = "collision.resolve"
	if err := s.expect(QueryPairs, op); err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(s.cands)/2+1)
	pos := s.bodies.Positions
	for _, c := range s.cands {
		if ev, ok := sphereTest(pos[c.ia], pos[c.ib], s.radii[c.ia], s.radii[c.ib]); ok {
			ev.A = s.bodies.IDs[c.ia]
			ev.B = s.bodies.IDs[c.ib]
			events = append(events, ev)
		}
	}
	s.phase = Idle
	return events, nil
}

// Abort returns the System to Idle after a failed phase.
func (s *System) Abort() {
	s.phase = Idle
}

// Detect runs all three phases.
func (s *System) Detect(b Bodies) ([]Event, error) {
	if _, err := s.BuildIndex(b); err != nil {
		s.Abort()
		return nil, err
	}
	if _, err := s.QueryPairs(); err != nil {
		s.Abort()
		return nil, err
	}
	return s.Resolve()
}

func sphereTest(a, b vmath.Vec3, ra, rb float32) (Event, bool) {
	d := b.Sub(a)
	dist := d.Len()
	sum := ra + rb
	if dist > sum {
		return Event{}, false
	}
	normal := vmath.Vec3{1, 0, 0}
	if dist > 0 {
		normal = d.Mul(1 / dist)
	}
	return Event{Distance: dist, Depth: sum - dist, Normal: normal}, true
}

func grow[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	return s[:n]
}
