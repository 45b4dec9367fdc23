package spatial

import (
	"math"
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astra-collide/internal/entity"
	"astra-collide/internal/fault"
	"astra-collide/internal/vmath"
)

func randomBoxes(rng *rand.Rand, n int, extent, maxRadius float32) []vmath.AABB {
	boxes := make([]vmath.AABB, n)
	for i := range boxes {
		c := vmath.Vec3{
			(rng.Float32()*2 - 1) * extent,
			(rng.Float32()*2 - 1) * extent,
			(rng.Float32()*2 - 1) * extent,
		}
		boxes[i] = vmath.SphereAABB(c, 0.05+rng.Float32()*maxRadius)
	}
	return boxes
}

func mustGrid(t testing.TB, cellSize float32, opts ...GridOption) *HashGrid {
	t.Helper()
	g, err := NewHashGrid(cellSize, opts...)
	require.NoError(t, err)
	return g
}

func TestNewHashGridRejectsBadCellSize(t *testing.T) {
	for _, cs := range []float32{0, -1, float32(math.NaN()), float32(math.Inf(1))} {
		_, err := NewHashGrid(cs)
		assert.True(t, fault.Is(err, fault.InvalidInput), "cell size %v: %v", cs, err)
	}
}

// TestInsertCoversCellRange verifies floor(min/cs)..floor(max/cs) on each axis
func TestInsertCoversCellRange(t *testing.T) {
	tests := []struct {
		name string
		box  vmath.AABB
		want []CellKey
	}{
		{
			name: "Degenerate",
			box:  vmath.AABB{Min: vmath.Vec3{0.5, 0.5, 0.5}, Max: vmath.Vec3{0.5, 0.5, 0.5}},
			want: []CellKey{{0, 0, 0}},
		},
		{
			name: "SpansTwoOnX",
			box:  vmath.AABB{Min: vmath.Vec3{0.5, 0.2, 0.2}, Max: vmath.Vec3{1.5, 0.8, 0.8}},
			want: []CellKey{{0, 0, 0}, {1, 0, 0}},
		},
		{
			name: "NegativeCoordinates",
			box:  vmath.AABB{Min: vmath.Vec3{-0.5, -0.5, 0}, Max: vmath.Vec3{-0.1, 0.1, 0}},
			want: []CellKey{{-1, -1, 0}, {-1, 0, 0}},
		},
		{
			name: "ExactBoundary",
			box:  vmath.AABB{Min: vmath.Vec3{1, 1, 1}, Max: vmath.Vec3{2, 1, 1}},
			want: []CellKey{{1, 1, 1}, {2, 1, 1}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := mustGrid(t, 1)
			require.NoError(t, g.Insert(1, tt.box))
			assert.ElementsMatch(t, tt.want, g.Cells(1))

			members := g.Membership()
			assert.Len(t, members, len(tt.want))
			for _, k := range tt.want {
				assert.Equal(t, []entity.ID{1}, members[k])
			}
		})
	}
}

// TestInsertRejectsInvalidGeometry verifies bad boxes are rejected without touching the grid
func TestInsertRejectsInvalidGeometry(t *testing.T) {
	nan := float32(math.NaN())
	tests := []struct {
		name string
		box  vmath.AABB
	}{
		{"NaN", vmath.AABB{Min: vmath.Vec3{nan, 0, 0}, Max: vmath.Vec3{1, 1, 1}}},
		{"Inf", vmath.AABB{Min: vmath.Vec3{0, 0, 0}, Max: vmath.Vec3{float32(math.Inf(1)), 1, 1}}},
		{"Inverted", vmath.AABB{Min: vmath.Vec3{2, 0, 0}, Max: vmath.Vec3{1, 1, 1}}},
		{"TooManyCells", vmath.AABB{Min: vmath.Vec3{-100, -100, -100}, Max: vmath.Vec3{100, 100, 100}}},
		{"Extreme", vmath.AABB{Min: vmath.Vec3{1e30, 0, 0}, Max: vmath.Vec3{1e30, 0, 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := mustGrid(t, 1)
			require.NoError(t, g.Insert(1, vmath.SphereAABB(vmath.Vec3{}, 0.4)))
			before := g.Membership()

			err := g.Insert(2, tt.box)
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.InvalidGeometry), "got %v", err)
			assert.False(t, g.Contains(2))
			assert.Equal(t, before, g.Membership())
			assert.Equal(t, 1, g.Len())
		})
	}
}

// TestQueryCompleteness verifies no overlapping entity is ever missed, for a range of cell sizes
func TestQueryCompleteness(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	boxes := randomBoxes(rng, 400, 20, 1.5)

	for _, cs := range []float32{0.25, 1, 2, 7.5, 100} {
		g := mustGrid(t, cs, WithMaxCellsPerEntity(1<<20))
		for i, b := range boxes {
			require.NoError(t, g.Insert(entity.ID(i+1), b))
		}
		var hits []entity.ID
		for i, a := range boxes {
			var err error
			hits, err = g.Query(a, hits[:0])
			require.NoError(t, err)
			for j, b := range boxes {
				if a.Overlaps(b) && !slices.Contains(hits, entity.ID(j+1)) {
					t.Fatalf("cell size %v: query for %d missed overlapping %d", cs, i+1, j+1)
				}
			}
		}
	}
}

// TestQueryDeduplicates verifies an entity spanning many cells is reported once
func TestQueryDeduplicates(t *testing.T) {
	g := mustGrid(t, 1)
	big := vmath.AABB{Min: vmath.Vec3{0, 0, 0}, Max: vmath.Vec3{3.5, 3.5, 0.5}}
	require.NoError(t, g.Insert(7, big))
	require.NoError(t, g.Insert(8, vmath.SphereAABB(vmath.Vec3{1, 1, 0}, 0.2)))

	hits, err := g.Query(big, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []entity.ID{7, 8}, hits)
}

func TestQueryRadiusReusesBuffer(t *testing.T) {
	g := mustGrid(t, 1)
	require.NoError(t, g.Insert(1, vmath.SphereAABB(vmath.Vec3{0, 0, 0}, 0.25)))
	require.NoError(t, g.Insert(2, vmath.SphereAABB(vmath.Vec3{1, 0, 0}, 0.25)))
	require.NoError(t, g.Insert(3, vmath.SphereAABB(vmath.Vec3{10, 10, 10}, 0.25)))

	near, err := g.QueryRadius(vmath.Vec3{0.5, 0, 0}, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []entity.ID{1, 2}, near)
	kept := append([]entity.ID(nil), near...)

	far, err := g.QueryRadius(vmath.Vec3{10, 10, 10}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []entity.ID{3}, far)
	assert.ElementsMatch(t, []entity.ID{1, 2}, kept)

	_, err = g.QueryRadius(vmath.Vec3{float32(math.NaN()), 0, 0}, 1)
	assert.True(t, fault.Is(err, fault.InvalidGeometry), "got %v", err)
}

func TestQueryHugeBoxScansOccupied(t *testing.T) {
	g := mustGrid(t, 1, WithMaxCellsPerEntity(8))
	require.NoError(t, g.Insert(1, vmath.SphereAABB(vmath.Vec3{5, 5, 5}, 0.1)))
	require.NoError(t, g.Insert(2, vmath.SphereAABB(vmath.Vec3{-40, 0, 0}, 0.1)))

	hits, err := g.Query(vmath.AABB{Min: vmath.Vec3{-50, -50, -50}, Max: vmath.Vec3{50, 50, 50}}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []entity.ID{1, 2}, hits)
}

func TestRemoveAndUpdate(t *testing.T) {
	g := mustGrid(t, 1)
	require.NoError(t, g.Insert(1, vmath.SphereAABB(vmath.Vec3{0.5, 0.5, 0.5}, 0.1)))

	moved, err := g.Update(1, vmath.SphereAABB(vmath.Vec3{0.6, 0.5, 0.5}, 0.1))
	require.NoError(t, err)
	assert.False(t, moved, "same cell should not count as moved")

	moved, err = g.Update(1, vmath.SphereAABB(vmath.Vec3{5.5, 0.5, 0.5}, 0.1))
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, []CellKey{{5, 0, 0}}, g.Cells(1))
	assert.Len(t, g.Membership(), 1)

	assert.True(t, g.Remove(1))
	assert.False(t, g.Remove(1))
	assert.Equal(t, 0, g.Len())
	assert.Empty(t, g.Membership())
}

// TestRebuildEquivalence verifies full rebuild and incremental update agree on membership every frame
func TestRebuildEquivalence(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	const n = 300
	centers := make([]vmath.Vec3, n)
	alive := make([]bool, n)
	for i := range centers {
		centers[i] = vmath.Vec3{rng.Float32() * 30, rng.Float32() * 30, rng.Float32() * 30}
		alive[i] = true
	}

	full := mustGrid(t, 2)
	incr := mustGrid(t, 2)

	for frame := 0; frame < 40; frame++ {
		for i := range centers {
			for a := 0; a < 3; a++ {
				centers[i][a] += (rng.Float32()*2 - 1) * 1.5
			}
			// churn: a few entities despawn and respawn each frame
			if rng.Intn(50) == 0 {
				alive[i] = !alive[i]
			}
		}

		var items []Item
		for i := range centers {
			if alive[i] {
				items = append(items, Item{ID: entity.ID(i + 1), Box: vmath.SphereAABB(centers[i], 0.5), Tag: int32(len(items))})
			}
		}

		full.Clear()
		require.Empty(t, full.InsertBatch(items, 4))

		incr.BeginFrame()
		for _, it := range items {
			_, err := incr.UpdateTagged(it.ID, it.Box, it.Tag)
			require.NoError(t, err)
		}
		incr.SweepStale()

		require.Equal(t, full.Len(), incr.Len(), "frame %d", frame)
		require.Equal(t, full.Membership(), incr.Membership(), "frame %d", frame)
	}
}

// TestInsertBatchParallelMatchesSequential verifies sharded concurrent insertion loses nothing
func TestInsertBatchParallelMatchesSequential(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	boxes := randomBoxes(rng, 5000, 40, 1)
	items := make([]Item, len(boxes))
	for i, b := range boxes {
		items[i] = Item{ID: entity.ID(i + 1), Box: b, Tag: int32(i)}
	}

	seq := mustGrid(t, 2)
	par := mustGrid(t, 2, WithShards(8))
	require.Empty(t, seq.InsertBatch(items, 1))
	require.Empty(t, par.InsertBatch(items, 8))

	assert.Equal(t, seq.Membership(), par.Membership())
	assert.Equal(t, seq.Stats(), par.Stats())
}

func TestInsertBatchReportsRejections(t *testing.T) {
	g := mustGrid(t, 1)
	nan := float32(math.NaN())
	items := []Item{
		{ID: 1, Box: vmath.SphereAABB(vmath.Vec3{}, 0.3)},
		{ID: 2, Box: vmath.AABB{Min: vmath.Vec3{nan, 0, 0}}},
		{ID: 1, Box: vmath.SphereAABB(vmath.Vec3{3, 0, 0}, 0.3)},
		{ID: 3, Box: vmath.SphereAABB(vmath.Vec3{1, 1, 1}, 0.3)},
	}
	rej := g.InsertBatch(items, 2)
	require.Len(t, rej, 2)
	assert.Equal(t, 1, rej[0].Index)
	assert.True(t, fault.Is(rej[0].Err, fault.InvalidGeometry))
	assert.Equal(t, 2, rej[1].Index)
	assert.True(t, fault.Is(rej[1].Err, fault.InvalidInput))
	assert.Equal(t, 2, g.Len())
}

func TestStats(t *testing.T) {
	g := mustGrid(t, 1)
	require.NoError(t, g.Insert(1, vmath.SphereAABB(vmath.Vec3{0.5, 0.5, 0.5}, 0.1)))
	require.NoError(t, g.Insert(2, vmath.SphereAABB(vmath.Vec3{0.6, 0.6, 0.6}, 0.1)))
	require.NoError(t, g.Insert(3, vmath.AABB{Min: vmath.Vec3{3.5, 0.5, 0.5}, Max: vmath.Vec3{4.5, 0.5, 0.5}}))

	st := g.Stats()
	assert.Equal(t, 3, st.Entities)
	assert.Equal(t, 3, st.OccupiedCells)
	assert.Equal(t, 4, st.CellRefs)
	assert.Equal(t, 2, st.MaxInCell)
	assert.InDelta(t, 4.0/3.0, st.AvgPerOccupied, 1e-9)
}

func TestDeriveCellSize(t *testing.T) {
	assert.Equal(t, float32(2), DeriveCellSize([]float32{0.5, 0.5, 0.5}, 0.5, 0))
	assert.Equal(t, float32(4), DeriveCellSize(nil, 1, 2))
	assert.Equal(t, float32(6), DeriveCellSize([]float32{0, 1, 2}, 1.5, 2))
	assert.Equal(t, float32(3), DeriveCellSize([]float32{0.5, 1}, 1, 2))
}

// TestSweepAndPruneMatchesBruteForce verifies the small-world path over several coherent frames
func TestSweepAndPruneMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	boxes := randomBoxes(rng, 60, 5, 1)
	sap := NewSweepAndPrune(len(boxes))

	for frame := 0; frame < 10; frame++ {
		for i := range boxes {
			d := vmath.Vec3{(rng.Float32()*2 - 1) * 0.3, (rng.Float32()*2 - 1) * 0.3, 0}
			boxes[i] = vmath.AABB{Min: boxes[i].Min.Add(d), Max: boxes[i].Max.Add(d)}
		}
		var want []IndexPair
		for i := range boxes {
			for j := i + 1; j < len(boxes); j++ {
				if boxes[i].Overlaps(boxes[j]) {
					want = append(want, IndexPair{int32(i), int32(j)})
				}
			}
		}
		assert.ElementsMatch(t, want, sap.Update(boxes, nil), "frame %d", frame)
	}
}

func TestSweepAndPruneSkip(t *testing.T) {
	boxes := []vmath.AABB{
		vmath.SphereAABB(vmath.Vec3{0, 0, 0}, 1),
		vmath.SphereAABB(vmath.Vec3{1, 0, 0}, 1),
		vmath.SphereAABB(vmath.Vec3{2, 0, 0}, 1),
	}
	pairs := NewSweepAndPrune(3).Update(boxes, []bool{false, true, false})
	assert.Equal(t, []IndexPair{{0, 2}}, pairs)
}

func benchmarkFullRebuild(b *testing.B, n int) {
	rng := rand.New(rand.NewSource(1))
	boxes := randomBoxes(rng, n, 64, 0.5)
	items := make([]Item, n)
	for i, box := range boxes {
		items[i] = Item{ID: entity.ID(i + 1), Box: box, Tag: int32(i)}
	}
	g := mustGrid(b, 2)
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		g.Clear()
		g.InsertBatch(items, 0)
	}
}

func BenchmarkFullRebuild_1000(b *testing.B)  { benchmarkFullRebuild(b, 1000) }
func BenchmarkFullRebuild_10000(b *testing.B) { benchmarkFullRebuild(b, 10000) }

func BenchmarkQuery_10000(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	boxes := randomBoxes(rng, 10000, 64, 0.5)
	g := mustGrid(b, 2)
	for i, box := range boxes {
		_ = g.Insert(entity.ID(i+1), box)
	}
	var sc QueryScratch
	count := 0
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = g.QueryInto(boxes[i%len(boxes)], &sc, func(Hit) { count++ })
	}
	b.ReportMetric(float64(count)/float64(b.N), "hits/op")
}
