// Package collision detects overlapping sphere colliders each tick.
//
// A System runs three phases in a fixed order: BuildIndex fills the spatial
// hash grid, QueryPairs gathers canonical candidate pairs from it, and
// Resolve applies the exact sphere test. Results are returned to the caller;
// nothing is pushed through queues.
package collision

import (
	"fmt"
	"strings"

	"astra-collide/internal/entity"
	"astra-collide/internal/fault"
	"astra-collide/internal/vmath"
)

// Policy selects how BuildIndex maintains the grid between ticks.
type Policy uint8

const (
	// Full clears the grid and reinserts every body.
	Full Policy = iota
	// Incremental moves only bodies whose cells changed and drops bodies
	// that disappeared.
	Incremental
)

func (p Policy) String() string {
	switch p {
	case Full:
		return "full"
	case Incremental:
		return "incremental"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParsePolicy accepts "full" or "incremental", case-insensitively.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full", "":
		return Full, nil
	case "incremental", "incr":
		return Incremental, nil
	}
	return Full, fault.Errorf(fault.InvalidInput, "collision.parse_policy", "unknown rebuild policy %q", s)
}

// Phase is the state of a System within one tick.
type Phase uint8

const (
	Idle Phase = iota
	BuildIndex
	QueryPairs
	Resolve
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case BuildIndex:
		return "build_index"
	case QueryPairs:
		return "query_pairs"
	case Resolve:
		return "resolve"
	default:
		return "unknown"
	}
}

// Bodies are the per-tick inputs as parallel arrays in collect order.
// Radii may be nil, in which case every body uses the default radius.
type Bodies struct {
	IDs       []entity.ID
	Positions []vmath.Vec3
	Radii     []float32
}

// Len returns the number of bodies.
func (b Bodies) Len() int { return len(b.IDs) }

// Pair is a broad-phase candidate with A < B.
type Pair struct {
	A entity.ID
	B entity.ID
}

// Event is a confirmed sphere overlap. Normal is the unit vector from A to
// B; coincident centres report +X.
type Event struct {
	A        entity.ID  `json:"a" msgpack:"a"`
	B        entity.ID  `json:"b" msgpack:"b"`
	Distance float32    `json:"distance" msgpack:"d"`
	Depth    float32    `json:"depth" msgpack:"p"`
	Normal   vmath.Vec3 `json:"normal" msgpack:"n"`
}

// BuildStats describes one BuildIndex call.
type BuildStats struct {
	Bodies    int     `json:"bodies"`
	Indexed   int     `json:"indexed"`
	Rejected  int     `json:"rejected"`
	Moved     int     `json:"moved"`
	Removed   int     `json:"removed"`
	CellSize  float32 `json:"cellSize"`
	Policy    string  `json:"policy"`
	SmallPath bool    `json:"smallPath"`
}
