package engine

import (
	"fmt"
	"strings"
	"time"
)

// Phase names in tick order.
const (
	PhaseCollect    = "collect"
	PhaseIntegrate  = "integrate"
	PhaseWriteback  = "writeback"
	PhaseBuildIndex = "build_index"
	PhaseQueryPairs = "query_pairs"
	PhaseResolve    = "resolve"
)

// Phases lists every phase in execution order.
var Phases = []string{
	PhaseCollect,
	PhaseIntegrate,
	PhaseWriteback,
	PhaseBuildIndex,
	PhaseQueryPairs,
	PhaseResolve,
}

const maxPhases = 8

// PhaseTiming is the wall time of one phase.
type PhaseTiming struct {
	Phase    string        `json:"phase" msgpack:"phase"`
	Duration time.Duration `json:"durationNs" msgpack:"ns"`
}

// Timings is the per-phase breakdown of one tick.
type Timings struct {
	Phases []PhaseTiming `json:"phases" msgpack:"phases"`
	Total  time.Duration `json:"totalNs" msgpack:"total"`
}

// Map returns phase name to duration.
func (t Timings) Map() map[string]time.Duration {
	m := make(map[string]time.Duration, len(t.Phases))
	for _, p := range t.Phases {
		m[p.Phase] += p.Duration
	}
	return m
}

// Get returns the duration of phase, or zero if it did not run.
func (t Timings) Get(phase string) time.Duration {
	for _, p := range t.Phases {
		if p.Phase == phase {
			return p.Duration
		}
	}
	return 0
}

// Report formats the breakdown with each phase's share of the tick.
func (t Timings) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tick %v\n", t.Total)
	for _, p := range t.Phases {
		share := 0.0
		if t.Total > 0 {
			share = 100 * float64(p.Duration) / float64(t.Total)
		}
		fmt.Fprintf(&b, "  %-12s %10v %5.1f%%\n", p.Phase, p.Duration, share)
	}
	return b.String()
}

// FrameTimer is the timing context of one tick. Each Mark closes the phase
// that started at the previous mark, so cost is constant per phase no
// matter how many entities the phase touched. Not safe for concurrent use.
type FrameTimer struct {
	now     func() time.Time
	start   time.Time
	last    time.Time
	records [maxPhases]PhaseTiming
	n       int
}

// NewFrameTimer returns a timer reading the monotonic clock. now may be
// nil; tests pass a fake clock.
func NewFrameTimer(now func() time.Time) *FrameTimer {
	if now == nil {
		now = time.Now
	}
	return &FrameTimer{now: now}
}

// Begin starts a tick and discards previous records.
func (t *FrameTimer) Begin() {
	t.start = t.now()
	t.last = t.start
	t.n = 0
}

// Mark records the time since the previous mark under phase.
func (t *FrameTimer) Mark(phase string) {
	now := t.now()
	if t.n < maxPhases {
		t.records[t.n] = PhaseTiming{Phase: phase, Duration: now.Sub(t.last)}
		t.n++
	}
	t.last = now
}

// Timings returns a copy of the records so far.
func (t *FrameTimer) Timings() Timings {
	out := Timings{Phases: make([]PhaseTiming, t.n), Total: t.last.Sub(t.start)}
	copy(out.Phases, t.records[:t.n])
	return out
}
