package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"astra-collide/internal/collision"
	"astra-collide/internal/spatial"
)

// DefaultMaxSnapshotEvents caps the events copied into a snapshot.
const DefaultMaxSnapshotEvents = 512

// TickSnapshot is the externally visible result of a completed tick.
type TickSnapshot struct {
	RunID           string            `json:"runId" msgpack:"run"`
	Sequence        uint64            `json:"sequence" msgpack:"seq"`
	Tick            uint64            `json:"tick" msgpack:"tick"`
	Timestamp       time.Time         `json:"timestamp" msgpack:"ts"`
	Events          []collision.Event `json:"events" msgpack:"events"`
	EventsTruncated int               `json:"eventsTruncated" msgpack:"trunc"`
	Timings         Timings           `json:"timings" msgpack:"timings"`
	Diagnostics     Diagnostics       `json:"diagnostics" msgpack:"diag"`
	Grid            spatial.GridStats `json:"grid" msgpack:"grid"`
}

// Clone deep-copies the snapshot.
func (s *TickSnapshot) Clone() TickSnapshot {
	out := *s
	out.Events = append([]collision.Event(nil), s.Events...)
	out.Timings.Phases = append([]PhaseTiming(nil), s.Timings.Phases...)
	out.Diagnostics.Samples = append([]string(nil), s.Diagnostics.Samples...)
	return out
}

type snapshotSlot struct {
	mu   sync.RWMutex
	snap TickSnapshot
}

// SnapshotPool is a triple buffer between the tick goroutine and readers.
// The writer fills the slot after the published one while readers hold the
// published slot under a read lock.
type SnapshotPool struct {
	slots     [3]snapshotSlot
	writeIdx  uint32 // writer only
	readIdx   atomic.Uint32
	sequence  uint64
	published atomic.Bool
	maxEvents int
	writing   *snapshotSlot
}

// NewSnapshotPool preallocates event capacity in every slot.
func NewSnapshotPool(maxEvents int) *SnapshotPool {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxSnapshotEvents
	}
	p := &SnapshotPool{maxEvents: maxEvents}
	for i := range p.slots {
		p.slots[i].snap.Events = make([]collision.Event, 0, maxEvents)
	}
	return p
}

// AcquireWrite locks and resets the next write slot. It must be followed by
// PublishWrite. Single producer only.
func (p *SnapshotPool) AcquireWrite() *TickSnapshot {
	p.writeIdx = (p.readIdx.Load() + 1) % 3
	slot := &p.slots[p.writeIdx]
	slot.mu.Lock()
	p.writing = slot

	snap := &slot.snap
	events := snap.Events[:0]
	phases := snap.Timings.Phases[:0]
	*snap = TickSnapshot{Events: events}
	snap.Timings.Phases = phases
	p.sequence++
	snap.Sequence = p.sequence
	snap.Timestamp = time.Now()
	return snap
}

// SetEvents copies at most the pool's cap of events into snap.
func (p *SnapshotPool) SetEvents(snap *TickSnapshot, events []collision.Event) {
	n := min(len(events), p.maxEvents)
	snap.Events = append(snap.Events[:0], events[:n]...)
	snap.EventsTruncated = len(events) - n
}

// PublishWrite unlocks the write slot and makes it the read slot.
func (p *SnapshotPool) PublishWrite() {
	if p.writing == nil {
		return
	}
	p.writing.mu.Unlock()
	p.writing = nil
	p.readIdx.Store(p.writeIdx)
	p.published.Store(true)
}

// Read calls fn with the latest published snapshot under a read lock. fn
// must not retain the pointer. It reports false before the first publish.
func (p *SnapshotPool) Read(fn func(*TickSnapshot)) bool {
	if !p.published.Load() {
		return false
	}
	slot := &p.slots[p.readIdx.Load()]
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	fn(&slot.snap)
	return true
}

// Latest returns a copy of the latest published snapshot.
func (p *SnapshotPool) Latest() (TickSnapshot, bool) {
	var out TickSnapshot
	ok := p.Read(func(s *TickSnapshot) { out = s.Clone() })
	return out, ok
}
