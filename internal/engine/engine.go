// Package engine runs the per-tick pipeline: collect, integrate, writeback,
// build index, query pairs and resolve, in that order, with per-phase
// timing. Results are returned from Step and published as snapshots for
// readers outside the tick.
package engine

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"astra-collide/internal/bridge"
	"astra-collide/internal/collision"
	"astra-collide/internal/fault"
	"astra-collide/internal/spatial"
	"astra-collide/internal/vmath"
)

// Config tunes an Engine.
type Config struct {
	// TickRate is used by Start. DT defaults to 1/TickRate.
	TickRate  int
	DT        float32
	Kernel    vmath.Kernel
	Collision collision.Config
	// MaxAnomalyLogs caps anomaly log lines per tick; the rest are counted.
	MaxAnomalyLogs    int
	MaxSnapshotEvents int
}

// DefaultConfig returns a 60 TPS pipeline over the default kernel and
// collision settings.
func DefaultConfig() Config {
	return Config{
		TickRate:          60,
		Kernel:            vmath.DefaultKernel(),
		Collision:         collision.DefaultConfig(),
		MaxAnomalyLogs:    5,
		MaxSnapshotEvents: DefaultMaxSnapshotEvents,
	}
}

// Diagnostics aggregates what happened during one tick.
type Diagnostics struct {
	Entities        int                   `json:"entities" msgpack:"n"`
	Indexed         int                   `json:"indexed" msgpack:"idx"`
	CandidatePairs  int                   `json:"candidatePairs" msgpack:"cand"`
	Collisions      int                   `json:"collisions" msgpack:"col"`
	InvalidGeometry int                   `json:"invalidGeometry" msgpack:"geo"`
	MissingEntity   int                   `json:"missingEntity" msgpack:"miss"`
	NaNReset        int                   `json:"nanReset" msgpack:"nan"`
	Wrapped         int                   `json:"wrapped" msgpack:"wrap"`
	Writeback       bridge.WritebackStats `json:"writeback" msgpack:"wb"`
	Build           collision.BuildStats  `json:"build" msgpack:"build"`
	Integrate       vmath.IntegrateStats  `json:"integrate" msgpack:"int"`
	Samples         []string              `json:"samples,omitempty" msgpack:"samples,omitempty"`
}

// Anomalies is the number of per-entity anomalies recovered this tick.
func (d Diagnostics) Anomalies() int {
	return d.InvalidGeometry + d.MissingEntity + d.NaNReset
}

// TickResult is what Step returns to its caller.
type TickResult struct {
	Tick        uint64
	Events      []collision.Event
	Timings     Timings
	Diagnostics Diagnostics
}

// Totals are cumulative counters since the engine was created.
type Totals struct {
	Ticks      uint64 `json:"ticks"`
	Aborted    uint64 `json:"aborted"`
	Collisions uint64 `json:"collisions"`
	Anomalies  uint64 `json:"anomalies"`
}

// Engine owns the pipeline. Step and the Start loop are serialized by the
// engine mutex; the grid is only reachable through WithGrid, which takes
// the same mutex, so readers never see a partially built index.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	runID   string
	bridge  *bridge.Bridge
	kernel  vmath.Kernel
	collide *collision.System
	timer   *FrameTimer

	snapshots *SnapshotPool
	eventLog  *EventLog

	tickCount uint64
	onTick    func(*TickResult)
	onAbort   func(error)

	running  bool
	ticker   *time.Ticker
	stopChan chan struct{}
	loopDone chan struct{}

	ticks      atomic.Uint64
	aborted    atomic.Uint64
	collisions atomic.Uint64
	anomalies  atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventLog attaches a started or stopped event log.
func WithEventLog(el *EventLog) Option {
	return func(e *Engine) { e.eventLog = el }
}

// WithClock replaces the timing clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.timer = NewFrameTimer(now) }
}

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) Option {
	return func(e *Engine) { e.runID = id }
}

// New builds an engine over store.
func New(store bridge.Store, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.TickRate <= 0 {
		return nil, fault.Errorf(fault.InvalidInput, "engine.new", "tick rate must be positive, got %d", cfg.TickRate)
	}
	if cfg.DT == 0 {
		cfg.DT = 1 / float32(cfg.TickRate)
	}
	sys, err := collision.NewSystem(cfg.Collision)
	if err != nil {
		return nil, errors.Wrap(err, "engine: collision system")
	}
	e := &Engine{
		cfg:       cfg,
		runID:     uuid.New().String(),
		bridge:    bridge.New(store, cfg.Collision.DefaultRadius),
		kernel:    cfg.Kernel,
		collide:   sys,
		timer:     NewFrameTimer(nil),
		snapshots: NewSnapshotPool(cfg.MaxSnapshotEvents),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RunID identifies this engine instance in logs and snapshots.
func (e *Engine) RunID() string { return e.runID }

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// OnTick registers fn to run after every successful tick, outside the
// engine lock. It must not retain the result's slices across ticks.
func (e *Engine) OnTick(fn func(*TickResult)) {
	e.mu.Lock()
	e.onTick = fn
	e.mu.Unlock()
}

// OnAbort registers fn to run after every aborted tick.
func (e *Engine) OnAbort(fn func(error)) {
	e.mu.Lock()
	e.onAbort = fn
	e.mu.Unlock()
}

// Step runs one tick with time step dt. InvalidInput errors abort the tick
// and are returned; per-entity anomalies are reported in Diagnostics.
func (e *Engine) Step(dt float32) (*TickResult, error) {
	e.mu.Lock()
	res, err := e.step(dt)
	tick := e.tickCount
	cb := e.onTick
	onAbort := e.onAbort
	el := e.eventLog
	e.mu.Unlock()

	if err != nil {
		e.aborted.Add(1)
		if el != nil {
			el.Emit(Record{Type: RecordAbort, Tick: tick, Message: err.Error()})
		}
		if onAbort != nil {
			onAbort(err)
		}
		return nil, err
	}
	e.ticks.Add(1)
	e.collisions.Add(uint64(len(res.Events)))
	e.anomalies.Add(uint64(res.Diagnostics.Anomalies()))
	if cb != nil {
		cb(res)
	}
	return res, nil
}

func (e *Engine) step(dt float32) (*TickResult, error) {
	e.tickCount++
	tick := e.tickCount
	t := e.timer
	t.Begin()

	frame, err := e.bridge.Collect()
	if err != nil {
		return nil, errors.Wrapf(err, "tick %d: collect", tick)
	}
	t.Mark(PhaseCollect)

	ist, err := e.kernel.Integrate(frame.Positions, frame.Velocities, dt)
	if err != nil {
		return nil, errors.Wrapf(err, "tick %d: integrate", tick)
	}
	t.Mark(PhaseIntegrate)

	wst, err := e.bridge.Writeback(frame.IDs, frame.Positions)
	if err != nil {
		return nil, errors.Wrapf(err, "tick %d: writeback", tick)
	}
	t.Mark(PhaseWriteback)

	bst, err := e.collide.BuildIndex(collision.Bodies{IDs: frame.IDs, Positions: frame.Positions, Radii: frame.Radii})
	if err != nil {
		e.collide.Abort()
		return nil, errors.Wrapf(err, "tick %d: build index", tick)
	}
	t.Mark(PhaseBuildIndex)

	pairs, err := e.collide.QueryPairs()
	if err != nil {
		e.collide.Abort()
		return nil, errors.Wrapf(err, "tick %d: query pairs", tick)
	}
	t.Mark(PhaseQueryPairs)

	events, err := e.collide.Resolve()
	if err != nil {
		e.collide.Abort()
		return nil, errors.Wrapf(err, "tick %d: resolve", tick)
	}
	t.Mark(PhaseResolve)

	res := &TickResult{
		Tick:    tick,
		Events:  events,
		Timings: t.Timings(),
		Diagnostics: Diagnostics{
			Entities:        frame.Len(),
			Indexed:         bst.Indexed,
			CandidatePairs:  len(pairs),
			Collisions:      len(events),
			InvalidGeometry: e.collide.Anomalies().InvalidGeometry,
			MissingEntity:   e.bridge.Anomalies().MissingEntity,
			NaNReset:        ist.NaNReset,
			Wrapped:         ist.Wrapped,
			Writeback:       wst,
			Build:           bst,
			Integrate:       ist,
		},
	}
	e.reportAnomalies(res)
	e.publish(res)
	e.record(res)
	return res, nil
}

// reportAnomalies logs the first few anomalies of the tick and keeps their
// messages in the diagnostics.
func (e *Engine) reportAnomalies(res *TickResult) {
	d := &res.Diagnostics
	if d.Anomalies() == 0 {
		return
	}
	var samples []error
	samples = append(samples, e.collide.Anomalies().Samples...)
	samples = append(samples, e.bridge.Anomalies().Samples...)
	for i, err := range samples {
		if i >= e.cfg.MaxAnomalyLogs {
			break
		}
		d.Samples = append(d.Samples, err.Error())
		log.Printf("⚠️  tick %d anomaly: %v", res.Tick, err)
		if e.eventLog != nil {
			var fe *fault.Error
			rec := Record{Type: RecordAnomaly, Tick: res.Tick, Message: err.Error()}
			if errors.As(err, &fe) {
				rec.Entity = fe.Entity
			}
			e.eventLog.Emit(rec)
		}
	}
	if d.NaNReset > 0 {
		log.Printf("⚠️  tick %d: %d positions were NaN and reset to origin", res.Tick, d.NaNReset)
	}
	if hidden := d.InvalidGeometry + d.MissingEntity - len(d.Samples); hidden > 0 {
		log.Printf("📊 tick %d: %d more anomalies not logged", res.Tick, hidden)
	}
}

func (e *Engine) publish(res *TickResult) {
	snap := e.snapshots.AcquireWrite()
	snap.RunID = e.runID
	snap.Tick = res.Tick
	e.snapshots.SetEvents(snap, res.Events)
	snap.Timings.Total = res.Timings.Total
	snap.Timings.Phases = append(snap.Timings.Phases, res.Timings.Phases...)
	snap.Diagnostics = res.Diagnostics
	snap.Diagnostics.Samples = append([]string(nil), res.Diagnostics.Samples...)
	if g := e.collide.Grid(); g != nil {
		snap.Grid = g.Stats()
	}
	e.snapshots.PublishWrite()
}

func (e *Engine) record(res *TickResult) {
	if e.eventLog == nil {
		return
	}
	d := res.Diagnostics
	e.eventLog.Emit(Record{Type: RecordTick, Tick: res.Tick, Summary: &TickSummary{
		Entities:   d.Entities,
		Candidates: d.CandidatePairs,
		Collisions: d.Collisions,
		Anomalies:  d.Anomalies(),
		TotalNs:    int64(res.Timings.Total),
	}})
	for i := range res.Events {
		e.eventLog.Emit(Record{Type: RecordCollision, Tick: res.Tick, Collision: &res.Events[i]})
	}
}

// SetEventLog attaches el, or detaches with nil.
func (e *Engine) SetEventLog(el *EventLog) {
	e.mu.Lock()
	e.eventLog = el
	e.mu.Unlock()
}

// Snapshot returns a copy of the latest published tick.
func (e *Engine) Snapshot() (TickSnapshot, bool) {
	return e.snapshots.Latest()
}

// ReadSnapshot calls fn with the latest snapshot without copying it.
func (e *Engine) ReadSnapshot(fn func(*TickSnapshot)) bool {
	return e.snapshots.Read(fn)
}

// WithGrid calls fn with the spatial index between ticks. fn must not
// mutate the grid or call back into the engine.
func (e *Engine) WithGrid(fn func(*spatial.HashGrid)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	g := e.collide.Grid()
	if g == nil {
		return false
	}
	fn(g)
	return true
}

// Totals returns cumulative counters.
func (e *Engine) Totals() Totals {
	return Totals{
		Ticks:      e.ticks.Load(),
		Aborted:    e.aborted.Load(),
		Collisions: e.collisions.Load(),
		Anomalies:  e.anomalies.Load(),
	}
}

// EventLogStats returns the event log counters, if one is attached.
func (e *Engine) EventLogStats() (EventLogStats, bool) {
	e.mu.Lock()
	el := e.eventLog
	e.mu.Unlock()
	if el == nil {
		return EventLogStats{}, false
	}
	return el.Stats(), true
}

// IsRunning reports whether the tick loop is active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start begins the tick loop at the configured rate. An engine may be
// started again after Stop.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	ticker := time.NewTicker(time.Second / time.Duration(e.cfg.TickRate))
	stop := make(chan struct{})
	done := make(chan struct{})
	e.ticker, e.stopChan, e.loopDone = ticker, stop, done
	e.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ticker.C:
				if _, err := e.Step(e.cfg.DT); err != nil {
					log.Printf("⚠️  tick aborted: %v", err)
				}
			case <-stop:
				return
			}
		}
	}()

	log.Printf("🎮 Collision engine started at %d TPS (run %s)", e.cfg.TickRate, e.runID)
}

// Stop ends the tick loop and waits for the current tick to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.ticker.Stop()
	close(e.stopChan)
	done := e.loopDone
	e.mu.Unlock()

	<-done
	log.Println("🛑 Collision engine stopped")
}
