package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/time/rate"

	"astra-collide/internal/collision"
	"astra-collide/internal/entity"
)

const (
	EventBufferSize      = 1024                   // Ring buffer size
	MaxRecordsPerSec     = 10000                  // Global rate limit
	MaxRecordsPerEntity  = 20                     // Per-entity anomaly limit per second
	BatchFlushSize       = 64                     // Records per batch write
	BatchFlushInterval   = 100 * time.Millisecond // How often to flush
	EntityLimiterCleanup = 5 * time.Minute        // Cleanup interval for entity limiters
	RecordVersion        = 1
)

// RecordType classifies event log records.
type RecordType uint8

const (
	RecordUnknown RecordType = iota
	RecordTick
	RecordCollision
	RecordAnomaly
	RecordAbort
)

func (t RecordType) String() string {
	switch t {
	case RecordTick:
		return "tick"
	case RecordCollision:
		return "collision"
	case RecordAnomaly:
		return "anomaly"
	case RecordAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// MarshalJSON writes the type by name.
func (t RecordType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// TickSummary is the payload of a tick record.
type TickSummary struct {
	Entities   int   `json:"entities" msgpack:"n"`
	Candidates int   `json:"candidates" msgpack:"c"`
	Collisions int   `json:"collisions" msgpack:"k"`
	Anomalies  int   `json:"anomalies" msgpack:"a"`
	TotalNs    int64 `json:"totalNs" msgpack:"t"`
}

// Record is one event log line.
type Record struct {
	Version   uint8            `json:"version" msgpack:"v"`
	Type      RecordType       `json:"type" msgpack:"type"`
	RunID     string           `json:"runId" msgpack:"run"`
	Timestamp int64            `json:"timestamp" msgpack:"ts"`
	Sequence  uint64           `json:"sequence" msgpack:"seq"`
	Tick      uint64           `json:"tick" msgpack:"tick"`
	Entity    entity.ID        `json:"entity,omitempty" msgpack:"e,omitempty"`
	Summary   *TickSummary     `json:"summary,omitempty" msgpack:"sum,omitempty"`
	Collision *collision.Event `json:"collision,omitempty" msgpack:"col,omitempty"`
	Message   string           `json:"message,omitempty" msgpack:"msg,omitempty"`
}

// Format is the on-disk encoding of the event log.
type Format string

const (
	FormatJSONL   Format = "jsonl"
	FormatMsgpack Format = "msgpack"
)

// ParseFormat accepts "jsonl"/"json" or "msgpack".
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "jsonl", "json":
		return FormatJSONL, nil
	case "msgpack", "mp":
		return FormatMsgpack, nil
	}
	return "", fmt.Errorf("unknown event log format %q", s)
}

// EventLog is a bounded, rate-limited record log. Emit never blocks and
// never does I/O; a writer goroutine drains the ring in batches.
type EventLog struct {
	runID string

	mu        sync.Mutex
	buffer    [EventBufferSize]Record
	writeHead uint64
	readHead  uint64

	globalLimiter  *rate.Limiter
	entityLimiters sync.Map // map[entity.ID]*entityLimiterEntry

	lifeMu   sync.Mutex // serializes Start and Stop
	writerWg sync.WaitGroup
	stopChan chan struct{}
	running  atomic.Bool

	format Format
	out    io.WriteCloser
	bw     *bufio.Writer
	enc    *msgpack.Encoder
	fileMu sync.Mutex

	droppedCount atomic.Uint64
	totalCount   atomic.Uint64
	writtenCount atomic.Uint64
}

type entityLimiterEntry struct {
	limiter  *rate.Limiter
	lastUsed atomic.Int64
}

// NewEventLog creates a stopped event log tagged with runID.
func NewEventLog(runID string) *EventLog {
	return &EventLog{
		runID:         runID,
		globalLimiter: rate.NewLimiter(MaxRecordsPerSec, MaxRecordsPerSec/10),
		format:        FormatJSONL,
	}
}

// Start opens path for append and begins the writer goroutines. An empty
// path keeps records in memory only.
func (el *EventLog) Start(path string, format Format) error {
	if el.running.Load() {
		return nil
	}
	if path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		el.StartWriter(file, format)
		return nil
	}
	el.StartWriter(nil, format)
	return nil
}

// StartWriter is Start over an arbitrary writer, which is closed on Stop.
// A stopped log may be started again.
func (el *EventLog) StartWriter(w io.WriteCloser, format Format) {
	el.lifeMu.Lock()
	defer el.lifeMu.Unlock()
	if el.running.Load() {
		return
	}
	if format == "" {
		format = FormatJSONL
	}

	el.fileMu.Lock()
	el.format = format
	el.out, el.bw, el.enc = nil, nil, nil
	if w != nil {
		el.out = w
		el.bw = bufio.NewWriter(w)
		el.enc = msgpack.NewEncoder(el.bw)
	}
	el.fileMu.Unlock()

	stop := make(chan struct{})
	el.stopChan = stop
	el.running.Store(true)
	el.writerWg.Add(2)
	go el.writerLoop(stop)
	go el.cleanupLoop(stop)
}

// Stop flushes pending records and closes the output. Stopping a log that
// is not running does nothing.
func (el *EventLog) Stop() {
	el.lifeMu.Lock()
	defer el.lifeMu.Unlock()
	if !el.running.CompareAndSwap(true, false) {
		return
	}
	close(el.stopChan)
	el.writerWg.Wait()

	el.fileMu.Lock()
	if el.bw != nil {
		if err := el.bw.Flush(); err != nil {
			log.Printf("⚠️ Event log flush failed: %v", err)
		}
	}
	if el.out != nil {
		el.out.Close()
	}
	el.out, el.bw, el.enc = nil, nil, nil
	el.fileMu.Unlock()
}

// Emit queues r. It returns false when the log is stopped or the record was
// rate limited. A full ring drops its oldest record.
func (el *EventLog) Emit(r Record) bool {
	if !el.running.Load() {
		return false
	}
	if !el.globalLimiter.Allow() {
		el.droppedCount.Add(1)
		return false
	}
	// A single misbehaving entity must not crowd out everything else.
	if r.Entity != entity.Invalid && !el.entityLimiter(r.Entity).Allow() {
		el.droppedCount.Add(1)
		return false
	}

	r.Version = RecordVersion
	r.RunID = el.runID
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixNano()
	}

	el.mu.Lock()
	el.writeHead++
	if el.writeHead-el.readHead > EventBufferSize {
		el.readHead++
		el.droppedCount.Add(1)
	}
	r.Sequence = el.writeHead
	el.buffer[el.writeHead%EventBufferSize] = r
	el.mu.Unlock()

	el.totalCount.Add(1)
	return true
}

func (el *EventLog) entityLimiter(id entity.ID) *rate.Limiter {
	now := time.Now().UnixNano()
	if v, ok := el.entityLimiters.Load(id); ok {
		e := v.(*entityLimiterEntry)
		e.lastUsed.Store(now)
		return e.limiter
	}
	entry := &entityLimiterEntry{limiter: rate.NewLimiter(MaxRecordsPerEntity, MaxRecordsPerEntity/2)}
	entry.lastUsed.Store(now)
	actual, _ := el.entityLimiters.LoadOrStore(id, entry)
	return actual.(*entityLimiterEntry).limiter
}

func (el *EventLog) writerLoop(stop <-chan struct{}) {
	defer el.writerWg.Done()

	ticker := time.NewTicker(BatchFlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, BatchFlushSize)
	for {
		select {
		case <-stop:
			for {
				batch = el.collectBatch(batch[:0])
				if len(batch) == 0 {
					return
				}
				el.flushBatch(batch)
			}
		case <-ticker.C:
			batch = el.collectBatch(batch[:0])
			if len(batch) > 0 {
				el.flushBatch(batch)
			}
		}
	}
}

func (el *EventLog) cleanupLoop(stop <-chan struct{}) {
	defer el.writerWg.Done()

	ticker := time.NewTicker(EntityLimiterCleanup)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			el.cleanupEntityLimiters(time.Now().Add(-EntityLimiterCleanup))
		}
	}
}

func (el *EventLog) cleanupEntityLimiters(cutoff time.Time) {
	el.entityLimiters.Range(func(key, value interface{}) bool {
		if value.(*entityLimiterEntry).lastUsed.Load() < cutoff.UnixNano() {
			el.entityLimiters.Delete(key)
		}
		return true
	})
}

func (el *EventLog) collectBatch(batch []Record) []Record {
	el.mu.Lock()
	defer el.mu.Unlock()
	for el.readHead < el.writeHead && len(batch) < BatchFlushSize {
		el.readHead++
		batch = append(batch, el.buffer[el.readHead%EventBufferSize])
	}
	return batch
}

// flushBatch writes newline-delimited JSON or a msgpack stream.
func (el *EventLog) flushBatch(batch []Record) {
	el.fileMu.Lock()
	defer el.fileMu.Unlock()

	if el.bw == nil {
		el.writtenCount.Add(uint64(len(batch)))
		return
	}
	// Buffered records only count as written once the flush succeeds.
	var buffered uint64
	for i := range batch {
		if err := el.writeRecord(&batch[i]); err != nil {
			el.droppedCount.Add(1)
			continue
		}
		buffered++
	}
	if err := el.bw.Flush(); err != nil {
		el.droppedCount.Add(buffered)
		return
	}
	el.writtenCount.Add(buffered)
}

func (el *EventLog) writeRecord(r *Record) error {
	if el.format == FormatMsgpack {
		return el.enc.Encode(r)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := el.bw.Write(data); err != nil {
		return err
	}
	return el.bw.WriteByte('\n')
}

// EventLogStats are counters for monitoring.
type EventLogStats struct {
	Total   uint64 `json:"total"`
	Dropped uint64 `json:"dropped"`
	Written uint64 `json:"written"`
	Pending uint64 `json:"pending"`
	Running bool   `json:"running"`
}

// Stats returns current counters.
func (el *EventLog) Stats() EventLogStats {
	el.mu.Lock()
	pending := el.writeHead - el.readHead
	el.mu.Unlock()
	return EventLogStats{
		Total:   el.totalCount.Load(),
		Dropped: el.droppedCount.Load(),
		Written: el.writtenCount.Load(),
		Pending: pending,
		Running: el.running.Load(),
	}
}
