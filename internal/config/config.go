// Package config provides centralized configuration management.
// Every tunable of the collision pipeline and the observer server is
// declared here with its default and its environment override.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"astra-collide/internal/collision"
	"astra-collide/internal/engine"
	"astra-collide/internal/fault"
	"astra-collide/internal/vmath"
)

// =============================================================================
// SPATIAL CONFIGURATION
// =============================================================================

// SpatialConfig holds spatial indexing settings.
type SpatialConfig struct {
	CellSize      float32 // Grid cell edge; 0 derives it from collider sizes
	CellFactor    float32 // Derived cell = CellFactor * median diameter
	RebuildPolicy string  // "full" or "incremental"
	Shards        int     // Cell map shards (power of two)
}

// DefaultSpatial returns the default spatial configuration.
func DefaultSpatial() SpatialConfig {
	return SpatialConfig{
		CellSize:      0, // auto
		CellFactor:    2,
		RebuildPolicy: "full",
		Shards:        64,
	}
}

// spatialFromEnv returns spatial configuration with environment variable overrides.
// Unparsable values are recorded in env.
func spatialFromEnv(env *envReader) SpatialConfig {
	cfg := DefaultSpatial()

	if v := strings.TrimSpace(os.Getenv("CELL_SIZE")); !strings.EqualFold(v, "auto") {
		env.float32Var("CELL_SIZE", &cfg.CellSize)
	}
	env.float32Var("CELL_FACTOR", &cfg.CellFactor)
	if p := os.Getenv("REBUILD_POLICY"); p != "" {
		cfg.RebuildPolicy = strings.ToLower(p)
	}
	env.intVar("GRID_SHARDS", &cfg.Shards)

	return cfg
}

// =============================================================================
// SIMULATION CONFIGURATION
// =============================================================================

// SimConfig holds tick loop and movement kernel settings.
type SimConfig struct {
	TickRate            int     // Ticks per second
	WorldHalfExtent     float32 // Positions wrap at +-WorldHalfExtent
	ColliderRadius      float32 // Default radius for entities without one
	SIMDLanes           int     // 4 or 8
	Workers             int     // Parallel workers; 0 = GOMAXPROCS
	SmallWorldThreshold int     // Below this, sweep-and-prune replaces the grid query
	EntityCount         int     // Initial population of the world harness
	Seed                int64   // Population seed
	MaxSpeed            float32 // Max initial speed per axis
}

// DefaultSim returns the default simulation configuration.
func DefaultSim() SimConfig {
	return SimConfig{
		TickRate:            60,
		WorldHalfExtent:     64,
		ColliderRadius:      0.5,
		SIMDLanes:           4,
		Workers:             0,
		SmallWorldThreshold: 32,
		EntityCount:         2000,
		Seed:                1,
		MaxSpeed:            4,
	}
}

// simFromEnv returns simulation configuration with environment variable overrides.
// Values are taken as given; Validate rejects the ones out of range.
func simFromEnv(env *envReader) SimConfig {
	cfg := DefaultSim()

	env.intVar("TICK_RATE", &cfg.TickRate)
	env.float32Var("WORLD_HALF_EXTENT", &cfg.WorldHalfExtent)
	env.float32Var("COLLIDER_RADIUS", &cfg.ColliderRadius)
	env.intVar("SIMD_LANES", &cfg.SIMDLanes)
	env.intVar("WORKERS", &cfg.Workers)
	env.intVar("SMALL_WORLD_THRESHOLD", &cfg.SmallWorldThreshold)
	env.intVar("ENTITY_COUNT", &cfg.EntityCount)
	env.int64Var("SEED", &cfg.Seed)
	env.float32Var("MAX_SPEED", &cfg.MaxSpeed)

	return cfg
}

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           int
	AllowedOrigins []string
	MaxSpawn       int // Cap on entities per spawn request
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port:           3000,
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		MaxSpawn:       10_000,
	}
}

// serverFromEnv returns server configuration with environment variable overrides.
func serverFromEnv(env *envReader) ServerConfig {
	cfg := DefaultServer()

	env.intVar("PORT", &cfg.Port)
	if o := os.Getenv("ALLOWED_ORIGINS"); o != "" {
		cfg.AllowedOrigins = splitList(o)
	}
	env.intVar("MAX_SPAWN", &cfg.MaxSpawn)

	return cfg
}

// =============================================================================
// OBSERVABILITY CONFIGURATION
// =============================================================================

// ObservabilityConfig holds logging, metrics and event log settings.
type ObservabilityConfig struct {
	DebugServer           bool   // pprof + /metrics on localhost
	DebugAddr             string // Debug server listen address
	MaxAnomalyLogsPerTick int    // Anomalies logged per tick; the rest are counted
	MaxSnapshotEvents     int    // Events kept per published snapshot
	EventLogPath          string // Empty disables the file
	EventLogFormat        string // "jsonl" or "msgpack"
}

// DefaultObservability returns the default observability configuration.
func DefaultObservability() ObservabilityConfig {
	return ObservabilityConfig{
		DebugServer:           true,
		DebugAddr:             "localhost:6060",
		MaxAnomalyLogsPerTick: 5,
		MaxSnapshotEvents:     engine.DefaultMaxSnapshotEvents,
		EventLogFormat:        "jsonl",
	}
}

// observabilityFromEnv returns observability configuration with environment variable overrides.
func observabilityFromEnv(env *envReader) ObservabilityConfig {
	cfg := DefaultObservability()

	disable := false
	env.boolVar("DISABLE_DEBUG_SERVER", &disable)
	if disable {
		cfg.DebugServer = false
	}
	if a := os.Getenv("DEBUG_ADDR"); a != "" {
		cfg.DebugAddr = a
	}
	env.intVar("MAX_ANOMALY_LOGS", &cfg.MaxAnomalyLogsPerTick)
	env.intVar("MAX_SNAPSHOT_EVENTS", &cfg.MaxSnapshotEvents)
	cfg.EventLogPath = os.Getenv("EVENT_LOG_PATH")
	if f := os.Getenv("EVENT_LOG_FORMAT"); f != "" {
		cfg.EventLogFormat = strings.ToLower(f)
	}

	return cfg
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Spatial       SpatialConfig
	Sim           SimConfig
	Server        ServerConfig
	Observability ObservabilityConfig
}

// Default returns the complete configuration without environment overrides.
func Default() AppConfig {
	return AppConfig{
		Spatial:       DefaultSpatial(),
		Sim:           DefaultSim(),
		Server:        DefaultServer(),
		Observability: DefaultObservability(),
	}
}

// Load returns the complete configuration with environment overrides.
// Every unparsable variable is reported in one InvalidInput error, and a
// parsed configuration must also pass Validate.
func Load() (AppConfig, error) {
	var env envReader
	cfg := AppConfig{
		Spatial:       spatialFromEnv(&env),
		Sim:           simFromEnv(&env),
		Server:        serverFromEnv(&env),
		Observability: observabilityFromEnv(&env),
	}
	if err := env.err(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate reports the first setting the pipeline cannot run with.
func (c AppConfig) Validate() error {
	const op = "config.validate"
	switch {
	case c.Spatial.CellSize < 0 || !vmath.Finite(c.Spatial.CellSize):
		return fault.Errorf(fault.InvalidInput, op, "CELL_SIZE must be positive or auto, got %v", c.Spatial.CellSize)
	case !(c.Spatial.CellFactor > 0) || !vmath.Finite(c.Spatial.CellFactor):
		return fault.Errorf(fault.InvalidInput, op, "CELL_FACTOR must be positive, got %v", c.Spatial.CellFactor)
	case c.Spatial.Shards <= 0:
		return fault.Errorf(fault.InvalidInput, op, "GRID_SHARDS must be positive, got %d", c.Spatial.Shards)
	case c.Sim.TickRate <= 0:
		return fault.Errorf(fault.InvalidInput, op, "TICK_RATE must be positive, got %d", c.Sim.TickRate)
	case !(c.Sim.WorldHalfExtent > 0) || !vmath.Finite(c.Sim.WorldHalfExtent):
		return fault.Errorf(fault.InvalidInput, op, "WORLD_HALF_EXTENT must be positive, got %v", c.Sim.WorldHalfExtent)
	case !(c.Sim.ColliderRadius > 0) || !vmath.Finite(c.Sim.ColliderRadius):
		return fault.Errorf(fault.InvalidInput, op, "COLLIDER_RADIUS must be positive, got %v", c.Sim.ColliderRadius)
	case c.Sim.SIMDLanes != 4 && c.Sim.SIMDLanes != 8:
		return fault.Errorf(fault.InvalidInput, op, "SIMD_LANES must be 4 or 8, got %d", c.Sim.SIMDLanes)
	case c.Sim.Workers < 0:
		return fault.Errorf(fault.InvalidInput, op, "WORKERS must be 0 (auto) or positive, got %d", c.Sim.Workers)
	case c.Sim.SmallWorldThreshold < 0:
		return fault.Errorf(fault.InvalidInput, op, "SMALL_WORLD_THRESHOLD must not be negative, got %d", c.Sim.SmallWorldThreshold)
	case c.Sim.EntityCount < 0:
		return fault.Errorf(fault.InvalidInput, op, "ENTITY_COUNT must not be negative, got %d", c.Sim.EntityCount)
	case c.Sim.MaxSpeed < 0 || !vmath.Finite(c.Sim.MaxSpeed):
		return fault.Errorf(fault.InvalidInput, op, "MAX_SPEED must be finite and non-negative, got %v", c.Sim.MaxSpeed)
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fault.Errorf(fault.InvalidInput, op, "PORT out of range: %d", c.Server.Port)
	case c.Server.MaxSpawn <= 0:
		return fault.Errorf(fault.InvalidInput, op, "MAX_SPAWN must be positive, got %d", c.Server.MaxSpawn)
	case c.Observability.MaxAnomalyLogsPerTick < 0:
		return fault.Errorf(fault.InvalidInput, op, "MAX_ANOMALY_LOGS must not be negative, got %d", c.Observability.MaxAnomalyLogsPerTick)
	case c.Observability.MaxSnapshotEvents <= 0:
		return fault.Errorf(fault.InvalidInput, op, "MAX_SNAPSHOT_EVENTS must be positive, got %d", c.Observability.MaxSnapshotEvents)
	}
	if _, err := collision.ParsePolicy(c.Spatial.RebuildPolicy); err != nil {
		return err
	}
	if _, err := engine.ParseFormat(c.Observability.EventLogFormat); err != nil {
		return fault.Wrap(fault.InvalidInput, op, err)
	}
	return nil
}

// Engine converts the settings into an engine configuration.
func (c AppConfig) Engine() (engine.Config, error) {
	if err := c.Validate(); err != nil {
		return engine.Config{}, err
	}
	policy, _ := collision.ParsePolicy(c.Spatial.RebuildPolicy)

	workers := c.Sim.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	kernel := vmath.DefaultKernel()
	kernel.HalfExtent = c.Sim.WorldHalfExtent
	kernel.Lanes = c.Sim.SIMDLanes
	kernel.Workers = workers

	col := collision.DefaultConfig()
	col.CellSize = c.Spatial.CellSize
	col.CellFactor = c.Spatial.CellFactor
	col.Policy = policy
	col.DefaultRadius = c.Sim.ColliderRadius
	col.SmallWorldThreshold = c.Sim.SmallWorldThreshold
	col.Workers = workers
	col.Shards = c.Spatial.Shards

	return engine.Config{
		TickRate:          c.Sim.TickRate,
		Kernel:            kernel,
		Collision:         col,
		MaxAnomalyLogs:    c.Observability.MaxAnomalyLogsPerTick,
		MaxSnapshotEvents: c.Observability.MaxSnapshotEvents,
	}, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// envReader applies environment overrides and remembers every variable
// that was set but could not be parsed.
type envReader struct {
	bad []string
}

func (r *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func (r *envReader) fail(key, v string) {
	r.bad = append(r.bad, fmt.Sprintf("%s=%q", key, v))
}

func (r *envReader) intVar(key string, dst *int) {
	if v, ok := r.lookup(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			r.fail(key, v)
			return
		}
		*dst = i
	}
}

func (r *envReader) int64Var(key string, dst *int64) {
	if v, ok := r.lookup(key); ok {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.fail(key, v)
			return
		}
		*dst = i
	}
}

func (r *envReader) float32Var(key string, dst *float32) {
	if v, ok := r.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			r.fail(key, v)
			return
		}
		*dst = float32(f)
	}
}

func (r *envReader) boolVar(key string, dst *bool) {
	if v, ok := r.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(key, v)
			return
		}
		*dst = b
	}
}

func (r *envReader) err() error {
	if len(r.bad) == 0 {
		return nil
	}
	return fault.Errorf(fault.InvalidInput, "config.load", "malformed environment: %s", strings.Join(r.bad, ", "))
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
