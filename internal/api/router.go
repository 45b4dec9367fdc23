package api

import (
	"net/http"

	"astra-collide/internal/engine"
	"astra-collide/internal/entity"
	"astra-collide/internal/spatial"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// EngineInterface defines the engine methods used by the API.
// This interface enables mocking for tests without running the tick loop.
// Keep this minimal - only include methods the API layer actually calls.
type EngineInterface interface {
	// Snapshot returns a copy of the latest published tick
	Snapshot() (engine.TickSnapshot, bool)
	// WithGrid runs fn against the spatial index between ticks
	WithGrid(fn func(*spatial.HashGrid)) bool
	// Totals returns cumulative tick counters
	Totals() engine.Totals
	// RunID identifies the engine instance
	RunID() string
	// IsRunning reports whether the tick loop is active
	IsRunning() bool
}

// WorldInterface defines the population methods used by the API.
type WorldInterface interface {
	Spawn(n int) []entity.ID
	Despawn(ids []entity.ID) int
	DespawnRandom(n int) []entity.ID
	Len() int
}

// RouterConfig contains all dependencies needed to construct the HTTP router.
// This struct is designed for dependency injection and testability.
//
// Example usage in tests:
//
//	cfg := api.RouterConfig{
//	    Engine: mockEngine,
//	    World:  mockWorld,
//	    RateLimitConfig: &api.RateLimitConfig{
//	        RequestsPerSecond: 1000, // High limit for tests
//	        Burst:             1000,
//	    },
//	}
//	router := api.NewRouter(cfg)
//	ts := httptest.NewServer(router)
type RouterConfig struct {
	// Engine is the collision engine (required)
	Engine EngineInterface

	// World handles spawn and despawn requests. If nil, those routes
	// answer 503.
	World WorldInterface

	// RateLimiter is an optional pre-configured rate limiter.
	// If nil, a new one will be created using RateLimitConfig.
	RateLimiter *IPRateLimiter

	// RateLimitConfig is optional configuration for the rate limiter.
	// Only used if RateLimiter is nil. If both are nil, uses DefaultRateLimitConfig.
	RateLimitConfig *RateLimitConfig

	// PopulationLimiter charges spawn and despawn requests per entity.
	// If nil, a new one is created from PopulationLimit, or from
	// DefaultPopulationLimitConfig when that is nil too.
	PopulationLimiter *IPRateLimiter
	PopulationLimit   *PopulationLimitConfig

	// CORSOrigins is an optional list of allowed CORS origins.
	// If nil, only localhost origins are allowed.
	CORSOrigins []string

	// MaxSpawn caps entities per spawn request. Zero uses DefaultMaxSpawn.
	MaxSpawn int

	// DisableLogging disables the request logger middleware (useful for benchmarks).
	DisableLogging bool
}

// DefaultMaxSpawn is the per-request spawn cap when none is configured.
const DefaultMaxSpawn = 10_000

// routerHandlers holds the handler functions for the router.
type routerHandlers struct {
	engine     EngineInterface
	world      WorldInterface
	maxSpawn   int
	population *IPRateLimiter
}

// NewRouter constructs the HTTP router with all middleware and routes.
//
// NewRouter has no side effects beyond the rate limiter's cleanup
// goroutine: no listeners are opened, so it is safe to use with
// httptest.NewServer.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware - Order matters!
	if !cfg.DisableLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	// Rate limiting (BEFORE CORS to reject early and save CPU)
	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		rateLimiter = NewIPRateLimiter(rateLimitCfg)
	}
	r.Use(rateLimiter.Middleware)

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = []string{
			"http://localhost:*",
			"http://127.0.0.1:*",
		}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	maxSpawn := cfg.MaxSpawn
	if maxSpawn <= 0 {
		maxSpawn = DefaultMaxSpawn
	}
	population := cfg.PopulationLimiter
	if population == nil {
		popCfg := DefaultPopulationLimitConfig
		if cfg.PopulationLimit != nil {
			popCfg = *cfg.PopulationLimit
		}
		// A full-size spawn must be affordable from a full bucket.
		if popCfg.Burst < maxSpawn {
			popCfg.Burst = maxSpawn
		}
		population = NewPopulationLimiter(popCfg)
	}
	h := &routerHandlers{
		engine:     cfg.Engine,
		world:      cfg.World,
		maxSpawn:   maxSpawn,
		population: population,
	}

	r.Get("/health", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		// Tick results
		r.Get("/stats", h.handleGetStats)
		r.Get("/timings", h.handleGetTimings)
		r.Get("/collisions", h.handleGetCollisions)

		// Spatial index
		r.Get("/grid", h.handleGetGrid)
		r.Get("/grid/heatmap.png", h.handleGridHeatmap)

		// Population
		r.Post("/entities/spawn", h.handleSpawn)
		r.Post("/entities/despawn", h.handleDespawn)
	})

	return r
}
