package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// ServerOptions tune NewServer.
type ServerOptions struct {
	CORSOrigins       []string
	MaxSpawn          int
	BroadcastInterval time.Duration
}

// Server is the HTTP API server with WebSocket support.
// It combines the HTTP router with WebSocket hub for real-time updates.
type Server struct {
	engine      EngineInterface
	router      *chi.Mux
	wsHub       *WebSocketHub
	rateLimiter *IPRateLimiter
	population  *IPRateLimiter
	httpServer  *http.Server
	interval    time.Duration
}

// NewServer creates a new API server.
//
// Background workers do NOT start until Start() is called, so tests can
// construct the server and use Router() without goroutines running.
func NewServer(eng EngineInterface, world WorldInterface, opts ServerOptions) *Server {
	popCfg := DefaultPopulationLimitConfig
	if opts.MaxSpawn > popCfg.Burst {
		popCfg.Burst = opts.MaxSpawn
	}
	s := &Server{
		engine:      eng,
		wsHub:       NewWebSocketHub(),
		rateLimiter: NewIPRateLimiter(DefaultRateLimitConfig),
		population:  NewPopulationLimiter(popCfg),
		interval:    opts.BroadcastInterval,
	}
	SetAllowedOrigins(opts.CORSOrigins)

	s.router = NewRouter(RouterConfig{
		Engine:            eng,
		World:             world,
		RateLimiter:       s.rateLimiter,
		PopulationLimiter: s.population,
		CORSOrigins:       opts.CORSOrigins,
		MaxSpawn:          opts.MaxSpawn,
	})

	// WebSocket routes need the wsHub instance
	s.router.Get("/ws", s.wsHub.HandleWebSocket)

	return s
}

// Start begins the HTTP server AND starts background workers.
// It blocks until the server stops; a Shutdown returns nil.
func (s *Server) Start(addr string) error {
	go s.wsHub.Run()
	s.wsHub.StartBroadcastLoop(s.engine, s.interval)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("🌐 API server starting on %s", addr)
	log.Printf("   - stats:   http://localhost%s/api/stats", addr)
	log.Printf("   - heatmap: http://localhost%s/api/grid/heatmap.png", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Router returns the HTTP handler for use with httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Shutdown stops accepting requests and releases background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Stop()
	s.rateLimiter.Stop()
	s.population.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
