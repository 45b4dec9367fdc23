package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"astra-collide/internal/api"
	"astra-collide/internal/bridge"
	"astra-collide/internal/config"
	"astra-collide/internal/engine"
	"astra-collide/internal/world"

	"github.com/joho/godotenv"
)

const reportInterval = 10 * time.Second

func main() {
	// Load .env file from parent directory
	if err := godotenv.Load("../.env"); err != nil {
		// Try current directory as fallback
		if err := godotenv.Load(".env"); err != nil {
			log.Println("💡 No .env file found, using environment variables only")
		}
	} else {
		log.Println("✅ Loaded environment from ../.env")
	}

	log.Println("🎮 ================================")
	log.Println("🎮  ASTRA COLLIDE")
	log.Println("🎮  Spatial collision pipeline")
	log.Println("🎮 ================================")

	appConfig, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	engineCfg, err := appConfig.Engine()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	simCfg := appConfig.Sim
	obsCfg := appConfig.Observability

	cellDesc := "auto"
	if appConfig.Spatial.CellSize > 0 {
		cellDesc = strconv.FormatFloat(float64(appConfig.Spatial.CellSize), 'g', -1, 32)
	}
	log.Printf("🎮 Config: %d TPS, half extent %.1f, cell %s, policy %s, %d lanes, %d workers",
		simCfg.TickRate, simCfg.WorldHalfExtent, cellDesc, appConfig.Spatial.RebuildPolicy,
		engineCfg.Kernel.Lanes, engineCfg.Kernel.Workers)

	// Populate the ECS world
	store := bridge.NewArkStore()
	w := world.New(store, world.Options{
		HalfExtent: simCfg.WorldHalfExtent,
		MaxSpeed:   simCfg.MaxSpeed,
		MinRadius:  simCfg.ColliderRadius,
		MaxRadius:  simCfg.ColliderRadius,
		Planar:     true,
		Seed:       simCfg.Seed,
	})
	w.Populate(simCfg.EntityCount)

	eng, err := engine.New(store, engineCfg)
	if err != nil {
		log.Fatalf("❌ Engine init failed: %v", err)
	}

	// Event log
	format, _ := engine.ParseFormat(obsCfg.EventLogFormat)
	eventLog := engine.NewEventLog(eng.RunID())
	if err := eventLog.Start(obsCfg.EventLogPath, format); err != nil {
		log.Printf("⚠️ Event log disabled: %v", err)
		eventLog = nil
	} else {
		eng.SetEventLog(eventLog)
		if obsCfg.EventLogPath != "" {
			log.Printf("📝 Event log: %s (%s)", obsCfg.EventLogPath, format)
		}
	}
	eng.OnTick(api.RecordTick)
	eng.OnAbort(func(error) { api.RecordAbort() })

	// Start debug server
	debugCfg := api.DefaultObservabilityConfig()
	debugCfg.Enabled = obsCfg.DebugServer
	debugCfg.ListenAddr = obsCfg.DebugAddr
	debugServer := api.StartDebugServer(debugCfg)

	server := api.NewServer(eng, w, api.ServerOptions{
		CORSOrigins: appConfig.Server.AllowedOrigins,
		MaxSpawn:    appConfig.Server.MaxSpawn,
	})

	eng.Start()
	log.Println("✅ Collision engine started")

	go func() {
		addr := ":" + strconv.Itoa(appConfig.Server.Port)
		if err := server.Start(addr); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	stopReports := make(chan struct{})
	go reportLoop(eng, stopReports)

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	log.Println("✅ Server ready! Press Ctrl+C to stop.")
	<-quit

	log.Println("🛑 Shutting down...")
	close(stopReports)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️ API shutdown: %v", err)
	}
	if debugServer != nil {
		debugServer.Shutdown(ctx)
	}
	eng.Stop()
	if eventLog != nil {
		eventLog.Stop()
	}
	totals := eng.Totals()
	log.Printf("📊 %d ticks, %d aborted, %d collisions, %d anomalies", totals.Ticks, totals.Aborted, totals.Collisions, totals.Anomalies)
	log.Println("👋 Goodbye!")
}

// reportLoop logs the latest phase breakdown and mirrors event log counters.
func reportLoop(eng *engine.Engine, stop <-chan struct{}) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if stats, ok := eng.EventLogStats(); ok {
			api.UpdateEventLogStats(stats)
		}
		eng.ReadSnapshot(func(s *engine.TickSnapshot) {
			d := s.Diagnostics
			log.Printf("📊 tick %d: %d entities, %d candidates, %d collisions, %d anomalies\n%s",
				s.Tick, d.Entities, d.CandidatePairs, d.Collisions, d.Anomalies(), s.Timings.Report())
		})
	}
}
