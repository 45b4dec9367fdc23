package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"strconv"

	"astra-collide/internal/engine"
	"astra-collide/internal/entity"
	"astra-collide/internal/spatial"
)

// Handler methods for routerHandlers. Every read goes through the
// published snapshot or WithGrid, never the engine's tick state.

func (h *routerHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":  "ok",
		"running": h.engine.IsRunning(),
		"runId":   h.engine.RunID(),
	})
}

func (h *routerHandlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	totals := h.engine.Totals()
	snap, ok := h.engine.Snapshot()
	if !ok {
		writeJSON(w, map[string]interface{}{
			"ready":  false,
			"totals": totals,
		})
		return
	}
	writeJSON(w, map[string]interface{}{
		"ready":       true,
		"runId":       snap.RunID,
		"tick":        snap.Tick,
		"timestamp":   snap.Timestamp,
		"diagnostics": snap.Diagnostics,
		"grid":        snap.Grid,
		"totals":      totals,
	})
}

type phaseShare struct {
	Phase      string  `json:"phase"`
	DurationNs int64   `json:"durationNs"`
	Share      float64 `json:"share"`
}

func (h *routerHandlers) handleGetTimings(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.engine.Snapshot()
	if !ok {
		writeError(w, "No tick completed yet", http.StatusServiceUnavailable)
		return
	}
	phases := make([]phaseShare, 0, len(snap.Timings.Phases))
	for _, p := range snap.Timings.Phases {
		share := 0.0
		if snap.Timings.Total > 0 {
			share = float64(p.Duration) / float64(snap.Timings.Total)
		}
		phases = append(phases, phaseShare{Phase: p.Phase, DurationNs: int64(p.Duration), Share: share})
	}
	writeJSON(w, map[string]interface{}{
		"tick":    snap.Tick,
		"totalNs": int64(snap.Timings.Total),
		"phases":  phases,
		"report":  snap.Timings.Report(),
	})
}

func (h *routerHandlers) handleGetCollisions(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.engine.Snapshot()
	if !ok {
		writeError(w, "No tick completed yet", http.StatusServiceUnavailable)
		return
	}
	limit := queryInt(r, "limit", 100)
	events := snap.Events
	truncated := snap.EventsTruncated
	if limit >= 0 && limit < len(events) {
		truncated += len(events) - limit
		events = events[:limit]
	}
	writeJSON(w, map[string]interface{}{
		"tick":      snap.Tick,
		"total":     snap.Diagnostics.Collisions,
		"events":    events,
		"truncated": truncated,
	})
}

func (h *routerHandlers) handleGetGrid(w http.ResponseWriter, r *http.Request) {
	top := queryInt(r, "top", 20)
	var (
		stats spatial.GridStats
		cells []spatial.CellCount
	)
	ok := h.engine.WithGrid(func(g *spatial.HashGrid) {
		stats = g.Stats()
		cells = g.Occupancy(nil)
	})
	if !ok {
		writeError(w, "Grid not built yet", http.StatusServiceUnavailable)
		return
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].Count > cells[j].Count })
	if top >= 0 && top < len(cells) {
		cells = cells[:top]
	}
	writeJSON(w, map[string]interface{}{
		"stats":    stats,
		"hotCells": cells,
	})
}

func (h *routerHandlers) handleGridHeatmap(w http.ResponseWriter, r *http.Request) {
	size := queryInt(r, "size", DefaultHeatmapSize)
	var cells []spatial.CellCount
	ok := h.engine.WithGrid(func(g *spatial.HashGrid) {
		cells = g.Occupancy(nil)
	})
	if !ok {
		writeError(w, "Grid not built yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := RenderHeatmap(w, cells, size); err != nil {
		log.Printf("⚠️ Heatmap render failed: %v", err)
	}
}

func (h *routerHandlers) handleSpawn(w http.ResponseWriter, r *http.Request) {
	if h.world == nil {
		writeError(w, "Spawning disabled", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.Count <= 0 {
		writeError(w, "count must be positive", http.StatusBadRequest)
		return
	}
	if req.Count > h.maxSpawn {
		req.Count = h.maxSpawn // Cap
	}
	if !h.chargePopulation(w, r, req.Count) {
		return
	}

	ids := h.world.Spawn(req.Count)
	log.Printf("🌍 Spawned %d entities via API", len(ids))
	writeJSON(w, map[string]interface{}{
		"spawned": len(ids),
		"total":   h.world.Len(),
	})
}

func (h *routerHandlers) handleDespawn(w http.ResponseWriter, r *http.Request) {
	if h.world == nil {
		writeError(w, "Spawning disabled", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		IDs   []entity.ID `json:"ids"`
		Count int         `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if len(req.IDs) > h.maxSpawn {
		writeError(w, "too many ids", http.StatusBadRequest)
		return
	}
	if req.Count > h.maxSpawn {
		req.Count = h.maxSpawn // Cap
	}

	var removed int
	switch {
	case len(req.IDs) > 0:
		if !h.chargePopulation(w, r, len(req.IDs)) {
			return
		}
		removed = h.world.Despawn(req.IDs)
	case req.Count > 0:
		if !h.chargePopulation(w, r, req.Count) {
			return
		}
		removed = len(h.world.DespawnRandom(req.Count))
	default:
		writeError(w, "ids or count required", http.StatusBadRequest)
		return
	}
	log.Printf("🌍 Despawned %d entities via API", removed)
	writeJSON(w, map[string]interface{}{
		"despawned": removed,
		"total":     h.world.Len(),
	})
}

// chargePopulation spends n entities of the client's population budget and
// answers 429 when it is exhausted.
func (h *routerHandlers) chargePopulation(w http.ResponseWriter, r *http.Request, n int) bool {
	if h.population.AllowN(GetClientIP(r), n) {
		return true
	}
	RecordConnectionRejected("population_limit")
	w.Header().Set("Retry-After", "1")
	writeError(w, "population change rate exceeded", http.StatusTooManyRequests)
	return false
}

// Helper functions (package-level for reuse)

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// summaryOf is the tick digest pushed to websocket clients.
func summaryOf(snap *engine.TickSnapshot) TickMessage {
	d := snap.Diagnostics
	return TickMessage{
		Tick:           snap.Tick,
		Entities:       d.Entities,
		CandidatePairs: d.CandidatePairs,
		Collisions:     d.Collisions,
		Anomalies:      d.Anomalies(),
		TotalNs:        int64(snap.Timings.Total),
		Phases:         snap.Timings.Phases,
	}
}
