package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"astra-collide/internal/api"
	"astra-collide/internal/bridge"
	"astra-collide/internal/engine"
	"astra-collide/internal/entity"
	"astra-collide/internal/spatial"
	"astra-collide/internal/vmath"
)

// ============================================================================
// Mock Implementations
// ============================================================================

// MockWorld implements api.WorldInterface for testing
type MockWorld struct {
	mu     sync.Mutex
	live   map[entity.ID]bool
	nextID entity.ID
}

func NewMockWorld() *MockWorld {
	return &MockWorld{live: make(map[entity.ID]bool), nextID: 1}
}

func (m *MockWorld) Spawn(n int) []entity.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]entity.ID, 0, n)
	for i := 0; i < n; i++ {
		m.live[m.nextID] = true
		ids = append(ids, m.nextID)
		m.nextID++
	}
	return ids
}

func (m *MockWorld) Despawn(ids []entity.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if m.live[id] {
			delete(m.live, id)
			n++
		}
	}
	return n
}

func (m *MockWorld) DespawnRandom(n int) []entity.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.ID
	for id := range m.live {
		if len(out) == n {
			break
		}
		delete(m.live, id)
		out = append(out, id)
	}
	return out
}

func (m *MockWorld) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// tickedEngine returns a real engine that has completed one tick over two
// touching spheres.
func tickedEngine(t *testing.T) *engine.Engine {
	t.Helper()
	store := bridge.NewMapStore()
	store.Put(1, bridge.Body{Position: vmath.Vec3{0, 0, 0}, Radius: 1})
	store.Put(2, bridge.Body{Position: vmath.Vec3{1, 0, 0}, Radius: 1})
	store.Put(3, bridge.Body{Position: vmath.Vec3{20, 20, 0}, Radius: 1})
	eng, err := engine.New(store, engine.DefaultConfig())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	if _, err := eng.Step(0); err != nil {
		t.Fatalf("Step: %v", err)
	}
	return eng
}

func newTestRouter(eng api.EngineInterface, world api.WorldInterface) http.Handler {
	return api.NewRouter(api.RouterConfig{
		Engine: eng,
		World:  world,
		RateLimitConfig: &api.RateLimitConfig{
			RequestsPerSecond: 1000, // High limit for tests
			Burst:             1000,
		},
		DisableLogging: true,
	})
}

func getJSON(t *testing.T, h http.Handler, path string, out interface{}) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("%s: invalid JSON: %v", path, err)
		}
	}
	return rec.Code
}

func postJSON(t *testing.T, h http.Handler, path, body string, out interface{}) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("%s: invalid JSON: %v", path, err)
		}
	}
	return rec.Code
}

// ============================================================================
// Endpoint Tests
// ============================================================================

func TestHealth(t *testing.T) {
	eng := tickedEngine(t)
	var body map[string]interface{}
	if code := getJSON(t, newTestRouter(eng, nil), "/health", &body); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if body["status"] != "ok" || body["runId"] != eng.RunID() {
		t.Errorf("Unexpected health body %v", body)
	}
}

func TestStatsBeforeFirstTick(t *testing.T) {
	eng, err := engine.New(bridge.NewMapStore(), engine.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	h := newTestRouter(eng, nil)

	var body map[string]interface{}
	if code := getJSON(t, h, "/api/stats", &body); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if body["ready"] != false {
		t.Errorf("Expected ready=false, got %v", body["ready"])
	}
	for _, path := range []string{"/api/timings", "/api/collisions", "/api/grid", "/api/grid/heatmap.png"} {
		if code := getJSON(t, h, path, nil); code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503 before first tick, got %d", path, code)
		}
	}
}

func TestStats(t *testing.T) {
	h := newTestRouter(tickedEngine(t), nil)

	var body struct {
		Ready       bool               `json:"ready"`
		Tick        uint64             `json:"tick"`
		Diagnostics engine.Diagnostics `json:"diagnostics"`
		Grid        spatial.GridStats  `json:"grid"`
		Totals      engine.Totals      `json:"totals"`
	}
	if code := getJSON(t, h, "/api/stats", &body); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if !body.Ready || body.Tick != 1 {
		t.Errorf("Unexpected header %+v", body)
	}
	if body.Diagnostics.Entities != 3 || body.Diagnostics.Collisions != 1 {
		t.Errorf("Unexpected diagnostics %+v", body.Diagnostics)
	}
	if body.Grid.Entities != 3 || body.Totals.Ticks != 1 {
		t.Errorf("Unexpected grid/totals %+v %+v", body.Grid, body.Totals)
	}
}

func TestTimings(t *testing.T) {
	h := newTestRouter(tickedEngine(t), nil)

	var body struct {
		Phases []struct {
			Phase string  `json:"phase"`
			Share float64 `json:"share"`
		} `json:"phases"`
		Report string `json:"report"`
	}
	if code := getJSON(t, h, "/api/timings", &body); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(body.Phases) != len(engine.Phases) {
		t.Fatalf("Expected %d phases, got %d", len(engine.Phases), len(body.Phases))
	}
	total := 0.0
	for i, p := range body.Phases {
		if p.Phase != engine.Phases[i] {
			t.Errorf("Phase %d: expected %s, got %s", i, engine.Phases[i], p.Phase)
		}
		total += p.Share
	}
	if total > 1.0001 {
		t.Errorf("Shares sum to %v", total)
	}
	if !strings.Contains(body.Report, "build_index") {
		t.Errorf("Report missing phases: %s", body.Report)
	}
}

func TestCollisions(t *testing.T) {
	h := newTestRouter(tickedEngine(t), nil)

	var body struct {
		Total     int `json:"total"`
		Truncated int `json:"truncated"`
		Events    []struct {
			A entity.ID `json:"a"`
			B entity.ID `json:"b"`
		} `json:"events"`
	}
	if code := getJSON(t, h, "/api/collisions", &body); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if body.Total != 1 || len(body.Events) != 1 || body.Events[0].A != 1 || body.Events[0].B != 2 {
		t.Errorf("Unexpected collisions %+v", body)
	}

	getJSON(t, h, "/api/collisions?limit=0", &body)
	if len(body.Events) != 0 || body.Truncated != 1 {
		t.Errorf("limit=0 should truncate everything, got %+v", body)
	}
}

func TestGrid(t *testing.T) {
	h := newTestRouter(tickedEngine(t), nil)

	var body struct {
		Stats    spatial.GridStats   `json:"stats"`
		HotCells []spatial.CellCount `json:"hotCells"`
	}
	if code := getJSON(t, h, "/api/grid?top=1", &body); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if body.Stats.Entities != 3 || body.Stats.CellSize <= 0 {
		t.Errorf("Unexpected stats %+v", body.Stats)
	}
	if len(body.HotCells) != 1 || body.HotCells[0].Count != body.Stats.MaxInCell {
		t.Errorf("Expected the fullest cell first, got %+v (max %d)", body.HotCells, body.Stats.MaxInCell)
	}
}

func TestGridHeatmap(t *testing.T) {
	h := newTestRouter(tickedEngine(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/grid/heatmap.png?size=128", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Expected image/png, got %s", ct)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("Invalid PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 128 || b.Dy() != 128 {
		t.Errorf("Expected 128x128, got %v", b)
	}
}

func TestRenderHeatmapClampsSize(t *testing.T) {
	var buf bytes.Buffer
	cells := []spatial.CellCount{{Key: spatial.CellKey{X: -3, Y: 2}, Count: 4}, {Key: spatial.CellKey{X: 5, Y: -1}, Count: 1}}
	if err := api.RenderHeatmap(&buf, cells, 1); err != nil {
		t.Fatalf("RenderHeatmap: %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("Invalid PNG: %v", err)
	}
	if img.Bounds().Dx() != api.MinHeatmapSize {
		t.Errorf("Expected size clamped to %d, got %d", api.MinHeatmapSize, img.Bounds().Dx())
	}
}

func TestSpawnDespawn(t *testing.T) {
	world := NewMockWorld()
	h := newTestRouter(tickedEngine(t), world)

	var spawned struct {
		Spawned int `json:"spawned"`
		Total   int `json:"total"`
	}
	if code := postJSON(t, h, "/api/entities/spawn", `{"count":5}`, &spawned); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if spawned.Spawned != 5 || spawned.Total != 5 {
		t.Errorf("Unexpected spawn result %+v", spawned)
	}

	var despawned struct {
		Despawned int `json:"despawned"`
		Total     int `json:"total"`
	}
	postJSON(t, h, "/api/entities/despawn", `{"ids":[1,2,99]}`, &despawned)
	if despawned.Despawned != 2 || despawned.Total != 3 {
		t.Errorf("Unexpected despawn by id %+v", despawned)
	}
	postJSON(t, h, "/api/entities/despawn", `{"count":10}`, &despawned)
	if despawned.Despawned != 3 || despawned.Total != 0 {
		t.Errorf("Unexpected random despawn %+v", despawned)
	}
}

func TestSpawnValidation(t *testing.T) {
	h := newTestRouter(tickedEngine(t), NewMockWorld())

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"malformed", "/api/entities/spawn", `{`, http.StatusBadRequest},
		{"zero count", "/api/entities/spawn", `{"count":0}`, http.StatusBadRequest},
		{"empty despawn", "/api/entities/despawn", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := postJSON(t, h, tt.path, tt.body, nil); code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, code)
			}
		})
	}

	noWorld := newTestRouter(tickedEngine(t), nil)
	if code := postJSON(t, noWorld, "/api/entities/spawn", `{"count":1}`, nil); code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without a world, got %d", code)
	}
}

func TestSpawnCapped(t *testing.T) {
	world := NewMockWorld()
	h := api.NewRouter(api.RouterConfig{
		Engine:          tickedEngine(t),
		World:           world,
		MaxSpawn:        10,
		RateLimitConfig: &api.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
		DisableLogging:  true,
	})
	postJSON(t, h, "/api/entities/spawn", `{"count":500}`, nil)
	if world.Len() != 10 {
		t.Errorf("Expected spawn capped at 10, got %d", world.Len())
	}
}

func TestPopulationLimitChargesPerEntity(t *testing.T) {
	world := NewMockWorld()
	h := api.NewRouter(api.RouterConfig{
		Engine:          tickedEngine(t),
		World:           world,
		MaxSpawn:        100,
		RateLimitConfig: &api.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
		PopulationLimit: &api.PopulationLimitConfig{EntitiesPerSecond: 0.001, Burst: 100},
		DisableLogging:  true,
	})

	if code := postJSON(t, h, "/api/entities/spawn", `{"count":60}`, nil); code != http.StatusOK {
		t.Fatalf("First spawn: expected 200, got %d", code)
	}
	if code := postJSON(t, h, "/api/entities/spawn", `{"count":60}`, nil); code != http.StatusTooManyRequests {
		t.Errorf("Second spawn: expected 429, got %d", code)
	}
	if code := postJSON(t, h, "/api/entities/despawn", `{"count":30}`, nil); code != http.StatusOK {
		t.Errorf("Despawn within budget: expected 200, got %d", code)
	}
	if code := postJSON(t, h, "/api/entities/despawn", `{"ids":[1,2,3,4,5,6,7,8,9,10,11]}`, nil); code != http.StatusTooManyRequests {
		t.Errorf("Despawn over budget: expected 429, got %d", code)
	}
	if world.Len() != 30 {
		t.Errorf("Expected 30 live entities, got %d", world.Len())
	}

	// Plain reads are not charged against the population budget.
	if code := getJSON(t, h, "/api/stats", nil); code != http.StatusOK {
		t.Errorf("Stats: expected 200, got %d", code)
	}
}

func TestPopulationBurstCoversSpawnCap(t *testing.T) {
	world := NewMockWorld()
	h := api.NewRouter(api.RouterConfig{
		Engine:          tickedEngine(t),
		World:           world,
		MaxSpawn:        100,
		RateLimitConfig: &api.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
		PopulationLimit: &api.PopulationLimitConfig{EntitiesPerSecond: 1, Burst: 5},
		DisableLogging:  true,
	})

	if code := postJSON(t, h, "/api/entities/spawn", `{"count":100}`, nil); code != http.StatusOK {
		t.Fatalf("Full-size spawn: expected 200, got %d", code)
	}
	if world.Len() != 100 {
		t.Errorf("Expected 100 entities, got %d", world.Len())
	}
}

func TestDespawnRejectsTooManyIDs(t *testing.T) {
	h := api.NewRouter(api.RouterConfig{
		Engine:          tickedEngine(t),
		World:           NewMockWorld(),
		MaxSpawn:        2,
		RateLimitConfig: &api.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
		DisableLogging:  true,
	})
	if code := postJSON(t, h, "/api/entities/despawn", `{"ids":[1,2,3]}`, nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", code)
	}
}

// ============================================================================
// Rate Limiting Tests
// ============================================================================

func TestRateLimitRejects(t *testing.T) {
	limiter := api.NewIPRateLimiter(api.RateLimitConfig{RequestsPerSecond: 1, Burst: 2})
	defer limiter.Stop()
	h := api.NewRouter(api.RouterConfig{
		Engine:         tickedEngine(t),
		RateLimiter:    limiter,
		DisableLogging: true,
	})

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		codes = append(codes, getJSON(t, h, "/health", nil))
	}
	if codes[0] != http.StatusOK || codes[3] != http.StatusTooManyRequests {
		t.Errorf("Expected burst then 429, got %v", codes)
	}
	if limiter.GetStats()["rejected"] == 0 {
		t.Error("Expected rejections to be counted")
	}
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if ip := api.GetClientIP(req); ip != "10.0.0.1" {
		t.Errorf("Expected RemoteAddr host, got %s", ip)
	}
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	if ip := api.GetClientIP(req); ip != "1.2.3.4" {
		t.Errorf("Expected first forwarded IP, got %s", ip)
	}
}

func TestAllowedOrigins(t *testing.T) {
	api.SetAllowedOrigins([]string{"https://dash.example.com"})
	defer api.SetAllowedOrigins(nil)

	for origin, want := range map[string]bool{
		"http://localhost:5173":     true,
		"http://127.0.0.1":          true,
		"https://dash.example.com":  true,
		"https://evil.example.com":  false,
		"http://localhost.evil.com": false,
		"":                          false,
	} {
		if got := api.IsAllowedOrigin(origin); got != want {
			t.Errorf("IsAllowedOrigin(%q) = %v, want %v", origin, got, want)
		}
	}
}

// ============================================================================
// WebSocket Tests
// ============================================================================

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

func TestWebSocketBroadcastFormats(t *testing.T) {
	eng := tickedEngine(t)
	srv := api.NewServer(eng, nil, api.ServerOptions{})
	hub := srv.Hub()
	go hub.Run()
	hub.StartBroadcastLoop(eng, 10*time.Millisecond)
	defer srv.Shutdown(context.Background())

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	jsonConn := dialWS(t, ts, "")
	defer jsonConn.Close()
	mpConn := dialWS(t, ts, "?format=msgpack")
	defer mpConn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 2 {
		t.Fatalf("Expected 2 clients, got %d", hub.ClientCount())
	}
	// A fresh tick guarantees a broadcast that reaches both clients.
	if _, err := eng.Step(0); err != nil {
		t.Fatalf("Step: %v", err)
	}

	jsonConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := jsonConn.ReadMessage()
	if err != nil {
		t.Fatalf("JSON read: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Errorf("Expected text frame, got %d", kind)
	}
	var msg struct {
		Event string          `json:"event"`
		Data  api.TickMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Invalid JSON frame: %v", err)
	}
	if msg.Event != "tick" || msg.Data.Tick == 0 || msg.Data.Collisions != 1 {
		t.Errorf("Unexpected JSON message %+v", msg)
	}

	mpConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err = mpConn.ReadMessage()
	if err != nil {
		t.Fatalf("msgpack read: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Errorf("Expected binary frame, got %d", kind)
	}
	var mp struct {
		Event string          `msgpack:"event"`
		Data  api.TickMessage `msgpack:"data"`
	}
	if err := msgpack.Unmarshal(data, &mp); err != nil {
		t.Fatalf("Invalid msgpack frame: %v", err)
	}
	if mp.Event != "tick" || mp.Data.Entities != 3 || len(mp.Data.Phases) != len(engine.Phases) {
		t.Errorf("Unexpected msgpack message %+v", mp)
	}
}

func TestWebSocketRateLimiter(t *testing.T) {
	wrl := api.NewWebSocketRateLimiter(2)
	if !wrl.Allow("1.1.1.1") || !wrl.Allow("1.1.1.1") {
		t.Fatal("First two connections should be allowed")
	}
	if wrl.Allow("1.1.1.1") {
		t.Error("Third connection should be rejected")
	}
	wrl.Release("1.1.1.1")
	if wrl.GetConnectionCount("1.1.1.1") != 1 {
		t.Errorf("Expected 1 connection, got %d", wrl.GetConnectionCount("1.1.1.1"))
	}
	if !wrl.Allow("1.1.1.1") {
		t.Error("Released slot should be reusable")
	}
}

func TestRecordTickDoesNotPanic(t *testing.T) {
	eng := tickedEngine(t)
	res, err := eng.Step(0)
	if err != nil {
		t.Fatal(err)
	}
	api.RecordTick(res)
	api.RecordAbort()
	api.UpdateEventLogStats(engine.EventLogStats{Total: 3, Dropped: 1})
}

func TestDebugHandler(t *testing.T) {
	res, err := tickedEngine(t).Step(0)
	if err != nil {
		t.Fatal(err)
	}
	api.RecordTick(res)

	h := api.DebugHandler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tick_phase_duration_seconds") {
		t.Error("Expected phase histogram in /metrics output")
	}
}
