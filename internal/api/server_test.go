package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
	"github.com/nerrad567/gray-logic-cfu/internal/cfu/protocol"
	"github.com/nerrad567/gray-logic-cfu/internal/cfu/service"
	"github.com/nerrad567/gray-logic-cfu/internal/client"
	"github.com/nerrad567/gray-logic-cfu/internal/history"
	"github.com/nerrad567/gray-logic-cfu/internal/host"
	"github.com/nerrad567/gray-logic-cfu/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-cfu/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-cfu/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-cfu/internal/sim"
	_ "github.com/nerrad567/gray-logic-cfu/migrations"
)

type testEnv struct {
	srv     *Server
	router  http.Handler
	svc     *service.Context
	comps   map[cfu.ComponentID]*sim.Component
	history history.Repository
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
}

// testServer wires a server to a running update engine with two simulated
// components and a migrated SQLite history.
func testServer(t *testing.T) *testEnv {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	svc := service.New(service.Options{RequestTimeout: 5 * time.Second})
	comps := make(map[cfu.ComponentID]*sim.Component)
	for _, c := range []sim.Config{
		{ID: 1, Name: "primary", Version: protocol.FwVersion{Major: 1}},
		{ID: 2, Name: "sensor", Version: protocol.FwVersion{Major: 3, Minor: 1}},
	} {
		comp := sim.New(c)
		comps[c.ID] = comp
		if err := svc.RegisterDevice(cfu.NewDevice(c.ID, comp)); err != nil {
			t.Fatalf("RegisterDevice(%d) error = %v", c.ID, err)
		}
	}

	cl, err := client.New(svc)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cl.Run(ctx)
	}()

	db, err := database.Open(ctx, config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "cfu.db"), BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	repo := history.NewSQLiteRepository(db.DB)

	t.Cleanup(func() {
		cancel()
		<-done
		db.Close() //nolint:errcheck // Test cleanup
	})

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:         "127.0.0.1",
			Port:         0,
			Timeouts:     config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
			MaxImageSize: 64,
		},
		WS:         testWSConfig(),
		Logger:     testLogger(),
		Components: svc,
		Updater:    host.NewDriver(svc, host.Options{ChunkSize: 16}),
		History:    repo,
		DB:         db.DB,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	go srv.hub.Run(ctx)

	return &testEnv{srv: srv, router: srv.buildRouter(), svc: svc, comps: comps, history: repo}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

// ─── Server Tests ──────────────────────────────────────────────────

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{Components: service.New(service.Options{})}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without component source should fail")
	}
}

func TestNew_BodyLimitCoversEncodedImage(t *testing.T) {
	srv, err := New(Deps{
		Config:     config.APIConfig{MaxImageSize: 3 << 20},
		Logger:     testLogger(),
		Components: service.New(service.Options{}),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if want := int64(maxRequestBodySize + 4<<20); srv.bodyLimit != want {
		t.Errorf("bodyLimit = %d, want %d", srv.bodyLimit, want)
	}
	if !srv.ownHub || srv.Hub() == nil {
		t.Error("server should create its own hub")
	}
}

func TestHealthCheck_NotStarted(t *testing.T) {
	env := testServer(t)
	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() before Start error = %v", err)
	}
}

// ─── Health and Middleware Tests ───────────────────────────────────

func TestHealth(t *testing.T) {
	env := testServer(t)
	w := env.do(t, http.MethodGet, "/api/v1/health", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	resp := decode[map[string]any](t, w)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("health = %v", resp)
	}
	if resp["components"] != float64(2) {
		t.Errorf("components = %v, want 2", resp["components"])
	}
}

func TestRequestID(t *testing.T) {
	env := testServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/health", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS(t *testing.T) {
	env := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/components", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q", got)
	}

	env.srv.cfg.CORS.AllowedOrigins = []string{"https://admin.local"}
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO for disallowed origin = %q, want empty", got)
	}
}

func TestNotFound(t *testing.T) {
	env := testServer(t)
	if w := env.do(t, http.MethodGet, "/api/v1/nonexistent", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestJoinOrDefault(t *testing.T) {
	if got := joinOrDefault(nil, "GET"); got != "GET" {
		t.Errorf("joinOrDefault(nil) = %q", got)
	}
	if got := joinOrDefault([]string{"GET", "POST"}, "x"); got != "GET, POST" {
		t.Errorf("joinOrDefault = %q", got)
	}
}

// ─── Component Tests ───────────────────────────────────────────────

func TestListComponents(t *testing.T) {
	env := testServer(t)
	w := env.do(t, http.MethodGet, "/api/v1/components", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	resp := decode[struct {
		Components []service.ComponentStatus `json:"components"`
		Count      int                       `json:"count"`
	}](t, w)
	if resp.Count != 2 || len(resp.Components) != 2 {
		t.Fatalf("count = %d, components = %d", resp.Count, len(resp.Components))
	}
	if resp.Components[0].ID != 1 || resp.Components[0].State.State != cfu.StateIdle {
		t.Errorf("first component = %+v", resp.Components[0])
	}
}

func TestGetComponent(t *testing.T) {
	env := testServer(t)

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/components/2", http.StatusOK},
		{"/api/v1/components/9", http.StatusNotFound},
		{"/api/v1/components/256", http.StatusBadRequest},
		{"/api/v1/components/abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := env.do(t, http.MethodGet, tt.path, nil)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}

	w := env.do(t, http.MethodGet, "/api/v1/components/2", nil)
	if st := decode[service.ComponentStatus](t, w); st.ID != 2 || st.State.State != cfu.StateIdle {
		t.Errorf("component = %+v", st)
	}
}

type fakeSessions struct {
	results []string
}

func (f *fakeSessions) WriteSession(_ uint8, result string, _ int, _ time.Duration) {
	f.results = append(f.results, result)
}

func TestUpdateComponent(t *testing.T) {
	env := testServer(t)
	sessions := &fakeSessions{}
	env.srv.sessions = sessions

	image := bytes.Repeat([]byte{0x5A}, 40)
	w := env.do(t, http.MethodPost, "/api/v1/components/1/update", UpdateRequest{
		Version: "2.0.0",
		Image:   base64.StdEncoding.EncodeToString(image),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	res := decode[host.Result](t, w)
	if res.Bytes != 40 || res.Blocks != 3 {
		t.Errorf("result bytes/blocks = %d/%d, want 40/3", res.Bytes, res.Blocks)
	}
	if res.From.Major != 1 || res.To.Major != 2 {
		t.Errorf("result from/to = %s/%s", res.From, res.To)
	}
	if got := env.comps[1].Version(); got.Major != 2 {
		t.Errorf("committed version = %s, want 2.0.0", got)
	}
	if len(sessions.results) != 1 || sessions.results[0] != "success" {
		t.Errorf("session points = %v, want [success]", sessions.results)
	}

	w = env.do(t, http.MethodGet, "/api/v1/components/1/history?kind=request", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d", w.Code)
	}
	hist := decode[struct {
		History []history.Entry `json:"history"`
		Count   int             `json:"count"`
	}](t, w)
	if hist.Count != 1 {
		t.Fatalf("request history count = %d, want 1", hist.Count)
	}
	var detail map[string]any
	if err := json.Unmarshal(hist.History[0].Detail, &detail); err != nil {
		t.Fatalf("detail: %v", err)
	}
	if detail["session_id"] != res.SessionID || detail["to"] != "2.0.0" {
		t.Errorf("detail = %v", detail)
	}
	if _, ok := detail["error"]; ok {
		t.Errorf("successful session recorded an error: %v", detail)
	}
}

func TestUpdateComponent_Errors(t *testing.T) {
	env := testServer(t)
	img := base64.StdEncoding.EncodeToString([]byte("firmware"))

	tests := []struct {
		name     string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"unknown component", "/api/v1/components/9/update", UpdateRequest{Version: "2.0.0", Image: img}, http.StatusNotFound, ErrCodeNotFound},
		{"bad version", "/api/v1/components/1/update", UpdateRequest{Version: "two", Image: img}, http.StatusBadRequest, ErrCodeBadRequest},
		{"bad base64", "/api/v1/components/1/update", UpdateRequest{Version: "2.0.0", Image: "%%%"}, http.StatusBadRequest, ErrCodeBadRequest},
		{"empty image", "/api/v1/components/1/update", UpdateRequest{Version: "2.0.0"}, http.StatusBadRequest, ErrCodeBadRequest},
		{"invalid json", "/api/v1/components/1/update", "not an object", http.StatusBadRequest, ErrCodeBadRequest},
		{"image too large", "/api/v1/components/1/update", UpdateRequest{Version: "2.0.0", Image: base64.StdEncoding.EncodeToString(make([]byte, 65))}, http.StatusRequestEntityTooLarge, ErrCodeTooLarge},
		{"up to date", "/api/v1/components/2/update", UpdateRequest{Version: "3.1.0", Image: img}, http.StatusConflict, ErrCodeUpToDate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
			if e := decode[Error](t, w); e.Code != tt.wantErr {
				t.Errorf("code = %q, want %q", e.Code, tt.wantErr)
			}
		})
	}

	// Failed sessions are recorded too.
	entries, err := env.history.GetHistory(context.Background(), 2, history.Query{Limit: 10})
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != history.KindRequest {
		t.Fatalf("history for component 2 = %+v", entries)
	}
	if !strings.Contains(string(entries[0].Detail), "up to date") {
		t.Errorf("detail = %s, want up-to-date error", entries[0].Detail)
	}
}

func TestUpdateComponent_ForceSameVersion(t *testing.T) {
	env := testServer(t)
	w := env.do(t, http.MethodPost, "/api/v1/components/2/update", UpdateRequest{
		Version: "3.1.0",
		Image:   base64.StdEncoding.EncodeToString([]byte("reflash")),
		Force:   true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("forced update status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestComponentHistory_Params(t *testing.T) {
	env := testServer(t)

	tests := []struct {
		query string
		want  int
	}{
		{"", http.StatusOK},
		{"?limit=10", http.StatusOK},
		{"?limit=0", http.StatusBadRequest},
		{"?limit=501", http.StatusBadRequest},
		{"?since=yesterday", http.StatusBadRequest},
		{"?since=2026-10-17T00:00:00Z", http.StatusOK},
		{"?kind=bogus", http.StatusBadRequest},
		{"?kind=transition", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/v1/components/1/history"+tt.query, nil)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}

	if w := env.do(t, http.MethodGet, "/api/v1/components/7/history", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown component history status = %d", w.Code)
	}
}

func TestComponentHistory_Since(t *testing.T) {
	env := testServer(t)
	ctx := context.Background()

	entry, err := history.RequestEntry(1, map[string]string{"note": "old"})
	if err != nil {
		t.Fatalf("RequestEntry() error = %v", err)
	}
	if err := env.history.Record(ctx, entry); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	w := env.do(t, http.MethodGet, "/api/v1/components/1/history?since="+future, nil)
	if got := decode[map[string]any](t, w)["count"]; got != float64(0) {
		t.Errorf("count since future = %v, want 0", got)
	}

	w = env.do(t, http.MethodGet, "/api/v1/components/1/history", nil)
	if got := decode[map[string]any](t, w)["count"]; got != float64(1) {
		t.Errorf("count = %v, want 1", got)
	}
}

func TestOptionalDependencies(t *testing.T) {
	svc := service.New(service.Options{})
	srv, err := New(Deps{Logger: testLogger(), Components: svc, WS: testWSConfig()})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	router := srv.buildRouter()

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/components/1/history"},
		{http.MethodPost, "/api/v1/components/1/update"},
		{http.MethodGet, "/api/v1/inventory"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader("{}"))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s status = %d, want 503", tc.method, tc.path, w.Code)
		}
	}
}

func TestInventory(t *testing.T) {
	env := testServer(t)
	w := env.do(t, http.MethodGet, "/api/v1/inventory", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	resp := decode[struct {
		Components []host.ComponentVersion `json:"components"`
	}](t, w)
	if len(resp.Components) != 2 {
		t.Fatalf("inventory = %+v", resp.Components)
	}
	if v := resp.Components[1].Version; v.Major != 3 || v.Minor != 1 {
		t.Errorf("component 2 version = %s, want 3.1.0", v)
	}
}

// ─── Metrics Tests ─────────────────────────────────────────────────

type fakeBroker struct{ connected bool }

func (b fakeBroker) IsConnected() bool { return b.connected }

func TestSystemMetrics(t *testing.T) {
	env := testServer(t)
	env.srv.mqtt = fakeBroker{connected: true}

	w := env.do(t, http.MethodGet, "/api/v1/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	m := decode[SystemMetrics](t, w)
	if m.Version != "test" || m.Runtime.Goroutines == 0 {
		t.Errorf("metrics = %+v", m)
	}
	if m.Components.Total != 2 || m.Components.ByState["idle"] != 2 {
		t.Errorf("components = %+v", m.Components)
	}
	if !m.MQTT.Configured || !m.MQTT.Connected {
		t.Errorf("mqtt = %+v", m.MQTT)
	}
	if m.Database == nil || m.Database.OpenConnections < 0 {
		t.Errorf("database = %+v", m.Database)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	env := testServer(t)
	w := env.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "# HELP") {
		t.Error("prometheus exposition missing HELP lines")
	}
}
