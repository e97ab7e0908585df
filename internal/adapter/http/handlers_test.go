package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ensembleworks/ensemble/internal/config"
	"github.com/ensembleworks/ensemble/internal/port/broadcast"
	"github.com/ensembleworks/ensemble/internal/port/model"
	"github.com/ensembleworks/ensemble/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// okInvoker answers every model call with a fixed completion.
type okInvoker struct{}

func (okInvoker) Complete(context.Context, string, []model.Message) (*model.Completion, error) {
	return &model.Completion{Text: "done", TokensIn: 5, TokensOut: 3}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *service.Orchestrator, *service.SwarmCoordinator) {
	t.Helper()
	log := testLogger()

	coordCfg := config.Coordinator{
		HeartbeatInterval: time.Hour,
		MonitorInterval:   time.Hour,
		CleanupInterval:   time.Hour,
		EventHistoryLimit: 1000,
		SwarmQuorum:       0.5,
		SequentialRetries: 1,
		SandboxRoot:       t.TempDir(),
	}
	coord := service.NewSwarmCoordinator(coordCfg, broadcast.Nop{}, nil, log)

	executor := service.NewAgentExecutor(okInvoker{}, log)
	registry := service.NewStrategyRegistry(executor, coord, coordCfg.SequentialRetries, log)
	orch := service.NewOrchestrator(
		config.Orchestrator{
			Enabled:             true,
			ComplexityThreshold: 0.4,
			MaxConcurrentAgents: 10,
			MaxMemoryMB:         2048,
			TimeoutMinutes:      10,
		},
		service.NewHeuristicAnalyzer(),
		service.NewAgentFactory(),
		coord,
		registry,
		service.NewPerformanceMonitor(0),
		nil,
		log,
	)
	if err := orch.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { orch.Shutdown(context.Background()) })

	srv := httptest.NewServer(NewRouter(NewHandlers(orch, coord), ""))
	t.Cleanup(srv.Close)
	return srv, orch, coord
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestDecideEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/orchestrations/decide",
		map[string]string{"description": "Design the microservices architecture with a distributed database layer"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]bool](t, resp)
	if !body["orchestrate"] {
		t.Fatal("complex task must be recommended for orchestration")
	}

	resp = postJSON(t, srv.URL+"/api/v1/orchestrations/decide",
		map[string]string{"description": "Fix a typo in the README file"})
	body = decode[map[string]bool](t, resp)
	if body["orchestrate"] {
		t.Fatal("trivial task must not be recommended for orchestration")
	}
}

func TestOrchestrateEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/orchestrations",
		map[string]string{"description": "Fix a typo in the README file", "mode": "sequential"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	res := decode[service.Result](t, resp)
	if !res.Success {
		t.Fatalf("orchestration failed: %s", res.Error)
	}
	if res.Strategy != "sequential" {
		t.Fatalf("strategy = %s", res.Strategy)
	}
}

func TestOrchestrateEndpointValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/orchestrations", map[string]string{"description": "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank description: status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := http.Post(srv.URL+"/api/v1/orchestrations", "application/json",
		bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

// A failing orchestration still returns 200: the result carries the
// failure, the transport does not.
func TestOrchestrateEndpointNonThrowing(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/orchestrations",
		map[string]string{"description": "Fix a typo in the README file", "mode": "quantum"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	res := decode[service.Result](t, resp)
	if res.Success {
		t.Fatal("unknown mode must fail inside the result")
	}
	if res.ErrorKind != "configuration" {
		t.Fatalf("error kind = %s", res.ErrorKind)
	}
}

func TestCancelUnknownTaskEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/tasks/nope/cancel", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMetricsEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/orchestrations",
		map[string]string{"description": "Fix a typo in the README file"})
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/v1/metrics")
	if err != nil {
		t.Fatal(err)
	}
	m := decode[service.Metrics](t, resp)
	if m.TotalTasks != 1 {
		t.Fatalf("total tasks = %d, want 1", m.TotalTasks)
	}

	resp = postJSON(t, srv.URL+"/api/v1/metrics/reset", nil)
	m = decode[service.Metrics](t, resp)
	if m.TotalTasks != 0 {
		t.Fatalf("total tasks after reset = %d", m.TotalTasks)
	}
}

func TestConfigEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/config")
	if err != nil {
		t.Fatal(err)
	}
	cfg := decode[map[string]any](t, resp)
	if len(cfg) == 0 {
		t.Fatal("config must not be empty")
	}

	patch := func(body string) *http.Response {
		req, err := http.NewRequest(http.MethodPatch, srv.URL+"/api/v1/config",
			bytes.NewReader([]byte(body)))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	resp = patch(`{"complexityThreshold": 1.5}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid threshold: status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = patch(`{"complexityThreshold": 0.7, "maxConcurrentAgents": 5}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid patch: status = %d", resp.StatusCode)
	}
	updated := decode[config.Orchestrator](t, resp)
	if updated.ComplexityThreshold != 0.7 || updated.MaxConcurrentAgents != 5 {
		t.Fatalf("config not applied: %+v", updated)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, orch, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	h := decode[service.Health](t, resp)
	if !h.Healthy {
		t.Fatalf("health = %+v", h)
	}

	// A stopped coordinator flips health to 503.
	orch.Shutdown(context.Background())
	resp, err = http.Get(srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status after shutdown = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSwarmEndpoints(t *testing.T) {
	srv, _, coord := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/swarm/pause", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause: status = %d", resp.StatusCode)
	}
	state := decode[map[string]string](t, resp)
	if state["state"] != "paused" {
		t.Fatalf("state = %s, want paused", state["state"])
	}

	// Pausing twice is a configuration error.
	resp = postJSON(t, srv.URL+"/api/v1/swarm/pause", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("double pause: status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/v1/swarm/resume", nil)
	state = decode[map[string]string](t, resp)
	if state["state"] != "executing" {
		t.Fatalf("state = %s, want executing", state["state"])
	}

	resp, err := http.Get(srv.URL + "/api/v1/swarm")
	if err != nil {
		t.Fatal(err)
	}
	metrics := decode[service.CoordinatorMetrics](t, resp)
	if metrics.EventsEmitted == 0 {
		t.Fatal("swarm metrics must report emitted events")
	}
	if metrics.State != coord.State() {
		t.Fatalf("reported state %s != %s", metrics.State, coord.State())
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// Run one orchestration to generate a task event trail.
	resp := postJSON(t, srv.URL+"/api/v1/orchestrations",
		map[string]string{"description": "Fix a typo in the README file"})
	res := decode[service.Result](t, resp)

	url := fmt.Sprintf("%s/api/v1/events?correlation_id=%s", srv.URL, res.TaskID)
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	body := decode[map[string]json.RawMessage](t, resp)
	var events []map[string]any
	if err := json.Unmarshal(body["events"], &events); err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 {
		t.Fatal("orchestration must leave an event trail")
	}

	resp, err = http.Get(srv.URL + "/api/v1/events?limit=bogus")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}
