package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/use-agent/shopmetrics/api/handler"
	"github.com/use-agent/shopmetrics/authlock"
	"github.com/use-agent/shopmetrics/config"
	"github.com/use-agent/shopmetrics/ledger"
	"github.com/use-agent/shopmetrics/worker"
)

func testRun(t *testing.T) *handler.Run {
	t.Helper()
	lock := authlock.New(t.TempDir(), "worker-0", time.Minute)
	if !lock.Acquire() {
		t.Fatal("acquire failed")
	}
	l := ledger.New(5)
	l.Record(ledger.Sample{Probe: "traffic.rpc", OK: true, Latency: time.Second})
	return &handler.Run{
		ID:          "run-1",
		DateRange:   "2026-08-15",
		StartedAt:   time.Now(),
		Assigned:    []int{3, 2, 2},
		Board:       worker.NewBoard(),
		Lock:        lock,
		Ledger:      l,
		MaxPages:    4,
		ActivePages: func() int { return 4 },
	}
}

func get(r http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth_NoAuthAndDegraded(t *testing.T) {
	r := NewRouter(testRun(t), config.ServerConfig{Mode: "test", APIKeys: []string{"k"}})
	w := get(r, "/api/v1/health")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded at full page use", body.Status)
	}
}

func TestStatus_RequiresKey(t *testing.T) {
	r := NewRouter(testRun(t), config.ServerConfig{Mode: "test", APIKeys: []string{"k"}})

	if w := get(r, "/api/v1/status"); w.Code != http.StatusUnauthorized {
		t.Errorf("no key: code = %d", w.Code)
	}
	if w := get(r, "/api/v1/status", "X-API-Key", "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad key: code = %d", w.Code)
	}
	w := get(r, "/api/v1/status", "Authorization", "Bearer k")
	if w.Code != http.StatusOK {
		t.Fatalf("good key: code = %d", w.Code)
	}
	var body handler.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.RunID != "run-1" || len(body.Assigned) != 3 || body.Lock == nil || body.Lock.Holder != "worker-0" {
		t.Errorf("body = %+v", body)
	}
}

func TestLedger_OpenWithoutKeys(t *testing.T) {
	r := NewRouter(testRun(t), config.ServerConfig{Mode: "test"})
	w := get(r, "/api/v1/ledger")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var body struct {
		Probes []ledger.Stats `json:"probes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Probes) != 1 || body.Probes[0].Probe != "traffic.rpc" || body.Probes[0].SuccessRate != 1 {
		t.Errorf("probes = %+v", body.Probes)
	}
}
