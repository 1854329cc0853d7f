package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/codetalk/picrelay/telemetry"
	"github.com/codetalk/picrelay/testutil"
)

func TestHealthz(t *testing.T) {
	database := testutil.SetupTestDB(t)
	telemetry.Init()
	h := NewMux(context.Background(), database)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", rr.Code)
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing correlation id header")
	}
}

func TestReadyz(t *testing.T) {
	database := testutil.SetupTestDB(t)
	telemetry.Init()
	if _, err := database.Exec(`DELETE FROM oauth_tokens WHERE provider='imgur'`); err != nil {
		t.Fatal(err)
	}
	if _, err := database.Exec(`DELETE FROM kv WHERE key='circuit_state'`); err != nil {
		t.Fatal(err)
	}
	h := NewMux(context.Background(), database)

	// No credentials at all: not ready.
	t.Setenv("IMGUR_CLIENT_ID", "")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz without credentials = %d, want 503", rr.Code)
	}

	// Anonymous client id is enough.
	t.Setenv("IMGUR_CLIENT_ID", "cid")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz with client id = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}

	// An open circuit makes the service not ready.
	if _, err := database.Exec(`INSERT INTO kv (key, value) VALUES ('circuit_state','open')
		ON CONFLICT (key) DO UPDATE SET value='open'`); err != nil {
		t.Fatal(err)
	}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with open circuit = %d, want 503", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["failed_check"] != "circuit_breaker" {
		t.Errorf("failed_check = %s", body["failed_check"])
	}
	if _, err := database.Exec(`UPDATE kv SET value='closed' WHERE key='circuit_state'`); err != nil {
		t.Fatal(err)
	}
}

func TestStatus(t *testing.T) {
	database := testutil.SetupTestDB(t)
	telemetry.Init()
	if _, err := database.Exec(`DELETE FROM uploads`); err != nil {
		t.Fatal(err)
	}
	if _, err := database.Exec(`INSERT INTO uploads (id, owner_id, status) VALUES ('s1', 1, 'pending'), ('s2', 1, 'done')`); err != nil {
		t.Fatal(err)
	}
	h := NewMux(context.Background(), database)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["pending"] != float64(1) || body["done"] != float64(1) {
		t.Errorf("counts = pending:%v done:%v", body["pending"], body["done"])
	}
	if _, ok := body["circuit_state"]; !ok {
		t.Error("missing circuit_state")
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /status = %d, want 405", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	database := testutil.SetupTestDB(t)
	telemetry.Init()
	h := NewMux(context.Background(), database)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rr.Code)
	}
}
