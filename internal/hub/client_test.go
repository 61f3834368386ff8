package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/flame-hub/pod-orchestrator/internal/repository"
)

func newHubServers(t *testing.T, coreHandler http.HandlerFunc) (auth, core *httptest.Server) {
	t.Helper()

	auth = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "robot-token", "expires_in": 3600})
	}))
	t.Cleanup(auth.Close)

	core = httptest.NewServer(coreHandler)
	t.Cleanup(core.Close)
	return auth, core
}

func newTestClient(auth, core *httptest.Server) *Client {
	return New(Config{
		RobotID:     "robot-1",
		RobotSecret: "secret",
		URLCore:     core.URL,
		URLAuth:     auth.URL,
	}, nil, nil)
}

func TestResolveNodeID(t *testing.T) {
	auth, core := newHubServers(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/nodes" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer robot-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.URL.Query().Get("filter[robot_id]"); got != "robot-1" {
			t.Errorf("robot filter = %q", got)
		}
		_ = json.NewEncoder(w).Encode([]map[string]string{{"id": "node-uuid-1"}})
	})

	c := newTestClient(auth, core)
	nodeID, err := c.ResolveNodeID(context.Background())
	if err != nil {
		t.Fatalf("ResolveNodeID: %v", err)
	}
	if nodeID != "node-uuid-1" {
		t.Errorf("nodeID = %s", nodeID)
	}
}

func TestUpdateRunStatusRemapsStuck(t *testing.T) {
	var reported atomic.Value
	auth, core := newHubServers(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		reported.Store(payload["run_status"])
		w.WriteHeader(http.StatusOK)
	})

	c := newTestClient(auth, core)
	if err := c.UpdateRunStatus(context.Background(), "an-1", repository.StatusStuck, nil); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	if got := reported.Load(); got != "failed" {
		t.Errorf("hub received run_status %v, want failed", got)
	}
}

func TestUpdateRunStatusIncludesProgress(t *testing.T) {
	var payload map[string]any
	auth, core := newHubServers(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
	})

	c := newTestClient(auth, core)
	progress := 75
	if err := c.UpdateRunStatus(context.Background(), "an-1", repository.StatusRunning, &progress); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	if payload["execution_progress"] != float64(75) {
		t.Errorf("execution_progress = %v", payload["execution_progress"])
	}
}

func TestPostLog(t *testing.T) {
	var path string
	var payload map[string]any
	auth, core := newHubServers(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusCreated)
	})

	c := newTestClient(auth, core)
	if err := c.PostLog(context.Background(), "a1", "node-1", LogError, "failed", "startup error"); err != nil {
		t.Fatalf("PostLog: %v", err)
	}
	if path != "/analysis-node-logs" {
		t.Errorf("path = %s", path)
	}
	if payload["analysis_id"] != "a1" || payload["node_id"] != "node-1" {
		t.Errorf("payload identity = %v", payload)
	}
	if payload["level"] != "error" || payload["status"] != "failed" || payload["message"] != "startup error" {
		t.Errorf("payload = %v", payload)
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	auth, core := newHubServers(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	c := newTestClient(auth, core)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = c.UpdateRunStatus(ctx, "an-1", repository.StatusRunning, nil)
	}

	// After three consecutive failures the breaker is open: later calls
	// fail fast without reaching the Hub.
	if calls.Load() > 3 {
		t.Errorf("hub reached %d times, breaker should have opened after 3", calls.Load())
	}
	if err := c.UpdateRunStatus(ctx, "an-1", repository.StatusRunning, nil); err == nil {
		t.Error("expected open-breaker error")
	}
}

func TestRobotTokenCached(t *testing.T) {
	var tokenMints atomic.Int32
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenMints.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "robot-token", "expires_in": 3600})
	}))
	defer auth.Close()

	core := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{{"id": "node-uuid-1"}})
	}))
	defer core.Close()

	c := newTestClient(auth, core)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.ResolveNodeID(ctx); err != nil {
			t.Fatalf("ResolveNodeID: %v", err)
		}
	}
	if tokenMints.Load() != 1 {
		t.Errorf("robot token minted %d times, want 1", tokenMints.Load())
	}
}
