package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/flame-hub/pod-orchestrator/internal/composer"
	"github.com/flame-hub/pod-orchestrator/internal/hub"
	"github.com/flame-hub/pod-orchestrator/internal/repository"
)

// allowAll accepts any bearer token.
type allowAll struct{}

func (allowAll) Verify(context.Context, string) error { return nil }

// fakeLauncher records launches and applies teardowns against the repo.
type fakeLauncher struct {
	repo      repository.Repository
	launched  []composer.LaunchRequest
	launchErr error
}

func (f *fakeLauncher) Launch(ctx context.Context, req composer.LaunchRequest) (repository.AnalysisGeneration, error) {
	if f.launchErr != nil {
		return repository.AnalysisGeneration{}, f.launchErr
	}
	f.launched = append(f.launched, req)
	gen := repository.AnalysisGeneration{
		DeploymentName: "analysis-" + req.AnalysisID + "-1",
		AnalysisID:     req.AnalysisID,
		ProjectID:      req.ProjectID,
		Ordinal:        1,
		Namespace:      req.Namespace,
		Status:         repository.StatusStarted,
		RestartCounter: req.RestartCounter,
	}
	return f.repo.CreateGeneration(ctx, gen)
}

func (f *fakeLauncher) Teardown(ctx context.Context, gen repository.AnalysisGeneration, log *repository.GenerationLog, finalStatus repository.AnalysisStatus, deleteClient bool) error {
	status := finalStatus
	return f.repo.UpdateGeneration(ctx, gen.DeploymentName, repository.Fields{Status: &status, Log: log})
}

type fakeLogs struct{}

func (fakeLogs) GetLogs(_ context.Context, name string, _ []string, _ string) ([]string, error) {
	return []string{"log line from " + name}, nil
}

// fakeHub records status updates and forwarded log entries.
type fakeHub struct {
	statuses []repository.AnalysisStatus
	logs     []string
}

func (f *fakeHub) ResolveNodeID(context.Context) (string, error) { return "node-1", nil }
func (f *fakeHub) ResolveAnalysisNodeID(_ context.Context, analysisID, _ string) (string, error) {
	return "an-" + analysisID, nil
}
func (f *fakeHub) UpdateRunStatus(_ context.Context, _ string, status repository.AnalysisStatus, _ *int) error {
	f.statuses = append(f.statuses, status)
	return nil
}
func (f *fakeHub) PostLog(_ context.Context, _, _ string, _ hub.LogLevel, _, message string) error {
	f.logs = append(f.logs, message)
	return nil
}

type fakeCleaner struct {
	ran      []string
	unstucks []string
}

func (f *fakeCleaner) Run(_ context.Context, cleanupType string) map[string]string {
	f.ran = append(f.ran, cleanupType)
	return map[string]string{"zombies": "Deleted 0 zombie deployments\n"}
}
func (f *fakeCleaner) Unstuck(_ context.Context, analysisID string) error {
	f.unstucks = append(f.unstucks, analysisID)
	return nil
}

type testServer struct {
	*httptest.Server
	repo     *repository.Memory
	launcher *fakeLauncher
	hub      *fakeHub
	cleaner  *fakeCleaner
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	repo := repository.NewMemory()
	launcher := &fakeLauncher{repo: repo}
	hubClient := &fakeHub{}
	cleaner := &fakeCleaner{}
	s := NewServer(repo, launcher, fakeLogs{}, hubClient, cleaner, allowAll{}, "default", nil, zerolog.Nop())

	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, repo: repo, launcher: launcher, hub: hubClient, cleaner: cleaner}
}

func doRequest(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp, buf.Bytes()
}

func validCreateBody() map[string]string {
	return map[string]string{
		"analysis_id":       "a1",
		"project_id":        "p1",
		"registry_url":      "registry.example.com",
		"image_url":         "registry.example.com/p1/a1:latest",
		"registry_user":     "robot",
		"registry_password": "secret",
		"kong_token":        "kong-key",
	}
}

func TestCreateAnalysis(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/po/", validCreateBody())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "started" {
		t.Errorf("status = %q, want started", out["status"])
	}
	if len(ts.launcher.launched) != 1 || ts.launcher.launched[0].RestartCounter != 0 {
		t.Errorf("launch requests = %+v", ts.launcher.launched)
	}
}

func TestCreateAnalysisValidation(t *testing.T) {
	ts := newTestServer(t)

	body := validCreateBody()
	delete(body, "kong_token")
	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/po/", body)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/po/status", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/po/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}

func TestStatusAndPods(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	if _, err := ts.repo.CreateGeneration(ctx, repository.AnalysisGeneration{
		DeploymentName: "analysis-a1-1",
		AnalysisID:     "a1",
		Status:         repository.StatusRunning,
		PodIDs:         []string{"analysis-a1-1-x-y"},
	}); err != nil {
		t.Fatal(err)
	}

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/po/status/a1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var statuses map[string]string
	if err := json.Unmarshal(body, &statuses); err != nil {
		t.Fatal(err)
	}
	if statuses["a1"] != "running" {
		t.Errorf("statuses = %v", statuses)
	}

	resp, body = doRequest(t, http.MethodGet, ts.URL+"/po/pods/a1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pods status = %d", resp.StatusCode)
	}
	var pods map[string][]string
	if err := json.Unmarshal(body, &pods); err != nil {
		t.Fatal(err)
	}
	if len(pods["a1"]) != 1 || pods["a1"][0] != "analysis-a1-1-x-y" {
		t.Errorf("pods = %v", pods)
	}
}

func TestStopFinalizesGeneration(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	if _, err := ts.repo.CreateGeneration(ctx, repository.AnalysisGeneration{
		DeploymentName: "analysis-a1-1",
		AnalysisID:     "a1",
		Namespace:      "default",
		Status:         repository.StatusRunning,
	}); err != nil {
		t.Fatal(err)
	}

	resp, body := doRequest(t, http.MethodPut, ts.URL+"/po/stop/a1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, body = %s", resp.StatusCode, body)
	}

	gen, err := ts.repo.GetLatestGeneration(ctx, "a1")
	if err != nil || gen == nil {
		t.Fatalf("generation missing after stop: %v", err)
	}
	if gen.Status != repository.StatusStopped {
		t.Errorf("status = %s, want stopped", gen.Status)
	}
	if gen.Log == nil || len(gen.Log.Analysis["analysis-a1-1"]) == 0 {
		t.Errorf("logs not captured on stop: %+v", gen.Log)
	}
	if len(ts.hub.statuses) == 0 || ts.hub.statuses[len(ts.hub.statuses)-1] != repository.StatusStopped {
		t.Errorf("hub statuses = %v", ts.hub.statuses)
	}
}

func TestDeleteRemovesRowsAndArchives(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	if _, err := ts.repo.CreateGeneration(ctx, repository.AnalysisGeneration{
		DeploymentName: "analysis-a1-1",
		AnalysisID:     "a1",
		Status:         repository.StatusRunning,
	}); err != nil {
		t.Fatal(err)
	}

	resp, body := doRequest(t, http.MethodDelete, ts.URL+"/po/delete/a1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, body = %s", resp.StatusCode, body)
	}

	gen, err := ts.repo.GetLatestGeneration(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if gen != nil {
		t.Errorf("row remains after delete: %+v", gen)
	}
	if got := len(ts.repo.Archived()); got != 1 {
		t.Errorf("archived %d rows, want 1", got)
	}
}

func TestHistoryReturnsStoredLogs(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	if _, err := ts.repo.CreateGeneration(ctx, repository.AnalysisGeneration{
		DeploymentName: "analysis-a1-1",
		AnalysisID:     "a1",
		Status:         repository.StatusFinished,
		Log: &repository.GenerationLog{
			Analysis: map[string][]string{"analysis-a1-1": {"result computed"}},
			Nginx:    map[string][]string{"nginx-analysis-a1-1": {"GET /healthz 200"}},
		},
	}); err != nil {
		t.Fatal(err)
	}
	// A still-running analysis must not appear in history.
	if _, err := ts.repo.CreateGeneration(ctx, repository.AnalysisGeneration{
		DeploymentName: "analysis-a2-1",
		AnalysisID:     "a2",
		Status:         repository.StatusRunning,
	}); err != nil {
		t.Fatal(err)
	}

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/po/history", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	var out LogsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Analysis["a1"]) != 1 || out.Analysis["a1"][0] != "result computed" {
		t.Errorf("analysis history = %v", out.Analysis)
	}
	if _, ok := out.Analysis["a2"]; ok {
		t.Error("running analysis leaked into history")
	}
}

func TestStreamLogsAppendsAndForwards(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	if _, err := ts.repo.CreateGeneration(ctx, repository.AnalysisGeneration{
		DeploymentName: "analysis-a1-1",
		AnalysisID:     "a1",
		Status:         repository.StatusRunning,
	}); err != nil {
		t.Fatal(err)
	}

	progress := 40
	resp, body := doRequest(t, http.MethodPost, ts.URL+"/po/stream_logs", map[string]any{
		"analysis_id": "a1",
		"status":      "running",
		"progress":    progress,
		"log_type":    "info",
		"log":         "epoch 4 of 10 done",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream_logs status = %d, body = %s", resp.StatusCode, body)
	}

	gen, _ := ts.repo.GetLatestGeneration(ctx, "a1")
	if gen.Log == nil || len(gen.Log.Analysis["analysis-a1-1"]) != 1 {
		t.Fatalf("log not appended: %+v", gen.Log)
	}
	if gen.Progress == nil || *gen.Progress != progress {
		t.Errorf("progress = %v, want %d", gen.Progress, progress)
	}
	if len(ts.hub.logs) != 1 || ts.hub.logs[0] != "epoch 4 of 10 done" {
		t.Errorf("hub logs = %v", ts.hub.logs)
	}
}

func TestStreamLogsUnknownAnalysis(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/po/stream_logs", map[string]any{
		"analysis_id": "ghost",
		"log_type":    "info",
		"log":         "hello",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCleanupRoutes(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doRequest(t, http.MethodDelete, ts.URL+"/po/cleanup/zombies", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cleanup status = %d", resp.StatusCode)
	}
	if len(ts.cleaner.ran) != 1 || ts.cleaner.ran[0] != "zombies" {
		t.Errorf("cleaner ran = %v", ts.cleaner.ran)
	}

	resp, _ = doRequest(t, http.MethodDelete, ts.URL+"/po/cleanup/unstuck/a1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unstuck status = %d", resp.StatusCode)
	}
	if len(ts.cleaner.unstucks) != 1 || ts.cleaner.unstucks[0] != "a1" {
		t.Errorf("unstucks = %v", ts.cleaner.unstucks)
	}
}
