package composer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/flame-hub/pod-orchestrator/internal/cluster"
	"github.com/flame-hub/pod-orchestrator/internal/credentials"
	"github.com/flame-hub/pod-orchestrator/internal/hub"
	"github.com/flame-hub/pod-orchestrator/internal/repository"
)

func platformService(name string, labels map[string]string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default", Labels: labels},
	}
}

func platformPod(name string, labels map[string]string, ip string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default", Labels: labels},
		Status:     corev1.PodStatus{PodIP: ip},
	}
}

// platformObjects pre-populates the fake cluster with the node services
// and pods the sidecar's nginx.conf discovery needs, plus the analysis
// pod the deployment controller would have scheduled.
func platformObjects(analysisName string) []interface{} {
	return []interface{}{
		platformPod(analysisName+"-7c9f4d-x2x9z",
			map[string]string{"app": analysisName, "component": cluster.ComponentAnalysis}, "10.0.0.5"),
		platformPod("flame-node-message-broker-0",
			map[string]string{"component": "flame-message-broker"}, "10.0.0.6"),
		platformPod("flame-node-po-0",
			map[string]string{"component": "flame-po"}, "10.0.0.7"),
		platformService("flame-node-message-broker", map[string]string{"component": "flame-message-broker"}),
		platformService("flame-node-po-service", map[string]string{"component": "flame-po"}),
		platformService("flame-node-hub-adapter-service", map[string]string{"component": "flame-hub-adapter"}),
		platformService("flame-node-kong-proxy", map[string]string{"app.kubernetes.io/name": "kong"}),
		platformService("flame-node-result-service", map[string]string{"component": "flame-result-service"}),
	}
}

func fakeKeycloakServer(t *testing.T) *httptest.Server {
	t.Helper()
	clients := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/protocol/openid-connect/token"):
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "kc-token", "token_type": "bearer", "expires_in": 300})
		case strings.HasSuffix(r.URL.Path, "/clients") && r.Method == http.MethodGet:
			clientID := r.URL.Query().Get("clientId")
			if clients[clientID] {
				_ = json.NewEncoder(w).Encode([]map[string]string{{"id": "internal-" + clientID, "clientId": clientID, "secret": "s3cret"}})
				return
			}
			_ = json.NewEncoder(w).Encode([]map[string]string{})
		case strings.HasSuffix(r.URL.Path, "/clients") && r.Method == http.MethodPost:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			clients[body["clientId"].(string)] = true
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fakeHubServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/token":
			_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "hub-token", "expires_in": 3600})
		case r.URL.Path == "/nodes":
			_ = json.NewEncoder(w).Encode([]map[string]string{{"id": "node-1"}})
		case r.URL.Path == "/analysis-nodes":
			_ = json.NewEncoder(w).Encode([]map[string]string{{"id": "an-1"}})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestComposer(t *testing.T, objects ...interface{}) (*Composer, *repository.Memory, *fake.Clientset) {
	t.Helper()

	client := fake.NewSimpleClientset()
	for _, obj := range objects {
		switch o := obj.(type) {
		case *corev1.Pod:
			if _, err := client.CoreV1().Pods(o.Namespace).Create(context.Background(), o, metav1.CreateOptions{}); err != nil {
				t.Fatal(err)
			}
		case *corev1.Service:
			if _, err := client.CoreV1().Services(o.Namespace).Create(context.Background(), o, metav1.CreateOptions{}); err != nil {
				t.Fatal(err)
			}
		}
	}

	kc := fakeKeycloakServer(t)
	broker := credentials.New(credentials.KeycloakConfig{
		BaseURL:           kc.URL,
		Realm:             "flame",
		AdminClientID:     "admin",
		AdminClientSecret: "secret",
	}, "", nil)

	hubSrv := fakeHubServer(t)
	hubClient := hub.New(hub.Config{RobotID: "robot-1", RobotSecret: "s", URLCore: hubSrv.URL, URLAuth: hubSrv.URL}, nil, nil)

	repo := repository.NewMemory()
	comp := New(cluster.New(client), broker, hubClient, repo, zerolog.Nop())
	return comp, repo, client
}

func TestLaunchComposesFullGeneration(t *testing.T) {
	comp, repo, client := newTestComposer(t, platformObjects("analysis-a1-1")...)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gen, err := comp.Launch(ctx, LaunchRequest{
		AnalysisID:       "a1",
		ProjectID:        "p1",
		RegistryURL:      "registry.example.com",
		ImageURL:         "registry.example.com/p1/a1:latest",
		RegistryUser:     "robot",
		RegistryPassword: "pw",
		KongToken:        "kong-key",
		Namespace:        "default",
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	if gen.DeploymentName != "analysis-a1-1" {
		t.Errorf("deployment name = %s", gen.DeploymentName)
	}
	if gen.Ordinal != 1 || gen.RestartCounter != 0 {
		t.Errorf("ordinal = %d, restart counter = %d", gen.Ordinal, gen.RestartCounter)
	}
	if gen.Status != repository.StatusStarted {
		t.Errorf("status = %s", gen.Status)
	}
	if len(gen.PodIDs) != 1 {
		t.Errorf("pod ids = %v", gen.PodIDs)
	}

	// All five resources exist.
	if _, err := client.AppsV1().Deployments("default").Get(ctx, "analysis-a1-1", metav1.GetOptions{}); err != nil {
		t.Errorf("analysis deployment missing: %v", err)
	}
	if _, err := client.AppsV1().Deployments("default").Get(ctx, "nginx-analysis-a1-1", metav1.GetOptions{}); err != nil {
		t.Errorf("proxy deployment missing: %v", err)
	}
	if _, err := client.CoreV1().Services("default").Get(ctx, "analysis-a1-1", metav1.GetOptions{}); err != nil {
		t.Errorf("analysis service missing: %v", err)
	}
	if _, err := client.CoreV1().Services("default").Get(ctx, "nginx-analysis-a1-1", metav1.GetOptions{}); err != nil {
		t.Errorf("proxy service missing: %v", err)
	}
	cm, err := client.CoreV1().ConfigMaps("default").Get(ctx, "nginx-analysis-a1-1-config", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("proxy config map missing: %v", err)
	}
	if !strings.Contains(cm.Data["nginx.conf"], "allow       10.0.0.5;") {
		t.Errorf("nginx.conf not rendered against the analysis pod IP")
	}
	if _, err := client.NetworkingV1().NetworkPolicies("default").Get(ctx, "analysis-a1-1-policy", metav1.GetOptions{}); err != nil {
		t.Errorf("network policy missing: %v", err)
	}

	// The analysis container was handed both tokens.
	dep, _ := client.AppsV1().Deployments("default").Get(ctx, "analysis-a1-1", metav1.GetOptions{})
	env := map[string]string{}
	for _, e := range dep.Spec.Template.Spec.Containers[0].Env {
		env[e.Name] = e.Value
	}
	if env["DATA_SOURCE_TOKEN"] != "kong-key" {
		t.Errorf("DATA_SOURCE_TOKEN = %q", env["DATA_SOURCE_TOKEN"])
	}
	if env["KEYCLOAK_TOKEN"] == "" || env["ANALYSIS_ID"] != "a1" || env["DEPLOYMENT_NAME"] != "analysis-a1-1" {
		t.Errorf("analysis env incomplete: %v", env)
	}

	// Repository row persisted.
	stored, err := repo.GetGeneration(ctx, "analysis-a1-1")
	if err != nil || stored == nil {
		t.Fatalf("generation not persisted: %v", err)
	}
}

func TestLaunchAllocatesNextOrdinal(t *testing.T) {
	comp, repo, _ := newTestComposer(t, platformObjects("analysis-a1-2")...)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := repo.CreateGeneration(ctx, repository.AnalysisGeneration{
		DeploymentName: "analysis-a1-1",
		AnalysisID:     "a1",
		Ordinal:        1,
		Status:         repository.StatusFailed,
	}); err != nil {
		t.Fatal(err)
	}

	gen, err := comp.Launch(ctx, LaunchRequest{
		AnalysisID:     "a1",
		ProjectID:      "p1",
		RegistryURL:    "registry.example.com",
		ImageURL:       "registry.example.com/p1/a1:latest",
		KongToken:      "kong-key",
		Namespace:      "default",
		RestartCounter: 1,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if gen.DeploymentName != "analysis-a1-2" || gen.Ordinal != 2 {
		t.Errorf("generation = %s ordinal %d, want analysis-a1-2 ordinal 2", gen.DeploymentName, gen.Ordinal)
	}
	if gen.RestartCounter != 1 {
		t.Errorf("restart counter = %d", gen.RestartCounter)
	}
}

func TestTeardownDeletesResourcesAndPersists(t *testing.T) {
	comp, repo, client := newTestComposer(t, platformObjects("analysis-a1-1")...)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gen, err := comp.Launch(ctx, LaunchRequest{
		AnalysisID:  "a1",
		ProjectID:   "p1",
		RegistryURL: "registry.example.com",
		ImageURL:    "registry.example.com/p1/a1:latest",
		KongToken:   "kong-key",
		Namespace:   "default",
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	genLog := &repository.GenerationLog{
		Analysis: map[string][]string{gen.DeploymentName: {"done"}},
		Nginx:    map[string][]string{"nginx-" + gen.DeploymentName: {"GET /healthz"}},
	}
	if err := comp.Teardown(ctx, gen, genLog, repository.StatusFinished, true); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	for _, name := range []string{gen.DeploymentName, "nginx-" + gen.DeploymentName} {
		if _, err := client.AppsV1().Deployments("default").Get(ctx, name, metav1.GetOptions{}); !apierrors.IsNotFound(err) {
			t.Errorf("deployment %s survived teardown", name)
		}
	}
	if _, err := client.NetworkingV1().NetworkPolicies("default").Get(ctx, gen.DeploymentName+"-policy", metav1.GetOptions{}); !apierrors.IsNotFound(err) {
		t.Error("network policy survived teardown")
	}

	stored, err := repo.GetGeneration(ctx, gen.DeploymentName)
	if err != nil || stored == nil {
		t.Fatalf("generation row missing: %v", err)
	}
	if stored.Status != repository.StatusFinished {
		t.Errorf("status = %s", stored.Status)
	}
	if stored.Log == nil || stored.Log.Analysis[gen.DeploymentName][0] != "done" {
		t.Errorf("log not persisted: %+v", stored.Log)
	}
}
