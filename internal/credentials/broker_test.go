package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// fakeKeycloak emulates the token endpoint and the admin clients API for
// one realm.
type fakeKeycloak struct {
	mu      chan struct{}
	clients map[string]ClientEntry
	deleted atomic.Int32
}

func newFakeKeycloak() *fakeKeycloak {
	mu := make(chan struct{}, 1)
	mu <- struct{}{}
	return &fakeKeycloak{mu: mu, clients: map[string]ClientEntry{}}
}

func (f *fakeKeycloak) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		<-f.mu
		defer func() { f.mu <- struct{}{} }()

		switch {
		case strings.HasSuffix(r.URL.Path, "/protocol/openid-connect/token"):
			_ = r.ParseForm()
			clientID := r.PostForm.Get("client_id")
			if clientID == "" {
				// oauth2's client-credentials flow defaults to Basic auth.
				clientID, _, _ = r.BasicAuth()
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "token-for-" + clientID,
				"token_type":   "bearer",
				"expires_in":   300,
			})

		case strings.HasSuffix(r.URL.Path, "/clients") && r.Method == http.MethodGet:
			clientID := r.URL.Query().Get("clientId")
			var out []ClientEntry
			for _, c := range f.clients {
				if clientID == "" || c.ClientID == clientID {
					out = append(out, c)
				}
			}
			_ = json.NewEncoder(w).Encode(out)

		case strings.HasSuffix(r.URL.Path, "/clients") && r.Method == http.MethodPost:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			clientID := body["clientId"].(string)
			f.clients[clientID] = ClientEntry{
				ID:       "internal-" + clientID,
				ClientID: clientID,
				Name:     clientID,
				Secret:   "secret-" + clientID,
			}
			w.WriteHeader(http.StatusCreated)

		case r.Method == http.MethodDelete:
			for key, c := range f.clients {
				if strings.HasSuffix(r.URL.Path, "/"+c.ID) {
					delete(f.clients, key)
					f.deleted.Add(1)
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			w.WriteHeader(http.StatusNotFound)

		default:
			http.NotFound(w, r)
		}
	}
}

func newTestBroker(t *testing.T, kc *fakeKeycloak, kongHandler http.HandlerFunc) *Broker {
	t.Helper()
	kcServer := httptest.NewServer(kc.handler())
	t.Cleanup(kcServer.Close)

	kongURL := ""
	if kongHandler != nil {
		kongServer := httptest.NewServer(kongHandler)
		t.Cleanup(kongServer.Close)
		kongURL = kongServer.URL
	}

	return New(KeycloakConfig{
		BaseURL:           kcServer.URL,
		Realm:             "flame",
		AdminClientID:     "admin-client",
		AdminClientSecret: "admin-secret",
	}, kongURL, nil)
}

func TestIssueAnalysisCredentials(t *testing.T) {
	kc := newFakeKeycloak()
	b := newTestBroker(t, kc, nil)
	ctx := context.Background()

	creds, err := b.IssueAnalysisCredentials(ctx, "a1", "kong-delegated-token")
	if err != nil {
		t.Fatalf("IssueAnalysisCredentials: %v", err)
	}

	// The data-source token is passed through, not minted.
	if creds.DataSourceToken != "kong-delegated-token" {
		t.Errorf("DataSourceToken = %q", creds.DataSourceToken)
	}
	// The Keycloak token is minted for the flame- client.
	if creds.KeycloakToken != "token-for-flame-a1" {
		t.Errorf("KeycloakToken = %q", creds.KeycloakToken)
	}
	if _, ok := kc.clients["flame-a1"]; !ok {
		t.Errorf("client not provisioned: %v", kc.clients)
	}
}

func TestIssueAnalysisCredentialsReusesExistingClient(t *testing.T) {
	kc := newFakeKeycloak()
	kc.clients["flame-a1"] = ClientEntry{ID: "internal-flame-a1", ClientID: "flame-a1", Secret: "secret-flame-a1"}
	b := newTestBroker(t, kc, nil)

	if _, err := b.IssueAnalysisCredentials(context.Background(), "a1", "kong"); err != nil {
		t.Fatalf("IssueAnalysisCredentials with existing client: %v", err)
	}
	if len(kc.clients) != 1 {
		t.Errorf("client duplicated: %v", kc.clients)
	}
}

func TestDeleteClientToleratesAbsence(t *testing.T) {
	kc := newFakeKeycloak()
	b := newTestBroker(t, kc, nil)
	ctx := context.Background()

	adminToken, err := b.AdminToken(ctx)
	if err != nil {
		t.Fatalf("AdminToken: %v", err)
	}
	if err := b.DeleteClient(ctx, adminToken, "never-existed"); err != nil {
		t.Errorf("DeleteClient on absent client: %v", err)
	}
	if kc.deleted.Load() != 0 {
		t.Errorf("deleted %d clients", kc.deleted.Load())
	}
}

func TestDeleteClientRemovesExisting(t *testing.T) {
	kc := newFakeKeycloak()
	kc.clients["flame-a1"] = ClientEntry{ID: "internal-flame-a1", ClientID: "flame-a1"}
	b := newTestBroker(t, kc, nil)
	ctx := context.Background()

	adminToken, err := b.AdminToken(ctx)
	if err != nil {
		t.Fatalf("AdminToken: %v", err)
	}
	if err := b.DeleteClient(ctx, adminToken, "a1"); err != nil {
		t.Fatalf("DeleteClient: %v", err)
	}
	if len(kc.clients) != 0 {
		t.Errorf("client not removed: %v", kc.clients)
	}
}

func TestProvisionConsumer(t *testing.T) {
	var steps []string
	kong := func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/consumers" && r.Method == http.MethodPost:
			steps = append(steps, "consumer")
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "consumer-1"})
		case r.URL.Path == "/consumers/consumer-1/acls":
			steps = append(steps, "acl")
			w.WriteHeader(http.StatusCreated)
		case r.URL.Path == "/consumers/consumer-1/key-auth":
			steps = append(steps, "key")
			_ = json.NewEncoder(w).Encode(map[string]string{"key": "api-key-1"})
		default:
			http.NotFound(w, r)
		}
	}

	b := newTestBroker(t, newFakeKeycloak(), kong)
	key, err := b.ProvisionConsumer(context.Background(), "a1", "p1")
	if err != nil {
		t.Fatalf("ProvisionConsumer: %v", err)
	}
	if key != "api-key-1" {
		t.Errorf("key = %q", key)
	}
	want := []string{"consumer", "acl", "key"}
	if len(steps) != 3 || steps[0] != want[0] || steps[1] != want[1] || steps[2] != want[2] {
		t.Errorf("steps = %v, want %v", steps, want)
	}
}
