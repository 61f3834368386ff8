// Package credentials is the credential broker: it provisions the
// per-analysis Keycloak client and Kong consumer each analysis runs
// under. The admin REST calls are plain net/http (neither API has a
// maintained Go client); the token mints themselves go through
// golang.org/x/oauth2/clientcredentials.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2/clientcredentials"

	poerrors "github.com/flame-hub/pod-orchestrator/internal/errors"
)

func bodyReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// KeycloakConfig addresses the realm and admin service account used to
// provision per-analysis clients.
type KeycloakConfig struct {
	BaseURL           string
	Realm             string
	AdminClientID     string
	AdminClientSecret string
}

// Broker is the credential broker. It holds no long-lived token state of
// its own; every call mints what it needs.
type Broker struct {
	keycloak     KeycloakConfig
	kongAdminURL string
	httpClient   *http.Client
}

// New constructs a Broker over the Keycloak admin realm and Kong admin URL.
func New(keycloak KeycloakConfig, kongAdminURL string, httpClient *http.Client) *Broker {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Broker{keycloak: keycloak, kongAdminURL: kongAdminURL, httpClient: httpClient}
}

func (b *Broker) tokenURL() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", b.keycloak.BaseURL, b.keycloak.Realm)
}

func (b *Broker) clientsURL(clientID string) string {
	url := fmt.Sprintf("%s/admin/realms/%s/clients", b.keycloak.BaseURL, b.keycloak.Realm)
	if clientID != "" {
		url += "?clientId=" + clientID
	}
	return url
}

// AnalysisClientID derives the Keycloak clientId provisioned for an
// analysis. Every flame analysis client carries the flame- prefix so the
// cleanup sweep can tell them apart from unrelated realm clients.
func AnalysisClientID(analysisID string) string {
	return "flame-" + analysisID
}

// AdminToken mints a Keycloak admin access token using the RESULT_CLIENT_*
// service-account credentials.
func (b *Broker) AdminToken(ctx context.Context) (string, error) {
	cc := clientcredentials.Config{
		ClientID:     b.keycloak.AdminClientID,
		ClientSecret: b.keycloak.AdminClientSecret,
		TokenURL:     b.tokenURL(),
	}
	token, err := cc.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: keycloak admin token: %v", poerrors.ErrAuthExpired, err)
	}
	return token.AccessToken, nil
}

// ClientEntry is one Keycloak client as listed by the admin API.
type ClientEntry struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId"`
	Name     string `json:"name"`
	Secret   string `json:"secret"`
}

// ClientExists reports whether a Keycloak client already exists for the
// given analysis id.
func (b *Broker) ClientExists(ctx context.Context, adminToken, analysisID string) (bool, error) {
	entries, err := b.listClients(ctx, adminToken, AnalysisClientID(analysisID))
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

func (b *Broker) listClients(ctx context.Context, adminToken, clientID string) ([]ClientEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.clientsURL(clientID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: list keycloak clients: %v", poerrors.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("list keycloak clients: unexpected status %d", resp.StatusCode)
	}

	var entries []ClientEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode keycloak clients: %w", err)
	}
	return entries, nil
}

// ListClients returns every client registered under the realm, used by the
// keycloak-scoped cleanup sweep.
func (b *Broker) ListClients(ctx context.Context, adminToken string) ([]ClientEntry, error) {
	return b.listClients(ctx, adminToken, "")
}

// CreateClient provisions a service-account-enabled Keycloak client for an
// analysis id. If the client already exists it creates nothing and returns
// an error wrapping ErrClientExists.
func (b *Broker) CreateClient(ctx context.Context, adminToken, analysisID string) error {
	exists, err := b.ClientExists(ctx, adminToken, analysisID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: keycloak client %s", poerrors.ErrClientExists, analysisID)
	}

	body, err := json.Marshal(map[string]any{
		"clientId":               AnalysisClientID(analysisID),
		"name":                   AnalysisClientID(analysisID),
		"serviceAccountsEnabled": true,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.clientsURL(""), bodyReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("create keycloak client %s: %w", analysisID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("create keycloak client %s: unexpected status %d", analysisID, resp.StatusCode)
	}
	return nil
}

// ClientSecret returns the client secret for an already-provisioned
// analysis client.
func (b *Broker) ClientSecret(ctx context.Context, adminToken, analysisID string) (string, error) {
	entries, err := b.listClients(ctx, adminToken, AnalysisClientID(analysisID))
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("keycloak client %s not found", AnalysisClientID(analysisID))
	}
	return entries[0].Secret, nil
}

// DeleteClient removes the Keycloak client for an analysis id. A missing
// client is not an error.
func (b *Broker) DeleteClient(ctx context.Context, adminToken, analysisID string) error {
	entries, err := b.listClients(ctx, adminToken, AnalysisClientID(analysisID))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	url := fmt.Sprintf("%s/admin/realms/%s/clients/%s", b.keycloak.BaseURL, b.keycloak.Realm, entries[0].ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete keycloak client %s: %w", analysisID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete keycloak client %s: unexpected status %d", analysisID, resp.StatusCode)
	}
	return nil
}

// AnalysisToken mints a client-credentials token for an already-provisioned
// analysis client.
func (b *Broker) AnalysisToken(ctx context.Context, analysisID, clientSecret string) (string, error) {
	cc := clientcredentials.Config{
		ClientID:     AnalysisClientID(analysisID),
		ClientSecret: clientSecret,
		TokenURL:     b.tokenURL(),
	}
	token, err := cc.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: analysis token for %s: %v", poerrors.ErrAuthExpired, analysisID, err)
	}
	return token.AccessToken, nil
}
