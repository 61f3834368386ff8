package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// CreateConsumer registers a Kong consumer for an analysis, tagged with its
// project id.
func (b *Broker) CreateConsumer(ctx context.Context, analysisID, projectID string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"username": analysisID,
		"custom_id": analysisID,
		"tags":      []string{projectID},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.kongAdminURL+"/consumers", bodyReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create kong consumer %s: %w", analysisID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("create kong consumer %s: unexpected status %d", analysisID, resp.StatusCode)
	}

	var consumer struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&consumer); err != nil {
		return "", fmt.Errorf("decode kong consumer: %w", err)
	}
	return consumer.ID, nil
}

// AttachACL assigns a consumer to the project's ACL group.
func (b *Broker) AttachACL(ctx context.Context, consumerID, projectID string) error {
	body, err := json.Marshal(map[string]any{
		"group": projectID,
		"tags":  []string{projectID},
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/consumers/%s/acls", b.kongAdminURL, consumerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bodyReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("attach kong acl for consumer %s: %w", consumerID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("attach kong acl for consumer %s: unexpected status %d", consumerID, resp.StatusCode)
	}
	return nil
}

// IssueKey provisions a key-auth credential for a consumer and returns its
// API key.
func (b *Broker) IssueKey(ctx context.Context, consumerID, projectID string) (string, error) {
	body, err := json.Marshal(map[string]any{"tags": []string{projectID}})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/consumers/%s/key-auth", b.kongAdminURL, consumerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bodyReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("issue kong key for consumer %s: %w", consumerID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("issue kong key for consumer %s: unexpected status %d", consumerID, resp.StatusCode)
	}

	var key struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&key); err != nil {
		return "", fmt.Errorf("decode kong key: %w", err)
	}
	return key.Key, nil
}

// ProvisionConsumer runs the full Kong onboarding sequence for an analysis:
// consumer, ACL group, key-auth credential.
func (b *Broker) ProvisionConsumer(ctx context.Context, analysisID, projectID string) (apiKey string, err error) {
	consumerID, err := b.CreateConsumer(ctx, analysisID, projectID)
	if err != nil {
		return "", err
	}
	if err := b.AttachACL(ctx, consumerID, projectID); err != nil {
		return "", err
	}
	return b.IssueKey(ctx, consumerID, projectID)
}

// AnalysisCredentials is the pair of tokens a launched analysis container
// is started with.
type AnalysisCredentials struct {
	DataSourceToken string
	KeycloakToken   string
}

// IssueAnalysisCredentials composes the two tokens an analysis needs to
// reach the rest of the platform through its proxy.
//
// DATA_SOURCE_TOKEN is the caller-supplied Kong token (the delegating
// project's own data-source credential), not a freshly minted Kong key.
// Kong onboarding is still exposed as ProvisionConsumer for callers that
// want a dedicated consumer provisioned ahead of launch.
func (b *Broker) IssueAnalysisCredentials(ctx context.Context, analysisID, kongToken string) (AnalysisCredentials, error) {
	adminToken, err := b.AdminToken(ctx)
	if err != nil {
		return AnalysisCredentials{}, err
	}

	exists, err := b.ClientExists(ctx, adminToken, analysisID)
	if err != nil {
		return AnalysisCredentials{}, err
	}
	if !exists {
		if err := b.CreateClient(ctx, adminToken, analysisID); err != nil {
			return AnalysisCredentials{}, err
		}
	}

	secret, err := b.ClientSecret(ctx, adminToken, analysisID)
	if err != nil {
		return AnalysisCredentials{}, err
	}
	keycloakToken, err := b.AnalysisToken(ctx, analysisID, secret)
	if err != nil {
		return AnalysisCredentials{}, err
	}

	return AnalysisCredentials{
		DataSourceToken: kongToken,
		KeycloakToken:   keycloakToken,
	}, nil
}

// RefreshAnalysisToken mints a fresh Keycloak access token for an
// already-provisioned analysis client, called from the reconciler's
// token-refresh step.
func (b *Broker) RefreshAnalysisToken(ctx context.Context, analysisID string) (string, error) {
	adminToken, err := b.AdminToken(ctx)
	if err != nil {
		return "", err
	}
	secret, err := b.ClientSecret(ctx, adminToken, analysisID)
	if err != nil {
		return "", err
	}
	return b.AnalysisToken(ctx, analysisID, secret)
}
