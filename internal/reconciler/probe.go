package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/flame-hub/pod-orchestrator/internal/credentials"
	"github.com/flame-hub/pod-orchestrator/internal/repository"
)

// Prober asks a generation's proxy sidecar for the analysis container's
// self-reported status and refreshes the analysis's Keycloak token when
// it is close to expiry.
type Prober struct {
	httpClient            *http.Client
	creds                 *credentials.Broker
	internalStatusTimeout time.Duration
	statusLoopInterval    time.Duration
}

// NewProber constructs a Prober. internalStatusTimeout bounds one probe
// call; statusLoopInterval is used to size the token-refresh threshold
// (refresh when remaining time < 2*interval+1).
func NewProber(httpClient *http.Client, creds *credentials.Broker, internalStatusTimeout, statusLoopInterval time.Duration) *Prober {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Prober{httpClient: httpClient, creds: creds, internalStatusTimeout: internalStatusTimeout, statusLoopInterval: statusLoopInterval}
}

type healthzResponse struct {
	Status             string `json:"status"`
	TokenRemainingTime int    `json:"token_remaining_time"`
}

// ProbeInternal polls http://nginx-<deploymentName>:80/analysis/healthz
// with Connection: close until a 2xx response arrives or
// internalStatusTimeout elapses, mapping the reported status onto
// repository.AnalysisStatus and triggering a token refresh if needed.
func (p *Prober) ProbeInternal(ctx context.Context, deploymentName, analysisID string) repository.AnalysisStatus {
	url := fmt.Sprintf("http://nginx-%s:80/analysis/healthz", deploymentName)
	deadline := time.Now().Add(p.internalStatusTimeout)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		resp, ok := p.attempt(ctx, url)
		if ok {
			return p.handleResponse(ctx, deploymentName, analysisID, resp)
		}
		if time.Now().After(deadline) {
			return repository.StatusFailed
		}
		select {
		case <-ctx.Done():
			return repository.StatusFailed
		case <-ticker.C:
		}
	}
}

func (p *Prober) attempt(ctx context.Context, url string) (healthzResponse, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return healthzResponse{}, false
	}
	req.Header.Set("Connection", "close")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return healthzResponse{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return healthzResponse{}, false
	}

	var out healthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return healthzResponse{}, false
	}
	return out, true
}

func (p *Prober) handleResponse(ctx context.Context, deploymentName, analysisID string, resp healthzResponse) repository.AnalysisStatus {
	threshold := int(p.statusLoopInterval.Seconds())*2 + 1
	if resp.TokenRemainingTime < threshold {
		p.refreshToken(ctx, deploymentName, analysisID)
	}

	switch resp.Status {
	case string(repository.StatusFinished):
		return repository.StatusFinished
	case string(repository.StatusRunning):
		return repository.StatusRunning
	case string(repository.StatusStuck):
		return repository.StatusStuck
	default:
		return repository.StatusFailed
	}
}

// refreshToken mints a fresh Keycloak token and posts it to the sidecar's
// token_refresh endpoint. Failures are swallowed; they are treated as
// logged, not fatal.
func (p *Prober) refreshToken(ctx context.Context, deploymentName, analysisID string) {
	token, err := p.creds.RefreshAnalysisToken(ctx, analysisID)
	if err != nil {
		log.Warn().Err(err).Str("analysis_id", analysisID).Msg("mint refreshed analysis token")
		return
	}

	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		log.Warn().Err(err).Str("analysis_id", analysisID).Msg("encode token refresh body")
		return
	}

	url := fmt.Sprintf("http://nginx-%s:80/analysis/token_refresh", deploymentName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Str("analysis_id", analysisID).Msg("build token refresh request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connection", "close")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("analysis_id", analysisID).Msg("post refreshed token to sidecar")
		return
	}
	resp.Body.Close()
}
