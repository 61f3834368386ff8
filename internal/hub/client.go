// Package hub is the Hub client, reporting analysis run status and
// operational log entries to the central registry this node is federated
// under. Every call that reaches out to the Hub is wrapped in a
// sony/gobreaker circuit breaker: once a robot-auth or status-update call
// starts failing, the breaker trips and the reconciler treats the Hub as
// unreachable rather than retrying inline.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	poerrors "github.com/flame-hub/pod-orchestrator/internal/errors"
	"github.com/flame-hub/pod-orchestrator/internal/repository"
)

// LogLevel is the severity of an operational log entry posted to the Hub.
type LogLevel string

const (
	LogInfo    LogLevel = "informational"
	LogNotice  LogLevel = "notice"
	LogDebug   LogLevel = "debug"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// Config addresses the Hub's auth and core APIs and identifies this node's
// robot account.
type Config struct {
	RobotID     string
	RobotSecret string
	URLCore     string
	URLAuth     string
}

// Client is the Hub client. robotToken is cached and re-minted lazily,
// optionally backed by an external TokenCache so the token survives
// process restarts.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	cache      TokenCache

	robotToken   string
	robotExpires time.Time
}

// New constructs a Client, wiring a circuit breaker around every Hub call:
// three consecutive failures trips it, and it stays open for 30s before
// allowing a trial request through. cache may be nil.
func New(cfg Config, httpClient *http.Client, cache TokenCache) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		cache:      cache,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "hub-client",
			MaxRequests: 1,
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (c *Client) call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	return c.breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
}

// robotAccessToken mints (and caches until expiry) the robot's bearer
// token.
func (c *Client) robotAccessToken(ctx context.Context) (string, error) {
	if c.robotToken != "" && time.Now().Before(c.robotExpires) {
		return c.robotToken, nil
	}
	if c.cache != nil {
		if token, ok := c.cache.Get(ctx); ok {
			c.robotToken = token
			// The external cache owns the real TTL; re-check it locally
			// after one minute rather than tracking it twice.
			c.robotExpires = time.Now().Add(time.Minute)
			return token, nil
		}
	}

	result, err := c.call(ctx, func(ctx context.Context) (any, error) {
		body, err := json.Marshal(map[string]string{"id": c.cfg.RobotID, "secret": c.cfg.RobotSecret})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URLAuth+"/token", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Connection", "close")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request hub robot token: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("request hub robot token: unexpected status %d", resp.StatusCode)
		}

		var out struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int    `json:"expires_in"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode hub robot token: %w", err)
		}
		return out, nil
	})
	if err != nil {
		return "", err
	}

	tok := result.(struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	})
	c.robotToken = tok.AccessToken
	c.robotExpires = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	if c.cache != nil {
		c.cache.Put(ctx, tok.AccessToken, time.Duration(tok.ExpiresIn)*time.Second)
	}
	return c.robotToken, nil
}

func (c *Client) authedRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	token, err := c.robotAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.URLCore+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// ResolveNodeID looks up this robot's node id at the Hub.
func (c *Client) ResolveNodeID(ctx context.Context) (string, error) {
	result, err := c.call(ctx, func(ctx context.Context) (any, error) {
		req, err := c.authedRequest(ctx, http.MethodGet, "/nodes?filter[robot_id]="+c.cfg.RobotID, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("resolve node id: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("resolve node id: unexpected status %d", resp.StatusCode)
		}

		var nodes []struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
			return nil, fmt.Errorf("decode nodes: %w", err)
		}
		if len(nodes) == 0 {
			return nil, fmt.Errorf("%w: no node for robot %s", poerrors.ErrNotFound, c.cfg.RobotID)
		}
		return nodes[0].ID, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// ResolveAnalysisNodeID looks up the node-analysis relation id for an
// analysis running on this node.
func (c *Client) ResolveAnalysisNodeID(ctx context.Context, analysisID, nodeID string) (string, error) {
	result, err := c.call(ctx, func(ctx context.Context) (any, error) {
		path := fmt.Sprintf("/analysis-nodes?filter[analysis_id]=%s&filter[node_id]=%s", analysisID, nodeID)
		req, err := c.authedRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("resolve analysis node id: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("resolve analysis node id: unexpected status %d", resp.StatusCode)
		}

		var relations []struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&relations); err != nil {
			return nil, fmt.Errorf("decode analysis nodes: %w", err)
		}
		if len(relations) == 0 {
			return nil, fmt.Errorf("%w: no analysis-node relation for %s/%s", poerrors.ErrNotFound, analysisID, nodeID)
		}
		return relations[0].ID, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// UpdateRunStatus reports an analysis's run status (and optional progress)
// to the Hub, remapping Stuck to Failed at the boundary - the Hub
// vocabulary has no concept of "stuck".
func (c *Client) UpdateRunStatus(ctx context.Context, nodeAnalysisID string, status repository.AnalysisStatus, progress *int) error {
	if status == repository.StatusStuck {
		status = repository.StatusFailed
	}

	_, err := c.call(ctx, func(ctx context.Context) (any, error) {
		payload := map[string]any{"run_status": string(status)}
		if progress != nil {
			payload["execution_progress"] = *progress
		}
		req, err := c.authedRequest(ctx, http.MethodPost, "/analysis-nodes/"+nodeAnalysisID, payload)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("update hub status for %s: %w", nodeAnalysisID, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("update hub status for %s: unexpected status %d", nodeAnalysisID, resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

// PostLog streams a single operational log entry to the Hub for an
// analysis running on a node.
func (c *Client) PostLog(ctx context.Context, analysisID, nodeID string, level LogLevel, status, message string) error {
	_, err := c.call(ctx, func(ctx context.Context) (any, error) {
		payload := map[string]any{
			"analysis_id": analysisID,
			"node_id":     nodeID,
			"status":      status,
			"level":       string(level),
			"message":     message,
		}
		req, err := c.authedRequest(ctx, http.MethodPost, "/analysis-node-logs", payload)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("post hub log for %s: %w", analysisID, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("post hub log for %s: unexpected status %d", analysisID, resp.StatusCode)
		}
		return nil, nil
	})
	return err
}
