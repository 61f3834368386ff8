// Package config loads and validates the Pod Orchestrator's runtime
// configuration from flags and environment variables.
package config

import (
	"time"

	poerrors "github.com/flame-hub/pod-orchestrator/internal/errors"
)

// Config is the fully resolved configuration for one PO process.
//
// A PO instance owns exactly one cluster node; there is no multi-node or
// multi-tenant configuration here by design.
type Config struct {
	// Namespace is the Kubernetes namespace that owns analysis resources.
	Namespace string

	// KubeConfig is the path to a kubeconfig file; empty means in-cluster.
	KubeConfig string

	// ListenAddr is the address the API surface binds to (default 0.0.0.0:8000).
	ListenAddr string

	// Hub identifies this node to the central registry.
	HubRobotUser   string
	HubRobotSecret string
	HubURLCore     string
	HubURLAuth     string

	// HTTPProxy / HTTPSProxy are optional egress proxies for Hub/Keycloak/Kong calls.
	HTTPProxy  string
	HTTPSProxy string

	// Keycloak addresses the OIDC-style auth server.
	KeycloakURL   string
	KeycloakRealm string

	// Kong addresses the API gateway admin surface.
	KongAdminURL string

	// RESULT_CLIENT_* are the admin credentials used to mint Keycloak admin tokens.
	ResultClientID     string
	ResultClientSecret string

	// Postgres backs the Repository.
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string

	// StatusLoopInterval is the reconciler tick period.
	StatusLoopInterval time.Duration

	// InternalStatusTimeout bounds a single sidecar status probe.
	InternalStatusTimeout time.Duration

	// MaxRestarts bounds the reconciler's restart/unstuck policy.
	MaxRestarts int

	// ExtraCACerts optionally points at a CA bundle for outbound TLS.
	ExtraCACerts string

	// RedisAddr backs the Hub admin-token cache; empty disables caching
	// (tokens are still fetched, just not cached across restarts).
	RedisAddr string

	// SlackWebhookURL / SlackAlertChannel gate the operational alert sent
	// when a generation permanently fails. Empty means no-op.
	SlackWebhookURL   string
	SlackAlertChannel string

	// MetricsAddr is where /metrics is served; empty disables it.
	MetricsAddr string
}

// Validate fills in defaults and checks required fields, returning a
// sentinel from internal/errors on the first missing required value.
func (c *Config) Validate() error {
	if c.HubRobotUser == "" {
		return poerrors.ErrMissingHubRobotUser
	}
	if c.HubRobotSecret == "" {
		return poerrors.ErrMissingHubRobotSecret
	}
	if c.KeycloakURL == "" {
		return poerrors.ErrMissingKeycloakURL
	}
	if c.PostgresHost == "" {
		return poerrors.ErrMissingPostgresHost
	}

	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:8000"
	}
	if c.KeycloakRealm == "" {
		c.KeycloakRealm = "flame"
	}
	if c.PostgresPort == 0 {
		c.PostgresPort = 5432
	}
	if c.PostgresDB == "" {
		c.PostgresDB = "postgres"
	}
	if c.PostgresUser == "" {
		c.PostgresUser = "postgres"
	}
	if c.StatusLoopInterval == 0 {
		c.StatusLoopInterval = 10 * time.Second
	}
	if c.InternalStatusTimeout == 0 {
		c.InternalStatusTimeout = 10 * time.Second
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = 10
	}

	return nil
}
