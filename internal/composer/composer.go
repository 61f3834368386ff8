// Package composer is the deployment composer: it orchestrates the
// cluster façade, credential broker and repository to launch, tear down,
// and recycle the five-resource unit backing one analysis deployment
// generation, with restart bookkeeping across generations.
package composer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/flame-hub/pod-orchestrator/internal/cluster"
	"github.com/flame-hub/pod-orchestrator/internal/credentials"
	"github.com/flame-hub/pod-orchestrator/internal/hub"
	"github.com/flame-hub/pod-orchestrator/internal/repository"
)

// LaunchRequest is the input to Launch: either a brand new analysis (from
// the API's POST /) or a restart of an existing one (from the
// reconciler's unstuck action).
type LaunchRequest struct {
	AnalysisID       string
	ProjectID        string
	RegistryURL      string
	ImageURL         string
	RegistryUser     string
	RegistryPassword string
	KongToken        string
	Namespace        string
	RestartCounter   int
}

// Composer wires the Cluster façade, Credential Broker, Hub client and
// Repository together.
type Composer struct {
	cluster *cluster.Facade
	creds   *credentials.Broker
	hub     *hub.Client
	repo    repository.Repository
	log     zerolog.Logger
}

// New constructs a Composer over its four collaborators.
func New(c *cluster.Facade, creds *credentials.Broker, hubClient *hub.Client, repo repository.Repository, log zerolog.Logger) *Composer {
	return &Composer{cluster: c, creds: creds, hub: hubClient, repo: repo, log: log.With().Str("component", "composer").Logger()}
}

const imagePullSecretName = "flame-harbor-credentials"

// Launch provisions one new deployment generation end to end: image-pull
// credential, ordinal allocation, tokens, the five cluster resources, and
// the Repository row, then reports "started" to the Hub.
func (c *Composer) Launch(ctx context.Context, req LaunchRequest) (repository.AnalysisGeneration, error) {
	if req.Namespace == "" {
		req.Namespace = "default"
	}

	if err := c.cluster.CreateImagePullCredential(ctx, req.RegistryURL, req.RegistryUser, req.RegistryPassword, imagePullSecretName, req.Namespace); err != nil {
		return repository.AnalysisGeneration{}, fmt.Errorf("ensure image pull credential: %w", err)
	}

	existing, err := c.repo.GetGenerations(ctx, req.AnalysisID)
	if err != nil {
		return repository.AnalysisGeneration{}, fmt.Errorf("count existing generations for %s: %w", req.AnalysisID, err)
	}
	ordinal := len(existing) + 1
	deploymentName := fmt.Sprintf("analysis-%s-%d", req.AnalysisID, ordinal)

	creds, err := c.creds.IssueAnalysisCredentials(ctx, req.AnalysisID, req.KongToken)
	if err != nil {
		return repository.AnalysisGeneration{}, fmt.Errorf("issue analysis credentials: %w", err)
	}

	env := []cluster.EnvVar{
		{Name: "DATA_SOURCE_TOKEN", Value: creds.DataSourceToken},
		{Name: "KEYCLOAK_TOKEN", Value: creds.KeycloakToken},
		{Name: "ANALYSIS_ID", Value: req.AnalysisID},
		{Name: "PROJECT_ID", Value: req.ProjectID},
		{Name: "DEPLOYMENT_NAME", Value: deploymentName},
	}

	podIDs, err := c.cluster.CreateAnalysisDeployment(ctx, deploymentName, req.ImageURL, env, req.Namespace)
	if err != nil {
		return repository.AnalysisGeneration{}, fmt.Errorf("create analysis deployment %s: %w", deploymentName, err)
	}

	// The analysis Service listens on 80 and maps to the container's 8000
	// so the proxy can reach it without a port suffix.
	analysisLabels := map[string]string{"app": deploymentName, "component": cluster.ComponentAnalysis}
	if err := c.cluster.CreateService(ctx, deploymentName, deploymentName, req.Namespace, cluster.ProxyContainerPort, cluster.AnalysisContainerPort, analysisLabels); err != nil {
		return repository.AnalysisGeneration{}, fmt.Errorf("create analysis service %s: %w", deploymentName, err)
	}

	if _, err := c.cluster.CreateSidecar(ctx, deploymentName, deploymentName, req.ProjectID, req.AnalysisID, req.Namespace); err != nil {
		return repository.AnalysisGeneration{}, fmt.Errorf("create sidecar for %s: %w", deploymentName, err)
	}

	gen := repository.AnalysisGeneration{
		DeploymentName:   deploymentName,
		AnalysisID:       req.AnalysisID,
		ProjectID:        req.ProjectID,
		Ordinal:          ordinal,
		RegistryURL:      req.RegistryURL,
		ImageURL:         req.ImageURL,
		RegistryUser:     req.RegistryUser,
		RegistryPassword: req.RegistryPassword,
		KongToken:        req.KongToken,
		Namespace:        req.Namespace,
		PodIDs:           podIDs,
		Status:           repository.StatusStarted,
		RestartCounter:   req.RestartCounter,
	}

	created, err := c.repo.CreateGeneration(ctx, gen)
	if err != nil {
		return repository.AnalysisGeneration{}, fmt.Errorf("persist generation %s: %w", deploymentName, err)
	}

	c.emitStarted(ctx, req.AnalysisID)
	return created, nil
}

// emitStarted reports the new generation to the Hub. Hub unavailability
// never fails a launch; the reconciler re-reports on its next tick anyway.
func (c *Composer) emitStarted(ctx context.Context, analysisID string) {
	nodeID, err := c.hub.ResolveNodeID(ctx)
	if err != nil {
		c.log.Warn().Err(err).Str("analysis_id", analysisID).Msg("resolve node id for started report")
		return
	}
	nodeAnalysisID, err := c.hub.ResolveAnalysisNodeID(ctx, analysisID, nodeID)
	if err != nil {
		c.log.Warn().Err(err).Str("analysis_id", analysisID).Msg("resolve analysis-node id for started report")
		return
	}
	if err := c.hub.UpdateRunStatus(ctx, nodeAnalysisID, repository.StatusStarted, nil); err != nil {
		c.log.Warn().Err(err).Str("analysis_id", analysisID).Msg("report started to hub")
	}
}

// Teardown deletes the five cluster resources of a generation and persists
// its final status and log, then optionally revokes the analysis's
// Keycloak client when the whole analysis (not just this generation) is
// being removed.
func (c *Composer) Teardown(ctx context.Context, gen repository.AnalysisGeneration, log *repository.GenerationLog, finalStatus repository.AnalysisStatus, deleteClient bool) error {
	if err := c.cluster.DeleteGeneration(ctx, gen.DeploymentName, gen.Namespace); err != nil {
		return fmt.Errorf("delete generation resources %s: %w", gen.DeploymentName, err)
	}

	status := finalStatus
	if err := c.repo.UpdateGeneration(ctx, gen.DeploymentName, repository.Fields{Status: &status, Log: log}); err != nil {
		return fmt.Errorf("persist teardown status for %s: %w", gen.DeploymentName, err)
	}

	if deleteClient {
		adminToken, err := c.creds.AdminToken(ctx)
		if err != nil {
			return fmt.Errorf("obtain admin token to delete client %s: %w", gen.AnalysisID, err)
		}
		if err := c.creds.DeleteClient(ctx, adminToken, gen.AnalysisID); err != nil {
			return fmt.Errorf("delete keycloak client %s: %w", gen.AnalysisID, err)
		}
	}

	return nil
}

// RecyclePods resets the analysis pods of a generation and rebuilds the
// proxy half of its resources against the new pod IP, used when the
// reconciler detects the sidecar is talking to a stale pod.
func (c *Composer) RecyclePods(ctx context.Context, gen repository.AnalysisGeneration) error {
	if err := c.cluster.DeleteAnalysisPods(ctx, gen.DeploymentName, gen.Namespace); err != nil {
		return fmt.Errorf("delete analysis pods for %s: %w", gen.DeploymentName, err)
	}
	if _, err := c.cluster.RebuildSidecar(ctx, gen.DeploymentName, gen.DeploymentName, gen.ProjectID, gen.AnalysisID, gen.Namespace); err != nil {
		return fmt.Errorf("rebuild sidecar for %s: %w", gen.DeploymentName, err)
	}
	return nil
}
