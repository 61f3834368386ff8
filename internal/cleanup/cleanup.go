// Package cleanup removes orphaned state the normal analysis lifecycle
// left behind: zombie cluster resources whose analysis has no repository
// row, stale Keycloak clients, and node-wide platform pods that need a
// forced reinit.
package cleanup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/flame-hub/pod-orchestrator/internal/cluster"
	"github.com/flame-hub/pod-orchestrator/internal/composer"
	"github.com/flame-hub/pod-orchestrator/internal/credentials"
	"github.com/flame-hub/pod-orchestrator/internal/repository"
)

// The cleanup scopes DELETE /cleanup/{cleanup_type} recognizes.
const (
	ScopeAll      = "all"
	ScopeAnalyzes = "analyzes"
	ScopeServices = "services"
	ScopeMB       = "mb"
	ScopeRS       = "rs"
	ScopeKeycloak = "keycloak"
	ScopeZombies  = "zombies"
)

// zombieKinds maps each swept resource kind to the label selectors that
// find PO-owned resources of that kind and the number of right-splits
// needed to peel the name back to "analysis-<analysis_id>". Deployments
// and Services are named analysis-<id>-<ordinal>; NetworkPolicies and
// ConfigMaps carry one extra suffix segment; pods carry the ordinal plus
// the replica-set and pod hash segments.
var zombieKinds = []struct {
	kind      string
	selectors []string
	rsplits   int
}{
	{"deployment", []string{"component=" + cluster.ComponentAnalysis, "component=" + cluster.ComponentAnalysisNginx}, 1},
	{"pod", []string{"component=" + cluster.ComponentAnalysis, "component=" + cluster.ComponentAnalysisNginx}, 3},
	{"service", []string{"component=" + cluster.ComponentAnalysis, "component=" + cluster.ComponentAnalysisNginx}, 1},
	{"networkpolicy", []string{"component=" + cluster.ComponentNetworkPolicy}, 2},
	{"configmap", []string{"component=" + cluster.ComponentConfigMap}, 2},
}

// DeriveAnalysisID peels a swept resource name back to the analysis id it
// was created for, or "" if the name does not follow the PO naming scheme.
func DeriveAnalysisID(name string, rsplits int) string {
	name = strings.TrimPrefix(name, "nginx-")
	if !strings.HasPrefix(name, "analysis-") {
		return ""
	}
	for i := 0; i < rsplits; i++ {
		idx := strings.LastIndex(name, "-")
		if idx < 0 {
			return ""
		}
		name = name[:idx]
	}
	return strings.TrimPrefix(name, "analysis-")
}

// Sweeper runs the cleanup scopes against the cluster, repository and
// auth server.
type Sweeper struct {
	repo      repository.Repository
	cluster   *cluster.Facade
	creds     *credentials.Broker
	composer  *composer.Composer
	namespace string
	log       zerolog.Logger

	// settleDelay is how long Unstuck waits for the cluster to process the
	// teardown before relaunching. Tests shorten it.
	settleDelay time.Duration
}

// NewSweeper constructs a Sweeper operating in one namespace.
func NewSweeper(repo repository.Repository, cl *cluster.Facade, creds *credentials.Broker, comp *composer.Composer, namespace string, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		repo:        repo,
		cluster:     cl,
		creds:       creds,
		composer:    comp,
		namespace:   namespace,
		log:         log.With().Str("component", "cleanup").Logger(),
		settleDelay: 10 * time.Second,
	}
}

// Run executes every requested cleanup scope and always finishes with the
// zombie sweep, returning a per-scope result description.
func (s *Sweeper) Run(ctx context.Context, cleanupType string) map[string]string {
	scopes := strings.Split(cleanupType, ",")
	out := map[string]string{}

	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		switch scope {
		case ScopeAll, ScopeAnalyzes, ScopeServices, ScopeMB, ScopeRS, ScopeKeycloak, ScopeZombies:
		default:
			out[scope] = fmt.Sprintf("Unknown cleanup type: %s (known types: 'zombies', 'all', 'analyzes', 'keycloak', 'services', 'mb', and 'rs')", scope)
			continue
		}

		if scope == ScopeAll || scope == ScopeAnalyzes {
			out[scope] = s.cleanAnalyses(ctx)
		}
		if scope == ScopeAll || scope == ScopeServices || scope == ScopeMB {
			s.resetPlatformPod(ctx, "component=flame-message-broker")
			out[scope] = "Reset message broker"
		}
		if scope == ScopeAll || scope == ScopeServices || scope == ScopeRS {
			s.resetPlatformPod(ctx, "component=flame-result-service")
			out[scope] = "Reset result service"
		}
		if scope == ScopeAll || scope == ScopeKeycloak {
			out[scope] = s.cleanKeycloakClients(ctx)
		}
	}

	out[ScopeZombies] = s.SweepZombies(ctx)
	return out
}

// cleanAnalyses archives and removes every repository row. Cluster
// resources are not touched directly; the following zombie sweep (always
// run) removes them now that their analysis ids are gone.
func (s *Sweeper) cleanAnalyses(ctx context.Context) string {
	ids, err := s.repo.ListAnalysisIDs(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list analysis ids")
		return fmt.Sprintf("Failed to list analyses: %v", err)
	}

	for _, id := range ids {
		gens, err := s.repo.GetGenerations(ctx, id)
		if err != nil {
			s.log.Error().Err(err).Str("analysis_id", id).Msg("load generations for archive")
			continue
		}
		for _, g := range gens {
			if err := s.repo.ArchiveGeneration(ctx, g); err != nil {
				s.log.Error().Err(err).Str("deployment_name", g.DeploymentName).Msg("archive generation")
			}
		}
		if err := s.repo.DeleteByAnalysis(ctx, id); err != nil {
			s.log.Error().Err(err).Str("analysis_id", id).Msg("delete analysis rows")
		}
	}

	return fmt.Sprintf("Deleted %d analysis deployments and associated resources from database (%v)", len(ids), ids)
}

// resetPlatformPod deletes a node-wide platform pod by label so its
// Deployment reschedules a fresh one. These are not PO-owned resources.
func (s *Sweeper) resetPlatformPod(ctx context.Context, selector string) {
	names, err := s.cluster.ListResources(ctx, "pod", selector, s.namespace)
	if err != nil {
		s.log.Error().Err(err).Str("selector", selector).Msg("list platform pods")
		return
	}
	for _, name := range names {
		if err := s.cluster.DeletePod(ctx, name, s.namespace); err != nil {
			s.log.Error().Err(err).Str("pod", name).Msg("delete platform pod")
		}
	}
}

// cleanKeycloakClients deletes every flame- client whose analysis id has
// no live repository row.
func (s *Sweeper) cleanKeycloakClients(ctx context.Context) string {
	ids, err := s.repo.ListAnalysisIDs(ctx)
	if err != nil {
		return fmt.Sprintf("Failed to list analyses: %v", err)
	}
	known := map[string]bool{}
	for _, id := range ids {
		known[id] = true
	}

	adminToken, err := s.creds.AdminToken(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("obtain keycloak admin token")
		return fmt.Sprintf("Failed to obtain admin token: %v", err)
	}
	clients, err := s.creds.ListClients(ctx, adminToken)
	if err != nil {
		s.log.Error().Err(err).Msg("list keycloak clients")
		return fmt.Sprintf("Failed to list clients: %v", err)
	}

	deleted := 0
	for _, c := range clients {
		if !strings.HasPrefix(c.ClientID, "flame-") {
			continue
		}
		analysisID := strings.TrimPrefix(c.ClientID, "flame-")
		if known[analysisID] {
			continue
		}
		if err := s.creds.DeleteClient(ctx, adminToken, analysisID); err != nil {
			s.log.Error().Err(err).Str("client_id", c.ClientID).Msg("delete stale keycloak client")
			continue
		}
		deleted++
	}
	return fmt.Sprintf("Deleted %d stale keycloak clients", deleted)
}

// SweepZombies deletes every PO-labeled cluster resource whose derived
// analysis id has no repository row. It never touches a resource whose
// analysis id is still known.
func (s *Sweeper) SweepZombies(ctx context.Context) string {
	ids, err := s.repo.ListAnalysisIDs(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list analysis ids for zombie sweep")
		return fmt.Sprintf("Failed to list analyses: %v", err)
	}
	known := map[string]bool{}
	for _, id := range ids {
		known[id] = true
	}

	var result strings.Builder
	for _, zk := range zombieKinds {
		for _, selector := range zk.selectors {
			names, err := s.cluster.ListResources(ctx, zk.kind, selector, s.namespace)
			if err != nil {
				s.log.Error().Err(err).Str("kind", zk.kind).Str("selector", selector).Msg("list resources for zombie sweep")
				continue
			}

			deleted := 0
			for _, name := range names {
				analysisID := DeriveAnalysisID(name, zk.rsplits)
				if analysisID == "" || known[analysisID] {
					continue
				}
				if err := s.cluster.DeleteResource(ctx, zk.kind, name, s.namespace); err != nil {
					s.log.Error().Err(err).Str("kind", zk.kind).Str("name", name).Msg("delete zombie resource")
					continue
				}
				deleted++
			}

			prefix := ""
			if strings.Contains(selector, "-nginx") {
				prefix = "nginx-"
			}
			fmt.Fprintf(&result, "Deleted %d zombie %s%ss\n", deleted, prefix, zk.kind)
		}
	}
	return result.String()
}

// Unstuck is the operator-triggered manual unstick: tear the analysis
// down, wait for the cluster to settle, then relaunch it from its
// last-known repository row and prune older generations. Distinct from the
// reconciler's automatic unstuck action, which only fires on probe results.
func (s *Sweeper) Unstuck(ctx context.Context, analysisID string) error {
	gen, err := s.repo.GetLatestGeneration(ctx, analysisID)
	if err != nil {
		return fmt.Errorf("load latest generation for %s: %w", analysisID, err)
	}
	if gen == nil {
		return nil
	}

	if err := s.composer.Teardown(ctx, *gen, gen.Log, repository.StatusStopped, false); err != nil {
		return fmt.Errorf("stop %s for manual unstick: %w", gen.DeploymentName, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.settleDelay):
	}

	if _, err := s.composer.Launch(ctx, composer.LaunchRequest{
		AnalysisID:       gen.AnalysisID,
		ProjectID:        gen.ProjectID,
		RegistryURL:      gen.RegistryURL,
		ImageURL:         gen.ImageURL,
		RegistryUser:     gen.RegistryUser,
		RegistryPassword: gen.RegistryPassword,
		KongToken:        gen.KongToken,
		Namespace:        gen.Namespace,
		RestartCounter:   gen.RestartCounter,
	}); err != nil {
		return fmt.Errorf("relaunch %s after manual unstick: %w", analysisID, err)
	}

	return s.repo.PruneOlderGenerations(ctx, analysisID)
}
