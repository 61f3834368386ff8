package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/flame-hub/pod-orchestrator/internal/cluster"
	"github.com/flame-hub/pod-orchestrator/internal/composer"
	"github.com/flame-hub/pod-orchestrator/internal/hub"
	"github.com/flame-hub/pod-orchestrator/internal/metrics"
	"github.com/flame-hub/pod-orchestrator/internal/notify"
	"github.com/flame-hub/pod-orchestrator/internal/repository"
)

// Reconciler is the single cooperative loop that
// reads each live analysis's Repository status against its cluster-
// reported internal status once per tick and resolves any mismatch.
type Reconciler struct {
	repo     repository.Repository
	composer *composer.Composer
	cluster  *cluster.Facade
	hub      *hub.Client
	prober   *Prober
	notifier *notify.Notifier

	interval    time.Duration
	maxRestarts int
	log         zerolog.Logger

	nodeID          string
	nodeAnalysisIDs map[string]string
}

// New constructs a Reconciler. notifier may be nil; Slack alerting is
// optional and gated by configuration.
func New(repo repository.Repository, comp *composer.Composer, cl *cluster.Facade, hubClient *hub.Client, prober *Prober, notifier *notify.Notifier, interval time.Duration, maxRestarts int, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		repo:            repo,
		composer:        comp,
		cluster:         cl,
		hub:             hubClient,
		prober:          prober,
		notifier:        notifier,
		interval:        interval,
		maxRestarts:     maxRestarts,
		log:             log.With().Str("component", "reconciler").Logger(),
		nodeAnalysisIDs: map[string]string{},
	}
}

// Run ticks every interval until ctx is cancelled, logging (not panicking
// on) per-tick errors so a single bad tick never kills the loop.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.log.Error().Err(err).Msg("reconciler tick failed")
			}
		}
	}
}

// Tick runs one pass over every live analysis.
func (r *Reconciler) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.ReconcilerTickDuration.Observe(time.Since(start).Seconds()) }()

	ids, err := r.repo.ListAnalysisIDs(ctx)
	if err != nil {
		metrics.ReconcilerTicksTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.ReconcilerTicksTotal.WithLabelValues("ok").Inc()

	for _, analysisID := range ids {
		live, err := r.repo.AnalysisIsLive(ctx, analysisID)
		if err != nil {
			r.log.Error().Err(err).Str("analysis_id", analysisID).Msg("check live status")
			continue
		}
		if !live {
			continue
		}
		r.tickOne(ctx, analysisID)
	}
	return nil
}

func (r *Reconciler) tickOne(ctx context.Context, analysisID string) {
	log := r.log.With().Str("analysis_id", analysisID).Logger()

	gen, err := r.repo.GetLatestGeneration(ctx, analysisID)
	if err != nil {
		log.Error().Err(err).Msg("get latest generation")
		return
	}
	if gen == nil {
		return
	}
	log = log.With().Str("deployment_name", gen.DeploymentName).Logger()

	dbStatus := gen.Status
	var intStatus repository.AnalysisStatus
	if dbStatus == repository.StatusFinished {
		intStatus = repository.StatusFinished
	} else {
		intStatus = r.prober.ProbeInternal(ctx, gen.DeploymentName, analysisID)
	}

	action := decide(dbStatus, intStatus)
	log.Debug().Str("db_status", string(dbStatus)).Str("int_status", string(intStatus)).Str("action", string(action)).Msg("reconciler decision")
	metrics.ReconcilerActionsTotal.WithLabelValues(string(action)).Inc()

	finalDBStatus := dbStatus
	switch action {
	case ActionUnstuck:
		finalDBStatus = r.applyUnstuck(ctx, *gen, dbStatus, intStatus, log)
	case ActionPromoteRunning:
		finalDBStatus = r.applyPromoteRunning(ctx, *gen, log)
	case ActionFinalize:
		finalDBStatus = r.applyFinalize(ctx, *gen, intStatus, log)
	case ActionNone:
		// no state change
	}

	r.reportToHub(ctx, analysisID, finalDBStatus, intStatus, gen.Progress, log)
}

// applyUnstuck implements the unstuck action's restart/terminal split.
func (r *Reconciler) applyUnstuck(ctx context.Context, gen repository.AnalysisGeneration, dbStatus, intStatus repository.AnalysisStatus, log zerolog.Logger) repository.AnalysisStatus {
	// A running analysis whose sidecar reports stuck usually means the
	// analysis pods were recycled underneath it and the proxy is still
	// pinned to a stale pod IP. Rebuilding the sidecar against the fresh
	// pods is enough; no new generation and no restart charge.
	if intStatus == repository.StatusStuck && dbStatus == repository.StatusRunning && r.podsRecycled(ctx, gen) {
		if err := r.composer.RecyclePods(ctx, gen); err != nil {
			log.Error().Err(err).Msg("recycle analysis pods")
		} else {
			r.refreshPodIDs(ctx, gen, log)
			log.Info().Msg("rebuilt sidecar after pod recycle")
			return dbStatus
		}
	}

	failed := repository.StatusFailed
	if err := r.repo.UpdateGeneration(ctx, gen.DeploymentName, repository.Fields{Status: &failed}); err != nil {
		log.Error().Err(err).Msg("mark generation failed")
		return dbStatus
	}

	class, k8sMsg := r.classify(ctx, dbStatus, intStatus, gen, log)
	restartNum := gen.RestartCounter
	text := createStartUpErrorLog(time.Now(), restartNum, r.maxRestarts, class, k8sMsg)
	log.Warn().Str("classification", string(class)).Msg(text)

	if r.nodeAnalysisIDFor(ctx, gen.AnalysisID) != "" {
		_ = r.hub.PostLog(ctx, gen.AnalysisID, r.nodeID, hub.LogError, string(repository.StatusFailed), text)
	}

	if gen.RestartCounter >= r.maxRestarts {
		log.Error().Msg("analysis exhausted restart budget, remaining permanently failed")
		metrics.PermanentFailuresTotal.Inc()
		if r.notifier != nil {
			r.notifier.NotifyPermanentFailure(gen.AnalysisID, gen.DeploymentName, text)
		}
		return repository.StatusFailed
	}
	metrics.RestartsTotal.WithLabelValues(gen.AnalysisID).Inc()

	replacement, err := r.composer.Launch(ctx, composer.LaunchRequest{
		AnalysisID:       gen.AnalysisID,
		ProjectID:        gen.ProjectID,
		RegistryURL:      gen.RegistryURL,
		ImageURL:         gen.ImageURL,
		RegistryUser:     gen.RegistryUser,
		RegistryPassword: gen.RegistryPassword,
		KongToken:        gen.KongToken,
		Namespace:        gen.Namespace,
		RestartCounter:   gen.RestartCounter + 1,
	})
	if err != nil {
		log.Error().Err(err).Msg("launch replacement generation")
		return repository.StatusFailed
	}

	if err := r.repo.PruneOlderGenerations(ctx, gen.AnalysisID); err != nil {
		log.Error().Err(err).Msg("prune older generations")
	}

	return replacement.Status
}

// podsRecycled reports whether the live analysis pods differ from the set
// recorded at launch, meaning something replaced them externally.
func (r *Reconciler) podsRecycled(ctx context.Context, gen repository.AnalysisGeneration) bool {
	statuses, err := r.cluster.GetPodStatus(ctx, gen.DeploymentName, gen.Namespace)
	if err != nil || statuses == nil {
		return false
	}
	recorded := map[string]bool{}
	for _, id := range gen.PodIDs {
		recorded[id] = true
	}
	for name := range statuses {
		if !recorded[name] {
			return true
		}
	}
	return false
}

// refreshPodIDs re-records the current analysis pod names after a recycle.
func (r *Reconciler) refreshPodIDs(ctx context.Context, gen repository.AnalysisGeneration, log zerolog.Logger) {
	statuses, err := r.cluster.GetPodStatus(ctx, gen.DeploymentName, gen.Namespace)
	if err != nil || statuses == nil {
		return
	}
	podIDs := make([]string, 0, len(statuses))
	for name := range statuses {
		podIDs = append(podIDs, name)
	}
	if err := r.repo.UpdateGeneration(ctx, gen.DeploymentName, repository.Fields{PodIDs: podIDs}); err != nil {
		log.Error().Err(err).Msg("record recycled pod ids")
	}
}

// classify distinguishes "slow" from "k8s" for startup failures by
// reading the readiness of one pod of the generation. Pods are visited in
// map order and the last one visited is used, so when several pods exist
// which one decides is not defined; it is not chosen by creation time. An
// internal stuck report is always classified stuck.
func (r *Reconciler) classify(ctx context.Context, dbStatus, intStatus repository.AnalysisStatus, gen repository.AnalysisGeneration, log zerolog.Logger) (ErrorClass, string) {
	if intStatus == repository.StatusStuck {
		return ErrorClassStuck, ""
	}

	statuses, err := r.cluster.GetPodStatus(ctx, gen.DeploymentName, gen.Namespace)
	if err != nil || len(statuses) == 0 {
		return ErrorClassSlow, ""
	}
	var last cluster.PodStatus
	for _, s := range statuses {
		last = s
	}
	if !last.Ready {
		log.Warn().Str("reason", last.Reason).Str("message", last.Message).Msg("analysis pod not ready")
		return ErrorClassK8s, last.Reason
	}
	return ErrorClassSlow, ""
}

func (r *Reconciler) applyPromoteRunning(ctx context.Context, gen repository.AnalysisGeneration, log zerolog.Logger) repository.AnalysisStatus {
	running := repository.StatusRunning
	if err := r.repo.UpdateGeneration(ctx, gen.DeploymentName, repository.Fields{Status: &running}); err != nil {
		log.Error().Err(err).Msg("promote generation to running")
		return gen.Status
	}
	return repository.StatusRunning
}

// applyFinalize implements the finalize action: tear down cluster
// resources, persist the joined logs, set the final status.
func (r *Reconciler) applyFinalize(ctx context.Context, gen repository.AnalysisGeneration, intStatus repository.AnalysisStatus, log zerolog.Logger) repository.AnalysisStatus {
	finalStatus := intStatus
	if finalStatus != repository.StatusFinished && finalStatus != repository.StatusFailed {
		finalStatus = repository.StatusFailed
	}

	genLog := r.collectLogs(ctx, gen, log)

	if err := r.composer.Teardown(ctx, gen, genLog, finalStatus, false); err != nil {
		log.Error().Err(err).Msg("teardown generation")
	}

	return finalStatus
}

// collectLogs gathers the analysis and proxy container logs for a
// generation.
func (r *Reconciler) collectLogs(ctx context.Context, gen repository.AnalysisGeneration, log zerolog.Logger) *repository.GenerationLog {
	analysisLines, err := r.cluster.GetLogs(ctx, gen.DeploymentName, nil, gen.Namespace)
	if err != nil {
		log.Warn().Err(err).Msg("collect analysis logs")
	}
	nginxLines, err := r.cluster.GetLogs(ctx, "nginx-"+gen.DeploymentName, nil, gen.Namespace)
	if err != nil {
		log.Warn().Err(err).Msg("collect proxy logs")
	}

	return &repository.GenerationLog{
		Analysis: map[string][]string{gen.DeploymentName: analysisLines},
		Nginx:    map[string][]string{"nginx-" + gen.DeploymentName: nginxLines},
	}
}

// nodeAnalysisIDFor resolves (and caches) the Hub node-analysis relation
// id for an analysis.
func (r *Reconciler) nodeAnalysisIDFor(ctx context.Context, analysisID string) string {
	if id, ok := r.nodeAnalysisIDs[analysisID]; ok {
		return id
	}

	if r.nodeID == "" {
		nodeID, err := r.hub.ResolveNodeID(ctx)
		if err != nil {
			return ""
		}
		r.nodeID = nodeID
	}

	id, err := r.hub.ResolveAnalysisNodeID(ctx, analysisID, r.nodeID)
	if err != nil {
		return ""
	}
	r.nodeAnalysisIDs[analysisID] = id
	return id
}

// reportToHub computes the mapped status and pushes it to the Hub.
func (r *Reconciler) reportToHub(ctx context.Context, analysisID string, dbStatus, intStatus repository.AnalysisStatus, progress *int, log zerolog.Logger) {
	nodeAnalysisID := r.nodeAnalysisIDFor(ctx, analysisID)
	if nodeAnalysisID == "" {
		return
	}

	status := hubStatus(dbStatus, intStatus)
	if err := r.hub.UpdateRunStatus(ctx, nodeAnalysisID, status, progress); err != nil {
		log.Error().Err(err).Msg("report status to hub")
	}
}
