package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flame-hub/pod-orchestrator/internal/composer"
	"github.com/flame-hub/pod-orchestrator/internal/hub"
	"github.com/flame-hub/pod-orchestrator/internal/repository"
)

// terminalStatuses are the states whose generations show up in /history.
var terminalStatuses = map[repository.AnalysisStatus]bool{
	repository.StatusStopped:  true,
	repository.StatusFinished: true,
	repository.StatusFailed:   true,
}

// analysisIDs resolves the optional {analysis_id} path segment: absent or
// "all" means every known analysis.
func (s *Server) analysisIDs(r *http.Request) ([]string, error) {
	id := chi.URLParam(r, "analysis_id")
	if id == "" || id == "all" {
		return s.repo.ListAnalysisIDs(r.Context())
	}
	return []string{id}, nil
}

// latestGenerations loads the newest generation for each requested id,
// skipping analyses with no rows.
func (s *Server) latestGenerations(ctx context.Context, ids []string) (map[string]repository.AnalysisGeneration, error) {
	out := map[string]repository.AnalysisGeneration{}
	for _, id := range ids {
		gen, err := s.repo.GetLatestGeneration(ctx, id)
		if err != nil {
			return nil, err
		}
		if gen != nil {
			out[id] = *gen
		}
	}
	return out, nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	_, err := s.launcher.Launch(r.Context(), composer.LaunchRequest{
		AnalysisID:       req.AnalysisID,
		ProjectID:        req.ProjectID,
		RegistryURL:      req.RegistryURL,
		ImageURL:         req.ImageURL,
		RegistryUser:     req.RegistryUser,
		RegistryPassword: req.RegistryPassword,
		KongToken:        req.KongToken,
		Namespace:        s.namespace,
		RestartCounter:   0,
	})
	if err != nil {
		s.log.Error().Err(err).Str("analysis_id", req.AnalysisID).Msg("launch analysis")
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to launch analysis: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(repository.StatusStarted)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ids, err := s.analysisIDs(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	gens, err := s.latestGenerations(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := LogsResponse{Analysis: map[string][]string{}, Nginx: map[string][]string{}}
	for id, gen := range gens {
		if !terminalStatuses[gen.Status] || gen.Log == nil {
			continue
		}
		resp.Analysis[id] = gen.Log.Analysis[gen.DeploymentName]
		resp.Nginx[id] = gen.Log.Nginx["nginx-"+gen.DeploymentName]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	ids, err := s.analysisIDs(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	gens, err := s.latestGenerations(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := LogsResponse{Analysis: map[string][]string{}, Nginx: map[string][]string{}}
	for id, gen := range gens {
		if gen.Status != repository.StatusRunning {
			continue
		}
		live := s.collectLiveLogs(r.Context(), gen)
		resp.Analysis[id] = live.Analysis[gen.DeploymentName]
		resp.Nginx[id] = live.Nginx["nginx-"+gen.DeploymentName]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ids, err := s.analysisIDs(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	gens, err := s.latestGenerations(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]string{}
	for id, gen := range gens {
		resp[id] = string(gen.Status)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePods(w http.ResponseWriter, r *http.Request) {
	ids, err := s.analysisIDs(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	gens, err := s.latestGenerations(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string][]string{}
	for id, gen := range gens {
		resp[id] = gen.PodIDs
	}
	writeJSON(w, http.StatusOK, resp)
}

// collectLiveLogs reads the current logs of both containers of a
// generation, shaped like the persisted GenerationLog.
func (s *Server) collectLiveLogs(ctx context.Context, gen repository.AnalysisGeneration) repository.GenerationLog {
	analysisLines, err := s.logs.GetLogs(ctx, gen.DeploymentName, gen.PodIDs, gen.Namespace)
	if err != nil {
		s.log.Warn().Err(err).Str("deployment_name", gen.DeploymentName).Msg("collect analysis logs")
	}
	nginxLines, err := s.logs.GetLogs(ctx, "nginx-"+gen.DeploymentName, nil, gen.Namespace)
	if err != nil {
		s.log.Warn().Err(err).Str("deployment_name", gen.DeploymentName).Msg("collect proxy logs")
	}
	return repository.GenerationLog{
		Analysis: map[string][]string{gen.DeploymentName: analysisLines},
		Nginx:    map[string][]string{"nginx-" + gen.DeploymentName: nginxLines},
	}
}

// stopOne finalizes a generation from the API path: capture logs, tear
// down the cluster resources, persist the final status. Failed and
// finished generations keep their status; everything else becomes stopped.
func (s *Server) stopOne(ctx context.Context, gen repository.AnalysisGeneration) (repository.AnalysisStatus, error) {
	final := repository.StatusStopped
	if gen.Status == repository.StatusFailed || gen.Status == repository.StatusFinished {
		final = gen.Status
	}

	genLog := s.collectLiveLogs(ctx, gen)
	if err := s.launcher.Teardown(ctx, gen, &genLog, final, false); err != nil {
		return gen.Status, err
	}
	return final, nil
}

// reportStatus pushes one status update to the Hub from the API path,
// tolerating Hub unavailability.
func (s *Server) reportStatus(ctx context.Context, analysisID string, status repository.AnalysisStatus) {
	nodeID, err := s.hub.ResolveNodeID(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("analysis_id", analysisID).Msg("resolve node id")
		return
	}
	nodeAnalysisID, err := s.hub.ResolveAnalysisNodeID(ctx, analysisID, nodeID)
	if err != nil {
		s.log.Warn().Err(err).Str("analysis_id", analysisID).Msg("resolve analysis-node id")
		return
	}
	if err := s.hub.UpdateRunStatus(ctx, nodeAnalysisID, status, nil); err != nil {
		s.log.Warn().Err(err).Str("analysis_id", analysisID).Msg("report status to hub")
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ids, err := s.analysisIDs(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	gens, err := s.latestGenerations(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]string{}
	for id, gen := range gens {
		final, err := s.stopOne(r.Context(), gen)
		if err != nil {
			s.log.Error().Err(err).Str("analysis_id", id).Msg("stop analysis")
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to stop %s: %v", id, err))
			return
		}
		resp[id] = string(final)
		s.reportStatus(r.Context(), id, final)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ids, err := s.analysisIDs(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	gens, err := s.latestGenerations(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]string{}
	for id, gen := range gens {
		status := gen.Status
		if !terminalStatuses[status] {
			status, err = s.stopOne(r.Context(), gen)
			if err != nil {
				s.log.Error().Err(err).Str("analysis_id", id).Msg("stop analysis before delete")
				writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to stop %s: %v", id, err))
				return
			}
		}

		// Teardown with deleteClient revokes the analysis's Keycloak
		// identity along with any leftover cluster resources.
		if err := s.launcher.Teardown(r.Context(), gen, gen.Log, status, true); err != nil {
			s.log.Error().Err(err).Str("analysis_id", id).Msg("revoke analysis credentials")
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to delete %s: %v", id, err))
			return
		}

		// Archive every generation before removing the live rows.
		all, err := s.repo.GetGenerations(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, g := range all {
			if err := s.repo.ArchiveGeneration(r.Context(), g); err != nil {
				s.log.Error().Err(err).Str("deployment_name", g.DeploymentName).Msg("archive generation")
			}
		}
		if err := s.repo.DeleteByAnalysis(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp[id] = string(status)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	cleanupType := chi.URLParam(r, "cleanup_type")
	writeJSON(w, http.StatusOK, s.cleaner.Run(r.Context(), cleanupType))
}

func (s *Server) handleUnstuck(w http.ResponseWriter, r *http.Request) {
	analysisID := chi.URLParam(r, "analysis_id")
	if err := s.cleaner.Unstuck(r.Context(), analysisID); err != nil {
		s.log.Error().Err(err).Str("analysis_id", analysisID).Msg("manual unstick")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{analysisID: "restarted"})
}

// handleStreamLogs ingests a log entry pushed by an analysis's sidecar,
// appends it to the generation's stored log and forwards it to the Hub.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	var req StreamLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	gen, err := s.repo.GetLatestGeneration(r.Context(), req.AnalysisID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if gen == nil {
		writeError(w, http.StatusNotFound, "analysis not found")
		return
	}

	entry := fmt.Sprintf("[%s -- %s] %s", uuid.NewString(), time.Now().Format(time.RFC3339), req.Log)
	stored := gen.Log
	if stored == nil {
		stored = &repository.GenerationLog{Analysis: map[string][]string{}, Nginx: map[string][]string{}}
	}
	if stored.Analysis == nil {
		stored.Analysis = map[string][]string{}
	}
	stored.Analysis[gen.DeploymentName] = append(stored.Analysis[gen.DeploymentName], entry)

	fields := repository.Fields{Log: stored}
	if req.Progress != nil {
		fields.Progress = req.Progress
	}
	if err := s.repo.UpdateGeneration(r.Context(), gen.DeploymentName, fields); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.forwardLog(r.Context(), req)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// forwardLog streams one ingested entry on to the Hub, mapping the
// sidecar's syslog-style log_type onto the Hub's level vocabulary.
func (s *Server) forwardLog(ctx context.Context, req StreamLogRequest) {
	nodeID, err := s.hub.ResolveNodeID(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("analysis_id", req.AnalysisID).Msg("resolve node id for log forward")
		return
	}
	if err := s.hub.PostLog(ctx, req.AnalysisID, nodeID, hubLevel(req.LogType), req.Status, req.Log); err != nil {
		s.log.Warn().Err(err).Str("analysis_id", req.AnalysisID).Msg("forward log to hub")
	}
}

func hubLevel(logType string) hub.LogLevel {
	switch logType {
	case "emerg", "alert", "crit", "error":
		return hub.LogError
	case "warn":
		return hub.LogWarning
	case "notice":
		return hub.LogNotice
	case "debug":
		return hub.LogDebug
	default:
		return hub.LogInfo
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.alive() {
		writeError(w, http.StatusInternalServerError, "supervisor is not alive")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
