package api

import (
	"encoding/json"
	"net/http"
)

// CreateAnalysisRequest is the body of POST /po/.
type CreateAnalysisRequest struct {
	AnalysisID       string `json:"analysis_id" validate:"required"`
	ProjectID        string `json:"project_id" validate:"required"`
	RegistryURL      string `json:"registry_url" validate:"required"`
	ImageURL         string `json:"image_url" validate:"required"`
	RegistryUser     string `json:"registry_user" validate:"required"`
	RegistryPassword string `json:"registry_password" validate:"required"`
	KongToken        string `json:"kong_token" validate:"required"`
}

// StreamLogRequest is the body of POST /po/stream_logs, submitted by an
// analysis's sidecar through the proxy routing table.
type StreamLogRequest struct {
	AnalysisID string `json:"analysis_id" validate:"required"`
	Status     string `json:"status"`
	Progress   *int   `json:"progress"`
	LogType    string `json:"log_type"`
	Log        string `json:"log" validate:"required"`
}

// LogsResponse groups per-analysis log lines by container.
type LogsResponse struct {
	Analysis map[string][]string `json:"analysis"`
	Nginx    map[string][]string `json:"nginx"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
