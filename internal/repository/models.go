// Package repository persists analysis generations and their archived
// history as an analysis/archive table pair in Postgres.
package repository

import "time"

// AnalysisStatus is the lifecycle state of one deployment generation.
type AnalysisStatus string

// The full AnalysisStatus enumeration. Transitions are linear forward
// except for Stuck, which is a transient marker during recovery.
const (
	StatusStarting AnalysisStatus = "starting"
	StatusStarted  AnalysisStatus = "started"
	StatusRunning  AnalysisStatus = "running"
	StatusStuck    AnalysisStatus = "stuck"
	StatusStopping AnalysisStatus = "stopping"
	StatusStopped  AnalysisStatus = "stopped"
	StatusFinished AnalysisStatus = "finished"
	StatusFailed   AnalysisStatus = "failed"
)

// LiveStatuses is the set of statuses that make a generation "the live
// generation" of its analysis.
var LiveStatuses = map[AnalysisStatus]bool{
	StatusStarting: true,
	StatusStarted:  true,
	StatusRunning:  true,
	StatusStuck:    true,
}

// GenerationLog is the structured log record persisted once a generation
// is torn down, holding each container's lines keyed by deployment name.
type GenerationLog struct {
	Analysis map[string][]string `json:"analysis"`
	Nginx    map[string][]string `json:"nginx"`
}

// AnalysisGeneration is one launch attempt of an analysis.
type AnalysisGeneration struct {
	ID               int64
	DeploymentName   string
	AnalysisID       string
	ProjectID        string
	Ordinal          int
	RegistryURL      string
	ImageURL         string
	RegistryUser     string
	RegistryPassword string
	KongToken        string
	Namespace        string
	PodIDs           []string
	Status           AnalysisStatus
	Log              *GenerationLog
	Progress         *int
	RestartCounter   int
	TimeCreated      time.Time
	TimeUpdated      time.Time
}

// IsLive reports whether this generation occupies the analysis's single
// live slot: at most one of starting/started/running/stuck per analysis.
func (g AnalysisGeneration) IsLive() bool {
	return LiveStatuses[g.Status]
}

// ArchiveRecord is the shape an AnalysisGeneration is copied into when it
// is permanently retired and removed from the live table.
type ArchiveRecord AnalysisGeneration

// Fields is a partial update, applied by UpdateGeneration /
// UpdateGenerationByAnalysis. Nil fields are left unchanged.
type Fields struct {
	Status         *AnalysisStatus
	Log            *GenerationLog
	PodIDs         []string
	RestartCounter *int
	Progress       *int
}
