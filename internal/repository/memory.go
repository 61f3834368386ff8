package repository

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory Repository used by tests and by local runs
// without a Postgres instance. All operations are serialized by one
// mutex, matching the per-session write serialization the Postgres store
// gets from its pool.
type Memory struct {
	mu      sync.Mutex
	nextID  int64
	rows    map[string]AnalysisGeneration
	archive []ArchiveRecord
}

// NewMemory constructs an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{nextID: 1, rows: map[string]AnalysisGeneration{}}
}

func (m *Memory) CreateGeneration(_ context.Context, g AnalysisGeneration) (AnalysisGeneration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g.ID = m.nextID
	m.nextID++
	now := time.Now()
	g.TimeCreated = now
	g.TimeUpdated = now
	m.rows[g.DeploymentName] = g
	return g, nil
}

func (m *Memory) GetGeneration(_ context.Context, deploymentName string) (*AnalysisGeneration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.rows[deploymentName]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (m *Memory) GetGenerations(_ context.Context, analysisID string) ([]AnalysisGeneration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generationsLocked(analysisID), nil
}

// generationsLocked returns an analysis's generations oldest first.
func (m *Memory) generationsLocked(analysisID string) []AnalysisGeneration {
	var out []AnalysisGeneration
	for _, g := range m.rows {
		if g.AnalysisID == analysisID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TimeCreated.Equal(out[j].TimeCreated) {
			return out[i].ID < out[j].ID
		}
		return out[i].TimeCreated.Before(out[j].TimeCreated)
	})
	return out
}

func (m *Memory) GetLatestGeneration(_ context.Context, analysisID string) (*AnalysisGeneration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gens := m.generationsLocked(analysisID)
	if len(gens) == 0 {
		return nil, nil
	}
	g := gens[len(gens)-1]
	return &g, nil
}

func (m *Memory) ListAnalysisIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]bool{}
	var ids []string
	for _, g := range m.rows {
		if !seen[g.AnalysisID] {
			seen[g.AnalysisID] = true
			ids = append(ids, g.AnalysisID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func applyFields(g *AnalysisGeneration, fields Fields) {
	if fields.Status != nil {
		g.Status = *fields.Status
	}
	if fields.Log != nil {
		g.Log = fields.Log
	}
	if fields.PodIDs != nil {
		g.PodIDs = fields.PodIDs
	}
	if fields.RestartCounter != nil {
		g.RestartCounter = *fields.RestartCounter
	}
	if fields.Progress != nil {
		g.Progress = fields.Progress
	}
	g.TimeUpdated = time.Now()
}

func (m *Memory) UpdateGeneration(_ context.Context, deploymentName string, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.rows[deploymentName]
	if !ok {
		return nil
	}
	applyFields(&g, fields)
	m.rows[deploymentName] = g
	return nil
}

func (m *Memory) UpdateGenerationByAnalysis(_ context.Context, analysisID string, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, g := range m.rows {
		if g.AnalysisID == analysisID {
			applyFields(&g, fields)
			m.rows[name] = g
		}
	}
	return nil
}

func (m *Memory) DeleteByAnalysis(_ context.Context, analysisID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, g := range m.rows {
		if g.AnalysisID == analysisID {
			delete(m.rows, name)
		}
	}
	return nil
}

func (m *Memory) DeleteGeneration(_ context.Context, deploymentName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, deploymentName)
	return nil
}

func (m *Memory) AnalysisIsLive(ctx context.Context, analysisID string) (bool, error) {
	g, err := m.GetLatestGeneration(ctx, analysisID)
	if err != nil || g == nil {
		return false, err
	}
	return g.IsLive(), nil
}

func (m *Memory) PruneOlderGenerations(_ context.Context, analysisID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gens := m.generationsLocked(analysisID)
	for i := 0; i < len(gens)-1; i++ {
		delete(m.rows, gens[i].DeploymentName)
	}
	return nil
}

func (m *Memory) ArchiveGeneration(_ context.Context, g AnalysisGeneration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archive = append(m.archive, ArchiveRecord(g))
	return nil
}

// Archived returns the archived records, for inspection in tests.
func (m *Memory) Archived() []ArchiveRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ArchiveRecord, len(m.archive))
	copy(out, m.archive)
	return out
}
