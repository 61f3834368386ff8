package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	poerrors "github.com/flame-hub/pod-orchestrator/internal/errors"
)

// Repository is the persistence surface the Composer, Reconciler and API
// handlers depend on. It is an interface so the api, cleanup and composer
// tests can run against the in-memory Memory implementation.
type Repository interface {
	CreateGeneration(ctx context.Context, g AnalysisGeneration) (AnalysisGeneration, error)
	GetGeneration(ctx context.Context, deploymentName string) (*AnalysisGeneration, error)
	GetGenerations(ctx context.Context, analysisID string) ([]AnalysisGeneration, error)
	GetLatestGeneration(ctx context.Context, analysisID string) (*AnalysisGeneration, error)
	ListAnalysisIDs(ctx context.Context) ([]string, error)
	UpdateGeneration(ctx context.Context, deploymentName string, fields Fields) error
	UpdateGenerationByAnalysis(ctx context.Context, analysisID string, fields Fields) error
	DeleteByAnalysis(ctx context.Context, analysisID string) error
	DeleteGeneration(ctx context.Context, deploymentName string) error
	AnalysisIsLive(ctx context.Context, analysisID string) (bool, error)
	PruneOlderGenerations(ctx context.Context, analysisID string) error
	ArchiveGeneration(ctx context.Context, g AnalysisGeneration) error
}

// Store is a Postgres-backed Repository implementation using pgx/v5.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-configured pgxpool.Pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// schema is the analysis/archive table pair. Migrate applies it on boot;
// both tables share one shape so archived rows round-trip unchanged.
const schema = `
CREATE TABLE IF NOT EXISTS analysis (
	id               BIGSERIAL PRIMARY KEY,
	deployment_name  TEXT NOT NULL UNIQUE,
	analysis_id      TEXT NOT NULL,
	project_id       TEXT NOT NULL,
	ordinal          INTEGER NOT NULL,
	registry_url     TEXT NOT NULL DEFAULT '',
	image_url        TEXT NOT NULL DEFAULT '',
	registry_user    TEXT NOT NULL DEFAULT '',
	registry_password TEXT NOT NULL DEFAULT '',
	kong_token       TEXT NOT NULL DEFAULT '',
	namespace        TEXT NOT NULL DEFAULT 'default',
	pod_ids          JSONB,
	status           TEXT NOT NULL,
	log              JSONB,
	progress         INTEGER,
	restart_counter  INTEGER NOT NULL DEFAULT 0,
	time_created     TIMESTAMPTZ NOT NULL DEFAULT now(),
	time_updated     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (analysis_id, ordinal)
);
CREATE INDEX IF NOT EXISTS analysis_analysis_id_idx ON analysis (analysis_id);

CREATE TABLE IF NOT EXISTS archive (
	id               BIGSERIAL PRIMARY KEY,
	deployment_name  TEXT NOT NULL,
	analysis_id      TEXT NOT NULL,
	project_id       TEXT NOT NULL,
	ordinal          INTEGER NOT NULL,
	registry_url     TEXT NOT NULL DEFAULT '',
	image_url        TEXT NOT NULL DEFAULT '',
	registry_user    TEXT NOT NULL DEFAULT '',
	registry_password TEXT NOT NULL DEFAULT '',
	kong_token       TEXT NOT NULL DEFAULT '',
	namespace        TEXT NOT NULL DEFAULT 'default',
	pod_ids          JSONB,
	status           TEXT NOT NULL,
	log              JSONB,
	progress         INTEGER,
	restart_counter  INTEGER NOT NULL DEFAULT 0,
	time_created     TIMESTAMPTZ NOT NULL,
	time_updated     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS archive_analysis_id_idx ON archive (analysis_id);
`

// Migrate creates the analysis and archive tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("%w: apply schema: %v", poerrors.ErrRepository, err)
	}
	return nil
}

const generationColumns = `id, deployment_name, analysis_id, project_id, ordinal, registry_url,
	image_url, registry_user, registry_password, kong_token, namespace, pod_ids,
	status, log, progress, restart_counter, time_created, time_updated`

func scanGeneration(row pgx.Row) (AnalysisGeneration, error) {
	var g AnalysisGeneration
	var podIDs []byte
	var logBlob []byte
	var status string
	if err := row.Scan(
		&g.ID, &g.DeploymentName, &g.AnalysisID, &g.ProjectID, &g.Ordinal, &g.RegistryURL,
		&g.ImageURL, &g.RegistryUser, &g.RegistryPassword, &g.KongToken, &g.Namespace, &podIDs,
		&status, &logBlob, &g.Progress, &g.RestartCounter, &g.TimeCreated, &g.TimeUpdated,
	); err != nil {
		return AnalysisGeneration{}, err
	}
	g.Status = AnalysisStatus(status)
	if len(podIDs) > 0 {
		if err := json.Unmarshal(podIDs, &g.PodIDs); err != nil {
			return AnalysisGeneration{}, fmt.Errorf("decode pod_ids: %w", err)
		}
	}
	if len(logBlob) > 0 {
		var l GenerationLog
		if err := json.Unmarshal(logBlob, &l); err != nil {
			return AnalysisGeneration{}, fmt.Errorf("decode log: %w", err)
		}
		g.Log = &l
	}
	return g, nil
}

// CreateGeneration inserts a new generation row and returns it with its
// generated id and timestamps.
func (s *Store) CreateGeneration(ctx context.Context, g AnalysisGeneration) (AnalysisGeneration, error) {
	podIDs, err := json.Marshal(g.PodIDs)
	if err != nil {
		return AnalysisGeneration{}, fmt.Errorf("encode pod_ids: %w", err)
	}
	var logBlob []byte
	if g.Log != nil {
		if logBlob, err = json.Marshal(g.Log); err != nil {
			return AnalysisGeneration{}, fmt.Errorf("encode log: %w", err)
		}
	}

	query := `INSERT INTO analysis (deployment_name, analysis_id, project_id, ordinal, registry_url,
		image_url, registry_user, registry_password, kong_token, namespace, pod_ids, status, log,
		progress, restart_counter, time_created, time_updated)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15, now(), now())
		RETURNING ` + generationColumns

	row := s.pool.QueryRow(ctx, query,
		g.DeploymentName, g.AnalysisID, g.ProjectID, g.Ordinal, g.RegistryURL,
		g.ImageURL, g.RegistryUser, g.RegistryPassword, g.KongToken, g.Namespace, podIDs,
		string(g.Status), logBlob, g.Progress, g.RestartCounter,
	)
	out, err := scanGeneration(row)
	if err != nil {
		return AnalysisGeneration{}, fmt.Errorf("%w: create generation %s: %v", poerrors.ErrRepository, g.DeploymentName, err)
	}
	return out, nil
}

// GetGeneration looks up a single generation by its unique deployment name.
func (s *Store) GetGeneration(ctx context.Context, deploymentName string) (*AnalysisGeneration, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM analysis WHERE deployment_name = $1`, deploymentName)
	g, err := scanGeneration(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get generation %s: %v", poerrors.ErrRepository, deploymentName, err)
	}
	return &g, nil
}

// GetGenerations returns all generations of one analysis, oldest first.
func (s *Store) GetGenerations(ctx context.Context, analysisID string) ([]AnalysisGeneration, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+generationColumns+` FROM analysis WHERE analysis_id = $1 ORDER BY time_created ASC`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("%w: get generations for %s: %v", poerrors.ErrRepository, analysisID, err)
	}
	defer rows.Close()

	var out []AnalysisGeneration
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan generation: %v", poerrors.ErrRepository, err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetLatestGeneration returns the most recently created generation of an
// analysis, or nil if none exists.
func (s *Store) GetLatestGeneration(ctx context.Context, analysisID string) (*AnalysisGeneration, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM analysis WHERE analysis_id = $1
		ORDER BY time_created DESC LIMIT 1`, analysisID)
	g, err := scanGeneration(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get latest generation for %s: %v", poerrors.ErrRepository, analysisID, err)
	}
	return &g, nil
}

// ListAnalysisIDs returns every distinct analysis id with at least one
// generation row.
func (s *Store) ListAnalysisIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT analysis_id FROM analysis`)
	if err != nil {
		return nil, fmt.Errorf("%w: list analysis ids: %v", poerrors.ErrRepository, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan analysis id: %v", poerrors.ErrRepository, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateGeneration applies a partial update to one generation row.
func (s *Store) UpdateGeneration(ctx context.Context, deploymentName string, fields Fields) error {
	set, args, err := buildSet(fields)
	if err != nil {
		return err
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, deploymentName)
	query := fmt.Sprintf(`UPDATE analysis SET %s, time_updated = now() WHERE deployment_name = $%d`, joinSet(set), len(args))
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: update generation %s: %v", poerrors.ErrRepository, deploymentName, err)
	}
	return nil
}

// UpdateGenerationByAnalysis applies a partial update to every generation
// row of an analysis (used for bulk stop/delete).
func (s *Store) UpdateGenerationByAnalysis(ctx context.Context, analysisID string, fields Fields) error {
	set, args, err := buildSet(fields)
	if err != nil {
		return err
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, analysisID)
	query := fmt.Sprintf(`UPDATE analysis SET %s, time_updated = now() WHERE analysis_id = $%d`, joinSet(set), len(args))
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: update generations for %s: %v", poerrors.ErrRepository, analysisID, err)
	}
	return nil
}

// DeleteByAnalysis removes every generation row of an analysis.
func (s *Store) DeleteByAnalysis(ctx context.Context, analysisID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM analysis WHERE analysis_id = $1`, analysisID); err != nil {
		return fmt.Errorf("%w: delete by analysis %s: %v", poerrors.ErrRepository, analysisID, err)
	}
	return nil
}

// DeleteGeneration removes a single generation row.
func (s *Store) DeleteGeneration(ctx context.Context, deploymentName string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM analysis WHERE deployment_name = $1`, deploymentName); err != nil {
		return fmt.Errorf("%w: delete generation %s: %v", poerrors.ErrRepository, deploymentName, err)
	}
	return nil
}

// AnalysisIsLive reports whether the latest generation of an analysis
// occupies the live slot.
func (s *Store) AnalysisIsLive(ctx context.Context, analysisID string) (bool, error) {
	g, err := s.GetLatestGeneration(ctx, analysisID)
	if err != nil {
		return false, err
	}
	if g == nil {
		return false, nil
	}
	return g.IsLive(), nil
}

// PruneOlderGenerations deletes every generation of an analysis except the
// most recently created one.
func (s *Store) PruneOlderGenerations(ctx context.Context, analysisID string) error {
	query := `DELETE FROM analysis WHERE analysis_id = $1 AND deployment_name NOT IN (
		SELECT deployment_name FROM analysis WHERE analysis_id = $1 ORDER BY time_created DESC LIMIT 1)`
	if _, err := s.pool.Exec(ctx, query, analysisID); err != nil {
		return fmt.Errorf("%w: prune older generations for %s: %v", poerrors.ErrRepository, analysisID, err)
	}
	return nil
}

// ArchiveGeneration copies a generation into the archive table, giving the
// archive table a writer on every retirement path.
func (s *Store) ArchiveGeneration(ctx context.Context, g AnalysisGeneration) error {
	podIDs, err := json.Marshal(g.PodIDs)
	if err != nil {
		return fmt.Errorf("encode pod_ids: %w", err)
	}
	var logBlob []byte
	if g.Log != nil {
		if logBlob, err = json.Marshal(g.Log); err != nil {
			return fmt.Errorf("encode log: %w", err)
		}
	}
	query := `INSERT INTO archive (deployment_name, analysis_id, project_id, ordinal, registry_url,
		image_url, registry_user, registry_password, kong_token, namespace, pod_ids, status, log,
		progress, restart_counter, time_created, time_updated)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`
	_, err = s.pool.Exec(ctx, query,
		g.DeploymentName, g.AnalysisID, g.ProjectID, g.Ordinal, g.RegistryURL,
		g.ImageURL, g.RegistryUser, g.RegistryPassword, g.KongToken, g.Namespace, podIDs,
		string(g.Status), logBlob, g.Progress, g.RestartCounter, g.TimeCreated, g.TimeUpdated,
	)
	if err != nil {
		return fmt.Errorf("%w: archive generation %s: %v", poerrors.ErrRepository, g.DeploymentName, err)
	}
	return nil
}

func buildSet(fields Fields) ([]string, []any, error) {
	var set []string
	var args []any
	n := 1
	next := func(col string, val any) {
		set = append(set, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, val)
		n++
	}

	if fields.Status != nil {
		next("status", string(*fields.Status))
	}
	if fields.Log != nil {
		blob, err := json.Marshal(fields.Log)
		if err != nil {
			return nil, nil, fmt.Errorf("encode log: %w", err)
		}
		next("log", blob)
	}
	if fields.PodIDs != nil {
		blob, err := json.Marshal(fields.PodIDs)
		if err != nil {
			return nil, nil, fmt.Errorf("encode pod_ids: %w", err)
		}
		next("pod_ids", blob)
	}
	if fields.RestartCounter != nil {
		next("restart_counter", *fields.RestartCounter)
	}
	if fields.Progress != nil {
		next("progress", *fields.Progress)
	}
	return set, args, nil
}

func joinSet(set []string) string {
	out := set[0]
	for _, s := range set[1:] {
		out += ", " + s
	}
	return out
}
