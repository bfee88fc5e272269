package blob

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/datapilot/insight-worker/shared/postgresql"
)

const artifactsSchema = `
CREATE TABLE IF NOT EXISTS artifacts (
	id         UUID PRIMARY KEY,
	job_id     TEXT NOT NULL,
	name       TEXT NOT NULL,
	data       BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_artifacts_job_id ON artifacts (job_id);
`

type artifactRow struct {
	ID   string `db:"id"`
	Data []byte `db:"data"`
}

// PostgresStore keeps blobs in an artifacts table. EnsureLocalPath stages
// database blobs into a scratch directory for file-based consumers.
type PostgresStore struct {
	client     *postgresql.Client
	logger     *slog.Logger
	scratchDir string
}

// NewPostgresStore creates the artifacts table if needed and returns a store.
func NewPostgresStore(ctx context.Context, client *postgresql.Client, logger *slog.Logger, scratchDir string) (*PostgresStore, error) {
	if _, err := client.DB().ExecContext(ctx, artifactsSchema); err != nil {
		return nil, fmt.Errorf("failed to ensure artifacts table: %w", err)
	}
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return &PostgresStore{client: client, logger: logger, scratchDir: scratchDir}, nil
}

func (s *PostgresStore) Save(ctx context.Context, data []byte, name, jobID string) (string, error) {
	id := uuid.New().String()
	_, err := s.client.DB().ExecContext(ctx,
		`INSERT INTO artifacts (id, job_id, name, data) VALUES ($1, $2, $3, $4)`,
		id, jobID, name, data,
	)
	if err != nil {
		return "", fmt.Errorf("failed to store artifact: %w", err)
	}
	s.logger.Debug("Artifact stored",
		slog.String("job_id", jobID),
		slog.String("name", name),
		slog.Int("size", len(data)),
	)
	return schemePG + id, nil
}

func (s *PostgresStore) Load(ctx context.Context, ref string) ([]byte, error) {
	scheme, id, err := splitRef(ref)
	if err != nil {
		return nil, err
	}
	if scheme == schemeFile {
		return os.ReadFile(id)
	}

	var row artifactRow
	if err := s.client.DB().GetContext(ctx, &row,
		`SELECT id, data FROM artifacts WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("failed to load artifact %s: %w", id, err)
	}
	return row.Data, nil
}

func (s *PostgresStore) EnsureLocalPath(ctx context.Context, ref string) (string, error) {
	scheme, rest, err := splitRef(ref)
	if err != nil {
		return "", err
	}
	if scheme == schemeFile {
		if _, err := os.Stat(rest); err != nil {
			return "", fmt.Errorf("blob file missing: %w", err)
		}
		return rest, nil
	}

	path := filepath.Join(s.scratchDir, rest)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	data, err := s.Load(ctx, ref)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to stage blob locally: %w", err)
	}
	return path, nil
}
