// Package runstore is the optional Postgres sink for run and checkpoint
// history: it never gates training (a run with no DSN configured simply
// runs without one), and it is never the integrity anchor for a model's
// parameters (the model file and its ".state" companion are) — it
// exists purely so operators can query past runs. Raw database/sql with
// the lib/pq driver, no ORM; parameterized queries are run directly,
// nothing is prepared ahead of time.
package runstore

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/sphere-lm/cllm/go/cllmerr"
)

// Store records run and checkpoint events to Postgres.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and verifies the schema with Migrate.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, cllmerr.Wrap(cllmerr.MalformedInput, "open run store", err)
	}
	if err := db.Ping(); err != nil {
		return nil, cllmerr.Wrap(cllmerr.MalformedInput, "ping run store", err)
	}
	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the runs and checkpoints tables if they don't exist.
func (s *Store) Migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS cllm_runs (
	id UUID PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	vocab_size INT NOT NULL,
	d_model INT NOT NULL,
	num_layers INT NOT NULL,
	symmetry_order INT NOT NULL,
	num_workers INT NOT NULL
);
CREATE TABLE IF NOT EXISTS cllm_checkpoints (
	run_id UUID NOT NULL REFERENCES cllm_runs(id),
	epoch INT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	mean_loss DOUBLE PRECISION NOT NULL,
	grad_norm DOUBLE PRECISION NOT NULL,
	lr DOUBLE PRECISION NOT NULL,
	anomalies INT NOT NULL,
	model_path TEXT NOT NULL,
	PRIMARY KEY (run_id, epoch)
);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return cllmerr.Wrap(cllmerr.MalformedInput, "migrate run store schema", err)
	}
	return nil
}

// RunRecord is one row of cllm_runs.
type RunRecord struct {
	ID            string
	StartedAtUnix int64
	VocabSize     int
	DModel        int
	NumLayers     int
	SymmetryOrder int
	NumWorkers    int
}

// InsertRun records the start of a new run.
func (s *Store) InsertRun(ctx context.Context, r RunRecord) error {
	const q = `INSERT INTO cllm_runs (id, started_at, vocab_size, d_model, num_layers, symmetry_order, num_workers)
VALUES ($1, to_timestamp($2), $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, q, r.ID, r.StartedAtUnix, r.VocabSize, r.DModel, r.NumLayers, r.SymmetryOrder, r.NumWorkers)
	if err != nil {
		return cllmerr.Wrap(cllmerr.MalformedInput, "insert run record", err)
	}
	return nil
}

// CheckpointRecord is one row of cllm_checkpoints.
type CheckpointRecord struct {
	RunID         string
	Epoch         int
	RecordedAtUnix int64
	MeanLoss      float64
	GradNorm      float64
	LR            float64
	Anomalies     int
	ModelPath     string
}

// InsertCheckpoint records one completed epoch's checkpoint metadata.
func (s *Store) InsertCheckpoint(ctx context.Context, c CheckpointRecord) error {
	const q = `INSERT INTO cllm_checkpoints (run_id, epoch, recorded_at, mean_loss, grad_norm, lr, anomalies, model_path)
VALUES ($1, $2, to_timestamp($3), $4, $5, $6, $7, $8)
ON CONFLICT (run_id, epoch) DO UPDATE SET
	recorded_at = EXCLUDED.recorded_at,
	mean_loss = EXCLUDED.mean_loss,
	grad_norm = EXCLUDED.grad_norm,
	lr = EXCLUDED.lr,
	anomalies = EXCLUDED.anomalies,
	model_path = EXCLUDED.model_path`
	_, err := s.db.ExecContext(ctx, q, c.RunID, c.Epoch, c.RecordedAtUnix, c.MeanLoss, c.GradNorm, c.LR, c.Anomalies, c.ModelPath)
	if err != nil {
		return cllmerr.Wrap(cllmerr.MalformedInput, "insert checkpoint record", err)
	}
	return nil
}

// LatestCheckpoint returns the highest-epoch checkpoint recorded for runID.
func (s *Store) LatestCheckpoint(ctx context.Context, runID string) (CheckpointRecord, bool, error) {
	const q = `SELECT run_id, epoch, extract(epoch from recorded_at)::bigint, mean_loss, grad_norm, lr, anomalies, model_path
FROM cllm_checkpoints WHERE run_id = $1 ORDER BY epoch DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, q, runID)
	var c CheckpointRecord
	if err := row.Scan(&c.RunID, &c.Epoch, &c.RecordedAtUnix, &c.MeanLoss, &c.GradNorm, &c.LR, &c.Anomalies, &c.ModelPath); err != nil {
		if err == sql.ErrNoRows {
			return CheckpointRecord{}, false, nil
		}
		return CheckpointRecord{}, false, cllmerr.Wrap(cllmerr.MalformedInput, "query latest checkpoint", err)
	}
	return c, true, nil
}
