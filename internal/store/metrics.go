package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/domainshift/segtrain/internal/domain"
)

// MetricStore persists runs and per-step scalar metrics in Postgres.
type MetricStore struct {
	db *pgxpool.Pool
}

func NewMetricStore(db *pgxpool.Pool) *MetricStore {
	return &MetricStore{db: db}
}

func (s *MetricStore) CreateRun(ctx context.Context, r *domain.RunRecord) error {
	flags := make(map[string]any, len(r.Flags))
	for k, v := range r.Flags {
		flags[k] = v
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO training_runs (id, dataset, source_domains, target_domain, flags, status)
		 VALUES ($1, $2, $3, $4, $5, 'running')`,
		r.RunID, r.DatasetName, r.SourceDomains, r.TargetDomain, flags,
	)
	return err
}

func (s *MetricStore) Record(ctx context.Context, points []domain.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(
			`INSERT INTO training_metrics (run_id, step, epoch, name, value)
			 VALUES ($1, $2, $3, $4, $5)`,
			p.RunID, p.Step, p.Epoch, p.Name, p.Value,
		)
	}
	return s.db.SendBatch(ctx, batch).Close()
}

func (s *MetricStore) Recent(ctx context.Context, runID uuid.UUID, limit int) ([]domain.MetricPoint, error) {
	rows, err := s.db.Query(ctx,
		`SELECT run_id, step, epoch, name, value, created_at
		 FROM training_metrics WHERE run_id = $1
		 ORDER BY step DESC, name ASC
		 LIMIT $2`,
		runID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []domain.MetricPoint
	for rows.Next() {
		var p domain.MetricPoint
		if err := rows.Scan(&p.RunID, &p.Step, &p.Epoch, &p.Name, &p.Value, &p.CreatedAt); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *MetricStore) FinishRun(ctx context.Context, runID uuid.UUID, status string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE training_runs SET status = $2, finished_at = now() WHERE id = $1`,
		runID, status,
	)
	return err
}
