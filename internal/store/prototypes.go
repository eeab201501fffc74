package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/domainshift/segtrain/internal/domain"
)

// PrototypeStore persists class prototype feature vectors per run, so a
// resumed run continues from the same running means.
type PrototypeStore struct {
	db *pgxpool.Pool
}

func NewPrototypeStore(db *pgxpool.Pool) *PrototypeStore {
	return &PrototypeStore{db: db}
}

func (s *PrototypeStore) Upsert(ctx context.Context, runID uuid.UUID, classID int, vec []float32) error {
	v := pgvector.NewVector(vec)
	_, err := s.db.Exec(ctx,
		`INSERT INTO class_prototypes (run_id, class_id, prototype, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (run_id, class_id)
		 DO UPDATE SET prototype = EXCLUDED.prototype, updated_at = now()`,
		runID, classID, v,
	)
	return err
}

func (s *PrototypeStore) Load(ctx context.Context, runID uuid.UUID) (map[int][]float32, error) {
	rows, err := s.db.Query(ctx,
		`SELECT class_id, prototype FROM class_prototypes WHERE run_id = $1`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	protos := make(map[int][]float32)
	for rows.Next() {
		var classID int
		var v pgvector.Vector
		if err := rows.Scan(&classID, &v); err != nil {
			return nil, err
		}
		protos[classID] = v.Slice()
	}
	return protos, rows.Err()
}

var _ domain.PrototypeStore = (*PrototypeStore)(nil)
