package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/domainshift/segtrain/internal/domain"
)

// FileCheckpointStore writes TrainingState snapshots under the run's save
// path. Writes go through a temp file and rename so a crash never leaves a
// partial checkpoint.
type FileCheckpointStore struct {
	dir string
}

func NewFileCheckpointStore(dir string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir: %w", err)
	}
	return &FileCheckpointStore{dir: dir}, nil
}

func (s *FileCheckpointStore) path(runID uuid.UUID) string {
	return filepath.Join(s.dir, fmt.Sprintf("checkpoint-%s.json", runID))
}

func (s *FileCheckpointStore) Save(ctx context.Context, st *domain.TrainingState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	tmp := s.path(st.RunID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return os.Rename(tmp, s.path(st.RunID))
}

func (s *FileCheckpointStore) Load(ctx context.Context, runID uuid.UUID) (*domain.TrainingState, error) {
	raw, err := os.ReadFile(s.path(runID))
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var st domain.TrainingState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	return &st, nil
}

var _ domain.CheckpointStore = (*FileCheckpointStore)(nil)
