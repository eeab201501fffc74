package domain

import (
	"context"

	"github.com/google/uuid"
)

// Dataset yields labelled samples keyed by domain index. Implementations own
// on-disk layout and decoding; the trainer only asks for samples.
type Dataset interface {
	// Domains lists every domain index the dataset can serve.
	Domains() []int
	// Len returns the number of samples available for one domain.
	Len(domainID int) int
	// Sample fetches one sample. Malformed samples return a data error.
	Sample(ctx context.Context, domainID, index int) (*Sample, error)
}

// RunRecord describes one training run for the metric sink.
type RunRecord struct {
	RunID         uuid.UUID
	DatasetName   string
	SourceDomains []int
	TargetDomain  int
	Flags         map[string]bool
}

// MetricStore receives per-step scalar diagnostics.
type MetricStore interface {
	CreateRun(ctx context.Context, r *RunRecord) error
	Record(ctx context.Context, points []MetricPoint) error
	Recent(ctx context.Context, runID uuid.UUID, limit int) ([]MetricPoint, error)
	FinishRun(ctx context.Context, runID uuid.UUID, status string) error
}

// CheckpointStore persists TrainingState snapshots at step boundaries.
type CheckpointStore interface {
	Save(ctx context.Context, st *TrainingState) error
	Load(ctx context.Context, runID uuid.UUID) (*TrainingState, error)
}

// PrototypeStore persists running class-mean feature vectors used by the
// prototype consistency variant.
type PrototypeStore interface {
	Upsert(ctx context.Context, runID uuid.UUID, classID int, vec []float32) error
	Load(ctx context.Context, runID uuid.UUID) (map[int][]float32, error)
}

// Evaluator scores the current model on the held-out target domain. It must
// never contribute gradients; the loop calls it between steps.
type Evaluator interface {
	Evaluate(ctx context.Context, epoch int) (float64, error)
}
