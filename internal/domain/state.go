package domain

import (
	"time"

	"github.com/google/uuid"
)

// TrainingState is the durable per-run state. It is owned by the training
// loop, mutated only at step boundaries, and snapshotted at checkpoint
// boundaries.
type TrainingState struct {
	RunID      uuid.UUID `json:"run_id"`
	Epoch      int       `json:"epoch"`
	Step       int       `json:"step"`
	Seed       int64     `json:"seed"`
	Parameters [][]float32 `json:"parameters"`
}

// RunStatus is the live snapshot served by the monitor endpoint.
type RunStatus struct {
	RunID         uuid.UUID  `json:"run_id"`
	Epoch         int        `json:"epoch"`
	Step          int        `json:"step"`
	TotalLoss     float64    `json:"total_loss"`
	Terms         *LossTerms `json:"terms,omitempty"`
	SourceDomains []int      `json:"source_domains"`
	TargetDomain  int        `json:"target_domain"`
	StartedAt     time.Time  `json:"started_at"`
	Running       bool       `json:"running"`
}

// MetricPoint is one scalar diagnostic keyed by run and step.
type MetricPoint struct {
	RunID     uuid.UUID `json:"run_id"`
	Step      int       `json:"step"`
	Epoch     int       `json:"epoch"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}
