package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/domainshift/segtrain/internal/domain"
)

// InMemoryMetricStore keeps runs and metrics in process memory. It backs
// runs without a configured database and the monitor's recent-metrics view.
type InMemoryMetricStore struct {
	mu     sync.RWMutex
	runs   map[uuid.UUID]*domain.RunRecord
	status map[uuid.UUID]string
	points map[uuid.UUID][]domain.MetricPoint

	// keep bounds memory for long runs; 0 means unbounded.
	keep int
}

func NewInMemoryMetricStore(keep int) *InMemoryMetricStore {
	return &InMemoryMetricStore{
		runs:   make(map[uuid.UUID]*domain.RunRecord),
		status: make(map[uuid.UUID]string),
		points: make(map[uuid.UUID][]domain.MetricPoint),
		keep:   keep,
	}
}

func (s *InMemoryMetricStore) CreateRun(ctx context.Context, r *domain.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.RunID] = r
	s.status[r.RunID] = "running"
	return nil
}

func (s *InMemoryMetricStore) Record(ctx context.Context, points []domain.MetricPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, p := range points {
		p.CreatedAt = now
		s.points[p.RunID] = append(s.points[p.RunID], p)
		if s.keep > 0 && len(s.points[p.RunID]) > s.keep {
			s.points[p.RunID] = s.points[p.RunID][len(s.points[p.RunID])-s.keep:]
		}
	}
	return nil
}

func (s *InMemoryMetricStore) Recent(ctx context.Context, runID uuid.UUID, limit int) ([]domain.MetricPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.points[runID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]domain.MetricPoint, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

func (s *InMemoryMetricStore) FinishRun(ctx context.Context, runID uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[runID] = status
	return nil
}

// Status returns the recorded lifecycle status of a run.
func (s *InMemoryMetricStore) Status(runID uuid.UUID) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status[runID]
}

// InMemoryPrototypeStore keeps prototypes in process memory.
type InMemoryPrototypeStore struct {
	mu     sync.RWMutex
	protos map[uuid.UUID]map[int][]float32
}

func NewInMemoryPrototypeStore() *InMemoryPrototypeStore {
	return &InMemoryPrototypeStore{protos: make(map[uuid.UUID]map[int][]float32)}
}

func (s *InMemoryPrototypeStore) Upsert(ctx context.Context, runID uuid.UUID, classID int, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.protos[runID] == nil {
		s.protos[runID] = make(map[int][]float32)
	}
	s.protos[runID][classID] = append([]float32(nil), vec...)
	return nil
}

func (s *InMemoryPrototypeStore) Load(ctx context.Context, runID uuid.UUID) (map[int][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int][]float32, len(s.protos[runID]))
	for cls, v := range s.protos[runID] {
		out[cls] = append([]float32(nil), v...)
	}
	return out, nil
}

var (
	_ domain.MetricStore    = (*InMemoryMetricStore)(nil)
	_ domain.PrototypeStore = (*InMemoryPrototypeStore)(nil)
)
