package sampler

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/domainshift/segtrain/internal/dataset"
	"github.com/domainshift/segtrain/internal/domain"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func testSet(t *testing.T, sources []int, target int) *domain.DomainSet {
	t.Helper()
	set, err := domain.NewDomainSet(sources, target)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return set
}

func TestNew_RejectsSmallBatch(t *testing.T) {
	ds := dataset.NewSynthetic([]int{1, 2, 3}, 4, 1, 8, 8, 2, 1)
	set := testSet(t, []int{1, 2, 3}, 0)

	_, err := New(ds, set, 2, 1, testLogger())
	if !domain.IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestNew_RejectsMissingDomain(t *testing.T) {
	ds := dataset.NewSynthetic([]int{1, 2}, 4, 1, 8, 8, 2, 1)
	set := testSet(t, []int{1, 2, 3}, 0)

	_, err := New(ds, set, 4, 1, testLogger())
	if !domain.IsConfigError(err) {
		t.Fatalf("expected config error for absent domain 3, got %v", err)
	}
}

func TestNew_RejectsEmptyDomain(t *testing.T) {
	// domain 3 is listed by the dataset but holds zero samples.
	ds := dataset.NewSynthetic([]int{1, 2}, 4, 1, 8, 8, 2, 1)
	mds := &mockDataset{base: ds, extraDomain: 3}
	set := testSet(t, []int{1, 2, 3}, 0)
	_, err := New(mds, set, 4, 1, testLogger())
	if !domain.IsConfigError(err) {
		t.Fatalf("expected config error for empty domain, got %v", err)
	}
}

// mockDataset wraps a synthetic dataset and reports one extra domain with no
// samples, plus optional per-index failures.
type mockDataset struct {
	base        domain.Dataset
	extraDomain int
	failEvery   int // every Nth index returns a data error; 0 disables
}

func (m *mockDataset) Domains() []int {
	return append(m.base.Domains(), m.extraDomain)
}

func (m *mockDataset) Len(domainID int) int {
	if domainID == m.extraDomain {
		return 0
	}
	return m.base.Len(domainID)
}

func (m *mockDataset) Sample(ctx context.Context, domainID, index int) (*domain.Sample, error) {
	if m.failEvery > 0 && index%m.failEvery == 0 {
		return nil, domain.NewDataError("mock", "corrupt sample %d", index)
	}
	return m.base.Sample(ctx, domainID, index)
}

func TestNextBatch_NeverDrawsTarget(t *testing.T) {
	ds := dataset.NewSynthetic([]int{0, 1, 2, 3}, 8, 1, 8, 8, 2, 7)
	set := testSet(t, []int{1, 2, 3}, 0)

	s, err := New(ds, set, 6, 7, testLogger())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	for i := 0; i < 50; i++ {
		batch, err := s.NextBatch(context.Background())
		if err != nil {
			t.Fatalf("batch %d: expected no error, got %v", i, err)
		}
		if batch.Size() != 6 {
			t.Fatalf("batch %d: expected 6 samples, got %d", i, batch.Size())
		}
		for _, id := range batch.DomainIDs() {
			if id == set.Target {
				t.Fatalf("batch %d contained target domain %d", i, set.Target)
			}
			if !set.Contains(id) {
				t.Fatalf("batch %d contained unknown domain %d", i, id)
			}
		}
	}
}

func TestNextBatch_CoversAllSourceDomains(t *testing.T) {
	ds := dataset.NewSynthetic([]int{1, 2, 3}, 8, 1, 8, 8, 2, 3)
	set := testSet(t, []int{1, 2, 3}, 0)

	s, err := New(ds, set, 4, 3, testLogger())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	batch, err := s.NextBatch(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	seen := make(map[int]bool)
	for _, id := range batch.DomainIDs() {
		seen[id] = true
	}
	for _, d := range set.Sources {
		if !seen[d] {
			t.Fatalf("domain %d missing from batch %v", d, batch.DomainIDs())
		}
	}
}

func TestNextBatch_SkipsMalformedSamples(t *testing.T) {
	base := dataset.NewSynthetic([]int{1, 2}, 8, 1, 8, 8, 2, 5)
	mds := &mockDataset{base: base, extraDomain: 9, failEvery: 3}
	set := testSet(t, []int{1, 2}, 0)

	s, err := New(mds, set, 4, 5, testLogger())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	batch, err := s.NextBatch(context.Background())
	if err != nil {
		t.Fatalf("expected batch despite corrupt samples, got %v", err)
	}
	for i, smp := range batch.Samples {
		if err := smp.Validate(); err != nil {
			t.Fatalf("sample %d invalid: %v", i, err)
		}
	}
}

func TestNextBatch_FailsWhenAllSamplesCorrupt(t *testing.T) {
	base := dataset.NewSynthetic([]int{1, 2}, 8, 1, 8, 8, 2, 5)
	mds := &mockDataset{base: base, extraDomain: 9, failEvery: 1}
	set := testSet(t, []int{1, 2}, 0)

	s, err := New(mds, set, 2, 5, testLogger())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	_, err = s.NextBatch(context.Background())
	if !domain.IsDataError(err) {
		t.Fatalf("expected data error, got %v", err)
	}
}

func TestNextBatch_Exhaustion_Reshuffles(t *testing.T) {
	ds := dataset.NewSynthetic([]int{1, 2}, 2, 1, 4, 4, 2, 11)
	set := testSet(t, []int{1, 2}, 0)

	s, err := New(ds, set, 2, 11, testLogger())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	// 2 samples per domain, 1 slot per domain per batch: every batch past
	// the second forces a reshuffle.
	for i := 0; i < 10; i++ {
		if _, err := s.NextBatch(context.Background()); err != nil {
			t.Fatalf("batch %d: expected no error, got %v", i, err)
		}
	}
}
