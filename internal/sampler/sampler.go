package sampler

import (
	"context"
	"math/rand"

	"go.uber.org/zap"

	"github.com/domainshift/segtrain/internal/domain"
)

// maxSkipsPerSlot bounds how many malformed samples one batch slot may skip
// before the batch fails and is resampled by the caller.
const maxSkipsPerSlot = 8

// Sampler draws domain-balanced batches from the active source domains. It
// keeps one shuffled index arena per domain, reshuffled whenever a domain's
// arena is exhausted, and fills batch slots round-robin across domains so
// every source domain is represented whenever batchSize >= |sources|.
// The target domain is never drawn from.
type Sampler struct {
	ds        domain.Dataset
	set       *domain.DomainSet
	batchSize int
	rng       *rand.Rand
	logger    *zap.Logger

	arenas  map[int][]int
	cursors map[int]int
}

// New validates the configuration against the dataset and seeds the arenas.
func New(ds domain.Dataset, set *domain.DomainSet, batchSize int, seed int64, logger *zap.Logger) (*Sampler, error) {
	if set == nil || set.NumSources() == 0 {
		return nil, domain.NewConfigError("sampler", "source domain set is empty")
	}
	if batchSize < set.NumSources() {
		return nil, domain.NewConfigError("sampler",
			"batch size %d cannot represent all %d source domains", batchSize, set.NumSources())
	}
	available := make(map[int]bool)
	for _, d := range ds.Domains() {
		available[d] = true
	}
	for _, d := range set.Sources {
		if !available[d] {
			return nil, domain.NewConfigError("sampler",
				"source domain %d not present in dataset (available %v)", d, ds.Domains())
		}
		if ds.Len(d) == 0 {
			return nil, domain.NewConfigError("sampler", "source domain %d has no samples", d)
		}
	}

	s := &Sampler{
		ds:        ds,
		set:       set,
		batchSize: batchSize,
		rng:       rand.New(rand.NewSource(seed)),
		logger:    logger,
		arenas:    make(map[int][]int, set.NumSources()),
		cursors:   make(map[int]int, set.NumSources()),
	}
	for _, d := range set.Sources {
		s.reshuffle(d)
	}
	return s, nil
}

func (s *Sampler) reshuffle(domainID int) {
	n := s.ds.Len(domainID)
	arena := make([]int, n)
	for i := range arena {
		arena[i] = i
	}
	s.rng.Shuffle(n, func(i, j int) { arena[i], arena[j] = arena[j], arena[i] })
	s.arenas[domainID] = arena
	s.cursors[domainID] = 0
}

// nextIndex returns the next arena index for a domain, reshuffling at wrap.
func (s *Sampler) nextIndex(domainID int) int {
	if s.cursors[domainID] >= len(s.arenas[domainID]) {
		s.reshuffle(domainID)
	}
	idx := s.arenas[domainID][s.cursors[domainID]]
	s.cursors[domainID]++
	return idx
}

// NextBatch draws one domain-balanced batch. Malformed samples are skipped
// with a warning; a slot that cannot find a valid sample fails the batch.
func (s *Sampler) NextBatch(ctx context.Context) (*domain.Batch, error) {
	batch := &domain.Batch{Samples: make([]*domain.Sample, 0, s.batchSize)}
	for slot := 0; slot < s.batchSize; slot++ {
		domainID := s.set.Sources[slot%s.set.NumSources()]

		var sample *domain.Sample
		for attempt := 0; attempt < maxSkipsPerSlot; attempt++ {
			idx := s.nextIndex(domainID)
			got, err := s.ds.Sample(ctx, domainID, idx)
			if err != nil {
				if domain.IsDataError(err) {
					s.logger.Warn("skipping malformed sample",
						zap.Int("domain", domainID),
						zap.Int("index", idx),
						zap.Error(err))
					continue
				}
				return nil, err
			}
			if err := got.Validate(); err != nil {
				s.logger.Warn("skipping invalid sample",
					zap.Int("domain", domainID),
					zap.Int("index", idx),
					zap.Error(err))
				continue
			}
			sample = got
			break
		}
		if sample == nil {
			return nil, domain.NewDataError("sampler",
				"domain %d produced no valid sample after %d attempts", domainID, maxSkipsPerSlot)
		}
		if sample.DomainID == s.set.Target {
			return nil, domain.NewDataError("sampler",
				"dataset returned target domain %d sample during training", s.set.Target)
		}
		batch.Samples = append(batch.Samples, sample)
	}
	return batch, nil
}

