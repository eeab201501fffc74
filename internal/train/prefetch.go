package train

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/domainshift/segtrain/internal/domain"
	"github.com/domainshift/segtrain/internal/sampler"
)

const defaultPrefetchDepth = 2

// prefetcher is a bounded producer that keeps a few sampled batches ahead of
// the synchronous step consumer. It only samples; it never touches model
// state. Failed batches (data errors) are logged and resampled.
type prefetcher struct {
	sampler *sampler.Sampler
	ch      chan *domain.Batch
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func newPrefetcher(ctx context.Context, s *sampler.Sampler, depth int, logger *zap.Logger) *prefetcher {
	if depth <= 0 {
		depth = defaultPrefetchDepth
	}
	p := &prefetcher{
		sampler: s,
		ch:      make(chan *domain.Batch, depth),
		logger:  logger,
	}
	p.wg.Add(1)
	go p.produce(ctx)
	return p
}

func (p *prefetcher) produce(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.ch)
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := p.sampler.NextBatch(ctx)
		if err != nil {
			if domain.IsDataError(err) {
				p.logger.Warn("batch failed, resampling", zap.Error(err))
				continue
			}
			p.logger.Error("sampler failed", zap.Error(err))
			return
		}
		select {
		case p.ch <- batch:
		case <-ctx.Done():
			return
		}
	}
}

// next blocks for the next batch; returns false when the producer stopped.
func (p *prefetcher) next(ctx context.Context) (*domain.Batch, bool) {
	select {
	case batch, ok := <-p.ch:
		return batch, ok
	case <-ctx.Done():
		return nil, false
	}
}

func (p *prefetcher) wait() { p.wg.Wait() }
