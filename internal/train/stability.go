package train

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/domainshift/segtrain/internal/domain"
)

const (
	defaultSegFailureThreshold      = 25
	defaultOptionalFailureThreshold = 1000

	instabilityLogBurst = 5
)

// stabilityTracker counts consecutive non-finite occurrences per loss term.
// Optional terms are zeroed for the step and only warned about; the required
// segmentation term aborts the run once its lower threshold is exceeded.
// Warnings are rate-limited so a diverging term cannot flood the log.
type stabilityTracker struct {
	segThreshold      int
	optionalThreshold int
	counts            map[domain.TermName]int
	limiter           *rate.Limiter
	logger            *zap.Logger
}

func newStabilityTracker(segThreshold, optionalThreshold int, logger *zap.Logger) *stabilityTracker {
	if segThreshold <= 0 {
		segThreshold = defaultSegFailureThreshold
	}
	if optionalThreshold <= 0 {
		optionalThreshold = defaultOptionalFailureThreshold
	}
	return &stabilityTracker{
		segThreshold:      segThreshold,
		optionalThreshold: optionalThreshold,
		counts:            make(map[domain.TermName]int),
		limiter:           rate.NewLimiter(rate.Every(time.Second), instabilityLogBurst),
		logger:            logger,
	}
}

// observe updates the consecutive counters for one step. active is the
// composer's resolved term set; unstable lists the terms that came back
// non-finite. Returns a fatal numeric error when the segmentation term has
// failed too many consecutive steps.
func (t *stabilityTracker) observe(step int, active, unstable []domain.TermName) error {
	bad := make(map[domain.TermName]bool, len(unstable))
	for _, name := range unstable {
		bad[name] = true
	}
	for _, name := range active {
		if !bad[name] {
			t.counts[name] = 0
			continue
		}
		t.counts[name]++
		if t.limiter.Allow() {
			t.logger.Warn("non-finite loss term zeroed",
				zap.String("term", string(name)),
				zap.Int("step", step),
				zap.Int("consecutive", t.counts[name]))
		}
		if name == domain.TermSegmentation && t.counts[name] >= t.segThreshold {
			return domain.NewNumericError("train",
				"segmentation loss non-finite for %d consecutive steps (step %d)",
				t.counts[name], step)
		}
		if name != domain.TermSegmentation && t.counts[name] == t.optionalThreshold {
			// Optional terms never abort; surface the milestone once.
			t.logger.Warn("optional loss term persistently unstable",
				zap.String("term", string(name)),
				zap.Int("consecutive", t.counts[name]))
		}
	}
	return nil
}
