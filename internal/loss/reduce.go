package loss

import "github.com/domainshift/segtrain/internal/domain"

// Reduction selects how an elementwise loss collapses to a scalar.
type Reduction string

const (
	ReduceNone Reduction = "none"
	ReduceMean Reduction = "mean"
	ReduceSum  Reduction = "sum"
)

// weightReduce applies optional elementwise weights and reduces. With an
// avgFactor > 0 and mean reduction, the sum is divided by avgFactor instead
// of the element count; this is how ignore-index pixels are kept out of the
// denominator.
func weightReduce(values, weights []float64, reduction Reduction, avgFactor float64) (float64, error) {
	if weights != nil && len(weights) != len(values) {
		return 0, domain.NewDataError("loss",
			"weight length %d does not match loss length %d", len(weights), len(values))
	}
	var sum float64
	for i, v := range values {
		if weights != nil {
			v *= weights[i]
		}
		sum += v
	}
	switch reduction {
	case ReduceSum:
		if avgFactor > 0 {
			return 0, domain.NewConfigError("loss", "avg factor cannot be used with sum reduction")
		}
		return sum, nil
	case ReduceMean:
		if avgFactor > 0 {
			return sum / avgFactor, nil
		}
		if len(values) == 0 {
			return 0, nil
		}
		return sum / float64(len(values)), nil
	default:
		return 0, domain.NewConfigError("loss", "unsupported reduction %q", reduction)
	}
}
