package domain

import "math"

// ConsistencyType selects the cross-domain consistency variant.
type ConsistencyType string

const (
	// ConsistencyKD distils detached teacher logits into the student branch.
	ConsistencyKD ConsistencyType = "kd"
	// ConsistencyProto scores student features against running class
	// prototypes, teacher side fixed.
	ConsistencyProto ConsistencyType = "proto"
)

// TermName identifies one loss term in diagnostics and metrics.
type TermName string

const (
	TermSegmentation   TermName = "segmentation"
	TermReconstruction TermName = "reconstruction"
	TermConsistency    TermName = "consistency"
)

// LossTerms holds the scalar value of each active term for one step.
// A term is present iff its flag is enabled; absent terms are never computed.
type LossTerms struct {
	Segmentation   float64
	Reconstruction *float64
	Consistency    *float64
}

// Total returns the weighted sum of present terms.
func (lt *LossTerms) Total(recWeight, consWeight float64) float64 {
	total := lt.Segmentation
	if lt.Reconstruction != nil {
		total += recWeight * *lt.Reconstruction
	}
	if lt.Consistency != nil {
		total += consWeight * *lt.Consistency
	}
	return total
}

// Finite reports whether every present term is a finite number.
func (lt *LossTerms) Finite() bool {
	vals := []float64{lt.Segmentation}
	if lt.Reconstruction != nil {
		vals = append(vals, *lt.Reconstruction)
	}
	if lt.Consistency != nil {
		vals = append(vals, *lt.Consistency)
	}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
