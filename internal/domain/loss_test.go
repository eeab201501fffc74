package domain

import (
	"math"
	"testing"
)

func TestLossTerms_Total(t *testing.T) {
	rec := 2.0
	cons := 3.0
	tests := []struct {
		name  string
		terms LossTerms
		want  float64
	}{
		{name: "segmentation only", terms: LossTerms{Segmentation: 1.5}, want: 1.5},
		{name: "with reconstruction", terms: LossTerms{Segmentation: 1, Reconstruction: &rec}, want: 1 + 0.5*2},
		{name: "all three", terms: LossTerms{Segmentation: 1, Reconstruction: &rec, Consistency: &cons}, want: 1 + 0.5*2 + 0.25*3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.terms.Total(0.5, 0.25); got != tt.want {
				t.Fatalf("expected total %v, got %v", tt.want, got)
			}
		})
	}
}

func TestLossTerms_Finite(t *testing.T) {
	nan := math.NaN()
	ok := 1.0
	terms := LossTerms{Segmentation: 0.5, Reconstruction: &ok}
	if !terms.Finite() {
		t.Fatal("expected finite terms")
	}
	terms.Consistency = &nan
	if terms.Finite() {
		t.Fatal("NaN consistency must make the set non-finite")
	}
	terms.Consistency = nil
	terms.Segmentation = math.Inf(1)
	if terms.Finite() {
		t.Fatal("infinite segmentation must make the set non-finite")
	}
}

func TestSample_Validate(t *testing.T) {
	s := &Sample{DomainID: 1}
	if err := s.Validate(); !IsDataError(err) {
		t.Fatalf("expected data error for missing tensors, got %v", err)
	}
}
