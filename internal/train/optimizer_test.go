package train

import (
	"testing"

	"github.com/domainshift/segtrain/internal/model"
)

func TestSGD_Step(t *testing.T) {
	p := &model.Param{Name: "w", Value: []float32{1, 1}, Grad: []float32{2, -2}}
	opt := NewSGD(0.1, 0)

	opt.Step([]*model.Param{p})
	if p.Value[0] != 0.8 || p.Value[1] != 1.2 {
		t.Fatalf("expected [0.8 1.2], got %v", p.Value)
	}
}

func TestSGD_Momentum(t *testing.T) {
	p := &model.Param{Name: "w", Value: []float32{0}, Grad: []float32{1}}
	opt := NewSGD(1, 0.5)

	opt.Step([]*model.Param{p}) // v=1, w=-1
	opt.Step([]*model.Param{p}) // v=1.5, w=-2.5
	if p.Value[0] != -2.5 {
		t.Fatalf("expected -2.5 after two momentum steps, got %v", p.Value[0])
	}
}
