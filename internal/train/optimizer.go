package train

import "github.com/domainshift/segtrain/internal/model"

// SGD applies momentum SGD updates to the model parameters. Parameter
// mutation happens only here, never inside forward passes.
type SGD struct {
	lr       float32
	momentum float32
	velocity map[*model.Param][]float32
}

func NewSGD(lr, momentum float64) *SGD {
	return &SGD{
		lr:       float32(lr),
		momentum: float32(momentum),
		velocity: make(map[*model.Param][]float32),
	}
}

// Step folds accumulated gradients into the parameters.
func (o *SGD) Step(params []*model.Param) {
	for _, p := range params {
		v, ok := o.velocity[p]
		if !ok {
			v = make([]float32, len(p.Value))
			o.velocity[p] = v
		}
		for i := range p.Value {
			v[i] = o.momentum*v[i] + p.Grad[i]
			p.Value[i] -= o.lr * v[i]
		}
	}
}
