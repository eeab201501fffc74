package model

import (
	"math"
	"math/rand"

	"github.com/domainshift/segtrain/internal/domain"
	"github.com/domainshift/segtrain/internal/tensor"
)

// Probe is a small per-pixel network: a linear encoder with ReLU into a
// segmentation head and an optional reconstruction head (all 1x1, no spatial
// mixing). It exists so the orchestration can be exercised and tested end to
// end without an external backend; real backbones plug in through Model.
type Probe struct {
	inChannels int
	hidden     int
	classes    int

	we, be *Param // encoder
	ws, bs *Param // segmentation head
	wr, br *Param // reconstruction head
}

// NewProbe initializes a probe with scaled-normal weights from the seed.
func NewProbe(inChannels, hidden, classes int, seed int64) *Probe {
	rng := rand.New(rand.NewSource(seed))
	init := func(name string, rows, cols int) *Param {
		p := &Param{
			Name:  name,
			Value: make([]float32, rows*cols),
			Grad:  make([]float32, rows*cols),
		}
		scale := float32(math.Sqrt(2 / float64(cols)))
		for i := range p.Value {
			p.Value[i] = scale * float32(rng.NormFloat64())
		}
		return p
	}
	zeros := func(name string, n int) *Param {
		return &Param{Name: name, Value: make([]float32, n), Grad: make([]float32, n)}
	}
	return &Probe{
		inChannels: inChannels,
		hidden:     hidden,
		classes:    classes,
		we:         init("encoder.weight", hidden, inChannels),
		be:         zeros("encoder.bias", hidden),
		ws:         init("seg.weight", classes, hidden),
		bs:         zeros("seg.bias", classes),
		wr:         init("recon.weight", inChannels, hidden),
		br:         zeros("recon.bias", inChannels),
	}
}

func (p *Probe) Params() []*Param {
	return []*Param{p.we, p.be, p.ws, p.bs, p.wr, p.br}
}

func (p *Probe) ZeroGrad() {
	for _, prm := range p.Params() {
		for i := range prm.Grad {
			prm.Grad[i] = 0
		}
	}
}

// FeatureDim returns the width of the feature head.
func (p *Probe) FeatureDim() int { return p.hidden }

// hiddenAt computes the post-ReLU encoder activations for one pixel.
func (p *Probe) hiddenAt(in *tensor.Tensor, base, plane, px int, out []float32) {
	for f := 0; f < p.hidden; f++ {
		acc := p.be.Value[f]
		for c := 0; c < p.inChannels; c++ {
			acc += p.we.Value[f*p.inChannels+c] * in.Data[base+c*plane+px]
		}
		if acc < 0 {
			acc = 0
		}
		out[f] = acc
	}
}

func (p *Probe) Forward(in *tensor.Tensor, opts ForwardOpts) (*Output, error) {
	if len(in.Shape) != 4 || in.Shape[1] != p.inChannels {
		return nil, domain.NewDataError("model",
			"probe expects [N,%d,H,W], got %v", p.inChannels, in.Shape)
	}
	n, h, w := in.Shape[0], in.Shape[2], in.Shape[3]
	plane := h * w

	out := &Output{Logits: tensor.New(n, p.classes, h, w)}
	if opts.WithFeatures {
		out.Features = tensor.New(n, p.hidden, h, w)
	}
	if opts.WithRecon {
		out.Recon = tensor.New(n, p.inChannels, h, w)
	}

	feat := make([]float32, p.hidden)
	for b := 0; b < n; b++ {
		inBase := b * p.inChannels * plane
		for px := 0; px < plane; px++ {
			p.hiddenAt(in, inBase, plane, px, feat)

			for k := 0; k < p.classes; k++ {
				acc := p.bs.Value[k]
				for f := 0; f < p.hidden; f++ {
					acc += p.ws.Value[k*p.hidden+f] * feat[f]
				}
				out.Logits.Data[b*p.classes*plane+k*plane+px] = acc
			}
			if out.Features != nil {
				for f := 0; f < p.hidden; f++ {
					out.Features.Data[b*p.hidden*plane+f*plane+px] = feat[f]
				}
			}
			if out.Recon != nil {
				for c := 0; c < p.inChannels; c++ {
					acc := p.br.Value[c]
					for f := 0; f < p.hidden; f++ {
						acc += p.wr.Value[c*p.hidden+f] * feat[f]
					}
					out.Recon.Data[b*p.inChannels*plane+c*plane+px] = acc
				}
			}
		}
	}
	return out, nil
}

// Backward accumulates parameter gradients for one pass over in. Nil head
// gradients contribute nothing, which is exactly how teacher branches stay
// detached.
func (p *Probe) Backward(in *tensor.Tensor, grad *OutputGrad) error {
	if grad == nil || (grad.Logits == nil && grad.Features == nil && grad.Recon == nil) {
		return nil
	}
	n, h, w := in.Shape[0], in.Shape[2], in.Shape[3]
	plane := h * w

	feat := make([]float32, p.hidden)
	dFeat := make([]float32, p.hidden)
	for b := 0; b < n; b++ {
		inBase := b * p.inChannels * plane
		for px := 0; px < plane; px++ {
			p.hiddenAt(in, inBase, plane, px, feat)
			for f := range dFeat {
				dFeat[f] = 0
			}

			if grad.Logits != nil {
				for k := 0; k < p.classes; k++ {
					g := grad.Logits.Data[b*p.classes*plane+k*plane+px]
					if g == 0 {
						continue
					}
					p.bs.Grad[k] += g
					for f := 0; f < p.hidden; f++ {
						p.ws.Grad[k*p.hidden+f] += g * feat[f]
						dFeat[f] += g * p.ws.Value[k*p.hidden+f]
					}
				}
			}
			if grad.Recon != nil {
				for c := 0; c < p.inChannels; c++ {
					g := grad.Recon.Data[b*p.inChannels*plane+c*plane+px]
					if g == 0 {
						continue
					}
					p.br.Grad[c] += g
					for f := 0; f < p.hidden; f++ {
						p.wr.Grad[c*p.hidden+f] += g * feat[f]
						dFeat[f] += g * p.wr.Value[c*p.hidden+f]
					}
				}
			}
			if grad.Features != nil {
				for f := 0; f < p.hidden; f++ {
					dFeat[f] += grad.Features.Data[b*p.hidden*plane+f*plane+px]
				}
			}

			// Through the ReLU, into the encoder.
			for f := 0; f < p.hidden; f++ {
				if feat[f] <= 0 || dFeat[f] == 0 {
					continue
				}
				p.be.Grad[f] += dFeat[f]
				for c := 0; c < p.inChannels; c++ {
					p.we.Grad[f*p.inChannels+c] += dFeat[f] * in.Data[inBase+c*plane+px]
				}
			}
		}
	}
	return nil
}

// StateVectors exports parameter values for checkpointing.
func (p *Probe) StateVectors() [][]float32 {
	params := p.Params()
	out := make([][]float32, len(params))
	for i, prm := range params {
		out[i] = append([]float32(nil), prm.Value...)
	}
	return out
}

// LoadStateVectors restores parameter values from a checkpoint snapshot.
func (p *Probe) LoadStateVectors(vecs [][]float32) error {
	params := p.Params()
	if len(vecs) != len(params) {
		return domain.NewDataError("model",
			"checkpoint has %d parameter blocks, probe has %d", len(vecs), len(params))
	}
	for i, prm := range params {
		if len(vecs[i]) != len(prm.Value) {
			return domain.NewDataError("model",
				"checkpoint block %s has %d values, want %d", prm.Name, len(vecs[i]), len(prm.Value))
		}
		copy(prm.Value, vecs[i])
	}
	return nil
}
