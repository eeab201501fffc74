package model

import "github.com/domainshift/segtrain/internal/tensor"

// ForwardOpts selects optional heads. Features are only materialized when
// the consistency term needs them; recon only when the reconstruction term
// is enabled.
type ForwardOpts struct {
	WithFeatures bool
	WithRecon    bool
}

// Output is one forward pass result. Logits is [N,K,H,W]; Features is
// [N,F,H,W] when requested; Recon is [N,C,H,W] when requested.
type Output struct {
	Logits   *tensor.Tensor
	Features *tensor.Tensor
	Recon    *tensor.Tensor
}

// OutputGrad carries the loss gradient with respect to each produced head.
// A nil entry means no gradient flows through that head; in particular the
// teacher branch of a distillation pair receives a nil grad everywhere.
type OutputGrad struct {
	Logits   *tensor.Tensor
	Features *tensor.Tensor
	Recon    *tensor.Tensor
}

// Param is one named parameter block with its accumulated gradient.
type Param struct {
	Name  string
	Value []float32
	Grad  []float32
}

// Model is the opaque segmentation network: image in, logits out. Forward
// must not mutate parameters; updates happen only through the optimizer.
type Model interface {
	Forward(in *tensor.Tensor, opts ForwardOpts) (*Output, error)
	Params() []*Param
}

// Trainable models backpropagate head gradients into parameter gradients.
type Trainable interface {
	Model
	// Backward accumulates parameter gradients for one forward pass.
	Backward(in *tensor.Tensor, grad *OutputGrad) error
	// ZeroGrad clears accumulated gradients before a new step.
	ZeroGrad()
}
