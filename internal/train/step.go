package train

import (
	"context"

	"go.uber.org/zap"

	"github.com/domainshift/segtrain/internal/augment"
	"github.com/domainshift/segtrain/internal/domain"
	"github.com/domainshift/segtrain/internal/loss"
	"github.com/domainshift/segtrain/internal/model"
)

// Step runs one full training transition: augment, forward both branches,
// compose the loss, backpropagate, and apply the optimizer update.
type Step struct {
	model    model.Trainable
	augs     *augment.Augmenter
	composer *loss.Composer
	opt      *SGD
	logger   *zap.Logger
}

// StepResult carries the scalar diagnostics of one completed step.
type StepResult struct {
	Terms    *domain.LossTerms
	Total    float64
	Unstable []domain.TermName
	Domains  []int
}

func NewStep(m model.Trainable, a *augment.Augmenter, c *loss.Composer, opt *SGD, logger *zap.Logger) *Step {
	return &Step{model: m, augs: a, composer: c, opt: opt, logger: logger}
}

// Composer exposes the loss composer, e.g. for prototype persistence.
func (s *Step) Composer() *loss.Composer { return s.composer }

// Run executes one step on a batch. Data errors propagate so the caller can
// resample; the optimizer update is skipped only when every term was
// unstable (nothing to apply).
func (s *Step) Run(ctx context.Context, batch *domain.Batch) (*StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	images, labels, err := batch.Collate()
	if err != nil {
		return nil, err
	}

	pair, err := s.augs.AugmentBatch(batch)
	if err != nil {
		return nil, err
	}

	needFeatures := s.composer.NeedsFeatures()
	needRecon := s.composer.NeedsRecon()

	// The recon head lives on the perturbed branch; it falls back to the
	// original branch only when augmentation is disabled.
	origOpts := model.ForwardOpts{
		WithFeatures: needFeatures,
		WithRecon:    needRecon && pair.Augmented == nil,
	}
	origOut, err := s.model.Forward(images, origOpts)
	if err != nil {
		return nil, err
	}

	var augOut *model.Output
	if pair.Augmented != nil {
		augOpts := model.ForwardOpts{WithFeatures: needFeatures, WithRecon: needRecon}
		augOut, err = s.model.Forward(pair.Augmented, augOpts)
		if err != nil {
			return nil, err
		}
	}

	in := &loss.Inputs{
		Original:       origOut,
		Augmented:      augOut,
		Labels:         labels,
		AugLabels:      pair.AugmentedLabels,
		OriginalImages: images,
		Domains:        batch.DomainIDs(),
	}
	terms, total, grads, unstable, err := s.composer.Compose(in)
	if err != nil {
		return nil, err
	}

	s.model.ZeroGrad()
	if err := s.model.Backward(images, grads.Original); err != nil {
		return nil, err
	}
	if augOut != nil && grads.Augmented != nil {
		if err := s.model.Backward(pair.Augmented, grads.Augmented); err != nil {
			return nil, err
		}
	}
	s.opt.Step(s.model.Params())

	return &StepResult{
		Terms:    terms,
		Total:    total,
		Unstable: unstable,
		Domains:  batch.DomainIDs(),
	}, nil
}
