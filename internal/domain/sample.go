package domain

import (
	"github.com/domainshift/segtrain/internal/tensor"
)

// Sample is one labelled training image drawn from a source domain.
// Image is [C,H,W]; Label is [H,W] class indices with IgnoreIndex excluded
// from every loss.
type Sample struct {
	Image    *tensor.Tensor
	Label    *tensor.Mask
	DomainID int
}

// IgnoreIndex marks pixels excluded from loss and accuracy computation.
const IgnoreIndex = 255

// Validate checks the shape invariant between image and label.
func (s *Sample) Validate() error {
	if s.Image == nil || s.Label == nil {
		return NewDataError("sample", "missing image or label (domain %d)", s.DomainID)
	}
	if len(s.Image.Shape) != 3 {
		return NewDataError("sample", "image must be [C,H,W], got shape %v", s.Image.Shape)
	}
	if !s.Label.SpatialMatch(s.Image) {
		return NewDataError("sample", "label shape %v does not match image shape %v",
			s.Label.Shape, s.Image.Shape)
	}
	return nil
}

// Batch is an ordered set of samples; the sampler guarantees every sample's
// domain is in the active source set.
type Batch struct {
	Samples []*Sample
}

func (b *Batch) Size() int { return len(b.Samples) }

// DomainIDs returns the domain id of each sample in order.
func (b *Batch) DomainIDs() []int {
	ids := make([]int, len(b.Samples))
	for i, s := range b.Samples {
		ids[i] = s.DomainID
	}
	return ids
}

// Collate stacks the batch into [N,C,H,W] images and [N,H,W] labels.
// All samples must share one shape.
func (b *Batch) Collate() (*tensor.Tensor, *tensor.Mask, error) {
	if len(b.Samples) == 0 {
		return nil, nil, NewDataError("batch", "empty batch")
	}
	imgs := make([]*tensor.Tensor, len(b.Samples))
	labels := make([]*tensor.Mask, len(b.Samples))
	first := b.Samples[0].Image
	for i, s := range b.Samples {
		if !s.Image.SameShape(first) {
			return nil, nil, NewDataError("batch",
				"sample %d shape %v differs from %v", i, s.Image.Shape, first.Shape)
		}
		imgs[i] = s.Image
		labels[i] = s.Label
	}
	return tensor.Stack(imgs), tensor.StackMasks(labels), nil
}

// AugmentedPair couples a batch with its semantically-augmented images.
// Augmented shares the original labels: appearance changed, content not.
// AugmentedLabels is set only when a geometric transform was applied, in
// which case it carries the identically-transformed labels.
type AugmentedPair struct {
	Original        *Batch
	Augmented       *tensor.Tensor // [N,C,H,W], nil when augmentation is disabled
	AugmentedLabels *tensor.Mask   // [N,H,W], nil unless geometric
}

// Labels returns the labels the augmented branch must be scored against.
func (p *AugmentedPair) Labels() (*tensor.Mask, error) {
	if p.AugmentedLabels != nil {
		return p.AugmentedLabels, nil
	}
	_, labels, err := p.Original.Collate()
	return labels, err
}
