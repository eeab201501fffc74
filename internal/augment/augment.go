package augment

import (
	"math"
	"math/rand"

	"go.uber.org/zap"

	"github.com/domainshift/segtrain/internal/domain"
	"github.com/domainshift/segtrain/internal/tensor"
)

const (
	defaultMixRadius   = 0.1
	defaultMixAlphaMax = 1.0
	defaultNoiseStd    = 0.02
	defaultGammaRange  = 0.3
	defaultIntensity   = 0.1
	flipProbability    = 0.5
)

// Config controls the augmentation families. The default configuration is
// appearance-only: labels pass through untouched.
type Config struct {
	Enabled bool

	// AmplitudeMix swaps low-frequency FFT amplitude with a reference image
	// from another domain, transplanting its appearance "style" while the
	// phase (structure) stays put.
	AmplitudeMix bool
	MixRadius    float64 // low-frequency band as a fraction of each axis
	MixAlphaMax  float64 // mixing strength upper bound, drawn per call

	NoiseStd        float64 // additive gaussian noise
	GammaRange      float64 // gamma drawn from [1-r, 1+r]
	IntensityJitter float64 // multiplicative intensity drawn from [1-j, 1+j]

	// Geometric enables horizontal flips; labels are flipped identically.
	Geometric bool
}

// DefaultConfig returns the appearance-only family applied when the
// augmentation flag is set.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		AmplitudeMix:    true,
		MixRadius:       defaultMixRadius,
		MixAlphaMax:     defaultMixAlphaMax,
		NoiseStd:        defaultNoiseStd,
		GammaRange:      defaultGammaRange,
		IntensityJitter: defaultIntensity,
	}
}

// Augmenter produces semantically-preserving variants of training images.
// Every invocation draws fresh stochastic parameters.
type Augmenter struct {
	cfg    Config
	rng    *rand.Rand
	logger *zap.Logger
}

func New(cfg Config, seed int64, logger *zap.Logger) *Augmenter {
	if cfg.MixRadius <= 0 {
		cfg.MixRadius = defaultMixRadius
	}
	if cfg.MixAlphaMax <= 0 {
		cfg.MixAlphaMax = defaultMixAlphaMax
	}
	return &Augmenter{cfg: cfg, rng: rand.New(rand.NewSource(seed)), logger: logger}
}

func (a *Augmenter) Enabled() bool { return a.cfg.Enabled }

// AugmentBatch builds the augmented branch for one batch. Reference images
// for amplitude mixing are drawn from batch members of a different domain;
// when the batch is single-domain the sample's own amplitude is jittered
// instead.
func (a *Augmenter) AugmentBatch(batch *domain.Batch) (*domain.AugmentedPair, error) {
	pair := &domain.AugmentedPair{Original: batch}
	if !a.cfg.Enabled {
		return pair, nil
	}

	images := make([]*tensor.Tensor, batch.Size())
	var labels []*tensor.Mask
	if a.cfg.Geometric {
		labels = make([]*tensor.Mask, batch.Size())
	}

	for i, s := range batch.Samples {
		ref := a.pickReference(batch, i)
		img, label, err := a.Augment(s.Image, s.Label, ref)
		if err != nil {
			return nil, err
		}
		images[i] = img
		if a.cfg.Geometric {
			labels[i] = label
		}
	}

	pair.Augmented = tensor.Stack(images)
	if a.cfg.Geometric {
		pair.AugmentedLabels = tensor.StackMasks(labels)
	}
	return pair, nil
}

// pickReference chooses a cross-domain batch member for style mixing, or nil
// when none exists.
func (a *Augmenter) pickReference(batch *domain.Batch, i int) *tensor.Tensor {
	anchor := batch.Samples[i].DomainID
	var candidates []*tensor.Tensor
	for j, s := range batch.Samples {
		if j != i && s.DomainID != anchor && s.Image.SameShape(batch.Samples[i].Image) {
			candidates = append(candidates, s.Image)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[a.rng.Intn(len(candidates))]
}

// Augment transforms one image. The returned label is the input label unless
// a geometric transform fired, in which case it is a transformed copy.
func (a *Augmenter) Augment(img *tensor.Tensor, label *tensor.Mask, ref *tensor.Tensor) (*tensor.Tensor, *tensor.Mask, error) {
	if !a.cfg.Enabled {
		return img, label, nil
	}
	out := img.Clone()

	if a.cfg.AmplitudeMix {
		alpha := a.rng.Float64() * a.cfg.MixAlphaMax
		if err := a.mixAmplitude(out, ref, alpha); err != nil {
			return nil, nil, err
		}
	}
	if a.cfg.GammaRange > 0 {
		a.applyGamma(out, 1+a.cfg.GammaRange*(2*a.rng.Float64()-1))
	}
	if a.cfg.IntensityJitter > 0 {
		out.Scale(float32(1 + a.cfg.IntensityJitter*(2*a.rng.Float64()-1)))
	}
	if a.cfg.NoiseStd > 0 {
		for i := range out.Data {
			out.Data[i] += float32(a.rng.NormFloat64() * a.cfg.NoiseStd)
		}
	}

	if a.cfg.Geometric && a.rng.Float64() < flipProbability {
		flipped, flippedLabel := flipHorizontal(out, label)
		return flipped, flippedLabel, nil
	}
	return out, label, nil
}

// applyGamma normalizes to [0,1], raises to gamma, and restores the range.
// Monotone per pixel, so class boundaries cannot move.
func (a *Augmenter) applyGamma(t *tensor.Tensor, gamma float64) {
	minv, maxv := t.Data[0], t.Data[0]
	for _, v := range t.Data {
		if v < minv {
			minv = v
		}
		if v > maxv {
			maxv = v
		}
	}
	span := float64(maxv - minv)
	if span < 1e-8 {
		return
	}
	for i, v := range t.Data {
		norm := (float64(v) - float64(minv)) / span
		t.Data[i] = float32(math.Pow(norm, gamma)*span + float64(minv))
	}
}

func flipHorizontal(img *tensor.Tensor, label *tensor.Mask) (*tensor.Tensor, *tensor.Mask) {
	c, h, w := img.Shape[0], img.Shape[1], img.Shape[2]
	outImg := tensor.New(c, h, w)
	outLabel := tensor.NewMask(h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				outImg.Data[ch*h*w+y*w+x] = img.Data[ch*h*w+y*w+(w-1-x)]
			}
			outLabel.Data[y*w+x] = label.Data[y*w+(w-1-x)]
		}
	}
	return outImg, outLabel
}
