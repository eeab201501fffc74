package loss

import (
	"math"

	"go.uber.org/zap"

	"github.com/domainshift/segtrain/internal/domain"
	"github.com/domainshift/segtrain/internal/model"
	"github.com/domainshift/segtrain/internal/tensor"
)

const (
	defaultKDTemperature = 2.0
	defaultContrastTemp  = 100.0
)

// Config is the per-run loss configuration. The active term set is resolved
// once at composer construction, never re-branched per call.
type Config struct {
	Classes int

	Rec             bool
	Consistency     bool
	ConsistencyType domain.ConsistencyType
	OutDomain       bool

	RecWeight         float64
	ConsistencyWeight float64

	KDTemperature float64
	ContrastTemp  float64
	RegWeight     float64

	// ClassWeights rescales the segmentation loss per class; nil means
	// uniform.
	ClassWeights []float32

	Pairing PairingPolicy
}

// Inputs groups the tensors one composition consumes.
type Inputs struct {
	Original  *model.Output
	Augmented *model.Output // nil when augmentation is disabled
	Labels    *tensor.Mask  // [N,H,W]
	AugLabels *tensor.Mask  // labels for the augmented branch; nil means same as Labels
	// OriginalImages is the reconstruction target [N,C,H,W].
	OriginalImages *tensor.Tensor
	Domains        []int
}

// Grads carries loss gradients per branch. The teacher side of a
// distillation pair never receives a gradient, so detachment falls out of
// simply not writing to it.
type Grads struct {
	Original  *model.OutputGrad
	Augmented *model.OutputGrad
}

// Composer assembles the total training loss from the independently-enabled
// terms: segmentation (always), reconstruction, and consistency.
type Composer struct {
	cfg    Config
	active []domain.TermName
	bank   *ProtoBank
	logger *zap.Logger
}

// NewComposer validates the configuration and resolves the active term set.
func NewComposer(cfg Config, logger *zap.Logger) (*Composer, error) {
	if cfg.Classes <= 0 {
		return nil, domain.NewConfigError("loss", "classes must be positive, got %d", cfg.Classes)
	}
	if cfg.KDTemperature <= 0 {
		cfg.KDTemperature = defaultKDTemperature
	}
	if cfg.ContrastTemp <= 0 {
		cfg.ContrastTemp = defaultContrastTemp
	}
	if cfg.RecWeight <= 0 {
		cfg.RecWeight = 1
	}
	if cfg.ConsistencyWeight <= 0 {
		cfg.ConsistencyWeight = 1
	}
	if cfg.Pairing == nil {
		cfg.Pairing = LeaveOneOutPairing{}
	}
	if cfg.ClassWeights != nil && len(cfg.ClassWeights) != cfg.Classes {
		return nil, domain.NewConfigError("loss",
			"class weight length %d does not match %d classes", len(cfg.ClassWeights), cfg.Classes)
	}

	active := []domain.TermName{domain.TermSegmentation}
	if cfg.Rec {
		active = append(active, domain.TermReconstruction)
	}
	var bank *ProtoBank
	if cfg.Consistency {
		switch cfg.ConsistencyType {
		case domain.ConsistencyKD:
			if !cfg.OutDomain {
				return nil, domain.NewConfigError("loss",
					"consistency=true with consistency_type=kd requires is_out_domain=true")
			}
		case domain.ConsistencyProto:
			bank = NewProtoBank(cfg.Classes)
		default:
			return nil, domain.NewConfigError("loss",
				"unsupported consistency_type %q (want kd or proto)", cfg.ConsistencyType)
		}
		active = append(active, domain.TermConsistency)
	}

	return &Composer{cfg: cfg, active: active, bank: bank, logger: logger}, nil
}

// ActiveTerms returns the term set resolved at construction.
func (c *Composer) ActiveTerms() []domain.TermName {
	return append([]domain.TermName(nil), c.active...)
}

// Bank exposes the prototype bank; nil unless consistency_type=proto.
func (c *Composer) Bank() *ProtoBank { return c.bank }

// NeedsFeatures reports whether forward passes must materialize features.
func (c *Composer) NeedsFeatures() bool {
	return c.cfg.Consistency && c.cfg.ConsistencyType == domain.ConsistencyProto
}

// NeedsRecon reports whether forward passes must materialize the recon head.
func (c *Composer) NeedsRecon() bool { return c.cfg.Rec }

// Compose computes the active terms, the weighted total, and the branch
// gradients for one batch. Each term's gradients are built in term-local
// buffers and merged only when the term is finite; non-finite terms are
// zeroed and reported in the unstable list so the loop can count them.
func (c *Composer) Compose(in *Inputs) (*domain.LossTerms, float64, *Grads, []domain.TermName, error) {
	if in.Original == nil || in.Original.Logits == nil {
		return nil, 0, nil, nil, domain.NewDataError("loss", "original branch logits missing")
	}
	grads := c.newGrads(in)
	augLabels := in.AugLabels
	if augLabels == nil {
		augLabels = in.Labels
	}

	terms := &domain.LossTerms{}
	var unstable []domain.TermName

	// Segmentation: always on the original branch; under rec the augmented
	// branch is scored too, forcing correct segmentation under perturbation.
	segVal, segGrad, err := crossEntropy(in.Original.Logits, in.Labels, c.cfg.ClassWeights)
	if err != nil {
		return nil, 0, nil, nil, err
	}
	var segAugGrad *tensor.Tensor
	if c.cfg.Rec && in.Augmented != nil {
		augVal, augGrad, err := crossEntropy(in.Augmented.Logits, augLabels, c.cfg.ClassWeights)
		if err != nil {
			return nil, 0, nil, nil, err
		}
		segVal = 0.5 * (segVal + augVal)
		segGrad.Scale(0.5)
		augGrad.Scale(0.5)
		segAugGrad = augGrad
	}
	if !finite(segVal) || segGrad.HasNaN() || (segAugGrad != nil && segAugGrad.HasNaN()) {
		unstable = append(unstable, domain.TermSegmentation)
	} else {
		terms.Segmentation = segVal
		grads.Original.Logits = segGrad
		if segAugGrad != nil {
			grads.Augmented.Logits = segAugGrad
		}
	}

	if c.cfg.Rec {
		termGrads := c.newGrads(in)
		val, err := c.reconstruction(in, termGrads)
		if err != nil {
			return nil, 0, nil, nil, err
		}
		var zero float64
		if !finite(val) || gradsHaveNaN(termGrads) {
			unstable = append(unstable, domain.TermReconstruction)
			terms.Reconstruction = &zero
		} else {
			terms.Reconstruction = &val
			mergeGrads(grads, termGrads, c.cfg.RecWeight)
		}
	}

	if c.cfg.Consistency {
		termGrads := c.newGrads(in)
		val, err := c.consistency(in, termGrads)
		if err != nil {
			return nil, 0, nil, nil, err
		}
		var zero float64
		if !finite(val) || gradsHaveNaN(termGrads) {
			unstable = append(unstable, domain.TermConsistency)
			terms.Consistency = &zero
		} else {
			terms.Consistency = &val
			mergeGrads(grads, termGrads, c.cfg.ConsistencyWeight)
		}
	}

	return terms, terms.Total(c.cfg.RecWeight, c.cfg.ConsistencyWeight), grads, unstable, nil
}

func (c *Composer) newGrads(in *Inputs) *Grads {
	g := &Grads{Original: &model.OutputGrad{}}
	if in.Augmented != nil {
		g.Augmented = &model.OutputGrad{}
	}
	return g
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func outputGradHasNaN(g *model.OutputGrad) bool {
	if g == nil {
		return false
	}
	for _, t := range []*tensor.Tensor{g.Logits, g.Features, g.Recon} {
		if t != nil && t.HasNaN() {
			return true
		}
	}
	return false
}

func gradsHaveNaN(g *Grads) bool {
	return outputGradHasNaN(g.Original) || outputGradHasNaN(g.Augmented)
}

func mergeOutputGrad(dst, src *model.OutputGrad, weight float64) {
	if src == nil {
		return
	}
	merge := func(d **tensor.Tensor, s *tensor.Tensor) {
		if s == nil {
			return
		}
		if *d == nil {
			s.Scale(float32(weight))
			*d = s
			return
		}
		_ = (*d).AddScaled(s, float32(weight))
	}
	merge(&dst.Logits, src.Logits)
	merge(&dst.Features, src.Features)
	merge(&dst.Recon, src.Recon)
}

// mergeGrads folds a finite term's gradients into the step gradients, scaled
// by the term weight, so the backward pass sees d(total)/d(outputs).
func mergeGrads(dst, src *Grads, weight float64) {
	mergeOutputGrad(dst.Original, src.Original, weight)
	if dst.Augmented != nil {
		mergeOutputGrad(dst.Augmented, src.Augmented, weight)
	}
}

// reconstruction penalizes failure to recover the original appearance from
// the perturbed branch. Falls back to the original branch when augmentation
// is disabled.
func (c *Composer) reconstruction(in *Inputs, grads *Grads) (float64, error) {
	branch := in.Augmented
	branchGrads := grads.Augmented
	if branch == nil {
		branch = in.Original
		branchGrads = grads.Original
	}
	if branch.Recon == nil {
		return 0, domain.NewConfigError("loss",
			"rec=true but the model produced no reconstruction head")
	}
	if in.OriginalImages == nil {
		return 0, domain.NewDataError("loss", "rec=true requires the original images")
	}
	if !branch.Recon.SameShape(in.OriginalImages) {
		return 0, domain.NewDataError("loss",
			"recon shape %v does not match images %v", branch.Recon.Shape, in.OriginalImages.Shape)
	}

	n := float64(branch.Recon.Len())
	grad := tensor.New(branch.Recon.Shape...)
	var sum float64
	for i, v := range branch.Recon.Data {
		d := float64(v - in.OriginalImages.Data[i])
		sum += d * d
		grad.Data[i] = float32(2 * d / n)
	}
	branchGrads.Recon = grad
	return sum / n, nil
}

// consistency dispatches on the configured variant. Missing out-domain pairs
// zero the term for the batch without failing the step.
func (c *Composer) consistency(in *Inputs, grads *Grads) (float64, error) {
	switch c.cfg.ConsistencyType {
	case domain.ConsistencyKD:
		pairs := c.cfg.Pairing.Pairs(in.Domains)
		if len(pairs) == 0 {
			c.logger.Debug("no out-domain pairs in batch, consistency skipped",
				zap.Ints("domains", in.Domains))
			return 0, nil
		}
		return c.distill(in, grads, pairs)
	case domain.ConsistencyProto:
		return c.protoConsistency(in, grads)
	default:
		return 0, domain.NewConfigError("loss", "unsupported consistency_type %q", c.cfg.ConsistencyType)
	}
}

// distill computes temperature-scaled KL divergence per pair, teacher side
// fixed. The student is the augmented branch when present, otherwise the
// original branch; the teacher is always the original branch of the paired
// out-domain sample and never receives gradient.
func (c *Composer) distill(in *Inputs, grads *Grads, pairs []Pair) (float64, error) {
	student := in.Augmented
	studentGrads := grads.Augmented
	if student == nil {
		student = in.Original
		studentGrads = grads.Original
	}
	teacher := in.Original

	n, k := student.Logits.Shape[0], student.Logits.Shape[1]
	h, w := student.Logits.Shape[2], student.Logits.Shape[3]
	plane := h * w
	stride := k * plane
	T := c.cfg.KDTemperature

	if studentGrads.Logits == nil {
		studentGrads.Logits = tensor.New(n, k, h, w)
	}
	grad := studentGrads.Logits

	var total float64
	for _, p := range pairs {
		sBase := p.Student * stride
		tBase := p.Teacher * stride
		var pairLoss float64
		for px := 0; px < plane; px++ {
			ps := tempSoftmax(student.Logits.Data, sBase, k, plane, px, T)
			pt := tempSoftmax(teacher.Logits.Data, tBase, k, plane, px, T)
			for cls := 0; cls < k; cls++ {
				if pt[cls] > 0 {
					pairLoss += pt[cls] * (math.Log(pt[cls]) - math.Log(ps[cls]+1e-12))
				}
				// d(T^2 * KL)/dz_s = T * (p_s - p_t), averaged over pixels
				// and pairs.
				grad.Data[sBase+cls*plane+px] += float32(
					T * (ps[cls] - pt[cls]) / float64(plane*len(pairs)))
			}
		}
		total += T * T * pairLoss / float64(plane)
	}
	return total / float64(len(pairs)), nil
}

// tempSoftmax computes softmax(z/T) for one pixel across k channels.
func tempSoftmax(data []float32, base, k, plane, px int, T float64) []float64 {
	out := make([]float64, k)
	maxv := math.Inf(-1)
	for cls := 0; cls < k; cls++ {
		v := float64(data[base+cls*plane+px]) / T
		out[cls] = v
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for cls := range out {
		out[cls] = math.Exp(out[cls] - maxv)
		sum += out[cls]
	}
	for cls := range out {
		out[cls] /= sum
	}
	return out
}

// crossEntropy computes mean per-pixel cross entropy over non-ignored
// pixels, with optional class weights, and its gradient with respect to the
// logits. The average factor is the total class weight of retained pixels.
func crossEntropy(logits *tensor.Tensor, labels *tensor.Mask, classWeights []float32) (float64, *tensor.Tensor, error) {
	if len(logits.Shape) != 4 {
		return 0, nil, domain.NewDataError("loss", "logits must be [N,K,H,W], got %v", logits.Shape)
	}
	n, k := logits.Shape[0], logits.Shape[1]
	h, w := logits.Shape[2], logits.Shape[3]
	if labels.Len() != n*h*w {
		return 0, nil, domain.NewDataError("loss",
			"labels length %d does not match logits %v", labels.Len(), logits.Shape)
	}
	plane := h * w

	probs := tensor.SoftmaxChannels(logits)
	grad := tensor.New(n, k, h, w)

	var values []float64
	var avgFactor float64
	type pixelRef struct {
		base, px int
		cls      int32
		weight   float64
	}
	var refs []pixelRef

	for b := 0; b < n; b++ {
		base := b * k * plane
		for px := 0; px < plane; px++ {
			cls := labels.Data[b*plane+px]
			if cls == domain.IgnoreIndex {
				continue
			}
			if cls < 0 || cls >= int32(k) {
				return 0, nil, domain.NewDataError("loss",
					"label class %d out of range (%d classes)", cls, k)
			}
			weight := 1.0
			if classWeights != nil {
				weight = float64(classWeights[cls])
			}
			p := float64(probs.Data[base+int(cls)*plane+px])
			values = append(values, weight*-math.Log(p+1e-12))
			avgFactor += weight
			refs = append(refs, pixelRef{base: base, px: px, cls: cls, weight: weight})
		}
	}

	if len(values) == 0 {
		// Every pixel ignored: zero loss, zero gradient.
		return 0, grad, nil
	}

	value, err := weightReduce(values, nil, ReduceMean, avgFactor)
	if err != nil {
		return 0, nil, err
	}

	for _, r := range refs {
		for cls := 0; cls < k; cls++ {
			g := float64(probs.Data[r.base+cls*plane+r.px])
			if int32(cls) == r.cls {
				g -= 1
			}
			grad.Data[r.base+cls*plane+r.px] += float32(r.weight * g / avgFactor)
		}
	}
	return value, grad, nil
}
