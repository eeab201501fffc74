package loss

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/domainshift/segtrain/internal/domain"
	"github.com/domainshift/segtrain/internal/tensor"
)

const protoMomentum = 0.99

// pixref addresses one retained pixel inside a [N,F,H,W] feature tensor.
type pixref struct{ b, px int }

// ProtoBank keeps a running mean feature vector per class. Prototypes act
// as fixed targets: they are updated from detached teacher features and
// never receive gradient.
type ProtoBank struct {
	mu      sync.RWMutex
	classes int
	means   map[int][]float64
}

func NewProtoBank(classes int) *ProtoBank {
	return &ProtoBank{classes: classes, means: make(map[int][]float64, classes)}
}

// Update folds a batch of per-class feature sums into the running means.
func (b *ProtoBank) Update(sums map[int][]float64, counts map[int]int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for cls, sum := range sums {
		cnt := counts[cls]
		if cnt == 0 {
			continue
		}
		mean := make([]float64, len(sum))
		for i, v := range sum {
			mean[i] = v / float64(cnt)
		}
		prev, ok := b.means[cls]
		if !ok {
			b.means[cls] = mean
			continue
		}
		for i := range prev {
			prev[i] = protoMomentum*prev[i] + (1-protoMomentum)*mean[i]
		}
	}
}

// Snapshot returns prototypes as float32 vectors for persistence.
func (b *ProtoBank) Snapshot() map[int][]float32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[int][]float32, len(b.means))
	for cls, m := range b.means {
		v := make([]float32, len(m))
		for i, f := range m {
			v[i] = float32(f)
		}
		out[cls] = v
	}
	return out
}

// Restore replaces the bank contents, e.g. after a checkpoint reload.
func (b *ProtoBank) Restore(protos map[int][]float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.means = make(map[int][]float64, len(protos))
	for cls, v := range protos {
		m := make([]float64, len(v))
		for i, f := range v {
			m[i] = float64(f)
		}
		b.means[cls] = m
	}
}

// matrix assembles the K×F prototype matrix together with the class order.
// Returns false while any class is still unseen.
func (b *ProtoBank) matrix() (*mat.Dense, []int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.means) < b.classes {
		return nil, nil, false
	}
	var dim int
	for _, m := range b.means {
		dim = len(m)
		break
	}
	data := make([]float64, b.classes*dim)
	order := make([]int, 0, b.classes)
	for cls := 0; cls < b.classes; cls++ {
		m, ok := b.means[cls]
		if !ok {
			return nil, nil, false
		}
		copy(data[cls*dim:(cls+1)*dim], m)
		order = append(order, cls)
	}
	return mat.NewDense(b.classes, dim, data), order, true
}

// protoConsistency scores student features against the running prototypes:
// sim = feat · protoᵀ / temp, cross entropy against the class mask with the
// same per-class weights as the segmentation term, plus an optional
// prototype regularizer normalized by C·lnC. The teacher branch only feeds
// the bank and gets no gradient.
func (c *Composer) protoConsistency(in *Inputs, grads *Grads) (float64, error) {
	student := in.Augmented
	studentGrads := grads.Augmented
	labels := in.AugLabels
	if student == nil {
		student = in.Original
		studentGrads = grads.Original
	}
	if labels == nil {
		labels = in.Labels
	}
	if student.Features == nil || in.Original.Features == nil {
		return 0, domain.NewConfigError("loss",
			"consistency_type=proto requires feature outputs from both branches")
	}

	// Teacher side: fold detached original-branch features into the bank.
	teacherLabels, err := alignMask(in.Labels,
		in.Original.Features.Shape[0], in.Original.Features.Shape[2], in.Original.Features.Shape[3])
	if err != nil {
		return 0, err
	}
	sums, counts := classFeatureSums(in.Original.Features, teacherLabels, c.cfg.Classes)
	c.bank.Update(sums, counts)

	protos, _, ready := c.bank.matrix()
	if !ready {
		// Not every class observed yet; skip the term for this batch.
		return 0, nil
	}

	n, f := student.Features.Shape[0], student.Features.Shape[1]
	h, w := student.Features.Shape[2], student.Features.Shape[3]
	plane := h * w

	labels, err = alignMask(labels, n, h, w)
	if err != nil {
		return 0, err
	}

	// Flatten retained pixels to [P,F].
	var refs []pixref
	var cls []int
	var wts []float64
	var avgFactor float64
	for b := 0; b < n; b++ {
		for px := 0; px < plane; px++ {
			y := labels.Data[b*plane+px]
			if y == domain.IgnoreIndex {
				continue
			}
			if y < 0 || int(y) >= c.cfg.Classes {
				return 0, domain.NewDataError("loss",
					"label class %d out of range (%d classes)", y, c.cfg.Classes)
			}
			wt := 1.0
			if c.cfg.ClassWeights != nil {
				wt = float64(c.cfg.ClassWeights[y])
			}
			refs = append(refs, pixref{b: b, px: px})
			cls = append(cls, int(y))
			wts = append(wts, wt)
			avgFactor += wt
		}
	}
	if len(refs) == 0 {
		// Every pixel ignored: zero loss, not an error.
		return 0, nil
	}

	p := len(refs)
	featData := make([]float64, p*f)
	for i, r := range refs {
		base := r.b * f * plane
		for j := 0; j < f; j++ {
			featData[i*f+j] = float64(student.Features.Data[base+j*plane+r.px])
		}
	}
	feat := mat.NewDense(p, f, featData)

	// sim = feat (P,F) x protos^T (F,K) / temp
	var sim mat.Dense
	sim.Mul(feat, protos.T())
	sim.Scale(1/c.cfg.ContrastTemp, &sim)

	k := c.cfg.Classes
	values := make([]float64, p)
	// dL/dsim rows, filled with (softmax - onehot)/P.
	dSim := mat.NewDense(p, k, nil)
	for i := 0; i < p; i++ {
		row := sim.RawRowView(i)
		maxv := math.Inf(-1)
		for _, v := range row {
			if v > maxv {
				maxv = v
			}
		}
		var sum float64
		probs := make([]float64, k)
		for j, v := range row {
			probs[j] = math.Exp(v - maxv)
			sum += probs[j]
		}
		for j := range probs {
			probs[j] /= sum
		}
		values[i] = wts[i] * -math.Log(probs[cls[i]]+1e-12)
		for j := range probs {
			g := probs[j]
			if j == cls[i] {
				g -= 1
			}
			dSim.Set(i, j, wts[i]*g/avgFactor)
		}
	}
	value, err := weightReduce(values, nil, ReduceMean, avgFactor)
	if err != nil {
		return 0, err
	}

	// dL/dfeat = dSim (P,K) x protos (K,F) / temp
	var dFeat mat.Dense
	dFeat.Mul(dSim, protos)
	dFeat.Scale(1/c.cfg.ContrastTemp, &dFeat)

	if studentGrads.Features == nil {
		studentGrads.Features = tensor.New(n, f, h, w)
	}
	for i, r := range refs {
		base := r.b * f * plane
		for j := 0; j < f; j++ {
			studentGrads.Features.Data[base+j*plane+r.px] += float32(dFeat.At(i, j))
		}
	}

	if c.cfg.RegWeight > 0 {
		regVal := c.protoRegularizer(feat, protos, studentGrads.Features, refs, f, plane)
		value += c.cfg.RegWeight * regVal
	}
	return value, nil
}

// protoRegularizer pushes the batch-mean feature away from collapsing onto a
// single prototype: sum of log-softmax similarities of the mean feature,
// normalized by C·lnC. Gradient is spread uniformly over retained pixels.
func (c *Composer) protoRegularizer(feat, protos *mat.Dense, featGrad *tensor.Tensor, refs []pixref, f, plane int) float64 {
	p, _ := feat.Dims()
	k, _ := protos.Dims()
	norm := float64(k) * math.Log(float64(k))

	meanFeat := make([]float64, f)
	for i := 0; i < p; i++ {
		row := feat.RawRowView(i)
		for j := 0; j < f; j++ {
			meanFeat[j] += row[j] / float64(p)
		}
	}

	sim := make([]float64, k)
	maxv := math.Inf(-1)
	for cls := 0; cls < k; cls++ {
		var dot float64
		for j := 0; j < f; j++ {
			dot += meanFeat[j] * protos.At(cls, j)
		}
		sim[cls] = dot / c.cfg.ContrastTemp
		if sim[cls] > maxv {
			maxv = sim[cls]
		}
	}
	var sum float64
	probs := make([]float64, k)
	for cls := range sim {
		probs[cls] = math.Exp(sim[cls] - maxv)
		sum += probs[cls]
	}
	var value float64
	for cls := range probs {
		probs[cls] /= sum
		value += math.Log(probs[cls] + 1e-12)
	}
	value /= norm

	// d value/dsim_j = (1 - K*p_j)/norm; chain through mean feature.
	for j := 0; j < f; j++ {
		var g float64
		for cls := 0; cls < k; cls++ {
			dSim := (1 - float64(k)*probs[cls]) / norm
			g += dSim * protos.At(cls, j) / c.cfg.ContrastTemp
		}
		g = c.cfg.RegWeight * g / float64(p)
		for _, r := range refs {
			featGrad.Data[r.b*f*plane+j*plane+r.px] += float32(g)
		}
	}
	return value
}

// alignMask resamples a [N,H,W] mask to the spatial grid of a feature map
// by nearest-neighbor striding. Backbones that downsample keep their label
// grid an integer multiple of the feature grid; anything else is a data
// error.
func alignMask(m *tensor.Mask, n, h, w int) (*tensor.Mask, error) {
	if m.Len() == n*h*w {
		return m, nil
	}
	if len(m.Shape) != 3 || m.Shape[0] != n {
		return nil, domain.NewDataError("loss",
			"labels %v do not cover a [%d,%d,%d] feature grid", m.Shape, n, h, w)
	}
	lh, lw := m.Shape[1], m.Shape[2]
	if lh%h != 0 || lw%w != 0 {
		return nil, domain.NewDataError("loss",
			"label grid %dx%d does not reduce to feature grid %dx%d", lh, lw, h, w)
	}
	sy, sx := lh/h, lw/w
	out := tensor.NewMask(n, h, w)
	for b := 0; b < n; b++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Data[(b*h+y)*w+x] = m.Data[(b*lh+y*sy)*lw+x*sx]
			}
		}
	}
	return out, nil
}

// classFeatureSums accumulates per-class feature sums and counts from a
// detached feature tensor.
func classFeatureSums(features *tensor.Tensor, labels *tensor.Mask, classes int) (map[int][]float64, map[int]int) {
	n, f := features.Shape[0], features.Shape[1]
	h, w := features.Shape[2], features.Shape[3]
	plane := h * w
	sums := make(map[int][]float64)
	counts := make(map[int]int)
	for b := 0; b < n; b++ {
		base := b * f * plane
		for px := 0; px < plane; px++ {
			y := labels.Data[b*plane+px]
			if y == domain.IgnoreIndex || int(y) >= classes {
				continue
			}
			cls := int(y)
			sum, ok := sums[cls]
			if !ok {
				sum = make([]float64, f)
				sums[cls] = sum
			}
			for j := 0; j < f; j++ {
				sum[j] += float64(features.Data[base+j*plane+px])
			}
			counts[cls]++
		}
	}
	return sums, counts
}

