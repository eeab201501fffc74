package tensor

import "math"

// SoftmaxChannels computes a per-pixel softmax over the channel axis of a
// [N,C,H,W] tensor and writes the result into a new tensor of the same shape.
func SoftmaxChannels(logits *Tensor) *Tensor {
	n, c, h, w := logits.Shape[0], logits.Shape[1], logits.Shape[2], logits.Shape[3]
	out := New(n, c, h, w)
	plane := h * w
	for b := 0; b < n; b++ {
		base := b * c * plane
		for p := 0; p < plane; p++ {
			maxv := float32(math.Inf(-1))
			for k := 0; k < c; k++ {
				if v := logits.Data[base+k*plane+p]; v > maxv {
					maxv = v
				}
			}
			var sum float64
			for k := 0; k < c; k++ {
				e := math.Exp(float64(logits.Data[base+k*plane+p] - maxv))
				out.Data[base+k*plane+p] = float32(e)
				sum += e
			}
			inv := float32(1 / sum)
			for k := 0; k < c; k++ {
				out.Data[base+k*plane+p] *= inv
			}
		}
	}
	return out
}

// ArgmaxChannels reduces a [N,C,H,W] tensor to a [N,H,W] mask of the argmax
// channel per pixel.
func ArgmaxChannels(logits *Tensor) *Mask {
	n, c, h, w := logits.Shape[0], logits.Shape[1], logits.Shape[2], logits.Shape[3]
	out := NewMask(n, h, w)
	plane := h * w
	for b := 0; b < n; b++ {
		base := b * c * plane
		for p := 0; p < plane; p++ {
			best, bestv := 0, logits.Data[base+p]
			for k := 1; k < c; k++ {
				if v := logits.Data[base+k*plane+p]; v > bestv {
					best, bestv = k, v
				}
			}
			out.Data[b*plane+p] = int32(best)
		}
	}
	return out
}

// Stack concatenates same-shaped tensors along a new leading axis.
func Stack(ts []*Tensor) *Tensor {
	if len(ts) == 0 {
		return New(0)
	}
	shape := append([]int{len(ts)}, ts[0].Shape...)
	out := New(shape...)
	stride := ts[0].Len()
	for i, t := range ts {
		copy(out.Data[i*stride:(i+1)*stride], t.Data)
	}
	return out
}

// StackMasks concatenates same-shaped masks along a new leading axis.
func StackMasks(ms []*Mask) *Mask {
	if len(ms) == 0 {
		return NewMask(0)
	}
	shape := append([]int{len(ms)}, ms[0].Shape...)
	out := NewMask(shape...)
	stride := ms[0].Len()
	for i, m := range ms {
		copy(out.Data[i*stride:(i+1)*stride], m.Data)
	}
	return out
}
