package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense float32 array with row-major layout. The trainer keeps
// images as [C,H,W], batches as [N,C,H,W] and flattened features as [P,A].
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, n)}
}

// FromData wraps an existing slice. The slice length must match the shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v", len(data), shape)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

func (t *Tensor) Len() int { return len(t.Data) }


func (t *Tensor) Clone() *Tensor {
	c := New(t.Shape...)
	copy(c.Data, t.Data)
	return c
}

// SameShape reports whether both tensors have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// Zero resets every element.
func (t *Tensor) Zero() { t.Fill(0) }

// AddScaled adds s*o elementwise into t.
func (t *Tensor) AddScaled(o *Tensor, s float32) error {
	if !t.SameShape(o) {
		return fmt.Errorf("tensor: shape mismatch %v vs %v", t.Shape, o.Shape)
	}
	for i := range t.Data {
		t.Data[i] += s * o.Data[i]
	}
	return nil
}

// Scale multiplies every element by s.
func (t *Tensor) Scale(s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// MeanStd returns the mean and standard deviation over all elements.
func (t *Tensor) MeanStd() (float32, float32) {
	if len(t.Data) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range t.Data {
		sum += float64(v)
	}
	mean := sum / float64(len(t.Data))
	var sq float64
	for _, v := range t.Data {
		d := float64(v) - mean
		sq += d * d
	}
	return float32(mean), float32(math.Sqrt(sq / float64(len(t.Data))))
}

// HasNaN reports whether any element is NaN or Inf.
func (t *Tensor) HasNaN() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// Mask holds integer class indices, typically [H,W] or [N,H,W].
type Mask struct {
	Shape []int
	Data  []int32
}

// NewMask allocates a zero-filled mask.
func NewMask(shape ...int) *Mask {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Mask{Shape: append([]int(nil), shape...), Data: make([]int32, n)}
}

func (m *Mask) Len() int { return len(m.Data) }

func (m *Mask) Clone() *Mask {
	c := NewMask(m.Shape...)
	copy(c.Data, m.Data)
	return c
}

// SpatialMatch reports whether the mask's trailing dimensions match the
// spatial dimensions of an image tensor shaped [...,H,W].
func (m *Mask) SpatialMatch(img *Tensor) bool {
	if len(m.Shape) < 2 || len(img.Shape) < 2 {
		return false
	}
	mh, mw := m.Shape[len(m.Shape)-2], m.Shape[len(m.Shape)-1]
	ih, iw := img.Shape[len(img.Shape)-2], img.Shape[len(img.Shape)-1]
	return mh == ih && mw == iw
}
