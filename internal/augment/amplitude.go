package augment

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/domainshift/segtrain/internal/domain"
	"github.com/domainshift/segtrain/internal/tensor"
)

// mixAmplitude blends the low-frequency FFT amplitude of img with that of
// ref, channel by channel, keeping img's phase. With a nil ref (single-domain
// batch) the low band amplitude is jittered by alpha instead, so the branch
// still diverges in appearance. Modifies img in place.
func (a *Augmenter) mixAmplitude(img, ref *tensor.Tensor, alpha float64) error {
	if ref != nil && !img.SameShape(ref) {
		return domain.NewDataError("augment",
			"amplitude mix shape mismatch %v vs %v", img.Shape, ref.Shape)
	}
	c, h, w := img.Shape[0], img.Shape[1], img.Shape[2]
	rowFFT := fourier.NewCmplxFFT(w)
	colFFT := fourier.NewCmplxFFT(h)

	for ch := 0; ch < c; ch++ {
		plane := img.Data[ch*h*w : (ch+1)*h*w]
		freq := fft2(plane, h, w, rowFFT, colFFT)

		var refFreq []complex128
		if ref != nil {
			refFreq = fft2(ref.Data[ch*h*w:(ch+1)*h*w], h, w, rowFFT, colFFT)
		}

		bh := int(a.cfg.MixRadius * float64(h))
		bw := int(a.cfg.MixRadius * float64(w))
		for y := 0; y < h; y++ {
			fy := y
			if h-y < fy {
				fy = h - y
			}
			for x := 0; x < w; x++ {
				fx := x
				if w-x < fx {
					fx = w - x
				}
				if fy > bh || fx > bw {
					continue
				}
				i := y*w + x
				amp := cmplxAbs(freq[i])
				phase := cmplxPhase(freq[i])
				var mixed float64
				if refFreq != nil {
					mixed = (1-alpha)*amp + alpha*cmplxAbs(refFreq[i])
				} else {
					mixed = amp * (1 + alpha*0.5)
				}
				freq[i] = complex(mixed*math.Cos(phase), mixed*math.Sin(phase))
			}
		}

		ifft2(freq, plane, h, w, rowFFT, colFFT)
	}
	return nil
}

// fft2 computes the 2-D DFT of an h×w plane: row transforms then column
// transforms.
func fft2(plane []float32, h, w int, rowFFT, colFFT *fourier.CmplxFFT) []complex128 {
	freq := make([]complex128, h*w)
	row := make([]complex128, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			row[x] = complex(float64(plane[y*w+x]), 0)
		}
		rowFFT.Coefficients(freq[y*w:(y+1)*w], row)
	}
	col := make([]complex128, h)
	colOut := make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			col[y] = freq[y*w+x]
		}
		colFFT.Coefficients(colOut, col)
		for y := 0; y < h; y++ {
			freq[y*w+x] = colOut[y]
		}
	}
	return freq
}

// ifft2 inverts fft2 into plane. gonum's transforms are unnormalized, so
// the result is scaled by 1/(h*w).
func ifft2(freq []complex128, plane []float32, h, w int, rowFFT, colFFT *fourier.CmplxFFT) {
	col := make([]complex128, h)
	colOut := make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			col[y] = freq[y*w+x]
		}
		colFFT.Sequence(colOut, col)
		for y := 0; y < h; y++ {
			freq[y*w+x] = colOut[y]
		}
	}
	row := make([]complex128, w)
	scale := 1 / float64(h*w)
	for y := 0; y < h; y++ {
		rowFFT.Sequence(row, freq[y*w:(y+1)*w])
		for x := 0; x < w; x++ {
			plane[y*w+x] = float32(real(row[x]) * scale)
		}
	}
}

func cmplxAbs(c complex128) float64   { return math.Hypot(real(c), imag(c)) }
func cmplxPhase(c complex128) float64 { return math.Atan2(imag(c), real(c)) }
