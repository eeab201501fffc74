package dataset

import (
	"context"
	"math/rand"

	"github.com/domainshift/segtrain/internal/domain"
	"github.com/domainshift/segtrain/internal/tensor"
)

// Synthetic is an in-memory dataset of procedurally generated samples, used
// by tests and dry runs. Each domain gets a distinct intensity profile so
// domain shift is visible to the trainer, while label structure (a centered
// square of class 1 on class 0 background) is shared across domains.
type Synthetic struct {
	samples map[int][]*domain.Sample
	classes int
}

// NewSynthetic builds perDomain samples for each listed domain id.
func NewSynthetic(domains []int, perDomain, channels, height, width, classes int, seed int64) *Synthetic {
	rng := rand.New(rand.NewSource(seed))
	out := &Synthetic{samples: make(map[int][]*domain.Sample, len(domains)), classes: classes}
	for _, id := range domains {
		// Per-domain appearance: shifted mean and contrast.
		shift := float32(id) * 0.35
		gain := 1 + 0.2*float32(id)
		for n := 0; n < perDomain; n++ {
			img := tensor.New(channels, height, width)
			label := tensor.NewMask(height, width)
			y0, y1 := height/4, 3*height/4
			x0, x1 := width/4, 3*width/4
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					inside := y >= y0 && y < y1 && x >= x0 && x < x1
					if inside {
						label.Data[y*width+x] = int32(1 % classes)
					}
					for c := 0; c < channels; c++ {
						base := float32(0.2)
						if inside {
							base = 0.8
						}
						v := gain*base + shift + 0.05*float32(rng.NormFloat64())
						img.Data[c*height*width+y*width+x] = v
					}
				}
			}
			out.samples[id] = append(out.samples[id], &domain.Sample{
				Image:    img,
				Label:    label,
				DomainID: id,
			})
		}
	}
	return out
}

func (s *Synthetic) Domains() []int {
	ids := make([]int, 0, len(s.samples))
	for id := range s.samples {
		ids = append(ids, id)
	}
	return ids
}

func (s *Synthetic) Classes() int { return s.classes }

func (s *Synthetic) Len(domainID int) int { return len(s.samples[domainID]) }

func (s *Synthetic) Sample(ctx context.Context, domainID, index int) (*domain.Sample, error) {
	list, ok := s.samples[domainID]
	if !ok {
		return nil, domain.NewDataError("synthetic", "unknown domain %d", domainID)
	}
	if index < 0 || index >= len(list) {
		return nil, domain.NewDataError("synthetic",
			"index %d out of range for domain %d", index, domainID)
	}
	return list[index], nil
}
