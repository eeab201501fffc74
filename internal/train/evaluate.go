package train

import (
	"context"

	"go.uber.org/zap"

	"github.com/domainshift/segtrain/internal/domain"
	"github.com/domainshift/segtrain/internal/model"
	"github.com/domainshift/segtrain/internal/tensor"
)

// TargetEvaluator scores the model on held-out target-domain samples with
// mean foreground Dice. It runs forward passes only; no gradients, no
// parameter mutation.
type TargetEvaluator struct {
	ds         domain.Dataset
	m          model.Model
	target     int
	classes    int
	maxSamples int
	logger     *zap.Logger
}

func NewTargetEvaluator(ds domain.Dataset, m model.Model, target, classes, maxSamples int, logger *zap.Logger) *TargetEvaluator {
	if maxSamples <= 0 {
		maxSamples = 32
	}
	return &TargetEvaluator{
		ds: ds, m: m, target: target, classes: classes,
		maxSamples: maxSamples, logger: logger,
	}
}

func (e *TargetEvaluator) Evaluate(ctx context.Context, epoch int) (float64, error) {
	n := e.ds.Len(e.target)
	if n == 0 {
		return 0, domain.NewDataError("eval", "target domain %d has no samples", e.target)
	}
	if n > e.maxSamples {
		n = e.maxSamples
	}

	var total float64
	var scored int
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		s, err := e.ds.Sample(ctx, e.target, i)
		if err != nil {
			e.logger.Warn("skipping target sample", zap.Int("index", i), zap.Error(err))
			continue
		}
		imgs := tensor.Stack([]*tensor.Tensor{s.Image})
		out, err := e.m.Forward(imgs, model.ForwardOpts{})
		if err != nil {
			return 0, err
		}
		pred := tensor.ArgmaxChannels(out.Logits)
		total += foregroundDice(pred, s.Label, e.classes)
		scored++
	}
	if scored == 0 {
		return 0, domain.NewDataError("eval", "no valid target samples evaluated")
	}
	return total / float64(scored), nil
}

// foregroundDice averages the Dice coefficient over non-background classes,
// skipping ignored pixels.
func foregroundDice(pred, label *tensor.Mask, classes int) float64 {
	var sum float64
	var counted int
	for cls := 1; cls < classes; cls++ {
		var inter, predN, labelN int
		for i := range label.Data {
			y := label.Data[i]
			if y == domain.IgnoreIndex {
				continue
			}
			p := pred.Data[i]
			if p == int32(cls) {
				predN++
			}
			if y == int32(cls) {
				labelN++
			}
			if p == int32(cls) && y == int32(cls) {
				inter++
			}
		}
		if predN+labelN == 0 {
			continue
		}
		sum += 2 * float64(inter) / float64(predN+labelN)
		counted++
	}
	if counted == 0 {
		return 0
	}
	return sum / float64(counted)
}
