package train

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/domainshift/segtrain/internal/domain"
	"github.com/domainshift/segtrain/internal/sampler"
)

// Config holds the run budget and loop-level knobs.
type Config struct {
	Epochs        int
	StepsPerEpoch int
	Seed          int64

	LearningRate float64
	Momentum     float64

	EvalEvery       int // epochs between evaluations; 0 disables
	CheckpointEvery int // epochs between checkpoints; 0 disables
	PrefetchDepth   int

	SegFailureThreshold      int
	OptionalFailureThreshold int

	DatasetName string
	Flags       map[string]bool
}

// Loop owns the run-wide state and drives steps until the epoch budget is
// reached, interleaving evaluation and checkpointing. Steps execute
// strictly sequentially; a cancellation completes the in-flight step,
// persists state, and exits cleanly.
type Loop struct {
	cfg     Config
	set     *domain.DomainSet
	step    *Step
	sampler *sampler.Sampler

	metrics     domain.MetricStore
	checkpoints domain.CheckpointStore
	protos      domain.PrototypeStore
	evaluator   domain.Evaluator

	logger *zap.Logger
	runID  uuid.UUID

	mu     sync.RWMutex
	status domain.RunStatus
}

func NewLoop(cfg Config, set *domain.DomainSet, step *Step, smp *sampler.Sampler,
	metrics domain.MetricStore, checkpoints domain.CheckpointStore,
	protos domain.PrototypeStore, evaluator domain.Evaluator, logger *zap.Logger) (*Loop, error) {
	if cfg.Epochs <= 0 || cfg.StepsPerEpoch <= 0 {
		return nil, domain.NewConfigError("train",
			"epochs (%d) and steps per epoch (%d) must be positive", cfg.Epochs, cfg.StepsPerEpoch)
	}
	runID := uuid.New()
	return &Loop{
		cfg:         cfg,
		set:         set,
		step:        step,
		sampler:     smp,
		metrics:     metrics,
		checkpoints: checkpoints,
		protos:      protos,
		evaluator:   evaluator,
		logger:      logger.With(zap.String("run_id", runID.String())),
		runID:       runID,
		status: domain.RunStatus{
			RunID:         runID,
			SourceDomains: set.Sources,
			TargetDomain:  set.Target,
		},
	}, nil
}

func (l *Loop) RunID() uuid.UUID { return l.runID }

// Snapshot returns the live status for the monitor endpoint.
func (l *Loop) Snapshot() domain.RunStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

func (l *Loop) updateStatus(epoch, step int, result *StepResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Epoch = epoch
	l.status.Step = step
	if result != nil {
		l.status.TotalLoss = result.Total
		l.status.Terms = result.Terms
	}
}

// Run executes the configured budget. A cancelled context is a graceful
// stop, not an error; fatal divergence and configuration failures return
// errors after the run is marked failed.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.status.StartedAt = time.Now()
	l.status.Running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.status.Running = false
		l.mu.Unlock()
	}()

	if err := l.metrics.CreateRun(ctx, &domain.RunRecord{
		RunID:         l.runID,
		DatasetName:   l.cfg.DatasetName,
		SourceDomains: l.set.Sources,
		TargetDomain:  l.set.Target,
		Flags:         l.cfg.Flags,
	}); err != nil {
		return fmt.Errorf("registering run: %w", err)
	}

	prefetchCtx, stopPrefetch := context.WithCancel(ctx)
	defer stopPrefetch()
	pf := newPrefetcher(prefetchCtx, l.sampler, l.cfg.PrefetchDepth, l.logger)
	defer pf.wait()

	stability := newStabilityTracker(l.cfg.SegFailureThreshold, l.cfg.OptionalFailureThreshold, l.logger)
	active := l.step.Composer().ActiveTerms()

	l.logger.Info("training started",
		zap.Ints("source_domains", l.set.Sources),
		zap.Int("target_domain", l.set.Target),
		zap.Int("epochs", l.cfg.Epochs),
		zap.Int("steps_per_epoch", l.cfg.StepsPerEpoch))

	globalStep := 0
	for epoch := 1; epoch <= l.cfg.Epochs; epoch++ {
		for s := 0; s < l.cfg.StepsPerEpoch; s++ {
			if ctx.Err() != nil {
				return l.gracefulStop(epoch, globalStep)
			}
			batch, ok := pf.next(ctx)
			if !ok {
				if ctx.Err() != nil {
					return l.gracefulStop(epoch, globalStep)
				}
				l.finish("failed")
				return domain.NewDataError("train", "batch producer stopped unexpectedly")
			}

			result, err := l.step.Run(ctx, batch)
			if err != nil {
				if domain.IsDataError(err) {
					l.logger.Warn("step failed on bad batch, resampling", zap.Error(err))
					s--
					continue
				}
				l.finish("failed")
				return fmt.Errorf("step %d: %w", globalStep, err)
			}
			globalStep++
			l.updateStatus(epoch, globalStep, result)

			if err := stability.observe(globalStep, active, result.Unstable); err != nil {
				l.finish("diverged")
				return fmt.Errorf("fatal divergence: %w", err)
			}
			l.recordMetrics(ctx, epoch, globalStep, result)
		}

		l.logger.Info("epoch complete",
			zap.Int("epoch", epoch),
			zap.Float64("total_loss", l.Snapshot().TotalLoss))

		if l.evaluator != nil && l.cfg.EvalEvery > 0 && epoch%l.cfg.EvalEvery == 0 {
			score, err := l.evaluator.Evaluate(ctx, epoch)
			if err != nil {
				l.logger.Warn("evaluation failed", zap.Int("epoch", epoch), zap.Error(err))
			} else {
				l.logger.Info("target-domain evaluation",
					zap.Int("epoch", epoch), zap.Float64("score", score))
				l.recordMetric(ctx, epoch, globalStep, "eval_score", score)
			}
		}
		if l.cfg.CheckpointEvery > 0 && epoch%l.cfg.CheckpointEvery == 0 {
			l.checkpoint(ctx, epoch, globalStep)
		}
	}

	l.checkpoint(context.WithoutCancel(ctx), l.cfg.Epochs, globalStep)
	l.finish("completed")
	l.logger.Info("training finished", zap.Int("steps", globalStep))
	return nil
}

// gracefulStop persists state after the in-flight step and exits cleanly.
func (l *Loop) gracefulStop(epoch, step int) error {
	l.logger.Info("stop requested, persisting state", zap.Int("step", step))
	ctx := context.Background()
	l.checkpoint(ctx, epoch, step)
	l.finish("stopped")
	return nil
}

func (l *Loop) checkpoint(ctx context.Context, epoch, step int) {
	if l.checkpoints == nil {
		return
	}
	params := l.step.model.Params()
	vecs := make([][]float32, len(params))
	for i, p := range params {
		vecs[i] = append([]float32(nil), p.Value...)
	}
	st := &domain.TrainingState{
		RunID:      l.runID,
		Epoch:      epoch,
		Step:       step,
		Seed:       l.cfg.Seed,
		Parameters: vecs,
	}
	if err := l.checkpoints.Save(ctx, st); err != nil {
		l.logger.Error("checkpoint failed", zap.Int("step", step), zap.Error(err))
		return
	}
	if bank := l.step.Composer().Bank(); bank != nil && l.protos != nil {
		for cls, vec := range bank.Snapshot() {
			if err := l.protos.Upsert(ctx, l.runID, cls, vec); err != nil {
				l.logger.Warn("prototype persistence failed",
					zap.Int("class", cls), zap.Error(err))
			}
		}
	}
	l.logger.Info("checkpoint written", zap.Int("epoch", epoch), zap.Int("step", step))
}

func (l *Loop) finish(status string) {
	if err := l.metrics.FinishRun(context.Background(), l.runID, status); err != nil {
		l.logger.Warn("marking run finished failed", zap.String("status", status), zap.Error(err))
	}
}

func (l *Loop) recordMetrics(ctx context.Context, epoch, step int, result *StepResult) {
	points := []domain.MetricPoint{
		{RunID: l.runID, Step: step, Epoch: epoch, Name: "loss_total", Value: result.Total},
		{RunID: l.runID, Step: step, Epoch: epoch, Name: "loss_seg", Value: result.Terms.Segmentation},
	}
	if result.Terms.Reconstruction != nil {
		points = append(points, domain.MetricPoint{
			RunID: l.runID, Step: step, Epoch: epoch,
			Name: "loss_rec", Value: *result.Terms.Reconstruction,
		})
	}
	if result.Terms.Consistency != nil {
		points = append(points, domain.MetricPoint{
			RunID: l.runID, Step: step, Epoch: epoch,
			Name: "loss_consistency", Value: *result.Terms.Consistency,
		})
	}
	if err := l.metrics.Record(ctx, points); err != nil {
		l.logger.Warn("metric recording failed", zap.Int("step", step), zap.Error(err))
	}
}

func (l *Loop) recordMetric(ctx context.Context, epoch, step int, name string, value float64) {
	err := l.metrics.Record(ctx, []domain.MetricPoint{
		{RunID: l.runID, Step: step, Epoch: epoch, Name: name, Value: value},
	})
	if err != nil {
		l.logger.Warn("metric recording failed", zap.String("name", name), zap.Error(err))
	}
}
