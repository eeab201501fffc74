package train

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/domainshift/segtrain/internal/augment"
	"github.com/domainshift/segtrain/internal/dataset"
	"github.com/domainshift/segtrain/internal/domain"
	"github.com/domainshift/segtrain/internal/loss"
	"github.com/domainshift/segtrain/internal/model"
	"github.com/domainshift/segtrain/internal/sampler"
	"github.com/domainshift/segtrain/internal/store"
	"github.com/domainshift/segtrain/internal/tensor"
)

type rig struct {
	loop    *Loop
	probe   *model.Probe
	metrics *store.InMemoryMetricStore
	protos  *store.InMemoryPrototypeStore
	ckpts   *store.FileCheckpointStore
}

func buildRig(t *testing.T, cfg Config, lossCfg loss.Config, augEnabled bool) *rig {
	t.Helper()
	logger := zap.NewNop()

	ds := dataset.NewSynthetic([]int{0, 1, 2, 3}, 8, 2, 8, 8, 2, cfg.Seed)
	set, err := domain.NewDomainSet([]int{1, 2, 3}, 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	probe := model.NewProbe(2, 8, 2, cfg.Seed)

	augCfg := augment.DefaultConfig()
	augCfg.Enabled = augEnabled
	augs := augment.New(augCfg, cfg.Seed, logger)

	composer, err := loss.NewComposer(lossCfg, logger)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	step := NewStep(probe, augs, composer, NewSGD(cfg.LearningRate, cfg.Momentum), logger)

	smp, err := sampler.New(ds, set, 4, cfg.Seed, logger)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	metrics := store.NewInMemoryMetricStore(0)
	protos := store.NewInMemoryPrototypeStore()
	ckpts, err := store.NewFileCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	eval := NewTargetEvaluator(ds, probe, set.Target, 2, 4, logger)

	loop, err := NewLoop(cfg, set, step, smp, metrics, ckpts, protos, eval, logger)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return &rig{loop: loop, probe: probe, metrics: metrics, protos: protos, ckpts: ckpts}
}

func metricNames(t *testing.T, r *rig) map[string]bool {
	t.Helper()
	points, err := r.metrics.Recent(context.Background(), r.loop.RunID(), 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	names := make(map[string]bool)
	for _, p := range points {
		names[p.Name] = true
	}
	return names
}

func TestNewLoop_RejectsZeroBudget(t *testing.T) {
	_, err := NewLoop(Config{}, nil, nil, nil, nil, nil, nil, nil, zap.NewNop())
	if !domain.IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestLoop_RunCompletes(t *testing.T) {
	r := buildRig(t, Config{
		Epochs: 2, StepsPerEpoch: 3, Seed: 17,
		LearningRate: 0.01, Momentum: 0.9,
		EvalEvery: 1, CheckpointEvery: 1,
		DatasetName: "synthetic",
	}, loss.Config{
		Classes: 2, Rec: true,
		Consistency: true, ConsistencyType: domain.ConsistencyKD, OutDomain: true,
	}, true)

	if err := r.loop.Run(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := r.metrics.Status(r.loop.RunID()); got != "completed" {
		t.Fatalf("expected status completed, got %q", got)
	}

	names := metricNames(t, r)
	for _, want := range []string{"loss_total", "loss_seg", "loss_rec", "loss_consistency", "eval_score"} {
		if !names[want] {
			t.Fatalf("metric %q missing, have %v", want, names)
		}
	}

	st, err := r.ckpts.Load(context.Background(), r.loop.RunID())
	if err != nil {
		t.Fatalf("expected checkpoint, got %v", err)
	}
	if st.Step != 6 || st.Epoch != 2 {
		t.Fatalf("expected checkpoint at epoch 2 step 6, got epoch %d step %d", st.Epoch, st.Step)
	}
	if len(st.Parameters) != len(r.probe.Params()) {
		t.Fatalf("checkpoint has %d parameter blocks, model has %d",
			len(st.Parameters), len(r.probe.Params()))
	}

	status := r.loop.Snapshot()
	if status.Running {
		t.Fatal("finished run must not report running")
	}
	if status.Step != 6 {
		t.Fatalf("expected final step 6, got %d", status.Step)
	}
}

func TestLoop_ProtoConsistencyPersistsPrototypes(t *testing.T) {
	r := buildRig(t, Config{
		Epochs: 1, StepsPerEpoch: 2, Seed: 5,
		LearningRate: 0.01, CheckpointEvery: 1,
		DatasetName: "synthetic",
	}, loss.Config{
		Classes: 2, Consistency: true, ConsistencyType: domain.ConsistencyProto,
	}, true)

	if err := r.loop.Run(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	protos, err := r.protos.Load(context.Background(), r.loop.RunID())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(protos) != 2 {
		t.Fatalf("expected prototypes for both classes, got %d", len(protos))
	}
}

func TestLoop_GracefulStop(t *testing.T) {
	r := buildRig(t, Config{
		Epochs: 1000, StepsPerEpoch: 100, Seed: 9,
		LearningRate: 0.01, DatasetName: "synthetic",
	}, loss.Config{Classes: 2}, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.loop.Run(ctx) }()

	// Wait for the loop to make progress, then request a stop.
	deadline := time.After(10 * time.Second)
	for r.loop.Snapshot().Step == 0 {
		select {
		case <-deadline:
			t.Fatal("loop made no progress")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("graceful stop must not error, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("loop did not stop")
	}
	if got := r.metrics.Status(r.loop.RunID()); got != "stopped" {
		t.Fatalf("expected status stopped, got %q", got)
	}
	// The stop still wrote a checkpoint.
	if _, err := r.ckpts.Load(context.Background(), r.loop.RunID()); err != nil {
		t.Fatalf("expected checkpoint after stop, got %v", err)
	}
}

// nanModel always produces NaN logits, driving the segmentation term
// unstable on every step.
type nanModel struct {
	param *model.Param
}

func (m *nanModel) Forward(in *tensor.Tensor, opts model.ForwardOpts) (*model.Output, error) {
	n, h, w := in.Shape[0], in.Shape[2], in.Shape[3]
	logits := tensor.New(n, 2, h, w)
	logits.Fill(float32(math.NaN()))
	return &model.Output{Logits: logits}, nil
}

func (m *nanModel) Params() []*model.Param { return []*model.Param{m.param} }

func (m *nanModel) Backward(in *tensor.Tensor, grad *model.OutputGrad) error { return nil }

func (m *nanModel) ZeroGrad() {}

func TestLoop_SegmentationDivergenceAborts(t *testing.T) {
	logger := zap.NewNop()
	ds := dataset.NewSynthetic([]int{0, 1, 2}, 4, 2, 8, 8, 2, 1)
	set, err := domain.NewDomainSet([]int{1, 2}, 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	m := &nanModel{param: &model.Param{Name: "w", Value: []float32{0}, Grad: []float32{0}}}
	augs := augment.New(augment.Config{Enabled: false}, 1, logger)
	composer, err := loss.NewComposer(loss.Config{Classes: 2}, logger)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	step := NewStep(m, augs, composer, NewSGD(0.01, 0), logger)
	smp, err := sampler.New(ds, set, 2, 1, logger)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	metrics := store.NewInMemoryMetricStore(0)

	loop, err := NewLoop(Config{
		Epochs: 1, StepsPerEpoch: 50, Seed: 1,
		LearningRate: 0.01, SegFailureThreshold: 3,
		DatasetName: "synthetic",
	}, set, step, smp, metrics, nil, nil, nil, logger)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	err = loop.Run(context.Background())
	if !domain.IsKind(err, domain.KindNumeric) {
		t.Fatalf("expected numeric divergence error, got %v", err)
	}
	if got := metrics.Status(loop.RunID()); got != "diverged" {
		t.Fatalf("expected status diverged, got %q", got)
	}
}
