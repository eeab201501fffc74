package commands

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/domainshift/segtrain/internal/api"
	"github.com/domainshift/segtrain/internal/augment"
	"github.com/domainshift/segtrain/internal/config"
	"github.com/domainshift/segtrain/internal/dataset"
	"github.com/domainshift/segtrain/internal/domain"
	"github.com/domainshift/segtrain/internal/loss"
	"github.com/domainshift/segtrain/internal/model"
	"github.com/domainshift/segtrain/internal/sampler"
	"github.com/domainshift/segtrain/internal/store"
	"github.com/domainshift/segtrain/internal/train"
)

var (
	dataRoot      string
	datasetName   string
	domainIdxs    []int
	testDomainIdx int

	ram             bool
	rec             bool
	isOutDomain     bool
	consistency     bool
	consistencyType string

	savePath   string
	resumeFrom string
	gpu        int

	epochs        int
	stepsPerEpoch int
	batchSize     int
	learningRate  float64
	momentum      float64
	seed          int64
	hidden        int

	recWeight  float64
	consWeight float64

	evalEvery       int
	checkpointEvery int
	prefetchDepth   int
	segNaNLimit     int
	optNaNLimit     int
)

func trainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run a leave-one-domain-out training loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runTrain(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&dataRoot, "data_root", "", "dataset root containing manifest.yaml; empty uses a synthetic dataset")
	f.StringVar(&datasetName, "dataset", "synthetic", "dataset name recorded with the run")
	f.IntSliceVar(&domainIdxs, "domain_idxs", []int{1, 2, 3}, "source domain indices")
	f.IntVar(&testDomainIdx, "test_domain_idx", 0, "held-out target domain index")

	f.BoolVar(&ram, "ram", false, "enable semantic augmentation")
	f.BoolVar(&rec, "rec", false, "enable the reconstruction objective")
	f.BoolVar(&isOutDomain, "is_out_domain", false, "pair augmented views with cross-domain references")
	f.BoolVar(&consistency, "consistency", false, "enable the consistency objective")
	f.StringVar(&consistencyType, "consistency_type", "kd", "consistency variant: kd or proto")

	f.StringVar(&savePath, "save_path", "checkpoints", "directory for checkpoint files")
	f.StringVar(&resumeFrom, "resume", "", "run id of a checkpoint under save_path to restore weights from")
	f.IntVar(&gpu, "gpu", 0, "device index (unused; execution is CPU only)")

	f.IntVar(&epochs, "epochs", 50, "epoch budget")
	f.IntVar(&stepsPerEpoch, "steps", 100, "steps per epoch")
	f.IntVar(&batchSize, "batch_size", 4, "samples per batch")
	f.Float64Var(&learningRate, "lr", 0.01, "SGD learning rate")
	f.Float64Var(&momentum, "momentum", 0.9, "SGD momentum")
	f.Int64Var(&seed, "seed", 42, "run seed")
	f.IntVar(&hidden, "hidden", 32, "model hidden width")

	f.Float64Var(&recWeight, "rec_weight", 1.0, "reconstruction term weight")
	f.Float64Var(&consWeight, "consistency_weight", 1.0, "consistency term weight")

	f.IntVar(&evalEvery, "eval_every", 1, "epochs between target-domain evaluations; 0 disables")
	f.IntVar(&checkpointEvery, "checkpoint_every", 1, "epochs between checkpoints; 0 disables")
	f.IntVar(&prefetchDepth, "prefetch", 2, "batches to prefetch ahead of the step")
	f.IntVar(&segNaNLimit, "seg_nan_limit", 0, "consecutive segmentation NaN steps before aborting; 0 uses the default")
	f.IntVar(&optNaNLimit, "optional_nan_limit", 0, "consecutive optional-term NaN steps before warning; 0 uses the default")

	return cmd
}

func runTrain(ctx context.Context) error {
	set, err := domain.NewDomainSet(domainIdxs, testDomainIdx)
	if err != nil {
		return err
	}

	ds, classes, channels, err := openDataset(set)
	if err != nil {
		return err
	}

	probe := model.NewProbe(channels, hidden, classes, seed)

	augCfg := augment.DefaultConfig()
	augCfg.Enabled = ram
	augs := augment.New(augCfg, seed, logger)

	composer, err := loss.NewComposer(loss.Config{
		Classes:           classes,
		Rec:               rec,
		Consistency:       consistency,
		ConsistencyType:   domain.ConsistencyType(consistencyType),
		OutDomain:         isOutDomain,
		RecWeight:         recWeight,
		ConsistencyWeight: consWeight,
	}, logger)
	if err != nil {
		return err
	}

	opt := train.NewSGD(learningRate, momentum)
	step := train.NewStep(probe, augs, composer, opt, logger)

	smp, err := sampler.New(ds, set, batchSize, seed, logger)
	if err != nil {
		return err
	}

	metrics, protos, cleanup, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	checkpoints, err := store.NewFileCheckpointStore(savePath)
	if err != nil {
		return err
	}

	if resumeFrom != "" {
		rid, err := uuid.Parse(resumeFrom)
		if err != nil {
			return domain.NewConfigError("train", "resume run id %q is not a UUID", resumeFrom)
		}
		if err := train.Restore(ctx, checkpoints, protos, probe,
			composer.Bank(), probe.FeatureDim(), rid, logger); err != nil {
			return err
		}
	}

	evaluator := train.NewTargetEvaluator(ds, probe, set.Target, classes, 0, logger)

	loop, err := train.NewLoop(train.Config{
		Epochs:                   epochs,
		StepsPerEpoch:            stepsPerEpoch,
		Seed:                     seed,
		LearningRate:             learningRate,
		Momentum:                 momentum,
		EvalEvery:                evalEvery,
		CheckpointEvery:          checkpointEvery,
		PrefetchDepth:            prefetchDepth,
		SegFailureThreshold:      segNaNLimit,
		OptionalFailureThreshold: optNaNLimit,
		DatasetName:              datasetName,
		Flags: map[string]bool{
			"ram":           ram,
			"rec":           rec,
			"is_out_domain": isOutDomain,
			"consistency":   consistency,
		},
	}, set, step, smp, metrics, checkpoints, protos, evaluator, logger)
	if err != nil {
		return err
	}

	stopMonitor := startMonitor(loop, metrics)
	defer stopMonitor()

	logger.Info("starting run",
		zap.String("run_id", loop.RunID().String()),
		zap.Ints("source_domains", set.Sources),
		zap.Int("target_domain", set.Target),
		zap.Bool("ram", ram), zap.Bool("rec", rec),
		zap.Bool("consistency", consistency),
		zap.String("consistency_type", consistencyType))

	if err := loop.Run(ctx); err != nil {
		logger.Error("run failed", zap.Error(err))
		return err
	}
	return nil
}

func openDataset(set *domain.DomainSet) (domain.Dataset, int, int, error) {
	if dataRoot != "" {
		fd, err := dataset.Open(dataRoot)
		if err != nil {
			return nil, 0, 0, err
		}
		if datasetName == "synthetic" {
			datasetName = fd.Name()
		}
		return fd, fd.Classes(), fd.Channels(), nil
	}

	// No data root: generate a synthetic dataset covering the sources and
	// the target so evaluation stays meaningful.
	all := append(append([]int{}, set.Sources...), set.Target)
	syn := dataset.NewSynthetic(all, 64, 3, 32, 32, 2, seed)
	return syn, syn.Classes(), 3, nil
}

func openStores(ctx context.Context) (domain.MetricStore, domain.PrototypeStore, func(), error) {
	dbURL := config.DatabaseURL()
	if dbURL == "" {
		logger.Info("no DATABASE_URL set, using in-memory stores")
		return store.NewInMemoryMetricStore(config.MetricKeep()),
			store.NewInMemoryPrototypeStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("pinging database: %w", err)
	}
	logger.Info("connected to database")
	return store.NewMetricStore(pool), store.NewPrototypeStore(pool),
		pool.Close, nil
}

// startMonitor serves the read-only status API while the run is live. A
// zero port disables it.
func startMonitor(loop *train.Loop, metrics domain.MetricStore) func() {
	port := config.MonitorPort()
	if port == 0 {
		return func() {}
	}

	app := api.NewApp(loop, metrics, config.RateLimitRPS(), config.RateLimitBurst(), logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: app.Router,
	}

	go func() {
		logger.Info("monitor listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("monitor failed", zap.Error(err))
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
