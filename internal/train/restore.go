package train

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/domainshift/segtrain/internal/domain"
	"github.com/domainshift/segtrain/internal/loss"
)

// Restorable models can load parameter snapshots from a checkpoint.
type Restorable interface {
	LoadStateVectors(vecs [][]float32) error
}

// Restore loads a previous run's checkpoint into the model and, when a
// prototype bank is in use, the run's persisted prototypes. featureDim
// guards against restoring prototypes from a model with a different
// feature head.
func Restore(ctx context.Context, checkpoints domain.CheckpointStore, protoStore domain.PrototypeStore,
	m Restorable, bank *loss.ProtoBank, featureDim int, runID uuid.UUID, logger *zap.Logger) error {
	st, err := checkpoints.Load(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	if err := m.LoadStateVectors(st.Parameters); err != nil {
		return err
	}
	if bank != nil {
		saved, err := protoStore.Load(ctx, runID)
		if err != nil {
			return fmt.Errorf("loading prototypes: %w", err)
		}
		for cls, vec := range saved {
			if len(vec) != featureDim {
				return domain.NewConfigError("train",
					"stored prototype for class %d has dim %d, feature head is %d",
					cls, len(vec), featureDim)
			}
		}
		bank.Restore(saved)
	}
	logger.Info("restored checkpoint",
		zap.String("from_run", runID.String()),
		zap.Int("epoch", st.Epoch),
		zap.Int("step", st.Step))
	return nil
}
