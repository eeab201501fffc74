package train

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/domainshift/segtrain/internal/domain"
	"github.com/domainshift/segtrain/internal/loss"
	"github.com/domainshift/segtrain/internal/model"
	"github.com/domainshift/segtrain/internal/store"
)

func TestRestore_LoadsParametersAndPrototypes(t *testing.T) {
	ctx := context.Background()
	rid := uuid.New()

	checkpoints, err := store.NewFileCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	saved := model.NewProbe(2, 4, 2, 1)
	err = checkpoints.Save(ctx, &domain.TrainingState{
		RunID: rid, Epoch: 3, Step: 9, Parameters: saved.StateVectors(),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	protos := store.NewInMemoryPrototypeStore()
	for cls := 0; cls < 2; cls++ {
		vec := []float32{float32(cls), 1, 2, 3}
		if err := protos.Upsert(ctx, rid, cls, vec); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}

	fresh := model.NewProbe(2, 4, 2, 2)
	bank := loss.NewProtoBank(2)
	if err := Restore(ctx, checkpoints, protos, fresh, bank, 4, rid, zap.NewNop()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	want := saved.StateVectors()
	for i, vec := range fresh.StateVectors() {
		for j, v := range vec {
			if v != want[i][j] {
				t.Fatalf("parameter block %d not restored", i)
			}
		}
	}
	snap := bank.Snapshot()
	if len(snap) != 2 || snap[1][0] != 1 {
		t.Fatalf("prototypes not restored: %v", snap)
	}
}

func TestRestore_PrototypeDimMismatch(t *testing.T) {
	ctx := context.Background()
	rid := uuid.New()

	checkpoints, err := store.NewFileCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	m := model.NewProbe(2, 4, 2, 1)
	err = checkpoints.Save(ctx, &domain.TrainingState{
		RunID: rid, Parameters: m.StateVectors(),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	protos := store.NewInMemoryPrototypeStore()
	if err := protos.Upsert(ctx, rid, 0, []float32{1, 2}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	err = Restore(ctx, checkpoints, protos, m, loss.NewProtoBank(2), 4, rid, zap.NewNop())
	if !domain.IsConfigError(err) {
		t.Fatalf("expected a config error for mismatched prototypes, got %v", err)
	}
}

func TestRestore_MissingRun(t *testing.T) {
	checkpoints, err := store.NewFileCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	m := model.NewProbe(2, 4, 2, 1)
	err = Restore(context.Background(), checkpoints, store.NewInMemoryPrototypeStore(),
		m, nil, 4, uuid.New(), zap.NewNop())
	if err == nil {
		t.Fatal("expected an error for a missing checkpoint")
	}
}
