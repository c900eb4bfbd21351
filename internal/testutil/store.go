package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/runwatch/runwatch/internal/model"
	"github.com/runwatch/runwatch/internal/store"
)

func NewStore(t *testing.T) (*store.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "runwatch-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	if err := store.ApplyMigrations(ctx, st.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return st, ctx
}

// SeedRun inserts an ongoing run that started at startedAt.
func SeedRun(t *testing.T, st *store.Store, ctx context.Context, runID, machine string, startedAt time.Time) model.Run {
	t.Helper()
	run := model.Run{
		RunID:      runID,
		Machine:    machine,
		Command:    "python train.py",
		Cwd:        "/work",
		StartedAt:  startedAt.UTC(),
		LastSeenAt: startedAt.UTC(),
		Category:   model.CategoryOngoing,
		UpdatedAt:  startedAt.UTC(),
	}
	if err := st.UpsertRun(ctx, run); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return run
}

// Event builds a valid envelope for tests; ts is epoch seconds.
func Event(runID, machine string, kind model.EventKind, ts int64, payload model.EventPayload) model.Event {
	return model.Event{
		EventID:   uuid.NewString(),
		RunID:     runID,
		Machine:   machine,
		Kind:      kind,
		Timestamp: ts,
		Payload:   payload,
	}
}

func IntPtr(v int) *int { return &v }
