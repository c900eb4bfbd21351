package store_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/runwatch/runwatch/internal/model"
	"github.com/runwatch/runwatch/internal/store"
	"github.com/runwatch/runwatch/internal/testutil"
)

func TestSnapshotRoundTrip(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	now := time.Now()
	run := testutil.SeedRun(t, st, ctx, "r1", "gpu01", now.Add(-time.Hour))
	run.Category = model.CategoryCrashed
	run.ExitCode = testutil.IntPtr(1)
	if err := st.UpsertRun(ctx, run); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.InsertTriggerHit(ctx, "r1", model.TriggerHit{
		Name: "cuda-oom", Class: model.ClassHang, Excerpt: "CUDA out of memory", At: now.UTC(),
	}); err != nil {
		t.Fatalf("insert hit: %v", err)
	}

	snap, err := st.ExportSnapshot(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	path := filepath.Join(t.TempDir(), "snapshot.json")
	if err := store.WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}

	loaded, err := store.LoadSnapshot(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := loaded.Runs["r1"]
	if !ok {
		t.Fatalf("run missing from loaded snapshot: %+v", loaded.Runs)
	}
	if got.Category != model.CategoryCrashed || got.ExitCode == nil || *got.ExitCode != 1 {
		t.Fatalf("loaded run = %+v", got)
	}
	if len(got.Triggers) != 1 || got.Triggers[0].Name != "cuda-oom" {
		t.Fatalf("loaded triggers = %+v", got.Triggers)
	}

	// Import into a fresh store restores everything.
	fresh, freshCtx := testutil.NewStore(t)
	imported, err := fresh.ImportSnapshot(freshCtx, loaded)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imported != 1 {
		t.Fatalf("imported = %d, want 1", imported)
	}
	restored, err := fresh.GetRun(freshCtx, "r1")
	if err != nil {
		t.Fatalf("get restored: %v", err)
	}
	if restored.Category != model.CategoryCrashed || len(restored.Triggers) != 1 {
		t.Fatalf("restored run = %+v", restored)
	}
}

func TestLoadSnapshotMissingFile(t *testing.T) {
	snap, err := store.LoadSnapshot(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("missing file should load empty, got %v", err)
	}
	if len(snap.Runs) != 0 {
		t.Fatalf("runs = %+v, want empty", snap.Runs)
	}
}

func TestLoadSnapshotToleratesUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	doc := `{
  "saved_at": "2026-03-14T09:00:00Z",
  "format_hint": "v2",
  "runs": {
    "r1": {
      "machine": "gpu01",
      "started_at": "2026-03-14T08:00:00Z",
      "last_seen_at": "2026-03-14T08:30:00Z",
      "category": "ongoing",
      "updated_at": "2026-03-14T08:30:00Z",
      "future_field": {"nested": true}
    },
    "r2": {
      "machine": "gpu02",
      "started_at": "2026-03-14T08:00:00Z",
      "last_seen_at": "2026-03-14T08:30:00Z",
      "category": "glorious",
      "updated_at": "2026-03-14T08:30:00Z"
    }
  }
}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	snap, err := store.LoadSnapshot(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	run, ok := snap.Runs["r1"]
	if !ok {
		t.Fatalf("r1 dropped despite unknown fields")
	}
	if run.RunID != "r1" {
		t.Fatalf("run_id not backfilled from map key: %q", run.RunID)
	}
	if _, ok := snap.Runs["r2"]; ok {
		t.Fatalf("entry with invalid category should be skipped")
	}
}

func TestImportSnapshotSkipsExistingRuns(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	existing := testutil.SeedRun(t, st, ctx, "r1", "gpu01", time.Now())

	stale := existing
	stale.Command = "something else entirely"
	snap := store.Snapshot{
		SavedAt: time.Now(),
		Runs:    map[string]model.Run{"r1": stale},
	}
	imported, err := st.ImportSnapshot(ctx, snap)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imported != 0 {
		t.Fatalf("imported = %d, want 0", imported)
	}
	got, err := st.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Command != existing.Command {
		t.Fatalf("import overwrote live run: %q", got.Command)
	}
}

func TestWriteSnapshotRespectsHeldLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.json")
	if err := os.WriteFile(path+".lock", []byte("1\n"), 0o600); err != nil {
		t.Fatalf("plant lock: %v", err)
	}

	err := store.WriteSnapshot(path, store.Snapshot{SavedAt: time.Now(), Runs: map[string]model.Run{}})
	if err == nil {
		t.Fatalf("write succeeded despite held lock")
	}
}
