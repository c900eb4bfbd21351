package store_test

import (
	"errors"
	"testing"
	"time"

	"github.com/runwatch/runwatch/internal/model"
	"github.com/runwatch/runwatch/internal/store"
	"github.com/runwatch/runwatch/internal/testutil"
)

func TestUpsertAndGetRun(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	started := time.Now().Add(-time.Hour)
	seeded := testutil.SeedRun(t, st, ctx, "r1", "gpu01", started)

	got, err := st.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.RunID != seeded.RunID || got.Machine != "gpu01" || got.Category != model.CategoryOngoing {
		t.Fatalf("unexpected run: %+v", got)
	}
	if !got.StartedAt.Equal(seeded.StartedAt) {
		t.Fatalf("started_at = %v, want %v", got.StartedAt, seeded.StartedAt)
	}

	// Upsert replaces in place.
	code := 1
	ended := started.Add(30 * time.Minute).UTC()
	seeded.ExitCode = &code
	seeded.EndedAt = &ended
	seeded.Category = model.CategoryCrashed
	if err := st.UpsertRun(ctx, seeded); err != nil {
		t.Fatalf("upsert run: %v", err)
	}
	got, err = st.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get run after update: %v", err)
	}
	if got.Category != model.CategoryCrashed || got.ExitCode == nil || *got.ExitCode != 1 {
		t.Fatalf("update not applied: %+v", got)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Fatalf("ended_at = %v, want %v", got.EndedAt, ended)
	}
}

func TestUpsertRejectsInvalidCategory(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	err := st.UpsertRun(ctx, model.Run{RunID: "r1", StartedAt: time.Now(), LastSeenAt: time.Now(), Category: "zombie"})
	if err == nil {
		t.Fatalf("invalid category accepted")
	}
}

func TestGetRunNotFound(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	_, err := st.GetRun(ctx, "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListRunsOrderAndFilter(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	now := time.Now()
	old := testutil.SeedRun(t, st, ctx, "old", "gpu01", now.Add(-2*time.Hour))
	recent := testutil.SeedRun(t, st, ctx, "recent", "gpu02", now.Add(-time.Minute))

	old.Category = model.CategoryCompleted
	old.ExitCode = testutil.IntPtr(0)
	if err := st.UpsertRun(ctx, old); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	runs, err := st.ListRuns(ctx, nil)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != recent.RunID || runs[1].RunID != old.RunID {
		t.Fatalf("order wrong: %+v", runs)
	}

	completed := model.CategoryCompleted
	runs, err = st.ListRuns(ctx, &completed)
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "old" {
		t.Fatalf("filter wrong: %+v", runs)
	}
}

func TestDeleteRun(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	testutil.SeedRun(t, st, ctx, "r1", "gpu01", time.Now())

	if err := st.DeleteRun(ctx, "r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.DeleteRun(ctx, "r1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestFlush(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	now := time.Now()
	for i, category := range []model.Category{
		model.CategoryOngoing, model.CategoryCompleted, model.CategoryCrashed, model.CategoryUnknown,
	} {
		run := testutil.SeedRun(t, st, ctx, string(category)+"-run", "gpu01", now.Add(time.Duration(i)*time.Second))
		run.Category = category
		if category.Terminal() {
			run.ExitCode = testutil.IntPtr(i)
		}
		if err := st.UpsertRun(ctx, run); err != nil {
			t.Fatalf("seed %s: %v", category, err)
		}
	}

	removed, err := st.FlushFinished(ctx)
	if err != nil {
		t.Fatalf("flush finished: %v", err)
	}
	if removed != 2 {
		t.Fatalf("flush finished removed %d, want 2", removed)
	}

	unknown := model.CategoryUnknown
	removed, err = st.FlushCategory(ctx, unknown)
	if err != nil {
		t.Fatalf("flush unknown: %v", err)
	}
	if removed != 1 {
		t.Fatalf("flush unknown removed %d, want 1", removed)
	}

	runs, err := st.ListRuns(ctx, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 || runs[0].Category != model.CategoryOngoing {
		t.Fatalf("survivors = %+v, want the ongoing run only", runs)
	}
}

func TestInsertEventDedupe(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	testutil.SeedRun(t, st, ctx, "r1", "gpu01", time.Now())
	now := time.Now()

	ev := testutil.Event("r1", "gpu01", model.KindHeartbeat, now.Unix(), model.EventPayload{})
	if err := st.InsertEvent(ctx, ev, "100", now); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	dup := testutil.Event("r1", "gpu01", model.KindHeartbeat, now.Unix(), model.EventPayload{})
	if err := st.InsertEvent(ctx, dup, "100", now); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}

	// Same dedupe key under a different kind is a different event.
	started := testutil.Event("r1", "gpu01", model.KindStarted, now.Unix(), model.EventPayload{})
	if err := st.InsertEvent(ctx, started, "100", now); err != nil {
		t.Fatalf("insert started: %v", err)
	}

	seen, err := st.EventExists(ctx, "r1", model.KindHeartbeat, "100")
	if err != nil {
		t.Fatalf("event exists: %v", err)
	}
	if !seen {
		t.Fatalf("applied event not found")
	}
	seen, err = st.EventExists(ctx, "r1", model.KindCompleted, "100")
	if err != nil {
		t.Fatalf("event exists: %v", err)
	}
	if seen {
		t.Fatalf("phantom event reported")
	}
}

func TestTriggerHitFirstWins(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	testutil.SeedRun(t, st, ctx, "r1", "gpu01", time.Now())
	at := time.Now().UTC()

	hit := model.TriggerHit{Name: "cuda-oom", Class: model.ClassHang, Excerpt: "first", At: at}
	if err := st.InsertTriggerHit(ctx, "r1", hit); err != nil {
		t.Fatalf("insert hit: %v", err)
	}
	later := model.TriggerHit{Name: "cuda-oom", Class: model.ClassHang, Excerpt: "second", At: at.Add(time.Minute)}
	if err := st.InsertTriggerHit(ctx, "r1", later); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}

	hits, err := st.ListTriggerHits(ctx, "r1")
	if err != nil {
		t.Fatalf("list hits: %v", err)
	}
	if len(hits) != 1 || hits[0].Excerpt != "first" {
		t.Fatalf("hits = %+v, want the first excerpt only", hits)
	}
}

func TestDeleteRunCascadesEvents(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	testutil.SeedRun(t, st, ctx, "r1", "gpu01", time.Now())
	now := time.Now()
	if err := st.InsertEvent(ctx, testutil.Event("r1", "gpu01", model.KindHeartbeat, now.Unix(), model.EventPayload{}), "hb", now); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	if err := st.DeleteRun(ctx, "r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	count, err := st.CountEvents(ctx, "r1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("events survived run deletion: %d", count)
	}
}
