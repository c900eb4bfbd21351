package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/runwatch/runwatch/internal/model"
	"github.com/runwatch/runwatch/internal/store"
)

const runLockShards = 64

// Engine is the sole writer into the state store. Events for one run are
// serialized behind a per-run lock; events for different runs apply in
// parallel. Locks are striped over a fixed shard table so memory stays
// bounded no matter how many runs pass through the daemon.
type Engine struct {
	store *store.Store
	log   *slog.Logger

	runLocks [runLockShards]sync.Mutex

	invalid atomic.Int64
}

func NewEngine(st *store.Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store: st,
		log:   log,
	}
}

// IngestErrors reports how many malformed or rejected events were dropped.
func (e *Engine) IngestErrors() int64 {
	return e.invalid.Load()
}

// ApplyRaw decodes one serialized event and applies it. A payload that does
// not parse into a known variant is counted and dropped, never fatal to the
// caller's loop.
func (e *Engine) ApplyRaw(ctx context.Context, raw []byte) (model.Category, error) {
	ev, err := model.DecodeEvent(raw)
	if err != nil {
		e.invalid.Add(1)
		return "", err
	}
	return e.Apply(ctx, ev)
}

// Apply updates exactly one run record and returns its new category. Events
// are applied in embedded-timestamp order regardless of arrival order:
// category only depends on the set of applied facts, every mutation below is
// commutative for timestamps on the non-terminal side of the boundary.
func (e *Engine) Apply(ctx context.Context, ev model.Event) (model.Category, error) {
	if err := ev.Validate(); err != nil {
		e.invalid.Add(1)
		return "", err
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}

	lock := e.lockFor(ev.RunID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	evTime := ev.Time()

	run, err := e.store.GetRun(ctx, ev.RunID)
	created := false
	switch {
	case errors.Is(err, store.ErrNotFound):
		if ev.Kind == model.KindPresumedLost {
			// Reaper events only mutate an existing run.
			e.invalid.Add(1)
			return "", fmt.Errorf("%s: %s", model.ErrRunNotFound, ev.RunID)
		}
		run = model.Run{
			RunID:      ev.RunID,
			Machine:    ev.Machine,
			StartedAt:  evTime,
			LastSeenAt: evTime,
			Category:   model.CategoryOngoing,
		}
		created = true
	case err != nil:
		return "", err
	}

	dedupe := dedupeKey(ev)

	// Completed is a hard terminal boundary: once applied, no event changes
	// the category. A replay of an already-applied event stays an idempotent
	// no-op; anything new is rejected and logged.
	if run.Category.Terminal() {
		seen, err := e.store.EventExists(ctx, ev.RunID, ev.Kind, dedupe)
		if err != nil {
			return "", err
		}
		if !seen {
			e.log.Debug("event rejected after terminal state",
				"run_id", ev.RunID, "kind", string(ev.Kind), "timestamp", ev.Timestamp)
		}
		return run.Category, nil
	}

	if created {
		// The event row carries a foreign key onto the run.
		if err := e.store.UpsertRun(ctx, run); err != nil {
			return "", err
		}
	}

	// A duplicate row means this event was delivered before, but the run
	// mutation may never have landed if the process died between the insert
	// and the upsert. The mutations below are idempotent, so re-apply on
	// redelivery instead of skipping.
	if err := e.store.InsertEvent(ctx, ev, dedupe, now); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return "", err
	}

	switch ev.Kind {
	case model.KindStarted:
		if run.Command == "" {
			run.Command = ev.Payload.Command
		}
		if run.Cwd == "" {
			run.Cwd = ev.Payload.Cwd
		}
		if run.Session == "" {
			run.Session = ev.Payload.Session
		}
		if run.Machine == "" {
			run.Machine = ev.Machine
		}
		if evTime.Before(run.StartedAt) {
			run.StartedAt = evTime
		}
	case model.KindTrigger:
		hit := model.TriggerHit{
			Name:    ev.Payload.Trigger,
			Class:   ev.Payload.TriggerClass,
			Excerpt: ev.Payload.Excerpt,
			At:      evTime,
		}
		if err := e.store.InsertTriggerHit(ctx, ev.RunID, hit); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return "", err
		}
		if ev.Payload.TriggerClass == model.ClassHang {
			run.HangFlagged = true
		}
	case model.KindCompleted:
		code := *ev.Payload.ExitCode
		run.ExitCode = &code
		run.EndedAt = &evTime
	case model.KindPresumedLost:
		// The reaper's staleness scan ran outside this lock; a heartbeat may
		// have landed since. Only mark runs still quiet at the event's time.
		if evTime.After(run.LastSeenAt) {
			mark := evTime
			run.PresumedLostAt = &mark
		}
	case model.KindHeartbeat:
		// Liveness only; last_seen advances below.
	}

	if ev.Kind != model.KindPresumedLost {
		if evTime.After(run.LastSeenAt) {
			run.LastSeenAt = evTime
		}
		// A real event newer than the reaper's mark means the machine came
		// back: unknown is terminal-like, not terminal.
		if run.PresumedLostAt != nil && evTime.After(*run.PresumedLostAt) {
			run.PresumedLostAt = nil
		}
	}

	run.RecomputeCategory()
	run.UpdatedAt = now
	if err := e.store.UpsertRun(ctx, run); err != nil {
		return "", err
	}
	return run.Category, nil
}

func (e *Engine) lockFor(runID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(runID))
	return &e.runLocks[h.Sum32()%runLockShards]
}

// dedupeKey identifies one event for idempotent re-delivery. Distinct
// triggers matched within the same second stay distinct.
func dedupeKey(ev model.Event) string {
	if ev.Kind == model.KindTrigger {
		return fmt.Sprintf("%d:%s", ev.Timestamp, ev.Payload.Trigger)
	}
	return fmt.Sprintf("%d", ev.Timestamp)
}
