package reap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/runwatch/runwatch/internal/ingest"
	"github.com/runwatch/runwatch/internal/model"
)

// RunLister is the read side the reaper needs from the state store.
type RunLister interface {
	ListRuns(ctx context.Context, category *model.Category) ([]model.Run, error)
}

// Reaper reclassifies runs whose heartbeat went quiet. It never touches the
// store directly: it emits synthetic presumed_lost events through the normal
// ingest path so the transition is durable and distinguishable from a real
// completion.
type Reaper struct {
	store     RunLister
	engine    *ingest.Engine
	threshold time.Duration
	log       *slog.Logger
}

func NewReaper(store RunLister, engine *ingest.Engine, threshold time.Duration, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{store: store, engine: engine, threshold: threshold, log: log}
}

func (r *Reaper) Tick(ctx context.Context, now time.Time) error {
	runs, err := r.store.ListRuns(ctx, nil)
	if err != nil {
		return fmt.Errorf("list runs for reap: %w", err)
	}
	for _, run := range runs {
		if run.Category != model.CategoryOngoing && run.Category != model.CategoryHanging {
			continue
		}
		age := now.Sub(run.LastSeenAt)
		if age <= r.threshold {
			continue
		}
		event := model.Event{
			EventID:   uuid.NewString(),
			RunID:     run.RunID,
			Machine:   run.Machine,
			Kind:      model.KindPresumedLost,
			Timestamp: now.Unix(),
			Payload: model.EventPayload{
				Reason: fmt.Sprintf("no heartbeat for %s", age.Truncate(time.Second)),
			},
		}
		category, err := r.engine.Apply(ctx, event)
		if err != nil {
			return fmt.Errorf("reap %s: %w", run.RunID, err)
		}
		r.log.Info("run presumed lost",
			"run_id", run.RunID, "machine", run.Machine, "category", string(category), "quiet_for", age.String())
	}
	return nil
}

// Loop runs Tick on a fixed interval until the context ends.
func (r *Reaper) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Tick(ctx, time.Now().UTC()); err != nil {
				r.log.Warn("reaper tick failed", "error", err)
			}
		}
	}
}
