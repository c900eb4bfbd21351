package emit

import (
	"context"
	"log/slog"
	"time"

	"github.com/runwatch/runwatch/internal/model"
)

// Sink is one delivery destination for lifecycle events.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev model.Event) error
}

// Emitter fans one event out to every configured sink. Delivery is
// best-effort and at-least-once: a failing sink is logged and never blocks
// or fails the others, so downstream consumers must be idempotent.
type Emitter struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
}

func NewEmitter(timeout time.Duration, log *slog.Logger, sinks ...Sink) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Emitter{sinks: sinks, timeout: timeout, log: log}
}

func (e *Emitter) Emit(ctx context.Context, ev model.Event) {
	for _, sink := range e.sinks {
		deliverCtx, cancel := context.WithTimeout(ctx, e.timeout)
		err := sink.Deliver(deliverCtx, ev)
		cancel()
		if err != nil {
			e.log.Warn("event delivery failed",
				"sink", sink.Name(), "run_id", ev.RunID, "kind", string(ev.Kind), "error", err)
		}
	}
}
