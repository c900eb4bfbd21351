package spool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/runwatch/runwatch/internal/model"
)

// Writer drops one JSON file per event into a spool directory, typically on
// a shared filesystem. Files appear atomically (temp write plus rename) so a
// consumer never reads a partial event.
type Writer struct {
	dir string
}

func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Writer{dir: dir}, nil
}

func (w *Writer) Name() string { return "spool" }

func (w *Writer) Deliver(_ context.Context, ev model.Event) error {
	data, err := model.EncodeEvent(ev)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(w.dir, ".event-*.tmp")
	if err != nil {
		return fmt.Errorf("create spool temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write spool temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync spool temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close spool temp: %w", err)
	}
	final := filepath.Join(w.dir, fmt.Sprintf("%d_%s.json", ev.Timestamp, ev.EventID))
	if err := os.Rename(tmpPath, final); err != nil {
		return fmt.Errorf("publish spool event: %w", err)
	}
	tmpPath = ""
	return nil
}
