package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/runwatch/runwatch/internal/model"
)

// Snapshot is the persisted state layout shared over the filesystem: one
// document mapping run_id to its run record. Loaders must ignore unknown
// fields so newer writers can add fields without breaking older readers.
type Snapshot struct {
	SavedAt time.Time            `json:"saved_at"`
	Runs    map[string]model.Run `json:"runs"`
}

// ExportSnapshot materializes the full store into a snapshot document.
func (s *Store) ExportSnapshot(ctx context.Context) (Snapshot, error) {
	runs, err := s.ListRuns(ctx, nil)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		SavedAt: time.Now().UTC(),
		Runs:    make(map[string]model.Run, len(runs)),
	}
	for _, run := range runs {
		snap.Runs[run.RunID] = run
	}
	return snap, nil
}

// WriteSnapshot persists the snapshot with write-to-temp plus rename under an
// exclusive lock file, so a reader on a shared filesystem never observes a
// torn document.
func WriteSnapshot(path string, snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	unlock, err := acquirePathLock(path + ".lock")
	if err != nil {
		return err
	}
	defer unlock() //nolint:errcheck

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*.json")
	if err != nil {
		return fmt.Errorf("create snapshot temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write snapshot temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync snapshot temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	tmpPath = ""
	return nil
}

// LoadSnapshot reads a snapshot document. Unknown fields are ignored and
// individual malformed run entries are skipped, not fatal: an older snapshot
// must always load under a newer binary.
func LoadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{Runs: map[string]model.Run{}}, nil
		}
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Runs == nil {
		snap.Runs = map[string]model.Run{}
	}
	for id, run := range snap.Runs {
		if run.RunID == "" {
			run.RunID = id
		}
		if !model.ValidCategory(run.Category) {
			delete(snap.Runs, id)
			continue
		}
		snap.Runs[id] = run
	}
	return snap, nil
}

// ImportSnapshot seeds an empty store from a snapshot document. Runs already
// present are left alone; SQLite remains the authority once populated.
func (s *Store) ImportSnapshot(ctx context.Context, snap Snapshot) (int, error) {
	imported := 0
	for _, run := range snap.Runs {
		if _, err := s.GetRun(ctx, run.RunID); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return imported, err
		}
		triggers := run.Triggers
		run.Triggers = nil
		if err := s.UpsertRun(ctx, run); err != nil {
			return imported, err
		}
		for _, hit := range triggers {
			if err := s.InsertTriggerHit(ctx, run.RunID, hit); err != nil && !errors.Is(err, ErrDuplicate) {
				return imported, err
			}
		}
		imported++
	}
	return imported, nil
}

// acquirePathLock takes an O_EXCL lock file next to the snapshot. A stale
// lock older than a minute is broken, since writers hold it only for one
// rename.
func acquirePathLock(lockPath string) (func() error, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return func() error { return os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire snapshot lock: %w", err)
		}
		info, statErr := os.Stat(lockPath)
		if statErr == nil && time.Since(info.ModTime()) > time.Minute {
			_ = os.Remove(lockPath)
			continue
		}
		return nil, fmt.Errorf("snapshot lock held: %s", lockPath)
	}
	return nil, fmt.Errorf("snapshot lock held: %s", lockPath)
}
