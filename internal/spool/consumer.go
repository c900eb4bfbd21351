package spool

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/runwatch/runwatch/internal/model"
)

// Applier consumes raw event payloads. Satisfied by ingest.Engine.
type Applier interface {
	ApplyRaw(ctx context.Context, data []byte) (model.Category, error)
}

// Consumer drains a spool directory into the ingest engine. It reacts to
// filesystem notifications and also rescans on a timer, since inotify does
// not fire for files created on NFS by other hosts.
type Consumer struct {
	dir            string
	engine         Applier
	rescanInterval time.Duration
	log            *slog.Logger
}

func NewConsumer(dir string, engine Applier, rescanInterval time.Duration, log *slog.Logger) (*Consumer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Consumer{dir: dir, engine: engine, rescanInterval: rescanInterval, log: log}, nil
}

// Run sweeps the directory, then blocks until ctx is done, draining files as
// they arrive.
func (c *Consumer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(c.dir); err != nil {
		return err
	}

	c.Sweep(ctx)

	ticker := time.NewTicker(c.rescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
				c.consumeFile(ctx, ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.log.Warn("spool watcher error", "error", err)
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep consumes every pending event file, oldest first.
func (c *Consumer) Sweep(ctx context.Context) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("spool scan failed", "dir", c.dir, "error", err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		c.consumeFile(ctx, filepath.Join(c.dir, name))
	}
}

func (c *Consumer) consumeFile(ctx context.Context, path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("spool read failed", "file", name, "error", err)
		}
		return
	}
	if _, err := c.engine.ApplyRaw(ctx, data); err != nil {
		if strings.Contains(err.Error(), model.ErrIngestInvalid) || strings.Contains(err.Error(), model.ErrRunNotFound) {
			c.quarantine(path)
			return
		}
		// Transient store failure: leave the file for the next sweep.
		c.log.Warn("spool apply failed", "file", name, "error", err)
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.log.Warn("spool remove failed", "file", name, "error", err)
	}
}

func (c *Consumer) quarantine(path string) {
	bad := path + ".bad"
	if err := os.Rename(path, bad); err != nil {
		c.log.Warn("spool quarantine failed", "file", filepath.Base(path), "error", err)
		return
	}
	c.log.Warn("spool event quarantined", "file", filepath.Base(bad))
}
