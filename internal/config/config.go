package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	SocketPath   string
	DBPath       string
	SpoolDir     string
	SnapshotPath string
	RunLogDir    string

	NtfyBaseURL string
	NtfyTopic   string

	HeartbeatInterval   time.Duration
	StalenessThreshold  time.Duration
	ReapInterval        time.Duration
	SnapshotInterval    time.Duration
	SpoolRescanInterval time.Duration
	EmitTimeout         time.Duration
	TerminateGrace      time.Duration
	RetryBackoff        []time.Duration
}

func DefaultConfig() Config {
	return Config{
		SocketPath:   defaultSocketPath(),
		DBPath:       defaultStatePath("state.db"),
		SpoolDir:     defaultStatePath("spool"),
		SnapshotPath: defaultStatePath("snapshot.json"),
		RunLogDir:    defaultStatePath("logs"),

		NtfyBaseURL: "https://ntfy.sh",
		NtfyTopic:   "",

		HeartbeatInterval:   30 * time.Second,
		StalenessThreshold:  5 * time.Minute,
		ReapInterval:        30 * time.Second,
		SnapshotInterval:    5 * time.Second,
		SpoolRescanInterval: 10 * time.Second,
		EmitTimeout:         10 * time.Second,
		TerminateGrace:      5 * time.Second,
		RetryBackoff:        []time.Duration{250 * time.Millisecond, 1 * time.Second},
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "runwatch", "runwatchd.sock")
	}
	return defaultStatePath("runwatchd.sock")
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".local", "state", "runwatch", name)
}
