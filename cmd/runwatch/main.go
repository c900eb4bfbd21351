package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/runwatch/runwatch/internal/cli"
	"github.com/runwatch/runwatch/internal/config"
	"github.com/runwatch/runwatch/internal/emit"
	"github.com/runwatch/runwatch/internal/logging"
	"github.com/runwatch/runwatch/internal/model"
	"github.com/runwatch/runwatch/internal/notify"
	"github.com/runwatch/runwatch/internal/spool"
	"github.com/runwatch/runwatch/internal/supervise"
	"github.com/runwatch/runwatch/internal/trigger"
)

const launchExitCode = 125

var (
	cfg      = config.DefaultConfig()
	verbose  bool
	exitCode int

	// run flags
	flagTriggers     []string
	flagHangTriggers []string
	flagNoDefaults   bool
	flagLabel        string
	flagSession      string
	flagLogPath      string
	flagNoSpool      bool
	flagNoDaemon     bool

	// list flags
	flagCategory string
	flagJSON     bool
)

func main() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "daemon unix socket path")
	pf.StringVar(&cfg.SpoolDir, "spool", cfg.SpoolDir, "event spool directory (shared filesystem)")
	pf.StringVar(&cfg.NtfyBaseURL, "ntfy-url", cfg.NtfyBaseURL, "ntfy server base URL")
	pf.StringVar(&cfg.NtfyTopic, "ntfy-topic", envDefault("RUNWATCH_NTFY_TOPIC", cfg.NtfyTopic), "ntfy topic for push notifications (empty disables)")
	pf.BoolVar(&verbose, "verbose", false, "verbose logging")

	runCmd.Flags().StringArrayVar(&flagTriggers, "trigger", nil, "info trigger as NAME=PATTERN (repeatable)")
	runCmd.Flags().StringArrayVar(&flagHangTriggers, "hang-trigger", nil, "hang trigger as NAME=PATTERN (repeatable)")
	runCmd.Flags().BoolVar(&flagNoDefaults, "no-default-triggers", false, "disable the built-in trigger patterns")
	runCmd.Flags().StringVar(&flagLabel, "label", "", "human-readable run label, becomes part of the run id")
	runCmd.Flags().StringVar(&flagSession, "session", os.Getenv("RUNWATCH_SESSION"), "session name reported with the run")
	runCmd.Flags().StringVar(&flagLogPath, "log", "", "tee child output to this file (default under the state dir)")
	runCmd.Flags().BoolVar(&flagNoSpool, "no-spool", false, "do not write events to the spool directory")
	runCmd.Flags().BoolVar(&flagNoDaemon, "no-daemon", false, "do not post events to the local daemon")
	runCmd.Flags().DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "heartbeat interval (0 disables)")

	listCmd.Flags().StringVar(&flagCategory, "category", "", "filter by category (ongoing, hanging, crashed, completed, unknown)")
	listCmd.Flags().BoolVar(&flagJSON, "json", false, "output JSON")
	flushCmd.Flags().StringVar(&flagCategory, "category", "", "flush only this category (default: completed and crashed)")

	rootCmd.SilenceErrors = true
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

var rootCmd = &cobra.Command{
	Use:          "runwatch",
	Short:        "Supervise long-running commands and report them to the run dashboard",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run [flags] -- command [args...]",
	Short: "run a command under supervision, forwarding lifecycle events",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doRun,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list runs known to the daemon, newest first",
	Args:  cobra.NoArgs,
	RunE:  doList,
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "remove finished runs from the dashboard",
	Args:  cobra.NoArgs,
	RunE:  doFlush,
}

var deleteCmd = &cobra.Command{
	Use:   "delete RUN_ID",
	Short: "remove a single run from the dashboard",
	Args:  cobra.ExactArgs(1),
	RunE:  doDelete,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("runwatch: version info not available")
			return
		}
		fmt.Printf("runwatch: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	command := args
	if i := cmd.ArgsLenAtDash(); i >= 0 {
		command = args[i:]
	}
	if len(command) == 0 {
		return errors.New("no command given after --")
	}

	log := logging.New(verbose)

	var defs []trigger.Def
	if !flagNoDefaults {
		defs = trigger.Defaults()
	}
	for _, raw := range flagTriggers {
		def, err := trigger.ParseFlag(raw, model.ClassInfo)
		if err != nil {
			return err
		}
		defs = append(defs, def)
	}
	for _, raw := range flagHangTriggers {
		def, err := trigger.ParseFlag(raw, model.ClassHang)
		if err != nil {
			return err
		}
		defs = append(defs, def)
	}
	triggers, err := trigger.Compile(defs)
	if err != nil {
		return err
	}

	machine, err := os.Hostname()
	if err != nil {
		machine = "unknown"
	}
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	startedAt := time.Now()
	runID := model.DeriveRunID(machine, flagLabel, startedAt)

	logPath := flagLogPath
	if logPath == "" {
		logPath = filepath.Join(cfg.RunLogDir, runID+".log")
	}

	var sinks []emit.Sink
	if !flagNoDaemon {
		sinks = append(sinks, emit.NewIngestSink(cli.UnixHTTPClient(cfg.SocketPath), "http://unix"))
	}
	if !flagNoSpool {
		writer, err := spool.NewWriter(cfg.SpoolDir)
		if err != nil {
			return err
		}
		sinks = append(sinks, writer)
	}
	if cfg.NtfyTopic != "" {
		sinks = append(sinks, notify.NewSink(notify.NewClient(cfg.NtfyBaseURL, cfg.NtfyTopic, cfg.RetryBackoff)))
	}
	emitter := emit.NewEmitter(cfg.EmitTimeout, log, sinks...)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code, err := supervise.Run(ctx, supervise.Spec{
		Command:           command,
		Dir:               cwd,
		RunID:             runID,
		Machine:           machine,
		Session:           flagSession,
		Triggers:          triggers,
		HeartbeatInterval: cfg.HeartbeatInterval,
		TerminateGrace:    cfg.TerminateGrace,
		LogPath:           logPath,
	}, emitter)
	exitCode = code
	if err != nil {
		var launchErr *supervise.LaunchError
		if errors.As(err, &launchErr) {
			exitCode = launchExitCode
			return err
		}
		// Output capture failed mid-run; the exit code still stands.
		log.Warn("supervision degraded", "run_id", runID, "error", err)
	}
	return nil
}

func doList(cmd *cobra.Command, args []string) error {
	client := cli.NewClient(cfg.SocketPath)
	category, err := categoryFilter()
	if err != nil {
		return err
	}
	runs, err := client.ListRuns(cmd.Context(), category)
	if err != nil {
		return err
	}
	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	cli.WriteRunTable(os.Stdout, runs)
	return nil
}

func doFlush(cmd *cobra.Command, args []string) error {
	client := cli.NewClient(cfg.SocketPath)
	category, err := categoryFilter()
	if err != nil {
		return err
	}
	removed, err := client.Flush(cmd.Context(), category)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d runs\n", removed)
	return nil
}

func doDelete(cmd *cobra.Command, args []string) error {
	client := cli.NewClient(cfg.SocketPath)
	if err := client.DeleteRun(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", args[0])
	return nil
}

func categoryFilter() (*model.Category, error) {
	if flagCategory == "" {
		return nil, nil
	}
	c := model.Category(flagCategory)
	if !model.ValidCategory(c) {
		return nil, fmt.Errorf("unknown category %q", flagCategory)
	}
	return &c, nil
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
