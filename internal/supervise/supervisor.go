package supervise

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/runwatch/runwatch/internal/model"
	"github.com/runwatch/runwatch/internal/trigger"
)

const excerptLimit = 200

// EventSink receives lifecycle events as they happen. Satisfied by
// emit.Emitter.
type EventSink interface {
	Emit(ctx context.Context, ev model.Event)
}

// LaunchError marks a failure before the child process ever ran. No events
// are emitted for such a run.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("%s: %v", model.ErrLaunch, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Spec describes one supervised command.
type Spec struct {
	Command []string
	Dir     string
	RunID   string
	Machine string
	Session string

	Triggers          *trigger.Set
	HeartbeatInterval time.Duration
	TerminateGrace    time.Duration

	// LogPath, when set, receives a copy of the child's combined output.
	LogPath string
	// Output defaults to os.Stdout.
	Output io.Writer
}

// Run spawns the command in its own process group, streams its combined
// stdout+stderr through the trigger set, and emits the run's lifecycle
// events. It blocks until the child exits and returns its exit code.
//
// Cancelling ctx terminates the whole process group: SIGTERM first, SIGKILL
// after the grace period. The completed event is still emitted, with exit
// code 130.
func Run(ctx context.Context, spec Spec, sink EventSink) (int, error) {
	if len(spec.Command) == 0 {
		return model.ExitUnknown, &LaunchError{Err: errors.New("empty command")}
	}
	out := spec.Output
	if out == nil {
		out = os.Stdout
	}

	var logFile *os.File
	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
			return model.ExitUnknown, &LaunchError{Err: err}
		}
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return model.ExitUnknown, &LaunchError{Err: err}
		}
		logFile = f
		defer logFile.Close()
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return model.ExitUnknown, &LaunchError{Err: err}
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return model.ExitUnknown, &LaunchError{Err: err}
	}
	// The child holds the write end now; closing ours lets the reader see
	// EOF when the child exits.
	pw.Close()

	// Emission must survive ctx cancellation so the completed event of an
	// interrupted run still goes out.
	emitCtx := context.WithoutCancel(ctx)

	sink.Emit(emitCtx, newEvent(spec, model.KindStarted, time.Now(), model.EventPayload{
		Command: strings.Join(spec.Command, " "),
		Cwd:     spec.Dir,
		Session: spec.Session,
	}))

	done := make(chan struct{})
	var terminated atomic.Bool

	g := new(errgroup.Group)

	g.Go(func() error {
		defer pr.Close()
		dst := out
		if logFile != nil {
			dst = io.MultiWriter(out, logFile)
		}
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		fired := map[string]struct{}{}
		for sc.Scan() {
			line := sc.Text()
			fmt.Fprintln(dst, line)
			if spec.Triggers == nil {
				continue
			}
			for _, def := range spec.Triggers.Match(line) {
				if _, ok := fired[def.Name]; ok {
					continue
				}
				fired[def.Name] = struct{}{}
				sink.Emit(emitCtx, newEvent(spec, model.KindTrigger, time.Now(), model.EventPayload{
					Trigger:      def.Name,
					TriggerClass: def.Class,
					Excerpt:      clip(line, excerptLimit),
				}))
			}
		}
		if err := sc.Err(); err != nil {
			return fmt.Errorf("%s: read child output: %w", model.ErrPartialOutput, err)
		}
		return nil
	})

	if spec.HeartbeatInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(spec.HeartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return nil
				case <-ticker.C:
					sink.Emit(emitCtx, newEvent(spec, model.KindHeartbeat, time.Now(), model.EventPayload{}))
				}
			}
		})
	}

	g.Go(func() error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
		}
		terminated.Store(true)
		pgid := -cmd.Process.Pid
		_ = syscall.Kill(pgid, syscall.SIGTERM)
		grace := spec.TerminateGrace
		if grace <= 0 {
			grace = 5 * time.Second
		}
		select {
		case <-done:
		case <-time.After(grace):
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}
		return nil
	})

	waitErr := cmd.Wait()
	close(done)
	groupErr := g.Wait()

	exitCode := exitCodeFrom(waitErr)
	if terminated.Load() {
		exitCode = model.ExitTerminated
	}

	exit := exitCode
	sink.Emit(emitCtx, newEvent(spec, model.KindCompleted, time.Now(), model.EventPayload{
		Command:  strings.Join(spec.Command, " "),
		ExitCode: &exit,
	}))

	return exitCode, groupErr
}

func exitCodeFrom(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if !errors.As(waitErr, &ee) {
		return model.ExitUnknown
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	if code := ee.ExitCode(); code >= 0 {
		return code
	}
	return model.ExitUnknown
}

func newEvent(spec Spec, kind model.EventKind, at time.Time, payload model.EventPayload) model.Event {
	return model.Event{
		EventID:   uuid.NewString(),
		RunID:     spec.RunID,
		Machine:   spec.Machine,
		Kind:      kind,
		Timestamp: at.Unix(),
		Payload:   payload,
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary so the cut never splits a UTF-8 sequence.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
