package notify

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/runwatch/runwatch/internal/model"
)

// Sink renders lifecycle events into push messages. Heartbeats are not
// pushed; they only matter to the dashboard's liveness heuristic.
type Sink struct {
	client *Client
}

func NewSink(client *Client) *Sink {
	return &Sink{client: client}
}

func (s *Sink) Name() string { return "ntfy" }

func (s *Sink) Deliver(ctx context.Context, ev model.Event) error {
	switch ev.Kind {
	case model.KindHeartbeat:
		return nil
	case model.KindStarted:
		title := fmt.Sprintf("Started: %s", clip(ev.Payload.Command, 50))
		return s.client.Publish(ctx, title, "rocket", locationLines(ev))
	case model.KindTrigger:
		title := fmt.Sprintf("Trigger: %s", ev.Payload.Trigger)
		body := locationLines(ev)
		if ev.Payload.Excerpt != "" {
			body += "\n\n" + ev.Payload.Excerpt
		}
		return s.client.Publish(ctx, title, "warning", body)
	case model.KindCompleted:
		code := model.ExitUnknown
		if ev.Payload.ExitCode != nil {
			code = *ev.Payload.ExitCode
		}
		if code == 0 {
			title := fmt.Sprintf("Completed (exit 0): %s", clip(ev.Payload.Command, 40))
			return s.client.Publish(ctx, title, "white_check_mark", locationLines(ev))
		}
		title := fmt.Sprintf("Crashed (exit %d)", code)
		return s.client.Publish(ctx, title, "skull,warning", locationLines(ev))
	case model.KindPresumedLost:
		title := fmt.Sprintf("Lost contact: %s", ev.RunID)
		return s.client.Publish(ctx, title, "question", ev.Payload.Reason)
	}
	return nil
}

func locationLines(ev model.Event) string {
	lines := []string{fmt.Sprintf("Machine: %s", ev.Machine)}
	if ev.Payload.Session != "" {
		lines = append(lines, fmt.Sprintf("Session: %s", ev.Payload.Session))
	}
	if ev.Payload.Cwd != "" {
		lines = append(lines, fmt.Sprintf("Dir: %s", ev.Payload.Cwd))
	}
	if ev.Payload.Command != "" {
		lines = append(lines, fmt.Sprintf("Command: %s", ev.Payload.Command))
	}
	return strings.Join(lines, "\n")
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
