package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/runwatch/runwatch/internal/model"
)

type captured struct {
	path  string
	title string
	tags  string
	body  string
}

func newCaptureServer(t *testing.T) (*httptest.Server, *[]captured) {
	t.Helper()
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = append(got, captured{
			path:  r.URL.Path,
			title: r.Header.Get("Title"),
			tags:  r.Header.Get("Tags"),
			body:  string(body),
		})
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestPublishSetsHeadersAndTopic(t *testing.T) {
	srv, got := newCaptureServer(t)
	client := NewClient(srv.URL, "ml-runs", nil)

	if err := client.Publish(context.Background(), "Started: train", "rocket", "Machine: gpu01"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(*got) != 1 {
		t.Fatalf("requests = %d, want 1", len(*got))
	}
	req := (*got)[0]
	if req.path != "/ml-runs" {
		t.Fatalf("path = %q, want /ml-runs", req.path)
	}
	if req.title != "Started: train" || req.tags != "rocket" || req.body != "Machine: gpu01" {
		t.Fatalf("request = %+v", req)
	}
}

func TestPublishRetriesOnServerError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try again", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "t", []time.Duration{time.Millisecond})
	if err := client.Publish(context.Background(), "x", "", "y"); err != nil {
		t.Fatalf("publish should succeed on retry: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestPublishGivesUpAfterBackoffs(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "t", []time.Duration{time.Millisecond, time.Millisecond})
	if err := client.Publish(context.Background(), "x", "", "y"); err == nil {
		t.Fatalf("publish should fail after exhausting retries")
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestSinkRendering(t *testing.T) {
	srv, got := newCaptureServer(t)
	sink := NewSink(NewClient(srv.URL, "t", nil))
	ctx := context.Background()

	events := []model.Event{
		{RunID: "r1", Machine: "gpu01", Kind: model.KindStarted, Timestamp: 100, Payload: model.EventPayload{
			Command: "python train.py", Cwd: "/work", Session: "main",
		}},
		{RunID: "r1", Machine: "gpu01", Kind: model.KindHeartbeat, Timestamp: 130},
		{RunID: "r1", Machine: "gpu01", Kind: model.KindTrigger, Timestamp: 160, Payload: model.EventPayload{
			Trigger: "cuda-oom", TriggerClass: model.ClassHang, Excerpt: "CUDA out of memory. Tried to allocate",
		}},
		{RunID: "r1", Machine: "gpu01", Kind: model.KindCompleted, Timestamp: 200, Payload: model.EventPayload{
			Command: "python train.py", ExitCode: intPtr(0),
		}},
		{RunID: "r1", Machine: "gpu01", Kind: model.KindCompleted, Timestamp: 210, Payload: model.EventPayload{
			ExitCode: intPtr(137),
		}},
		{RunID: "r1", Machine: "gpu01", Kind: model.KindPresumedLost, Timestamp: 900, Payload: model.EventPayload{
			Reason: "no heartbeat for 10m0s",
		}},
	}
	for _, ev := range events {
		if err := sink.Deliver(ctx, ev); err != nil {
			t.Fatalf("deliver %s: %v", ev.Kind, err)
		}
	}

	// Heartbeats are never pushed.
	if len(*got) != 5 {
		t.Fatalf("pushes = %d, want 5", len(*got))
	}

	checks := []struct {
		title string
		tags  string
		body  string
	}{
		{"Started: python train.py", "rocket", "Session: main"},
		{"Trigger: cuda-oom", "warning", "CUDA out of memory"},
		{"Completed (exit 0): python train.py", "white_check_mark", "Machine: gpu01"},
		{"Crashed (exit 137)", "skull,warning", "Machine: gpu01"},
		{"Lost contact: r1", "question", "no heartbeat"},
	}
	for i, want := range checks {
		req := (*got)[i]
		if req.title != want.title {
			t.Fatalf("push %d title = %q, want %q", i, req.title, want.title)
		}
		if req.tags != want.tags {
			t.Fatalf("push %d tags = %q, want %q", i, req.tags, want.tags)
		}
		if !strings.Contains(req.body, want.body) {
			t.Fatalf("push %d body = %q, want substring %q", i, req.body, want.body)
		}
	}
}

func intPtr(v int) *int { return &v }

func TestTitleClipKeepsRuneBoundaries(t *testing.T) {
	// 26 three-byte runes: byte 50 falls inside a rune, byte 48 is the boundary.
	long := strings.Repeat("学", 26)
	got := clip(long, 50)
	if !utf8.ValidString(got) {
		t.Fatalf("clip produced invalid UTF-8: %q", got)
	}
	if got != strings.Repeat("学", 16) {
		t.Fatalf("clip = %q, want 16 runes", got)
	}
}
