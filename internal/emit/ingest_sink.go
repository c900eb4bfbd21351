package emit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/runwatch/runwatch/internal/model"
)

// IngestSink posts events to a runwatchd ingest endpoint.
type IngestSink struct {
	client  *http.Client
	baseURL string
}

func NewIngestSink(client *http.Client, baseURL string) *IngestSink {
	if client == nil {
		client = &http.Client{}
	}
	return &IngestSink{client: client, baseURL: baseURL}
}

func (s *IngestSink) Name() string { return "ingest" }

func (s *IngestSink) Deliver(ctx context.Context, ev model.Event) error {
	body, err := model.EncodeEvent(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ingest returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}
