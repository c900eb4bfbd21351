package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client publishes human-readable messages to an ntfy topic. Fire-and-forget
// from the caller's point of view: the dashboard is the authoritative view,
// the push channel is a convenience.
type Client struct {
	baseURL string
	topic   string
	httpc   *http.Client
	backoff []time.Duration
}

func NewClient(baseURL, topic string, backoff []time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		topic:   topic,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		backoff: backoff,
	}
}

// Publish posts the message body with Title and Tags headers. One retry pass
// per backoff step, with jitter, then gives up.
func (c *Client) Publish(ctx context.Context, title, tags, message string) error {
	var lastErr error
	for attempt := 0; attempt <= len(c.backoff); attempt++ {
		if attempt > 0 {
			backoff := c.backoff[attempt-1]
			jitter := time.Duration(0)
			maxJitter := int64(backoff / 4)
			if maxJitter > 0 {
				jitter = time.Duration(time.Now().UTC().UnixNano() % maxJitter)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
		lastErr = c.post(ctx, title, tags, message)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, title, tags, message string) error {
	url := fmt.Sprintf("%s/%s", c.baseURL, c.topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		return err
	}
	if title != "" {
		req.Header.Set("Title", title)
	}
	if tags != "" {
		req.Header.Set("Tags", tags)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}
