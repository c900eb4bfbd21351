package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/runwatch/runwatch/internal/daemon"
	"github.com/runwatch/runwatch/internal/model"
	"github.com/runwatch/runwatch/internal/store"
)

// Client talks to the daemon over its unix socket.
type Client struct {
	baseURL string
	httpc   *http.Client
}

func NewClient(socketPath string) *Client {
	return NewClientWithHTTP("http://unix", UnixHTTPClient(socketPath))
}

// UnixHTTPClient dials the given unix socket regardless of the request host.
func UnixHTTPClient(socketPath string) *http.Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &http.Client{Transport: transport}
}

func NewClientWithHTTP(baseURL string, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpc: httpc}
}

func (c *Client) Health(ctx context.Context) (daemon.HealthResponse, error) {
	var resp daemon.HealthResponse
	payload, err := c.request(ctx, http.MethodGet, "/v1/health", nil, nil)
	if err != nil {
		return resp, err
	}
	err = json.Unmarshal(payload, &resp)
	return resp, err
}

func (c *Client) ListRuns(ctx context.Context, category *model.Category) ([]model.Run, error) {
	var query url.Values
	if category != nil {
		query = url.Values{"category": []string{string(*category)}}
	}
	payload, err := c.request(ctx, http.MethodGet, "/v1/runs", query, nil)
	if err != nil {
		return nil, err
	}
	var resp daemon.RunListResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

func (c *Client) PostEvent(ctx context.Context, ev model.Event) (model.Category, error) {
	payload, err := c.request(ctx, http.MethodPost, "/v1/events", nil, ev)
	if err != nil {
		return "", err
	}
	var resp daemon.IngestResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", err
	}
	return resp.Category, nil
}

func (c *Client) DeleteRun(ctx context.Context, runID string) error {
	_, err := c.request(ctx, http.MethodDelete, "/v1/runs/"+url.PathEscape(runID), nil, nil)
	return err
}

// Flush removes runs by category, or every finished run when category is nil.
func (c *Client) Flush(ctx context.Context, category *model.Category) (int64, error) {
	req := daemon.FlushRequest{Finished: category == nil}
	if category != nil {
		req.Category = *category
	}
	payload, err := c.request(ctx, http.MethodPost, "/v1/runs/flush", nil, req)
	if err != nil {
		return 0, err
	}
	var resp daemon.FlushResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

func (c *Client) Snapshot(ctx context.Context) (store.Snapshot, error) {
	var snap store.Snapshot
	payload, err := c.request(ctx, http.MethodGet, "/v1/snapshot", nil, nil)
	if err != nil {
		return snap, err
	}
	err = json.Unmarshal(payload, &snap)
	return snap, err
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er daemon.ErrorResponse
		if unmarshalErr := json.Unmarshal(payload, &er); unmarshalErr == nil && er.Error.Code != "" {
			return nil, fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}
