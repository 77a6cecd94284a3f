package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tianshu-ai/tianshu/pkg/config"
)

// maxDownloadSize caps server-side fetches of remote files.
const maxDownloadSize = 500 << 20

// Client is a thin shim over the task API; every tool call maps onto one
// HTTP request so the MCP process holds no state of its own.
type Client struct {
	http            *resty.Client
	downloadTimeout time.Duration
}

func NewClient(cfg *config.Config) *Client {
	hc := resty.New().
		SetBaseURL(cfg.MCP.APIURL).
		SetHeader("Accept", "application/json").
		SetHeader("X-API-Key", cfg.MCP.APIKey).
		SetTimeout(2 * time.Minute).
		SetRetryCount(3).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)
	hc.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		if r == nil {
			return false
		}
		code := r.StatusCode()
		return code >= 500 || code == http.StatusTooManyRequests
	})
	timeout := cfg.Server.DownloadTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{http: hc, downloadTimeout: timeout}
}

type apiEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

// decode unwraps the API envelope, surfacing the server's error message on
// non-2xx responses.
func decode(resp *resty.Response) (json.RawMessage, error) {
	var envelope apiEnvelope
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return nil, fmt.Errorf("mcp: decode response (%s): %w", resp.Status(), err)
	}
	if resp.IsError() {
		if envelope.Error != "" {
			return nil, fmt.Errorf("mcp: api error: %s", envelope.Error)
		}
		return nil, fmt.Errorf("mcp: api error: %s", resp.Status())
	}
	return envelope.Data, nil
}

// SubmitFile uploads file bytes for parsing and returns the raw task JSON.
func (c *Client) SubmitFile(ctx context.Context, fileName string, data []byte, fields map[string]string) (json.RawMessage, error) {
	req := c.http.R().SetContext(ctx).
		SetFileReader("file", fileName, bytes.NewReader(data))
	if len(fields) > 0 {
		req.SetFormData(fields)
	}
	resp, err := req.Post("/api/v1/tasks/submit")
	if err != nil {
		return nil, fmt.Errorf("mcp: submit %s: %w", fileName, err)
	}
	return decode(resp)
}

// FetchRemote downloads a remote file so the model never has to inline large
// payloads as base64.
func (c *Client) FetchRemote(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: build download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp: download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mcp: download %s: unexpected status %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("mcp: read download %s: %w", url, err)
	}
	if len(data) > maxDownloadSize {
		return nil, fmt.Errorf("mcp: download %s exceeds %d bytes", url, maxDownloadSize)
	}
	return data, nil
}

// GetTask fetches a task, optionally inlining result content.
func (c *Client) GetTask(ctx context.Context, taskID, format string) (json.RawMessage, error) {
	req := c.http.R().SetContext(ctx)
	if format != "" {
		req.SetQueryParam("format", format)
	}
	resp, err := req.Get("/api/v1/tasks/" + taskID)
	if err != nil {
		return nil, fmt.Errorf("mcp: get task %s: %w", taskID, err)
	}
	return decode(resp)
}

// ListTasks lists tasks visible to the configured API key.
func (c *Client) ListTasks(ctx context.Context, status string, limit int) (json.RawMessage, error) {
	req := c.http.R().SetContext(ctx)
	if status != "" {
		req.SetQueryParam("status", status)
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	resp, err := req.Get("/api/v1/queue/tasks")
	if err != nil {
		return nil, fmt.Errorf("mcp: list tasks: %w", err)
	}
	return decode(resp)
}

// QueueStats returns queue depth per status.
func (c *Client) QueueStats(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/api/v1/queue/stats")
	if err != nil {
		return nil, fmt.Errorf("mcp: queue stats: %w", err)
	}
	return decode(resp)
}
