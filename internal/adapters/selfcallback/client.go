// Package selfcallback implements the scheduler-to-ingress HTTP client. A
// scheduled firing replays its stored email request through the public
// ingress endpoint so re-executions share the full validation pipeline.
package selfcallback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/mxtoai/mailengine/internal/core"
	"github.com/mxtoai/mailengine/internal/domain/model"
)

// 4KB keeps error payloads out of logs and memory without losing the
// ingress's structured rejection message.
const maxResponseBodyBytes = 4 * 1024

// Options configures the self-callback client.
type Options struct {
	// BaseURL is the ingress base URL, without a trailing slash.
	BaseURL string
	// APIKey is sent as x-api-key on every request.
	APIKey string
	// Timeout bounds one callback round trip, agent processing included.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client posts stored email requests back to POST /process-email.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

var _ core.SelfCallback = (*Client)(nil)

// NewClient constructs a self-callback client.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("BaseURL is required")
	}
	if opts.APIKey == "" {
		return nil, errors.New("APIKey is required")
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  opts.APIKey,
		http:    hc,
		logger:  logger.With("component", "self_callback"),
	}, nil
}

// Post replays the request form against the ingress and reports whether it
// answered 200. Any other status is an error carrying the truncated body.
func (c *Client) Post(ctx context.Context, req *model.EmailRequest) error {
	form, err := req.FormValues()
	if err != nil {
		return fmt.Errorf("encode email request: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range form {
		if wErr := writer.WriteField(key, value); wErr != nil {
			return fmt.Errorf("write form field %s: %w", key, wErr)
		}
	}
	if cErr := writer.Close(); cErr != nil {
		return fmt.Errorf("finalize form: %w", cErr)
	}

	url := c.baseURL + "/process-email"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("x-api-key", c.apiKey)

	started := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	truncated, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("callback returned %d: %s", resp.StatusCode, strings.TrimSpace(string(truncated)))
	}

	c.logger.DebugContext(ctx, "self-callback delivered",
		"message_id", req.MessageID,
		"scheduled_task_id", req.ScheduledTaskID,
		"duration", time.Since(started),
	)
	return nil
}
