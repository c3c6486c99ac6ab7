package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quailyquaily/markedit/internal/strutil"
	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "https://api.apimart.ai"
	DefaultModel   = "gemini-3-pro-image-preview"

	defaultRequestTimeout   = 30 * time.Second
	defaultPollInterval     = 2 * time.Second
	defaultMaxPolls         = 60
	defaultMaxResponseBytes = 4 << 20
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// SubmitRequest is one generation call. ImageURLs[0] is the base image.
type SubmitRequest struct {
	Prompt     string
	ImageURLs  []string
	Size       string
	Resolution string
}

// PollResult is the normalized view of one status response.
type PollResult struct {
	Status    Status
	RawStatus string
	ResultURL string
	Error     string
}

// Generator is the part of the client the orchestrator depends on.
type Generator interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	AwaitResult(ctx context.Context, externalID string, onPoll func(n int, res PollResult)) (string, error)
}

type Client struct {
	BaseURL string
	APIKey  string
	Model   string

	HTTP             *http.Client
	RequestTimeout   time.Duration
	PollInterval     time.Duration
	MaxPolls         int
	MaxResponseBytes int64
	Log              *slog.Logger
}

func New(baseURL, apiKey string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:          baseURL,
		APIKey:           strings.TrimSpace(apiKey),
		Model:            DefaultModel,
		HTTP:             &http.Client{},
		RequestTimeout:   defaultRequestTimeout,
		PollInterval:     defaultPollInterval,
		MaxPolls:         defaultMaxPolls,
		MaxResponseBytes: defaultMaxResponseBytes,
	}
}

type imageURL struct {
	URL string `json:"url"`
}

type generationRequest struct {
	Model      string     `json:"model"`
	Prompt     string     `json:"prompt"`
	Size       string     `json:"size"`
	Resolution string     `json:"resolution"`
	N          int        `json:"n"`
	ImageURLs  []imageURL `json:"image_urls,omitempty"`
}

// Body returns the JSON body Submit sends, for request logging.
func (c *Client) Body(req SubmitRequest) ([]byte, error) {
	body := generationRequest{
		Model:      c.Model,
		Prompt:     req.Prompt,
		Size:       req.Size,
		Resolution: req.Resolution,
		N:          1,
	}
	for _, u := range req.ImageURLs {
		body.ImageURLs = append(body.ImageURLs, imageURL{URL: u})
	}
	return json.Marshal(body)
}

// Submit posts a generation request and returns the upstream task id.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	const op = "submit"
	payload, err := c.Body(req)
	if err != nil {
		return "", newError(UpstreamRejected, op, 0, err)
	}

	body, err := c.do(ctx, op, http.MethodPost, c.BaseURL+"/v1/images/generations", payload)
	if err != nil {
		return "", err
	}
	if !gjson.ValidBytes(body) {
		return "", newError(UpstreamRejected, op, 0, fmt.Errorf("malformed response: %q", strutil.TruncateUTF8(string(body), 256)))
	}
	id := ExtractTaskID(body)
	if id == "" {
		return "", newError(UpstreamRejected, op, 0, fmt.Errorf("response carries no task id: %q", strutil.TruncateUTF8(string(body), 256)))
	}
	c.logger().Debug("imagegen_submitted", "external_id", id)
	return id, nil
}

// Poll fetches the current status of an upstream task once.
func (c *Client) Poll(ctx context.Context, externalID string) (PollResult, error) {
	const op = "poll"
	body, err := c.do(ctx, op, http.MethodGet, c.BaseURL+"/v1/tasks/"+url.PathEscape(externalID), nil)
	if err != nil {
		return PollResult{}, err
	}
	if !gjson.ValidBytes(body) {
		return PollResult{}, newError(UpstreamRejected, op, 0, fmt.Errorf("malformed response: %q", strutil.TruncateUTF8(string(body), 256)))
	}

	data := taskData(body)
	raw := strings.TrimSpace(data.Get("status").String())
	res := PollResult{RawStatus: raw, Status: normalizeStatus(raw)}
	switch res.Status {
	case StatusCompleted:
		res.ResultURL = ExtractResultURL(data)
	case StatusFailed:
		res.Error = extractError(data)
	}
	return res, nil
}

// AwaitResult polls until the upstream task reaches a terminal status or the
// polling budget runs out. 5xx/429 status responses are skipped; every
// other failure ends the loop.
func (c *Client) AwaitResult(ctx context.Context, externalID string, onPoll func(n int, res PollResult)) (string, error) {
	const op = "poll"
	maxPolls := c.MaxPolls
	if maxPolls <= 0 {
		maxPolls = defaultMaxPolls
	}
	log := c.logger().With("external_id", externalID)

	timer := time.NewTimer(c.PollInterval)
	defer timer.Stop()
	for n := 1; n <= maxPolls; n++ {
		select {
		case <-ctx.Done():
			return "", newError(UpstreamRejected, op, 0, ctx.Err())
		case <-timer.C:
		}
		timer.Reset(c.PollInterval)

		res, err := c.Poll(ctx, externalID)
		if err != nil {
			var e *Error
			if errors.As(err, &e) && skippablePollStatus(e.StatusCode) {
				log.Warn("imagegen_poll_status_error", "poll", n, "status", e.StatusCode)
				continue
			}
			return "", err
		}
		if onPoll != nil {
			onPoll(n, res)
		}

		switch res.Status {
		case StatusCompleted:
			if res.ResultURL == "" {
				return "", newError(UpstreamRejected, op, 0, errors.New("task completed without an image url"))
			}
			return res.ResultURL, nil
		case StatusFailed:
			return "", newError(UpstreamRejected, op, 0, fmt.Errorf("generation failed: %s", res.Error))
		}
		log.Debug("imagegen_poll_pending", "poll", n, "status", res.RawStatus)
	}
	return "", newError(PollingExhausted, op, 0, fmt.Errorf("no terminal status after %d polls", maxPolls))
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, payload []byte) ([]byte, error) {
	timeout := c.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, bodyReader)
	if err != nil {
		return nil, newError(UpstreamRejected, op, 0, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, op, err)
	}
	defer resp.Body.Close()

	limit := c.MaxResponseBytes
	if limit <= 0 {
		limit = defaultMaxResponseBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, classifyTransport(ctx, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strutil.TruncateUTF8(strings.TrimSpace(string(body)), 512)
		return nil, newError(statusKind(resp.StatusCode), op, resp.StatusCode, fmt.Errorf("%s %s", resp.Status, snippet))
	}
	return body, nil
}

// skippablePollStatus reports whether a poll response with this status is
// ignored in favour of the next poll.
func skippablePollStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

func (c *Client) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

func normalizeStatus(raw string) Status {
	switch strings.ToLower(raw) {
	case "completed", "success", "succeeded":
		return StatusCompleted
	case "failed", "error":
		return StatusFailed
	case "queued", "pending", "submitted", "":
		return StatusQueued
	default:
		return StatusRunning
	}
}

// PlaceholderURL is the deterministic stand-in asset used in mock mode and
// on failover.
func PlaceholderURL(base, seed string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = "https://picsum.photos"
	}
	return base + "/seed/" + url.PathEscape(seed) + "/1024/576"
}
