// Package kling talks to the asynchronous generation provider: kind-specific
// submission endpoints, task status polling, and short-lived signed API
// tokens.
package kling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/psvps2-byte/kling-site/internal/domain"
	"github.com/psvps2-byte/kling-site/internal/infra"
)

// ErrMissingCredentials indicates the client was configured without keys.
var ErrMissingCredentials = errors.New("kling: access key and secret key are required")

const (
	tokenTTL    = 30 * time.Minute
	tokenLeeway = time.Minute

	// transportRetries bounds re-attempts on transport errors so a worker
	// never holds a claim indefinitely.
	transportRetries = 2
)

// Options configures the provider client.
type Options struct {
	AccessKey      string
	SecretKey      string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the provider API.
type Client struct {
	accessKey  string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// SubmitRequest carries one job's payload to the kind-specific endpoint.
type SubmitRequest struct {
	Kind    domain.Kind
	Tier    domain.Tier
	Payload domain.Payload
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.AccessKey) == "" || strings.TrimSpace(opts.SecretKey) == "" {
		return nil, ErrMissingCredentials
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.klingai.com"
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		accessKey:  strings.TrimSpace(opts.AccessKey),
		secretKey:  strings.TrimSpace(opts.SecretKey),
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// endpointForKind maps a kind to its provider path.
func endpointForKind(kind domain.Kind) (string, error) {
	switch kind {
	case domain.KindPhoto:
		return "/v1/images/generations", nil
	case domain.KindImage2Video:
		return "/v1/videos/image2video", nil
	case domain.KindMotionControl:
		return "/v1/videos/motion-control", nil
	}
	return "", fmt.Errorf("kling: kind %q has no provider endpoint", kind)
}

// apiToken returns a signed token, re-issuing it shortly before expiry.
// Tokens carry issued-at, not-before, and expiry claims and are never
// persisted.
func (c *Client) apiToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.tokenExp) > tokenLeeway {
		return c.token, nil
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": c.accessKey,
		"iat": now.Unix(),
		"nbf": now.Add(-5 * time.Second).Unix(),
		"exp": now.Add(tokenTTL).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.secretKey))
	if err != nil {
		return "", fmt.Errorf("kling: sign token: %w", err)
	}
	c.token = signed
	c.tokenExp = now.Add(tokenTTL)
	return signed, nil
}

// Submit sends the job to its kind-specific endpoint and returns the task id
// the provider assigned. A non-success provider response wraps
// domain.ErrProviderRejected.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	path, err := endpointForKind(req.Kind)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(submitBody(req))
	if err != nil {
		return "", fmt.Errorf("kling: encode request: %w", err)
	}
	raw, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return "", err
	}
	var decoded taskResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("kling: decode response: %w", err)
	}
	if decoded.Code != 0 {
		return "", fmt.Errorf("%w: %s (code %d)", domain.ErrProviderRejected, decoded.Message, decoded.Code)
	}
	taskID := strings.TrimSpace(decoded.Data.TaskID)
	c.logger.Debug().Str("kind", string(req.Kind)).Str("task_id", taskID).Msg("kling: task submitted")
	return taskID, nil
}

// QueryTask polls the status endpoint for the task and normalizes the
// response into the internal state vocabulary.
func (c *Client) QueryTask(ctx context.Context, kind domain.Kind, taskID string) (*TaskStatus, error) {
	path, err := endpointForKind(kind)
	if err != nil {
		return nil, err
	}
	raw, err := c.do(ctx, http.MethodGet, path+"/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	var decoded taskResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("kling: decode response: %w", err)
	}
	if decoded.Code != 0 {
		return nil, fmt.Errorf("%w: %s (code %d)", domain.ErrProviderRejected, decoded.Message, decoded.Code)
	}
	status := normalize(decoded)
	return &status, nil
}

// do performs one authenticated request with a small retry budget on
// transport errors.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	token, err := c.apiToken()
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= transportRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("kling: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("kling: http request: %w", err)
			continue
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("kling: read response: %w", err)
			continue
		}
		if resp.StatusCode >= 300 {
			var detail taskResponse
			if jerr := json.Unmarshal(raw, &detail); jerr == nil && detail.Message != "" {
				return nil, fmt.Errorf("%w: %s (code %d)", domain.ErrProviderRejected, detail.Message, detail.Code)
			}
			return nil, fmt.Errorf("%w: status %d: %s", domain.ErrProviderRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return raw, nil
	}
	return nil, fmt.Errorf("%w: retries exhausted: %v", domain.ErrProviderRejected, lastErr)
}

// submitBody builds the kind-specific request payload.
func submitBody(req SubmitRequest) map[string]any {
	body := map[string]any{
		"prompt": req.Payload.Prompt,
	}
	if req.Payload.NegativePrompt != "" {
		body["negative_prompt"] = req.Payload.NegativePrompt
	}
	switch req.Kind {
	case domain.KindPhoto:
		body["n"] = req.Payload.Count
		if req.Payload.AspectRatio != "" {
			body["aspect_ratio"] = req.Payload.AspectRatio
		}
	case domain.KindImage2Video:
		body["image"] = req.Payload.ImageURL
		if req.Payload.TailImageURL != "" {
			body["image_tail"] = req.Payload.TailImageURL
		}
		body["duration"] = fmt.Sprintf("%d", req.Payload.DurationSeconds)
		body["mode"] = modeForTier(req.Tier)
	case domain.KindMotionControl:
		body["image"] = req.Payload.ImageURL
		body["duration"] = fmt.Sprintf("%d", req.Payload.DurationSeconds)
		body["mode"] = modeForTier(req.Tier)
	}
	return body
}

func modeForTier(tier domain.Tier) string {
	if tier == domain.TierPro {
		return "pro"
	}
	return "std"
}
