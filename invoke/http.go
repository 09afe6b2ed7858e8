package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonwraymond/evalops/dispatch"
	"github.com/jonwraymond/evalops/fingerprint"
)

// DefaultMaxResponseBytes caps how much of a response body is read.
const DefaultMaxResponseBytes = 1 << 20

// HTTPConfig configures an HTTPInvoker.
type HTTPConfig struct {
	// Endpoint is the URL each request is POSTed to. Required.
	Endpoint string

	// Headers are added to every request, e.g. Authorization.
	Headers map[string]string

	// Timeout bounds a whole HTTP exchange. Per-attempt deadlines from the
	// resilience wrapper apply on top.
	// Default: 60 seconds
	Timeout time.Duration

	// MaxResponseBytes caps the body read from the endpoint.
	// Default: 1 MiB
	MaxResponseBytes int64

	// RequireJSON rejects responses that are not valid JSON.
	// Default: false
	RequireJSON bool

	// Client overrides the HTTP client. Timeout is ignored when set.
	Client *http.Client
}

// HTTPInvoker posts requests as JSON to a single endpoint and returns the
// response body as the payload.
type HTTPInvoker struct {
	endpoint    string
	headers     map[string]string
	client      *http.Client
	maxBytes    int64
	requireJSON bool
}

// httpRequest is the wire form of a dispatch.Request.
type httpRequest struct {
	ID              string `json:"id"`
	PromptVariantID string `json:"prompt_variant_id,omitempty"`
	Prompt          string `json:"prompt"`
	Sample          any    `json:"sample,omitempty"`
	fingerprint.Params
}

// NewHTTPInvoker validates cfg and builds an invoker.
func NewHTTPInvoker(cfg HTTPConfig) (*HTTPInvoker, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: endpoint %q must be an absolute http(s) URL", ErrInvalidConfig, cfg.Endpoint)
	}
	if cfg.Timeout < 0 || cfg.MaxResponseBytes < 0 {
		return nil, fmt.Errorf("%w: timeout and max response bytes must not be negative", ErrInvalidConfig)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxResponseBytes == 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &HTTPInvoker{
		endpoint:    cfg.Endpoint,
		headers:     headers,
		client:      client,
		maxBytes:    cfg.MaxResponseBytes,
		requireJSON: cfg.RequireJSON,
	}, nil
}

// Invoke implements dispatch.Invoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, req dispatch.Request) ([]byte, error) {
	body, err := json.Marshal(httpRequest{
		ID:              req.ID,
		PromptVariantID: req.PromptVariantID,
		Prompt:          req.Prompt,
		Sample:          req.Sample,
		Params:          req.Params,
	})
	if err != nil {
		return nil, permanent(fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, permanent(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range h.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		// Unmarked: transient unless the context ended.
		return nil, fmt.Errorf("post %s: %w", h.endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp.StatusCode, snippet(data))
	}
	return checkPayload(data, h.requireJSON)
}

// checkPayload applies the empty and JSON rules to a successful response.
func checkPayload(data []byte, requireJSON bool) ([]byte, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, transient(ErrEmptyResponse)
	}
	if requireJSON && !json.Valid(data) {
		return nil, permanent(fmt.Errorf("%w: %s", ErrInvalidResponse, snippet(data)))
	}
	return data, nil
}

func snippet(data []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(data))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}

var _ dispatch.Invoker = (*HTTPInvoker)(nil)
