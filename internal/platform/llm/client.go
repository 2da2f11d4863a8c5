// Package llm wraps the completion backend used for clinical-note fact
// extraction. Two backends share one wire protocol (chat completions): a
// locally hosted model server and a hosted API. The package enforces a
// concurrency cap and a hard per-call timeout so a slow model cannot stall
// the candidate pipeline.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Backend names accepted by config.
const (
	BackendLocal  = "local"
	BackendHosted = "hosted"
)

// ErrUnavailable marks backend-side failures (connection refused, 5xx,
// timeout). Callers treat it as "extraction unavailable" rather than a
// malformed-output failure.
var ErrUnavailable = errors.New("llm backend unavailable")

// Client is the completion interface the extraction orchestrator consumes.
type Client interface {
	// Complete sends a system and user prompt and returns the raw model text.
	Complete(ctx context.Context, system, user string) (string, error)
}

// Options configures the HTTP client.
type Options struct {
	Backend     string
	Model       string
	BaseURL     string
	APIKey      string
	Concurrency int
	Timeout     time.Duration
}

// Stats is a point-in-time snapshot of usage counters.
type Stats struct {
	Calls        int64
	Failures     int64
	PromptTokens int64
	OutputTokens int64
	TotalLatency time.Duration
}

// HTTPClient talks the chat-completions protocol to either backend.
type HTTPClient struct {
	opts   Options
	client *http.Client
	sem    chan struct{}
	log    zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

// New builds the client. Zero Concurrency defaults to 5; zero Timeout to 120s.
func New(opts Options, log zerolog.Logger) (*HTTPClient, error) {
	if opts.Backend != BackendLocal && opts.Backend != BackendHosted {
		return nil, fmt.Errorf("unknown llm backend %q", opts.Backend)
	}
	if opts.BaseURL == "" {
		return nil, errors.New("llm base url is required")
	}
	if opts.Backend == BackendHosted && opts.APIKey == "" {
		return nil, errors.New("hosted llm backend requires an api key")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	return &HTTPClient{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		sem:    make(chan struct{}, opts.Concurrency),
		log:    log.With().Str("component", "llm").Str("backend", opts.Backend).Logger(),
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends one completion call. It blocks while the concurrency cap is
// saturated, then applies the per-call timeout.
func (c *HTTPClient) Complete(ctx context.Context, system, user string) (string, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: c.opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling llm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		c.record(latency, 0, 0, true)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.record(latency, 0, 0, true)
		return "", fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		c.record(latency, 0, 0, true)
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		c.record(latency, 0, 0, true)
		return "", fmt.Errorf("llm backend returned %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		c.record(latency, 0, 0, true)
		return "", fmt.Errorf("decoding llm response: %w", err)
	}
	if cr.Error != nil {
		c.record(latency, 0, 0, true)
		return "", fmt.Errorf("llm backend error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		c.record(latency, 0, 0, true)
		return "", errors.New("llm response has no choices")
	}

	c.record(latency, cr.Usage.PromptTokens, cr.Usage.CompletionTokens, false)
	c.log.Debug().Dur("latency", latency).Int64("prompt_tokens", cr.Usage.PromptTokens).
		Int64("output_tokens", cr.Usage.CompletionTokens).Msg("completion")
	return cr.Choices[0].Message.Content, nil
}

// Snapshot returns the accumulated usage counters.
func (c *HTTPClient) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *HTTPClient) record(latency time.Duration, prompt, output int64, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Calls++
	if failed {
		c.stats.Failures++
	}
	c.stats.PromptTokens += prompt
	c.stats.OutputTokens += output
	c.stats.TotalLatency += latency
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
