// Package keycheck verifies LLM provider API keys with a minimal authenticated request.
package keycheck

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Providers.
const (
	Anthropic  = "anthropic"
	OpenAI     = "openai"
	OpenRouter = "openrouter"
)

const (
	anthropicVersion = "2023-06-01"
	anthropicModel   = "claude-3-haiku-20240307"

	maxErrorBody = 64 << 10
)

// ErrUnknownProvider is returned for providers other than the supported three.
var ErrUnknownProvider = errors.New("unknown provider")

// Result is the outcome of a key check. Error is nil when Valid.
type Result struct {
	Valid bool    `json:"valid"`
	Error *string `json:"error"`
}

// BaseURLs are the provider endpoints. Zero fields use the public APIs.
type BaseURLs struct {
	Anthropic  string
	OpenAI     string
	OpenRouter string
}

// Tester runs key checks.
type Tester struct {
	client  *http.Client
	base    BaseURLs
	limiter *rate.Limiter
}

// Option configures a Tester.
type Option func(*Tester)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tester) { t.client = c }
}

// WithBaseURLs overrides provider endpoints.
func WithBaseURLs(b BaseURLs) Option {
	return func(t *Tester) {
		if b.Anthropic != "" {
			t.base.Anthropic = b.Anthropic
		}
		if b.OpenAI != "" {
			t.base.OpenAI = b.OpenAI
		}
		if b.OpenRouter != "" {
			t.base.OpenRouter = b.OpenRouter
		}
	}
}

// WithLimiter sets the limiter shared by all outbound checks.
func WithLimiter(l *rate.Limiter) Option {
	return func(t *Tester) { t.limiter = l }
}

// New returns a Tester with a 15s client timeout and a limit of one check
// per second with a burst of five.
func New(opts ...Option) *Tester {
	t := &Tester{
		client: &http.Client{Timeout: 15 * time.Second},
		base: BaseURLs{
			Anthropic:  "https://api.anthropic.com",
			OpenAI:     "https://api.openai.com",
			OpenRouter: "https://openrouter.ai",
		},
		limiter: rate.NewLimiter(rate.Limit(1), 5),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Supported reports whether provider can be checked.
func Supported(provider string) bool {
	switch provider {
	case Anthropic, OpenAI, OpenRouter:
		return true
	}
	return false
}

// Test checks apiKey against provider. Only ErrUnknownProvider and context
// errors are returned; provider and transport failures land in Result.Error.
func (t *Tester) Test(ctx context.Context, provider, apiKey string) (Result, error) {
	if !Supported(provider) {
		return Result{}, ErrUnknownProvider
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("failed to wait for key check slot: %w", err)
	}

	req, accept, err := t.buildRequest(ctx, provider, apiKey)
	if err != nil {
		return failed(err.Error()), nil
	}

	resp, err := t.client.Do(req) // #nosec G107 -- URL built from configured provider base
	if err != nil {
		return failed(err.Error()), nil
	}
	defer resp.Body.Close()

	if accept(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return Result{Valid: true}, nil
	}
	return failed(errorMessage(resp)), nil
}

func (t *Tester) buildRequest(ctx context.Context, provider, apiKey string) (*http.Request, func(int) bool, error) {
	okOnly := func(code int) bool { return code == http.StatusOK }

	switch provider {
	case Anthropic:
		body, err := json.Marshal(map[string]any{
			"model":      anthropicModel,
			"max_tokens": 1,
			"messages":   []map[string]string{{"role": "user", "content": "Hi"}},
		})
		if err != nil {
			return nil, nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base.Anthropic+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", apiKey)
		req.Header.Set("anthropic-version", anthropicVersion)
		// 400 means the key authenticated but the request was rejected.
		return req, func(code int) bool { return code == http.StatusOK || code == http.StatusBadRequest }, nil

	case OpenAI:
		req, err := bearerRequest(ctx, t.base.OpenAI+"/v1/models", apiKey)
		return req, okOnly, err

	default:
		req, err := bearerRequest(ctx, t.base.OpenRouter+"/api/v1/models", apiKey)
		return req, okOnly, err
	}
}

func bearerRequest(ctx context.Context, url, apiKey string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	return req, nil
}

func errorMessage(resp *http.Response) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err == nil && json.Unmarshal(data, &body) == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return fmt.Sprintf("HTTP %d", resp.StatusCode)
}

func failed(msg string) Result {
	return Result{Valid: false, Error: &msg}
}
