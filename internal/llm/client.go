// Package llm implements the LLM Client: a rate-limited, cost-accounting
// wrapper around an OpenAI-compatible chat/completions endpoint used by the
// Analysis Engine and the Orchestrator.
package llm

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/familyassist/orchestrator/config"
)

// Message is a single turn in a chat completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ParseError reports that ChatJSON's lenient extraction found a JSON-shaped
// candidate but json.Unmarshal rejected it; Raw is the full assistant
// response, Candidate the substring extractFirstJSON picked out of it (§4.5
// "AnalysisError carrying the raw response snippet").
type ParseError struct {
	Raw       string
	Candidate string
	Cause     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse JSON response: %v", e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// Usage is the token/cost accounting for a single call (§12 "Supplemented:
// LLM usage/cost accounting").
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
	Model            string
	CacheHit         bool
}

// Client is the LLM Client described in §4.5/§4.6: per-provider rate
// limiting, bounded concurrency, a short-TTL response cache, and usage
// accounting on every call.
type Client struct {
	cfg  config.LLMConfig
	http *http.Client

	limiter *rateLimiter
	sem     chan struct{}

	cacheMu sync.Mutex
	cache   map[string]cacheEntry

	usageMu sync.Mutex
	usage   []Usage

	costPer1KInput  float64
	costPer1KOutput float64
}

type cacheEntry struct {
	value     string
	usage     Usage
	expiresAt time.Time
}

// New constructs a Client from the LLM section of the engine configuration.
func New(cfg config.LLMConfig) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: newRateLimiter(cfg.RequestsPerMinute),
		sem:     make(chan struct{}, cfg.MaxConcurrency),
		cache:   make(map[string]cacheEntry),
	}
}

// WithCostPer1K sets the per-1K-token cost used for usage accounting. The
// provider API itself never returns cost, so this is configured out of band
// (pricing tables change independently of model names).
func (c *Client) WithCostPer1K(input, output float64) *Client {
	c.costPer1KInput = input
	c.costPer1KOutput = output
	return c
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// ChatText sends a chat completion and returns the raw assistant text.
func (c *Client) ChatText(ctx context.Context, messages []Message) (string, Usage, error) {
	key := cacheKey(c.cfg.Model, messages)
	if v, u, ok := c.lookupCache(key); ok {
		return v, u, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", Usage{}, fmt.Errorf("rate limiter: %w", err)
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return "", Usage{}, ctx.Err()
	}

	var lastErr error
	retries := c.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	for attempt := 0; attempt <= retries; attempt++ {
		text, usage, err := c.doChat(ctx, messages)
		if err == nil {
			c.recordUsage(usage)
			c.storeCache(key, text, usage)
			return text, usage, nil
		}
		lastErr = err
		// Only transport-level failures are retried.
		var uerr *url.Error
		if !errors.As(err, &uerr) || ctx.Err() != nil {
			break
		}
	}
	return "", Usage{}, lastErr
}

// ChatJSON sends a chat completion and lenient-parses the first top-level
// JSON object out of the response into dst, tolerating prose the model
// wraps around the object (§4.5 "Analysis schema").
func (c *Client) ChatJSON(ctx context.Context, messages []Message, dst interface{}) (Usage, error) {
	text, usage, err := c.ChatText(ctx, messages)
	if err != nil {
		return Usage{}, err
	}
	candidate := extractFirstJSON(text)
	if err := json.Unmarshal([]byte(candidate), dst); err != nil {
		return usage, &ParseError{Raw: text, Candidate: candidate, Cause: err}
	}
	return usage, nil
}

func (c *Client) doChat(ctx context.Context, messages []Message) (string, Usage, error) {
	body, err := json.Marshal(chatRequest{Model: c.cfg.Model, Messages: messages})
	if err != nil {
		return "", Usage{}, fmt.Errorf("marshal request: %w", err)
	}

	baseURL := c.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", Usage{}, fmt.Errorf("llm provider status %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Usage{}, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("no choices in llm response")
	}

	usage := Usage{
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		Model:            c.cfg.Model,
	}
	usage.CostUSD = float64(usage.PromptTokens)/1000.0*c.costPer1KInput + float64(usage.CompletionTokens)/1000.0*c.costPer1KOutput
	return out.Choices[0].Message.Content, usage, nil
}

// Ping checks that the provider's base URL is reachable, for the ingress
// process's health check (§6 "components: {db, tool_service, llm}"). It
// never sends a chat completion — a network round trip is enough to tell
// a down provider from a configuration problem a real request would also
// surface.
func (c *Client) Ping(ctx context.Context) error {
	baseURL := c.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

// UsageTotals returns the accumulated usage across every call this client
// has made, for cost reporting (§12).
func (c *Client) UsageTotals() Usage {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	var total Usage
	total.Model = c.cfg.Model
	for _, u := range c.usage {
		total.PromptTokens += u.PromptTokens
		total.CompletionTokens += u.CompletionTokens
		total.CostUSD += u.CostUSD
	}
	return total
}

func (c *Client) recordUsage(u Usage) {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	c.usage = append(c.usage, u)
}

func (c *Client) lookupCache(key string) (string, Usage, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	e, ok := c.cache[key]
	if !ok || time.Now().After(e.expiresAt) {
		return "", Usage{}, false
	}
	u := e.usage
	u.CacheHit = true
	return e.value, u, true
}

func (c *Client) storeCache(key, value string, usage Usage) {
	if c.cfg.ResponseCacheTTL <= 0 {
		return
	}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache[key] = cacheEntry{value: value, usage: usage, expiresAt: time.Now().Add(c.cfg.ResponseCacheTTL)}
}

func cacheKey(model string, messages []Message) string {
	h := sha1.New()
	h.Write([]byte(model))
	for _, m := range messages {
		h.Write([]byte(m.Role))
		h.Write([]byte(m.Content))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// extractFirstJSON returns the first top-level brace-balanced JSON object in
// s, or s itself if none is found.
func extractFirstJSON(s string) string {
	start := -1
	depth := 0
	for i, ch := range s {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return strings.TrimSpace(s)
}
