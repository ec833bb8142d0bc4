package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/familyassist/orchestrator/config"
)

func newTestServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := chatResponse{}
		resp.Choices = []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}{{}}
		resp.Choices[0].Message.Content = content
		resp.Usage.PromptTokens = 10
		resp.Usage.CompletionTokens = 5
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func testConfig(baseURL string) config.LLMConfig {
	return config.LLMConfig{
		ProviderName:      "openai",
		APIKey:            "test-key",
		Model:             "gpt-test",
		BaseURL:           baseURL,
		Timeout:           5 * time.Second,
		MaxRetries:        1,
		RequestsPerMinute: 600,
		MaxConcurrency:    4,
		ResponseCacheTTL:  time.Minute,
	}
}

func TestChatTextReturnsContentAndUsage(t *testing.T) {
	srv := newTestServer(t, "hello there")
	defer srv.Close()

	c := New(testConfig(srv.URL)).WithCostPer1K(0.001, 0.002)
	text, usage, err := c.ChatText(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("ChatText: %v", err)
	}
	if text != "hello there" {
		t.Fatalf("unexpected text: %q", text)
	}
	if usage.PromptTokens != 10 || usage.CompletionTokens != 5 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
	if usage.CostUSD <= 0 {
		t.Fatalf("expected positive cost, got %f", usage.CostUSD)
	}
}

func TestChatTextCachesSecondCall(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		resp := chatResponse{}
		resp.Choices = []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}{{}}
		resp.Choices[0].Message.Content = "cached-response"
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	msgs := []Message{{Role: "user", Content: "repeat me"}}
	if _, _, err := c.ChatText(context.Background(), msgs); err != nil {
		t.Fatalf("first call: %v", err)
	}
	text, usage, err := c.ChatText(context.Background(), msgs)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if text != "cached-response" {
		t.Fatalf("unexpected cached text: %q", text)
	}
	if !usage.CacheHit {
		t.Fatalf("expected second call to report a cache hit")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", calls)
	}
}

func TestChatJSONExtractsEmbeddedObject(t *testing.T) {
	srv := newTestServer(t, "Sure thing! Here you go: {\"need_clarification\":false,\"reply\":\"ok\"} Hope that helps.")
	defer srv.Close()

	c := New(testConfig(srv.URL))
	var dst struct {
		NeedClarification bool   `json:"need_clarification"`
		Reply             string `json:"reply"`
	}
	if _, err := c.ChatJSON(context.Background(), []Message{{Role: "user", Content: "hi"}}, &dst); err != nil {
		t.Fatalf("ChatJSON: %v", err)
	}
	if dst.Reply != "ok" || dst.NeedClarification {
		t.Fatalf("unexpected parse result: %+v", dst)
	}
}

func TestRateLimiterBlocksBeyondWindow(t *testing.T) {
	rl := newRateLimiter(1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if err := rl.Wait(ctx); err == nil {
		t.Fatalf("expected second wait in the same window to block past the short deadline")
	}
}
