package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	appcontext "github.com/familyassist/orchestrator/internal/context"
	"github.com/familyassist/orchestrator/internal/llm"
	"github.com/familyassist/orchestrator/internal/store"

	"github.com/familyassist/orchestrator/config"
)

type scriptedServer struct {
	responses []string
	calls     int
}

func newScriptedServer(t *testing.T, responses ...string) *httptest.Server {
	t.Helper()
	s := &scriptedServer{responses: responses}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := s.calls
		if idx >= len(s.responses) {
			idx = len(s.responses) - 1
		}
		s.calls++
		type choiceMsg struct {
			Content string `json:"content"`
		}
		type choice struct {
			Message choiceMsg `json:"message"`
		}
		resp := struct {
			Choices []choice `json:"choices"`
		}{Choices: []choice{{Message: choiceMsg{Content: s.responses[idx]}}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func testLLMConfig(baseURL string) config.LLMConfig {
	return config.LLMConfig{
		ProviderName:      "openai",
		APIKey:            "test-key",
		Model:             "gpt-test",
		BaseURL:           baseURL,
		Timeout:           5 * time.Second,
		MaxRetries:        1,
		RequestsPerMinute: 600,
		MaxConcurrency:    4,
	}
}

type emptyStore struct{}

func (emptyStore) SearchMemories(ctx context.Context, userIDs []string, q store.SearchQuery) ([]store.Memory, int, error) {
	return nil, 0, nil
}

func TestAnalyzeStopsAfterFirstRoundWhenNoDeeperAnalysisNeeded(t *testing.T) {
	srv := newScriptedServer(t, `{"understanding":{"intent":"log expense","need_action":true,"needs_deeper_analysis":false},"tool_plan":{"steps":[{"tool":"store","args":{}}]}}`)
	defer srv.Close()

	client := llm.New(testLLMConfig(srv.URL))
	contexts := appcontext.New(emptyStore{}, nil, nil)
	engine := New(client, contexts, "system prompt", ContextPolicy{})

	result, err := engine.Analyze(context.Background(), "trace-1", User{Principal: "user-1"}, "spent $40 on groceries",
		appcontext.BasicContext{}, appcontext.ResolveContext{Principal: "user-1"}, nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.Understanding.Intent != "log expense" {
		t.Fatalf("unexpected intent: %q", result.Understanding.Intent)
	}
	if result.Understanding.ThinkingDepth != 1 {
		t.Fatalf("expected thinking_depth 1, got %d", result.Understanding.ThinkingDepth)
	}
	if len(result.ToolPlan.Steps) != 1 {
		t.Fatalf("expected 1 tool_plan step, got %d", len(result.ToolPlan.Steps))
	}
}

func TestAnalyzeResolvesContextRequestsAndReinvokes(t *testing.T) {
	round1 := `{"understanding":{"intent":"what's my balance","needs_deeper_analysis":true},
		"context_requests":[{"name":"recent_spend","kind":"recent_memories","limit":5}]}`
	round2 := `{"understanding":{"intent":"what's my balance","needs_deeper_analysis":false},"tool_plan":{"steps":[]}}`
	srv := newScriptedServer(t, round1, round2)
	defer srv.Close()

	client := llm.New(testLLMConfig(srv.URL))
	contexts := appcontext.New(emptyStore{}, nil, nil)
	engine := New(client, contexts, "system prompt", ContextPolicy{})

	result, err := engine.Analyze(context.Background(), "trace-1", User{Principal: "user-1"}, "what's my balance",
		appcontext.BasicContext{}, appcontext.ResolveContext{Principal: "user-1"}, nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.Understanding.ThinkingDepth != 2 {
		t.Fatalf("expected a second round, got thinking_depth=%d", result.Understanding.ThinkingDepth)
	}
	if _, ok := result.ContextPayload["recent_spend"]; !ok {
		t.Fatalf("expected the resolved context_request to be carried in ContextPayload, got %+v", result.ContextPayload)
	}
}

func TestAnalyzeStopsAtMaxRoundsEvenIfDeeperAnalysisRequested(t *testing.T) {
	always := `{"understanding":{"intent":"keep digging","needs_deeper_analysis":true},
		"context_requests":[{"name":"r","kind":"recent_memories"}]}`
	srv := newScriptedServer(t, always, always, always)
	defer srv.Close()

	client := llm.New(testLLMConfig(srv.URL))
	contexts := appcontext.New(emptyStore{}, nil, nil)
	engine := New(client, contexts, "system prompt", ContextPolicy{})

	result, err := engine.Analyze(context.Background(), "trace-1", User{Principal: "user-1"}, "hello",
		appcontext.BasicContext{}, appcontext.ResolveContext{Principal: "user-1"}, nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.Understanding.ThinkingDepth != maxThinkingRounds {
		t.Fatalf("expected thinking_depth capped at %d, got %d", maxThinkingRounds, result.Understanding.ThinkingDepth)
	}
}

func TestContextPolicyRejectsBeyondMaxKeys(t *testing.T) {
	policy := ContextPolicy{MaxKeys: 1, MaxBytes: 1024}
	accumulated := map[string]interface{}{"first": "a"}

	if _, ok := policy.admit(accumulated, 0, "second", "b"); ok {
		t.Fatalf("expected admit to reject a new key beyond MaxKeys")
	}
	if _, ok := policy.admit(accumulated, 0, "first", "updated"); !ok {
		t.Fatalf("expected admit to allow replacing an existing key")
	}
}

func TestContextPolicyRejectsBeyondMaxBytes(t *testing.T) {
	policy := ContextPolicy{MaxKeys: 8, MaxBytes: 16}
	accumulated := map[string]interface{}{}

	size, ok := policy.admit(accumulated, 0, "small", "ok")
	if !ok {
		t.Fatalf("expected small value to be admitted")
	}
	if _, ok := policy.admit(accumulated, size, "big", "this value is far too long for the byte budget"); ok {
		t.Fatalf("expected admit to reject a value exceeding MaxBytes")
	}
}

func TestContextPolicyDefaultsWhenZeroValue(t *testing.T) {
	var policy ContextPolicy
	if policy.maxKeys() != defaultContextMaxKeys {
		t.Fatalf("expected default max keys %d, got %d", defaultContextMaxKeys, policy.maxKeys())
	}
	if policy.maxBytes() != defaultContextMaxBytes {
		t.Fatalf("expected default max bytes %d, got %d", defaultContextMaxBytes, policy.maxBytes())
	}
}
