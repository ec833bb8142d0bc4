// Package analysis implements the Analysis Engine (§4.5): a bounded,
// ≤3-round thinking loop that turns an inbound message plus basic context
// into an Analysis (understanding, context_requests, tool_plan,
// response_directives) via the LLM Client's chat_json call.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	appcontext "github.com/familyassist/orchestrator/internal/context"
	"github.com/familyassist/orchestrator/internal/embedding"
	"github.com/familyassist/orchestrator/internal/errs"
	"github.com/familyassist/orchestrator/internal/llm"
)

const maxThinkingRounds = 3

// defaultContextMaxKeys and defaultContextMaxBytes back a zero-value
// ContextPolicy (§12: MAX_CONTEXT_KEYS defaults to 8, MAX_CONTEXT_BYTES to
// 16KiB).
const (
	defaultContextMaxKeys  = 8
	defaultContextMaxBytes = 16 * 1024
)

// ContextPolicy caps how much on-demand context a thinking loop may
// accumulate across its rounds: once accumulated context holds MaxKeys
// entries, or its serialized size reaches MaxBytes, further
// context_request results for that message are dropped rather than merged
// (§12 "context policy / dynamic key budgeting"). A zero-value ContextPolicy
// uses the §12 defaults.
type ContextPolicy struct {
	MaxKeys  int
	MaxBytes int
}

func (p ContextPolicy) maxKeys() int {
	if p.MaxKeys > 0 {
		return p.MaxKeys
	}
	return defaultContextMaxKeys
}

func (p ContextPolicy) maxBytes() int {
	if p.MaxBytes > 0 {
		return p.MaxBytes
	}
	return defaultContextMaxBytes
}

// admit reports whether adding name/val to accumulated (which already holds
// size serialized bytes) would stay within the policy's key and byte
// budgets, without mutating accumulated.
func (p ContextPolicy) admit(accumulated map[string]interface{}, size int, name string, val interface{}) (int, bool) {
	if _, exists := accumulated[name]; !exists && len(accumulated) >= p.maxKeys() {
		return size, false
	}
	encoded, err := json.Marshal(val)
	if err != nil {
		return size, false
	}
	next := size + len(encoded) + len(name)
	if next > p.maxBytes() {
		return size, false
	}
	return next, true
}

// Understanding is the structured read the LLM took of an inbound message.
type Understanding struct {
	Intent                 string                 `json:"intent"`
	Entities               map[string]interface{} `json:"entities"`
	NeedAction             bool                   `json:"need_action"`
	NeedClarification      bool                   `json:"need_clarification"`
	MissingFields          []string               `json:"missing_fields,omitempty"`
	ClarificationQuestions []string               `json:"clarification_questions,omitempty"`
	SuggestedReply         string                 `json:"suggested_reply,omitempty"`
	ThinkingDepth          int                     `json:"thinking_depth"`
	NeedsDeeperAnalysis    bool                   `json:"needs_deeper_analysis"`
	AnalysisReasoning      string                 `json:"analysis_reasoning,omitempty"`
	NextExplorationAreas   []string               `json:"next_exploration_areas,omitempty"`
}

// ContextRequestSpec is one entry of Analysis.ContextRequests, the raw shape
// the LLM emits before it's mapped onto context.Request.
type ContextRequestSpec struct {
	Name   string                 `json:"name"`
	Kind   string                 `json:"kind"`
	Params map[string]interface{} `json:"-"`
}

// UnmarshalJSON flattens the request's free-form parameters alongside name
// and kind into Params, since the LLM emits them as sibling keys rather
// than a nested object.
func (c *ContextRequestSpec) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["name"].(string); ok {
		c.Name = v
	}
	if v, ok := raw["kind"].(string); ok {
		c.Kind = v
	}
	c.Params = map[string]interface{}{}
	for k, v := range raw {
		if k == "name" || k == "kind" {
			continue
		}
		c.Params[k] = v
	}
	return nil
}

// ToolStepSpec is one entry of Analysis.ToolPlan.Steps.
type ToolStepSpec struct {
	Tool      string                 `json:"tool"`
	Args      map[string]interface{} `json:"args"`
	Mandatory bool                   `json:"mandatory,omitempty"`
}

// ToolPlanSpec is the tool_plan the Analysis Engine produced for one
// message.
type ToolPlanSpec struct {
	Steps []ToolStepSpec `json:"steps"`
}

// ResponseDirectives shapes the responder's tone and length (§4.6).
type ResponseDirectives struct {
	Profile string `json:"profile,omitempty"`
	Voice   string `json:"voice,omitempty"`
	Focus   string `json:"focus,omitempty"`
}

// Analysis is the Analysis Engine's contract return value.
type Analysis struct {
	Understanding      Understanding          `json:"understanding"`
	ContextRequests    []ContextRequestSpec   `json:"context_requests,omitempty"`
	ToolPlan           ToolPlanSpec           `json:"tool_plan"`
	ResponseDirectives ResponseDirectives     `json:"response_directives,omitempty"`
	// ContextPayload carries every on-demand context_request's resolved
	// result, keyed by name, across every round (§4.2): the Tool Executor
	// threads this into a step's args wherever it sees {"use_context": name}.
	ContextPayload map[string]interface{} `json:"-"`
}

// User carries the per-message principal identity the round-1 payload
// embeds.
type User struct {
	Principal string `json:"principal"`
	Channel   string `json:"channel"`
	ThreadID  string `json:"thread_id"`
}

// Engine runs the thinking loop against an LLM client and a Context
// Manager.
type Engine struct {
	llmClient *llm.Client
	contexts  *appcontext.Manager
	systemPrompt string
	contextPolicy ContextPolicy
}

// New constructs an Engine. systemPrompt is the already-assembled system
// prompt for the active prompt variant (§4.7); the Analysis Engine itself
// does not know about blocks or variants. policy bounds how much on-demand
// context the thinking loop accumulates across rounds.
func New(llmClient *llm.Client, contexts *appcontext.Manager, systemPrompt string, policy ContextPolicy) *Engine {
	return &Engine{llmClient: llmClient, contexts: contexts, systemPrompt: systemPrompt, contextPolicy: policy}
}

type roundPayload struct {
	Message string                 `json:"message"`
	User    User                   `json:"user"`
	Context map[string]interface{} `json:"context"`
}

// Analyze implements analyze(content, principal, basic_context,
// prompt_version) -> Analysis (§4.5).
func (e *Engine) Analyze(ctx context.Context, traceID string, user User, message string, basicContext appcontext.BasicContext, rctx appcontext.ResolveContext, tr *embedding.Trace) (Analysis, error) {
	accumulated := map[string]interface{}{
		"light_context": basicContext.LightContext,
		"household":     basicContext.Household,
	}
	// contextPayload tracks only the on-demand context_requests' resolved
	// results, keyed by name (§4.2) — the subset of accumulated that the
	// Tool Executor's {"use_context": name} substitution reads, as opposed
	// to the fixed light_context/household keys every round already carries.
	contextPayload := map[string]interface{}{}
	contextBytes := 0

	var last Analysis
	for round := 1; round <= maxThinkingRounds; round++ {
		payload := roundPayload{Message: message, User: user, Context: accumulated}
		body, err := json.Marshal(payload)
		if err != nil {
			return Analysis{}, errs.Analysis(traceID, user.Principal, fmt.Errorf("marshal round payload: %w", err), map[string]any{"round": round})
		}

		messages := []llm.Message{
			{Role: "system", Content: e.systemPrompt},
			{Role: "user", Content: string(body)},
		}

		var parsed Analysis
		if _, err := e.llmClient.ChatJSON(ctx, messages, &parsed); err != nil {
			errCtx := map[string]any{"round": round}
			var perr *llm.ParseError
			if errors.As(err, &perr) {
				errCtx["response_snippet"] = perr.Candidate
			}
			return Analysis{}, errs.Analysis(traceID, user.Principal, err, errCtx)
		}
		parsed.Understanding.ThinkingDepth = round
		parsed.ContextPayload = contextPayload
		last = parsed

		if !parsed.Understanding.NeedsDeeperAnalysis || round == maxThinkingRounds || len(parsed.ContextRequests) == 0 {
			return last, nil
		}

		requests := make([]appcontext.Request, 0, len(parsed.ContextRequests))
		for _, r := range parsed.ContextRequests {
			requests = append(requests, appcontext.Request{Name: r.Name, Kind: appcontext.RequestKind(r.Kind), Params: r.Params})
		}
		results := e.contexts.Resolve(ctx, rctx, tr, requests)
		for name, val := range results {
			next, ok := e.contextPolicy.admit(contextPayload, contextBytes, name, val)
			if !ok {
				continue
			}
			contextBytes = next
			accumulated[name] = val
			contextPayload[name] = val
		}
	}
	return last, nil
}
