package toolservice

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

func budgetMS(tool string) int64 {
	if d, ok := defaultTimeBudgets[tool]; ok {
		return d.Milliseconds()
	}
	return (2 * time.Second).Milliseconds()
}

// ToolSpec is the metadata the `get_tool_specs` tool returns: the tool's
// JSON schema plus the extension fields the executor budgets and the
// Prompt Assembler's `{{DYNAMIC_TOOL_SPECS}}` substitution need (§4.4, §4.7).
type ToolSpec struct {
	Name           string                 `json:"name"`
	Description    string                 `json:"description"`
	InputSchema    map[string]interface{} `json:"input_schema"`
	XCapabilities  []string               `json:"x_capabilities"`
	XTimeBudgetMS  int64                  `json:"x_time_budget_ms"`
	XLatencyHint   string                 `json:"x_latency_hint"`
	Signature      string                 `json:"signature,omitempty"`
}

func schema(props map[string]interface{}, required ...string) map[string]interface{} {
	return map[string]interface{}{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// DefaultToolSpecs returns the fixed tool table (§4.4).
func DefaultToolSpecs() []ToolSpec {
	str := map[string]interface{}{"type": "string"}
	obj := map[string]interface{}{"type": "object"}
	num := map[string]interface{}{"type": "number"}
	arr := map[string]interface{}{"type": "array"}

	return []ToolSpec{
		{Name: "store", Description: "Inserts a memory.", XCapabilities: []string{"write"}, XTimeBudgetMS: budgetMS("store"), XLatencyHint: "fast",
			InputSchema: schema(map[string]interface{}{"user_id": str, "content": str, "ai_data": obj, "embedding": arr}, "user_id", "content")},
		{Name: "search", Description: "Returns memories matching filters and/or a query.", XCapabilities: []string{"read"}, XTimeBudgetMS: budgetMS("search"), XLatencyHint: "fast",
			InputSchema: schema(map[string]interface{}{"user_id": str, "query": str, "query_embedding": arr, "filters": obj, "limit": num}, "user_id")},
		{Name: "aggregate", Description: "Returns a scalar or grouped numeric aggregate over memories.", XCapabilities: []string{"read"}, XTimeBudgetMS: budgetMS("aggregate"), XLatencyHint: "fast",
			InputSchema: schema(map[string]interface{}{"user_id": str, "operation": str, "field": str, "filters": obj, "group_by": str, "group_by_ai_field": str}, "user_id", "operation")},
		{Name: "update_memory_fields", Description: "Shallow-merges fields into a memory's ai_understanding.", XCapabilities: []string{"write"}, XTimeBudgetMS: budgetMS("update_memory_fields"), XLatencyHint: "fast",
			InputSchema: schema(map[string]interface{}{"id": str, "fields": obj}, "id", "fields")},
		{Name: "soft_delete", Description: "Marks a memory deleted.", XCapabilities: []string{"write"}, XTimeBudgetMS: budgetMS("soft_delete"), XLatencyHint: "fast",
			InputSchema: schema(map[string]interface{}{"id": str}, "id")},
		{Name: "schedule_reminder", Description: "Inserts a reminder.", XCapabilities: []string{"write"}, XTimeBudgetMS: budgetMS("schedule_reminder"), XLatencyHint: "fast",
			InputSchema: schema(map[string]interface{}{"user_id": str, "remind_at": str, "payload": str, "memory_id": str, "channel": str}, "user_id", "remind_at", "payload")},
		{Name: "get_pending_reminders", Description: "Returns due and unsent reminders.", XCapabilities: []string{"read"}, XTimeBudgetMS: budgetMS("get_pending_reminders"), XLatencyHint: "fast",
			InputSchema: schema(map[string]interface{}{"user_id": str, "before": str, "limit": num})},
		{Name: "mark_reminder_sent", Description: "Marks a reminder sent. Idempotent.", XCapabilities: []string{"write"}, XTimeBudgetMS: budgetMS("mark_reminder_sent"), XLatencyHint: "fast",
			InputSchema: schema(map[string]interface{}{"id": str}, "id")},
		{Name: "batch_store", Description: "Executes a sequence of store calls under one time budget.", XCapabilities: []string{"write"}, XTimeBudgetMS: budgetMS("batch_store"), XLatencyHint: "medium",
			InputSchema: schema(map[string]interface{}{"items": arr}, "items")},
		{Name: "batch_search", Description: "Executes a sequence of search calls under one time budget.", XCapabilities: []string{"read"}, XTimeBudgetMS: budgetMS("batch_search"), XLatencyHint: "medium",
			InputSchema: schema(map[string]interface{}{"items": arr}, "items")},
		{Name: "batch_aggregate", Description: "Executes a sequence of aggregate calls under one time budget.", XCapabilities: []string{"read"}, XTimeBudgetMS: budgetMS("batch_aggregate"), XLatencyHint: "medium",
			InputSchema: schema(map[string]interface{}{"items": arr}, "items")},
		{Name: "render_chart", Description: "Renders a chart spec and returns a signed media URL.", XCapabilities: []string{"write"}, XTimeBudgetMS: budgetMS("render_chart"), XLatencyHint: "medium",
			InputSchema: schema(map[string]interface{}{"spec": obj}, "spec")},
	}
}

// computeChecksum hashes the spec payload excluding Signature, mirroring the
// capability-registry checksum idiom this is grounded on.
func computeChecksum(t ToolSpec) (string, error) {
	payload := map[string]interface{}{
		"name": t.Name, "description": t.Description, "input_schema": t.InputSchema,
		"x_capabilities": t.XCapabilities, "x_time_budget_ms": t.XTimeBudgetMS, "x_latency_hint": t.XLatencyHint,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// SignToolSpec computes an HMAC signature over the spec's checksum.
func SignToolSpec(t ToolSpec, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("signing secret is empty")
	}
	checksum, err := computeChecksum(t)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(checksum))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// SignedToolSpecs returns DefaultToolSpecs with each entry's Signature
// populated, for the `get_tool_specs` tool and the `GET /tools` surface.
func SignedToolSpecs(secret string) ([]ToolSpec, error) {
	specs := DefaultToolSpecs()
	for i := range specs {
		sig, err := SignToolSpec(specs[i], secret)
		if err != nil {
			return nil, err
		}
		specs[i].Signature = sig
	}
	return specs, nil
}

// VerifyToolSpec checks a spec's signature against the secret, the way an
// executor that received specs over the wire would before trusting them.
func VerifyToolSpec(t ToolSpec, secret string) error {
	checksum, err := computeChecksum(t)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(checksum))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(t.Signature)) {
		return fmt.Errorf("tool spec %s: signature mismatch", t.Name)
	}
	return nil
}
