// Package toolservice implements the generic, domain-agnostic Tool Service
// described in §4.4: a fixed table of JSON-in/JSON-out tools backed by the
// Persistent Store, with no business vocabulary baked into the transport.
package toolservice

import (
	"context"
	"fmt"
	"time"

	"github.com/familyassist/orchestrator/internal/errs"
	"github.com/familyassist/orchestrator/internal/store"
)

// Service dispatches tool calls by name against the Persistent Store.
type Service struct {
	store         *store.Store
	charts        *ChartRenderer
	signingSecret string
	timeBudgets   map[string]time.Duration
}

// defaultTimeBudgets is the §4.3 per-tool budget table, shared by New (which
// seeds Service.timeBudgets) and DefaultToolSpecs (which reports the same
// numbers as x_time_budget so executor and tool service never disagree).
var defaultTimeBudgets = map[string]time.Duration{
	"store":                 2 * time.Second,
	"search":                3 * time.Second,
	"aggregate":             3 * time.Second,
	"update_memory_fields":  2 * time.Second,
	"soft_delete":           2 * time.Second,
	"schedule_reminder":     2 * time.Second,
	"get_pending_reminders": 2 * time.Second,
	"mark_reminder_sent":    2 * time.Second,
	"batch_store":           5 * time.Second,
	"batch_search":          5 * time.Second,
	"batch_aggregate":       5 * time.Second,
	"render_chart":          6 * time.Second,
	"get_tool_specs":        2 * time.Second,
}

// New constructs a Service. signingSecret signs the `get_tool_specs`
// response the way the executor verifies specs it receives over the wire.
func New(st *store.Store, charts *ChartRenderer, signingSecret string) *Service {
	budgets := make(map[string]time.Duration, len(defaultTimeBudgets))
	for k, v := range defaultTimeBudgets {
		budgets[k] = v
	}
	return &Service{
		store:         st,
		charts:        charts,
		signingSecret: signingSecret,
		timeBudgets:   budgets,
	}
}

// WithTimeBudget overrides the per-tool time budget used by TimeBudget.
func (s *Service) WithTimeBudget(tool string, d time.Duration) *Service {
	s.timeBudgets[tool] = d
	return s
}

// TimeBudget returns the configured time budget for a tool name, per §4.3
// "failure policy": each tool call carries its own deadline, never the
// whole-message deadline.
func (s *Service) TimeBudget(tool string) time.Duration {
	if d, ok := s.timeBudgets[tool]; ok {
		return d
	}
	return 2 * time.Second
}

// Dispatch runs a single named tool call. args/result are opaque JSON
// bags; callers (the executor, or the HTTP surface) marshal/unmarshal at
// their boundary.
func (s *Service) Dispatch(ctx context.Context, traceID, principal, name string, args map[string]interface{}) (map[string]interface{}, error) {
	budget := s.TimeBudget(name)
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	switch name {
	case "store":
		return s.dispatchStore(ctx, traceID, principal, args)
	case "search":
		return s.dispatchSearch(ctx, traceID, principal, args)
	case "aggregate":
		return s.dispatchAggregate(ctx, traceID, principal, args)
	case "update_memory_fields":
		return s.dispatchUpdateMemoryFields(ctx, traceID, principal, args)
	case "soft_delete":
		return s.dispatchSoftDelete(ctx, traceID, principal, args)
	case "schedule_reminder":
		return s.dispatchScheduleReminder(ctx, traceID, principal, args)
	case "get_pending_reminders":
		return s.dispatchGetPendingReminders(ctx, traceID, principal, args)
	case "mark_reminder_sent":
		return s.dispatchMarkReminderSent(ctx, traceID, principal, args)
	case "batch_store", "batch_search", "batch_aggregate":
		return s.dispatchBatch(ctx, traceID, principal, name, args)
	case "render_chart":
		return s.dispatchRenderChart(ctx, traceID, principal, args)
	case "get_tool_specs":
		return s.specsAsMap()
	default:
		return nil, errs.ToolExecution(traceID, principal, fmt.Errorf("unknown tool %q", name), nil)
	}
}

func (s *Service) specsAsMap() (map[string]interface{}, error) {
	specs, err := SignedToolSpecs(s.signingSecret)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tools": specs}, nil
}
