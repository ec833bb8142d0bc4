package context

import (
	"context"
	"fmt"
	"time"

	"github.com/familyassist/orchestrator/internal/embedding"
	"github.com/familyassist/orchestrator/internal/store"
)

const (
	defaultRequestLimit       = 10
	defaultThreadSummaryLimit = 3
)

// recentMemories implements the recent_memories context_request (§4.2):
// most-recent memories matching filters for the selected scope.
func (m *Manager) recentMemories(ctx context.Context, rctx ResolveContext, params map[string]interface{}) (interface{}, error) {
	userIDs, extra, err := requestScope(rctx, params)
	if err != nil {
		return nil, err
	}
	filters := paramsFilters(params)
	applyExtraFilters(&filters, extra)

	memories, _, err := m.store.SearchMemories(ctx, userIDs, store.SearchQuery{
		Filters: filters,
		Limit:   limitFromParams(params, defaultRequestLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("recent_memories: %w", err)
	}
	return memoriesToMaps(memories), nil
}

// semanticSearch implements the semantic_search context_request: embed the
// query (trace cache first), pass the vector to search, return ranked
// memories.
func (m *Manager) semanticSearch(ctx context.Context, rctx ResolveContext, tr *embedding.Trace, params map[string]interface{}) (interface{}, error) {
	query, _ := params["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("semantic_search requires query")
	}
	userIDs, extra, err := requestScope(rctx, params)
	if err != nil {
		return nil, err
	}
	filters := paramsFilters(params)
	applyExtraFilters(&filters, extra)

	q := store.SearchQuery{Query: query, Filters: filters, Limit: limitFromParams(params, defaultRequestLimit)}
	if tr != nil {
		if vec, err := tr.Embed(ctx, query); err == nil {
			q.QueryEmbedding = vec
		}
	}

	memories, _, err := m.store.SearchMemories(ctx, userIDs, q)
	if err != nil {
		return nil, fmt.Errorf("semantic_search: %w", err)
	}
	return memoriesToMaps(memories), nil
}

// directSearch implements the direct_search context_request: filters
// through search without a vector (predicate + occurred_at desc).
func (m *Manager) directSearch(ctx context.Context, rctx ResolveContext, params map[string]interface{}) (interface{}, error) {
	userIDs, extra, err := requestScope(rctx, params)
	if err != nil {
		return nil, err
	}
	filters := paramsFilters(params)
	applyExtraFilters(&filters, extra)

	memories, _, err := m.store.SearchMemories(ctx, userIDs, store.SearchQuery{
		Filters: filters,
		Limit:   limitFromParams(params, defaultRequestLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("direct_search: %w", err)
	}
	return memoriesToMaps(memories), nil
}

// threadSummaries implements the thread_summaries context_request: the most
// recent thread_summary memories for the thread.
func (m *Manager) threadSummaries(ctx context.Context, rctx ResolveContext, params map[string]interface{}) (interface{}, error) {
	if rctx.ThreadID == "" {
		return nil, fmt.Errorf("thread_summaries requires an active thread_id")
	}
	memories, _, err := m.store.SearchMemories(ctx, []string{rctx.Principal}, store.SearchQuery{
		Filters: store.Filters{Type: "thread_summary", ThreadID: rctx.ThreadID},
		Limit:   limitFromParams(params, defaultThreadSummaryLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("thread_summaries: %w", err)
	}
	return memoriesToMaps(memories), nil
}

func applyExtraFilters(f *store.Filters, extra map[string]interface{}) {
	if threadID, ok := extra["thread_id"].(string); ok && threadID != "" {
		f.ThreadID = threadID
	}
}

func limitFromParams(params map[string]interface{}, def int) int {
	if v, ok := coerceFloatArg(params["limit"]); ok && v > 0 {
		return int(v)
	}
	return def
}

func filtersFromRaw(raw map[string]interface{}) store.Filters {
	f := store.Filters{}
	if raw == nil {
		return f
	}
	if v, ok := raw["type"].(string); ok {
		f.Type = v
	}
	if v, ok := raw["thread_id"].(string); ok {
		f.ThreadID = v
	}
	if v, ok := raw["category"].(string); ok {
		f.Category = v
	}
	if v, ok := raw["person"].(string); ok {
		f.Person = v
	}
	if v, ok := raw["date_from"].(string); ok {
		if t, ok := coerceTimeArg(v); ok {
			f.DateFrom = &t
		}
	}
	if v, ok := raw["date_to"].(string); ok {
		if t, ok := coerceTimeArg(v); ok {
			f.DateTo = &t
		}
	}
	if v, ok := coerceFloatArg(raw["amount_min"]); ok {
		f.AmountMin = &v
	}
	if v, ok := coerceFloatArg(raw["amount_max"]); ok {
		f.AmountMax = &v
	}
	if v, ok := raw["jsonb_equals"].(map[string]interface{}); ok {
		f.JSONBEquals = v
	}
	if v, ok := raw["deleted"].(bool); ok {
		f.IncludeDeleted = v
	}
	return f
}

func coerceFloatArg(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

func coerceTimeArg(s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}
