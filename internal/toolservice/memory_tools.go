package toolservice

import (
	"context"
	"fmt"
	"time"

	"github.com/familyassist/orchestrator/internal/errs"
	"github.com/familyassist/orchestrator/internal/store"
)

func userIDs(args map[string]interface{}) []string {
	switch v := args["user_id"].(type) {
	case string:
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	default:
		return nil
	}
}

func parseFilters(args map[string]interface{}) store.Filters {
	f := store.Filters{}
	raw, _ := args["filters"].(map[string]interface{})
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

// memoryStore is the subset of *store.Store's memory operations dispatchStore/
// dispatchSearch/dispatchAggregate need; *store.Tx satisfies it too, which is
// how batch_store/batch_search/batch_aggregate run their sub-operations
// against one shared transaction (batch.go) rather than each dispatch call
// opening its own.
type memoryStore interface {
	SoftUpsert(ctx context.Context, m store.Memory) (store.Memory, bool, error)
	SearchMemories(ctx context.Context, userIDs []string, q store.SearchQuery) ([]store.Memory, int, error)
	Aggregate(ctx context.Context, userIDs []string, q store.AggregateQuery) (store.AggregateResult, error)
}

func (s *Service) dispatchStore(ctx context.Context, traceID, principal string, args map[string]interface{}) (map[string]interface{}, error) {
	return dispatchStoreWith(ctx, s.store, traceID, principal, args)
}

func dispatchStoreWith(ctx context.Context, ms memoryStore, traceID, principal string, args map[string]interface{}) (map[string]interface{}, error) {
	ids := userIDs(args)
	if len(ids) != 1 {
		return nil, errs.ToolExecution(traceID, principal, fmt.Errorf("store requires exactly one user_id"), nil)
	}
	content, _ := args["content"].(string)
	aiData, _ := args["ai_data"].(map[string]interface{})

	var embedding []float32
	if raw, ok := args["embedding"].([]interface{}); ok {
		embedding = make([]float32, 0, len(raw))
		for _, v := range raw {
			if f, ok := coerceFloatArg(v); ok {
				embedding = append(embedding, float32(f))
			}
		}
	}

	m, _, err := ms.SoftUpsert(ctx, store.Memory{
		UserID:          ids[0],
		Content:         content,
		AIUnderstanding: aiData,
		Embedding:       embedding,
	})
	if err != nil {
		return nil, errs.ToolExecution(traceID, principal, err, map[string]any{"tool": "store"})
	}
	return map[string]interface{}{"id": m.ID, "type": m.Type, "created_at": m.CreatedAt}, nil
}

func (s *Service) dispatchSearch(ctx context.Context, traceID, principal string, args map[string]interface{}) (map[string]interface{}, error) {
	return dispatchSearchWith(ctx, s.store, traceID, principal, args)
}

func dispatchSearchWith(ctx context.Context, ms memoryStore, traceID, principal string, args map[string]interface{}) (map[string]interface{}, error) {
	ids := userIDs(args)
	if len(ids) == 0 {
		return nil, errs.ToolExecution(traceID, principal, fmt.Errorf("search requires user_id"), nil)
	}
	q := store.SearchQuery{Filters: parseFilters(args)}
	if v, ok := args["query"].(string); ok {
		q.Query = v
	}
	if raw, ok := args["query_embedding"].([]interface{}); ok {
		q.QueryEmbedding = make([]float32, 0, len(raw))
		for _, v := range raw {
			if f, ok := coerceFloatArg(v); ok {
				q.QueryEmbedding = append(q.QueryEmbedding, float32(f))
			}
		}
	}
	if v, ok := coerceFloatArg(args["limit"]); ok {
		q.Limit = int(v)
	}
	if v, ok := args["shared_thread"].(bool); ok {
		q.SharedThread = v
	}

	results, total, err := ms.SearchMemories(ctx, ids, q)
	if err != nil {
		return nil, errs.ToolExecution(traceID, principal, err, map[string]any{"tool": "search"})
	}
	return map[string]interface{}{"results": memoriesToMaps(results), "total": total}, nil
}

func (s *Service) dispatchAggregate(ctx context.Context, traceID, principal string, args map[string]interface{}) (map[string]interface{}, error) {
	return dispatchAggregateWith(ctx, s.store, traceID, principal, args)
}

func dispatchAggregateWith(ctx context.Context, ms memoryStore, traceID, principal string, args map[string]interface{}) (map[string]interface{}, error) {
	ids := userIDs(args)
	if len(ids) == 0 {
		return nil, errs.ToolExecution(traceID, principal, fmt.Errorf("aggregate requires user_id"), nil)
	}
	op, _ := args["operation"].(string)
	q := store.AggregateQuery{Operation: op, Filters: parseFilters(args)}
	if v, ok := args["field"].(string); ok {
		q.Field = v
	}
	if v, ok := args["group_by"].(string); ok {
		q.GroupBy = v
	}
	if v, ok := args["group_by_ai_field"].(string); ok {
		q.GroupByAIField = v
	}

	res, err := ms.Aggregate(ctx, ids, q)
	if err != nil {
		return nil, errs.ToolExecution(traceID, principal, err, map[string]any{"tool": "aggregate"})
	}
	out := map[string]interface{}{}
	if res.Scalar != nil {
		out["value"] = *res.Scalar
	}
	if res.Groups != nil {
		groups := make([]map[string]interface{}, 0, len(res.Groups))
		for _, g := range res.Groups {
			groups = append(groups, map[string]interface{}{"key": g.Key, "value": g.Value})
		}
		out["groups"] = groups
	}
	return out, nil
}

func (s *Service) dispatchUpdateMemoryFields(ctx context.Context, traceID, principal string, args map[string]interface{}) (map[string]interface{}, error) {
	id, _ := args["id"].(string)
	fields, _ := args["fields"].(map[string]interface{})
	if id == "" {
		return nil, errs.ToolExecution(traceID, principal, fmt.Errorf("update_memory_fields requires id"), nil)
	}
	if err := s.store.UpdateMemoryFields(ctx, id, fields); err != nil {
		return nil, errs.ToolExecution(traceID, principal, err, map[string]any{"tool": "update_memory_fields"})
	}
	return map[string]interface{}{"ok": true}, nil
}

func (s *Service) dispatchSoftDelete(ctx context.Context, traceID, principal string, args map[string]interface{}) (map[string]interface{}, error) {
	id, _ := args["id"].(string)
	if id == "" {
		return nil, errs.ToolExecution(traceID, principal, fmt.Errorf("soft_delete requires id"), nil)
	}
	if err := s.store.SoftDeleteMemory(ctx, id); err != nil {
		return nil, errs.ToolExecution(traceID, principal, err, map[string]any{"tool": "soft_delete"})
	}
	return map[string]interface{}{"ok": true}, nil
}

func memoriesToMaps(memories []store.Memory) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(memories))
	for _, m := range memories {
		out = append(out, map[string]interface{}{
			"id":               m.ID,
			"user_id":          m.UserID,
			"content":          m.Content,
			"ai_understanding": m.AIUnderstanding,
			"amount":           m.Amount,
			"occurred_at":      m.OccurredAt,
			"type":             m.Type,
			"thread_id":        m.ThreadID,
			"category":         m.Category,
			"person":           m.Person,
			"created_at":       m.CreatedAt,
			"updated_at":       m.UpdatedAt,
		})
	}
	return out
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
