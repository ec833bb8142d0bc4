package toolservice

import (
	"context"
	"fmt"

	"github.com/familyassist/orchestrator/internal/errs"
)

// dispatchBatch runs batch_store/batch_search/batch_aggregate: each is an
// array of the corresponding single-item tool's arguments, executed
// sequentially under the batch tool's own (larger) time budget (§4.4) and
// under one shared transaction, so a failure partway through a batch_store
// call never leaves earlier items in that same call durably committed while
// later ones are lost — the partial-observer state §5 prohibits. If any
// item's sub-operation fails, the whole batch rolls back and every item's
// result is reported as that same failure.
func (s *Service) dispatchBatch(ctx context.Context, traceID, principal, name string, args map[string]interface{}) (map[string]interface{}, error) {
	itemsRaw, _ := args["items"].([]interface{})
	single := batchItemTool(name)

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, errs.ToolExecution(traceID, principal, err, map[string]any{"tool": name})
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	results := make([]map[string]interface{}, 0, len(itemsRaw))
	var firstErr error
	for _, itemRaw := range itemsRaw {
		item, ok := itemRaw.(map[string]interface{})
		if !ok {
			firstErr = fmt.Errorf("invalid batch item")
			break
		}
		res, err := dispatchSingleWith(ctx, tx, traceID, principal, single, item)
		if err != nil {
			firstErr = err
			break
		}
		results = append(results, res)
	}
	if firstErr != nil {
		return nil, errs.ToolExecution(traceID, principal, firstErr, map[string]any{"tool": name, "completed": len(results)})
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.ToolExecution(traceID, principal, err, map[string]any{"tool": name})
	}
	committed = true
	return map[string]interface{}{"results": results}, nil
}

func batchItemTool(batchName string) string {
	switch batchName {
	case "batch_store":
		return "store"
	case "batch_search":
		return "search"
	case "batch_aggregate":
		return "aggregate"
	default:
		return ""
	}
}

// dispatchSingleWith runs one non-batch tool against ms (the batch's shared
// transaction) without re-wrapping its context in another timeout (the
// batch's own budget already bounds the whole call).
func dispatchSingleWith(ctx context.Context, ms memoryStore, traceID, principal, name string, args map[string]interface{}) (map[string]interface{}, error) {
	switch name {
	case "store":
		return dispatchStoreWith(ctx, ms, traceID, principal, args)
	case "search":
		return dispatchSearchWith(ctx, ms, traceID, principal, args)
	case "aggregate":
		return dispatchAggregateWith(ctx, ms, traceID, principal, args)
	default:
		return nil, errs.ToolExecution(traceID, principal, errUnknownBatchItem(name), nil)
	}
}

func errUnknownBatchItem(name string) error {
	return &batchItemError{name: name}
}

type batchItemError struct{ name string }

func (e *batchItemError) Error() string { return "unknown batch item tool: " + e.name }
