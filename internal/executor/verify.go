package executor

import (
	"context"
)

// defaultVerifyMinResults and defaultVerifyMaxRounds back r.minResults /
// r.maxRounds when a Runner is constructed with a non-positive value (§9:
// VERIFY_MIN_RESULTS defaults to 1, VERIFY_MAX_ROUNDS defaults to 2).
const (
	defaultVerifyMinResults = 1
	defaultVerifyMaxRounds  = 2
)

// verify runs the §4.3 verification loop: if the plan declared a
// query-shaped retrieval intent but its last search step came back under
// r.minResults, issue progressively broader refinement searches, up to
// r.maxRounds additional attempts.
func (r *Runner) verify(ctx context.Context, pctx PlanContext, plan Plan, results []StepResult) []StepResult {
	minResults := r.minResults
	if minResults <= 0 {
		minResults = defaultVerifyMinResults
	}
	maxRounds := r.maxRounds
	if maxRounds <= 0 {
		maxRounds = defaultVerifyMaxRounds
	}

	lastSearchIdx := -1
	for i := len(plan.Steps) - 1; i >= 0; i-- {
		if plan.Steps[i].Tool == "search" {
			lastSearchIdx = i
			break
		}
	}
	if lastSearchIdx == -1 {
		return nil
	}
	last := results[lastSearchIdx]
	if last.Error != nil || !searchUnderMin(last.Result, minResults) {
		return nil
	}

	baseArgs := cloneArgs(plan.Steps[lastSearchIdx].Args)
	var extra []StepResult
	for round := 0; round < maxRounds; round++ {
		args := broadenSearchArgs(baseArgs, round)
		res, err := r.tools.Dispatch(ctx, pctx.TraceID, pctx.Principal, "search", args)
		if err != nil {
			extra = append(extra, StepResult{Tool: "search", Error: &StepError{Kind: "tool_execution", Message: err.Error()}})
			continue
		}
		extra = append(extra, StepResult{Tool: "search", Result: res})
		if !searchUnderMin(res, minResults) {
			break
		}
	}
	return extra
}

// searchUnderMin reports whether a search result's hit count falls short of
// the configured VERIFY_MIN_RESULTS threshold.
func searchUnderMin(res map[string]interface{}, minResults int) bool {
	if res == nil {
		return true
	}
	list, ok := res["results"].([]map[string]interface{})
	if !ok {
		return true
	}
	return len(list) < minResults
}

// broadenSearchArgs widens a search call's constraints on each refinement
// round: round 0 drops the amount/date windows, round 1 additionally drops
// the type/category/person/jsonb_equals filters, the query and any
// query_embedding, falling back to a plain occurred_at-ordered scan that
// still honours any other filter (e.g. thread_id) (§4.3, §4.4 ranking
// policy default).
func broadenSearchArgs(base map[string]interface{}, round int) map[string]interface{} {
	args := cloneArgs(base)
	filters, _ := args["filters"].(map[string]interface{})
	if filters == nil {
		filters = map[string]interface{}{}
	}
	filters = cloneArgs(filters)
	delete(filters, "date_from")
	delete(filters, "date_to")
	delete(filters, "amount_min")
	delete(filters, "amount_max")

	if round >= 1 {
		delete(filters, "type")
		delete(filters, "category")
		delete(filters, "person")
		delete(filters, "jsonb_equals")
		delete(args, "query_embedding")
		delete(args, "query")
	}
	args["filters"] = filters
	return args
}
