// Package executor implements the Tool Executor (§4.3): it runs a
// tool_plan's steps in order against the Tool Service, preparing each
// step's arguments (cross-step references, scope injection, embedding
// attachment) and applying per-tool time budgets and a failure policy that
// never aborts the plan on a single step's error. The soft-upsert decision
// for `store` steps (§4.3 step 3) happens inside the Tool Service's store
// path, not here, so it can run atomically with the write (§5).
//
// Step ordering, retry, and checkpointing run through RunPlanSteps
// (executor.go), which also enforces the configured cap on a plan's step
// count (§9 testable property) before a single step dispatches.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/familyassist/orchestrator/config"
	"github.com/familyassist/orchestrator/internal/embedding"
	"github.com/familyassist/orchestrator/internal/errs"
	"github.com/familyassist/orchestrator/internal/household"
	"github.com/familyassist/orchestrator/internal/scope"
)

// Dispatcher is the Tool Service surface the Tool Executor needs: dispatch
// one tool call and get its result or an *errs.Error back. *toolservice.Service
// satisfies it for the in-process topology, *toolservice.Client for the
// network-addressable one (§2, §6) — the Runner never knows which it was
// wired with.
type Dispatcher interface {
	Dispatch(ctx context.Context, traceID, principal, tool string, args map[string]interface{}) (map[string]interface{}, error)
}

// Step is one entry in a tool_plan.
type Step struct {
	Tool      string
	Args      map[string]interface{}
	Mandatory bool
}

// Plan is the tool_plan the Analysis Engine produced for one message.
type Plan struct {
	Steps []Step
	// ExpectsResults marks that the understanding declared a query-shaped
	// retrieval intent, the trigger for the §4.3 verification loop.
	ExpectsResults bool
}

// StepError is the {error, kind} shape failed steps are reported as; the
// plan continues past it per §4.3's failure policy.
type StepError struct {
	Kind    string
	Message string
}

// StepResult is one step's outcome, success or failure.
type StepResult struct {
	Tool   string
	Result map[string]interface{}
	Error  *StepError
}

// PlanResult is the Tool Executor's contract return value.
type PlanResult struct {
	Results      []StepResult
	LastStoreID  string
	Verification []StepResult
}

// PlanContext carries the per-message state argument preparation needs:
// the principal the plan runs as, the active thread, the resolved
// household view for scope injection, and any context_payload entries
// {"use_context": name} may reference.
type PlanContext struct {
	TraceID           string
	Principal         string
	ThreadID          string
	HouseholdCfg      config.HouseholdConfig
	HouseholdView     household.View
	ContextPayload    map[string]interface{}
}

// Runner executes a Plan against a Tool Service, using an embedding Trace
// for the per-message embedding-cache layer (§4.9). minResults, maxRounds,
// and maxSteps are the §9-configurable knobs (PromptConfig.VerifyMinResults,
// VerifyMaxRounds, MaxPlanSteps) governing, respectively, the verification
// loop's emptiness threshold, its round budget, and the plan-size cap
// RunPlanSteps enforces.
type Runner struct {
	tools      Dispatcher
	embeddings *embedding.Trace

	minResults int
	maxRounds  int
	maxSteps   int

	mu      sync.Mutex
	results map[string]StepResult
}

// NewRunner constructs a Runner for one message's tool_plan, wired to the
// operator-configured verification and plan-size knobs.
func NewRunner(tools Dispatcher, embeddings *embedding.Trace, minResults, maxRounds, maxSteps int) *Runner {
	return &Runner{
		tools:      tools,
		embeddings: embeddings,
		minResults: minResults,
		maxRounds:  maxRounds,
		maxSteps:   maxSteps,
		results:    map[string]StepResult{},
	}
}

// RunPlan executes every step of plan in order, then runs the verification
// loop, and returns the §4.3 contract result.
func (r *Runner) RunPlan(ctx context.Context, pctx PlanContext, plan Plan) (PlanResult, error) {
	runner := &planTaskRunner{r: r, pctx: pctx, plan: plan}
	if _, err := RunPlanSteps(ctx, pctx.TraceID, len(plan.Steps), r.maxSteps, runner); err != nil {
		return PlanResult{}, err
	}

	result := PlanResult{Results: make([]StepResult, len(plan.Steps))}
	for i := range plan.Steps {
		sr := r.results[stepTaskID(i)]
		result.Results[i] = sr
		if sr.Error == nil && sr.Tool == "store" {
			if id, ok := sr.Result["id"].(string); ok && id != "" {
				result.LastStoreID = id
			}
		}
	}

	if plan.ExpectsResults {
		result.Verification = r.verify(ctx, pctx, plan, result.Results)
	}
	return result, nil
}

// planTaskRunner adapts one Plan execution to the generic TaskRunner
// interface: each DAG task corresponds to one plan step.
type planTaskRunner struct {
	r    *Runner
	pctx PlanContext
	plan Plan

	mu        sync.Mutex
	lastStore string
}

func (p *planTaskRunner) RunTask(ctx context.Context, runID string, task PlanTask) error {
	idx, _ := task.Payload["step_index"].(int)
	step := p.plan.Steps[idx]

	p.mu.Lock()
	lastStore := p.lastStore
	p.mu.Unlock()

	prior := make([]StepResult, idx)
	for i := 0; i < idx; i++ {
		prior[i] = p.r.results[stepTaskID(i)]
	}

	prepared, tool, prepErr := prepareStep(ctx, p.r.embeddings, p.pctx, step, lastStore, prior)
	if prepErr != nil {
		p.r.setResult(task.ID, StepResult{Tool: step.Tool, Error: &StepError{Kind: string(errs.KindToolPlanning), Message: prepErr.Error()}})
		if step.Mandatory {
			return prepErr
		}
		return nil
	}

	res, err := p.r.tools.Dispatch(ctx, p.pctx.TraceID, p.pctx.Principal, tool, prepared)
	if err != nil {
		kind := string(errs.KindToolExecution)
		if e, ok := errs.As(err); ok {
			kind = string(e.Kind)
		}
		p.r.setResult(task.ID, StepResult{Tool: tool, Error: &StepError{Kind: kind, Message: err.Error()}})
		if step.Mandatory {
			return err
		}
		return nil
	}

	p.r.setResult(task.ID, StepResult{Tool: tool, Result: res})
	if tool == "store" {
		if id, ok := res["id"].(string); ok {
			p.mu.Lock()
			p.lastStore = id
			p.mu.Unlock()
		}
	}
	return nil
}

func (r *Runner) setResult(taskID string, sr StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[taskID] = sr
}

var _ TaskRunner = (*planTaskRunner)(nil)

// resolveScope implements the §4.3 step-2 scope-injection rule.
func resolveScope(step Step, pctx PlanContext) (map[string]interface{}, error) {
	args := step.Args
	if _, explicit := args["user_id"]; explicit {
		return args, nil
	}
	rawScope, _ := args["scope"].(string)
	if rawScope == "" {
		return args, nil
	}

	person, _ := args["person"].(string)
	if person == "" {
		person, _ = args["person_key"].(string)
	}

	res := scope.Resolve(scope.Kind(rawScope), person, pctx.Principal, pctx.ThreadID, pctx.HouseholdCfg, pctx.HouseholdView)
	if !res.Resolved {
		return nil, fmt.Errorf("could not resolve scope %q for person %q", rawScope, person)
	}

	out := cloneArgs(args)
	out["user_id"] = toInterfaceSlice(res.UserIDs)
	if len(res.ExtraFilters) > 0 {
		filters, _ := out["filters"].(map[string]interface{})
		if filters == nil {
			filters = map[string]interface{}{}
		}
		for k, v := range res.ExtraFilters {
			filters[k] = v
		}
		out["filters"] = filters
	}
	delete(out, "scope")
	delete(out, "person")
	delete(out, "person_key")
	return out, nil
}

func cloneArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
