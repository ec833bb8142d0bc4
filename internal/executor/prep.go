package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/familyassist/orchestrator/internal/embedding"
)

const lastStoreIDToken = "$LAST_STORE_ID"

// prepareStep runs the §4.3 per-step argument preparation pipeline (ref
// substitution, scope injection, embedding attachment) and returns the args
// to dispatch. The soft-upsert decision for a `store` step (§4.3 step 3) is
// no longer made here: store.SoftUpsert makes it atomically inside the same
// transaction as the write (§5), so the Tool Service sees a plain `store`
// call regardless of whether ai_data carries an external_id.
func prepareStep(ctx context.Context, tr *embedding.Trace, pctx PlanContext, step Step, lastStoreID string, prior []StepResult) (map[string]interface{}, string, error) {
	substituted, err := substituteArgsMap(step.Args, lastStoreID, pctx.ContextPayload, prior)
	if err != nil {
		return nil, "", err
	}
	step.Args = substituted

	scoped, err := resolveScope(step, pctx)
	if err != nil {
		return nil, "", err
	}
	step.Args = scoped

	tool := step.Tool
	attachEmbeddings(ctx, tr, tool, step.Args)
	return step.Args, tool, nil
}

// substituteRefs walks args and resolves $LAST_STORE_ID, {"use_context": ...}
// and {"arg_from_step": i, "path": ...} references (§4.3 step 1).
func substituteRefs(v interface{}, lastStoreID string, contextPayload map[string]interface{}, prior []StepResult) (interface{}, error) {
	switch t := v.(type) {
	case string:
		if t == lastStoreIDToken {
			if lastStoreID == "" {
				return nil, fmt.Errorf("%s referenced before any successful store", lastStoreIDToken)
			}
			return lastStoreID, nil
		}
		return t, nil

	case map[string]interface{}:
		if name, ok := singleStringField(t, "use_context"); ok {
			val, present := contextPayload[name]
			if !present {
				return nil, fmt.Errorf("use_context %q not present in context_payload", name)
			}
			return val, nil
		}
		if idxF, ok := t["arg_from_step"].(float64); ok {
			path, _ := t["path"].(string)
			idx := int(idxF)
			if idx < 0 || idx >= len(prior) {
				return nil, fmt.Errorf("arg_from_step %d out of range", idx)
			}
			if prior[idx].Error != nil {
				return nil, fmt.Errorf("arg_from_step %d: prior step failed", idx)
			}
			return resolvePath(prior[idx].Result, path)
		}

		out := make(map[string]interface{}, len(t))
		for k, sub := range t {
			resolved, err := substituteRefs(sub, lastStoreID, contextPayload, prior)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil

	case []interface{}:
		out := make([]interface{}, len(t))
		for i, sub := range t {
			resolved, err := substituteRefs(sub, lastStoreID, contextPayload, prior)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil

	default:
		return t, nil
	}
}

func singleStringField(m map[string]interface{}, key string) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	v, ok := m[key].(string)
	return v, ok
}

func resolvePath(v map[string]interface{}, path string) (interface{}, error) {
	var cur interface{} = v
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("path %q: %q is not an object", path, part)
		}
		cur, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
	}
	return cur, nil
}

// substituteArgsMap is substituteRefs specialized to the top-level args map, the
// shape every step actually carries.
func substituteArgsMap(args map[string]interface{}, lastStoreID string, contextPayload map[string]interface{}, prior []StepResult) (map[string]interface{}, error) {
	resolved, err := substituteRefs(args, lastStoreID, contextPayload, prior)
	if err != nil {
		return nil, err
	}
	m, _ := resolved.(map[string]interface{})
	return m, nil
}

// attachEmbeddings implements §4.3 step 4. Embedding failures are
// non-fatal: store proceeds without a vector, search falls back to
// predicate-only retrieval.
func attachEmbeddings(ctx context.Context, tr *embedding.Trace, tool string, args map[string]interface{}) {
	if tr == nil {
		return
	}
	switch tool {
	case "store":
		content, _ := args["content"].(string)
		if content == "" {
			return
		}
		vec, err := tr.Embed(ctx, content)
		if err != nil {
			return
		}
		args["embedding"] = vectorToInterfaces(vec)

	case "search":
		if _, already := args["query_embedding"]; already {
			return
		}
		query, _ := args["query"].(string)
		if query == "" {
			return
		}
		vec, err := tr.Embed(ctx, query)
		if err != nil {
			return
		}
		args["query_embedding"] = vectorToInterfaces(vec)
	}
}

func vectorToInterfaces(vec []float32) []interface{} {
	out := make([]interface{}, len(vec))
	for i, f := range vec {
		out[i] = float64(f)
	}
	return out
}
