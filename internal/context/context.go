// Package context implements the Context Manager (§4.2): the basic context
// fetched once per message, plus on-demand context_requests the Analysis
// Engine's thinking loop resolves in parallel and folds into
// context_payload.
package context

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/familyassist/orchestrator/config"
	"github.com/familyassist/orchestrator/internal/embedding"
	"github.com/familyassist/orchestrator/internal/household"
	"github.com/familyassist/orchestrator/internal/scope"
	"github.com/familyassist/orchestrator/internal/store"
)

const defaultLightContextSize = 4

// householdBlobTypes are the family_default memory types the basic context
// surfaces alongside members_index (§4.2 "seasonal hints, important info,
// contacts").
var householdBlobTypes = []string{"important_info", "contacts", "seasonal_hint"}

// storeAPI is the subset of *store.Store the Context Manager needs.
type storeAPI interface {
	SearchMemories(ctx context.Context, userIDs []string, q store.SearchQuery) ([]store.Memory, int, error)
}

// RequestKind is one of the four on-demand context_request shapes (§4.2).
type RequestKind string

const (
	RecentMemories  RequestKind = "recent_memories"
	SemanticSearch  RequestKind = "semantic_search"
	DirectSearch    RequestKind = "direct_search"
	ThreadSummaries RequestKind = "thread_summaries"
)

// Request is one entry of the Analysis Engine's context_requests.
type Request struct {
	Name   string
	Kind   RequestKind
	Params map[string]interface{}
}

// ResolveContext carries the per-message state request resolution needs:
// who's asking, which thread, and the household view for scope injection.
type ResolveContext struct {
	TraceID       string
	Principal     string
	ThreadID      string
	HouseholdCfg  config.HouseholdConfig
	HouseholdView household.View
}

// BasicContext is fetched once per message, before the first analysis round.
type BasicContext struct {
	LightContext []map[string]interface{}
	Household    map[string]interface{}
}

// Manager resolves the Context Manager's basic and on-demand context.
type Manager struct {
	store            storeAPI
	households       *household.Service
	lightContextSize int
	logger           *log.Logger
}

// New constructs a Manager backed by the primary store and household
// service.
func New(st storeAPI, households *household.Service, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "[CONTEXT] ", log.LstdFlags)
	}
	return &Manager{store: st, households: households, lightContextSize: defaultLightContextSize, logger: logger}
}

// BasicContext implements the §4.2 basic context: the last N memories on
// thread_id if present else globally, plus the household view.
func (m *Manager) BasicContext(ctx context.Context, rctx ResolveContext) (BasicContext, error) {
	filters := store.Filters{}
	if rctx.ThreadID != "" {
		filters.ThreadID = rctx.ThreadID
	}
	memories, _, err := m.store.SearchMemories(ctx, []string{rctx.Principal}, store.SearchQuery{
		Filters: filters,
		Limit:   m.lightContextSize,
	})
	if err != nil {
		return BasicContext{}, fmt.Errorf("light context: %w", err)
	}

	bc := BasicContext{LightContext: chronological(memoriesToMaps(memories))}

	if m.households == nil {
		return bc, nil
	}
	view, ok, err := m.households.ViewForUser(ctx, rctx.Principal)
	if err != nil {
		return BasicContext{}, fmt.Errorf("household view: %w", err)
	}
	if !ok {
		return bc, nil
	}
	bc.Household = map[string]interface{}{
		"household_id":  view.HouseholdID,
		"members_index": membersIndexToMap(view),
		"blobs":         m.householdBlobs(ctx, rctx.HouseholdCfg),
	}
	return bc, nil
}

func (m *Manager) householdBlobs(ctx context.Context, cfg config.HouseholdConfig) map[string]interface{} {
	out := map[string]interface{}{}
	principal := cfg.FamilyDefaultPrincipal
	if principal == "" {
		return out
	}
	for _, typ := range householdBlobTypes {
		memories, _, err := m.store.SearchMemories(ctx, []string{principal}, store.SearchQuery{
			Filters: store.Filters{Type: typ},
			Limit:   5,
		})
		if err != nil {
			m.logger.Printf("household blob %q: %v", typ, err)
			continue
		}
		if len(memories) > 0 {
			out[typ] = memoriesToMaps(memories)
		}
	}
	return out
}

func membersIndexToMap(view household.View) map[string]interface{} {
	out := make(map[string]interface{}, len(view.MembersIndex))
	for key, entry := range view.MembersIndex {
		out[key] = map[string]interface{}{
			"user_ids":     entry.UserIDs,
			"display_name": entry.DisplayName,
			"role":         entry.Role,
			"life_status":  entry.LifeStatus,
			"profile":      entry.Profile,
		}
	}
	return out
}

// Resolve runs every request in requests concurrently (§4.2 "requests within
// one round are resolved in parallel") and returns a context_payload keyed
// by request name.
func (m *Manager) Resolve(ctx context.Context, rctx ResolveContext, tr *embedding.Trace, requests []Request) map[string]interface{} {
	payload := make(map[string]interface{}, len(requests))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, req := range requests {
		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			val, err := m.resolveOne(ctx, rctx, tr, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				payload[req.Name] = map[string]interface{}{"error": err.Error()}
				return
			}
			payload[req.Name] = val
		}(req)
	}
	wg.Wait()
	return payload
}

func (m *Manager) resolveOne(ctx context.Context, rctx ResolveContext, tr *embedding.Trace, req Request) (interface{}, error) {
	switch req.Kind {
	case RecentMemories:
		return m.recentMemories(ctx, rctx, req.Params)
	case SemanticSearch:
		return m.semanticSearch(ctx, rctx, tr, req.Params)
	case DirectSearch:
		return m.directSearch(ctx, rctx, req.Params)
	case ThreadSummaries:
		return m.threadSummaries(ctx, rctx, req.Params)
	default:
		return nil, fmt.Errorf("unsupported context_request kind %q", req.Kind)
	}
}

// requestScope resolves the user_id/extra-filters a context_request should
// run against, defaulting to the current principal when no scope is
// declared (§9 open question: on-demand requests are personal by default).
func requestScope(rctx ResolveContext, params map[string]interface{}) ([]string, map[string]interface{}, error) {
	rawScope, _ := params["scope"].(string)
	if rawScope == "" {
		return []string{rctx.Principal}, nil, nil
	}
	person, _ := params["person"].(string)
	if person == "" {
		person, _ = params["person_key"].(string)
	}
	res := scope.Resolve(scope.Kind(rawScope), person, rctx.Principal, rctx.ThreadID, rctx.HouseholdCfg, rctx.HouseholdView)
	if !res.Resolved {
		return nil, nil, fmt.Errorf("could not resolve scope %q for person %q", rawScope, person)
	}
	return res.UserIDs, res.ExtraFilters, nil
}

func paramsFilters(params map[string]interface{}) store.Filters {
	raw, _ := params["filters"].(map[string]interface{})
	return filtersFromRaw(raw)
}

func memoriesToMaps(memories []store.Memory) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(memories))
	for _, mem := range memories {
		out = append(out, map[string]interface{}{
			"id":               mem.ID,
			"user_id":          mem.UserID,
			"content":          mem.Content,
			"ai_understanding": mem.AIUnderstanding,
			"amount":           mem.Amount,
			"occurred_at":      mem.OccurredAt,
			"type":             mem.Type,
			"thread_id":        mem.ThreadID,
			"category":         mem.Category,
			"person":           mem.Person,
			"created_at":       mem.CreatedAt,
			"updated_at":       mem.UpdatedAt,
		})
	}
	return out
}

// chronological reverses a newest-first result set for display, per §4.2
// "ordered newest-first but emitted chronologically".
func chronological(newestFirst []map[string]interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, len(newestFirst))
	for i, v := range newestFirst {
		out[len(newestFirst)-1-i] = v
	}
	return out
}
