package context

import (
	"context"
	"testing"
	"time"

	"github.com/familyassist/orchestrator/internal/store"
)

type fakeStore struct {
	calls   int
	byLimit map[int][]store.Memory
	err     error
}

func (f *fakeStore) SearchMemories(ctx context.Context, userIDs []string, q store.SearchQuery) ([]store.Memory, int, error) {
	f.calls++
	if f.err != nil {
		return nil, 0, f.err
	}
	rows := f.byLimit[q.Limit]
	return rows, len(rows), nil
}

func memRow(id string, occurredAt time.Time) store.Memory {
	return store.Memory{ID: id, UserID: "user-1", Content: id, OccurredAt: &occurredAt, CreatedAt: occurredAt, UpdatedAt: occurredAt}
}

func TestBasicContextReturnsChronologicalLightContext(t *testing.T) {
	t0 := time.Now()
	newestFirst := []store.Memory{
		memRow("newest", t0.Add(3 * time.Hour)),
		memRow("middle", t0.Add(2 * time.Hour)),
		memRow("oldest", t0.Add(1 * time.Hour)),
	}
	st := &fakeStore{byLimit: map[int][]store.Memory{defaultLightContextSize: newestFirst}}
	mgr := New(st, nil, nil)

	bc, err := mgr.BasicContext(context.Background(), ResolveContext{Principal: "user-1"})
	if err != nil {
		t.Fatalf("BasicContext: %v", err)
	}
	if len(bc.LightContext) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(bc.LightContext))
	}
	if bc.LightContext[0]["id"] != "oldest" || bc.LightContext[2]["id"] != "newest" {
		t.Fatalf("expected chronological order, got %+v", bc.LightContext)
	}
}

func TestResolveRunsRequestsConcurrentlyAndKeysByName(t *testing.T) {
	st := &fakeStore{byLimit: map[int][]store.Memory{
		defaultRequestLimit:       {memRow("recent-1", time.Now())},
		defaultThreadSummaryLimit: {memRow("summary-1", time.Now())},
	}}
	mgr := New(st, nil, nil)

	requests := []Request{
		{Name: "recent", Kind: RecentMemories, Params: map[string]interface{}{}},
		{Name: "summaries", Kind: ThreadSummaries, Params: map[string]interface{}{}},
	}
	payload := mgr.Resolve(context.Background(), ResolveContext{Principal: "user-1", ThreadID: "thread-1"}, nil, requests)

	if _, ok := payload["recent"]; !ok {
		t.Fatalf("expected a 'recent' entry, got %+v", payload)
	}
	if _, ok := payload["summaries"]; !ok {
		t.Fatalf("expected a 'summaries' entry, got %+v", payload)
	}
	if st.calls != 2 {
		t.Fatalf("expected 2 store calls, got %d", st.calls)
	}
}

func TestResolveThreadSummariesWithoutThreadIDReturnsError(t *testing.T) {
	st := &fakeStore{}
	mgr := New(st, nil, nil)
	payload := mgr.Resolve(context.Background(), ResolveContext{Principal: "user-1"}, nil, []Request{
		{Name: "summaries", Kind: ThreadSummaries},
	})
	entry, ok := payload["summaries"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected an error entry, got %+v", payload["summaries"])
	}
	if _, ok := entry["error"]; !ok {
		t.Fatalf("expected entry to carry an error, got %+v", entry)
	}
}

func TestResolveUnsupportedKindReturnsError(t *testing.T) {
	st := &fakeStore{}
	mgr := New(st, nil, nil)
	payload := mgr.Resolve(context.Background(), ResolveContext{Principal: "user-1"}, nil, []Request{
		{Name: "bogus", Kind: RequestKind("nope")},
	})
	entry, ok := payload["bogus"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected an error entry, got %+v", payload["bogus"])
	}
	if _, ok := entry["error"]; !ok {
		t.Fatalf("expected entry to carry an error, got %+v", entry)
	}
}
