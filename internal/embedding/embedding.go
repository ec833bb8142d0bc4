// Package embedding implements the Embedding Provider and the two-layer
// Embedding Cache described in §4.9: a short-lived per-trace cache and a
// process-wide LRU with TTL.
package embedding

import (
	"bytes"
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/familyassist/orchestrator/config"
)

// Provider generates fixed-dimension vectors for text via an
// OpenAI-compatible embeddings endpoint.
type Provider struct {
	cfg   config.EmbeddingConfig
	http  *http.Client
	cache *processCache
}

// New constructs a Provider backed by the process-wide LRU described in
// §4.9. Call NewTrace per inbound message for the per-trace layer.
func New(cfg config.EmbeddingConfig) *Provider {
	return &Provider{
		cfg:   cfg,
		http:  &http.Client{Timeout: 30 * time.Second},
		cache: newProcessCache(cfg.CacheMaxItems, cfg.CacheTTL),
	}
}

// Trace is the per-message cache layer: created when a message begins,
// discarded when it ends, deduping repeated embeddings of identical text
// within that one message.
type Trace struct {
	provider *Provider
	mu       sync.Mutex
	seen     map[string][]float32
}

// NewTrace starts a per-trace cache scoped to one inbound message.
func (p *Provider) NewTrace() *Trace {
	return &Trace{provider: p, seen: make(map[string][]float32)}
}

// Embed returns the embedding for text, consulting the trace cache, then the
// process-wide LRU, then the provider itself.
func (t *Trace) Embed(ctx context.Context, text string) ([]float32, error) {
	t.mu.Lock()
	if v, ok := t.seen[text]; ok {
		t.mu.Unlock()
		return v, nil
	}
	t.mu.Unlock()

	vec, err := t.provider.embed(ctx, text)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.seen[text] = vec
	t.mu.Unlock()
	return vec, nil
}

func (p *Provider) embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := p.cache.get(text); ok {
		return v, nil
	}

	vecs, err := p.embedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedding provider returned no vectors")
	}
	p.cache.put(text, vecs[0])
	return vecs[0], nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (p *Provider) embedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(embedRequest{Model: p.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	baseURL := p.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding provider status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	vecs := make([][]float32, len(out.Data))
	for _, d := range out.Data {
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// processCache is the process-wide LRU with TTL (§4.9 second layer).
type processCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	ll       *list.List
	items    map[string]*list.Element
}

type cacheItem struct {
	key       string
	value     []float32
	expiresAt time.Time
}

func newProcessCache(capacity int, ttl time.Duration) *processCache {
	if capacity <= 0 {
		capacity = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &processCache{capacity: capacity, ttl: ttl, ll: list.New(), items: make(map[string]*list.Element)}
}

func (c *processCache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	item := el.Value.(*cacheItem)
	if time.Now().After(item.expiresAt) {
		c.ll.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return item.value, true
}

func (c *processCache) put(key string, value []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*cacheItem).value = value
		el.Value.(*cacheItem).expiresAt = time.Now().Add(c.ttl)
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&cacheItem{key: key, value: value, expiresAt: time.Now().Add(c.ttl)})
	c.items[key] = el

	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheItem).key)
	}
}
