package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/familyassist/orchestrator/internal/toolservice"
)

// Phase is one of the four block lists a variant names.
type Phase string

const (
	PhaseSystem        Phase = "system"
	PhaseUnderstanding Phase = "understanding"
	PhaseToolPlanning  Phase = "tool_planning"
	PhaseResponse      Phase = "response"
)

const (
	tokenDynamicTools     = "{{DYNAMIC_TOOLS}}"
	tokenDynamicToolSpecs = "{{DYNAMIC_TOOL_SPECS}}"
)

// ToolSpecsFunc supplies the tool-spec table {{DYNAMIC_TOOLS}} and
// {{DYNAMIC_TOOL_SPECS}} substitute with. Injected so the Assembler never
// depends on a live Tool Service connection to do its work.
type ToolSpecsFunc func() ([]toolservice.ToolSpec, error)

// Assembler builds phase prompts from a Catalog, caching the assembled
// result per (variant, phase, channel, tool-spec hash) with a short TTL
// (§4.7).
type Assembler struct {
	catalog   *Catalog
	toolSpecs ToolSpecsFunc
	ttl       time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// New constructs an Assembler over catalog, using toolSpecs to resolve the
// dynamic-tools substitution tokens.
func New(catalog *Catalog, toolSpecs ToolSpecsFunc, ttl time.Duration) *Assembler {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Assembler{catalog: catalog, toolSpecs: toolSpecs, ttl: ttl, cache: make(map[string]cacheEntry)}
}

// Assemble returns the concatenated block text for variantName's phase,
// substituting {{DYNAMIC_TOOLS}}/{{DYNAMIC_TOOL_SPECS}} and applying any
// channel override for response_blocks.
func (a *Assembler) Assemble(variantName string, phase Phase, channel string) (string, error) {
	variant, ok := a.catalog.Variant(variantName)
	if !ok {
		return "", fmt.Errorf("unknown prompt variant %q", variantName)
	}

	hash, err := a.toolSpecHash()
	if err != nil {
		return "", err
	}
	key := strings.Join([]string{variantName, string(phase), channel, hash}, "|")

	if cached, ok := a.lookupCache(key); ok {
		return cached, nil
	}

	names := blockNames(variant, phase, channel)
	text := a.catalog.blockText(names)
	substituted, err := a.substituteDynamicTokens(text)
	if err != nil {
		return "", err
	}

	a.storeCache(key, substituted)
	return substituted, nil
}

func blockNames(v Variant, phase Phase, channel string) []string {
	switch phase {
	case PhaseSystem:
		return v.SystemBlocks
	case PhaseUnderstanding:
		return v.UnderstandingBlocks
	case PhaseToolPlanning:
		return v.ToolPlanningBlocks
	case PhaseResponse:
		if profile, ok := v.channelProfile(channel); ok && len(profile.ResponseBlocks) > 0 {
			return profile.ResponseBlocks
		}
		return v.ResponseBlocks
	default:
		return nil
	}
}

func (a *Assembler) substituteDynamicTokens(text string) (string, error) {
	if !strings.Contains(text, tokenDynamicTools) && !strings.Contains(text, tokenDynamicToolSpecs) {
		return text, nil
	}
	specs, err := a.toolSpecs()
	if err != nil {
		return "", fmt.Errorf("resolve dynamic tool specs: %w", err)
	}
	if strings.Contains(text, tokenDynamicTools) {
		text = strings.ReplaceAll(text, tokenDynamicTools, compactToolListing(specs))
	}
	if strings.Contains(text, tokenDynamicToolSpecs) {
		full, err := json.Marshal(specs)
		if err != nil {
			return "", fmt.Errorf("marshal tool specs: %w", err)
		}
		text = strings.ReplaceAll(text, tokenDynamicToolSpecs, string(full))
	}
	return text, nil
}

func compactToolListing(specs []toolservice.ToolSpec) string {
	var sb strings.Builder
	for _, s := range specs {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", s.Name, s.Description))
	}
	return sb.String()
}

func (a *Assembler) toolSpecHash() (string, error) {
	specs, err := a.toolSpecs()
	if err != nil {
		return "", fmt.Errorf("resolve tool specs: %w", err)
	}
	body, err := json.Marshal(specs)
	if err != nil {
		return "", fmt.Errorf("marshal tool specs: %w", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

func (a *Assembler) lookupCache(key string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.value, true
}

func (a *Assembler) storeCache(key, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache[key] = cacheEntry{value: value, expiresAt: time.Now().Add(a.ttl)}
}
