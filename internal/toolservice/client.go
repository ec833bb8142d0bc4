package toolservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/familyassist/orchestrator/config"
	"github.com/familyassist/orchestrator/internal/errs"
)

// Client calls a Tool Service process over HTTP (§4.4, §6): the ingress
// process (cmd/api) routes its tool calls through this client to whatever
// address tool_service.url names, same as any other caller of the Tool
// Service's own network surface (cmd/toolservice). cmd/api still opens the
// Persistent Store itself for principals, channel bindings, households and
// experiments, and the dispatcher (cmd/reminderd) calls the store directly. It satisfies the same
// Dispatch signature as *Service, so executor.Runner and orchestrator.New
// take either one interchangeably.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a Tool Service client from the tool_service config
// section. apiKey is the plaintext counterpart of the hash the tool
// service's own process verifies (tool_service.api_key_hash); leave it
// empty when the tool service has no API key configured.
func NewClient(cfg config.ToolServiceConfig) *Client {
	return &Client{
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

type clientDispatchRequest struct {
	TraceID   string                 `json:"trace_id"`
	Principal string                 `json:"principal"`
	Args      map[string]interface{} `json:"args"`
}

type clientDispatchResponse struct {
	Result map[string]interface{} `json:"result"`
	Error  *errorBody             `json:"error"`
}

// Dispatch POSTs to /tool/<name> on the remote Tool Service, the same route
// Handler.dispatch serves, and decodes its §6 error envelope back into an
// *errs.Error rather than a transport error (the tool service always
// answers HTTP 200; failures live in the body).
func (c *Client) Dispatch(ctx context.Context, traceID, principal, name string, args map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(clientDispatchRequest{TraceID: traceID, Principal: principal, Args: args})
	if err != nil {
		return nil, errs.ToolExecution(traceID, principal, fmt.Errorf("marshal tool service request: %w", err), map[string]any{"tool": name})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tool/"+name, bytes.NewReader(body))
	if err != nil {
		return nil, errs.ToolExecution(traceID, principal, fmt.Errorf("build tool service request: %w", err), map[string]any{"tool": name})
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Tool-Service-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.ToolExecution(traceID, principal, fmt.Errorf("call tool service: %w", err), map[string]any{"tool": name})
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.ToolExecution(traceID, principal, fmt.Errorf("tool service status %d", resp.StatusCode), map[string]any{"tool": name})
	}

	var out clientDispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.ToolExecution(traceID, principal, fmt.Errorf("decode tool service response: %w", err), map[string]any{"tool": name})
	}
	if out.Error != nil {
		return nil, errs.ToolExecution(traceID, principal, fmt.Errorf("%s: %s", out.Error.Kind, out.Error.Message), map[string]any{"tool": name})
	}
	return out.Result, nil
}

// ListTools fetches the signed tool spec table from GET /tools, used by the
// health check (§6) to confirm the remote tool service is both reachable
// and serving specs this process's signing secret can verify.
func (c *Client) ListTools(ctx context.Context) ([]ToolSpec, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools", nil)
	if err != nil {
		return nil, fmt.Errorf("build tool service request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Tool-Service-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call tool service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool service status %d", resp.StatusCode)
	}

	var out struct {
		Tools []ToolSpec `json:"tools"`
		Error *errorBody `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tool service response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("%s: %s", out.Error.Kind, out.Error.Message)
	}
	return out.Tools, nil
}
