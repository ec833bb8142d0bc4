package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/familyassist/orchestrator/internal/analysis"
	"github.com/familyassist/orchestrator/internal/executor"
)

// responsePayload is the user-message shape handed to chat_text for final
// reply generation (§4.6): the echoed understanding, the tool plan's
// execution and verification results (including any errors), and the
// response directives the Analysis Engine produced.
type responsePayload struct {
	Understanding   analysis.Understanding      `json:"understanding"`
	ExecutionResult []executor.StepResult       `json:"execution_result"`
	Verification    []executor.StepResult       `json:"verification,omitempty"`
	Directives      analysis.ResponseDirectives `json:"response_directives,omitempty"`
}

func marshalResponsePayload(p responsePayload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal response payload: %w", err)
	}
	return string(body), nil
}
