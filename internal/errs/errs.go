// Package errs implements the error taxonomy the orchestration engine uses to
// carry trace context through every layer without resorting to panics for
// expected outcomes (need_clarification, step failed, and so on).
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies one of the taxonomy entries.
type Kind string

const (
	KindAnalysis           Kind = "analysis"
	KindContextResolution  Kind = "context_resolution"
	KindToolPlanning       Kind = "tool_planning"
	KindMCPTool            Kind = "mcp_tool"
	KindToolTimeout        Kind = "tool_timeout"
	KindToolExecution      Kind = "tool_execution"
	KindLLM                Kind = "llm"
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindInternal           Kind = "internal"
)

// Error is the concrete type behind every taxonomy entry. It carries the
// fields every error in the taxonomy must carry: trace_id, principal, a
// free-form context bag, and the wrapped cause.
type Error struct {
	Kind      Kind
	TraceID   string
	Principal string
	Context   map[string]any
	Cause     error
	Message   string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

func new_(kind Kind, traceID, principal string, cause error, ctx map[string]any) *Error {
	return &Error{Kind: kind, TraceID: traceID, Principal: principal, Cause: cause, Context: ctx}
}

func Analysis(traceID, principal string, cause error, ctx map[string]any) *Error {
	return new_(KindAnalysis, traceID, principal, cause, ctx)
}

func ContextResolution(traceID, principal string, cause error, ctx map[string]any) *Error {
	return new_(KindContextResolution, traceID, principal, cause, ctx)
}

func ToolPlanning(traceID, principal string, cause error, ctx map[string]any) *Error {
	return new_(KindToolPlanning, traceID, principal, cause, ctx)
}

func MCPTool(traceID, principal string, cause error, ctx map[string]any) *Error {
	return new_(KindMCPTool, traceID, principal, cause, ctx)
}

func ToolTimeout(traceID, principal string, cause error, ctx map[string]any) *Error {
	return new_(KindToolTimeout, traceID, principal, cause, ctx)
}

func ToolExecution(traceID, principal string, cause error, ctx map[string]any) *Error {
	return new_(KindToolExecution, traceID, principal, cause, ctx)
}

func LLM(traceID, principal string, cause error, ctx map[string]any) *Error {
	return new_(KindLLM, traceID, principal, cause, ctx)
}

// As reports whether err is (or wraps) an *Error and, if so, returns it.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// FriendlyMessage selects the user-facing reply string for an error kind,
// per §7's propagation policy: uncaught errors are converted, never leaked.
func FriendlyMessage(kind Kind) string {
	switch kind {
	case KindAnalysis:
		return "I had trouble understanding your message."
	case KindContextResolution:
		return "I couldn't look up what I needed to answer that."
	case KindToolPlanning, KindMCPTool, KindToolExecution, KindToolTimeout:
		return "I couldn't complete that action."
	case KindLLM:
		return "I'm having trouble responding right now, please try again."
	default:
		return "Something went wrong on my end."
	}
}
