package domain

import (
	"context"
	"fmt"
	"time"
)

// Tool is the interface for the local capabilities the planner can invoke.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ToolCall is a single request from the planner. It is consumed once.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ErrorKind classifies a failed tool call.
type ErrorKind string

const (
	KindConfinement     ErrorKind = "confinement_violation"
	KindNotFound        ErrorKind = "not_found"
	KindWrongType       ErrorKind = "wrong_type"
	KindUnsupportedType ErrorKind = "unsupported_file_type"
	KindIO              ErrorKind = "io_failure"
	KindTimeout         ErrorKind = "process_timeout"
	KindSpawn           ErrorKind = "process_spawn_failure"
	KindUnknownTool     ErrorKind = "unknown_tool"
	KindInvalidArgs     ErrorKind = "invalid_arguments"
	KindPolicyDenied    ErrorKind = "policy_denied"
	KindInternal        ErrorKind = "internal"
)

// ToolError is the typed error returned by tools. Preamble is text that precedes
// the "Error: " marker when the error is rendered for the planner.
type ToolError struct {
	Kind     ErrorKind
	Message  string
	Preamble string
}

func (e *ToolError) Error() string { return e.Message }

// Text renders the error the way the planner sees it.
func (e *ToolError) Text() string {
	return e.Preamble + "Error: " + e.Message
}

// NewToolError builds a ToolError with a formatted message.
func NewToolError(kind ErrorKind, format string, args ...any) *ToolError {
	return &ToolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Result is the outcome of one dispatched tool call: either Output or Err is meaningful.
type Result struct {
	CallID   string
	Tool     string
	Output   string
	Err      *ToolError
	Duration time.Duration
}

func (r Result) Failed() bool { return r.Err != nil }

// String serializes the result for the planner boundary.
func (r Result) String() string {
	if r.Err != nil {
		return r.Err.Text()
	}
	return r.Output
}

// Envelope wraps the result in the named field the planner expects.
func (r Result) Envelope() map[string]any {
	if r.Err != nil {
		return map[string]any{"error": r.Err.Text()}
	}
	return map[string]any{"result": r.Output}
}
