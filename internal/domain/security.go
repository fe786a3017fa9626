package domain

import (
	"context"
	"time"
)

type SecurityAction string

const (
	ActionAllow   SecurityAction = "allow"
	ActionBlock   SecurityAction = "block"
	ActionConfirm SecurityAction = "confirm"
)

// Policy decides whether a tool may act on a subject (usually a workspace-relative path).
type Policy interface {
	Check(ctx context.Context, toolName string, subject string) (SecurityAction, error)
	RequestConfirmation(ctx context.Context, toolName string, subject string) (bool, error)
}

type AuditEntry struct {
	Action   string // tool_exec | command_blocked | confirm_yes | confirm_no
	ToolName string
	Command  string
	Result   string // allowed | blocked | confirmed | denied
	Details  string
}

// ToolCallRecord is what the audit store keeps for every dispatched call.
type ToolCallRecord struct {
	CallID     string
	ToolName   string
	Arguments  map[string]any
	Failed     bool
	ErrorKind  ErrorKind
	OutputSize int
	Duration   time.Duration
	CreatedAt  time.Time
}
