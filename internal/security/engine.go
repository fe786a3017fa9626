package security

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"codeagent/internal/config"
	"codeagent/internal/domain"
)

// ConfirmFunc asks the operator a yes/no question.
type ConfirmFunc func(ctx context.Context, question string) (bool, error)

// AuditLogger is the interface for writing audit entries.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry domain.AuditEntry) error
}

// Engine matches tool subjects against blacklist, whitelist and confirm patterns.
type Engine struct {
	cfg         config.SecurityConfig
	confirmFn   ConfirmFunc
	auditLogger AuditLogger
	logger      *slog.Logger

	blacklistRe []*regexp.Regexp
	whitelistRe []*regexp.Regexp
	confirmRe   []*regexp.Regexp
}

func NewEngine(cfg config.SecurityConfig, confirmFn ConfirmFunc, auditLogger AuditLogger, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:         cfg,
		confirmFn:   confirmFn,
		auditLogger: auditLogger,
		logger:      logger,
	}

	var err error
	e.blacklistRe, err = compilePatterns(cfg.Blacklist)
	if err != nil {
		return nil, fmt.Errorf("invalid blacklist pattern: %w", err)
	}

	e.whitelistRe, err = compilePatterns(cfg.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("invalid whitelist pattern: %w", err)
	}

	e.confirmRe, err = compilePatterns(cfg.ConfirmPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid confirm pattern: %w", err)
	}

	return e, nil
}

// Check classifies a call. Subjects are cleaned and matched in slash form, so
// ".env/." and "a/../.env" meet the same patterns as ".env".
func (e *Engine) Check(ctx context.Context, toolName string, subject string) (domain.SecurityAction, error) {
	subj := path.Clean(filepath.ToSlash(strings.TrimSpace(subject)))

	for _, re := range e.blacklistRe {
		if re.MatchString(subj) {
			e.logger.Warn("call blocked by blacklist",
				"tool", toolName,
				"subject", subj,
				"pattern", re.String(),
			)
			e.logAction(ctx, "command_blocked", toolName, subj, "blocked", "blacklist match: "+re.String())
			return domain.ActionBlock, nil
		}
	}

	for _, re := range e.whitelistRe {
		if re.MatchString(subj) {
			e.logAction(ctx, "tool_exec", toolName, subj, "allowed", "whitelist match: "+re.String())
			return domain.ActionAllow, nil
		}
	}

	if slices.Contains(e.cfg.ConfirmTools, toolName) {
		e.logger.Info("tool requires confirmation", "tool", toolName, "subject", subj)
		return domain.ActionConfirm, nil
	}

	for _, re := range e.confirmRe {
		if re.MatchString(subj) {
			e.logger.Info("call requires confirmation",
				"tool", toolName,
				"subject", subj,
			)
			return domain.ActionConfirm, nil
		}
	}

	switch e.cfg.DefaultPolicy {
	case "allow", "":
		e.logAction(ctx, "tool_exec", toolName, subj, "allowed", "default policy: allow")
		return domain.ActionAllow, nil
	case "deny":
		e.logAction(ctx, "command_blocked", toolName, subj, "blocked", "default policy: deny")
		return domain.ActionBlock, nil
	default: // "ask"
		return domain.ActionConfirm, nil
	}
}

func (e *Engine) RequestConfirmation(ctx context.Context, toolName string, subject string) (bool, error) {
	if e.confirmFn == nil {
		e.logAction(ctx, "confirm_no", toolName, subject, "denied", "no confirmation handler")
		return false, nil
	}

	question := fmt.Sprintf("Allow %s on '%s'? [y/N] ", toolName, subject)
	confirmed, err := e.confirmFn(ctx, question)
	if err != nil {
		e.logAction(ctx, "confirm_no", toolName, subject, "denied", "confirmation error: "+err.Error())
		return false, err
	}

	if confirmed {
		e.logAction(ctx, "confirm_yes", toolName, subject, "confirmed", "user confirmed")
	} else {
		e.logAction(ctx, "confirm_no", toolName, subject, "denied", "user denied")
	}

	return confirmed, nil
}

func (e *Engine) logAction(ctx context.Context, action, toolName, subject, result, details string) {
	if !e.cfg.AuditLog || e.auditLogger == nil {
		return
	}
	err := e.auditLogger.LogAudit(ctx, domain.AuditEntry{
		Action:   action,
		ToolName: toolName,
		Command:  subject,
		Result:   result,
		Details:  details,
	})
	if err != nil {
		e.logger.Warn("audit write failed", "action", action, "err", err)
	}
}

// compilePatterns turns plain strings into case-insensitive substring matches.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		var re *regexp.Regexp
		var err error
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func isRegex(s string) bool {
	return strings.ContainsAny(s, `()[]{}|^$.*+?\`)
}

var _ domain.Policy = (*Engine)(nil)
