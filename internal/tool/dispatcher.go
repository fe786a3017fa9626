package tool

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"time"

	"codeagent/internal/domain"
	"codeagent/internal/metrics"
	"codeagent/internal/sandbox"
)

// AuditRecorder persists one record per dispatched call.
type AuditRecorder interface {
	RecordToolCall(ctx context.Context, rec domain.ToolCallRecord) error
}

// DispatcherConfig holds the confinement root and the tool limits.
type DispatcherConfig struct {
	Guard        *sandbox.Guard
	MaxReadChars int
	Runner       RunnerConfig
	Policy       domain.Policy      // optional
	Audit        AuditRecorder      // optional
	Metrics      *metrics.Collector // optional
	Logger       *slog.Logger
}

// Dispatcher maps planner tool calls onto the fixed set of workspace tools.
// Every call yields exactly one Result; nothing a tool does escapes as a panic.
type Dispatcher struct {
	guard   *sandbox.Guard
	tools   map[string]domain.Tool
	policy  domain.Policy
	audit   AuditRecorder
	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Guard == nil {
		return nil, errors.New("dispatcher: sandbox guard is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		guard:   cfg.Guard,
		tools:   make(map[string]domain.Tool),
		policy:  cfg.Policy,
		audit:   cfg.Audit,
		metrics: cfg.Metrics,
		logger:  logger,
	}
	d.register(NewListDirTool(cfg.Guard))
	d.register(NewReadFileTool(cfg.Guard, cfg.MaxReadChars))
	d.register(NewWriteFileTool(cfg.Guard))
	d.register(NewRunScriptTool(cfg.Guard, cfg.Runner))
	return d, nil
}

func (d *Dispatcher) register(t domain.Tool) {
	d.tools[t.Name()] = t
	d.logger.Debug("registered tool", "name", t.Name())
}

func (d *Dispatcher) Get(name string) domain.Tool {
	return d.tools[name]
}

// Dispatch runs one tool call to completion.
func (d *Dispatcher) Dispatch(ctx context.Context, call domain.ToolCall) domain.Result {
	start := time.Now()
	out, err := d.invoke(ctx, call)

	res := domain.Result{CallID: call.ID, Tool: call.Name, Duration: time.Since(start)}
	var kind string
	if err != nil {
		res.Err = asToolError(err)
		kind = string(res.Err.Kind)
		d.logger.Warn("tool call failed", "tool", call.Name, "kind", res.Err.Kind, "err", res.Err.Message)
	} else {
		res.Output = out
		d.logger.Debug("tool call done", "tool", call.Name, "output_len", len(out), "duration", res.Duration)
	}
	d.metrics.ObserveToolCall(call.Name, kind, res.Duration)
	d.record(ctx, call, res)
	return res
}

func (d *Dispatcher) invoke(ctx context.Context, call domain.ToolCall) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked", "tool", call.Name, "panic", r)
			err = domain.NewToolError(domain.KindInternal, "calling %s: %v", call.Name, r)
		}
	}()

	t, ok := d.tools[call.Name]
	if !ok {
		return "", domain.NewToolError(domain.KindUnknownTool, "Unknown function: %s", call.Name)
	}
	args := plannerArgs(call.Arguments)
	if err := d.authorize(ctx, call.Name, args); err != nil {
		return "", err
	}
	return t.Execute(ctx, args)
}

// authorize consults the optional policy with the path the call targets.
func (d *Dispatcher) authorize(ctx context.Context, name string, args map[string]any) error {
	if d.policy == nil {
		return nil
	}
	subject := d.subjectOf(args)
	action, err := d.policy.Check(ctx, name, subject)
	if err != nil {
		return domain.NewToolError(domain.KindInternal, "security check: %v", err)
	}
	switch action {
	case domain.ActionBlock:
		return domain.NewToolError(domain.KindPolicyDenied, "%s on '%s' is blocked by security policy", name, subject)
	case domain.ActionConfirm:
		ok, err := d.policy.RequestConfirmation(ctx, name, subject)
		if err != nil || !ok {
			return domain.NewToolError(domain.KindPolicyDenied, "%s on '%s' was not confirmed", name, subject)
		}
	}
	return nil
}

func (d *Dispatcher) record(ctx context.Context, call domain.ToolCall, res domain.Result) {
	if d.audit == nil {
		return
	}
	rec := domain.ToolCallRecord{
		CallID:     call.ID,
		ToolName:   call.Name,
		Arguments:  call.Arguments,
		Failed:     res.Failed(),
		OutputSize: len(res.String()),
		Duration:   res.Duration,
		CreatedAt:  time.Now(),
	}
	if res.Err != nil {
		rec.ErrorKind = res.Err.Kind
	}
	if err := d.audit.RecordToolCall(ctx, rec); err != nil {
		d.logger.Warn("audit record failed", "tool", call.Name, "err", err)
	}
}

// Definitions returns the tool schemas for the planner, sorted by name.
func (d *Dispatcher) Definitions() []domain.ToolDefinition {
	defs := make([]domain.ToolDefinition, 0, len(d.tools))
	for _, name := range d.Names() {
		t := d.tools[name]
		defs = append(defs, domain.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.tools))
	for n := range d.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// plannerArgs copies the arguments, dropping any attempt to pick the root.
func plannerArgs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if k == "working_directory" {
			continue
		}
		out[k] = v
	}
	return out
}

// subjectOf names the path a call targets the way the tool will open it:
// resolved by the guard and made relative to the root. Paths the guard
// rejects fall back to their cleaned spelling; the tool refuses them anyway.
func (d *Dispatcher) subjectOf(args map[string]any) string {
	raw := "."
	for _, key := range []string{"file_path", "directory"} {
		if s := ArgsString(args, key); s != "" {
			raw = s
			break
		}
	}
	if resolved, err := d.guard.Resolve(raw, sandbox.OpRead); err == nil {
		if rel, err := filepath.Rel(d.guard.Root(), resolved); err == nil {
			return filepath.ToSlash(rel)
		}
	}
	return path.Clean(filepath.ToSlash(raw))
}

func asToolError(err error) *domain.ToolError {
	var te *domain.ToolError
	if errors.As(err, &te) {
		return te
	}
	return domain.NewToolError(domain.KindIO, "%s", ioDetail(err))
}
