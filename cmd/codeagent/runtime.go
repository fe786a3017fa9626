package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"codeagent/internal/audit"
	"codeagent/internal/config"
	"codeagent/internal/metrics"
	"codeagent/internal/sandbox"
	"codeagent/internal/security"
	"codeagent/internal/tool"
)

// runtime holds the wired workspace components shared by run, call and audit.
type runtime struct {
	cfg        *config.Config
	guard      *sandbox.Guard
	store      *audit.SQLiteStore // nil when audit is disabled
	dispatcher *tool.Dispatcher
	container  *tool.Container // nil unless sandbox.container.enabled
	metrics    *metrics.Collector
}

func newRuntime(cfg *config.Config, confirm security.ConfirmFunc) (*runtime, error) {
	mode, err := sandbox.ParseMode(cfg.Sandbox.Mode)
	if err != nil {
		return nil, err
	}
	guard, err := sandbox.NewGuard(cfg.General.Workspace, mode)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(guard.Root()); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory (run 'codeagent init' or pass --workspace)", guard.Root())
	}

	rt := &runtime{cfg: cfg, guard: guard, metrics: metrics.NewCollector()}

	var (
		auditLog security.AuditLogger
		recorder tool.AuditRecorder
	)
	if cfg.Audit.Enabled {
		rt.store, err = audit.NewSQLiteStore(cfg.Audit.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("audit store: %w", err)
		}
		auditLog, recorder = rt.store, rt.store
	}

	engine, err := security.NewEngine(cfg.Security, confirm, auditLog, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("security engine: %w", err)
	}

	if cc := cfg.Sandbox.Container; cc.Enabled {
		rt.container, err = tool.NewContainer(tool.ContainerConfig{Image: cc.Image, Memory: cc.Memory, CPUs: cc.CPUs})
		if err != nil {
			rt.Close()
			return nil, err
		}
	}

	rt.dispatcher, err = tool.NewDispatcher(tool.DispatcherConfig{
		Guard:        guard,
		MaxReadChars: cfg.Tools.MaxReadChars,
		Runner: tool.RunnerConfig{
			Timeout:        time.Duration(cfg.Tools.ScriptTimeout) * time.Second,
			MaxOutputBytes: cfg.Tools.MaxOutputBytes,
			Interpreters:   interpreters(cfg.Tools.Interpreters),
			Container:      rt.container,
		},
		Policy:  engine,
		Audit:   recorder,
		Metrics: rt.metrics,
		Logger:  logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	logger.Debug("workspace ready", "root", guard.Root(), "mode", guard.Mode())
	return rt, nil
}

// flushMetrics writes the collected metrics when a path was given.
func (rt *runtime) flushMetrics(path string) {
	if path == "" {
		return
	}
	if err := rt.metrics.WriteFile(config.ExpandPath(path)); err != nil {
		logger.Warn("failed to write metrics", "path", path, "err", err)
		return
	}
	logger.Debug("metrics written", "path", path)
}

func (rt *runtime) Close() {
	if rt.store != nil {
		rt.store.Close()
	}
	if rt.container != nil {
		rt.container.Close()
	}
}

func interpreters(in []config.InterpreterConfig) []tool.Interpreter {
	out := make([]tool.Interpreter, 0, len(in))
	for _, ic := range in {
		out = append(out, tool.Interpreter{
			Extension: ic.Extension,
			Command:   ic.Command,
			Language:  ic.Language,
		})
	}
	return out
}

// stdinConfirm asks on stderr and reads the answer from stdin.
func stdinConfirm(ctx context.Context, question string) (bool, error) {
	fmt.Fprint(os.Stderr, question)
	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		answer <- line
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case line := <-answer:
		line = strings.ToLower(strings.TrimSpace(line))
		return line == "y" || line == "yes", nil
	}
}
