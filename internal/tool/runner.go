package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"codeagent/internal/domain"
	"codeagent/internal/sandbox"
)

const (
	defaultScriptTimeout  = 30 * time.Second
	defaultMaxOutputBytes = 65536
	defaultWaitDelay      = 2 * time.Second
)

// Interpreter maps a script extension to the command that runs it.
type Interpreter struct {
	Extension string
	Command   []string
	Language  string
}

// DefaultInterpreters allows Python scripts only.
func DefaultInterpreters() []Interpreter {
	return []Interpreter{{Extension: ".py", Command: []string{"python3"}, Language: "Python"}}
}

type RunnerConfig struct {
	Timeout        time.Duration
	MaxOutputBytes int
	Interpreters   []Interpreter
	Container      *Container // nil runs scripts on the host
}

// RunScriptTool executes an allowlisted script from the workspace with a timeout.
type RunScriptTool struct {
	guard          *sandbox.Guard
	timeout        time.Duration
	maxOutputBytes int
	interpreters   []Interpreter
	container      *Container
}

func NewRunScriptTool(guard *sandbox.Guard, cfg RunnerConfig) *RunScriptTool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultScriptTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if len(cfg.Interpreters) == 0 {
		cfg.Interpreters = DefaultInterpreters()
	}
	return &RunScriptTool{
		guard:          guard,
		timeout:        cfg.Timeout,
		maxOutputBytes: cfg.MaxOutputBytes,
		interpreters:   cfg.Interpreters,
		container:      cfg.Container,
	}
}

func (t *RunScriptTool) Name() string { return "run_python_file" }

func (t *RunScriptTool) Description() string {
	return fmt.Sprintf("Run a %s file from the working directory with optional arguments and return its stdout, stderr and exit status.", t.languages())
}

func (t *RunScriptTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"file_path": {Type: "string", Description: "The path of the script to run, relative to the working directory."},
			"args":      {Type: "array", Items: "string", Description: "Optional list of command-line arguments passed to the script."},
		},
		[]string{"file_path"},
	)
}

func (t *RunScriptTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path := ArgsString(args, "file_path")
	if path == "" {
		return "", domain.NewToolError(domain.KindInvalidArgs, "missing argument: file_path")
	}
	resolved, err := t.guard.Resolve(path, sandbox.OpExecute)
	if err != nil {
		return "", confinementError(err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", domain.NewToolError(domain.KindNotFound, "File \"%s\" not found.", path)
	}
	if !info.Mode().IsRegular() {
		return "", domain.NewToolError(domain.KindWrongType, "\"%s\" is not a regular file.", path)
	}
	interp, ok := t.interpreterFor(path)
	if !ok {
		if len(t.interpreters) == 1 {
			return "", domain.NewToolError(domain.KindUnsupportedType, "\"%s\" is not a %s file.", path, t.interpreters[0].Language)
		}
		return "", domain.NewToolError(domain.KindUnsupportedType, "\"%s\" is not an allowed script type (allowed: %s)", path, t.extensions())
	}
	scriptArgs, err := ArgsStrings(args, "args")
	if err != nil {
		return "", domain.NewToolError(domain.KindInvalidArgs, "%v", err)
	}

	return t.run(ctx, interp, resolved, scriptArgs)
}

func (t *RunScriptTool) run(ctx context.Context, interp Interpreter, script string, scriptArgs []string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if t.container != nil {
		return t.runInContainer(ctx, runCtx, interp, script, scriptArgs)
	}

	argv := append(append(append([]string{}, interp.Command[1:]...), script), scriptArgs...)
	cmd := exec.CommandContext(runCtx, interp.Command[0], argv...)
	cmd.Dir = t.guard.Root()
	cmd.WaitDelay = defaultWaitDelay
	killProcessGroup(cmd)

	stdout := &cappedBuffer{max: t.maxOutputBytes}
	stderr := &cappedBuffer{max: t.maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if errors.Is(err, exec.ErrWaitDelay) {
		// The script exited; only a grandchild kept the pipes open.
		err = nil
	}
	if runCtx.Err() != nil {
		if ctx.Err() != nil {
			return "", domain.NewToolError(domain.KindTimeout, "executing file: cancelled: %v", ctx.Err())
		}
		return "", domain.NewToolError(domain.KindTimeout, "executing file: timed out after %s", t.timeout)
	}

	var exitErr *exec.ExitError
	code := 0
	switch {
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
	case err != nil:
		return "", domain.NewToolError(domain.KindSpawn, "executing file: %s", ioDetail(err))
	}

	return formatRun(stdout, stderr, code), nil
}

func (t *RunScriptTool) runInContainer(ctx, runCtx context.Context, interp Interpreter, script string, scriptArgs []string) (string, error) {
	rel, err := filepath.Rel(t.guard.Root(), script)
	if err != nil {
		return "", domain.NewToolError(domain.KindInternal, "executing file: %v", err)
	}
	stdout := &cappedBuffer{max: t.maxOutputBytes}
	stderr := &cappedBuffer{max: t.maxOutputBytes}

	code, err := t.container.Run(runCtx, t.guard.Root(), interp, filepath.ToSlash(rel), scriptArgs, stdout, stderr)
	if runCtx.Err() != nil {
		if ctx.Err() != nil {
			return "", domain.NewToolError(domain.KindTimeout, "executing file: cancelled: %v", ctx.Err())
		}
		return "", domain.NewToolError(domain.KindTimeout, "executing file: timed out after %s", t.timeout)
	}
	if err != nil {
		return "", domain.NewToolError(domain.KindSpawn, "executing file: %v", err)
	}
	return formatRun(stdout, stderr, code), nil
}

func formatRun(stdout, stderr *cappedBuffer, code int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "STDOUT: %s\nSTDERR: %s\n", stdout.String(), stderr.String())
	if code != 0 {
		fmt.Fprintf(&b, "Process exited with code %d", code)
	} else {
		b.WriteString("No output produced.")
	}
	return b.String()
}

func (t *RunScriptTool) interpreterFor(path string) (Interpreter, bool) {
	for _, in := range t.interpreters {
		if in.Extension != "" && len(in.Command) > 0 && strings.HasSuffix(path, in.Extension) {
			return in, true
		}
	}
	return Interpreter{}, false
}

func (t *RunScriptTool) extensions() string {
	exts := make([]string, 0, len(t.interpreters))
	for _, in := range t.interpreters {
		exts = append(exts, in.Extension)
	}
	return strings.Join(exts, ", ")
}

func (t *RunScriptTool) languages() string {
	langs := make([]string, 0, len(t.interpreters))
	for _, in := range t.interpreters {
		langs = append(langs, in.Language)
	}
	return strings.Join(langs, " or ")
}

// cappedBuffer keeps the first max bytes written and drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.max - c.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	if c.truncated {
		return c.buf.String() + "\n... (output truncated)"
	}
	return c.buf.String()
}

var _ domain.Tool = (*RunScriptTool)(nil)
