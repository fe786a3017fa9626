package main

import (
	"fmt"
	"io"
	"strings"

	"codeagent/internal/domain"

	"github.com/fatih/color"
)

// consoleReporter prints the agent's progress. Tool calls are always shown;
// the prompt, token counts and tool results only with --verbose.
type consoleReporter struct {
	w       io.Writer
	verbose bool

	label *color.Color
	call  *color.Color
	fail  *color.Color
	dim   *color.Color
}

func newConsoleReporter(w io.Writer, verbose bool) *consoleReporter {
	return &consoleReporter{
		w:       w,
		verbose: verbose,
		label:   color.New(color.FgCyan, color.Bold),
		call:    color.New(color.FgYellow),
		fail:    color.New(color.FgRed),
		dim:     color.New(color.Faint),
	}
}

func (r *consoleReporter) Prompt(text string) {
	if r.verbose {
		r.label.Fprint(r.w, "User prompt: ")
		fmt.Fprintln(r.w, text)
	}
}

func (r *consoleReporter) Usage(u domain.Usage) {
	if !r.verbose {
		return
	}
	r.label.Fprint(r.w, "Prompt tokens: ")
	fmt.Fprintln(r.w, u.PromptTokens)
	r.label.Fprint(r.w, "Response tokens: ")
	fmt.Fprintln(r.w, u.CompletionTokens)
}

func (r *consoleReporter) ToolCall(call domain.ToolCall) {
	r.call.Fprintf(r.w, "Calling function: %s(%s)\n", call.Name, formatArgs(call.Arguments))
}

func (r *consoleReporter) ToolResult(res domain.Result) {
	if !r.verbose {
		return
	}
	if res.Failed() {
		r.fail.Fprintf(r.w, "-> %s\n", res.String())
		return
	}
	r.dim.Fprintf(r.w, "-> %s\n", strings.TrimRight(res.String(), "\n"))
}

// formatArgs renders arguments as key=value pairs in a stable order.
func formatArgs(args map[string]any) string {
	keys := sortedKeys(args)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, fmt.Sprint(args[k])))
	}
	return strings.Join(parts, ", ")
}
