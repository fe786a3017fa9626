package agent

import (
	"fmt"
	"sort"
	"strings"

	"codeagent/internal/domain"
)

const basePrompt = `You are a helpful AI coding agent.

When a user asks a question or makes a request, make a function call plan. You can perform the following operations:

%s
All paths you provide should be relative to the working directory. You do not need to specify the working directory in your function calls as it is automatically injected for security reasons.`

// operationLabels describes each tool in the planner's own words.
var operationLabels = map[string]string{
	"get_files_info":   "List files and directories",
	"get_file_content": "Read file contents",
	"run_python_file":  "Execute Python files with optional arguments",
	"write_file":       "Write or overwrite files",
}

// BuildSystemPrompt lists one operation per registered tool and appends extra when set.
func BuildSystemPrompt(defs []domain.ToolDefinition, extra string) string {
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	sort.Strings(names)

	var ops strings.Builder
	for _, name := range names {
		label, ok := operationLabels[name]
		if !ok {
			label = name
		}
		fmt.Fprintf(&ops, "- %s\n", label)
	}

	prompt := fmt.Sprintf(basePrompt, ops.String())
	if extra = strings.TrimSpace(extra); extra != "" {
		prompt += "\n\n" + extra
	}
	return prompt
}
