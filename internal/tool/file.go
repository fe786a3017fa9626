package tool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"codeagent/internal/domain"
	"codeagent/internal/sandbox"
)

const (
	DefaultMaxReadChars = 10000
	listHeader          = "Results for current directory:\n"
)

var errInvalidUTF8 = errors.New("invalid UTF-8")

// confinementError converts a Guard failure into a ToolError.
func confinementError(err error) *domain.ToolError {
	var ce *sandbox.ConfinementError
	if errors.As(err, &ce) {
		return &domain.ToolError{Kind: domain.KindConfinement, Message: ce.Error()}
	}
	return domain.NewToolError(domain.KindIO, "%s", ioDetail(err))
}

// ioDetail strips the absolute path from OS errors so the root never reaches the planner.
func ioDetail(err error) string {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Op + ": " + pe.Err.Error()
	}
	var le *os.LinkError
	if errors.As(err, &le) {
		return le.Op + ": " + le.Err.Error()
	}
	return err.Error()
}

// --- ListDirTool ---

// ListDirTool lists the immediate children of a workspace directory.
type ListDirTool struct {
	guard *sandbox.Guard
}

func NewListDirTool(guard *sandbox.Guard) *ListDirTool {
	return &ListDirTool{guard: guard}
}

func (t *ListDirTool) Name() string { return "get_files_info" }
func (t *ListDirTool) Description() string {
	return "Lists files in the specified directory along with their sizes, constrained to the working directory."
}
func (t *ListDirTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"directory": {Type: "string", Description: "The directory to list files from, relative to the working directory. If not provided, lists files in the working directory itself."},
		},
		nil,
	)
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	dir := ArgsString(args, "directory")
	if dir == "" {
		dir = "."
	}
	fail := func(te *domain.ToolError) (string, error) {
		te.Preamble = listHeader
		return "", te
	}

	resolved, err := t.guard.Resolve(dir, sandbox.OpList)
	if err != nil {
		return fail(confinementError(err))
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return fail(domain.NewToolError(domain.KindWrongType, "'%s' is not a directory", dir))
	}

	// os.ReadDir returns entries sorted by name.
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return "", domain.NewToolError(domain.KindIO, "%s", ioDetail(err))
	}

	var b strings.Builder
	b.WriteString(listHeader)
	for _, e := range entries {
		// Stat follows symlinks so sizes describe the target.
		fi, err := os.Stat(filepath.Join(resolved, e.Name()))
		if err != nil {
			fmt.Fprintf(&b, " - %s: Error: %s\n", e.Name(), ioDetail(err))
			continue
		}
		fmt.Fprintf(&b, " - %s: file_size=%d bytes, is_dir=%t\n", e.Name(), fi.Size(), fi.IsDir())
	}
	return b.String(), nil
}

// --- ReadFileTool ---

// ReadFileTool returns file content bounded by a character budget.
type ReadFileTool struct {
	guard    *sandbox.Guard
	maxChars int
}

func NewReadFileTool(guard *sandbox.Guard, maxChars int) *ReadFileTool {
	if maxChars <= 0 {
		maxChars = DefaultMaxReadChars
	}
	return &ReadFileTool{guard: guard, maxChars: maxChars}
}

func (t *ReadFileTool) Name() string { return "get_file_content" }
func (t *ReadFileTool) Description() string {
	return "Read the content of a specific file, relative to the working directory."
}
func (t *ReadFileTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"file_path": {Type: "string", Description: "The path to the file to read, relative to the working directory."},
		},
		[]string{"file_path"},
	)
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path := ArgsString(args, "file_path")
	if path == "" {
		return "", domain.NewToolError(domain.KindInvalidArgs, "missing argument: file_path")
	}
	resolved, err := t.guard.Resolve(path, sandbox.OpRead)
	if err != nil {
		return "", confinementError(err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", domain.NewToolError(domain.KindNotFound, "File not found or is not a regular file: '%s'", path)
	}
	if !info.Mode().IsRegular() {
		return "", domain.NewToolError(domain.KindWrongType, "File not found or is not a regular file: '%s'", path)
	}

	f, err := os.Open(resolved)
	if err != nil {
		return "", domain.NewToolError(domain.KindIO, "%s", ioDetail(err))
	}
	defer f.Close()

	content, truncated, err := readChars(f, t.maxChars)
	if errors.Is(err, errInvalidUTF8) {
		return "", domain.NewToolError(domain.KindIO, "'%s' is not valid UTF-8 text", path)
	}
	if err != nil {
		return "", domain.NewToolError(domain.KindIO, "%s", ioDetail(err))
	}
	if truncated {
		content += fmt.Sprintf("[...File '%s' truncated at %d characters]", path, t.maxChars)
	}
	return content, nil
}

// readChars reads at most limit runes from r and reports whether more remained.
func readChars(r io.Reader, limit int) (string, bool, error) {
	br := bufio.NewReader(r)
	var b strings.Builder
	for n := 0; ; n++ {
		ch, size, err := br.ReadRune()
		if err == io.EOF {
			return b.String(), false, nil
		}
		if err != nil {
			return "", false, err
		}
		if ch == utf8.RuneError && size == 1 {
			return "", false, errInvalidUTF8
		}
		if n == limit {
			return b.String(), true, nil
		}
		b.WriteRune(ch)
	}
}

// --- WriteFileTool ---

// WriteFileTool overwrites a file, creating parent directories as needed.
type WriteFileTool struct {
	guard *sandbox.Guard
}

func NewWriteFileTool(guard *sandbox.Guard) *WriteFileTool {
	return &WriteFileTool{guard: guard}
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file, relative to the working directory. Creates missing directories and overwrites existing files."
}
func (t *WriteFileTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"file_path": {Type: "string", Description: "The path of the file to write, relative to the working directory."},
			"content":   {Type: "string", Description: "The content to write to the file."},
		},
		[]string{"file_path", "content"},
	)
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path := ArgsString(args, "file_path")
	if path == "" {
		return "", domain.NewToolError(domain.KindInvalidArgs, "missing argument: file_path")
	}
	if _, ok := args["content"]; !ok {
		return "", domain.NewToolError(domain.KindInvalidArgs, "missing argument: content")
	}
	content := ArgsString(args, "content")

	resolved, err := t.guard.Resolve(path, sandbox.OpWrite)
	if err != nil {
		return "", confinementError(err)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", domain.NewToolError(domain.KindIO, "%s", ioDetail(err))
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return "", domain.NewToolError(domain.KindIO, "%s", ioDetail(err))
	}
	return fmt.Sprintf("Successfully wrote to '%s' (%d characters written)", path, utf8.RuneCountInString(content)), nil
}

// Compile-time interface checks.
var (
	_ domain.Tool = (*ListDirTool)(nil)
	_ domain.Tool = (*ReadFileTool)(nil)
	_ domain.Tool = (*WriteFileTool)(nil)
)
