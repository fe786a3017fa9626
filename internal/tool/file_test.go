package tool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"codeagent/internal/domain"
	"codeagent/internal/sandbox"
)

func testGuard(t *testing.T) *sandbox.Guard {
	t.Helper()
	g, err := sandbox.NewGuard(t.TempDir(), sandbox.ModeStrict)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	return g
}

func writeTestFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func toolErrorKind(t *testing.T, err error) domain.ErrorKind {
	t.Helper()
	var te *domain.ToolError
	if !errors.As(err, &te) {
		t.Fatalf("expected *domain.ToolError, got %T (%v)", err, err)
	}
	return te.Kind
}

// --- ListDirTool ---

func TestListDir_DefaultsToRoot(t *testing.T) {
	g := testGuard(t)
	writeTestFile(t, g.Root(), "a", "0123456789")
	if err := os.Mkdir(filepath.Join(g.Root(), "b"), 0o755); err != nil {
		t.Fatal(err)
	}

	out, err := NewListDirTool(g).Execute(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out, "Results for current directory:\n") {
		t.Fatalf("missing header: %q", out)
	}
	if !strings.Contains(out, " - a: file_size=10 bytes, is_dir=false\n") {
		t.Errorf("missing entry for a: %q", out)
	}
	if !strings.Contains(out, " - b: file_size=") || !strings.Contains(out, "is_dir=true\n") {
		t.Errorf("missing entry for b: %q", out)
	}
}

func TestListDir_SortedByName(t *testing.T) {
	g := testGuard(t)
	for _, n := range []string{"zeta.py", "alpha.py", "mid.py"} {
		writeTestFile(t, g.Root(), n, "x")
	}
	out, err := NewListDirTool(g).Execute(context.Background(), map[string]any{"directory": "."})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	a, m, z := strings.Index(out, "alpha.py"), strings.Index(out, "mid.py"), strings.Index(out, "zeta.py")
	if !(a < m && m < z) {
		t.Fatalf("entries not sorted: %q", out)
	}
}

func TestListDir_Subdirectory(t *testing.T) {
	g := testGuard(t)
	writeTestFile(t, g.Root(), "pkg/render.py", "abc")
	out, err := NewListDirTool(g).Execute(context.Background(), map[string]any{"directory": "pkg"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, " - render.py: file_size=3 bytes, is_dir=false") {
		t.Fatalf("unexpected listing: %q", out)
	}
}

func TestListDir_OutsideRoot(t *testing.T) {
	g := testGuard(t)
	_, err := NewListDirTool(g).Execute(context.Background(), map[string]any{"directory": "../"})
	if toolErrorKind(t, err) != domain.KindConfinement {
		t.Fatalf("expected confinement error, got %v", err)
	}
	te := err.(*domain.ToolError)
	want := "Results for current directory:\nError: Cannot list '../' as it is outside the permitted working directory"
	if te.Text() != want {
		t.Fatalf("got %q, want %q", te.Text(), want)
	}
}

func TestListDir_NotADirectory(t *testing.T) {
	g := testGuard(t)
	writeTestFile(t, g.Root(), "main.py", "print(1)")
	_, err := NewListDirTool(g).Execute(context.Background(), map[string]any{"directory": "main.py"})
	if toolErrorKind(t, err) != domain.KindWrongType {
		t.Fatalf("expected wrong type, got %v", err)
	}
	if got := err.(*domain.ToolError).Text(); got != "Results for current directory:\nError: 'main.py' is not a directory" {
		t.Fatalf("unexpected text: %q", got)
	}
}

// A broken entry is reported inline; the other entries are kept.
func TestListDir_BrokenEntryReportedInline(t *testing.T) {
	g := testGuard(t)
	writeTestFile(t, g.Root(), "good.txt", "ok")
	if err := os.Symlink(filepath.Join(g.Root(), "missing"), filepath.Join(g.Root(), "dangling")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}
	out, err := NewListDirTool(g).Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, " - dangling: Error: ") {
		t.Errorf("expected inline error for dangling link: %q", out)
	}
	if !strings.Contains(out, " - good.txt: file_size=2 bytes, is_dir=false") {
		t.Errorf("good entry dropped: %q", out)
	}
	if strings.Contains(out, g.Root()) {
		t.Errorf("listing leaked the root path: %q", out)
	}
}

// --- ReadFileTool ---

func TestReadFile_Content(t *testing.T) {
	g := testGuard(t)
	writeTestFile(t, g.Root(), "main.py", "print('hi')\n")
	out, err := NewReadFileTool(g, 0).Execute(context.Background(), map[string]any{"file_path": "main.py"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "print('hi')\n" {
		t.Fatalf("got %q", out)
	}
}

func TestReadFile_Truncates(t *testing.T) {
	g := testGuard(t)
	writeTestFile(t, g.Root(), "lorem.txt", strings.Repeat("é", 25))
	out, err := NewReadFileTool(g, 10).Execute(context.Background(), map[string]any{"file_path": "lorem.txt"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	marker := "[...File 'lorem.txt' truncated at 10 characters]"
	if !strings.HasSuffix(out, marker) {
		t.Fatalf("missing marker: %q", out)
	}
	if body := strings.TrimSuffix(out, marker); utf8.RuneCountInString(body) != 10 {
		t.Fatalf("expected 10 characters before marker, got %d", utf8.RuneCountInString(body))
	}
}

func TestReadFile_ExactlyAtBudgetNotTruncated(t *testing.T) {
	g := testGuard(t)
	writeTestFile(t, g.Root(), "ten.txt", "0123456789")
	out, err := NewReadFileTool(g, 10).Execute(context.Background(), map[string]any{"file_path": "ten.txt"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "0123456789" {
		t.Fatalf("got %q", out)
	}
}

func TestReadFile_DefaultBudget(t *testing.T) {
	g := testGuard(t)
	writeTestFile(t, g.Root(), "big.txt", strings.Repeat("a", DefaultMaxReadChars+500))
	out, err := NewReadFileTool(g, 0).Execute(context.Background(), map[string]any{"file_path": "big.txt"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	marker := "[...File 'big.txt' truncated at 10000 characters]"
	if len(out) > DefaultMaxReadChars+len(marker) || !strings.HasSuffix(out, marker) {
		t.Fatalf("unexpected length %d", len(out))
	}
}

func TestReadFile_Errors(t *testing.T) {
	g := testGuard(t)
	if err := os.Mkdir(filepath.Join(g.Root(), "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeTestFile(t, g.Root(), "bin.dat", string([]byte{0xff, 0xfe, 0x00}))
	r := NewReadFileTool(g, 0)

	tests := []struct {
		name string
		path string
		kind domain.ErrorKind
		msg  string
	}{
		{"missing arg", "", domain.KindInvalidArgs, "missing argument: file_path"},
		{"outside", "../etc/passwd", domain.KindConfinement, "Cannot read '../etc/passwd' as it is outside the permitted working directory"},
		{"absolute", "/bin/cat", domain.KindConfinement, "Cannot read '/bin/cat' as it is outside the permitted working directory"},
		{"missing", "nope.py", domain.KindNotFound, "File not found or is not a regular file: 'nope.py'"},
		{"directory", "pkg", domain.KindWrongType, "File not found or is not a regular file: 'pkg'"},
		{"binary", "bin.dat", domain.KindIO, "'bin.dat' is not valid UTF-8 text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Execute(context.Background(), map[string]any{"file_path": tt.path})
			if got := toolErrorKind(t, err); got != tt.kind {
				t.Fatalf("kind: got %s, want %s", got, tt.kind)
			}
			if err.Error() != tt.msg {
				t.Fatalf("message: got %q, want %q", err.Error(), tt.msg)
			}
		})
	}
}

// --- WriteFileTool ---

func TestWriteFile_CreatesParents(t *testing.T) {
	g := testGuard(t)
	out, err := NewWriteFileTool(g).Execute(context.Background(), map[string]any{
		"file_path": "pkg/deep/morelorem.txt",
		"content":   "lorem ipsum dolor sit amet",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "Successfully wrote to 'pkg/deep/morelorem.txt' (26 characters written)" {
		t.Fatalf("got %q", out)
	}
	data, err := os.ReadFile(filepath.Join(g.Root(), "pkg", "deep", "morelorem.txt"))
	if err != nil || string(data) != "lorem ipsum dolor sit amet" {
		t.Fatalf("file content %q, err %v", data, err)
	}
}

func TestWriteFile_Overwrites(t *testing.T) {
	g := testGuard(t)
	writeTestFile(t, g.Root(), "notes.txt", "a much longer original body")
	w := NewWriteFileTool(g)
	if _, err := w.Execute(context.Background(), map[string]any{"file_path": "notes.txt", "content": "short"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(g.Root(), "notes.txt"))
	if string(data) != "short" {
		t.Fatalf("expected overwrite, got %q", data)
	}
}

func TestWriteFile_CountsCharacters(t *testing.T) {
	g := testGuard(t)
	out, err := NewWriteFileTool(g).Execute(context.Background(), map[string]any{"file_path": "u.txt", "content": "héllo"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "(5 characters written)") {
		t.Fatalf("got %q", out)
	}
}

func TestWriteFile_EmptyContentAllowed(t *testing.T) {
	g := testGuard(t)
	if _, err := NewWriteFileTool(g).Execute(context.Background(), map[string]any{"file_path": "empty.txt", "content": ""}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestWriteFile_Errors(t *testing.T) {
	g := testGuard(t)
	w := NewWriteFileTool(g)

	_, err := w.Execute(context.Background(), map[string]any{"file_path": "/tmp/temp.txt", "content": "x"})
	if toolErrorKind(t, err) != domain.KindConfinement {
		t.Fatalf("expected confinement error, got %v", err)
	}
	if err.Error() != "Cannot write to '/tmp/temp.txt' as it is outside the permitted working directory" {
		t.Fatalf("unexpected message %q", err.Error())
	}

	_, err = w.Execute(context.Background(), map[string]any{"file_path": "x.txt"})
	if toolErrorKind(t, err) != domain.KindInvalidArgs {
		t.Fatalf("expected invalid args, got %v", err)
	}

	if err := os.Mkdir(filepath.Join(g.Root(), "dir"), 0o755); err != nil {
		t.Fatal(err)
	}
	_, err = w.Execute(context.Background(), map[string]any{"file_path": "dir", "content": "x"})
	if toolErrorKind(t, err) != domain.KindIO {
		t.Fatalf("expected io failure writing over a directory, got %v", err)
	}
}

func TestWriteThenRead_RoundTrip(t *testing.T) {
	g := testGuard(t)
	w, r := NewWriteFileTool(g), NewReadFileTool(g, 0)
	for _, content := range []string{"", "x", "line1\nline2\n", "ünïcödé ✓", strings.Repeat("z", DefaultMaxReadChars)} {
		if _, err := w.Execute(context.Background(), map[string]any{"file_path": "rt/file.txt", "content": content}); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := r.Execute(context.Background(), map[string]any{"file_path": "rt/file.txt"})
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got != content {
			t.Fatalf("round trip mismatch for %d-char content", utf8.RuneCountInString(content))
		}
	}
}
