// Package sandbox confines tool paths to a single workspace root.
package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// ErrOutsideRoot is matched by every ConfinementError.
var ErrOutsideRoot = errors.New("path is outside the permitted working directory")

// Op names the operation a path is being resolved for.
type Op string

const (
	OpRead    Op = "read"
	OpWrite   Op = "write"
	OpList    Op = "list"
	OpExecute Op = "execute"
)

// Mode selects how containment is decided.
type Mode string

const (
	// ModeStrict compares path segments and resolves symlinks scoped to the root.
	ModeStrict Mode = "strict"
	// ModePrefix is the lexical string-prefix check. It accepts siblings such as
	// /a/bc for root /a/b and does not look at symlinks.
	ModePrefix Mode = "prefix"
)

// ParseMode maps a config value to a Mode. Empty means strict.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeStrict:
		return ModeStrict, nil
	case ModePrefix:
		return ModePrefix, nil
	default:
		return "", fmt.Errorf("unknown sandbox mode %q (want strict or prefix)", s)
	}
}

// ConfinementError reports a path rejected for escaping the root.
type ConfinementError struct {
	Path string
	Op   Op
	Err  error
}

func (e *ConfinementError) Error() string {
	switch e.Op {
	case OpWrite:
		return fmt.Sprintf("Cannot write to '%s' as it is outside the permitted working directory", e.Path)
	case OpList:
		return fmt.Sprintf("Cannot list '%s' as it is outside the permitted working directory", e.Path)
	case OpExecute:
		return fmt.Sprintf("Cannot execute \"%s\" as it is outside the permitted working directory", e.Path)
	default:
		return fmt.Sprintf("Cannot read '%s' as it is outside the permitted working directory", e.Path)
	}
}

func (e *ConfinementError) Is(target error) bool { return target == ErrOutsideRoot }

func (e *ConfinementError) Unwrap() error { return e.Err }

// Guard resolves planner-supplied paths against a fixed root.
type Guard struct {
	root string
	mode Mode
}

// NewGuard returns a Guard for root. The root is made absolute once and never changes.
func NewGuard(root string, mode Mode) (*Guard, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("sandbox root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if mode == "" {
		mode = ModeStrict
	}
	return &Guard{root: abs, mode: mode}, nil
}

func (g *Guard) Root() string { return g.root }

func (g *Guard) Mode() Mode { return g.mode }

// Resolve returns the absolute path for rel, or a *ConfinementError when it
// lands outside the root. Absolute inputs are not re-rooted.
func (g *Guard) Resolve(rel string, op Op) (string, error) {
	p := rel
	if strings.TrimSpace(p) == "" {
		p = "."
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(g.root, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", &ConfinementError{Path: rel, Op: op, Err: err}
	}

	if g.mode == ModePrefix {
		if !strings.HasPrefix(abs, g.root) {
			return "", &ConfinementError{Path: rel, Op: op}
		}
		return abs, nil
	}

	inner, err := filepath.Rel(g.root, abs)
	if err != nil || inner == ".." || strings.HasPrefix(inner, ".."+string(filepath.Separator)) {
		return "", &ConfinementError{Path: rel, Op: op, Err: err}
	}
	if inner == "." {
		return g.root, nil
	}
	// Symlinks are evaluated as if root were "/", so a link cannot lead outside it.
	scoped, err := securejoin.SecureJoin(g.root, inner)
	if err != nil {
		return "", &ConfinementError{Path: rel, Op: op, Err: err}
	}
	return scoped, nil
}

// Contains reports whether rel resolves inside the root.
func (g *Guard) Contains(rel string) bool {
	_, err := g.Resolve(rel, OpRead)
	return err == nil
}
