// Package vcs reports revisions and file-level changes of a git working tree.
package vcs

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Client provides the version-control operations a deployment needs
type Client interface {
	// Verify fails when the configured directory is not a git working tree
	Verify(ctx context.Context) error
	// CurrentRevision returns the commit currently checked out (HEAD)
	CurrentRevision(ctx context.Context) (string, error)
	// ListTracked lists every tracked file at rev below subdir ("" = whole tree)
	ListTracked(ctx context.Context, rev, subdir string) ([]string, error)
	// DiffStatus reports per-path status between two revisions below subdir
	DiffStatus(ctx context.Context, from, to, subdir string) ([]Change, error)
}

// requireTopLevel fails unless dir is the root of the working tree at top.
// git reports paths relative to that root, and files are opened relative to dir.
func requireTopLevel(dir, top string) error {
	same, err := sameDir(dir, top)
	if err != nil {
		return err
	}
	if !same {
		return fmt.Errorf("%s is not the top level of its working tree %s; set repo.dir to %s and use repo.local_path for subdirectories", dir, top, top)
	}
	return nil
}

func sameDir(a, b string) (bool, error) {
	ra, err := canonical(a)
	if err != nil {
		return false, err
	}
	rb, err := canonical(b)
	if err != nil {
		return false, err
	}
	return ra == rb, nil
}

func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", p, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", p, err)
	}
	return resolved, nil
}

// Puller is implemented by clients that can fast-forward the working tree
type Puller interface {
	Pull(ctx context.Context) error
}

// Status codes as printed by git diff --name-status
const (
	StatusAdded    byte = 'A'
	StatusModified byte = 'M'
	StatusDeleted  byte = 'D'
)

// Change is a single path/status pair between two revisions
type Change struct {
	Status byte
	Path   string
}

func (c Change) String() string {
	return fmt.Sprintf("%c\t%s", c.Status, c.Path)
}

// ParseNameStatus parses line-oriented "status, whitespace, path" output.
// Blank lines are ignored. Only the first character of the status field is kept,
// so scored codes such as R100 surface as 'R'.
func ParseNameStatus(output string) []Change {
	var changes []Change
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		idx := strings.IndexAny(line, " \t")
		if idx <= 0 {
			changes = append(changes, Change{Status: line[0], Path: strings.TrimSpace(line[1:])})
			continue
		}

		changes = append(changes, Change{
			Status: line[0],
			Path:   strings.TrimSpace(line[idx:]),
		})
	}
	return changes
}

// parseLines splits output into non-blank lines
func parseLines(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// underDir reports whether the slash path p lies below dir ("" matches everything)
func underDir(p, dir string) bool {
	dir = strings.Trim(dir, "/")
	if dir == "" || dir == "." {
		return true
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}
