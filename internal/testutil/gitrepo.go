// Package testutil builds throwaway git repositories for tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Repo is a git working tree created in a test temp directory
type Repo struct {
	t   *testing.T
	Dir string
}

// RequireGit skips the test when no git binary is available
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// NewRepo initializes an empty repository on branch main.
func NewRepo(t *testing.T) *Repo {
	t.Helper()
	RequireGit(t)

	r := &Repo{t: t, Dir: t.TempDir()}
	r.Git("init", "-b", "main")
	r.Git("config", "user.email", "test@test.com")
	r.Git("config", "user.name", "Test")
	r.Git("config", "commit.gpgsign", "false")
	return r
}

// Git runs a git command in the repository and returns trimmed stdout
func (r *Repo) Git(args ...string) string {
	r.t.Helper()
	cmd := exec.Command("git", append([]string{"-C", r.Dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		r.t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// WriteFile creates or overwrites a file (slash path) and stages it.
func (r *Repo) WriteFile(name, content string) {
	r.t.Helper()
	full := filepath.Join(r.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		r.t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		r.t.Fatal(err)
	}
	r.Git("add", name)
}

// Remove deletes a tracked file and stages the removal.
func (r *Repo) Remove(name string) {
	r.t.Helper()
	r.Git("rm", "-q", name)
}

// Commit records the staged changes and returns the new commit hash.
func (r *Repo) Commit(msg string) string {
	r.t.Helper()
	r.Git("commit", "-q", "--allow-empty", "-m", msg)
	return r.Head()
}

// Head returns the commit hash HEAD points at
func (r *Repo) Head() string {
	r.t.Helper()
	return r.Git("rev-parse", "HEAD")
}
