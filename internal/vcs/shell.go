package vcs

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	dir    string
	gitBin string
	logger *slog.Logger
}

// NewShellClient creates a git client operating on the working tree at dir
func NewShellClient(dir string, logger *slog.Logger) *ShellClient {
	return &ShellClient{
		dir:    dir,
		gitBin: "git",
		logger: logger,
	}
}

// Verify checks that dir is the top level of a git working tree
func (c *ShellClient) Verify(ctx context.Context) error {
	if _, err := c.run(ctx, "status", "--porcelain"); err != nil {
		return fmt.Errorf("%s is not an initialized git repository: %w", c.dir, err)
	}

	out, err := c.run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return fmt.Errorf("git rev-parse --show-toplevel failed: %w", err)
	}
	return requireTopLevel(c.dir, strings.TrimSpace(out))
}

// CurrentRevision returns the commit hash of HEAD, even on a detached checkout
func (c *ShellClient) CurrentRevision(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// ListTracked lists every file tracked at rev below subdir
func (c *ShellClient) ListTracked(ctx context.Context, rev, subdir string) ([]string, error) {
	args := []string{"ls-tree", "-r", "--name-only", "--full-name", rev, "--"}
	if subdir != "" {
		args = append(args, subdir)
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("git ls-tree failed: %w", err)
	}
	return parseLines(out), nil
}

// DiffStatus reports per-path status between from and to below subdir.
// Rename detection is disabled so renames surface as a delete plus an add.
func (c *ShellClient) DiffStatus(ctx context.Context, from, to, subdir string) ([]Change, error) {
	args := []string{"diff", "--name-status", "--no-renames", from, to, "--"}
	if subdir != "" {
		args = append(args, subdir)
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("git diff failed: %w", err)
	}
	return ParseNameStatus(out), nil
}

// Pull fast-forwards the checked out branch from its upstream
func (c *ShellClient) Pull(ctx context.Context) error {
	if _, err := c.run(ctx, "pull", "--ff-only"); err != nil {
		return fmt.Errorf("git pull failed: %w", err)
	}
	return nil
}

// run executes git in the working tree and returns stdout, or an error carrying stderr
func (c *ShellClient) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-C", c.dir, "-c", "core.quotePath=false"}, args...)
	cmd := exec.CommandContext(ctx, c.gitBin, full...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("executing locally", "command", c.gitBin+" "+strings.Join(args, " "))
	err := cmd.Run()
	c.logger.Debug("command finished", "stdout", stdout.String(), "stderr", stderr.String())

	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
