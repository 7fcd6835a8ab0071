package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// GoGitClient implements Client on top of go-git, without requiring a git binary
type GoGitClient struct {
	dir    string
	logger *slog.Logger
}

// NewGoGitClient creates a go-git backed client for the working tree at dir
func NewGoGitClient(dir string, logger *slog.Logger) *GoGitClient {
	return &GoGitClient{
		dir:    dir,
		logger: logger,
	}
}

// open opens the repository fresh on every call so HEAD moves are observed
func (c *GoGitClient) open() (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(c.dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", c.dir, err)
	}
	return repo, nil
}

// Verify checks that dir is the top level of a non-bare git repository
func (c *GoGitClient) Verify(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	repo, err := c.open()
	if err != nil {
		return fmt.Errorf("%s is not an initialized git repository: %w", c.dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("%s has no working tree: %w", c.dir, err)
	}
	return requireTopLevel(c.dir, wt.Filesystem.Root())
}

// CurrentRevision returns the commit hash HEAD points at
func (c *GoGitClient) CurrentRevision(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	repo, err := c.open()
	if err != nil {
		return "", err
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// ListTracked lists every file in the tree of rev below subdir
func (c *GoGitClient) ListTracked(ctx context.Context, rev, subdir string) ([]string, error) {
	repo, err := c.open()
	if err != nil {
		return nil, err
	}

	tree, err := treeForRevision(repo, rev)
	if err != nil {
		return nil, err
	}

	var paths []string
	err = tree.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if underDir(f.Name, subdir) {
			paths = append(paths, f.Name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files at %s: %w", rev, err)
	}

	c.logger.Debug("listed tracked files", "rev", rev, "subdir", subdir, "count", len(paths))
	return paths, nil
}

// DiffStatus compares the trees of from and to below subdir.
// Rename detection stays off, matching the shell client.
func (c *GoGitClient) DiffStatus(ctx context.Context, from, to, subdir string) ([]Change, error) {
	repo, err := c.open()
	if err != nil {
		return nil, err
	}

	fromTree, err := treeForRevision(repo, from)
	if err != nil {
		return nil, err
	}
	toTree, err := treeForRevision(repo, to)
	if err != nil {
		return nil, err
	}

	diff, err := object.DiffTreeWithOptions(ctx, fromTree, toTree, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s..%s: %w", from, to, err)
	}

	var changes []Change
	for _, ch := range diff {
		action, err := ch.Action()
		if err != nil {
			return nil, fmt.Errorf("failed to classify change: %w", err)
		}

		var change Change
		switch action {
		case merkletrie.Insert:
			change = Change{Status: StatusAdded, Path: ch.To.Name}
		case merkletrie.Delete:
			change = Change{Status: StatusDeleted, Path: ch.From.Name}
		case merkletrie.Modify:
			change = Change{Status: StatusModified, Path: ch.To.Name}
		default:
			continue
		}

		if underDir(change.Path, subdir) {
			changes = append(changes, change)
		}
	}

	c.logger.Debug("computed diff", "from", from, "to", to, "subdir", subdir, "count", len(changes))
	return changes, nil
}

// Pull fast-forwards the current branch from origin
func (c *GoGitClient) Pull(ctx context.Context) error {
	repo, err := c.open()
	if err != nil {
		return err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}

	err = wt.PullContext(ctx, &git.PullOptions{RemoteName: "origin"})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("git pull failed: %w", err)
	}
	return nil
}

// treeForRevision resolves a revision and returns its tree
func treeForRevision(repo *git.Repository, rev string) (*object.Tree, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve revision %q: %w", rev, err)
	}

	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get commit %s: %w", hash, err)
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to get tree of %s: %w", hash, err)
	}
	return tree, nil
}
