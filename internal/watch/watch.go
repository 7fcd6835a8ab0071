// Package watch triggers syncs when the checked-out revision of a local
// repository moves.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/schaermu/ftpsyncd/internal/trigger"
)

// Watcher observes HEAD, packed-refs and refs/heads of a repository and calls
// onChange once the repository has been quiet for the debounce delay.
type Watcher struct {
	fw       *fsnotify.Watcher
	gitDir   string
	debounce time.Duration
	onChange func(ctx context.Context)
	logger   *slog.Logger
}

// New creates a watcher for the working tree at repoDir. Watches are
// registered immediately, so changes made before Run are still delivered.
// Callers that never call Run must Close the watcher.
func New(repoDir string, debounce time.Duration, onChange func(ctx context.Context), logger *slog.Logger) (*Watcher, error) {
	absDir, err := filepath.Abs(repoDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	gitDir := filepath.Join(absDir, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		return nil, fmt.Errorf("git directory not found: %w", err)
	}
	if !info.IsDir() {
		// linked worktrees keep refs in the common dir
		return nil, fmt.Errorf("%s is not a directory, linked worktrees cannot be watched", gitDir)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		fw:       fw,
		gitDir:   gitDir,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
	}

	if err := fw.Add(gitDir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", gitDir, err)
	}
	if err := w.addRecursive(filepath.Join(gitDir, "refs", "heads")); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

// Close releases the underlying watches
func (w *Watcher) Close() error {
	return w.fw.Close()
}

// Run delivers changes until ctx is cancelled, then closes the watcher
func (w *Watcher) Run(ctx context.Context) error {
	fw := w.fw
	defer func() {
		_ = fw.Close()
	}()

	d := trigger.NewDebouncer(w.debounce)
	defer d.Stop()

	w.logger.Info("watcher started", "git_dir", w.gitDir, "debounce", w.debounce)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopping")
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}

			// branches with slashes create nested directories under refs/heads
			if ev.Op.Has(fsnotify.Create) && w.isBranchPath(ev.Name) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(ev.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
					}
				}
			}

			if ev.Op == fsnotify.Chmod || !w.relevant(ev.Name) {
				continue
			}

			w.logger.Debug("repository change detected", "path", ev.Name, "op", ev.Op.String())
			d.Trigger(func() {
				w.onChange(ctx)
			})

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if err := w.fw.Add(p); err != nil {
				return fmt.Errorf("failed to watch %s: %w", p, err)
			}
			w.logger.Debug("watching directory", "path", p)
		}
		return nil
	})
}

// relevant reports whether a change to name can move the deployed revision
func (w *Watcher) relevant(name string) bool {
	rel, ok := w.rel(name)
	if !ok || strings.HasSuffix(rel, ".lock") {
		return false
	}
	return rel == "HEAD" || rel == "packed-refs" || strings.HasPrefix(rel, "refs/heads/")
}

func (w *Watcher) isBranchPath(name string) bool {
	rel, ok := w.rel(name)
	return ok && strings.HasPrefix(rel, "refs/heads/")
}

// rel returns name relative to the git directory in slash form
func (w *Watcher) rel(name string) (string, bool) {
	rel, err := filepath.Rel(w.gitDir, name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
