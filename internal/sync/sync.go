package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/ftpsyncd/internal/config"
	"github.com/schaermu/ftpsyncd/internal/transport"
	"github.com/schaermu/ftpsyncd/internal/vcs"
)

// revisionRetryDelay is the base backoff between strict revision reads
var revisionRetryDelay = 500 * time.Millisecond

// Engine orchestrates the sync process. Callers must not run two engines
// against the same remote path at once; there is no remote locking.
type Engine struct {
	cfg       *config.Config
	vcs       vcs.Client
	transport transport.Transport
	logger    *slog.Logger
	dryRun    bool
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, vcsClient vcs.Client, tr transport.Transport, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:       cfg,
		vcs:       vcsClient,
		transport: tr,
		logger:    logger,
		dryRun:    dryRun,
	}
}

// Run executes the complete sync process. Only failures before any file is
// transferred are returned; per-file transfer failures are logged and
// reported in the Result.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.logger.Info("starting sync",
		"repo", e.cfg.RepoDir(),
		"local_path", e.cfg.LocalPath(),
		"remote_path", e.cfg.Remote.Path,
		"dry_run", e.dryRun)

	result, err := e.Plan(ctx)
	if err != nil {
		return result, err
	}

	e.logger.Info("sync plan",
		"remote_revision", result.RemoteRevision,
		"local_revision", result.LocalRevision,
		"upload", len(result.Changes.Modified),
		"delete", len(result.Changes.Deleted))

	// check for dry-run mode
	if e.dryRun {
		e.logPlanDetails(result)
		e.logger.Info("dry-run complete, no changes applied")
		return result, nil
	}

	e.uploadAll(ctx, result)
	e.deleteAll(ctx, result)

	// an interrupted run may have skipped files; the marker must not claim them
	if err := ctx.Err(); err != nil {
		e.logger.Warn("sync interrupted, remote revision not updated",
			"uploaded", result.Uploaded,
			"deleted", result.Deleted,
			"failed", len(result.Failures))
		return result, fmt.Errorf("sync interrupted: %w", err)
	}

	e.writeRevision(ctx, result)

	if e.cfg.Sync.FailOnError && len(result.Failures) > 0 {
		return result, fmt.Errorf("%d file operations failed, first: %w", len(result.Failures), result.Failures[0])
	}

	e.logger.Info("sync completed",
		"uploaded", result.Uploaded,
		"deleted", result.Deleted,
		"failed", len(result.Failures),
		"revision_written", result.RevisionWritten)
	return result, nil
}

// Plan verifies the repository, resolves both revisions and builds the change
// set without touching the remote beyond reading the revision marker.
func (e *Engine) Plan(ctx context.Context) (*Result, error) {
	if err := e.vcs.Verify(ctx); err != nil {
		return nil, fmt.Errorf("repository check failed: %w", err)
	}

	remoteRev, err := e.readRemoteRevision(ctx)
	if err != nil {
		return nil, err
	}

	localRev, err := e.vcs.CurrentRevision(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve local revision: %w", err)
	}
	e.logger.Debug("local revision", "revision", localRev)

	changes, err := e.buildChangeSet(ctx, remoteRev, localRev)
	if err != nil {
		return nil, fmt.Errorf("failed to build change set: %w", err)
	}

	return &Result{
		RemoteRevision: remoteRev,
		LocalRevision:  localRev,
		Changes:        changes,
	}, nil
}

// readRemoteRevision fetches the revision marker. By default a missing marker
// and a failed read both yield "", which triggers a full upload. In strict mode
// only a missing marker does; other errors are retried and then returned.
func (e *Engine) readRemoteRevision(ctx context.Context) (string, error) {
	revisionPath := e.cfg.RevisionFilePath()
	e.logger.Debug("fetching revision file", "path", revisionPath)

	attempts := 1
	if e.cfg.Sync.StrictRevision {
		attempts = e.cfg.Sync.RevisionRetries
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		data, err := e.transport.Get(ctx, revisionPath)
		if err == nil {
			rev := strings.TrimSpace(string(data))
			if rev == "" {
				e.logger.Debug("remote revision file is empty")
			} else {
				e.logger.Debug("remote revision", "revision", rev)
			}
			return rev, nil
		}

		if !e.cfg.Sync.StrictRevision || transport.IsNotFound(err) {
			e.logger.Debug("no remote revision found", "error", err)
			return "", nil
		}

		lastErr = err
		e.logger.Warn("failed to read remote revision",
			"attempt", attempt,
			"attempts", attempts,
			"error", err)

		if attempt < attempts {
			select {
			case <-time.After(time.Duration(attempt) * revisionRetryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	return "", fmt.Errorf("failed to read remote revision %s: %w", revisionPath, lastErr)
}

// buildChangeSet lists everything when there is no remote revision, and
// diffs the two revisions otherwise.
func (e *Engine) buildChangeSet(ctx context.Context, remoteRev, localRev string) (*ChangeSet, error) {
	localPath := e.cfg.LocalPath()

	if remoteRev == "" {
		e.logger.Info("uploading all tracked files")
		paths, err := e.vcs.ListTracked(ctx, localRev, localPath)
		if err != nil {
			return nil, err
		}
		return &ChangeSet{
			Modified: paths,
			Deleted:  make([]string, 0),
		}, nil
	}

	changes, err := e.vcs.DiffStatus(ctx, remoteRev, localRev, localPath)
	if err != nil {
		return nil, err
	}
	return Classify(changes, e.logger), nil
}

// uploadAll puts every modified file, at most each_limit at a time
func (e *Engine) uploadAll(ctx context.Context, result *Result) {
	paths := result.Changes.Modified
	if len(paths) == 0 {
		e.logger.Info("No modified files")
		return
	}

	e.logger.Info("uploading files, use debug logging to see which", "count", len(paths))

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Sync.EachLimit)
	for _, p := range paths {
		p := p
		g.Go(func() error {
			e.uploadFile(ctx, p, result)
			return nil
		})
	}
	_ = g.Wait()
}

// uploadFile uploads one file. A failed upload is followed by one recursive
// mkdir of the parent and exactly one retry, whatever the mkdir outcome.
func (e *Engine) uploadFile(ctx context.Context, p string, result *Result) {
	remote := RemotePath(e.cfg.Remote.Path, e.cfg.LocalPath(), p)
	local := filepath.Join(e.cfg.RepoDir(), filepath.FromSlash(p))

	e.logger.Debug("uploading file", "path", p, "remote", remote)

	err := e.putFile(ctx, local, remote)
	if err != nil {
		e.logger.Debug("upload failed, creating parent directory", "remote", remote, "error", err)
		if mkErr := e.transport.MakeDir(ctx, path.Dir(remote), true); mkErr != nil {
			e.logger.Debug("mkdir failed", "dir", path.Dir(remote), "error", mkErr)
		}
		err = e.putFile(ctx, local, remote)
	}

	if err != nil {
		e.logger.Warn("failed to upload file", "path", p, "remote", remote, "error", err)
		result.recordFailure(FileError{Op: OpUpload, Path: p, Remote: remote, Err: err})
		return
	}
	result.recordUpload()
}

// putFile streams a local file to the remote
func (e *Engine) putFile(ctx context.Context, local, remote string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	return e.transport.Put(ctx, f, remote)
}

// deleteAll removes every deleted file, at most each_limit at a time.
// Failures never abort the phase.
func (e *Engine) deleteAll(ctx context.Context, result *Result) {
	paths := result.Changes.Deleted
	if len(paths) == 0 {
		e.logger.Info("No deleted files")
		return
	}

	e.logger.Info("deleting files, use debug logging to see which", "count", len(paths))

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Sync.EachLimit)
	for _, p := range paths {
		p := p
		g.Go(func() error {
			e.deleteFile(ctx, p, result)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) deleteFile(ctx context.Context, p string, result *Result) {
	remote := RemotePath(e.cfg.Remote.Path, e.cfg.LocalPath(), p)
	e.logger.Debug("deleting file", "remote", remote)

	err := e.transport.Delete(ctx, remote)
	switch {
	case err == nil:
		result.recordDelete()
	case transport.IsNotFound(err):
		// already gone, which is the desired state
		e.logger.Warn("failed to delete file, file not found", "remote", remote)
		result.recordDelete()
	default:
		e.logger.Warn("failed to delete file", "remote", remote, "error", err)
		result.recordFailure(FileError{Op: OpDelete, Path: p, Remote: remote, Err: err})
	}
}

// writeRevision stores the local revision in the remote marker file, but only
// when this run changed something.
func (e *Engine) writeRevision(ctx context.Context, result *Result) {
	if result.Changes.Empty() {
		e.logger.Debug("nothing changed, leaving remote revision untouched")
		return
	}

	if e.cfg.Sync.FailOnError && len(result.Failures) > 0 {
		e.logger.Warn("not updating remote revision because file operations failed",
			"failed", len(result.Failures))
		return
	}

	revisionPath := e.cfg.RevisionFilePath()
	e.logger.Debug("updating remote revision", "path", revisionPath, "revision", result.LocalRevision)

	if err := e.transport.Put(ctx, strings.NewReader(result.LocalRevision), revisionPath); err != nil {
		e.logger.Error("failed to update remote revision", "path", revisionPath, "error", err)
		result.recordFailure(FileError{Op: OpUpload, Path: e.cfg.Remote.RevisionFile, Remote: revisionPath, Err: err})
		return
	}
	result.RevisionWritten = true
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(result *Result) {
	for _, p := range result.Changes.Modified {
		e.logger.Info("[dry-run] would upload",
			"path", p,
			"remote", RemotePath(e.cfg.Remote.Path, e.cfg.LocalPath(), p))
	}
	for _, p := range result.Changes.Deleted {
		e.logger.Info("[dry-run] would delete",
			"remote", RemotePath(e.cfg.Remote.Path, e.cfg.LocalPath(), p))
	}
	if !result.Changes.Empty() {
		e.logger.Info("[dry-run] would update remote revision",
			"path", e.cfg.RevisionFilePath(),
			"revision", result.LocalRevision)
	}
}
