package sync

import (
	"log/slog"
	"path"
	"path/filepath"
	gosync "sync"

	"github.com/schaermu/ftpsyncd/internal/vcs"
)

// ChangeSet classifies the repository paths touched by one run
type ChangeSet struct {
	Modified []string // added or changed, to upload
	Deleted  []string // removed, to delete remotely
}

// Empty reports whether nothing needs to be transferred
func (c *ChangeSet) Empty() bool {
	return len(c.Modified) == 0 && len(c.Deleted) == 0
}

// Classify sorts diff entries into the change set. A and M upload, D deletes,
// every other status is logged and skipped. Input order is preserved.
func Classify(changes []vcs.Change, logger *slog.Logger) *ChangeSet {
	cs := &ChangeSet{
		Modified: make([]string, 0),
		Deleted:  make([]string, 0),
	}

	for _, ch := range changes {
		switch ch.Status {
		case vcs.StatusAdded, vcs.StatusModified:
			cs.Modified = append(cs.Modified, ch.Path)
		case vcs.StatusDeleted:
			cs.Deleted = append(cs.Deleted, ch.Path)
		default:
			logger.Warn("git diff status not recognized, skipping",
				"status", string(ch.Status),
				"path", ch.Path)
		}
	}

	return cs
}

// RemotePath maps a repository path to its location on the remote:
// remoteRoot joined with p relative to localRoot.
func RemotePath(remoteRoot, localRoot, p string) string {
	rel := p
	if localRoot != "" {
		if r, err := filepath.Rel(filepath.FromSlash(localRoot), filepath.FromSlash(p)); err == nil {
			rel = filepath.ToSlash(r)
		}
	}
	return path.Join(remoteRoot, rel)
}

// Operation names a per-file transfer
type Operation string

const (
	OpUpload Operation = "upload"
	OpDelete Operation = "delete"
)

// FileError records a file operation that failed without aborting the run
type FileError struct {
	Op     Operation
	Path   string // repository path
	Remote string // remote path
	Err    error
}

func (e FileError) Error() string {
	return string(e.Op) + " " + e.Remote + ": " + e.Err.Error()
}

func (e FileError) Unwrap() error {
	return e.Err
}

// Result summarizes one run
type Result struct {
	RemoteRevision  string
	LocalRevision   string
	Changes         *ChangeSet
	Uploaded        int
	Deleted         int
	Failures        []FileError
	RevisionWritten bool

	mu gosync.Mutex
}

func (r *Result) recordUpload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Uploaded++
}

func (r *Result) recordDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Deleted++
}

func (r *Result) recordFailure(fe FileError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failures = append(r.Failures, fe)
}
