package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Dir is a Transport that mirrors into a local directory tree, such as a
// mounted web root. Remote paths are interpreted as local slash paths.
type Dir struct{}

// NewDir creates a local directory transport
func NewDir() *Dir {
	return &Dir{}
}

// Get reads a file
func (d *Dir) Get(ctx context.Context, remotePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.FromSlash(remotePath))
}

// Put writes r to remotePath with an atomic rename. The parent directory must exist.
func (d *Dir) Put(ctx context.Context, r io.Reader, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dst := filepath.FromSlash(remotePath)

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".ftpsyncd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, r); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", dst, err)
	}
	return nil
}

// Delete removes a file
func (d *Dir) Delete(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Remove(filepath.FromSlash(remotePath))
}

// MakeDir creates a directory
func (d *Dir) MakeDir(ctx context.Context, remotePath string, recursive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if recursive {
		return os.MkdirAll(filepath.FromSlash(remotePath), 0755)
	}
	return os.Mkdir(filepath.FromSlash(remotePath), 0755)
}

// Close is a no-op
func (d *Dir) Close() error {
	return nil
}
