// Package transport moves files to and from the deployment target.
package transport

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/textproto"
)

// FTP reply codes the sync logic cares about
const (
	CodeFileUnavailable = 550
)

// Transport is the remote side of a deployment
type Transport interface {
	// Get returns the full content of a remote file
	Get(ctx context.Context, remotePath string) ([]byte, error)
	// Put stores r at remotePath, overwriting existing content
	Put(ctx context.Context, r io.Reader, remotePath string) error
	// Delete removes a remote file
	Delete(ctx context.Context, remotePath string) error
	// MakeDir creates a remote directory, including parents when recursive is set
	MakeDir(ctx context.Context, remotePath string, recursive bool) error
	// Close releases all connections
	Close() error
}

// Code returns the FTP reply code carried by err, or 0 when there is none
func Code(err error) int {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code
	}
	return 0
}

// IsNotFound reports whether err means the remote file does not exist
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return Code(err) == CodeFileUnavailable || errors.Is(err, fs.ErrNotExist)
}
