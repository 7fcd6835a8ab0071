package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/jlaffaye/ftp"

	"github.com/schaermu/ftpsyncd/internal/config"
)

// serverConn is the subset of *ftp.ServerConn the pool uses
type serverConn interface {
	Retr(path string) (io.ReadCloser, error)
	Stor(path string, r io.Reader) error
	Delete(path string) error
	MakeDir(path string) error
	NoOp() error
	Quit() error
}

// ftpConn adapts *ftp.ServerConn to serverConn
type ftpConn struct {
	*ftp.ServerConn
}

func (c ftpConn) Retr(p string) (io.ReadCloser, error) {
	return c.ServerConn.Retr(p)
}

type dialFunc func(ctx context.Context) (serverConn, error)

// FTP is a Transport backed by a pool of FTP control connections.
// A single FTP session cannot run commands concurrently, so every operation
// checks out its own connection; the pool never holds more than size of them.
// Contexts bound the wait for a connection, not the FTP command itself.
type FTP struct {
	dial   dialFunc
	logger *slog.Logger

	slots chan struct{}
	idle  chan serverConn

	mu     sync.Mutex
	closed bool
}

// NewFTP creates a pooled FTP transport allowing size concurrent sessions
func NewFTP(cfg config.FTPConfig, size int, logger *slog.Logger) (*FTP, error) {
	password, err := cfg.ResolvePassword()
	if err != nil {
		return nil, err
	}

	dial := func(ctx context.Context) (serverConn, error) {
		opts := []ftp.DialOption{
			ftp.DialWithContext(ctx),
			ftp.DialWithTimeout(cfg.Timeout),
		}

		tlsConfig := &tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed servers
		}
		switch cfg.TLS {
		case config.TLSExplicit:
			opts = append(opts, ftp.DialWithExplicitTLS(tlsConfig))
		case config.TLSImplicit:
			opts = append(opts, ftp.DialWithTLS(tlsConfig))
		}

		logger.Debug("dialing ftp server", "addr", cfg.Addr(), "tls", cfg.TLS)
		conn, err := ftp.Dial(cfg.Addr(), opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Addr(), err)
		}

		if err := conn.Login(cfg.Username, password); err != nil {
			_ = conn.Quit()
			return nil, fmt.Errorf("failed to log in as %s: %w", cfg.Username, err)
		}
		return ftpConn{conn}, nil
	}

	return newFTP(dial, size, logger), nil
}

func newFTP(dial dialFunc, size int, logger *slog.Logger) *FTP {
	if size < 1 {
		size = 1
	}
	return &FTP{
		dial:   dial,
		logger: logger,
		slots:  make(chan struct{}, size),
		idle:   make(chan serverConn, size),
	}
}

// acquire returns a live idle connection or dials a new one once a slot is free
func (f *FTP) acquire(ctx context.Context) (serverConn, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, errors.New("ftp transport is closed")
	}

	// select picks randomly among ready cases, so a free slot could win
	// over a context that is already done
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case f.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// idle sessions may have been dropped by the server in the meantime
	for {
		var conn serverConn
		select {
		case conn = <-f.idle:
		default:
		}
		if conn == nil {
			break
		}
		if err := conn.NoOp(); err != nil {
			f.logger.Debug("discarding stale ftp connection", "error", err)
			_ = conn.Quit()
			continue
		}
		return conn, nil
	}

	conn, err := f.dial(ctx)
	if err != nil {
		<-f.slots
		return nil, err
	}
	return conn, nil
}

// release returns conn to the pool. Errors without an FTP reply code mean
// the session itself is unusable, so the connection is dropped instead.
func (f *FTP) release(conn serverConn, opErr error) {
	defer func() { <-f.slots }()

	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()

	if closed || (opErr != nil && Code(opErr) == 0) {
		if opErr != nil {
			f.logger.Debug("dropping ftp connection", "error", opErr)
		}
		_ = conn.Quit()
		return
	}

	select {
	case f.idle <- conn:
	default:
		_ = conn.Quit()
	}
}

// with runs fn on a pooled connection
func (f *FTP) with(ctx context.Context, fn func(conn serverConn) error) error {
	conn, err := f.acquire(ctx)
	if err != nil {
		return err
	}
	err = fn(conn)
	f.release(conn, err)
	return err
}

// Get retrieves a remote file
func (f *FTP) Get(ctx context.Context, remotePath string) ([]byte, error) {
	var data []byte
	err := f.with(ctx, func(conn serverConn) error {
		resp, err := conn.Retr(remotePath)
		if err != nil {
			return err
		}

		data, err = io.ReadAll(resp)
		if closeErr := resp.Close(); err == nil {
			err = closeErr
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Put stores r at remotePath
func (f *FTP) Put(ctx context.Context, r io.Reader, remotePath string) error {
	return f.with(ctx, func(conn serverConn) error {
		return conn.Stor(remotePath, r)
	})
}

// Delete removes a remote file
func (f *FTP) Delete(ctx context.Context, remotePath string) error {
	return f.with(ctx, func(conn serverConn) error {
		return conn.Delete(remotePath)
	})
}

// MakeDir creates a remote directory. With recursive set every ancestor is
// created first; failures on ancestors are ignored since most already exist.
func (f *FTP) MakeDir(ctx context.Context, remotePath string, recursive bool) error {
	return f.with(ctx, func(conn serverConn) error {
		if !recursive {
			return conn.MakeDir(remotePath)
		}

		var lastErr error
		for _, dir := range ancestors(remotePath) {
			lastErr = conn.MakeDir(dir)
		}
		return lastErr
	})
}

// Close quits every idle connection. Connections in use are closed on release.
func (f *FTP) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	var errs []error
	for {
		select {
		case conn := <-f.idle:
			if err := conn.Quit(); err != nil {
				errs = append(errs, err)
			}
		default:
			return errors.Join(errs...)
		}
	}
}

// ancestors lists p and its parents from the top down: /a/b -> [/a /a/b]
func ancestors(p string) []string {
	p = path.Clean(p)
	if p == "/" || p == "." {
		return nil
	}

	prefix := ""
	if strings.HasPrefix(p, "/") {
		prefix = "/"
	}

	var dirs []string
	current := ""
	for _, part := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		if current == "" {
			current = prefix + part
		} else {
			current = current + "/" + part
		}
		dirs = append(dirs, current)
	}
	return dirs
}
