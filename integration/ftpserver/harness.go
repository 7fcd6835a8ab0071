//go:build integration

package ftpserver

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

const (
	defaultImage   = "delfer/alpine-ftp-server:latest"
	ftpUser        = "deploy"
	ftpPassword    = "deploy-secret"
	ftpHome        = "/home/deploy"
	controlPort    = 2121
	passiveMin     = 21000
	passiveMax     = 21010
	defaultTimeout = 3 * time.Minute
)

// Harness runs a throwaway FTP server container for integration tests
type Harness struct {
	t           *testing.T
	containerID string
	image       string
	keepOnFail  bool
}

// NewHarness creates a new test harness. FTPSYNCD_FTP_IMAGE overrides the
// server image.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	image := os.Getenv("FTPSYNCD_FTP_IMAGE")
	if image == "" {
		image = defaultImage
	}
	return &Harness{
		t:          t,
		image:      image,
		keepOnFail: os.Getenv("INTEGRATION_KEEP_CONTAINER") == "1",
	}
}

// StartContainer starts the FTP server with a single deploy user
func (h *Harness) StartContainer(ctx context.Context) error {
	h.t.Helper()
	h.t.Logf("Starting FTP server from %s", h.image)

	cmd := exec.CommandContext(ctx,
		"docker", "run",
		"-d",
		"--rm",
		"-p", fmt.Sprintf("%d:21", controlPort),
		"-p", fmt.Sprintf("%d-%d:%d-%d", passiveMin, passiveMax, passiveMin, passiveMax),
		"-e", fmt.Sprintf("USERS=%s|%s|%s", ftpUser, ftpPassword, ftpHome),
		"-e", "ADDRESS=127.0.0.1",
		"-e", fmt.Sprintf("MIN_PORT=%d", passiveMin),
		"-e", fmt.Sprintf("MAX_PORT=%d", passiveMax),
		h.image,
	)
	cmd.Stderr = &testWriter{t: h.t, prefix: "[docker] "}

	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("docker run: %w", err)
	}

	h.containerID = strings.TrimSpace(string(out))
	h.t.Logf("Container started: %s", h.containerID)
	return nil
}

// WaitReady polls until the server sends its greeting
func (h *Harness) WaitReady(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", controlPort)
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			buf := make([]byte, 3)
			_, readErr := conn.Read(buf)
			_ = conn.Close()
			if readErr == nil && string(buf) == "220" {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("ftp server not ready on %s: %w", addr, ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// Cleanup stops the container
func (h *Harness) Cleanup(ctx context.Context) {
	h.t.Helper()
	if h.containerID == "" {
		return
	}

	if h.keepOnFail && h.t.Failed() {
		h.t.Logf("Test failed and INTEGRATION_KEEP_CONTAINER=1, keeping container %s", h.containerID)
		h.t.Logf("To inspect: docker exec -it %s /bin/sh", h.containerID)
		h.t.Logf("To cleanup: docker stop %s", h.containerID)
		return
	}

	h.t.Logf("Stopping container %s", h.containerID)
	if err := exec.CommandContext(ctx, "docker", "stop", h.containerID).Run(); err != nil {
		h.t.Logf("Warning: failed to stop container: %v", err)
	}
}

// Exec executes a command in the container
func (h *Harness) Exec(ctx context.Context, cmd ...string) (string, string, int, error) {
	h.t.Helper()
	if h.containerID == "" {
		return "", "", 0, fmt.Errorf("container not started")
	}

	args := append([]string{"exec", h.containerID}, cmd...)
	execCmd := exec.CommandContext(ctx, "docker", args...)

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// ReadFile reads a file below the deploy user's home
func (h *Harness) ReadFile(ctx context.Context, rel string) (string, error) {
	h.t.Helper()
	stdout, _, exitCode, err := h.Exec(ctx, "cat", ftpHome+"/"+rel)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", fmt.Errorf("cat %s failed with exit code %d", rel, exitCode)
	}
	return stdout, nil
}

// FileExists checks a path below the deploy user's home
func (h *Harness) FileExists(ctx context.Context, rel string) bool {
	_, _, exitCode, err := h.Exec(ctx, "test", "-e", ftpHome+"/"+rel)
	return err == nil && exitCode == 0
}

// RemoveFile deletes a path below the deploy user's home behind the tool's back
func (h *Harness) RemoveFile(ctx context.Context, rel string) {
	h.t.Helper()
	if _, _, code, err := h.Exec(ctx, "rm", "-f", ftpHome+"/"+rel); err != nil || code != 0 {
		h.t.Fatalf("rm %s failed: code=%d err=%v", rel, code, err)
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}
