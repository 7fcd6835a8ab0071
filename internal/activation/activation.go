// Package activation provides the webhook listener, taking over a systemd
// socket when the service was socket activated.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// listenFDsStart is the first descriptor systemd passes (after stdin, stdout, stderr)
const listenFDsStart = 3

// Listen returns the first socket systemd passed to this process, or a new
// TCP listener on addr otherwise. activated reports which one it is.
func Listen(addr string) (ln net.Listener, activated bool, err error) {
	n, err := passedFDs(os.Getenv, os.Getpid())
	if err != nil {
		return nil, false, err
	}

	if n > 0 {
		ln, err := fileListener(listenFDsStart)
		if err != nil {
			return nil, false, err
		}
		// extra sockets are not served; close them so they do not leak
		for fd := listenFDsStart + 1; fd < listenFDsStart+n; fd++ {
			_ = os.NewFile(uintptr(fd), "unused-socket").Close()
		}
		unsetEnv()
		return ln, true, nil
	}

	ln, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, false, nil
}

// passedFDs reads LISTEN_PID and LISTEN_FDS. It returns 0 when no sockets
// were passed or they were meant for another process.
func passedFDs(getenv func(string) string, pid int) (int, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}

	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return 0, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

// fileListener wraps an inherited descriptor; the listener takes a dup, so
// the original file is closed.
func fileListener(fd int) (net.Listener, error) {
	file := os.NewFile(uintptr(fd), "systemd-socket-"+strconv.Itoa(fd))
	if file == nil {
		return nil, fmt.Errorf("failed to create file for fd %d", fd)
	}
	defer func() {
		_ = file.Close()
	}()

	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
	}
	return ln, nil
}

// unsetEnv keeps child processes (git) from inheriting the activation
func unsetEnv() {
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")
}
