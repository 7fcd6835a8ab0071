package activation

import (
	"net"
	"syscall"
	"testing"
)

func TestPassedFDs(t *testing.T) {
	const self = 4242

	tests := []struct {
		name    string
		env     map[string]string
		want    int
		wantErr bool
	}{
		{name: "no environment", env: map[string]string{}, want: 0},
		{name: "other process", env: map[string]string{"LISTEN_PID": "99999", "LISTEN_FDS": "1"}, want: 0},
		{name: "invalid pid", env: map[string]string{"LISTEN_PID": "not-a-number", "LISTEN_FDS": "1"}, wantErr: true},
		{name: "invalid fds", env: map[string]string{"LISTEN_PID": "4242", "LISTEN_FDS": "x"}, wantErr: true},
		{name: "missing fds", env: map[string]string{"LISTEN_PID": "4242"}, want: 0},
		{name: "zero fds", env: map[string]string{"LISTEN_PID": "4242", "LISTEN_FDS": "0"}, want: 0},
		{name: "negative fds", env: map[string]string{"LISTEN_PID": "4242", "LISTEN_FDS": "-1"}, want: 0},
		{name: "one socket", env: map[string]string{"LISTEN_PID": "4242", "LISTEN_FDS": "1"}, want: 1},
		{name: "two sockets", env: map[string]string{"LISTEN_PID": "4242", "LISTEN_FDS": "2"}, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			getenv := func(k string) string { return tt.env[k] }

			got, err := passedFDs(getenv, self)
			if (err != nil) != tt.wantErr {
				t.Fatalf("passedFDs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("passedFDs() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestListen_WithoutActivation(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	ln, activated, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer func() {
		_ = ln.Close()
	}()

	if activated {
		t.Error("expected a fresh listener")
	}
	if _, ok := ln.Addr().(*net.TCPAddr); !ok {
		t.Errorf("expected a TCP listener, got %T", ln.Addr())
	}
}

func TestListen_BadAddress(t *testing.T) {
	t.Setenv("LISTEN_PID", "")

	if _, _, err := Listen("256.0.0.1:http-nope"); err == nil {
		t.Error("expected error for invalid address")
	}
}

func TestFileListener(t *testing.T) {
	orig, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create test listener: %v", err)
	}
	defer func() {
		_ = orig.Close()
	}()

	file, err := orig.(*net.TCPListener).File()
	if err != nil {
		t.Fatalf("failed to get listener file: %v", err)
	}
	defer func() {
		_ = file.Close()
	}()

	fd, err := syscall.Dup(int(file.Fd()))
	if err != nil {
		t.Fatalf("failed to dup listener fd: %v", err)
	}

	ln, err := fileListener(fd)
	if err != nil {
		t.Fatalf("fileListener() error = %v", err)
	}
	defer func() {
		_ = ln.Close()
	}()

	if ln.Addr().String() != orig.Addr().String() {
		t.Errorf("inherited listener on %s, want %s", ln.Addr(), orig.Addr())
	}
}
