package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/ftpsyncd/internal/config"
	"github.com/schaermu/ftpsyncd/internal/sync"
	"github.com/schaermu/ftpsyncd/internal/testutil"
	"github.com/schaermu/ftpsyncd/internal/transport"
	"github.com/schaermu/ftpsyncd/internal/vcs"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// resetGlobals restores flag-backed globals after a test
func resetGlobals(t *testing.T) {
	t.Helper()
	origCfgFile, origLevel, origFormat, origDryRun := cfgFile, logLevel, logFormat, dryRun
	t.Cleanup(func() {
		cfgFile, logLevel, logFormat, dryRun = origCfgFile, origLevel, origFormat, origDryRun
	})
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return cfgPath
}

func TestSetupLogger(t *testing.T) {
	resetGlobals(t)

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			if logger := setupLogger(); logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	resetGlobals(t)

	cfgFile = writeConfig(t, `repo:
  dir: "`+t.TempDir()+`"
  local_path: "public"
remote:
  path: "/htdocs"
ftp:
  host: "ftp.example.com"
  username: "deploy"
  password: "secret"
`)

	cfg, err := loadConfig(quietLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Remote.Kind != config.RemoteFTP || cfg.Sync.EachLimit != config.DefaultEachLimit {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	resetGlobals(t)
	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")

	if _, err := loadConfig(quietLogger()); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	resetGlobals(t)
	cfgFile = ""
	t.Setenv("HOME", t.TempDir())

	// Expect error because the default config file doesn't exist
	_, err := loadConfig(quietLogger())
	if err == nil {
		t.Fatal("expected error when default config file doesn't exist")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, []string{})

	if !strings.HasPrefix(buf.String(), "ftpsyncd "+version) {
		t.Errorf("unexpected version output: %q", buf.String())
	}
}

func TestNewVCSClient(t *testing.T) {
	cfg := &config.Config{Repo: config.RepoConfig{Dir: t.TempDir(), Backend: config.BackendGoGit}}
	if _, ok := newVCSClient(cfg, quietLogger()).(*vcs.GoGitClient); !ok {
		t.Error("expected go-git client for backend gogit")
	}

	cfg.Repo.Backend = config.BackendShell
	if _, ok := newVCSClient(cfg, quietLogger()).(*vcs.ShellClient); !ok {
		t.Error("expected shell client for backend shell")
	}
}

func TestNewTransport(t *testing.T) {
	cfg := &config.Config{Remote: config.RemoteConfig{Kind: config.RemoteDir, Path: t.TempDir()}}
	tr, err := newTransport(cfg, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.(*transport.Dir); !ok {
		t.Errorf("expected dir transport, got %T", tr)
	}

	// The FTP pool dials lazily, so construction succeeds without a server.
	cfg.Remote.Kind = config.RemoteFTP
	cfg.FTP = config.FTPConfig{Host: "127.0.0.1", Port: 2121, Username: "u", Password: "p"}
	tr, err = newTransport(cfg, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.(*transport.FTP); !ok {
		t.Errorf("expected ftp transport, got %T", tr)
	}
	_ = tr.Close()

	cfg.FTP.Password = ""
	cfg.FTP.PasswordFile = filepath.Join(t.TempDir(), "missing")
	if _, err := newTransport(cfg, quietLogger()); err == nil {
		t.Error("expected error for unreadable password file")
	}
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, &sync.Result{
		LocalRevision: "abc123",
		Changes:       &sync.ChangeSet{Modified: []string{"a", "b"}, Deleted: []string{"c"}},
	})

	want := "remote revision: (none)\n" +
		"local revision:  abc123\n" +
		"pending uploads: 2\n" +
		"pending deletes: 1\n"
	if buf.String() != want {
		t.Errorf("printStatus() =\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestSyncAndStatusCommands(t *testing.T) {
	resetGlobals(t)

	repo := testutil.NewRepo(t)
	repo.WriteFile("site/index.html", "hello")
	head := repo.Commit("initial")

	remoteRoot := t.TempDir()
	cfgPath := writeConfig(t, `repo:
  dir: "`+repo.Dir+`"
  local_path: "site"
remote:
  kind: "dir"
  path: "`+filepath.ToSlash(remoteRoot)+`"
`)

	// Status before the first deployment.
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	t.Cleanup(func() { rootCmd.SetOut(nil) })

	rootCmd.SetArgs([]string{"status", "--config", cfgPath, "--log-level", "error"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out.String(), "remote revision: (none)") || !strings.Contains(out.String(), "pending uploads: 1") {
		t.Errorf("unexpected status output: %s", out.String())
	}

	// Dry run leaves the remote untouched.
	rootCmd.SetArgs([]string{"sync", "--dry-run", "--config", cfgPath, "--log-level", "error"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("dry-run sync failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(remoteRoot, "index.html")); !os.IsNotExist(err) {
		t.Error("dry run must not upload")
	}

	dryRun = false
	rootCmd.SetArgs([]string{"sync", "--dry-run=false", "--config", cfgPath, "--log-level", "error"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(remoteRoot, "index.html"))
	if err != nil || string(data) != "hello" {
		t.Errorf("index.html = %q, %v", data, err)
	}
	marker, err := os.ReadFile(filepath.Join(remoteRoot, config.DefaultRevisionFile))
	if err != nil || string(marker) != head {
		t.Errorf(".REVISION = %q, %v, want %s", marker, err, head)
	}
}

func TestServeCommand_RequiresEnabled(t *testing.T) {
	resetGlobals(t)

	cfgPath := writeConfig(t, `remote:
  kind: "dir"
  path: "`+filepath.ToSlash(t.TempDir())+`"
`)

	rootCmd.SetArgs([]string{"serve", "--config", cfgPath, "--log-level", "error"})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "serve.enabled") {
		t.Errorf("expected disabled serve error, got %v", err)
	}
}
