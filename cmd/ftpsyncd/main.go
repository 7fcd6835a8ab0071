package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/ftpsyncd/internal/config"
	"github.com/schaermu/ftpsyncd/internal/sync"
	"github.com/schaermu/ftpsyncd/internal/transport"
	"github.com/schaermu/ftpsyncd/internal/trigger"
	"github.com/schaermu/ftpsyncd/internal/vcs"
	"github.com/schaermu/ftpsyncd/internal/watch"
	"github.com/schaermu/ftpsyncd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ftpsyncd",
	Short: "Deploy a Git working tree to an FTP server",
	Long: `ftpsyncd uploads the files of a Git working tree to an FTP server.

The remote keeps a revision marker file. Each run diffs that revision against
the local HEAD and transfers only what changed: added and modified files are
uploaded, deleted files are removed, and the marker is moved forward.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time deployment",
	Long: `Sync reads the remote revision marker, resolves the local HEAD and transfers
the difference. Without a marker every tracked file is uploaded.

Failed uploads and deletes are logged and reported but do not abort the run
unless sync.fail_on_error is set.`,
	RunE: runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the remote and local revisions and the pending changes",
	RunE:  runStatus,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Deploy after every local commit or checkout",
	Long: `Watch performs an initial sync and then watches the repository's refs,
deploying again whenever HEAD moves. Bursts of ref updates are debounced.`,
	RunE: runWatch,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve starts a long-running HTTP server that listens for GitHub push events
and deploys when the configured refs are updated.

This mode requires the serve section of the configuration, including the
webhook secret file and allowed refs.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "ftpsyncd %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/ftpsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, closeFn, err := newEngine(cfg, logger, dryRun)
	if err != nil {
		return err
	}
	defer closeFn()

	if _, err := engine.Run(ctx); err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, closeFn, err := newEngine(cfg, logger, true)
	if err != nil {
		return err
	}
	defer closeFn()

	result, err := engine.Plan(ctx)
	if err != nil {
		return err
	}

	printStatus(cmd.OutOrStdout(), result)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, closeFn, err := newEngine(cfg, logger, false)
	if err != nil {
		return err
	}
	defer closeFn()

	runner := trigger.NewSingleFlight(func(ctx context.Context) error {
		_, err := engine.Run(ctx)
		return err
	}, logger)

	// watches are registered here, so commits made during the initial sync still trigger a run
	w, err := watch.New(cfg.RepoDir(), cfg.Watch.Debounce, runner.Run, logger)
	if err != nil {
		return err
	}

	logger.Info("performing initial sync before watching")
	runner.Run(ctx)

	return w.Run(ctx)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if !cfg.Serve.Enabled {
		return errors.New("serve mode is disabled, set serve.enabled in the configuration")
	}

	vcsClient := newVCSClient(cfg, logger)
	tr, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = tr.Close()
	}()

	engine := sync.NewEngine(cfg, vcsClient, tr, logger, false)

	server, err := webhook.NewServer(cfg, engine, vcsClient, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	return server.Start(ctx)
}

// newEngine wires the repository backend and transport selected by cfg
func newEngine(cfg *config.Config, logger *slog.Logger, dryRun bool) (*sync.Engine, func(), error) {
	tr, err := newTransport(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	closeFn := func() {
		if err := tr.Close(); err != nil {
			logger.Debug("failed to close transport", "error", err)
		}
	}

	return sync.NewEngine(cfg, newVCSClient(cfg, logger), tr, logger, dryRun), closeFn, nil
}

func newVCSClient(cfg *config.Config, logger *slog.Logger) vcs.Client {
	if cfg.Repo.Backend == config.BackendGoGit {
		return vcs.NewGoGitClient(cfg.RepoDir(), logger)
	}
	return vcs.NewShellClient(cfg.RepoDir(), logger)
}

func newTransport(cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Remote.Kind {
	case config.RemoteDir:
		return transport.NewDir(), nil
	default:
		tr, err := transport.NewFTP(cfg.FTP, cfg.Sync.EachLimit, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to set up ftp transport: %w", err)
		}
		return tr, nil
	}
}

func printStatus(out io.Writer, result *sync.Result) {
	remote := result.RemoteRevision
	if remote == "" {
		remote = "(none)"
	}

	_, _ = fmt.Fprintf(out, "remote revision: %s\n", remote)
	_, _ = fmt.Fprintf(out, "local revision:  %s\n", result.LocalRevision)
	_, _ = fmt.Fprintf(out, "pending uploads: %d\n", len(result.Changes.Modified))
	_, _ = fmt.Fprintf(out, "pending deletes: %d\n", len(result.Changes.Deleted))
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "ftpsyncd", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.RepoDir(),
		"local_path", cfg.LocalPath(),
		"backend", cfg.Repo.Backend,
		"remote_kind", cfg.Remote.Kind,
		"remote_path", cfg.Remote.Path,
		"each_limit", cfg.Sync.EachLimit)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
