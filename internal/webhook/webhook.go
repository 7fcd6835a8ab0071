package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/ftpsyncd/internal/activation"
	"github.com/schaermu/ftpsyncd/internal/config"
	ftpsync "github.com/schaermu/ftpsyncd/internal/sync"
	"github.com/schaermu/ftpsyncd/internal/trigger"
	"github.com/schaermu/ftpsyncd/internal/vcs"
)

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Syncer runs one deployment
type Syncer interface {
	Run(ctx context.Context) (*ftpsync.Result, error)
}

// debounceDelay collapses bursts of pushes into one sync
const debounceDelay = 2 * time.Second

// maxPayload bounds the accepted delivery body
const maxPayload = 1 << 20

// pushTrigger identifies the latest push that queued a deployment
type pushTrigger struct {
	ref    string
	commit string
	repo   string
}

// Server implements the webhook HTTP server
type Server struct {
	cfg      *config.Config
	syncer   Syncer
	vcs      vcs.Client
	logger   *slog.Logger
	secret   []byte
	runner   *trigger.SingleFlight
	debounce *trigger.Debouncer

	mu      sync.Mutex
	pending *pushTrigger
}

// NewServer creates a new webhook server. When serve.pull is set and
// vcsClient implements vcs.Puller, the working tree is fast-forwarded before
// every sync.
func NewServer(cfg *config.Config, syncer Syncer, vcsClient vcs.Client, logger *slog.Logger) (*Server, error) {
	// Load webhook secret from file
	secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))

	s := &Server{
		cfg:      cfg,
		syncer:   syncer,
		vcs:      vcsClient,
		logger:   logger,
		secret:   secret,
		debounce: trigger.NewDebouncer(debounceDelay),
	}
	s.runner = trigger.NewSingleFlight(s.syncOnce, logger)

	return s, nil
}

// Start starts the webhook HTTP server, performing an initial sync first.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("performing initial sync before starting webhook server")
	s.runner.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)

	ln, activated, err := activation.Listen(s.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", ln.Addr().String(), "socket_activated", activated)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		s.debounce.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleWebhook screens a GitHub delivery and queues a deployment for pushes
// to a deployed ref. Deliveries that are authentic but not deployable are
// acknowledged with 200 so GitHub does not retry them.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.reject(w, http.StatusMethodNotAllowed, "Method not allowed", "method", r.Method)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "application/json" {
		s.reject(w, http.StatusBadRequest, "Invalid content type", "content_type", ct)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayload))
	_ = r.Body.Close()
	if err != nil {
		s.logger.Error("failed to read delivery", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.reject(w, http.StatusForbidden, "Invalid signature")
		return
	}

	delivery := r.Header.Get("X-GitHub-Delivery")
	eventType := r.Header.Get("X-GitHub-Event")
	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("event does not deploy", "event", eventType, "delivery", delivery)
		acknowledge(w, "Event type not deployed")
		return
	}

	var push GitHubPushEvent
	if err := json.Unmarshal(body, &push); err != nil {
		s.reject(w, http.StatusBadRequest, "Invalid payload", "error", err)
		return
	}
	if !s.isRefAllowed(push.Ref) {
		s.logger.Info("ref is not deployed", "ref", push.Ref, "delivery", delivery)
		acknowledge(w, "Ref not deployed")
		return
	}

	s.logger.Info("deployment queued",
		"ref", push.Ref,
		"commit", push.After,
		"repo", push.Repository.FullName,
		"delivery", delivery)

	s.mu.Lock()
	s.pending = &pushTrigger{ref: push.Ref, commit: push.After, repo: push.Repository.FullName}
	s.mu.Unlock()

	s.debounce.Trigger(func() {
		s.runner.Run(context.Background())
	})
	acknowledge(w, "Deployment queued")
}

// reject answers with status and logs why the delivery was refused
func (s *Server) reject(w http.ResponseWriter, status int, msg string, attrs ...any) {
	s.logger.Warn("delivery rejected", append([]any{"reason", msg}, attrs...)...)
	http.Error(w, msg, status)
}

func acknowledge(w http.ResponseWriter, msg string) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, msg)
}

// takeTrigger returns and clears the push that queued the next deployment.
// Pushes collapsed by the debounce are represented by the latest one.
func (s *Server) takeTrigger() *pushTrigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.pending
	s.pending = nil
	return t
}

// verifySignature checks X-Hub-Signature-256 (sha256=<hex HMAC of body>)
func (s *Server) verifySignature(body []byte, signature string) bool {
	got, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || got == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(got), []byte(want))
}

// isEventTypeAllowed reports whether eventType may deploy; no list allows all
func (s *Server) isEventTypeAllowed(eventType string) bool {
	allowed := s.cfg.Serve.AllowedEventTypes
	return len(allowed) == 0 || slices.Contains(allowed, eventType)
}

// isRefAllowed reports whether pushes to ref are deployed; no list allows all
func (s *Server) isRefAllowed(ref string) bool {
	allowed := s.cfg.Serve.AllowedRefs
	return len(allowed) == 0 || slices.Contains(allowed, ref)
}

// syncOnce fast-forwards the working tree when configured and deploys it
func (s *Server) syncOnce(ctx context.Context) error {
	if t := s.takeTrigger(); t != nil {
		s.logger.Info("deploying push", "ref", t.ref, "commit", t.commit, "repo", t.repo)
	}

	if s.cfg.Serve.Pull {
		if err := s.pull(ctx); err != nil {
			return err
		}
	}

	result, err := s.syncer.Run(ctx)
	if err != nil {
		return err
	}
	if len(result.Failures) > 0 {
		s.logger.Warn("deployment finished with failed file operations", "failed", len(result.Failures))
	}
	return nil
}

// pull fast-forwards the checkout and logs which revision it moved to
func (s *Server) pull(ctx context.Context) error {
	puller, ok := s.vcs.(vcs.Puller)
	if !ok {
		s.logger.Warn("repository backend cannot pull, deploying current checkout")
		return nil
	}

	before, _ := s.vcs.CurrentRevision(ctx)
	if err := puller.Pull(ctx); err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	after, err := s.vcs.CurrentRevision(ctx)
	switch {
	case err != nil:
		s.logger.Warn("pulled repository, but HEAD could not be resolved", "error", err)
	case before == after:
		s.logger.Info("pull brought no new commits", "revision", after)
	default:
		s.logger.Info("pulled repository", "from", before, "to", after)
	}
	return nil
}
