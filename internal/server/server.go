// Package server exposes an HTTP build trigger and the last build summary.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/simplebundler/internal/build"
	"github.com/schaermu/simplebundler/internal/config"
)

// SignatureHeader carries the HMAC-SHA256 of the request body
const SignatureHeader = "X-Simplebundler-Signature-256"

// Builder runs a build and exposes the summaries of the last success
type Builder interface {
	Run(ctx context.Context) ([]build.Summary, error)
	Cache() *build.Cache
}

// SummaryResponse is the body of GET /summary
type SummaryResponse struct {
	Built   bool            `json:"built"`
	Bundles []build.Summary `json:"bundles"`
}

// Server implements the build trigger HTTP server
type Server struct {
	cfg          *config.Config
	builder      Builder
	logger       *slog.Logger
	secret       []byte
	ctx          context.Context
	buildMu      sync.Mutex // guards buildRunning and buildPending
	buildRunning bool       // whether a build is currently in progress
	buildPending bool       // whether another build is needed after the current one
	debounce     *debouncer
}

// debouncer implements debouncing for trigger requests
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new server
func NewServer(cfg *config.Config, builder Builder, logger *slog.Logger) (*Server, error) {
	if cfg.Serve.SecretFile == "" {
		return nil, errors.New("serve.secret_file is required")
	}

	// Load trigger secret from file
	secret, err := os.ReadFile(cfg.Serve.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read trigger secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, errors.New("trigger secret is empty")
	}

	return &Server{
		cfg:      cfg,
		builder:  builder,
		logger:   logger,
		secret:   secret,
		ctx:      context.Background(),
		debounce: &debouncer{delay: cfg.Watch.Debounce},
	}, nil
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/build", s.handleBuild)
	mux.HandleFunc("/summary", s.handleSummary)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintln(w, "ok")
	})
	return mux
}

// Start performs an initial build and then serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx

	s.logger.Info("performing initial build before starting server")
	s.performBuild(ctx)

	ln, activated, err := listen(s.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", ln.Addr().String(), "socket_activated", activated)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleBuild accepts signed build triggers
func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	s.logger.Info("build trigger accepted", "remote", r.RemoteAddr)

	s.debounce.trigger(func() {
		s.performBuild(s.ctx)
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Build triggered\n")
}

// handleSummary returns the cached summaries as JSON
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	summaries, built := s.builder.Cache().Load()
	if summaries == nil {
		summaries = []build.Summary{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(SummaryResponse{Built: built, Bundles: summaries}); err != nil {
		s.logger.Error("failed to encode summary", "error", err)
	}
}

// verifySignature verifies the sha256=<hex> HMAC of body
func (s *Server) verifySignature(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// performBuild executes a build with single-flight semantics.
// If a build is already in progress, at most one additional run is queued;
// further concurrent requests are dropped.
func (s *Server) performBuild(ctx context.Context) {
	s.buildMu.Lock()
	if s.buildRunning {
		s.buildPending = true
		s.buildMu.Unlock()
		s.logger.Info("build already in progress, queuing pending re-run")
		return
	}
	s.buildRunning = true
	s.buildMu.Unlock()

	for {
		if summaries, err := s.builder.Run(ctx); err != nil {
			s.logger.Error("build failed", "error", err)
		} else {
			s.logger.Info("build completed", "bundles", len(summaries))
		}

		s.buildMu.Lock()
		if !s.buildPending {
			s.buildRunning = false
			s.buildMu.Unlock()
			break
		}
		s.buildPending = false
		s.buildMu.Unlock()

		s.logger.Info("re-running build due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
