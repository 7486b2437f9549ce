// Package status serves the daemon's HTTP status surface: liveness,
// readiness, Prometheus metrics and a filtered view of the history ledger.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crashlogd/internal/health"
)

const (
	shutdownTimeout = 5 * time.Second
	maxHistoryLimit = 1000
)

// History exposes the retained ledger lines.
type History interface {
	Entries() ([]string, error)
}

// Config configures a Server.
type Config struct {
	Listen   string
	Checker  *health.Checker
	History  History
	Gatherer prometheus.Gatherer
	Version  string
	Logger   *slog.Logger
}

// Server is the HTTP status endpoint.
type Server struct {
	cfg    Config
	logger *slog.Logger
	engine *gin.Engine
}

// HistoryResponse is the body of GET /history.
type HistoryResponse struct {
	Count   int      `json:"count"`
	Entries []string `json:"entries"`
}

// New builds the router. Nothing listens until Run.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Checker == nil {
		cfg.Checker = health.NewChecker()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "status"),
	}
	s.engine = s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.handleLive)
	r.GET("/readyz", s.handleReady)
	r.GET("/health", s.handleHealth)
	r.GET("/history", s.handleHistory)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"version":   s.cfg.Version,
		"uptime":    s.cfg.Checker.Uptime().Round(time.Second).String(),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.cfg.Checker.IsReady() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "ready": false})
		return
	}
	s.cfg.Checker.Check(c.Request.Context())
	st := s.cfg.Checker.OverallStatus()
	code := http.StatusOK
	if st == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": st, "ready": true})
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.cfg.Checker.Report(c.Request.Context(), c.Query("full") == "true")
	code := http.StatusOK
	switch report.Status {
	case health.StatusHealthy, health.StatusDegraded:
	default:
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

// handleHistory returns the retained lines containing ?contains=, newest
// last, limited to the most recent ?limit= lines.
func (s *Server) handleHistory(c *gin.Context) {
	if s.cfg.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history not available"})
		return
	}
	limit := maxHistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	lines, err := s.cfg.History.Entries()
	if err != nil {
		s.logger.Error("read history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	contains := c.Query("contains")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if contains == "" || strings.Contains(l, contains) {
			out = append(out, l)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	c.JSON(http.StatusOK, HistoryResponse{Count: len(out), Entries: out})
}

// Run listens on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("status: listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("status server listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status: serve: %w", err)
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("status: shutdown: %w", err)
	}
	return nil
}
