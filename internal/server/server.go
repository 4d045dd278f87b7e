// Package server exposes the notrition HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/fclairamb/notrition/internal/version"
)

const (
	// HTTP server timeouts.
	readHeaderTimeout = 10 * time.Second // Timeout for reading request headers
	shutdownTimeout   = 30 * time.Second // Timeout for graceful shutdown
)

// Config holds the server settings.
type Config struct {
	ListenAddr string // NTR_LISTEN_ADDR, default :8080
}

// Server is the API HTTP server.
type Server struct {
	handler    *Handler
	httpServer *http.Server
	config     Config
	logger     *slog.Logger
	pusher     *ArchivePusher
	pusherDone chan struct{}
	cancelFunc context.CancelFunc
}

// NewServer creates the server. If pusher is not nil, it runs alongside the HTTP server.
func NewServer(cfg Config, deps Deps, logger *slog.Logger, pusher *ArchivePusher) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	handler := NewHandler(deps, logger)

	return &Server{
		handler: handler,
		config:  cfg,
		logger:  logger,
		pusher:  pusher,
		httpServer: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           loggingMiddleware(handler.Routes(), logger),
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// Start starts the HTTP server. This method blocks until the server is stopped.
func (s *Server) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting api server",
		"listen_addr", s.config.ListenAddr,
		"archive_push", s.pusher != nil,
		"version", version.Version,
		"commit", version.Commit,
		"build_time", version.GitTime)

	// Background work (tracked refreshes, archive pushes) stops with the server
	workerCtx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel
	s.handler.background = workerCtx

	if s.pusher != nil {
		s.pusherDone = make(chan struct{})
		go func() {
			defer close(s.pusherDone)
			s.pusher.Start(workerCtx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.InfoContext(ctx, "shutting down api server")
		// Use a detached context so that shutdown can complete after ctx was canceled
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errCh:
		cancel()
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	if s.pusherDone != nil {
		s.logger.InfoContext(ctx, "waiting for archive pusher to finish")
		<-s.pusherDone
	}

	return err
}

// Addr returns the server's address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the flusher of streamed responses.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// loggingMiddleware logs all HTTP requests. Query strings are not logged: the OAuth
// callback carries a state token.
func loggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		logger.DebugContext(req.Context(), "http request",
			"method", req.Method,
			"path", req.URL.Path,
			"remote_addr", req.RemoteAddr,
			"user_agent", req.UserAgent())

		next.ServeHTTP(wrapped, req)

		logger.InfoContext(req.Context(), "http response",
			"method", req.Method,
			"path", req.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
