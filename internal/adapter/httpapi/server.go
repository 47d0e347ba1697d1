// Package httpapi serves the gemini service as a JSON and SSE API.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"gemini-bridge/internal/domain"
	"gemini-bridge/internal/infra/config"
	"gemini-bridge/internal/infra/logger"
	"gemini-bridge/internal/infra/middleware"
	"gemini-bridge/internal/usecase/process"
)

// maxBodyBytes caps every request body.
const maxBodyBytes = 1 << 20

// Service is the subset of the gemini service the API calls.
type Service interface {
	Search(ctx context.Context, req domain.Request, allowFallback bool) (string, error)
	Chat(ctx context.Context, req domain.Request, allowFallback bool) (string, error)
	ChatStream(ctx context.Context, req domain.Request, allowFallback bool) (*process.Handle, error)
	BreakerStates() map[string]string
}

// ResolverStatus reports the cached CLI resolution.
type ResolverStatus interface {
	Status() process.ResolverStatus
}

// Deps bundles what the handlers need.
type Deps struct {
	Service  Service
	Resolver ResolverStatus
	Streams  *process.Registry
}

// Server is the HTTP API. Start is non-blocking; Stop shuts it down.
type Server struct {
	deps          Deps
	cfg           config.HTTPConfig
	allowFallback bool
	version       string
	logger        *slog.Logger
	schemas       *schemas
	startTime     time.Time

	server    *http.Server
	boundAddr string
	cancel    context.CancelFunc
}

// New builds the server. It fails only if the embedded request schemas do not compile.
func New(deps Deps, cfg *config.Config, version string, log *slog.Logger) (*Server, error) {
	sc, err := compileSchemas()
	if err != nil {
		return nil, fmt.Errorf("compile request schemas: %w", err)
	}
	if deps.Streams == nil {
		deps.Streams = process.NewRegistry(log)
	}
	return &Server{
		deps:          deps,
		cfg:           cfg.HTTP,
		allowFallback: cfg.Gemini.AllowFallback,
		version:       version,
		logger:        logger.Module(log, "http"),
		schemas:       sc,
		startTime:     time.Now(),
	}, nil
}

// Handler returns the routed API wrapped in the security, rate limit and
// request log middleware. ctx bounds the rate limiter's cleanup goroutine.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/search", s.handleSearch)
	mux.HandleFunc("POST /api/v1/chat", s.handleChat)
	mux.HandleFunc("POST /api/v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/streams", s.handleListStreams)
	mux.HandleFunc("DELETE /api/v1/streams/{id}", s.handleTerminateStream)

	limited := middleware.RateLimitWithConfig(ctx, middleware.RateLimitConfig{
		RequestsPerMin: s.cfg.RequestsPerMin,
		BurstSize:      s.cfg.BurstSize,
		TrustedProxies: s.cfg.TrustedProxies,
	})(mux)
	return middleware.RequestLog(s.logger)(middleware.SecurityHeaders(limited))
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Buffered calls can take as long as the chat timeout.
		WriteTimeout: 6 * time.Minute,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.boundAddr = ln.Addr().String()

	go func() {
		s.logger.Info("http api started", "addr", s.boundAddr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string { return s.boundAddr }

// Stop terminates live streams and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.deps.Streams.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
