package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"gemini-bridge/internal/domain"
	"gemini-bridge/internal/infra/middleware"
	"gemini-bridge/internal/usecase/gemini"
	"gemini-bridge/internal/usecase/process"
)

type searchRequest struct {
	Query         string `json:"query"`
	Limit         int    `json:"limit"`
	Raw           bool   `json:"raw"`
	Sandbox       bool   `json:"sandbox"`
	Yolo          bool   `json:"yolo"`
	Model         string `json:"model"`
	WorkDir       string `json:"workdir"`
	AllowFallback *bool  `json:"allow_fallback"`
}

type chatRequest struct {
	Prompt        string `json:"prompt"`
	Sandbox       bool   `json:"sandbox"`
	Yolo          bool   `json:"yolo"`
	Model         string `json:"model"`
	WorkDir       string `json:"workdir"`
	AllowFallback *bool  `json:"allow_fallback"`
}

func (c chatRequest) domain() domain.Request {
	return domain.Request{
		Mode:    domain.ModeChat,
		Content: c.Prompt,
		Sandbox: c.Sandbox,
		Yolo:    c.Yolo,
		Model:   c.Model,
		WorkDir: c.WorkDir,
	}
}

// OutputResponse is the body of a successful search or chat. Sources is set
// for raw searches whose output decodes as a source list.
type OutputResponse struct {
	Output   string          `json:"output"`
	Sources  []gemini.Source `json:"sources,omitempty"`
	Duration string          `json:"duration"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Version       string                 `json:"version"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	AllowFallback bool                   `json:"allow_fallback"`
	Resolver      process.ResolverStatus `json:"resolver"`
	Breakers      map[string]string      `json:"breakers"`
	Streams       int                    `json:"streams"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body searchRequest
	if err := decodeBody(w, r, s.schemas.search, &body); err != nil {
		s.writeError(w, err)
		return
	}
	req := domain.Request{
		Mode:    domain.ModeSearch,
		Content: body.Query,
		Limit:   body.Limit,
		Raw:     body.Raw,
		Sandbox: body.Sandbox,
		Yolo:    body.Yolo,
		Model:   body.Model,
		WorkDir: body.WorkDir,
	}

	start := time.Now()
	out, err := s.deps.Service.Search(r.Context(), req, s.fallback(r, body.AllowFallback))
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := OutputResponse{Output: out, Duration: time.Since(start).Round(time.Millisecond).String()}
	if body.Raw {
		if sources, err := gemini.ParseSources(out); err == nil {
			resp.Sources = sources
		} else {
			s.logger.Debug("raw search output is not a source list", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := decodeBody(w, r, s.schemas.chat, &body); err != nil {
		s.writeError(w, err)
		return
	}

	start := time.Now()
	out, err := s.deps.Service.Chat(r.Context(), body.domain(), s.fallback(r, body.AllowFallback))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OutputResponse{Output: out, Duration: time.Since(start).Round(time.Millisecond).String()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		AllowFallback: s.allowFallback,
		Breakers:      s.deps.Service.BreakerStates(),
		Streams:       len(s.deps.Streams.List()),
	}
	if s.deps.Resolver != nil {
		resp.Resolver = s.deps.Resolver.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"streams": s.deps.Streams.List()})
}

func (s *Server) handleTerminateStream(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Streams.Terminate(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fallback picks the resolver fallback flag: body field, then the
// ?fallback= query parameter, then the configured default.
func (s *Server) fallback(r *http.Request, body *bool) bool {
	if body != nil {
		return *body
	}
	if q := r.URL.Query().Get("fallback"); q != "" {
		if v, err := strconv.ParseBool(q); err == nil {
			return v
		}
	}
	return s.allowFallback
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err, "code", domain.ErrorCodeOf(err))
	}
	middleware.WriteError(w, status, err)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var ce *domain.CLIError
	switch {
	case errors.Is(err, domain.ErrLimitReached):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrCircuitOpen), errors.Is(err, domain.ErrCancelled):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &ce):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
