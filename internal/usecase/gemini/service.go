package gemini

import (
	"context"
	"log/slog"
	"time"

	"gemini-bridge/internal/domain"
	"gemini-bridge/internal/infra/config"
	"gemini-bridge/internal/infra/logger"
	"gemini-bridge/internal/usecase/process"
)

// APIKeyEnv is the variable the CLI reads an API key from.
const APIKeyEnv = "GEMINI_API_KEY"

// Executor is the part of process.Engine the service uses.
type Executor interface {
	Execute(ctx context.Context, cmd domain.ResolvedCommand, args []string, opts domain.ExecutionOptions) (string, error)
	StartStream(ctx context.Context, cmd domain.ResolvedCommand, args []string, opts domain.ExecutionOptions) (*process.Handle, error)
}

// Service maps search and chat requests onto CLI invocations.
type Service struct {
	exec     Executor
	resolver domain.CommandResolver
	gemini   config.GeminiConfig
	executor config.ExecutorConfig
	logger   *slog.Logger

	searchBreaker *breaker
	chatBreaker   *breaker
}

// NewService wires the service. cfg supplies timeouts, the default model,
// the configured API key and breaker settings.
func NewService(exec Executor, resolver domain.CommandResolver, cfg *config.Config, log *slog.Logger) *Service {
	log = logger.Module(log, "gemini")
	return &Service{
		exec:          exec,
		resolver:      resolver,
		gemini:        cfg.Gemini,
		executor:      cfg.Executor,
		logger:        log,
		searchBreaker: newBreaker("search", cfg.Breaker, log),
		chatBreaker:   newBreaker("chat", cfg.Breaker, log),
	}
}

// Search runs a web search. Raw requests get their JSON output pretty-printed.
func (s *Service) Search(ctx context.Context, req domain.Request, allowFallback bool) (string, error) {
	req.Mode = domain.ModeSearch
	if err := req.Validate(); err != nil {
		return "", err
	}
	args := SearchArgs(SearchParams{
		Query:   req.Content,
		Limit:   req.Limit,
		Raw:     req.Raw,
		Sandbox: req.Sandbox,
		Yolo:    req.Yolo,
		Model:   s.model(req),
	})

	out, err := s.searchBreaker.do("Service.Search", func() (any, error) {
		return s.run(ctx, allowFallback, args, s.options(req, s.executor.SearchTimeout.D()))
	})
	if err != nil {
		return "", err
	}
	text := out.(string)
	if req.Raw {
		text = FormatStructured(text)
	}
	return text, nil
}

// Chat sends one message and returns the full reply.
func (s *Service) Chat(ctx context.Context, req domain.Request, allowFallback bool) (string, error) {
	req.Mode = domain.ModeChat
	if err := req.Validate(); err != nil {
		return "", err
	}
	args := ChatArgs(s.chatParams(req))

	out, err := s.chatBreaker.do("Service.Chat", func() (any, error) {
		return s.run(ctx, allowFallback, args, s.options(req, s.executor.ChatTimeout.D()))
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// ChatStream starts a chat whose output is delivered incrementally. The
// caller owns the handle and must drain or terminate it.
func (s *Service) ChatStream(ctx context.Context, req domain.Request, allowFallback bool) (*process.Handle, error) {
	req.Mode = domain.ModeChat
	if err := req.Validate(); err != nil {
		return nil, err
	}
	args := ChatArgs(s.chatParams(req))
	cmd := s.resolver.Resolve(ctx, allowFallback, true)

	// Only the spawn goes through the breaker; output errors reach the caller via the handle.
	h, err := s.chatBreaker.do("Service.ChatStream", func() (any, error) {
		return s.exec.StartStream(ctx, cmd, args, s.options(req, 0))
	})
	if err != nil {
		return nil, err
	}
	return h.(*process.Handle), nil
}

// Help returns the CLI's own usage text.
func (s *Service) Help(ctx context.Context, allowFallback bool) (string, error) {
	once := domain.DefaultRetryConfig()
	once.MaxAttempts = 1
	opts := domain.ExecutionOptions{Timeout: s.executor.Timeout.D(), Retry: &once}
	out, err := s.run(ctx, allowFallback, []string{"--help"}, opts)
	if err != nil {
		// A single attempt still reports exhaustion; surface the real failure.
		return "", unwrapSingleAttempt(err)
	}
	return out, nil
}

// BreakerStates reports each verb's circuit state.
func (s *Service) BreakerStates() map[string]string {
	return map[string]string{
		"search": s.searchBreaker.state(),
		"chat":   s.chatBreaker.state(),
	}
}

func (s *Service) run(ctx context.Context, allowFallback bool, args []string, opts domain.ExecutionOptions) (string, error) {
	cmd := s.resolver.Resolve(ctx, allowFallback, true)
	start := time.Now()
	out, err := s.exec.Execute(ctx, cmd, args, opts)
	if err != nil {
		s.logger.Error("cli call failed", "command", cmd.String(), "error", err, "code", domain.ErrorCodeOf(err))
		return "", err
	}
	s.logger.Info("cli call finished", "command", cmd.String(), "duration", time.Since(start), "bytes", len(out))
	return out, nil
}

func (s *Service) options(req domain.Request, timeout time.Duration) domain.ExecutionOptions {
	opts := domain.ExecutionOptions{Timeout: timeout, WorkDir: req.WorkDir}
	key := req.APIKey
	if key == "" {
		key = s.gemini.APIKey
	}
	if key != "" {
		opts.Env = map[string]domain.EnvValue{APIKeyEnv: domain.SetEnv(key)}
	}
	return opts
}

func (s *Service) chatParams(req domain.Request) ChatParams {
	return ChatParams{Message: req.Content, Sandbox: req.Sandbox, Yolo: req.Yolo, Model: s.model(req)}
}

func (s *Service) model(req domain.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return s.gemini.DefaultModel
}

func unwrapSingleAttempt(err error) error {
	if ce, ok := err.(*domain.CLIError); ok && ce.Kind == domain.KindRetriesExhausted && ce.Attempts == 1 {
		return ce.Last()
	}
	return err
}
