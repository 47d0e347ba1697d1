// Package mcpserver exposes the gemini service as MCP tools over stdio.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"gemini-bridge/internal/domain"
	"gemini-bridge/internal/infra/config"
	"gemini-bridge/internal/infra/logger"
)

// Service is what the tools call into.
type Service interface {
	Search(ctx context.Context, req domain.Request, allowFallback bool) (string, error)
	Chat(ctx context.Context, req domain.Request, allowFallback bool) (string, error)
	Help(ctx context.Context, allowFallback bool) (string, error)
}

// Server owns the MCP server and its tool handlers.
type Server struct {
	svc              Service
	allowFallback    bool
	progressInterval time.Duration
	logger           *slog.Logger
	mcp              *server.MCPServer
}

// New builds the server and registers every tool.
func New(svc Service, cfg *config.Config, version string, log *slog.Logger) *Server {
	s := &Server{
		svc:              svc,
		allowFallback:    cfg.Gemini.AllowFallback,
		progressInterval: cfg.MCP.ProgressInterval.D(),
		logger:           logger.Module(log, "mcp"),
	}
	s.mcp = server.NewMCPServer(
		cfg.MCP.Name,
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Tools that run the Gemini CLI: web search with cited sources, and chat."),
	)
	s.mcp.AddTools(s.Tools()...)
	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio serves JSON-RPC over in/out until ctx is done or in closes.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(log.New(logWriter{s.logger}, "", 0))
	s.logger.Info("serving mcp over stdio")
	return stdio.Listen(ctx, in, out)
}

// Tools returns the tool definitions with their handlers.
func (s *Server) Tools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("search",
				mcp.WithDescription("Search the web through the Gemini CLI and return a summary with sources. Set raw for a JSON array of {title, url, snippet}."),
				mcp.WithString("query", mcp.Required(), mcp.Description("What to search for")),
				mcp.WithNumber("limit", mcp.Description("Maximum number of sources"), mcp.Min(1), mcp.Max(50)),
				mcp.WithBoolean("raw", mcp.Description("Return structured JSON results")),
				mcp.WithBoolean("sandbox", mcp.Description("Run the CLI in sandbox mode")),
				mcp.WithBoolean("yolo", mcp.Description("Auto-accept CLI actions")),
				mcp.WithString("model", mcp.Description("Gemini model name")),
				mcp.WithString("workdir", mcp.Description("Working directory for the CLI")),
			),
			Handler: s.handleSearch,
		},
		{
			Tool: mcp.NewTool("chat",
				mcp.WithDescription("Send a prompt to Gemini through the CLI and return the reply."),
				mcp.WithString("prompt", mcp.Required(), mcp.Description("The message to send")),
				mcp.WithBoolean("sandbox", mcp.Description("Run the CLI in sandbox mode")),
				mcp.WithBoolean("yolo", mcp.Description("Auto-accept CLI actions")),
				mcp.WithString("model", mcp.Description("Gemini model name")),
				mcp.WithString("workdir", mcp.Description("Working directory for the CLI")),
			),
			Handler: s.handleChat,
		},
		{
			Tool:    mcp.NewTool("help", mcp.WithDescription("Show the Gemini CLI usage text.")),
			Handler: s.handleHelp,
		},
		{
			Tool: mcp.NewTool("ping",
				mcp.WithDescription("Check that the bridge is alive. Does not start the CLI."),
				mcp.WithString("message", mcp.Description("Text to echo back")),
			),
			Handler: s.handlePing,
		},
	}
}

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	r := domain.Request{
		Mode:    domain.ModeSearch,
		Content: query,
		Limit:   req.GetInt("limit", 0),
		Raw:     req.GetBool("raw", false),
		Sandbox: req.GetBool("sandbox", false),
		Yolo:    req.GetBool("yolo", false),
		Model:   req.GetString("model", ""),
		WorkDir: req.GetString("workdir", ""),
	}
	return s.call(ctx, req, "search", func(ctx context.Context) (string, error) {
		return s.svc.Search(ctx, r, s.allowFallback)
	})
}

func (s *Server) handleChat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	r := domain.Request{
		Mode:    domain.ModeChat,
		Content: prompt,
		Sandbox: req.GetBool("sandbox", false),
		Yolo:    req.GetBool("yolo", false),
		Model:   req.GetString("model", ""),
		WorkDir: req.GetString("workdir", ""),
	}
	return s.call(ctx, req, "chat", func(ctx context.Context) (string, error) {
		return s.svc.Chat(ctx, r, s.allowFallback)
	})
}

func (s *Server) handleHelp(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.call(ctx, req, "help", func(ctx context.Context) (string, error) {
		return s.svc.Help(ctx, s.allowFallback)
	})
}

func (s *Server) handlePing(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	msg := req.GetString("message", "")
	if msg == "" {
		return mcp.NewToolResultText("pong"), nil
	}
	return mcp.NewToolResultText("pong: " + msg), nil
}

// call runs fn while reporting progress, and turns failures into tool errors.
func (s *Server) call(ctx context.Context, req mcp.CallToolRequest, tool string, fn func(context.Context) (string, error)) (*mcp.CallToolResult, error) {
	stop := s.startProgress(ctx, req, tool)
	start := time.Now()
	out, err := fn(ctx)
	stop()

	if err != nil {
		s.logger.Error("tool failed", "tool", tool, "error", err, "code", domain.ErrorCodeOf(err))
		return mcp.NewToolResultError(FormatError(err)), nil
	}
	s.logger.Info("tool finished", "tool", tool, "duration", time.Since(start))
	return mcp.NewToolResultText(out), nil
}

// startProgress sends periodic progress notifications when the client asked
// for them with a progress token. The returned func stops the ticker.
func (s *Server) startProgress(ctx context.Context, req mcp.CallToolRequest, tool string) func() {
	if req.Params.Meta == nil || req.Params.Meta.ProgressToken == nil || s.progressInterval <= 0 {
		return func() {}
	}
	srv := server.ServerFromContext(ctx)
	if srv == nil {
		return func() {}
	}
	token := req.Params.Meta.ProgressToken

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.progressInterval)
		defer ticker.Stop()
		start := time.Now()
		for n := 1; ; n++ {
			select {
			case <-ticker.C:
				err := srv.SendNotificationToClient(ctx, "notifications/progress", map[string]any{
					"progressToken": token,
					"progress":      n,
					"message":       fmt.Sprintf("%s still running (%s)", tool, time.Since(start).Round(time.Second)),
				})
				if err != nil {
					s.logger.Debug("progress notification failed", "error", err)
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}

// FormatError renders err as a message a tool caller can act on.
func FormatError(err error) string {
	var ce *domain.CLIError
	if errors.As(err, &ce) {
		last := ce.Last()
		var b strings.Builder
		fmt.Fprintf(&b, "Gemini CLI error (%s): %s", domain.ErrorCodeOf(err), err.Error())
		fmt.Fprintf(&b, "\ncommand: %s", last.Invocation())
		switch last.Kind {
		case domain.KindExecution:
			fmt.Fprintf(&b, "\nexit code: %d", last.ExitCode)
			if s := strings.TrimSpace(last.Stderr); s != "" {
				fmt.Fprintf(&b, "\nstderr:\n%s", s)
			}
		case domain.KindSpawn:
			b.WriteString("\nhint: install the CLI with `npm install -g @google/gemini-cli` or enable the npx fallback")
		case domain.KindTimeout:
			b.WriteString("\nhint: raise GEMINI_BRIDGE_SEARCH_TIMEOUT or GEMINI_BRIDGE_CHAT_TIMEOUT")
		}
		return b.String()
	}
	if errors.Is(err, domain.ErrCircuitOpen) {
		return "Gemini CLI is failing repeatedly; calls are paused briefly. " + err.Error()
	}
	return fmt.Sprintf("%s (%s)", err.Error(), domain.ErrorCodeOf(err))
}

// logWriter adapts the stdio server's *log.Logger output to slog.
type logWriter struct{ l *slog.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.l.Error(strings.TrimSpace(string(p)))
	return len(p), nil
}
