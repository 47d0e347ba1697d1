package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/joho/godotenv"

	"gemini-bridge/internal/adapter/httpapi"
	"gemini-bridge/internal/adapter/mcpserver"
	"gemini-bridge/internal/domain"
	"gemini-bridge/internal/usecase/process"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	_ = godotenv.Load()

	cmd, rest := "mcp", os.Args[1:]
	if len(rest) > 0 {
		switch rest[0] {
		case "--help", "-h", "help":
			showUsage(os.Stdout)
			return
		case "--version", "version":
			fmt.Println("gemini-bridge", version)
			return
		}
		if !strings.HasPrefix(rest[0], "-") {
			cmd, rest = rest[0], rest[1:]
		}
	}

	flags, err := parseFlags(rest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\nRun 'gemini-bridge --help' for usage information.\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "mcp":
		err = runMCP(ctx, flags)
	case "serve":
		err = runServe(ctx, flags)
	case "search":
		err = runSearch(ctx, flags, os.Stdout)
	case "chat":
		err = runChat(ctx, flags, os.Stdout)
	case "doctor":
		err = runDoctor(ctx, flags, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'gemini-bridge --help' for usage information.\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", cmd, describeError(err))
		cancel()
		os.Exit(1)
	}
}

func showUsage(w io.Writer) {
	fmt.Fprintln(w, `gemini-bridge - expose the Gemini CLI as MCP tools, an HTTP API and a command line

USAGE:
    gemini-bridge [COMMAND] [FLAGS] [TEXT...]

COMMANDS:
    mcp         Serve MCP tools over stdio (default)
    serve       Serve the HTTP/SSE API
    search      Run one web search and print the result
    chat        Send one prompt and print the reply
    doctor      Check that the CLI can be found and the config is valid

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file (default: ./gemini-bridge.yaml)
    --no-fallback      Never fall back to npx when gemini is not on PATH
    --model NAME       Gemini model name
    --workdir DIR      Working directory for the CLI
    --sandbox          Run the CLI in sandbox mode
    --yolo             Auto-accept CLI actions
    --raw              search: print structured JSON sources
    --limit N          search: maximum number of sources
    --stream           chat: print output as it arrives
    --render           search/chat: render the reply as markdown
    --addr HOST:PORT   serve: listen address (default: 127.0.0.1:8787)

CONFIGURATION:
    Config file: ./gemini-bridge.yaml (or GEMINI_BRIDGE_CONFIG)
    Environment: GEMINI_BRIDGE_* variables override the file; .env is loaded first
    API key:     GEMINI_API_KEY is passed through to the CLI

EXAMPLES:
    gemini-bridge                                  # MCP server for an MCP client
    gemini-bridge serve --addr 127.0.0.1:9000      # HTTP API
    gemini-bridge search --raw --limit 5 TypeScript
    gemini-bridge chat --stream "explain context.AfterFunc"
    gemini-bridge doctor`)
}

// describeError renders CLI failures with their command, exit code and stderr.
func describeError(err error) string {
	var ce *domain.CLIError
	if errors.As(err, &ce) || errors.Is(err, domain.ErrCircuitOpen) {
		return mcpserver.FormatError(err)
	}
	return err.Error()
}

func runMCP(ctx context.Context, flags cliFlags) error {
	a, err := bootstrap(ctx, flags, true)
	if err != nil {
		return err
	}
	defer a.close()

	srv := mcpserver.New(a.service, a.cfg, version, a.logger)
	err = srv.ServeStdio(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runServe(ctx context.Context, flags cliFlags) error {
	a, err := bootstrap(ctx, flags, false)
	if err != nil {
		return err
	}
	defer a.close()

	srv, err := httpapi.New(httpapi.Deps{
		Service:  a.service,
		Resolver: a.resolver,
		Streams:  a.streams,
	}, a.cfg, version, a.logger)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func requestFrom(flags cliFlags, mode domain.Mode) domain.Request {
	return domain.Request{
		Mode:    mode,
		Content: flags.Text(),
		Limit:   flags.Limit,
		Raw:     flags.Raw,
		Sandbox: flags.Sandbox,
		Yolo:    flags.Yolo,
		Model:   flags.Model,
		WorkDir: flags.WorkDir,
	}
}

func runSearch(ctx context.Context, flags cliFlags, out io.Writer) error {
	if flags.Text() == "" {
		return fmt.Errorf("a search query is required")
	}
	a, err := bootstrap(ctx, flags, false)
	if err != nil {
		return err
	}
	defer a.close()

	result, err := a.service.Search(ctx, requestFrom(flags, domain.ModeSearch), a.cfg.Gemini.AllowFallback)
	if err != nil {
		return err
	}
	return printResult(out, result, flags.Render && !flags.Raw)
}

func runChat(ctx context.Context, flags cliFlags, out io.Writer) error {
	if flags.Text() == "" {
		return fmt.Errorf("a message is required")
	}
	a, err := bootstrap(ctx, flags, false)
	if err != nil {
		return err
	}
	defer a.close()

	req := requestFrom(flags, domain.ModeChat)
	if flags.Stream {
		h, err := a.service.ChatStream(ctx, req, a.cfg.Gemini.AllowFallback)
		if err != nil {
			return err
		}
		a.streams.Track(h)
		return copyStream(h, out, os.Stderr)
	}

	result, err := a.service.Chat(ctx, req, a.cfg.Gemini.AllowFallback)
	if err != nil {
		return err
	}
	return printResult(out, result, flags.Render)
}

// copyStream writes stdout chunks as they arrive. Benign stderr notices are
// dropped; other stderr goes to errOut.
func copyStream(h domain.ProcessHandle, out, errOut io.Writer) error {
	for ev := range h.Events() {
		switch ev.Type {
		case domain.StreamStdout:
			if _, err := io.WriteString(out, ev.Data); err != nil {
				_ = h.Terminate()
				return err
			}
		case domain.StreamStderr:
			if !process.IsInfoMessage(ev.Data) {
				_, _ = io.WriteString(errOut, ev.Data)
			}
		case domain.StreamExit:
			return ev.Err
		}
	}
	return nil
}

func printResult(out io.Writer, text string, render bool) error {
	if render {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
		if err != nil {
			return fmt.Errorf("markdown renderer: %w", err)
		}
		rendered, err := r.Render(text)
		if err != nil {
			return fmt.Errorf("render markdown: %w", err)
		}
		text = rendered
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	_, err := io.WriteString(out, text)
	return err
}
