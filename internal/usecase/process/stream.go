package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"gemini-bridge/internal/domain"
	"gemini-bridge/internal/infra/tracer"
)

const (
	streamChunkSize  = 4096
	streamEventQueue = 64
)

// Handle is a streaming subprocess owned by the caller. Events delivers
// stdout and stderr chunks in emission order per stream, then one exit event,
// then closes.
type Handle struct {
	id        string
	cmd       *exec.Cmd
	command   domain.ResolvedCommand
	argv      []string
	startedAt time.Time
	logger    *slog.Logger

	events  chan domain.StreamEvent
	abandon chan struct{}
	done    chan struct{}
	tail    *ringBuffer

	stopWatch     func() bool
	terminateOnce sync.Once
	exitCode      int
	exitErr       error
}

var _ domain.ProcessHandle = (*Handle)(nil)

// Stream starts the command without timeout or retry and hands the process
// to the caller. Cancelling ctx kills the process.
func (e *Engine) Stream(ctx context.Context, cmd domain.ResolvedCommand, args []string, opts domain.ExecutionOptions) (domain.ProcessHandle, error) {
	return e.StartStream(ctx, cmd, args, opts)
}

// StartStream is Stream returning the concrete handle.
func (e *Engine) StartStream(ctx context.Context, cmd domain.ResolvedCommand, args []string, opts domain.ExecutionOptions) (*Handle, error) {
	argv := cmd.Argv(args)
	_, span := tracer.StartSpan(ctx, "cli.stream")
	span.SetAttributes(tracer.StringAttr("cli.command", cmd.Command), tracer.IntAttr("cli.args", len(argv)))

	c := e.command(ctx, cmd.Command, argv, opts)
	// exec copies output into these pipes, so Wait (bounded by WaitDelay)
	// returns even when a grandchild keeps the descriptors open.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	c.Stdout = stdoutW
	c.Stderr = stderrW
	stdin, err := c.StdinPipe()
	if err != nil {
		tracer.End(span, err)
		return nil, domain.NewSpawnError(cmd.Command, argv, err)
	}

	if err := c.Start(); err != nil {
		e.spawnFailed(cmd)
		spawnErr := domain.NewSpawnError(cmd.Command, argv, err)
		tracer.End(span, spawnErr)
		return nil, spawnErr
	}
	stdin.Close()

	h := &Handle{
		id:        newHandleID(),
		cmd:       c,
		command:   cmd,
		argv:      argv,
		startedAt: time.Now(),
		events:    make(chan domain.StreamEvent, streamEventQueue),
		abandon:   make(chan struct{}),
		done:      make(chan struct{}),
		tail:      newRingBuffer(DefaultTailBytes),
	}
	h.logger = e.logger.With("stream_id", h.id, "pid", c.Process.Pid)
	h.logger.Info("stream started", "command", cmd.Command)

	var readers sync.WaitGroup
	readers.Add(2)
	go h.pump(&readers, stdoutR, domain.StreamStdout, nil)
	go h.pump(&readers, stderrR, domain.StreamStderr, &stderrSink{w: h.tail, logger: h.logger})

	h.stopWatch = context.AfterFunc(ctx, func() { _ = h.Terminate() })

	go func() {
		waitErr := c.Wait()
		stdoutW.Close()
		stderrW.Close()
		readers.Wait()
		h.finish(waitErr)
		span.SetAttributes(tracer.IntAttr("cli.exit_code", h.exitCode))
		tracer.End(span, h.exitErr)
	}()
	return h, nil
}

// pump forwards chunks from r as events. sink, when set, also sees each chunk.
func (h *Handle) pump(wg *sync.WaitGroup, r io.Reader, typ domain.StreamEventType, sink io.Writer) {
	defer wg.Done()
	buf := make([]byte, streamChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			if sink != nil {
				sink.Write(buf[:n])
			}
			h.send(domain.StreamEvent{Type: typ, Data: chunk})
		}
		if err != nil {
			return
		}
	}
}

func (h *Handle) send(ev domain.StreamEvent) {
	select {
	case h.events <- ev:
	case <-h.abandon:
	}
}

func (h *Handle) finish(waitErr error) {
	h.exitCode = exitCode(h.cmd)
	var ee *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.Is(waitErr, exec.ErrWaitDelay) && h.cmd.ProcessState != nil && h.cmd.ProcessState.Success():
		h.logger.Warn("stream output pipes outlived the process")
	case errors.As(waitErr, &ee):
		h.exitErr = domain.NewExecutionError(h.command.Command, h.argv, h.exitCode, "", h.tail.String())
	default:
		h.exitErr = fmt.Errorf("wait for stream %s: %w", h.id, waitErr)
	}

	h.stopWatch()
	h.logger.Info("stream finished", "exit_code", h.exitCode, "duration", time.Since(h.startedAt))
	h.send(domain.StreamEvent{Type: domain.StreamExit, ExitCode: h.exitCode, Err: h.exitErr})
	close(h.events)
	close(h.done)
}

// ID returns the handle's ULID.
func (h *Handle) ID() string { return h.id }

// PID returns the operating-system process id.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Command returns the resolved command the handle runs.
func (h *Handle) Command() domain.ResolvedCommand { return h.command }

// StartedAt returns when the process was spawned.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Events returns the ordered event channel. It is closed after the exit event.
func (h *Handle) Events() <-chan domain.StreamEvent { return h.events }

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Terminate kills the process and its process group. Output not yet consumed may be dropped so
// that an abandoned handle never blocks its readers. Safe to call repeatedly
// and after exit.
func (h *Handle) Terminate() error {
	var err error
	h.terminateOnce.Do(func() {
		close(h.abandon)
		select {
		case <-h.done:
			return
		default:
		}
		h.logger.Info("terminating stream")
		if kerr := killGroup(h.cmd.Process); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = fmt.Errorf("kill stream %s: %w", h.id, kerr)
		}
	})
	return err
}

// Wait blocks until the process exits and returns its exit code. A non-zero
// exit yields an execution CLIError carrying the stderr tail.
func (h *Handle) Wait() (int, error) {
	<-h.done
	return h.exitCode, h.exitErr
}

// StderrTail returns the most recent stderr output.
func (h *Handle) StderrTail() string { return h.tail.String() }

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newHandleID returns ULIDs that sort in creation order within this process.
func newHandleID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Now(), idEntropy).String()
}
