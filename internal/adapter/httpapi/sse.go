package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"gemini-bridge/internal/domain"
	"gemini-bridge/internal/infra/middleware"
)

// SSE event names for /api/v1/chat/stream.
const (
	EventStart  = "start"
	EventStdout = "stdout"
	EventStderr = "stderr"
	EventDone   = "done"
	EventError  = "error"
)

// StartEvent opens a stream and names the handle for DELETE /api/v1/streams/{id}.
type StartEvent struct {
	ID  string `json:"id"`
	PID int    `json:"pid"`
}

// ChunkEvent carries one stdout or stderr chunk.
type ChunkEvent struct {
	Data string `json:"data"`
}

// DoneEvent reports a clean exit.
type DoneEvent struct {
	ExitCode int `json:"exit_code"`
}

// ErrorEvent reports a failed start or a non-zero exit.
type ErrorEvent struct {
	middleware.ErrorBody
	ExitCode int    `json:"exit_code,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// writeEvent writes one SSE frame. JSON encoding keeps data on a single line.
func writeEvent(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func errorEvent(err error) ErrorEvent {
	ev := ErrorEvent{ErrorBody: middleware.ErrorBody{Error: err.Error(), Code: domain.ErrorCodeOf(err)}}
	var ce *domain.CLIError
	if errors.As(err, &ce) {
		ev.ExitCode = ce.ExitCode
		ev.Stderr = ce.Stderr
	}
	return ev
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := decodeBody(w, r, s.schemas.chat, &body); err != nil {
		s.writeError(w, err)
		return
	}

	// The handle is bound to the request context: a client disconnect kills the process.
	h, err := s.deps.Service.ChatStream(r.Context(), body.domain(), s.fallback(r, body.AllowFallback))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.deps.Streams.Track(h)
	log := s.logger.With("stream_id", h.ID())

	rc := http.NewResponseController(w)
	// Streams may outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(event string, v any) bool {
		if err := writeEvent(w, event, v); err != nil {
			log.Debug("sse write failed", "error", err)
			return false
		}
		if err := rc.Flush(); err != nil {
			log.Debug("sse flush failed", "error", err)
			return false
		}
		return true
	}

	if !send(EventStart, StartEvent{ID: h.ID(), PID: h.PID()}) {
		_ = h.Terminate()
		return
	}

	for {
		select {
		case <-r.Context().Done():
			log.Info("client disconnected, terminating stream")
			_ = h.Terminate()
			return
		case ev, ok := <-h.Events():
			if !ok {
				return
			}
			var delivered bool
			switch ev.Type {
			case domain.StreamStdout:
				delivered = send(EventStdout, ChunkEvent{Data: ev.Data})
			case domain.StreamStderr:
				delivered = send(EventStderr, ChunkEvent{Data: ev.Data})
			case domain.StreamExit:
				if ev.Err != nil {
					send(EventError, errorEvent(ev.Err))
				} else {
					send(EventDone, DoneEvent{ExitCode: ev.ExitCode})
				}
				return
			}
			if !delivered {
				_ = h.Terminate()
				return
			}
		}
	}
}
