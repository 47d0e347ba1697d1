package process

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"gemini-bridge/internal/domain"
	"gemini-bridge/internal/infra/logger"
)

// HandleInfo summarizes a live stream for listings.
type HandleInfo struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
}

// Registry tracks live stream handles so they can be listed and terminated
// out of band. Handles drop out on their own once the process exits. It does
// not start, queue or limit processes.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
		logger:  logger.Module(log, "streams"),
	}
}

// Track adds h until its process exits.
func (r *Registry) Track(h *Handle) {
	r.mu.Lock()
	r.handles[h.ID()] = h
	r.mu.Unlock()

	go func() {
		<-h.Done()
		r.mu.Lock()
		delete(r.handles, h.ID())
		r.mu.Unlock()
	}()
}

// Get returns the live handle with the given id.
func (r *Registry) Get(id string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok {
		return nil, domain.NewSubSystemError("stream", "Registry.Get", domain.ErrNotFound, id)
	}
	return h, nil
}

// List returns the live handles, oldest first.
func (r *Registry) List() []HandleInfo {
	r.mu.Lock()
	out := make([]HandleInfo, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, HandleInfo{
			ID:        h.ID(),
			PID:       h.PID(),
			Command:   h.Command().String(),
			StartedAt: h.StartedAt(),
		})
	}
	r.mu.Unlock()

	// ULIDs sort by creation time.
	slices.SortFunc(out, func(a, b HandleInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Terminate kills the stream with the given id.
func (r *Registry) Terminate(id string) error {
	h, err := r.Get(id)
	if err != nil {
		return err
	}
	r.logger.Info("terminating stream on request", "stream_id", id)
	return h.Terminate()
}

// Stop terminates every live stream and waits for each to be reaped.
func (r *Registry) Stop() {
	r.mu.Lock()
	live := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		live = append(live, h)
	}
	r.mu.Unlock()

	for _, h := range live {
		_ = h.Terminate()
	}
	for _, h := range live {
		<-h.Done()
	}
}
