package governor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KatherLab/wsi-viewer/internal/metrics"
)

// Flight is the public view of an in-flight request.
type Flight struct {
	ID        string    `json:"id"`
	Started   time.Time `json:"started"`
	Cancelled bool      `json:"cancelled"`
}

type flight struct {
	started   time.Time
	cancel    context.CancelFunc
	cancelled bool
}

// Registry is the process-wide in-flight request table. Every request
// registers on entry and deregisters on exit; cancellation is cooperative
// via the derived context, which each offloaded task checks at its yield
// points.
type Registry struct {
	mu      sync.Mutex
	flights map[string]*flight
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{flights: make(map[string]*flight)}
}

// Register records a new request and returns its id plus a context that is
// cancelled when the request is cancelled or deregistered.
func (r *Registry) Register(ctx context.Context) (context.Context, string) {
	ctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()

	r.mu.Lock()
	r.flights[id] = &flight{started: time.Now(), cancel: cancel}
	n := len(r.flights)
	r.mu.Unlock()

	metrics.SetRequestsInFlight(n)
	return ctx, id
}

// Deregister removes a request and releases its context.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	f, ok := r.flights[id]
	if ok {
		delete(r.flights, id)
	}
	n := len(r.flights)
	r.mu.Unlock()

	if ok {
		f.cancel()
	}
	metrics.SetRequestsInFlight(n)
}

// Cancel flags a request as cancelled and cancels its context. Reports
// whether the id was in flight.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	f, ok := r.flights[id]
	if ok {
		f.cancelled = true
	}
	r.mu.Unlock()

	if ok {
		f.cancel()
	}
	return ok
}

// Cancelled reports whether the request was cancelled. Unknown ids report
// false.
func (r *Registry) Cancelled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flights[id]
	return ok && f.cancelled
}

// Len returns the number of requests in flight.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flights)
}

// Snapshot returns the current in-flight table for observability.
func (r *Registry) Snapshot() []Flight {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Flight, 0, len(r.flights))
	for id, f := range r.flights {
		out = append(out, Flight{ID: id, Started: f.started, Cancelled: f.cancelled})
	}
	return out
}
