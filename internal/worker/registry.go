package worker

import (
	"context"
	"fmt"
	"sync"

	"blogflow/internal/domain"
)

// Execution is what a handler sees of the job it runs.
type Execution struct {
	JobID    string
	Attempt  int
	Payload  domain.Payload
	Progress func(pct int)
}

type Handler interface {
	Handle(ctx context.Context, exec Execution) (domain.Result, error)
}

type HandlerFunc func(ctx context.Context, exec Execution) (domain.Result, error)

func (f HandlerFunc) Handle(ctx context.Context, exec Execution) (domain.Result, error) {
	return f(ctx, exec)
}

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.JobType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.JobType]Handler)}
}

func (r *Registry) Handle(t domain.JobType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

func (r *Registry) lookup(t domain.JobType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types lists the registered job types.
func (r *Registry) Types() []domain.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// Register binds a handler with a concrete payload and result type to t.
func Register[P domain.Payload, R domain.Result](r *Registry, t domain.JobType, fn func(ctx context.Context, p P, exec Execution) (R, error)) {
	r.Handle(t, HandlerFunc(func(ctx context.Context, exec Execution) (domain.Result, error) {
		p, ok := exec.Payload.(P)
		if !ok {
			return nil, fmt.Errorf("Handler: payload %T does not match job type %s", exec.Payload, t)
		}
		res, err := fn(ctx, p, exec)
		if err != nil {
			return nil, err
		}
		return res, nil
	}))
}
