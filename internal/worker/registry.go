package worker

import (
	"context"
	"sort"
	"sync"

	"github.com/nadmax/deferd/internal/decision"
	"github.com/nadmax/deferd/internal/task"
)

// Handler executes one approved task inside the granted constraints. It must
// return when ctx is cancelled.
type Handler interface {
	Handle(ctx context.Context, t *task.Task, c decision.Constraints) (map[string]any, error)
}

type HandlerFunc func(ctx context.Context, t *task.Task, c decision.Constraints) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, t *task.Task, c decision.Constraints) (map[string]any, error) {
	return f(ctx, t, c)
}

// Registry maps task names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
