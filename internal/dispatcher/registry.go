package dispatcher

import (
	"context"
	"sync"

	"github.com/textloop/textloop/internal/model"
)

// Handler executes one task type. The payload is the decoded typed variant
// for the task's type (see model.DecodeTaskPayload).
type Handler interface {
	Handle(ctx context.Context, task *model.ScheduledTask, payload interface{}) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *model.ScheduledTask, payload interface{}) error

func (f HandlerFunc) Handle(ctx context.Context, task *model.ScheduledTask, payload interface{}) error {
	return f(ctx, task, payload)
}

// Registry maps task types to handlers. Registration happens at startup;
// lookups are concurrent with dispatch ticks.
type Registry struct {
	mu       sync.RWMutex
	handlers map[model.TaskType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.TaskType]Handler)}
}

func (r *Registry) Register(taskType model.TaskType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

func (r *Registry) Lookup(taskType model.TaskType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}
