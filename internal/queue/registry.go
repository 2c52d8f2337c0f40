package queue

import (
	"fmt"
	"sync"
)

// Handler executes one job type. Payloads are opaque to the engine; the
// handler decodes what it needs through Context.BindPayload.
type Handler interface {
	Type() string
	Run(jc *Context) error
}

// RateLimited is implemented by handlers whose executions must be bounded
// against a metered external dependent (mail, object storage). The key
// selects the configured rolling window.
type RateLimited interface {
	RateKey() string
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for job_type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}
