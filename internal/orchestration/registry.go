package orchestration

import (
	"fmt"
	"sort"
	"sync"

	"github.com/feichai0017/memory-pipeline/internal/models"
)

// Registry maps step names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.Step]StepHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.Step]StepHandler)}
}

// Set registers h, replacing any handler for the same step. It reports whether one was replaced.
func (r *Registry) Set(h StepHandler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.handlers[h.StepName()]
	r.handlers[h.StepName()] = h
	return replaced
}

// Add registers h and fails if the step already has a handler.
func (r *Registry) Add(h StepHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[h.StepName()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, h.StepName())
	}
	r.handlers[h.StepName()] = h
	return nil
}

// Remove unregisters the handler of step.
func (r *Registry) Remove(step models.Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, step)
}

func (r *Registry) Get(step models.Step) (StepHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[step]
	return h, ok
}

// Names returns the registered steps, sorted.
func (r *Registry) Names() []models.Step {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]models.Step, 0, len(r.handlers))
	for s := range r.handlers {
		names = append(names, s)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Validate fails on the first step without a handler.
func (r *Registry) Validate(steps []models.Step) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range steps {
		if _, ok := r.handlers[s]; !ok {
			return fmt.Errorf("%w: %s", ErrHandlerNotFound, s)
		}
	}
	return nil
}
