// Package shutdown coordinates ordered cleanup of long-lived components
// when the control plane is asked to stop.
package shutdown

import (
	"context"
	"sort"
	"sync"

	"github.com/mothsandbox/moth/pkg/log"
)

type hook struct {
	priority int
	name     string
	fn       func(context.Context) error
}

// Registry accumulates shutdown hooks and runs them in ascending priority
// order. Lower priority numbers run first; the queue listener and storage
// layer register late (priority 998/999) so everything that might still
// submit work to them has already stopped.
type Registry struct {
	mu    sync.Mutex
	hooks []hook
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds fn to the set of hooks run by RunAll, keyed by priority.
func (r *Registry) Register(priority int, name string, fn func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook{priority: priority, name: name, fn: fn})
}

// RunAll runs every registered hook in ascending priority order, logging and
// continuing past individual failures so one stuck component does not
// prevent the rest of shutdown from proceeding.
func (r *Registry) RunAll(ctx context.Context) {
	r.mu.Lock()
	hooks := append([]hook(nil), r.hooks...)
	r.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].priority < hooks[j].priority
	})

	for _, h := range hooks {
		if err := h.fn(ctx); err != nil {
			log.Logger.Error().Err(err).Str("hook", h.name).Msg("shutdown hook failed")
		}
	}
}
