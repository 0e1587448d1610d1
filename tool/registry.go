package tool

import (
	"fmt"
	"sync"

	"vaultmind/core"
	"vaultmind/model"
)

// Registry holds the tools available to a session. Registration order is
// preserved so tool definitions are advertised to the model in a stable
// sequence.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds a tool. Registering a name twice replaces the earlier tool
// without changing its position.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, &core.UnknownToolError{Name: name}
	}
	return t, nil
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions renders the registry as model tool definitions, in registration
// order.
func (r *Registry) Definitions() []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, model.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return out
}

// Restricted returns a new registry containing only the tools for which keep
// returns true. Used to build the reduced toolset handed to delegated runs.
func (r *Registry) Restricted(keep func(name string) bool) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub := NewRegistry()
	for _, name := range r.order {
		if keep(name) {
			sub.Register(r.tools[name])
		}
	}
	return sub
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// String summarizes the registry contents.
func (r *Registry) String() string {
	return fmt.Sprintf("tool.Registry(%d tools)", r.Len())
}
