package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/boardroom/internal/providers"
)

// Tool is one invocable tool. Implementations live outside this core; the
// run loop only needs the schema and a cancellable Execute.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, argsJSON string) *Result
}

// Registry holds the available tools. Safe for concurrent use; the set is
// fixed after startup in practice.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any prior tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Invoke executes a tool by name. Unknown tools return an error result so
// the model sees the failure in-band instead of ending the turn.
func (r *Registry) Invoke(ctx context.Context, name, argsJSON string) *Result {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name), "unknown_tool")
	}
	if err := ctx.Err(); err != nil {
		return ErrorResult("tool invocation cancelled", "cancelled").WithError(err)
	}
	return t.Execute(ctx, argsJSON)
}

// ProviderDefs returns the tool schemas in driver form, sorted by name for
// deterministic request payloads.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
