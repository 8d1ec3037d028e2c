// Package tool provides the tool capability consumed by the workflow engine
// and the agent runner: builtin tools addressed by (provider, tool) id pairs
// and custom API tools addressed by (provider, name).
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrProviderNotFound = errors.New("tool provider not found")
)

// Tool is a single invokable capability. Implementations must be safe for
// concurrent use; the agent runner may batch calls across goroutines.
type Tool interface {
	// Name returns the tool's identifier within its provider.
	Name() string

	// Description returns text shown to the model when selecting tools.
	Description() string

	// Invoke executes the tool. Non-string results are JSON-serialized by
	// callers; Invoke itself always returns text.
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName string
	Desc     string
	Fn       func(ctx context.Context, args map[string]any) (string, error)
}

func (f *Func) Name() string        { return f.ToolName }
func (f *Func) Description() string { return f.Desc }

func (f *Func) Invoke(ctx context.Context, args map[string]any) (string, error) {
	return f.Fn(ctx, args)
}

// Builder constructs a builtin tool instance from node-level params. Builtins
// are instantiated per use site so params bind at graph-compile time.
type Builder func(params map[string]any) (Tool, error)

type providerEntry struct {
	builders map[string]Builder // builtin tools by tool id
	api      map[string]Tool    // custom API tools by name
}

// Registry resolves tools by provider. It is populated at startup and
// immutable afterwards; components receive it by parameter, never ambiently.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*providerEntry
	sealed    bool
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*providerEntry)}
}

// RegisterBuiltin registers a builtin tool builder under (providerID, toolID).
func (r *Registry) RegisterBuiltin(providerID, toolID string, b Builder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return errors.New("registry is sealed")
	}
	p := r.provider(providerID)
	if _, exists := p.builders[toolID]; exists {
		return fmt.Errorf("builtin tool %s/%s already registered", providerID, toolID)
	}
	p.builders[toolID] = b
	return nil
}

// RegisterAPITool registers a custom API tool under (providerID, tool.Name()).
func (r *Registry) RegisterAPITool(providerID string, t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return errors.New("registry is sealed")
	}
	p := r.provider(providerID)
	if _, exists := p.api[t.Name()]; exists {
		return fmt.Errorf("api tool %s/%s already registered", providerID, t.Name())
	}
	p.api[t.Name()] = t
	return nil
}

// Seal freezes the registry. Registration after Seal is an error.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) provider(id string) *providerEntry {
	p, ok := r.providers[id]
	if !ok {
		p = &providerEntry{builders: make(map[string]Builder), api: make(map[string]Tool)}
		r.providers[id] = p
	}
	return p
}

// Builtin instantiates the builtin tool (providerID, toolID) with params.
func (r *Registry) Builtin(providerID, toolID string, params map[string]any) (Tool, error) {
	r.mu.RLock()
	p, ok := r.providers[providerID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}
	b, ok := p.builders[toolID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrToolNotFound, providerID, toolID)
	}
	return b(params)
}

// APITool looks up the custom API tool (providerID, name).
func (r *Registry) APITool(providerID, name string) (Tool, error) {
	r.mu.RLock()
	p, ok := r.providers[providerID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}
	t, ok := p.api[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrToolNotFound, providerID, name)
	}
	return t, nil
}

// Providers lists registered provider ids, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SerializeResult renders a tool result for the model. Strings pass through;
// everything else is JSON-serialized.
func SerializeResult(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
