package plugins

import (
	"context"
	"fmt"
	"sync"

	"github.com/leozw/site-healer/internal/core"
	"go.uber.org/zap"
)

// DetectionOrder is the fixed precedence used when a path satisfies more than
// one stack signature. Express precedes generic Node.js because its signature
// is the narrower of the two.
var DetectionOrder = []core.StackKind{
	core.StackWordPress,
	core.StackLaravel,
	core.StackNextJS,
	core.StackExpress,
	core.StackNodeJS,
	core.StackPHPGeneric,
}

// Registry maps stack labels to plugins. It is built once at startup and
// passed to the services that need it.
type Registry struct {
	mu      sync.RWMutex
	plugins map[core.StackKind]Plugin
}

func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{plugins: make(map[core.StackKind]Plugin)}
	for _, p := range plugins {
		r.Register(p)
	}
	return r
}

// NewDefaultRegistry registers every built-in stack.
func NewDefaultRegistry(exec core.Executor, logger *zap.Logger) *Registry {
	logger = logger.Named("plugins")
	return NewRegistry(
		NewWordPressPlugin(exec, logger),
		NewLaravelPlugin(exec, logger),
		NewNextJSPlugin(exec, logger),
		NewExpressPlugin(exec, logger),
		NewNodeJSPlugin(exec, logger),
		NewPHPPlugin(exec, logger),
	)
}

// Register replaces any plugin already registered for the same kind.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Kind()] = p
}

func (r *Registry) Get(kind core.StackKind) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[kind]
	if !ok {
		return nil, fmt.Errorf("no plugin for stack %q: %w", kind, core.ErrUnknownPlugin)
	}
	return p, nil
}

// Kinds lists registered stacks in detection order.
func (r *Registry) Kinds() []core.StackKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]core.StackKind, 0, len(r.plugins))
	for _, k := range DetectionOrder {
		if _, ok := r.plugins[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Detect asks each registered plugin in DetectionOrder and returns the first
// positive answer. The first match wins even when a later plugin reports a
// higher confidence.
func (r *Registry) Detect(ctx context.Context, serverID, path string) (DetectResult, bool) {
	for _, kind := range r.Kinds() {
		p, err := r.Get(kind)
		if err != nil {
			continue
		}
		if res := p.Detect(ctx, serverID, path); res.Detected {
			if res.Stack == "" {
				res.Stack = kind
			}
			return res, true
		}
	}
	return DetectResult{Stack: core.StackUnknown}, false
}

// All returns the registered plugins in detection order.
func (r *Registry) All() []Plugin {
	kinds := r.Kinds()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, r.plugins[k])
	}
	return out
}

// ManifestFor returns the backup manifest of the plugin for kind.
func (r *Registry) ManifestFor(kind core.StackKind) (core.BackupManifest, error) {
	p, err := r.Get(kind)
	if err != nil {
		return core.BackupManifest{}, err
	}
	return p.BackupManifest(), nil
}
