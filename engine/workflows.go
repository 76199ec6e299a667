package engine

import (
	"strings"
	"sync"

	"github.com/SouthPatron/reasonchip/errors"
)

// ErrWorkflowNotFound reports a workflow name that resolved to nothing:
// an unknown collection, a failed module load, or a missing step.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrWorkflowStepMalformed reports a resolved name that is not an
// invocable workflow step (a module where a step was expected).
var ErrWorkflowStepMalformed = errors.New("workflow step malformed")

// WorkflowFunc is a single workflow step. It receives the per-invocation
// engine context and the caller's variables, and returns a value.
//
// Non-local flow travels on the error return: Restart and Terminate build
// sentinel errors which Engine.Run resolves; any other error fails the run.
type WorkflowFunc func(ctx *Context, args Variables) (any, error)

// Module is a tree of workflow steps. Steps are addressed by dotted path
// beneath the module root.
type Module struct {
	Steps   map[string]WorkflowFunc
	Modules map[string]*Module
}

// NewModule returns an empty module.
func NewModule() *Module {
	return &Module{
		Steps:   map[string]WorkflowFunc{},
		Modules: map[string]*Module{},
	}
}

// Step registers a workflow step on the module. Returns the module for
// chaining.
func (m *Module) Step(name string, fn WorkflowFunc) *Module {
	m.Steps[name] = fn
	return m
}

// Sub registers (or returns an existing) nested module.
func (m *Module) Sub(name string) *Module {
	if sub, ok := m.Modules[name]; ok {
		return sub
	}
	sub := NewModule()
	m.Modules[name] = sub
	return sub
}

// resolve walks the dotted path beneath the module root.
func (m *Module) resolve(path string) (WorkflowFunc, error) {
	parts := strings.Split(path, ".")
	cur := m
	for i, p := range parts {
		if i == len(parts)-1 {
			if fn, ok := cur.Steps[p]; ok {
				return fn, nil
			}
			if _, ok := cur.Modules[p]; ok {
				// The path names a module, not a step.
				return nil, errors.Wrapf(ErrWorkflowStepMalformed, "%q is a module", path)
			}
			return nil, errors.Wrapf(ErrWorkflowNotFound, "no step %q", path)
		}
		next, ok := cur.Modules[p]
		if !ok {
			return nil, errors.Wrapf(ErrWorkflowNotFound, "no module %q", strings.Join(parts[:i+1], "."))
		}
		cur = next
	}
	return nil, errors.Wrapf(ErrWorkflowNotFound, "no step %q", path)
}

// ModuleLoader constructs a module tree. Loaders run lazily, at most
// once per collection, the first time a name inside the collection is
// resolved.
type ModuleLoader func() (*Module, error)

// Collection is a named, lazily loaded module tree.
type Collection struct {
	name string
	load ModuleLoader

	mu     sync.Mutex
	loaded bool
	module *Module
	err    error
}

// NewCollection creates a collection with a lazy loader.
func NewCollection(name string, load ModuleLoader) *Collection {
	return &Collection{name: name, load: load}
}

// NewStaticCollection creates a collection over an already-built module.
func NewStaticCollection(name string, module *Module) *Collection {
	return &Collection{name: name, loaded: true, module: module}
}

// Name returns the collection name, the first component of every fqn it
// serves.
func (c *Collection) Name() string { return c.name }

// Resolve finds the step at the dotted path beneath the collection root,
// loading the module tree on first use. Concurrent resolvers block until
// the single load completes; a load failure is sticky.
func (c *Collection) Resolve(path string) (WorkflowFunc, error) {
	c.mu.Lock()
	if !c.loaded {
		c.module, c.err = c.load()
		if c.err != nil {
			c.err = errors.Wrapf(ErrWorkflowNotFound, "collection %q failed to load: %v", c.name, c.err)
		}
		c.loaded = true
	}
	module, err := c.module, c.err
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return module.resolve(path)
}

// Registry maps collection names to their module trees. It replaces the
// dynamic module importing of scripting hosts: workflows are registered
// explicitly at startup and resolved by fully qualified dotted name.
type Registry struct {
	mu          sync.RWMutex
	collections map[string]*Collection
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{collections: map[string]*Collection{}}
}

// Add registers a collection. Duplicate names are rejected.
func (r *Registry) Add(c *Collection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.collections[c.Name()]; exists {
		return errors.Newf("collection already registered: %s", c.Name())
	}
	r.collections[c.Name()] = c
	return nil
}

// Names returns the registered collection names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.collections))
	for name := range r.collections {
		names = append(names, name)
	}
	return names
}

// Resolve finds the step for a fully qualified name. An fqn has at least
// two components: the collection name and the step path beneath it.
func (r *Registry) Resolve(fqn string) (WorkflowFunc, error) {
	name, rem, ok := strings.Cut(fqn, ".")
	if !ok || name == "" || rem == "" {
		return nil, errors.Wrapf(ErrWorkflowNotFound, "invalid workflow name %q", fqn)
	}

	r.mu.RLock()
	c := r.collections[name]
	r.mu.RUnlock()

	if c == nil {
		return nil, errors.Wrapf(ErrWorkflowNotFound, "no collection %q", name)
	}
	return c.Resolve(rem)
}
