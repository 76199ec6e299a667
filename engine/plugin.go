package engine

import (
	"plugin"

	"github.com/SouthPatron/reasonchip/errors"
)

// WorkflowsSymbol is the symbol a workflow plugin must export: a
// function returning the collection's module tree.
const WorkflowsSymbol = "Workflows"

// NewPluginCollection creates a collection whose module tree is loaded
// from a Go plugin (.so) on first use. The plugin exports
//
//	func Workflows() (*engine.Module, error)
//
// Loading is lazy and happens at most once; a failure is reported as
// workflow-not-found for every name in the collection.
func NewPluginCollection(name, path string) *Collection {
	return NewCollection(name, func() (*Module, error) {
		p, err := plugin.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open workflow plugin %s", path)
		}

		sym, err := p.Lookup(WorkflowsSymbol)
		if err != nil {
			return nil, errors.Wrapf(err, "plugin %s exports no %s symbol", path, WorkflowsSymbol)
		}

		build, ok := sym.(func() (*Module, error))
		if !ok {
			return nil, errors.Newf("plugin %s: %s has the wrong signature", path, WorkflowsSymbol)
		}

		module, err := build()
		if err != nil {
			return nil, errors.Wrapf(err, "plugin %s failed to build workflows", path)
		}
		return module, nil
	})
}
