// Package engine executes named workflows. Workflows are trees of steps
// registered in a Registry under dotted fully qualified names; execution
// happens inside a per-invocation Context that supports reentrant
// branching, relative name resolution, restart-with-new-entry, and
// terminate-with-result.
package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/logger"
)

// Engine runs workflows from a registry. It is safe for concurrent use;
// each Run gets its own Context.
type Engine struct {
	registry *Registry
	log      *zap.SugaredLogger
}

// New creates an engine over a registry.
func New(registry *Registry) *Engine {
	return &Engine{
		registry: registry,
		log:      logger.Named("engine"),
	}
}

// Registry returns the engine's workflow registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Run executes the named workflow to completion with a fresh Context.
//
// Restart signals rebind the entry point and loop; terminate signals
// return their result directly. Any other error from a step propagates
// to the caller.
func (e *Engine) Run(ctx context.Context, entry string, args Variables) (any, error) {
	ec := &Context{
		engine: e,
		ctx:    ctx,
		cache:  map[string]WorkflowFunc{},
		State:  map[string]any{},
	}

	for {
		e.log.Debugw("Branching into workflow", "entry", entry)

		result, err := ec.Branch(entry, args)
		if err == nil {
			return result, nil
		}

		var restart *RestartSignal
		if errors.As(err, &restart) {
			e.log.Debugw("Engine restart requested", "entry", restart.Name)
			entry = restart.Name
			args = restart.Args
			continue
		}

		var terminate *TerminateSignal
		if errors.As(err, &terminate) {
			e.log.Debugw("Engine terminate requested")
			return terminate.Result, nil
		}

		return nil, err
	}
}
