// Package runner provides the embedded, in-process way to execute
// workflows: an engine composed with a default variable set, no
// transports and no packets.
package runner

import (
	"context"

	"go.uber.org/zap"

	"github.com/SouthPatron/reasonchip/engine"
	"github.com/SouthPatron/reasonchip/logger"
)

// LocalRunner couples an Engine with default variables. Per-run overrides
// are merged right-biased (deep for nested maps) over the defaults.
type LocalRunner struct {
	engine   *engine.Engine
	defaults engine.Variables
	log      *zap.SugaredLogger
}

// New creates a runner over a registry with a default variable set.
// defaults may be nil.
func New(registry *engine.Registry, defaults engine.Variables) *LocalRunner {
	return &LocalRunner{
		engine:   engine.New(registry),
		defaults: defaults.Clone(),
		log:      logger.Named("runner"),
	}
}

// Engine exposes the underlying engine.
func (r *LocalRunner) Engine() *engine.Engine {
	return r.engine
}

// Run executes the named workflow with overrides layered over the
// runner's defaults.
func (r *LocalRunner) Run(ctx context.Context, workflow string, overrides engine.Variables) (any, error) {
	vars := r.defaults.Merge(overrides)

	r.log.Infow("Running workflow", "workflow", workflow)
	result, err := r.engine.Run(ctx, workflow, vars)
	if err != nil {
		r.log.Warnw("Workflow failed", "workflow", workflow, "error", err)
		return nil, err
	}

	r.log.Infow("Workflow completed", "workflow", workflow)
	return result, nil
}
