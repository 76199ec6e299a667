package engine

import (
	"context"
	"strings"

	"github.com/SouthPatron/reasonchip/errors"
)

// Context is the per-invocation engine state: the call stack of fully
// qualified names, the resolved-callable cache, and a scratch state map
// for workflow steps that need to share data across branches.
//
// A Context belongs to exactly one Engine.Run invocation and is discarded
// when it returns.
type Context struct {
	engine *Engine

	ctx   context.Context
	stack []string
	cache map[string]WorkflowFunc

	// State is free for workflow steps to use; the engine never touches it.
	State map[string]any
}

// Ctx returns the cancellation context of this invocation. Long-running
// steps are expected to honour it.
func (c *Context) Ctx() context.Context {
	return c.ctx
}

// Stack returns a copy of the current call stack, outermost first.
func (c *Context) Stack() []string {
	return append([]string(nil), c.stack...)
}

// Depth returns the current call-stack depth.
func (c *Context) Depth() int {
	return len(c.stack)
}

// Resolve turns a possibly-relative workflow name into a fully qualified
// one against the current call stack.
//
// Rules:
//   - no leading dots: absolute (the only form accepted on an empty stack)
//   - a leading run of N dots climbs N levels from the top frame's fqn
//     (N=1 addresses a sibling)
//
// Climbing past the top frame's depth is a resolution error.
func (c *Context) Resolve(name string) (string, error) {
	return resolveName(name, c.stack)
}

func resolveName(name string, stack []string) (string, error) {
	if name == "" {
		return "", errors.Wrap(ErrWorkflowNotFound, "empty workflow name")
	}

	dots := 0
	for dots < len(name) && name[dots] == '.' {
		dots++
	}
	rest := name[dots:]

	if dots == 0 || len(stack) == 0 {
		if dots > 0 {
			// Relative name with nothing to be relative to.
			return "", errors.Wrapf(ErrWorkflowNotFound, "relative name %q with empty call stack", name)
		}
		return name, nil
	}

	if rest == "" {
		return "", errors.Wrapf(ErrWorkflowNotFound, "workflow name %q has no path", name)
	}

	top := stack[len(stack)-1]
	parts := strings.Split(top, ".")
	if dots > len(parts) {
		return "", errors.Wrapf(ErrWorkflowNotFound,
			"relative name %q climbs past %q", name, top)
	}

	prefix := parts[:len(parts)-dots]
	if len(prefix) == 0 {
		return rest, nil
	}
	return strings.Join(prefix, ".") + "." + rest, nil
}

// fetch returns the callable for an already-resolved fqn, consulting the
// per-context cache before the registry.
func (c *Context) fetch(fqn string) (WorkflowFunc, error) {
	if fn, ok := c.cache[fqn]; ok {
		return fn, nil
	}
	fn, err := c.engine.registry.Resolve(fqn)
	if err != nil {
		return nil, err
	}
	c.cache[fqn] = fn
	return fn, nil
}

// Branch resolves name against the current stack and invokes the step,
// pushing its fqn for the duration of the call. The stack is balanced on
// every return path.
//
// A RestartSignal raised by the step has its name rewritten through the
// same resolution rules at the current depth before propagating, so that
// by the time it reaches Engine.Run it is absolute.
func (c *Context) Branch(name string, args Variables) (any, error) {
	fqn, err := c.Resolve(name)
	if err != nil {
		return nil, err
	}

	fn, err := c.fetch(fqn)
	if err != nil {
		return nil, err
	}

	c.stack = append(c.stack, fqn)
	result, err := fn(c, args)

	if err != nil {
		var restart *RestartSignal
		if errors.As(err, &restart) {
			// Rewrite relative restart targets while the raising frame
			// is still on the stack.
			abs, rerr := c.Resolve(restart.Name)
			if rerr != nil {
				c.stack = c.stack[:len(c.stack)-1]
				return nil, rerr
			}
			restart.Name = abs
		}
	}

	c.stack = c.stack[:len(c.stack)-1]
	return result, err
}
