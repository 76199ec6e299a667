package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SouthPatron/reasonchip/errors"
)

// =============================================================================
// Test fixtures
// =============================================================================

// testRegistry builds a registry with a single "pkg" collection:
//
//	pkg.hello        returns {"ok": true, "who": <name>}
//	pkg.a            restarts into pkg.b with x=2
//	pkg.b            returns x*3
//	pkg.other        branches into .sibling
//	pkg.sibling      returns "pkg-level sibling"
//	pkg.stop         terminates with "done"
//	pkg.fail         returns a plain error
//	pkg.sub.echo     returns its args
//	pkg.sub.caller   branches into ..other
//	pkg.sub.sibling  returns "sub-level sibling"
func testRegistry(t *testing.T) *Registry {
	t.Helper()

	root := NewModule()
	root.Step("hello", func(ctx *Context, args Variables) (any, error) {
		name, _ := args["name"].(string)
		return map[string]any{"ok": true, "who": name}, nil
	})
	root.Step("a", func(ctx *Context, args Variables) (any, error) {
		return nil, Restart("pkg.b", Variables{"x": 2})
	})
	root.Step("b", func(ctx *Context, args Variables) (any, error) {
		x, _ := args["x"].(int)
		return x * 3, nil
	})
	root.Step("other", func(ctx *Context, args Variables) (any, error) {
		return ctx.Branch(".sibling", nil)
	})
	root.Step("sibling", func(ctx *Context, args Variables) (any, error) {
		return "pkg-level sibling", nil
	})
	root.Step("stop", func(ctx *Context, args Variables) (any, error) {
		return nil, Terminate("done")
	})
	root.Step("fail", func(ctx *Context, args Variables) (any, error) {
		return nil, errors.New("boom")
	})

	sub := root.Sub("sub")
	sub.Step("echo", func(ctx *Context, args Variables) (any, error) {
		return args, nil
	})
	sub.Step("caller", func(ctx *Context, args Variables) (any, error) {
		return ctx.Branch("..other", nil)
	})
	sub.Step("sibling", func(ctx *Context, args Variables) (any, error) {
		return "sub-level sibling", nil
	})

	reg := NewRegistry()
	require.NoError(t, reg.Add(NewStaticCollection("pkg", root)))
	return reg
}

// =============================================================================
// Engine.Run
// =============================================================================

func TestRunHappyPath(t *testing.T) {
	eng := New(testRegistry(t))

	result, err := eng.Run(context.Background(), "pkg.hello", Variables{"name": "world"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true, "who": "world"}, result)
}

func TestRunRestartControlFlow(t *testing.T) {
	eng := New(testRegistry(t))

	// pkg.a restarts into pkg.b with x=2; pkg.b returns x*3.
	result, err := eng.Run(context.Background(), "pkg.a", nil)
	require.NoError(t, err)
	assert.Equal(t, 6, result)
}

func TestRunTerminateControlFlow(t *testing.T) {
	eng := New(testRegistry(t))

	result, err := eng.Run(context.Background(), "pkg.stop", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", result)
}

func TestRunPropagatesStepErrors(t *testing.T) {
	eng := New(testRegistry(t))

	_, err := eng.Run(context.Background(), "pkg.fail", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRunUnknownWorkflow(t *testing.T) {
	eng := New(testRegistry(t))

	_, err := eng.Run(context.Background(), "pkg.nonexistent", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWorkflowNotFound))
}

func TestRunUnknownCollection(t *testing.T) {
	eng := New(testRegistry(t))

	_, err := eng.Run(context.Background(), "nowhere.step", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWorkflowNotFound))
}

func TestRunModuleAsStepIsMalformed(t *testing.T) {
	eng := New(testRegistry(t))

	_, err := eng.Run(context.Background(), "pkg.sub", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWorkflowStepMalformed))
}

func TestRunRelativeRestartResolvesAtRaiserDepth(t *testing.T) {
	root := NewModule()
	sub := root.Sub("sub")
	sub.Step("jumper", func(ctx *Context, args Variables) (any, error) {
		// Sibling-relative restart raised from pkg.sub.jumper must land
		// on pkg.sub.landing, not be re-interpreted at the top level.
		return nil, Restart(".landing", nil)
	})
	sub.Step("landing", func(ctx *Context, args Variables) (any, error) {
		return "landed", nil
	})

	reg := NewRegistry()
	require.NoError(t, reg.Add(NewStaticCollection("pkg", root)))

	result, err := New(reg).Run(context.Background(), "pkg.sub.jumper", nil)
	require.NoError(t, err)
	assert.Equal(t, "landed", result)
}

// =============================================================================
// Context.Branch and name resolution
// =============================================================================

func TestBranchRelativeResolution(t *testing.T) {
	// Stack top pkg.sub.caller branches "..other" -> pkg.other, which
	// branches ".sibling" -> pkg.sibling.
	eng := New(testRegistry(t))

	result, err := eng.Run(context.Background(), "pkg.sub.caller", nil)
	require.NoError(t, err)
	assert.Equal(t, "pkg-level sibling", result)
}

func TestBranchBothRelativeForms(t *testing.T) {
	// From inside pkg.sub.a: "..other" resolves to pkg.other and
	// ".sibling" resolves to pkg.sub.sibling.
	root := NewModule()
	root.Step("other", func(ctx *Context, args Variables) (any, error) {
		return "other", nil
	})
	sub := root.Sub("sub")
	sub.Step("sibling", func(ctx *Context, args Variables) (any, error) {
		return "sub-sibling", nil
	})
	sub.Step("a", func(ctx *Context, args Variables) (any, error) {
		up, err := ctx.Branch("..other", nil)
		if err != nil {
			return nil, err
		}
		side, err := ctx.Branch(".sibling", nil)
		if err != nil {
			return nil, err
		}
		return []any{up, side}, nil
	})

	reg := NewRegistry()
	require.NoError(t, reg.Add(NewStaticCollection("pkg", root)))

	result, err := New(reg).Run(context.Background(), "pkg.sub.a", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"other", "sub-sibling"}, result)
}

func TestBranchStackBalancedAcrossErrors(t *testing.T) {
	var observedDepth int

	root := NewModule()
	root.Step("outer", func(ctx *Context, args Variables) (any, error) {
		_, err := ctx.Branch(".inner", nil)
		require.Error(t, err)
		observedDepth = ctx.Depth()
		return "recovered", nil
	})
	root.Step("inner", func(ctx *Context, args Variables) (any, error) {
		return nil, errors.New("inner failure")
	})

	reg := NewRegistry()
	require.NoError(t, reg.Add(NewStaticCollection("pkg", root)))

	result, err := New(reg).Run(context.Background(), "pkg.outer", nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, 1, observedDepth, "inner frame must be popped after its error")
}

func TestResolveRules(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		stack   []string
		want    string
		wantErr bool
	}{
		{"absolute empty stack", "pkg.a", nil, "pkg.a", false},
		{"absolute ignores stack", "pkg.a", []string{"other.b"}, "pkg.a", false},
		{"sibling", ".sibling", []string{"pkg.sub.a"}, "pkg.sub.sibling", false},
		{"one level up", "..other", []string{"pkg.sub.a"}, "pkg.other", false},
		{"climb to root", "...x", []string{"pkg.sub.a"}, "x", false},
		{"too many dots", "....x", []string{"pkg.sub.a"}, "", true},
		{"relative with empty stack", ".x", nil, "", true},
		{"dots only", "..", []string{"pkg.sub.a"}, "", true},
		{"empty name", "", nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveName(tt.input, tt.stack)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrWorkflowNotFound))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveIdempotent(t *testing.T) {
	stack := []string{"pkg.sub.a"}

	for _, name := range []string{"pkg.a", ".sibling", "..other"} {
		first, err := resolveName(name, stack)
		require.NoError(t, err)

		second, err := resolveName(first, stack)
		require.NoError(t, err)
		assert.Equal(t, first, second, "resolution of %q must be idempotent", name)
	}
}

// =============================================================================
// Collections and lazy loading
// =============================================================================

func TestCollectionLoadsOnce(t *testing.T) {
	var loads atomic.Int32

	col := NewCollection("lazy", func() (*Module, error) {
		loads.Add(1)
		m := NewModule()
		m.Step("noop", func(ctx *Context, args Variables) (any, error) {
			return nil, nil
		})
		return m, nil
	})

	reg := NewRegistry()
	require.NoError(t, reg.Add(col))
	eng := New(reg)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Run(context.Background(), "lazy.noop", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load(), "loader must run exactly once")
}

func TestCollectionLoadFailureIsSticky(t *testing.T) {
	col := NewCollection("broken", func() (*Module, error) {
		return nil, errors.New("disk on fire")
	})

	reg := NewRegistry()
	require.NoError(t, reg.Add(col))

	for i := 0; i < 2; i++ {
		_, err := reg.Resolve("broken.anything")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrWorkflowNotFound))
	}
}

func TestRegistryRejectsDuplicateCollections(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(NewStaticCollection("pkg", NewModule())))
	assert.Error(t, reg.Add(NewStaticCollection("pkg", NewModule())))
}

func TestRegistryRejectsBareCollectionName(t *testing.T) {
	reg := testRegistry(t)

	_, err := reg.Resolve("pkg")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWorkflowNotFound))
}
