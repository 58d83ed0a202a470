// Package script evaluates Lua predicates against a workflow context.
//
// A predicate is either a single expression ("vars.order.total > 100") or a
// chunk that returns a value. Two locals are in scope: vars, the context
// variables, and results, the recorded step outputs keyed by step ID. The
// result is interpreted with Lua truthiness.
package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Shopify/go-lua"

	"github.com/petrijr/sagaflow/pkg/api"
)

type (
	// LuaEnv compiles predicates once and evaluates them on pooled states.
	LuaEnv struct {
		mu        sync.Mutex
		cache     map[string]*CompiledLua
		statePool chan *lua.State
	}

	// CompiledLua is a predicate compiled to Lua bytecode.
	CompiledLua struct {
		source   string
		bytecode []byte
	}
)

const (
	luaCacheSize        = 1024
	luaStatePoolSize    = 8
	luaGlobalTableIndex = -2
	luaTableIndex       = -3
	luaGlobalTableName  = "_G"
	luaPrelude          = "local vars, results = ...\n"
	luaChunkName        = "predicate"
)

var (
	ErrLuaLoad      = errors.New("lua load error")
	ErrLuaExecution = errors.New("lua execution error")
)

var luaExclude = [...]string{
	"io", "os", "debug", "package", "require", "dofile", "loadfile", "load",
}

// NewLuaEnv creates an environment with an empty compile cache.
func NewLuaEnv() *LuaEnv {
	return &LuaEnv{
		cache:     make(map[string]*CompiledLua),
		statePool: make(chan *lua.State, luaStatePoolSize),
	}
}

// Compile parses a predicate. Results are cached by source text.
func (e *LuaEnv) Compile(src string) (*CompiledLua, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("%w: empty predicate", ErrLuaLoad)
	}

	e.mu.Lock()
	c, ok := e.cache[src]
	e.mu.Unlock()
	if ok {
		return c, nil
	}

	c, err := e.compile(src)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if len(e.cache) >= luaCacheSize {
		clear(e.cache)
	}
	e.cache[src] = c
	e.mu.Unlock()
	return c, nil
}

func (e *LuaEnv) compile(src string) (*CompiledLua, error) {
	L := lua.NewState()
	setupSandbox(L)

	// bare expressions first, then the source as a chunk
	err := lua.LoadString(L, luaPrelude+"return "+src)
	if err != nil {
		L.SetTop(0)
		if err = lua.LoadString(L, luaPrelude+src); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLuaLoad, err)
		}
	}
	var buf bytes.Buffer
	if err := L.Dump(&buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLuaLoad, err)
	}
	return &CompiledLua{source: src, bytecode: buf.Bytes()}, nil
}

// Evaluate runs a compiled predicate against a snapshot of wctx.
func (e *LuaEnv) Evaluate(ctx context.Context, c *CompiledLua, wctx *api.WorkflowContext) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	L := e.getState()
	defer e.returnState(L)

	if err := L.Load(bytes.NewReader(c.bytecode), luaChunkName, "b"); err != nil {
		return false, fmt.Errorf("%w: %w", ErrLuaLoad, err)
	}
	goToLua(L, wctx.Variables())
	goToLua(L, wctx.Results())

	if err := L.ProtectedCall(2, 1, 0); err != nil {
		return false, fmt.Errorf("%w: %q: %w", ErrLuaExecution, c.source, err)
	}
	result := L.ToBoolean(-1)
	L.Pop(1)
	return result, nil
}

// Condition compiles src and returns it as a ConditionalStep predicate.
func (e *LuaEnv) Condition(src string) (api.Condition, error) {
	c, err := e.Compile(src)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, wctx *api.WorkflowContext) (bool, error) {
		return e.Evaluate(ctx, c, wctx)
	}, nil
}

func setupSandbox(L *lua.State) {
	lua.OpenLibraries(L)
	L.Global(luaGlobalTableName)
	for _, name := range luaExclude {
		L.PushNil()
		L.SetField(luaGlobalTableIndex, name)
	}
	L.Pop(1)
}

func (e *LuaEnv) getState() *lua.State {
	select {
	case L := <-e.statePool:
		return L
	default:
		L := lua.NewState()
		setupSandbox(L)
		return L
	}
}

func (e *LuaEnv) returnState(L *lua.State) {
	L.SetTop(0)

	select {
	case e.statePool <- L:
	default:
	}
}

func goToLua(L *lua.State, value any) {
	switch v := value.(type) {
	case nil:
		L.PushNil()
	case string:
		L.PushString(v)
	case bool:
		L.PushBoolean(v)
	case int:
		L.PushInteger(v)
	case int32:
		L.PushInteger(int(v))
	case int64:
		L.PushInteger(int(v))
	case float32:
		L.PushNumber(float64(v))
	case float64:
		L.PushNumber(v)
	case []any:
		L.CreateTable(len(v), 0)
		for i, item := range v {
			L.PushInteger(i + 1)
			goToLua(L, item)
			L.SetTable(luaTableIndex)
		}
	case map[string]any:
		L.CreateTable(0, len(v))
		// stable insertion order keeps table iteration reproducible
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			L.PushString(k)
			goToLua(L, v[k])
			L.SetTable(luaTableIndex)
		}
	default:
		L.PushString(fmt.Sprintf("%v", v))
	}
}
