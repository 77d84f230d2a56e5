// Package engine embeds the scripting engine and manages its contexts,
// procedure cache, and execution environments.
//
// Each security principal owns one global context: a dedicated scripting
// runtime initialized from a shared structural template (host constants,
// the capability namespace, preloaded library modules, and the optional
// start procedure). Contexts live for the process lifetime; the registry
// is scanned fresh on every miss and has no eviction.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/ha1tch/pljs/pkg/catalog"
	plerrors "github.com/ha1tch/pljs/pkg/errors"
	"github.com/ha1tch/pljs/pkg/host"
	"github.com/ha1tch/pljs/pkg/log"
	"github.com/ha1tch/pljs/pkg/modules"
)

// Config holds engine configuration.
type Config struct {
	// StartProc names a catalog function run once inside every newly
	// created context, before the first user call in that context.
	// Empty disables the start procedure.
	StartProc string

	// Library holds preloaded script modules evaluated into every new
	// context.
	Library *modules.Library
}

// Engine owns the global context registry, the procedure cache, and the
// execution environment list. Callers hold the single logical execution
// thread; the mutex only guards against a future multi-threaded host.
type Engine struct {
	mu sync.Mutex

	cfg     Config
	catalog catalog.Catalog
	session host.QuerySession
	logger  *log.Logger

	contexts []*globalContext
	cache    map[int64]*procEntry
	envHead  *ExecEnv
}

// globalContext is one principal's scripting runtime plus the per-context
// host capability state.
type globalContext struct {
	principal string
	vm        *goja.Runtime
	api       *hostAPI
}

// New creates an engine over a catalog and query session.
func New(cfg Config, cat catalog.Catalog, session host.QuerySession, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		cfg:     cfg,
		catalog: cat,
		session: session,
		logger:  logger,
		cache:   make(map[int64]*procEntry),
	}
}

// OnTxnEnd is the transaction hook: it releases every execution
// environment created during the transaction, on commit and abort alike.
func (e *Engine) OnTxnEnd(committed bool) {
	e.ReleaseEnvs()
}

// ContextCount returns the number of registered global contexts.
func (e *Engine) ContextCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.contexts)
}

// InvalidateContexts discards every global context and cached procedure.
// The next call per principal rebuilds its context from the current
// module library.
func (e *Engine) InvalidateContexts() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.releaseEnvsLocked()
	e.contexts = nil
	e.cache = make(map[int64]*procEntry)
	e.logger.System().Info("global contexts invalidated")
}

// getGlobalContext returns the context for a principal, creating and
// registering it on first use. The context is registered before the
// start procedure runs, so a start procedure that (indirectly) calls
// back into the engine under the same principal reuses the context
// being initialized instead of recursing into context creation. If the
// start procedure fails the context is popped, so the next call retries
// initialization from scratch.
func (e *Engine) getGlobalContext(ctx context.Context, principal string) (*globalContext, error) {
	e.mu.Lock()
	for _, gc := range e.contexts {
		if gc.principal == principal {
			e.mu.Unlock()
			return gc, nil
		}
	}
	e.mu.Unlock()

	gc, err := e.newGlobalContext(principal)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.contexts = append(e.contexts, gc)
	e.mu.Unlock()

	e.logger.System().Info("global context created", "principal", principal)

	if e.cfg.StartProc != "" {
		if err := e.runStartProc(ctx, gc); err != nil {
			e.popContext(gc)
			return nil, err
		}
	}
	return gc, nil
}

func (e *Engine) popContext(gc *globalContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, c := range e.contexts {
		if c == gc {
			e.contexts = append(e.contexts[:i], e.contexts[i+1:]...)
			return
		}
	}
}

// newGlobalContext instantiates a runtime from the structural template.
func (e *Engine) newGlobalContext(principal string) (*globalContext, error) {
	vm := goja.New()

	gc := &globalContext{principal: principal, vm: vm}
	gc.api = newHostAPI(e, gc)

	if err := setupTemplate(gc); err != nil {
		return nil, err
	}

	if e.cfg.Library != nil {
		for _, mod := range e.cfg.Library.Modules() {
			if _, err := vm.RunProgram(mod.Program); err != nil {
				return nil, plerrors.Wrapf(err, plerrors.ErrCodeModuleLoadFailed,
					"module %q failed to load", mod.Name).
					WithOp("engine.newGlobalContext").
					WithField("principal", principal).
					Err()
			}
		}
	}
	return gc, nil
}

// severityLevels are the host log severities exposed as global constants,
// lowest to highest.
var severityLevels = []string{
	"DEBUG5", "DEBUG4", "DEBUG3", "DEBUG2", "DEBUG1",
	"LOG", "INFO", "NOTICE", "WARNING", "ERROR",
}

// setupTemplate installs the shared structural template into a fresh
// runtime: severity constants and the capability namespace.
func setupTemplate(gc *globalContext) error {
	vm := gc.vm
	for i, name := range severityLevels {
		if err := vm.Set(name, i); err != nil {
			return plerrors.Wrapf(err, plerrors.ErrCodeInternal,
				"failed to define %s", name).
				WithOp("engine.setupTemplate").
				Err()
		}
	}
	return gc.api.install(vm)
}

// runStartProc resolves, compiles, and runs the configured start
// procedure inside a newly created context.
func (e *Engine) runStartProc(ctx context.Context, gc *globalContext) error {
	fnID, err := e.catalog.ResolveFunction(ctx, e.cfg.StartProc)
	if err != nil {
		return plerrors.Wrapf(err, plerrors.ErrCodeStartProcFailed,
			"start procedure %q not found", e.cfg.StartProc).
			WithOp("engine.runStartProc").
			Err()
	}

	entry, err := e.getOrCompile(ctx, fnID, gc.principal, false)
	if err != nil {
		return plerrors.Wrapf(err, plerrors.ErrCodeStartProcFailed,
			"start procedure %q failed to compile", e.cfg.StartProc).
			WithOp("engine.runStartProc").
			Err()
	}

	env := e.createExecEnv(gc, entry)
	if _, err := e.doCall(ctx, env, nil); err != nil {
		return plerrors.Wrapf(err, plerrors.ErrCodeStartProcFailed,
			"start procedure %q failed", e.cfg.StartProc).
			WithOp("engine.runStartProc").
			Err()
	}

	e.logger.System().Debug("start procedure completed",
		"proc", e.cfg.StartProc,
		"principal", gc.principal,
	)
	return nil
}

func (gc *globalContext) String() string {
	return fmt.Sprintf("context(%s)", gc.principal)
}
