package engine

import (
	"github.com/dop251/goja"
)

// ExecEnv binds one compiled function to a receiver object inside a
// global context, for the duration of the current transaction. Callers
// cache the environment on per-call-site metadata via CallSite; every
// environment created during a transaction is linked into the engine's
// list and released uniformly at transaction end, commit and abort
// alike, because receiver handles must not outlive the transaction that
// logically owns them.
type ExecEnv struct {
	gc    *globalContext
	entry *procEntry
	recv  *goja.Object

	next     *ExecEnv
	released bool
}

// Released reports whether the environment's transaction has ended.
func (env *ExecEnv) Released() bool {
	return env.released
}

// CallSite is per-call-site metadata owned by the caller. It caches the
// execution environment the first time the call site executes; the
// engine discards the cached environment once its transaction ends.
type CallSite struct {
	env *ExecEnv
}

// createExecEnv allocates an environment for a compiled function and
// links it into the transaction-scoped list.
func (e *Engine) createExecEnv(gc *globalContext, entry *procEntry) *ExecEnv {
	env := &ExecEnv{
		gc:    gc,
		entry: entry,
		recv:  gc.vm.NewObject(),
	}

	e.mu.Lock()
	env.next = e.envHead
	e.envHead = env
	e.mu.Unlock()

	return env
}

// envForCall returns the call site's cached environment if it is still
// live, binds a fresh one otherwise.
func (e *Engine) envForCall(site *CallSite, gc *globalContext, entry *procEntry) *ExecEnv {
	if site != nil && site.env != nil &&
		!site.env.released && site.env.entry == entry && site.env.gc == gc {
		return site.env
	}
	env := e.createExecEnv(gc, entry)
	if site != nil {
		site.env = env
	}
	return env
}

// ReleaseEnvs releases every environment created during the current
// transaction and resets the list head. Runs unconditionally on both
// commit and abort.
func (e *Engine) ReleaseEnvs() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseEnvsLocked()
}

func (e *Engine) releaseEnvsLocked() {
	n := 0
	for env := e.envHead; env != nil; env = env.next {
		env.released = true
		env.recv = nil
		n++
	}
	e.envHead = nil
	if n > 0 {
		e.logger.Execution().Debug("execution environments released", "count", n)
	}
}

// EnvCount returns the number of environments pending release.
func (e *Engine) EnvCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for env := e.envHead; env != nil; env = env.next {
		n++
	}
	return n
}
