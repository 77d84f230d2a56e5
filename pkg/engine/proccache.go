package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/ha1tch/pljs/pkg/catalog"
	plerrors "github.com/ha1tch/pljs/pkg/errors"
	"github.com/ha1tch/pljs/pkg/types"
)

// triggerParams is the fixed parameter list bound for trigger functions.
// Trigger functions must declare zero SQL-level arguments.
var triggerParams = []string{
	"NEW", "OLD",
	"TG_NAME", "TG_WHEN", "TG_LEVEL", "TG_OP",
	"TG_RELID", "TG_TABLE_NAME", "TG_TABLE_SCHEMA", "TG_ARGV",
}

// procEntry is one procedure cache entry: the compiled function handle
// plus everything needed to validate reuse. An entry is reusable only
// when the catalog fingerprint still matches and the calling principal is
// the one the entry was compiled under.
type procEntry struct {
	fnID      int64
	name      string
	source    string
	principal string

	argTypes []uint32
	argNames []string
	retType  uint32
	retSet   bool
	trigger  bool

	fp catalog.Fingerprint

	gc    *globalContext
	fn    goja.Callable
	fnVal goja.Value

	compileCount int
}

// getOrCompile returns a live cache entry for a function, compiling (or
// recompiling) when the entry is absent, its catalog fingerprint is
// stale, or the calling principal differs from the compiling principal.
// A failed compile leaves no cache entry, so the next call retries.
func (e *Engine) getOrCompile(ctx context.Context, fnID int64, principal string, validate bool) (*procEntry, error) {
	meta, err := e.catalog.LookupFunction(ctx, fnID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	cached := e.cache[fnID]
	e.mu.Unlock()

	if cached != nil && cached.fp.Equal(meta.Fingerprint) && cached.principal == principal {
		return cached, nil
	}

	if err := screenTypes(meta, validate); err != nil {
		return nil, err
	}

	isTrigger := meta.RetType == types.TriggerOID
	if isTrigger && len(meta.ArgTypes) > 0 {
		return nil, plerrors.Newf(plerrors.ErrCodeTriggerArgs,
			"trigger function %q cannot have declared arguments", meta.Name).
			WithOp("engine.getOrCompile").
			Err()
	}

	gc, err := e.getGlobalContext(ctx, principal)
	if err != nil {
		return nil, err
	}

	fn, fnVal, err := compileFunction(gc.vm, meta.Name, wrapSource(meta, isTrigger))
	if err != nil {
		e.mu.Lock()
		delete(e.cache, fnID)
		e.mu.Unlock()
		return nil, err
	}

	entry := &procEntry{
		fnID:         fnID,
		name:         meta.Name,
		source:       meta.Source,
		principal:    principal,
		argTypes:     meta.ArgTypes,
		argNames:     meta.ArgNames,
		retType:      meta.RetType,
		retSet:       meta.RetSet,
		trigger:      isTrigger,
		fp:           meta.Fingerprint,
		gc:           gc,
		fn:           fn,
		fnVal:        fnVal,
		compileCount: 1,
	}
	if cached != nil {
		entry.compileCount = cached.compileCount + 1
	}

	e.mu.Lock()
	e.cache[fnID] = entry
	e.mu.Unlock()

	e.logger.Execution().Debug("function compiled",
		"function", meta.Name,
		"id", fnID,
		"principal", principal,
		"compile_count", entry.compileCount,
	)
	return entry, nil
}

// CompileCount reports how many times a function has been compiled since
// process start. Zero means the function has never been compiled.
func (e *Engine) CompileCount(fnID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry := e.cache[fnID]; entry != nil {
		return entry.compileCount
	}
	return 0
}

// screenTypes rejects pseudo-types outside the allowed set. Argument
// types may never be pseudo; the return type may be trigger, record, or
// void. Enforced under validation only.
func screenTypes(meta *catalog.FunctionMeta, validate bool) error {
	if !validate {
		return nil
	}
	for _, oid := range meta.ArgTypes {
		if types.IsPseudo(oid) {
			return plerrors.Newf(plerrors.ErrCodeDisallowedType,
				"functions cannot accept type %s", types.TypeName(oid)).
				WithOp("engine.screenTypes").
				WithField("function", meta.Name).
				Err()
		}
	}
	if types.IsPseudo(meta.RetType) && !types.AllowedPseudoReturn(meta.RetType) {
		return plerrors.Newf(plerrors.ErrCodeDisallowedType,
			"functions cannot return type %s", types.TypeName(meta.RetType)).
			WithOp("engine.screenTypes").
			WithField("function", meta.Name).
			Err()
	}
	return nil
}

// wrapSource wraps raw source text as an anonymous function expression.
// Unnamed arguments fall back to positional $1..$n placeholders; trigger
// functions get the fixed trigger parameter list. User line 1 becomes
// wrapper line 2, which scriptError corrects for.
func wrapSource(meta *catalog.FunctionMeta, isTrigger bool) string {
	var params []string
	if isTrigger {
		params = triggerParams
	} else {
		params = make([]string, len(meta.ArgTypes))
		for i := range meta.ArgTypes {
			name := ""
			if i < len(meta.ArgNames) {
				name = strings.TrimSpace(meta.ArgNames[i])
			}
			if name == "" {
				name = fmt.Sprintf("$%d", i+1)
			}
			params[i] = name
		}
	}
	return "(function (" + strings.Join(params, ", ") + ") {\n" + meta.Source + "\n})"
}

// compileFunction evaluates a wrapped function expression inside a
// context's runtime and returns the resulting callable. Syntax and
// top-level runtime errors surface as script compile errors.
func compileFunction(vm *goja.Runtime, name, wrapped string) (goja.Callable, goja.Value, error) {
	prg, err := goja.Compile(name, wrapped, false)
	if err != nil {
		return nil, nil, scriptError(name, plerrors.ErrCodeCompileFailed, err)
	}
	val, err := vm.RunProgram(prg)
	if err != nil {
		return nil, nil, scriptError(name, plerrors.ErrCodeCompileFailed, err)
	}
	fn, ok := goja.AssertFunction(val)
	if !ok {
		return nil, nil, plerrors.Newf(plerrors.ErrCodeCompileFailed,
			"compilation of %q did not produce a function", name).
			WithOp("engine.compileFunction").
			Err()
	}
	return fn, val, nil
}
