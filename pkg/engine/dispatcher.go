package engine

import (
	"context"

	"github.com/dop251/goja"

	"github.com/ha1tch/pljs/pkg/conv"
	plerrors "github.com/ha1tch/pljs/pkg/errors"
	"github.com/ha1tch/pljs/pkg/host"
	"github.com/ha1tch/pljs/pkg/types"
)

// CallKind tags the shape of one invocation, matched once at dispatch
// entry.
type CallKind int

const (
	CallScalar CallKind = iota
	CallSet
	CallTrigger
)

// Trigger event attributes, bound into the fixed trigger parameter list.
type (
	TriggerOp    string
	TriggerWhen  string
	TriggerLevel string
)

const (
	TriggerInsert   TriggerOp = "INSERT"
	TriggerUpdate   TriggerOp = "UPDATE"
	TriggerDelete   TriggerOp = "DELETE"
	TriggerTruncate TriggerOp = "TRUNCATE"

	TriggerBefore    TriggerWhen = "BEFORE"
	TriggerAfter     TriggerWhen = "AFTER"
	TriggerInsteadOf TriggerWhen = "INSTEAD OF"

	TriggerRow       TriggerLevel = "ROW"
	TriggerStatement TriggerLevel = "STATEMENT"
)

// TriggerEvent carries everything a trigger invocation binds: the firing
// relation, the event attributes, and the affected rows.
type TriggerEvent struct {
	Name   string
	When   TriggerWhen
	Level  TriggerLevel
	Op     TriggerOp
	RelID  int64
	Table  string
	Schema string
	Args   []string

	// Desc describes the relation's row type. New is set for INSERT and
	// UPDATE, Old for UPDATE and DELETE.
	Desc *types.RowDesc
	New  *types.Row
	Old  *types.Row
}

// TriggerResult is the interpreted outcome of a row-level trigger call:
// either the row the operation should proceed with, or suppression.
type TriggerResult struct {
	Suppress bool
	Row      *types.Row
}

// Invocation is one dispatch request.
type Invocation struct {
	FunctionID int64
	Principal  string

	Args     []types.Datum
	ArgNulls []bool

	// ResultDesc supplies the row shape when the declared return type is
	// the anonymous record type, and optionally overrides the shape of a
	// set-returning result.
	ResultDesc *types.RowDesc

	// Sink receives rows from a set-returning call. Required for those.
	Sink host.RowSink

	// Trigger is set for trigger invocations.
	Trigger *TriggerEvent

	// Site caches the execution environment across calls from the same
	// call site within a transaction. Optional.
	Site *CallSite
}

// Result is the outcome of one dispatch.
type Result struct {
	Value  types.Datum
	IsNull bool

	// Rows counts rows materialized by a set-returning call, including
	// rows emitted through return_next.
	Rows int

	Trigger *TriggerResult
}

// Call is the main entry point for scalar, set-returning, and trigger
// invocations.
func (e *Engine) Call(ctx context.Context, inv *Invocation) (*Result, error) {
	entry, err := e.getOrCompile(ctx, inv.FunctionID, inv.Principal, false)
	if err != nil {
		return nil, err
	}
	env := e.envForCall(inv.Site, entry.gc, entry)

	var kind CallKind
	switch {
	case entry.trigger:
		kind = CallTrigger
	case entry.retSet:
		kind = CallSet
	default:
		kind = CallScalar
	}

	switch kind {
	case CallTrigger:
		return e.callTrigger(ctx, env, inv)
	case CallSet:
		return e.callSet(ctx, env, inv)
	default:
		return e.callScalar(ctx, env, inv)
	}
}

// Validate compiles a function under validation rules without caching a
// reusable call shape: pseudo-type screening is enforced and compile
// errors surface as script errors.
func (e *Engine) Validate(ctx context.Context, fnID int64, principal string) error {
	_, err := e.getOrCompile(ctx, fnID, principal, true)
	return err
}

// RunInline compiles and runs anonymous source with zero arguments. No
// procedure cache entry is created.
func (e *Engine) RunInline(ctx context.Context, principal, source string) error {
	gc, err := e.getGlobalContext(ctx, principal)
	if err != nil {
		return err
	}

	const name = "inline"
	wrapped := "(function () {\n" + source + "\n})"
	fn, fnVal, err := compileFunction(gc.vm, name, wrapped)
	if err != nil {
		return err
	}

	entry := &procEntry{name: name, gc: gc, fn: fn, fnVal: fnVal}
	env := e.createExecEnv(gc, entry)
	_, err = e.doCall(ctx, env, nil)
	return err
}

// doCall brackets one engine call with a query session: connect before
// control enters script code, finish after it returns, unconditionally.
func (e *Engine) doCall(ctx context.Context, env *ExecEnv, args []goja.Value) (goja.Value, error) {
	if env.released {
		return nil, plerrors.New(plerrors.ErrCodeEnvReleased,
			"execution environment used after transaction end").
			WithOp("engine.doCall").
			Err()
	}

	if status := e.session.Connect(); status != host.StatusOK {
		return nil, plerrors.Newf(plerrors.ErrCodeSessionFailed,
			"query session connect failed: %s", host.FormatStatus(status)).
			WithOp("engine.doCall").
			Err()
	}

	api := env.gc.api
	prevCtx := api.ctx
	api.ctx = ctx

	ret, callErr := env.entry.fn(env.recv, args...)

	api.ctx = prevCtx
	finStatus := e.session.Finish()

	if callErr != nil {
		return nil, mapCallError(env.entry.name, callErr)
	}
	if finStatus != host.StatusOK {
		return nil, plerrors.Newf(plerrors.ErrCodeSessionFailed,
			"query session finish failed: %s", host.FormatStatus(finStatus)).
			WithOp("engine.doCall").
			Err()
	}
	return ret, nil
}

// mapCallError distinguishes host errors thrown through script code from
// genuine script exceptions. Host errors re-raise unchanged; everything
// else becomes a script error with source-location detail.
func mapCallError(fnName string, err error) error {
	if ex, ok := err.(*goja.Exception); ok {
		if exported, ok := ex.Value().Export().(error); ok {
			var pe *plerrors.Error
			if plerrors.As(exported, &pe) && !pe.Script {
				return exported
			}
		}
	}
	return scriptError(fnName, plerrors.ErrCodeScriptException, err)
}

// marshalArgs converts invocation datums into engine values per the
// declared argument types.
func (e *Engine) marshalArgs(env *ExecEnv, inv *Invocation) ([]goja.Value, error) {
	entry := env.entry
	if len(inv.Args) != len(entry.argTypes) {
		return nil, plerrors.Newf(plerrors.ErrCodeConvertValue,
			"function %q expects %d arguments, got %d",
			entry.name, len(entry.argTypes), len(inv.Args)).
			WithOp("engine.marshalArgs").
			Err()
	}

	args := make([]goja.Value, len(inv.Args))
	for i, oid := range entry.argTypes {
		td, err := types.Describe(oid, e.catalog)
		if err != nil {
			return nil, err
		}
		isNull := i < len(inv.ArgNulls) && inv.ArgNulls[i]
		v, err := conv.ToValue(env.gc.vm, inv.Args[i], isNull, td)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// resultDesc resolves the return type descriptor, substituting the
// invocation-supplied row shape for the anonymous record type.
func (e *Engine) resultDesc(entry *procEntry, inv *Invocation) (types.TypeDesc, error) {
	td, err := types.Describe(entry.retType, e.catalog)
	if err != nil {
		return td, err
	}
	if td.Kind == types.KindRow && td.Row == nil {
		if inv.ResultDesc == nil {
			return td, plerrors.Newf(plerrors.ErrCodeConvertRow,
				"function %q returns record but the call supplies no column definition",
				entry.name).
				WithOp("engine.resultDesc").
				Err()
		}
		td.Row = inv.ResultDesc
	}
	return td, nil
}

func (e *Engine) callScalar(ctx context.Context, env *ExecEnv, inv *Invocation) (*Result, error) {
	entry := env.entry

	args, err := e.marshalArgs(env, inv)
	if err != nil {
		return nil, err
	}
	td, err := e.resultDesc(entry, inv)
	if err != nil {
		return nil, err
	}

	ret, err := e.doCall(ctx, env, args)
	if err != nil {
		return nil, err
	}

	if entry.retType == types.VoidOID {
		return &Result{IsNull: true}, nil
	}
	d, isNull, err := conv.ToDatum(env.gc.vm, ret, td)
	if err != nil {
		return nil, err
	}
	return &Result{Value: d, IsNull: isNull}, nil
}

// countingSink counts rows on their way into the caller's sink so the
// result can report how many were materialized.
type countingSink struct {
	inner host.RowSink
	n     int
}

func (s *countingSink) Put(desc *types.RowDesc, row *types.Row) error {
	if err := s.inner.Put(desc, row); err != nil {
		return err
	}
	s.n++
	return nil
}

func (e *Engine) callSet(ctx context.Context, env *ExecEnv, inv *Invocation) (*Result, error) {
	entry := env.entry

	if inv.Sink == nil {
		return nil, plerrors.New(plerrors.ErrCodeNoRowSink,
			"set-valued function called in context that cannot accept a set").
			WithOp("engine.callSet").
			WithField("function", entry.name).
			Err()
	}

	args, err := e.marshalArgs(env, inv)
	if err != nil {
		return nil, err
	}
	td, err := e.resultDesc(entry, inv)
	if err != nil {
		return nil, err
	}

	rowDesc := td.Row
	if rowDesc == nil {
		// Scalar element type: rows with one anonymous column.
		rowDesc = &types.RowDesc{
			Columns: []types.ColumnDesc{{Name: entry.name, Type: td}},
			Scalar:  true,
		}
	}
	converter, err := conv.NewConverter(env.gc.vm, rowDesc)
	if err != nil {
		return nil, err
	}

	sink := &countingSink{inner: inv.Sink}

	// Bind this call's converter and sink for return_next, preserving
	// an enclosing set-returning call's bindings.
	api := env.gc.api
	prevConv, prevSink := api.swapSRF(converter, sink)
	ret, err := e.doCall(ctx, env, args)
	api.swapSRF(prevConv, prevSink)
	if err != nil {
		return nil, err
	}

	if _, err := converter.ToDatumSet(ret, sink); err != nil {
		return nil, err
	}
	return &Result{IsNull: true, Rows: sink.n}, nil
}

func (e *Engine) callTrigger(ctx context.Context, env *ExecEnv, inv *Invocation) (*Result, error) {
	entry := env.entry
	ev := inv.Trigger
	if ev == nil {
		return nil, plerrors.New(plerrors.ErrCodeInternal,
			"trigger function called without a trigger event").
			WithOp("engine.callTrigger").
			WithField("function", entry.name).
			Err()
	}
	if ev.Desc == nil {
		return nil, plerrors.New(plerrors.ErrCodeInternal,
			"trigger event without a relation row descriptor").
			WithOp("engine.callTrigger").
			Err()
	}

	vm := env.gc.vm
	converter, err := conv.NewConverter(vm, ev.Desc)
	if err != nil {
		return nil, err
	}

	newVal, oldVal := goja.Value(goja.Null()), goja.Value(goja.Null())
	if ev.New != nil {
		if newVal, err = converter.ToValue(ev.New); err != nil {
			return nil, err
		}
	}
	if ev.Old != nil {
		if oldVal, err = converter.ToValue(ev.Old); err != nil {
			return nil, err
		}
	}

	argv := make([]interface{}, len(ev.Args))
	for i, a := range ev.Args {
		argv[i] = a
	}

	args := []goja.Value{
		newVal,
		oldVal,
		vm.ToValue(ev.Name),
		vm.ToValue(string(ev.When)),
		vm.ToValue(string(ev.Level)),
		vm.ToValue(string(ev.Op)),
		vm.ToValue(ev.RelID),
		vm.ToValue(ev.Table),
		vm.ToValue(ev.Schema),
		vm.ToValue(argv),
	}

	ret, err := e.doCall(ctx, env, args)
	if err != nil {
		return nil, err
	}

	tr, err := interpretTriggerResult(vm, converter, ev, ret)
	if err != nil {
		return nil, err
	}
	return &Result{IsNull: true, Trigger: tr}, nil
}

// interpretTriggerResult maps a trigger function's return value to the
// row the operation proceeds with. A row-level UPDATE returning null or
// undefined suppresses the update; returning an object applies that row.
// INSERT and DELETE keep their original row when nothing is returned.
func interpretTriggerResult(vm *goja.Runtime, c *conv.Converter, ev *TriggerEvent, ret goja.Value) (*TriggerResult, error) {
	if ev.Level != TriggerRow {
		return &TriggerResult{}, nil
	}

	noResult := ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret)

	if !noResult {
		if _, ok := ret.(*goja.Object); ok {
			row, err := c.ToRow(ret)
			if err != nil {
				return nil, err
			}
			return &TriggerResult{Row: row}, nil
		}
	}

	switch ev.Op {
	case TriggerUpdate:
		if noResult {
			return &TriggerResult{Suppress: true}, nil
		}
	case TriggerDelete:
		return &TriggerResult{Row: ev.Old}, nil
	}
	return &TriggerResult{Row: ev.New}, nil
}
