package engine

import (
	"context"
	"strings"

	"github.com/dop251/goja"

	"github.com/ha1tch/pljs/pkg/conv"
	plerrors "github.com/ha1tch/pljs/pkg/errors"
	"github.com/ha1tch/pljs/pkg/host"
	"github.com/ha1tch/pljs/pkg/version"
)

// hostAPI is the per-context capability namespace exposed to script code
// as the global `pljs` object. It also carries the call-scoped bindings a
// set-returning call needs: the active result converter and row sink,
// saved and restored around nested set-returning calls.
type hostAPI struct {
	engine *Engine
	gc     *globalContext

	// call-scoped state
	ctx        context.Context
	activeConv *conv.Converter
	activeSink host.RowSink
}

func newHostAPI(e *Engine, gc *globalContext) *hostAPI {
	return &hostAPI{engine: e, gc: gc}
}

// install publishes the capability namespace into a runtime.
func (a *hostAPI) install(vm *goja.Runtime) error {
	obj := vm.NewObject()

	fns := map[string]func(goja.FunctionCall) goja.Value{
		"elog":           a.elog,
		"execute":        a.execute,
		"return_next":    a.returnNext,
		"find_function":  a.findFunction,
		"quote_literal":  a.quoteLiteral,
		"quote_nullable": a.quoteNullable,
		"quote_ident":    a.quoteIdent,
	}
	for name, fn := range fns {
		if err := obj.Set(name, fn); err != nil {
			return plerrors.Wrapf(err, plerrors.ErrCodeInternal,
				"failed to install pljs.%s", name).
				WithOp("hostAPI.install").
				Err()
		}
	}
	if err := obj.Set("version", version.String()); err != nil {
		return plerrors.Wrap(err, plerrors.ErrCodeInternal,
			"failed to install pljs.version").
			WithOp("hostAPI.install").
			Err()
	}

	return vm.Set("pljs", obj)
}

// swapSRF installs a set-returning call's converter and sink, returning
// the previous bindings for restoration when the nested call unwinds.
func (a *hostAPI) swapSRF(c *conv.Converter, s host.RowSink) (*conv.Converter, host.RowSink) {
	prevConv, prevSink := a.activeConv, a.activeSink
	a.activeConv, a.activeSink = c, s
	return prevConv, prevSink
}

func (a *hostAPI) callContext() context.Context {
	if a.ctx != nil {
		return a.ctx
	}
	return context.Background()
}

// throwHost propagates a host error into script code. The dispatcher
// recognizes it on the way back out and re-raises it unchanged.
func (a *hostAPI) throwHost(err error) {
	panic(a.gc.vm.ToValue(err))
}

// throwScript raises a plain exception in script code.
func (a *hostAPI) throwScript(msg string) {
	panic(a.gc.vm.NewTypeError(msg))
}

// elog(level, msg...) logs through the host at a severity constant
// (DEBUG5..WARNING). ERROR raises an exception instead of logging.
func (a *hostAPI) elog(call goja.FunctionCall) goja.Value {
	if len(call.Arguments) == 0 {
		return goja.Undefined()
	}
	level := int(call.Argument(0).ToInteger())

	parts := make([]string, 0, len(call.Arguments)-1)
	for _, arg := range call.Arguments[1:] {
		parts = append(parts, arg.String())
	}
	msg := strings.Join(parts, " ")

	script := a.engine.logger.Script()
	switch {
	case level >= 9: // ERROR
		panic(a.gc.vm.ToValue(msg))
	case level == 8: // WARNING
		script.Warn(msg)
	case level >= 5: // LOG, INFO, NOTICE
		script.Info(msg)
	default: // DEBUG5..DEBUG1
		script.Debug(msg)
	}
	return goja.Undefined()
}

// execute(sql, args...) runs a statement through the current query
// session. Row-returning statements yield an array of row objects;
// everything else yields the affected row count.
func (a *hostAPI) execute(call goja.FunctionCall) goja.Value {
	if len(call.Arguments) == 0 {
		a.throwScript("execute requires a statement")
	}
	query := call.Argument(0).String()

	args := make([]interface{}, 0, len(call.Arguments)-1)
	for _, arg := range call.Arguments[1:] {
		if goja.IsUndefined(arg) || goja.IsNull(arg) {
			args = append(args, nil)
		} else {
			args = append(args, arg.Export())
		}
	}

	res, err := a.engine.session.Execute(a.callContext(), query, args...)
	if err != nil {
		a.throwHost(err)
	}

	if res.Desc == nil {
		return a.gc.vm.ToValue(res.RowsAffected)
	}

	c, err := conv.NewConverter(a.gc.vm, res.Desc)
	if err != nil {
		a.throwHost(err)
	}
	out := make([]interface{}, len(res.Rows))
	for i, row := range res.Rows {
		v, err := c.ToValue(row)
		if err != nil {
			a.throwHost(err)
		}
		out[i] = v
	}
	return a.gc.vm.ToValue(out)
}

// return_next(value) emits one row from a set-returning function, in
// call order.
func (a *hostAPI) returnNext(call goja.FunctionCall) goja.Value {
	if a.activeSink == nil || a.activeConv == nil {
		a.throwScript("return_next called in context that cannot accept a set")
	}
	row, err := a.activeConv.ToRow(call.Argument(0))
	if err != nil {
		a.throwHost(err)
	}
	if err := a.activeSink.Put(a.activeConv.Desc(), row); err != nil {
		a.throwHost(err)
	}
	return goja.Undefined()
}

// find_function(signature) resolves and compiles a catalog function under
// the calling principal and returns it as a callable value.
func (a *hostAPI) findFunction(call goja.FunctionCall) goja.Value {
	signature := call.Argument(0).String()

	ctx := a.callContext()
	fnID, err := a.engine.catalog.ResolveFunction(ctx, signature)
	if err != nil {
		a.throwHost(err)
	}
	entry, err := a.engine.getOrCompile(ctx, fnID, a.gc.principal, false)
	if err != nil {
		a.throwHost(err)
	}
	if entry.gc != a.gc {
		a.throwScript("function " + signature + " belongs to another context")
	}
	return entry.fnVal
}

// quote_literal(text) quotes a string for use as a literal.
func (a *hostAPI) quoteLiteral(call goja.FunctionCall) goja.Value {
	s := call.Argument(0).String()
	return a.gc.vm.ToValue("'" + strings.ReplaceAll(s, "'", "''") + "'")
}

// quote_nullable(value) quotes like quote_literal but renders null and
// undefined as the unquoted keyword NULL.
func (a *hostAPI) quoteNullable(call goja.FunctionCall) goja.Value {
	v := call.Argument(0)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return a.gc.vm.ToValue("NULL")
	}
	return a.quoteLiteral(call)
}

// quote_ident(text) quotes a string for use as an identifier.
func (a *hostAPI) quoteIdent(call goja.FunctionCall) goja.Value {
	s := call.Argument(0).String()
	return a.gc.vm.ToValue(`"` + strings.ReplaceAll(s, `"`, `""`) + `"`)
}
