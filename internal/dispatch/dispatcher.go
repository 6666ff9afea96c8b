package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/csctl/internal/observability"
	"github.com/danmuck/csctl/internal/protocol"
	"github.com/dop251/goja"
	"github.com/rs/zerolog/log"
)

// Dispatcher owns one script runtime loaded with one bundle.
type Dispatcher struct {
	mu       sync.Mutex
	vm       *goja.Runtime
	opts     Options
	handlers map[string]goja.Callable
	active   *execContext

	stringify goja.Callable
	parse     goja.Callable
}

// LoadFile reads and loads a bundle file. Stack frames name path.
func LoadFile(path string, opts Options) (*Dispatcher, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompileFailure, err)
	}
	return Load(path, string(raw), opts)
}

// Load compiles and runs a bundle, then builds the handler table from the
// registry it exports. Errors here are compile failures and are reported
// without position rewriting.
func Load(name, source string, opts Options) (*Dispatcher, error) {
	d := &Dispatcher{
		vm:   goja.New(),
		opts: opts.withDefaults(),
	}
	if err := d.installJSON(); err != nil {
		return nil, err
	}
	d.installNatives()

	prg, err := goja.Compile(name, source, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompileFailure, err)
	}

	d.active = newExecContext(context.Background(), "")
	defer func() { d.active = nil }()

	completion, err := d.guard(func() (goja.Value, error) { return d.vm.RunProgram(prg) })
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCompileFailure, describe(err))
	}
	registry, ok := completion.(*goja.Object)
	if !ok {
		registry, ok = d.vm.Get("handlers").(*goja.Object)
	}
	if !ok || registry == nil {
		return nil, ErrNoRegistry
	}

	d.startServer()
	d.handlers = make(map[string]goja.Callable)
	for _, key := range registry.Keys() {
		if fn, ok := goja.AssertFunction(registry.Get(key)); ok {
			d.handlers[key] = fn
		}
	}
	log.Debug().Str("bundle", name).Int("handlers", len(d.handlers)).Msg("dispatch.Load complete")
	return d, nil
}

// startServer runs the optional startup hook defined by the startup unit.
func (d *Dispatcher) startServer() {
	su, ok := d.vm.Get("ServerUtilsInternal").(*goja.Object)
	if !ok || su == nil {
		return
	}
	fn, ok := goja.AssertFunction(su.Get("startServer"))
	if !ok {
		return
	}
	if _, err := d.guard(func() (goja.Value, error) { return fn(su) }); err != nil {
		log.Warn().Str("error", d.rewrite(describe(err))).Msg("dispatch.Dispatcher.startServer failed")
	}
}

// Handlers lists registered handler names in order.
func (d *Dispatcher) Handlers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Execute runs one handler. It always returns a response; failures are
// carried in the response's Error field.
func (d *Dispatcher) Execute(ctx context.Context, req protocol.ExecutionRequest) protocol.ExecutionResponse {
	start := time.Now()
	resp := protocol.ExecutionResponse{
		FunctionName: req.FunctionName,
		Logs:         []protocol.LogEntry{},
	}
	defer func() {
		observability.RecordExecution(d.opts.Transport, resp.Outcome(), time.Since(start))
	}()

	d.mu.Lock()
	defer d.mu.Unlock()

	fn, ok := d.handlers[req.FunctionName]
	if !ok {
		resp.Error = &protocol.ScriptError{
			Error:   protocol.ErrorNotFound,
			Message: fmt.Sprintf("No function named %s was found to execute", req.FunctionName),
		}
		resp.ExecutionTimeSeconds = time.Since(start).Seconds()
		return resp
	}

	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}
	ec := newExecContext(ctx, req.PlayFabID)
	d.active = ec
	defer func() { d.active = nil }()

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		d.vm.Interrupt("execution interrupted: " + context.Cause(ctx).Error())
		close(interrupted)
	})

	d.vm.Set("currentPlayerId", req.PlayFabID)
	args := d.fromJSON(req.FunctionParameter)
	callCtx := d.vm.NewObject()
	_ = callCtx.Set("playerProfile", goja.Null())
	_ = callCtx.Set("playStreamEvent", goja.Null())
	_ = callCtx.Set("triggeredByTask", goja.Null())

	result, err := d.guard(func() (goja.Value, error) { return fn(goja.Undefined(), args, callCtx) })

	if !stop() {
		<-interrupted
	}
	d.vm.ClearInterrupt()

	resp.APIRequestsIssued = ec.apiCalls
	resp.HttpRequestsIssued = ec.httpCalls
	resp.Logs = ec.logs
	if err == nil {
		resp.FunctionResult, err = d.resultJSON(result)
	}
	if err != nil {
		resp.Error = d.failure(err)
	}
	resp.ExecutionTimeSeconds = time.Since(start).Seconds()
	return resp
}

var errHostPanic = errors.New("dispatch: host panic")

// guard turns host panics escaping the engine into errors.
func (d *Dispatcher) guard(run func() (goja.Value, error)) (v goja.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("%w: %v", errHostPanic, r)
		}
	}()
	return run()
}

func (d *Dispatcher) failure(err error) *protocol.ScriptError {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &protocol.ScriptError{
			Error:      protocol.ErrorRuntime,
			Message:    protocol.ErrorRuntime,
			StackTrace: d.rewrite(trimStack(interrupted.String())),
		}
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		trace := d.rewrite(trimStack(ex.String()))
		if _, ok := errorObject(ex.Value()); ok {
			return &protocol.ScriptError{
				Error:      protocol.ErrorRuntime,
				Message:    protocol.ErrorRuntime,
				StackTrace: trace,
			}
		}
		return &protocol.ScriptError{
			Error:      protocol.ErrorUnknown,
			Message:    valueString(ex.Value()),
			StackTrace: trace,
		}
	}
	return &protocol.ScriptError{
		Error:   protocol.ErrorUnknown,
		Message: err.Error(),
	}
}

func (d *Dispatcher) rewrite(trace string) string {
	if d.opts.Rewriter == nil {
		return trace
	}
	return d.opts.Rewriter.RewriteStack(trace)
}

func (d *Dispatcher) current() *execContext {
	if d.active != nil {
		return d.active
	}
	return newExecContext(context.Background(), "")
}

func (d *Dispatcher) installJSON() error {
	obj, ok := d.vm.Get("JSON").(*goja.Object)
	if !ok {
		return fmt.Errorf("%w: engine has no JSON object", ErrCompileFailure)
	}
	stringify, ok1 := goja.AssertFunction(obj.Get("stringify"))
	parse, ok2 := goja.AssertFunction(obj.Get("parse"))
	if !ok1 || !ok2 {
		return fmt.Errorf("%w: engine JSON object incomplete", ErrCompileFailure)
	}
	d.stringify, d.parse = stringify, parse
	return nil
}

// resultJSON serializes a handler's return value. Undefined and functions
// yield nil; a value stringify rejects, such as a cycle, is an error.
func (d *Dispatcher) resultJSON(v goja.Value) (json.RawMessage, error) {
	if v == nil || goja.IsUndefined(v) {
		return nil, nil
	}
	out, err := d.guard(func() (goja.Value, error) { return d.stringify(goja.Undefined(), v) })
	if err != nil {
		return nil, err
	}
	if out == nil || goja.IsUndefined(out) {
		return nil, nil
	}
	return json.RawMessage(out.String()), nil
}

// toJSON serializes a script value. Values with no JSON form yield nil.
func (d *Dispatcher) toJSON(v goja.Value) json.RawMessage {
	if v == nil || goja.IsUndefined(v) {
		return nil
	}
	out, err := d.stringify(goja.Undefined(), v)
	if err != nil || out == nil || goja.IsUndefined(out) {
		return nil
	}
	return json.RawMessage(out.String())
}

func (d *Dispatcher) fromJSON(raw json.RawMessage) goja.Value {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return goja.Undefined()
	}
	v, err := d.parse(goja.Undefined(), d.vm.ToValue(string(raw)))
	if err != nil {
		return goja.Undefined()
	}
	return v
}

func describe(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return trimStack(ex.String())
	}
	return err.Error()
}

func trimStack(s string) string {
	return strings.TrimRight(s, "\n")
}

// errorObject reports whether v is an Error instance.
func errorObject(v goja.Value) (*goja.Object, bool) {
	obj, ok := v.(*goja.Object)
	if !ok || obj == nil {
		return nil, false
	}
	if obj.ClassName() == "Error" {
		return obj, true
	}
	return obj, obj.Get("stack") != nil && obj.Get("message") != nil
}

func valueString(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	return v.String()
}
