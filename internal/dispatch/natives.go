package dispatch

import (
	"bytes"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/danmuck/csctl/internal/playfab"
	"github.com/danmuck/csctl/internal/protocol"
	"github.com/dop251/goja"
)

func (d *Dispatcher) installNatives() {
	vm := d.vm
	_ = vm.Set("server", vm.NewDynamicObject(&serverObject{d: d, methods: make(map[string]goja.Value)}))

	httpObj := vm.NewObject()
	_ = httpObj.Set("request", d.httpRequest)
	_ = vm.Set("http", httpObj)

	logObj := vm.NewObject()
	_ = logObj.Set("info", d.playfabLog("Info"))
	_ = logObj.Set("debug", d.playfabLog("Debug"))
	_ = logObj.Set("error", d.playfabLog("Error"))
	_ = vm.Set("log", logObj)

	console := vm.NewObject()
	_ = console.Set("log", d.consoleLog("info"))
	_ = console.Set("info", d.consoleLog("info"))
	_ = console.Set("debug", d.consoleLog("debug"))
	_ = console.Set("warn", d.consoleLog("warn"))
	_ = console.Set("error", d.consoleError)
	_ = vm.Set("console", console)

	script := vm.NewObject()
	_ = script.Set("revision", 0)
	_ = script.Set("titleId", d.opts.TitleID)
	_ = vm.Set("script", script)
	_ = vm.Set("currentPlayerId", "")
}

// serverObject resolves server.<Method> to a call against the server API.
// Only PascalCase names are methods, so lookups like toJSON stay undefined.
type serverObject struct {
	d       *Dispatcher
	methods map[string]goja.Value
}

func isServerMethod(key string) bool {
	r, _ := utf8.DecodeRuneInString(key)
	return unicode.IsUpper(r)
}

func (s *serverObject) Get(key string) goja.Value {
	if v, ok := s.methods[key]; ok {
		return v
	}
	if !isServerMethod(key) {
		return nil
	}
	method := key
	fn := s.d.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return s.d.callServer(method, call.Argument(0))
	})
	s.methods[key] = fn
	return fn
}

func (s *serverObject) Set(key string, val goja.Value) bool {
	s.methods[key] = val
	return true
}

func (s *serverObject) Has(key string) bool {
	_, ok := s.methods[key]
	return ok || isServerMethod(key)
}

func (s *serverObject) Delete(key string) bool {
	delete(s.methods, key)
	return true
}

func (s *serverObject) Keys() []string {
	keys := make([]string, 0, len(s.methods))
	for k := range s.methods {
		keys = append(keys, k)
	}
	return keys
}

func (d *Dispatcher) callServer(method string, arg goja.Value) goja.Value {
	ec := d.current()
	ec.apiCalls++
	if d.opts.API == nil {
		panic(d.newError(ErrNoAPI))
	}
	data, err := d.opts.API.CallServer(ec.ctx, method, d.toJSON(arg))
	if err != nil {
		panic(d.apiError(err))
	}
	return d.fromJSON(data)
}

// newError builds a script Error instance so handlers can catch it like
// any other thrown error.
func (d *Dispatcher) newError(err error) *goja.Object {
	if obj, cerr := d.vm.New(d.vm.Get("Error"), d.vm.ToValue(err.Error())); cerr == nil {
		return obj
	}
	return d.vm.NewGoError(err)
}

func (d *Dispatcher) apiError(err error) *goja.Object {
	obj := d.newError(err)
	var apiErr *playfab.APIError
	if errors.As(err, &apiErr) {
		info := d.vm.NewObject()
		_ = info.Set("code", apiErr.Code)
		_ = info.Set("status", apiErr.Status)
		_ = info.Set("error", apiErr.ErrorName)
		_ = info.Set("errorCode", apiErr.ErrorCode)
		_ = info.Set("errorMessage", apiErr.Message)
		_ = obj.Set("apiErrorInfo", info)
	}
	return obj
}

// httpRequest implements http.request(url, method, body, contentType, headers).
func (d *Dispatcher) httpRequest(call goja.FunctionCall) goja.Value {
	ec := d.current()
	ec.httpCalls++
	if d.opts.API == nil {
		panic(d.newError(ErrNoAPI))
	}
	req := playfab.HTTPRequest{
		URL:         optString(call.Argument(0)),
		Method:      optString(call.Argument(1)),
		Body:        optString(call.Argument(2)),
		ContentType: optString(call.Argument(3)),
	}
	if h, ok := call.Argument(4).(*goja.Object); ok && h != nil {
		req.Headers = make(map[string]string)
		for _, k := range h.Keys() {
			req.Headers[k] = optString(h.Get(k))
		}
	}
	body, err := d.opts.API.HTTPRequest(ec.ctx, req)
	if err != nil {
		panic(d.newError(err))
	}
	return d.vm.ToValue(body)
}

// playfabLog records an entry on the response and reports it out of band.
func (d *Dispatcher) playfabLog(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		ec := d.current()
		entry := protocol.LogEntry{
			Level:   level,
			Message: d.formatValue(call.Argument(0)),
			Data:    d.toJSON(call.Argument(1)),
		}
		ec.logs = append(ec.logs, entry)
		d.opts.Sink.PlayFabLog(protocol.PlayFabLogRecord{
			Level:   level,
			Message: entry.Message,
			Data:    entry.Data,
			Stack:   d.rewrite(d.callerStack()),
		})
		return goja.Undefined()
	}
}

func (d *Dispatcher) consoleLog(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		d.opts.Sink.Log(level, d.formatArgs(call.Arguments))
		return goja.Undefined()
	}
}

// consoleError reports Error arguments with their rewritten stacks.
func (d *Dispatcher) consoleError(call goja.FunctionCall) goja.Value {
	for _, arg := range call.Arguments {
		if obj, ok := errorObject(arg); ok {
			d.opts.Sink.ErrorLog(protocol.ErrorRecord{
				Code:    optString(obj.Get("name")),
				Message: d.formatArgs(call.Arguments),
				Stack:   d.rewrite(errorStack(obj)),
			})
			return goja.Undefined()
		}
	}
	d.opts.Sink.Log("error", d.formatArgs(call.Arguments))
	return goja.Undefined()
}

func (d *Dispatcher) callerStack() string {
	frames := d.vm.CaptureCallStack(0, nil)
	var b bytes.Buffer
	for _, f := range frames {
		if src := f.SrcName(); src == "" || src == "<native>" {
			continue
		}
		b.WriteString("\tat ")
		f.Write(&b)
		b.WriteByte('\n')
	}
	return trimStack(b.String())
}

func (d *Dispatcher) formatArgs(args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, d.formatValue(a))
	}
	return strings.Join(parts, " ")
}

func (d *Dispatcher) formatValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if obj, ok := v.(*goja.Object); ok {
		if _, isErr := errorObject(obj); isErr {
			return errorStack(obj)
		}
		if _, isFn := goja.AssertFunction(obj); isFn {
			return "[Function]"
		}
		if raw := d.toJSON(obj); raw != nil {
			return string(raw)
		}
	}
	return v.String()
}

func errorStack(obj *goja.Object) string {
	if s := obj.Get("stack"); s != nil && !goja.IsUndefined(s) && !goja.IsNull(s) {
		return trimStack(s.String())
	}
	return obj.String()
}

func optString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}
