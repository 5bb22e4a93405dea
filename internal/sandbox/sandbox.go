// Package sandbox runs small user-authored JavaScript functions in an
// isolated goja VM against JSON-safe arguments.
//
// A script is a CommonJS-style module. Its callable entry point is either
// exports.default or module.exports itself:
//
//	exports.default = function (content) {
//	  return ["email:" + content.email.toLowerCase()];
//	};
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// DefaultTimeout bounds a single function execution.
const DefaultTimeout = 2 * time.Second

// Module is a compiled script. It is immutable and safe to execute
// concurrently; every execution gets a fresh VM.
type Module struct {
	name    string
	program *goja.Program
}

// Name returns the name the module was compiled under.
func (m *Module) Name() string { return m.name }

// ExecutionError is a failure raised while running a module.
type ExecutionError struct {
	Message string `json:"message"`
	Name    string `json:"name,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

func (e *ExecutionError) Error() string {
	if e.Name != "" {
		return e.Name + ": " + e.Message
	}
	return e.Message
}

// Runtime executes compiled modules.
type Runtime struct {
	Timeout time.Duration
}

// New returns a Runtime with the given per-call timeout. A non-positive
// timeout selects DefaultTimeout.
func New(timeout time.Duration) *Runtime {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runtime{Timeout: timeout}
}

// Compile parses src. Syntax errors are reported here, not at execution.
func (r *Runtime) Compile(name, src string) (*Module, error) {
	wrapped := "(function (exports, module) {\n" + src + "\n})"
	p, err := goja.Compile(name, wrapped, false)
	if err != nil {
		return nil, fmt.Errorf("compiling %s: %w", name, err)
	}
	return &Module{name: name, program: p}, nil
}

// ExportsCallableDefault reports whether loading m yields a callable entry
// point.
func (r *Runtime) ExportsCallableDefault(ctx context.Context, m *Module) bool {
	vm, stop := r.newVM(ctx)
	defer stop()

	_, ok, err := load(vm, m)
	return err == nil && ok
}

// ExecuteSyncFunction loads m in a fresh VM and calls its entry point with
// args. Arguments are passed through JSON, and so is the result: the
// returned value is made of nil, bool, float64, string, []any and
// map[string]any.
func (r *Runtime) ExecuteSyncFunction(ctx context.Context, m *Module, args []any) (any, *ExecutionError) {
	vm, stop := r.newVM(ctx)
	defer stop()

	fn, ok, err := load(vm, m)
	if err != nil {
		return nil, toExecutionError(err)
	}
	if !ok {
		return nil, &ExecutionError{Name: "TypeError", Message: "module does not export a callable default"}
	}

	jsonObj := vm.Get("JSON").ToObject(vm)
	parse, _ := goja.AssertFunction(jsonObj.Get("parse"))
	stringify, _ := goja.AssertFunction(jsonObj.Get("stringify"))

	jsArgs := make([]goja.Value, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, &ExecutionError{Name: "TypeError", Message: fmt.Sprintf("argument %d is not JSON-safe: %v", i, err)}
		}
		v, err := parse(goja.Undefined(), vm.ToValue(string(b)))
		if err != nil {
			return nil, toExecutionError(err)
		}
		jsArgs = append(jsArgs, v)
	}

	out, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		return nil, toExecutionError(err)
	}
	if goja.IsUndefined(out) || goja.IsNull(out) {
		return nil, nil
	}

	s, err := stringify(goja.Undefined(), out)
	if err != nil {
		return nil, toExecutionError(err)
	}
	if goja.IsUndefined(s) {
		return nil, &ExecutionError{Name: "TypeError", Message: "result is not JSON-safe"}
	}
	var v any
	if err := json.Unmarshal([]byte(s.String()), &v); err != nil {
		return nil, &ExecutionError{Name: "TypeError", Message: "result is not JSON-safe: " + err.Error()}
	}
	return v, nil
}

// newVM returns a VM that is interrupted when the timeout elapses or ctx is
// done. stop releases the timers.
func (r *Runtime) newVM(ctx context.Context) (*goja.Runtime, func()) {
	vm := goja.New()
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt(fmt.Sprintf("execution exceeded %s", timeout))
	})
	stopCtx := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err().Error())
	})
	return vm, func() {
		timer.Stop()
		stopCtx()
	}
}

// load evaluates the module body and returns its entry point.
func load(vm *goja.Runtime, m *Module) (goja.Callable, bool, error) {
	factory, err := vm.RunProgram(m.program)
	if err != nil {
		return nil, false, err
	}
	call, ok := goja.AssertFunction(factory)
	if !ok {
		return nil, false, errors.New("module wrapper is not a function")
	}

	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, false, err
	}
	if _, err := call(goja.Undefined(), exports, module); err != nil {
		return nil, false, err
	}

	exported := module.Get("exports")
	if exported == nil || goja.IsUndefined(exported) || goja.IsNull(exported) {
		return nil, false, nil
	}
	if fn, ok := goja.AssertFunction(exported); ok {
		return fn, true, nil
	}
	if obj := exported.ToObject(vm); obj != nil {
		if fn, ok := goja.AssertFunction(obj.Get("default")); ok {
			return fn, true, nil
		}
	}
	return nil, false, nil
}

func toExecutionError(err error) *ExecutionError {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &ExecutionError{Name: "InterruptedError", Message: fmt.Sprint(interrupted.Value())}
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		e := &ExecutionError{Message: exc.Error(), Stack: exc.String()}
		if obj, ok := exc.Value().(*goja.Object); ok {
			if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
				e.Name = name.String()
			}
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				e.Message = msg.String()
			}
		}
		return e
	}
	return &ExecutionError{Message: err.Error()}
}
