package sandbox

import (
	"context"
	"testing"
	"time"
)

func mustCompile(t *testing.T, r *Runtime, src string) *Module {
	t.Helper()
	m, err := r.Compile("test.js", src)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return m
}

func TestCompileSyntaxError(t *testing.T) {
	r := New(0)
	if _, err := r.Compile("bad.js", "exports.default = function( {"); err == nil {
		t.Fatal("expected syntax error")
	}
}

func TestExecuteExportsDefault(t *testing.T) {
	r := New(0)
	m := mustCompile(t, r, `exports.default = function (c) { return ["email:" + c.email.toLowerCase(), c.n + 1]; };`)

	if !r.ExportsCallableDefault(context.Background(), m) {
		t.Fatal("ExportsCallableDefault = false, want true")
	}

	got, execErr := r.ExecuteSyncFunction(context.Background(), m, []any{map[string]any{"email": "Ada@X.io", "n": 1}})
	if execErr != nil {
		t.Fatalf("ExecuteSyncFunction: %v", execErr)
	}
	list, ok := got.([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("result = %#v, want 2-element list", got)
	}
	if list[0] != "email:ada@x.io" {
		t.Errorf("list[0] = %v, want email:ada@x.io", list[0])
	}
	if list[1] != float64(2) {
		t.Errorf("list[1] = %v, want 2", list[1])
	}
}

func TestExecuteModuleExports(t *testing.T) {
	r := New(0)
	m := mustCompile(t, r, `module.exports = function (a, b) { return { sum: a + b }; };`)

	got, execErr := r.ExecuteSyncFunction(context.Background(), m, []any{2, 3})
	if execErr != nil {
		t.Fatalf("ExecuteSyncFunction: %v", execErr)
	}
	obj, ok := got.(map[string]any)
	if !ok || obj["sum"] != float64(5) {
		t.Errorf("result = %#v, want {sum: 5}", got)
	}
}

func TestExportsCallableDefault_Missing(t *testing.T) {
	r := New(0)
	for _, src := range []string{
		`exports.helper = function () {};`,
		`module.exports = null;`,
		`exports.default = 42;`,
	} {
		m := mustCompile(t, r, src)
		if r.ExportsCallableDefault(context.Background(), m) {
			t.Errorf("ExportsCallableDefault(%q) = true, want false", src)
		}
	}
}

func TestExecuteThrownError(t *testing.T) {
	r := New(0)
	m := mustCompile(t, r, `exports.default = function () { throw new RangeError("too far"); };`)

	_, execErr := r.ExecuteSyncFunction(context.Background(), m, nil)
	if execErr == nil {
		t.Fatal("expected execution error")
	}
	if execErr.Name != "RangeError" {
		t.Errorf("Name = %q, want RangeError", execErr.Name)
	}
	if execErr.Message != "too far" {
		t.Errorf("Message = %q, want %q", execErr.Message, "too far")
	}
}

func TestExecuteTimeout(t *testing.T) {
	r := New(50 * time.Millisecond)
	m := mustCompile(t, r, `exports.default = function () { for (;;) {} };`)

	start := time.Now()
	_, execErr := r.ExecuteSyncFunction(context.Background(), m, nil)
	if execErr == nil {
		t.Fatal("expected timeout error")
	}
	if execErr.Name != "InterruptedError" {
		t.Errorf("Name = %q, want InterruptedError", execErr.Name)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestExecuteUndefinedResult(t *testing.T) {
	r := New(0)
	m := mustCompile(t, r, `exports.default = function () {};`)

	got, execErr := r.ExecuteSyncFunction(context.Background(), m, nil)
	if execErr != nil {
		t.Fatalf("ExecuteSyncFunction: %v", execErr)
	}
	if got != nil {
		t.Errorf("result = %#v, want nil", got)
	}
}
