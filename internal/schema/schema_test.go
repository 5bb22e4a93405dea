package schema

import (
	"strings"
	"testing"
)

const contactSchema = `
name:   string
email:  string
age?:   int & >=0
tags?:  [...string]
`

func TestCompileRejectsSyntaxError(t *testing.T) {
	_, err := Compile(`name: string &`)
	if err == nil {
		t.Fatal("expected compile error")
	}
	if _, ok := err.(*CompileError); !ok {
		t.Errorf("error type = %T, want *CompileError", err)
	}
}

func TestCompileRejectsNonStruct(t *testing.T) {
	if _, err := Compile(`"just a string"`); err == nil {
		t.Fatal("expected error for non-struct schema")
	}
}

func TestValidateAcceptsConformingContent(t *testing.T) {
	s, err := Compile(contactSchema)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if issues := s.Validate([]byte(`{"name":"Ada","email":"ada@example.com","age":36}`)); issues != nil {
		t.Errorf("issues = %+v, want none", issues)
	}
}

func TestValidateReportsMissingAndWrongFields(t *testing.T) {
	s, err := Compile(contactSchema)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	issues := s.Validate([]byte(`{"name":"Ada","age":"old"}`))
	if len(issues) == 0 {
		t.Fatal("expected validation issues")
	}
	paths := map[string]bool{}
	for _, is := range issues {
		paths[is.Path] = true
	}
	if !paths["age"] {
		t.Errorf("issues = %+v, want one at path age", issues)
	}
}

func TestValidateRejectsNonObject(t *testing.T) {
	s, err := Compile(contactSchema)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if issues := s.Validate([]byte(`[1,2]`)); len(issues) != 1 {
		t.Errorf("issues = %+v, want exactly one", issues)
	}
	if issues := s.Validate([]byte(`{not json`)); len(issues) != 1 {
		t.Errorf("issues = %+v, want exactly one", issues)
	}
}

func TestSummarize(t *testing.T) {
	s, err := Compile(contactSchema)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	got := s.Summarize()
	for _, want := range []string{"name: string", "email: string", "age: int (optional)", "tags: list (optional)"} {
		if !strings.Contains(got, want) {
			t.Errorf("Summarize() = %q, missing %q", got, want)
		}
	}
	if fields := s.Fields(); len(fields) != 4 {
		t.Errorf("Fields() = %v, want 4 fields", fields)
	}
}

func TestDescribeIsCUE(t *testing.T) {
	s, err := Compile(contactSchema)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, err := Compile(s.Describe()); err != nil {
		t.Errorf("Describe() output does not compile: %v\n%s", err, s.Describe())
	}
}
