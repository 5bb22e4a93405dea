// Package schema validates document content against a collection's CUE
// schema and renders the schema for prompts.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/format"
)

// Issue is one validation failure at a path inside the content.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Schema is a compiled CUE struct describing one collection's documents.
type Schema struct {
	ctx    *cue.Context
	value  cue.Value
	source string
}

// CompileError reports a schema that does not compile or is not a struct.
type CompileError struct {
	Line    int
	Column  int
	Message string
}

func (e *CompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Message)
	}
	return e.Message
}

// Compile parses src as a CUE struct.
func Compile(src string) (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return nil, compileError(err)
	}
	if v.IncompleteKind() != cue.StructKind {
		return nil, &CompileError{Message: fmt.Sprintf("schema must be a struct, got %v", v.IncompleteKind())}
	}
	return &Schema{ctx: ctx, value: v, source: src}, nil
}

// Validate checks content, a JSON object, against the schema. It returns nil
// when content is valid.
func (s *Schema) Validate(content []byte) []Issue {
	data := s.ctx.CompileBytes(content, cue.Filename("content.json"))
	if err := data.Err(); err != nil {
		return []Issue{{Path: "", Message: "content is not valid JSON: " + firstLine(err.Error())}}
	}
	if data.Kind() != cue.StructKind {
		return []Issue{{Path: "", Message: "content must be a JSON object"}}
	}

	unified := s.value.Unify(data)
	err := unified.Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}

	var issues []Issue
	seen := map[string]bool{}
	for _, e := range errors.Errors(err) {
		msg, args := e.Msg()
		issue := Issue{Path: strings.Join(e.Path(), "."), Message: fmt.Sprintf(msg, args...)}
		key := issue.Path + "\x00" + issue.Message
		if seen[key] {
			continue
		}
		seen[key] = true
		issues = append(issues, issue)
	}
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Path < issues[j].Path })
	return issues
}

// Describe returns the schema as formatted CUE source.
func (s *Schema) Describe() string {
	b, err := format.Node(s.value.Syntax(cue.Optional(true), cue.Definitions(true)))
	if err != nil {
		return strings.TrimSpace(s.source)
	}
	return strings.TrimSpace(string(b))
}

// Summarize returns one line per top-level field: name, kind and whether
// the field is optional.
func (s *Schema) Summarize() string {
	iter, err := s.value.Fields(cue.Optional(true))
	if err != nil {
		return ""
	}
	var lines []string
	for iter.Next() {
		name := strings.TrimSuffix(iter.Selector().String(), "?")
		line := fmt.Sprintf("%s: %s", name, kindName(iter.Value()))
		if iter.IsOptional() {
			line += " (optional)"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// Fields returns the top-level field names, optional ones included.
func (s *Schema) Fields() []string {
	iter, err := s.value.Fields(cue.Optional(true))
	if err != nil {
		return nil
	}
	var names []string
	for iter.Next() {
		names = append(names, strings.TrimSuffix(iter.Selector().String(), "?"))
	}
	return names
}

func kindName(v cue.Value) string {
	switch k := v.IncompleteKind(); k {
	case cue.StringKind:
		return "string"
	case cue.IntKind:
		return "int"
	case cue.FloatKind, cue.NumberKind:
		return "number"
	case cue.BoolKind:
		return "bool"
	case cue.ListKind:
		return "list"
	case cue.StructKind:
		return "object"
	case cue.NullKind:
		return "null"
	default:
		return k.String()
	}
}

func compileError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &CompileError{Message: err.Error()}
	}
	first := errs[0]
	ce := &CompileError{Message: first.Error()}
	if pos := errors.Positions(first); len(pos) > 0 {
		ce.Line = pos[0].Line()
		ce.Column = pos[0].Column()
	}
	return ce
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
