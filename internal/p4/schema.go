// Package p4 holds the backend-neutral data model: switch schemas parsed
// from compiled program artifacts, normalized table entries, and the
// validation rules tying the two together. Everything here is pure; no I/O
// beyond the LoadSchema convenience wrapper.
package p4

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// MatchKind is the match algorithm a table key field declares.
type MatchKind int

const (
	MatchExact MatchKind = iota
	MatchLPM
	MatchTernary
	MatchRange
)

func (k MatchKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchLPM:
		return "lpm"
	case MatchTernary:
		return "ternary"
	case MatchRange:
		return "range"
	default:
		return fmt.Sprintf("matchkind(%d)", int(k))
	}
}

func ParseMatchKind(s string) (MatchKind, error) {
	switch strings.ToLower(s) {
	case "exact":
		return MatchExact, nil
	case "lpm":
		return MatchLPM, nil
	case "ternary":
		return MatchTernary, nil
	case "range":
		return MatchRange, nil
	}
	return 0, errors.Errorf("unknown match kind %q", s)
}

// SchemaError reports a malformed or unsupported program artifact. A load
// that fails with SchemaError yields no partial schema.
type SchemaError struct {
	Reason string
}

func (e *SchemaError) Error() string {
	return "schema: " + e.Reason
}

func schemaErrorf(format string, a ...interface{}) *SchemaError {
	return &SchemaError{Reason: fmt.Sprintf(format, a...)}
}

type ParamSpec struct {
	Name     string
	Bitwidth int
}

type ActionSpec struct {
	Name   string
	Params []ParamSpec
}

type MatchFieldSpec struct {
	Name     string
	Bitwidth int
	Kind     MatchKind
}

// TableSpec describes one match-action table: its key fields and the
// actions entries may invoke, both in declaration order.
type TableSpec struct {
	Name          string
	MatchFields   []MatchFieldSpec
	Actions       []ActionSpec
	DefaultAction string
}

// Action returns the named action spec, if the table declares it.
func (t *TableSpec) Action(name string) (*ActionSpec, bool) {
	for i := range t.Actions {
		if t.Actions[i].Name == name {
			return &t.Actions[i], true
		}
	}
	return nil, false
}

// NeedsPriority reports whether entries of this table must carry a
// priority, which is the case as soon as one key field is ternary or range.
func (t *TableSpec) NeedsPriority() bool {
	for i := range t.MatchFields {
		switch t.MatchFields[i].Kind {
		case MatchTernary, MatchRange:
			return true
		}
	}
	return false
}

// Schema is the table layout of one compiled program.
type Schema struct {
	Program string
	Tables  []TableSpec
}

// Table returns the named table spec.
func (s *Schema) Table(name string) (*TableSpec, bool) {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// NewSchema checks structural invariants and assembles a schema. Table
// names must be unique, every bitwidth positive, and every default action
// declared by its table.
func NewSchema(program string, tables []TableSpec) (*Schema, error) {
	seen := make(map[string]bool, len(tables))
	for i := range tables {
		t := &tables[i]
		if t.Name == "" {
			return nil, schemaErrorf("table %d has no name", i)
		}
		if seen[t.Name] {
			return nil, schemaErrorf("duplicate table %q", t.Name)
		}
		seen[t.Name] = true
		for _, f := range t.MatchFields {
			if f.Bitwidth <= 0 {
				return nil, schemaErrorf("table %q field %q: bitwidth %d", t.Name, f.Name, f.Bitwidth)
			}
		}
		for _, a := range t.Actions {
			for _, p := range a.Params {
				if p.Bitwidth <= 0 {
					return nil, schemaErrorf("table %q action %q param %q: bitwidth %d",
						t.Name, a.Name, p.Name, p.Bitwidth)
				}
			}
		}
		if t.DefaultAction != "" {
			if _, ok := t.Action(t.DefaultAction); !ok {
				return nil, schemaErrorf("table %q default action %q not declared", t.Name, t.DefaultAction)
			}
		}
	}
	return &Schema{Program: program, Tables: tables}, nil
}
