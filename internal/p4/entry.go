package p4

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
)

// EntryHandle identifies an installed entry on its backend. Zero means the
// entry has not been acknowledged yet.
type EntryHandle uint64

// FieldMatch is one key field of an entry. Which members are meaningful
// depends on the field's MatchKind:
//
//	exact    Value
//	lpm      Value, PrefixLen
//	ternary  Value, Mask
//	range    Value (low), High
//
// All byte strings are big endian and exactly ceil(bitwidth/8) long.
type FieldMatch struct {
	Field     string
	Value     []byte
	Mask      []byte
	PrefixLen int32
	High      []byte
}

// ActionCall names an action and carries its parameter values in the
// action's declaration order.
type ActionCall struct {
	Name   string
	Params [][]byte
}

// TableEntry is the backend-neutral form of one table entry. Match fields
// appear in the table's key declaration order. Priority is zero unless the
// table requires one. Pending marks an optimistic local echo that has not
// been confirmed by an authoritative read yet.
type TableEntry struct {
	Table    string
	Match    []FieldMatch
	Action   ActionCall
	Priority int32
	Handle   EntryHandle
	Pending  bool
}

// ByteLen is the canonical byte length of a value of the given bitwidth.
func ByteLen(bitwidth int) int {
	return (bitwidth + 7) / 8
}

// CanonicalBytes returns v as exactly ceil(bitwidth/8) big-endian bytes.
// Shorter input is left-padded with zeros. Input is rejected when it does
// not fit the width.
func CanonicalBytes(v []byte, bitwidth int) ([]byte, error) {
	if bitwidth <= 0 {
		return nil, errors.Errorf("bitwidth %d out of range", bitwidth)
	}
	n := ByteLen(bitwidth)
	for len(v) > n && v[0] == 0 {
		v = v[1:]
	}
	if len(v) > n {
		return nil, errors.Errorf("value %s does not fit %d bits", hex.EncodeToString(v), bitwidth)
	}
	out := make([]byte, n)
	copy(out[n-len(v):], v)
	if rem := uint(bitwidth % 8); rem != 0 {
		if out[0]&^byte(1<<rem-1) != 0 {
			return nil, errors.Errorf("value %s does not fit %d bits", hex.EncodeToString(out), bitwidth)
		}
	}
	return out, nil
}

func checkCanonical(v []byte, bitwidth int) error {
	if len(v) != ByteLen(bitwidth) {
		return errors.Errorf("want %d bytes for %d bits, got %d", ByteLen(bitwidth), bitwidth, len(v))
	}
	if rem := uint(bitwidth % 8); rem != 0 {
		if v[0]&^byte(1<<rem-1) != 0 {
			return errors.Errorf("bits set above width %d", bitwidth)
		}
	}
	return nil
}

func allOnes(bitwidth int) []byte {
	v := make([]byte, ByteLen(bitwidth))
	for i := range v {
		v[i] = 0xff
	}
	if rem := uint(bitwidth % 8); rem != 0 {
		v[0] = byte(1<<rem - 1)
	}
	return v
}

func isZero(v []byte) bool {
	for _, b := range v {
		if b != 0 {
			return false
		}
	}
	return true
}

// IsWildcard reports whether the match places no constraint on its field:
// a zero-length prefix, an all-zero ternary mask, or a range spanning the
// whole width. Exact fields always constrain.
func (m *FieldMatch) IsWildcard(spec *MatchFieldSpec) bool {
	switch spec.Kind {
	case MatchLPM:
		return m.PrefixLen == 0
	case MatchTernary:
		return isZero(m.Mask)
	case MatchRange:
		return isZero(m.Value) && bytes.Equal(m.High, allOnes(spec.Bitwidth))
	}
	return false
}

// WildcardMatch builds the canonical don't-care match for a field. Exact
// fields have no wildcard form.
func WildcardMatch(spec *MatchFieldSpec) (FieldMatch, error) {
	m := FieldMatch{Field: spec.Name, Value: make([]byte, ByteLen(spec.Bitwidth))}
	switch spec.Kind {
	case MatchLPM:
	case MatchTernary:
		m.Mask = make([]byte, ByteLen(spec.Bitwidth))
	case MatchRange:
		m.High = allOnes(spec.Bitwidth)
	default:
		return FieldMatch{}, errors.Errorf("field %q: %s match cannot be wildcarded", spec.Name, spec.Kind)
	}
	return m, nil
}

// ValidationError reports an entry that does not conform to its table's
// schema. Field names the first offending match field or action parameter.
type ValidationError struct {
	Table  string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("table %q: %s", e.Table, e.Reason)
	}
	return fmt.Sprintf("table %q field %q: %s", e.Table, e.Field, e.Reason)
}

func (t *TableSpec) violation(field, format string, a ...interface{}) *ValidationError {
	return &ValidationError{Table: t.Name, Field: field, Reason: fmt.Sprintf(format, a...)}
}

// ValidateEntry checks e against the table's key and action declarations.
// It returns a *ValidationError naming the first offending field, or nil.
// Nothing is sent anywhere; this is the gate operations pass before they
// may reach a backend.
func (t *TableSpec) ValidateEntry(e *TableEntry) error {
	if e.Table != t.Name {
		return t.violation("", "entry addresses table %q", e.Table)
	}
	if len(e.Match) != len(t.MatchFields) {
		return t.violation("", "want %d match fields, got %d", len(t.MatchFields), len(e.Match))
	}
	for i := range t.MatchFields {
		spec := &t.MatchFields[i]
		m := &e.Match[i]
		if m.Field != spec.Name {
			return t.violation(spec.Name, "match field %d is %q, want %q", i, m.Field, spec.Name)
		}
		if err := t.validateMatch(spec, m); err != nil {
			return err
		}
	}
	if t.NeedsPriority() {
		if e.Priority <= 0 {
			return t.violation(t.firstPriorityField(), "priority required for ternary/range matching")
		}
	} else if e.Priority != 0 {
		return t.violation("", "priority not allowed: no ternary or range field")
	}
	return t.ValidateAction(&e.Action)
}

// ValidateAction checks an action call alone, as used by modify operations
// which replace the action of an installed entry.
func (t *TableSpec) ValidateAction(a *ActionCall) error {
	spec, ok := t.Action(a.Name)
	if !ok {
		return t.violation(a.Name, "action not declared by table")
	}
	if len(a.Params) != len(spec.Params) {
		return t.violation(a.Name, "action wants %d params, got %d", len(spec.Params), len(a.Params))
	}
	for i, p := range spec.Params {
		if err := checkCanonical(a.Params[i], p.Bitwidth); err != nil {
			return t.violation(p.Name, "%v", err)
		}
	}
	return nil
}

func (t *TableSpec) validateMatch(spec *MatchFieldSpec, m *FieldMatch) error {
	if err := checkCanonical(m.Value, spec.Bitwidth); err != nil {
		return t.violation(spec.Name, "%v", err)
	}
	switch spec.Kind {
	case MatchExact:
		if m.Mask != nil || m.High != nil || m.PrefixLen != 0 {
			return t.violation(spec.Name, "exact match takes a value only")
		}
	case MatchLPM:
		if m.Mask != nil || m.High != nil {
			return t.violation(spec.Name, "lpm match takes value and prefix only")
		}
		if m.PrefixLen < 0 || int(m.PrefixLen) > spec.Bitwidth {
			return t.violation(spec.Name, "prefix %d out of range 0..%d", m.PrefixLen, spec.Bitwidth)
		}
		if !isZero(maskOut(m.Value, prefixMask(int(m.PrefixLen), spec.Bitwidth))) {
			return t.violation(spec.Name, "value has bits outside /%d prefix", m.PrefixLen)
		}
	case MatchTernary:
		if m.High != nil || m.PrefixLen != 0 {
			return t.violation(spec.Name, "ternary match takes value and mask only")
		}
		if err := checkCanonical(m.Mask, spec.Bitwidth); err != nil {
			return t.violation(spec.Name, "mask: %v", err)
		}
		if !isZero(maskOut(m.Value, m.Mask)) {
			return t.violation(spec.Name, "value has bits not covered by mask")
		}
	case MatchRange:
		if m.Mask != nil || m.PrefixLen != 0 {
			return t.violation(spec.Name, "range match takes low and high only")
		}
		if err := checkCanonical(m.High, spec.Bitwidth); err != nil {
			return t.violation(spec.Name, "high: %v", err)
		}
		if bytes.Compare(m.Value, m.High) > 0 {
			return t.violation(spec.Name, "range low above high")
		}
	}
	return nil
}

func (t *TableSpec) firstPriorityField() string {
	for i := range t.MatchFields {
		switch t.MatchFields[i].Kind {
		case MatchTernary, MatchRange:
			return t.MatchFields[i].Name
		}
	}
	return ""
}

// prefixMask is the ternary mask equivalent of an lpm prefix length.
func prefixMask(prefixLen, bitwidth int) []byte {
	v := make([]byte, ByteLen(bitwidth))
	for bit := bitwidth - 1; bit >= bitwidth-prefixLen; bit-- {
		v[len(v)-1-bit/8] |= 1 << uint(bit%8)
	}
	return v
}

// maskOut returns the bits of v that fall outside mask.
func maskOut(v, mask []byte) []byte {
	out := make([]byte, len(v))
	for i := range v {
		out[i] = v[i] &^ mask[i]
	}
	return out
}

// Equal reports whether two entries install the same rule: same table,
// match, action and priority. Handle and Pending are bookkeeping and do
// not participate.
func (e *TableEntry) Equal(o *TableEntry) bool {
	if e.Table != o.Table || e.Priority != o.Priority {
		return false
	}
	if len(e.Match) != len(o.Match) {
		return false
	}
	for i := range e.Match {
		a, b := &e.Match[i], &o.Match[i]
		if a.Field != b.Field || a.PrefixLen != b.PrefixLen {
			return false
		}
		if !bytes.Equal(a.Value, b.Value) || !bytes.Equal(a.Mask, b.Mask) || !bytes.Equal(a.High, b.High) {
			return false
		}
	}
	if e.Action.Name != o.Action.Name || len(e.Action.Params) != len(o.Action.Params) {
		return false
	}
	for i := range e.Action.Params {
		if !bytes.Equal(e.Action.Params[i], o.Action.Params[i]) {
			return false
		}
	}
	return true
}

// MatchKey is a canonical string identifying the entry's match within its
// table. Entries that match the same packets at the same priority share a
// key, whatever their action.
func (e *TableEntry) MatchKey() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s|%d", e.Table, e.Priority)
	for i := range e.Match {
		m := &e.Match[i]
		fmt.Fprintf(&b, "|%s=%s", m.Field, hex.EncodeToString(m.Value))
		if m.Mask != nil {
			fmt.Fprintf(&b, "&%s", hex.EncodeToString(m.Mask))
		}
		if m.High != nil {
			fmt.Fprintf(&b, "..%s", hex.EncodeToString(m.High))
		}
		if m.PrefixLen != 0 {
			fmt.Fprintf(&b, "/%d", m.PrefixLen)
		}
	}
	return b.String()
}

// Clone returns a deep copy of the entry.
func (e *TableEntry) Clone() TableEntry {
	out := *e
	out.Match = make([]FieldMatch, len(e.Match))
	for i := range e.Match {
		m := e.Match[i]
		m.Value = append([]byte(nil), m.Value...)
		m.Mask = append([]byte(nil), m.Mask...)
		m.High = append([]byte(nil), m.High...)
		out.Match[i] = m
	}
	out.Action.Params = make([][]byte, len(e.Action.Params))
	for i, p := range e.Action.Params {
		out.Action.Params[i] = append([]byte(nil), p...)
	}
	return out
}

// CounterData is one counter cell snapshot.
type CounterData struct {
	Packets int64
	Bytes   int64
}
