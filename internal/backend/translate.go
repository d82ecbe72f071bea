package backend

import (
	"github.com/pkg/errors"

	p4config "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/p4edit/go-tablectl/internal/p4"
)

// wireEntry builds the P4Runtime table entry for a validated normalized
// entry. Don't-care fields are omitted on the wire, as the P4Runtime spec
// requires; readback synthesizes them again in normalizeEntry.
func (p *pipeline) wireEntry(e *p4.TableEntry) (*p4v1.TableEntry, error) {
	t, ok := p.table(e.Table)
	if !ok {
		return nil, errors.Errorf("table %q not in installed p4info", e.Table)
	}
	spec, _ := p.schema.Table(e.Table)
	var match []*p4v1.FieldMatch
	for i := range e.Match {
		m := &e.Match[i]
		fieldSpec := &spec.MatchFields[i]
		if m.IsWildcard(fieldSpec) {
			continue
		}
		field, ok := matchFieldByName(t, m.Field)
		if !ok {
			return nil, errors.Errorf("table %q: field %q not in installed p4info", e.Table, m.Field)
		}
		fm := &p4v1.FieldMatch{FieldId: field.GetId()}
		switch fieldSpec.Kind {
		case p4.MatchExact:
			fm.FieldMatchType = &p4v1.FieldMatch_Exact_{
				Exact: &p4v1.FieldMatch_Exact{Value: m.Value},
			}
		case p4.MatchLPM:
			fm.FieldMatchType = &p4v1.FieldMatch_Lpm{
				Lpm: &p4v1.FieldMatch_LPM{Value: m.Value, PrefixLen: m.PrefixLen},
			}
		case p4.MatchTernary:
			fm.FieldMatchType = &p4v1.FieldMatch_Ternary_{
				Ternary: &p4v1.FieldMatch_Ternary{Value: m.Value, Mask: m.Mask},
			}
		case p4.MatchRange:
			fm.FieldMatchType = &p4v1.FieldMatch_Range_{
				Range: &p4v1.FieldMatch_Range{Low: m.Value, High: m.High},
			}
		}
		match = append(match, fm)
	}
	action, err := p.wireAction(&e.Action)
	if err != nil {
		return nil, errors.Wrapf(err, "table %q", e.Table)
	}
	return &p4v1.TableEntry{
		TableId:  t.GetPreamble().GetId(),
		Match:    match,
		Action:   action,
		Priority: e.Priority,
	}, nil
}

// wireAction builds the action invocation with positional parameters
// mapped onto their declared param ids.
func (p *pipeline) wireAction(a *p4.ActionCall) (*p4v1.TableAction, error) {
	act, ok := p.action(a.Name)
	if !ok {
		return nil, errors.Errorf("action %q not in installed p4info", a.Name)
	}
	if len(a.Params) != len(act.GetParams()) {
		return nil, errors.Errorf("action %q wants %d params, got %d",
			a.Name, len(act.GetParams()), len(a.Params))
	}
	var params []*p4v1.Action_Param
	for i, param := range act.GetParams() {
		params = append(params, &p4v1.Action_Param{
			ParamId: param.GetId(),
			Value:   a.Params[i],
		})
	}
	return &p4v1.TableAction{
		Type: &p4v1.TableAction_Action{
			Action: &p4v1.Action{
				ActionId: act.GetPreamble().GetId(),
				Params:   params,
			},
		},
	}, nil
}

// normalizeEntry converts a table entry read off the wire back into the
// canonical model: fields in declared order, don't-cares synthesized for
// omitted ids, values repadded to their canonical width.
func (p *pipeline) normalizeEntry(we *p4v1.TableEntry) (p4.TableEntry, error) {
	t, ok := p.tablesByID[we.GetTableId()]
	if !ok {
		return p4.TableEntry{}, errors.Errorf("table id %d not in installed p4info", we.GetTableId())
	}
	name := t.GetPreamble().GetName()
	spec, ok := p.schema.Table(name)
	if !ok {
		return p4.TableEntry{}, errors.Errorf("table %q not in schema", name)
	}
	byID := make(map[uint32]*p4v1.FieldMatch, len(we.GetMatch()))
	for _, fm := range we.GetMatch() {
		byID[fm.GetFieldId()] = fm
	}
	e := p4.TableEntry{Table: name, Priority: we.GetPriority()}
	for i := range spec.MatchFields {
		fieldSpec := &spec.MatchFields[i]
		field, _ := matchFieldByName(t, fieldSpec.Name)
		fm, ok := byID[field.GetId()]
		if !ok {
			wild, err := p4.WildcardMatch(fieldSpec)
			if err != nil {
				return p4.TableEntry{}, errors.Wrapf(err, "table %q", name)
			}
			e.Match = append(e.Match, wild)
			continue
		}
		m, err := normalizeMatch(fieldSpec, fm)
		if err != nil {
			return p4.TableEntry{}, errors.Wrapf(err, "table %q", name)
		}
		e.Match = append(e.Match, m)
	}
	action, err := p.normalizeAction(spec, we.GetAction())
	if err != nil {
		return p4.TableEntry{}, errors.Wrapf(err, "table %q", name)
	}
	e.Action = action
	return e, nil
}

func normalizeMatch(spec *p4.MatchFieldSpec, fm *p4v1.FieldMatch) (p4.FieldMatch, error) {
	m := p4.FieldMatch{Field: spec.Name}
	var err error
	switch spec.Kind {
	case p4.MatchExact:
		m.Value, err = p4.CanonicalBytes(fm.GetExact().GetValue(), spec.Bitwidth)
	case p4.MatchLPM:
		m.PrefixLen = fm.GetLpm().GetPrefixLen()
		m.Value, err = p4.CanonicalBytes(fm.GetLpm().GetValue(), spec.Bitwidth)
	case p4.MatchTernary:
		if m.Value, err = p4.CanonicalBytes(fm.GetTernary().GetValue(), spec.Bitwidth); err == nil {
			m.Mask, err = p4.CanonicalBytes(fm.GetTernary().GetMask(), spec.Bitwidth)
		}
	case p4.MatchRange:
		if m.Value, err = p4.CanonicalBytes(fm.GetRange().GetLow(), spec.Bitwidth); err == nil {
			m.High, err = p4.CanonicalBytes(fm.GetRange().GetHigh(), spec.Bitwidth)
		}
	}
	if err != nil {
		return p4.FieldMatch{}, errors.Wrapf(err, "field %q", spec.Name)
	}
	return m, nil
}

func (p *pipeline) normalizeAction(spec *p4.TableSpec, ta *p4v1.TableAction) (p4.ActionCall, error) {
	wireAct := ta.GetAction()
	if wireAct == nil {
		return p4.ActionCall{}, errors.New("entry has no direct action")
	}
	act, ok := p.actionsByID[wireAct.GetActionId()]
	if !ok {
		return p4.ActionCall{}, errors.Errorf("action id %d not in installed p4info", wireAct.GetActionId())
	}
	name := act.GetPreamble().GetName()
	actSpec, ok := spec.Action(name)
	if !ok {
		return p4.ActionCall{}, errors.Errorf("action %q not declared by table", name)
	}
	byID := make(map[uint32][]byte, len(wireAct.GetParams()))
	for _, param := range wireAct.GetParams() {
		byID[param.GetParamId()] = param.GetValue()
	}
	call := p4.ActionCall{Name: name}
	for i, param := range act.GetParams() {
		raw, ok := byID[param.GetId()]
		if !ok {
			return p4.ActionCall{}, errors.Errorf("action %q: param %q missing", name, param.GetName())
		}
		v, err := p4.CanonicalBytes(raw, actSpec.Params[i].Bitwidth)
		if err != nil {
			return p4.ActionCall{}, errors.Wrapf(err, "action %q param %q", name, param.GetName())
		}
		call.Params = append(call.Params, v)
	}
	return call, nil
}

func matchFieldByName(t *p4config.Table, name string) (*p4config.MatchField, bool) {
	for _, f := range t.GetMatchFields() {
		if f.GetName() == name {
			return f, true
		}
	}
	return nil, false
}
