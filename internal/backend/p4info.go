package backend

import (
	"github.com/pkg/errors"

	p4config "github.com/p4lang/p4runtime/go/p4/config/v1"

	"github.com/p4edit/go-tablectl/internal/p4"
)

// pipeline indexes an installed P4Info by name and id so entry
// translation does not rescan the proto on every operation.
type pipeline struct {
	p4info      *p4config.P4Info
	schema      *p4.Schema
	tables      map[string]*p4config.Table
	tablesByID  map[uint32]*p4config.Table
	actions     map[string]*p4config.Action
	actionsByID map[uint32]*p4config.Action
}

// newPipeline indexes the P4Info and derives its schema. program names
// the schema when the P4Info carries no package name of its own.
func newPipeline(program string, info *p4config.P4Info) (*pipeline, error) {
	p := &pipeline{
		p4info:      info,
		tables:      make(map[string]*p4config.Table, len(info.GetTables())),
		tablesByID:  make(map[uint32]*p4config.Table, len(info.GetTables())),
		actions:     make(map[string]*p4config.Action, len(info.GetActions())),
		actionsByID: make(map[uint32]*p4config.Action, len(info.GetActions())),
	}
	for _, a := range info.GetActions() {
		p.actions[a.GetPreamble().GetName()] = a
		p.actionsByID[a.GetPreamble().GetId()] = a
	}
	for _, t := range info.GetTables() {
		p.tables[t.GetPreamble().GetName()] = t
		p.tablesByID[t.GetPreamble().GetId()] = t
	}
	schema, err := p.buildSchema(program)
	if err != nil {
		return nil, err
	}
	p.schema = schema
	return p, nil
}

func (p *pipeline) table(name string) (*p4config.Table, bool) {
	t, ok := p.tables[name]
	return t, ok
}

func (p *pipeline) action(name string) (*p4config.Action, bool) {
	a, ok := p.actions[name]
	return a, ok
}

// buildSchema converts the P4Info into the backend-neutral schema, match
// fields and action parameters in their declared order.
func (p *pipeline) buildSchema(fallback string) (*p4.Schema, error) {
	program := p.p4info.GetPkgInfo().GetName()
	if program == "" {
		program = fallback
	}
	var tables []p4.TableSpec
	for _, t := range p.p4info.GetTables() {
		spec := p4.TableSpec{Name: t.GetPreamble().GetName()}
		for _, mf := range t.GetMatchFields() {
			kind, err := matchKindOf(mf)
			if err != nil {
				return nil, errors.Wrapf(err, "table %q", spec.Name)
			}
			spec.MatchFields = append(spec.MatchFields, p4.MatchFieldSpec{
				Name:     mf.GetName(),
				Bitwidth: int(mf.GetBitwidth()),
				Kind:     kind,
			})
		}
		for _, ref := range t.GetActionRefs() {
			act, ok := p.actionsByID[ref.GetId()]
			if !ok {
				return nil, errors.Errorf("table %q: action id %d not in p4info", spec.Name, ref.GetId())
			}
			as := p4.ActionSpec{Name: act.GetPreamble().GetName()}
			for _, param := range act.GetParams() {
				as.Params = append(as.Params, p4.ParamSpec{
					Name:     param.GetName(),
					Bitwidth: int(param.GetBitwidth()),
				})
			}
			spec.Actions = append(spec.Actions, as)
		}
		if id := t.GetConstDefaultActionId(); id != 0 {
			act, ok := p.actionsByID[id]
			if !ok {
				return nil, errors.Errorf("table %q: default action id %d not in p4info", spec.Name, id)
			}
			spec.DefaultAction = act.GetPreamble().GetName()
		}
		tables = append(tables, spec)
	}
	return p4.NewSchema(program, tables)
}

func matchKindOf(mf *p4config.MatchField) (p4.MatchKind, error) {
	switch mf.GetMatchType() {
	case p4config.MatchField_EXACT:
		return p4.MatchExact, nil
	case p4config.MatchField_LPM:
		return p4.MatchLPM, nil
	case p4config.MatchField_TERNARY:
		return p4.MatchTernary, nil
	case p4config.MatchField_RANGE:
		return p4.MatchRange, nil
	default:
		return 0, errors.Errorf("field %q: unsupported match type %s", mf.GetName(), mf.GetMatchType())
	}
}
