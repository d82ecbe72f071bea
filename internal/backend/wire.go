package backend

import (
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/p4edit/go-tablectl/internal/p4"
)

// Agent payload shapes. Every frame payload is a JSON document; byte
// values travel as lowercase hex strings. Field names mirror what the
// agent emits, so these structs are the protocol, not a convenience.

type agentTableList struct {
	Tables []agentTable `json:"tables"`
}

type agentTable struct {
	ID            uint32            `json:"id"`
	Name          string            `json:"name"`
	MatchFields   []agentMatchField `json:"match_fields"`
	Actions       []agentActionDecl `json:"actions"`
	DefaultAction string            `json:"default_action,omitempty"`
}

type agentMatchField struct {
	Name     string `json:"name"`
	Bitwidth int    `json:"bitwidth"`
	Kind     string `json:"kind"`
}

type agentActionDecl struct {
	Name   string           `json:"name"`
	Params []agentParamDecl `json:"params,omitempty"`
}

type agentParamDecl struct {
	Name     string `json:"name"`
	Bitwidth int    `json:"bitwidth"`
}

type agentEntryList struct {
	Entries []agentEntry `json:"entries"`
}

// agentEntry is an entry on the wire. Don't-care fields are absent from
// Match; Handle is present in responses and absent in add requests.
type agentEntry struct {
	Handle    uint64                     `json:"handle,omitempty"`
	Match     map[string]agentFieldMatch `json:"match"`
	Action    agentActionCall            `json:"action"`
	Priority  int32                      `json:"priority,omitempty"`
	IsDefault bool                       `json:"is_default,omitempty"`
}

type agentFieldMatch struct {
	Value     string `json:"value"`
	Mask      string `json:"mask,omitempty"`
	PrefixLen int32  `json:"prefix_len,omitempty"`
	High      string `json:"high,omitempty"`
}

type agentActionCall struct {
	Name   string   `json:"name"`
	Params []string `json:"params,omitempty"`
}

type agentHandle struct {
	Handle uint64 `json:"handle"`
}

type agentModify struct {
	Handle uint64          `json:"handle"`
	Action agentActionCall `json:"action"`
}

// agentTableSpecs converts a table listing into schema specs, in the
// order the agent reported them.
func agentTableSpecs(list *agentTableList) ([]p4.TableSpec, error) {
	specs := make([]p4.TableSpec, 0, len(list.Tables))
	for _, at := range list.Tables {
		spec := p4.TableSpec{Name: at.Name, DefaultAction: at.DefaultAction}
		for _, f := range at.MatchFields {
			kind, err := p4.ParseMatchKind(f.Kind)
			if err != nil {
				return nil, errors.Wrapf(err, "table %q field %q", at.Name, f.Name)
			}
			spec.MatchFields = append(spec.MatchFields, p4.MatchFieldSpec{
				Name:     f.Name,
				Bitwidth: f.Bitwidth,
				Kind:     kind,
			})
		}
		for _, a := range at.Actions {
			as := p4.ActionSpec{Name: a.Name}
			for _, param := range a.Params {
				as.Params = append(as.Params, p4.ParamSpec{Name: param.Name, Bitwidth: param.Bitwidth})
			}
			spec.Actions = append(spec.Actions, as)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// agentEntryFromModel encodes a validated entry for an add request.
// Wildcard fields stay off the wire, like the P4Runtime side does it.
func agentEntryFromModel(e *p4.TableEntry, spec *p4.TableSpec) agentEntry {
	ae := agentEntry{
		Match:    make(map[string]agentFieldMatch, len(e.Match)),
		Action:   agentCallFromModel(&e.Action),
		Priority: e.Priority,
	}
	for i := range e.Match {
		m := &e.Match[i]
		if m.IsWildcard(&spec.MatchFields[i]) {
			continue
		}
		fm := agentFieldMatch{Value: hex.EncodeToString(m.Value)}
		switch spec.MatchFields[i].Kind {
		case p4.MatchLPM:
			fm.PrefixLen = m.PrefixLen
		case p4.MatchTernary:
			fm.Mask = hex.EncodeToString(m.Mask)
		case p4.MatchRange:
			fm.High = hex.EncodeToString(m.High)
		}
		ae.Match[m.Field] = fm
	}
	return ae
}

func agentCallFromModel(a *p4.ActionCall) agentActionCall {
	call := agentActionCall{Name: a.Name}
	for _, param := range a.Params {
		call.Params = append(call.Params, hex.EncodeToString(param))
	}
	return call
}

// agentEntryToModel decodes a read reply entry against the table spec:
// fields return to declared order, absent ones become explicit
// don't-cares, and every value is repadded to canonical width.
func agentEntryToModel(ae *agentEntry, spec *p4.TableSpec) (p4.TableEntry, error) {
	e := p4.TableEntry{
		Table:    spec.Name,
		Priority: ae.Priority,
		Handle:   p4.EntryHandle(ae.Handle),
	}
	for i := range spec.MatchFields {
		fs := &spec.MatchFields[i]
		fm, ok := ae.Match[fs.Name]
		if !ok {
			wild, err := p4.WildcardMatch(fs)
			if err != nil {
				return p4.TableEntry{}, errors.Wrapf(err, "table %q", spec.Name)
			}
			e.Match = append(e.Match, wild)
			continue
		}
		m := p4.FieldMatch{Field: fs.Name, PrefixLen: fm.PrefixLen}
		var err error
		if m.Value, err = parseHexValue(fm.Value, fs.Bitwidth); err != nil {
			return p4.TableEntry{}, errors.Wrapf(err, "table %q field %q", spec.Name, fs.Name)
		}
		if fm.Mask != "" {
			if m.Mask, err = parseHexValue(fm.Mask, fs.Bitwidth); err != nil {
				return p4.TableEntry{}, errors.Wrapf(err, "table %q field %q mask", spec.Name, fs.Name)
			}
		}
		if fm.High != "" {
			if m.High, err = parseHexValue(fm.High, fs.Bitwidth); err != nil {
				return p4.TableEntry{}, errors.Wrapf(err, "table %q field %q high", spec.Name, fs.Name)
			}
		}
		e.Match = append(e.Match, m)
	}
	action, err := agentCallToModel(&ae.Action, spec)
	if err != nil {
		return p4.TableEntry{}, errors.Wrapf(err, "table %q", spec.Name)
	}
	e.Action = action
	return e, nil
}

func agentCallToModel(ac *agentActionCall, spec *p4.TableSpec) (p4.ActionCall, error) {
	as, ok := spec.Action(ac.Name)
	if !ok {
		return p4.ActionCall{}, errors.Errorf("action %q not declared by table", ac.Name)
	}
	if len(ac.Params) != len(as.Params) {
		return p4.ActionCall{}, errors.Errorf("action %q wants %d params, got %d",
			ac.Name, len(as.Params), len(ac.Params))
	}
	call := p4.ActionCall{Name: ac.Name}
	for i, param := range ac.Params {
		v, err := parseHexValue(param, as.Params[i].Bitwidth)
		if err != nil {
			return p4.ActionCall{}, errors.Wrapf(err, "action %q param %q", ac.Name, as.Params[i].Name)
		}
		call.Params = append(call.Params, v)
	}
	return call, nil
}

func parseHexValue(s string, bitwidth int) ([]byte, error) {
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrapf(err, "hex %q", s)
	}
	return p4.CanonicalBytes(raw, bitwidth)
}
