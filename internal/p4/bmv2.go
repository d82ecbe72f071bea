package p4

import (
	"encoding/json"
	"fmt"
	"io/ioutil"

	"github.com/pkg/errors"
)

// The compiled artifact is the JSON the p4 compiler emits for the software
// switch. Only the parts describing match-action tables are consumed here:
// pipelines hold the tables, actions hold the runtime parameters, and the
// header_types/headers chain resolves key field bitwidths.

type bmv2Program struct {
	Program     string           `json:"program"`
	HeaderTypes []bmv2HeaderType `json:"header_types"`
	Headers     []bmv2Header     `json:"headers"`
	Actions     []bmv2Action     `json:"actions"`
	Pipelines   []bmv2Pipeline   `json:"pipelines"`
}

type bmv2HeaderType struct {
	Name   string          `json:"name"`
	Fields [][]interface{} `json:"fields"`
}

type bmv2Header struct {
	Name       string `json:"name"`
	HeaderType string `json:"header_type"`
}

type bmv2Action struct {
	Name        string           `json:"name"`
	ID          int              `json:"id"`
	RuntimeData []bmv2RuntimeArg `json:"runtime_data"`
}

type bmv2RuntimeArg struct {
	Name     string `json:"name"`
	Bitwidth int    `json:"bitwidth"`
}

type bmv2Pipeline struct {
	Name   string      `json:"name"`
	Tables []bmv2Table `json:"tables"`
}

type bmv2Table struct {
	Name         string            `json:"name"`
	Key          []bmv2Key         `json:"key"`
	Actions      []string          `json:"actions"`
	ActionIDs    []int             `json:"action_ids"`
	DefaultEntry *bmv2DefaultEntry `json:"default_entry"`
}

type bmv2Key struct {
	MatchType string          `json:"match_type"`
	Name      string          `json:"name"`
	Target    json.RawMessage `json:"target"`
}

type bmv2DefaultEntry struct {
	ActionID int `json:"action_id"`
}

// LoadSchema reads and parses a compiled artifact from disk.
func LoadSchema(path string) (*Schema, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read artifact")
	}
	return ParseSchema(data)
}

// ParseSchema parses a compiled BMv2 JSON artifact into a schema. It is
// pure: the same artifact always yields the same schema, and a failure
// yields a *SchemaError and no schema at all.
func ParseSchema(data []byte) (*Schema, error) {
	var prog bmv2Program
	if err := json.Unmarshal(data, &prog); err != nil {
		return nil, schemaErrorf("malformed artifact: %v", err)
	}
	widths, err := prog.fieldWidths()
	if err != nil {
		return nil, err
	}
	byID := make(map[int]*bmv2Action, len(prog.Actions))
	byName := make(map[string]*bmv2Action, len(prog.Actions))
	for i := range prog.Actions {
		a := &prog.Actions[i]
		byID[a.ID] = a
		if _, ok := byName[a.Name]; !ok {
			byName[a.Name] = a
		}
	}
	var tables []TableSpec
	for pi := range prog.Pipelines {
		for ti := range prog.Pipelines[pi].Tables {
			spec, err := prog.tableSpec(&prog.Pipelines[pi].Tables[ti], widths, byID, byName)
			if err != nil {
				return nil, err
			}
			tables = append(tables, spec)
		}
	}
	return NewSchema(prog.Program, tables)
}

// fieldWidths maps header instance name to field name to bitwidth.
func (p *bmv2Program) fieldWidths() (map[string]map[string]int, error) {
	types := make(map[string]map[string]int, len(p.HeaderTypes))
	for i := range p.HeaderTypes {
		ht := &p.HeaderTypes[i]
		fields := make(map[string]int, len(ht.Fields))
		for _, f := range ht.Fields {
			name, width, err := fieldTuple(f)
			if err != nil {
				return nil, schemaErrorf("header type %q: %v", ht.Name, err)
			}
			fields[name] = width
		}
		types[ht.Name] = fields
	}
	widths := make(map[string]map[string]int, len(p.Headers))
	for i := range p.Headers {
		h := &p.Headers[i]
		ft, ok := types[h.HeaderType]
		if !ok {
			return nil, schemaErrorf("header %q: unknown header type %q", h.Name, h.HeaderType)
		}
		widths[h.Name] = ft
	}
	return widths, nil
}

// fieldTuple decodes one [name, bitwidth, ...] field of a header type.
// Varbit fields carry "*" instead of a number and are not supported as
// match keys.
func fieldTuple(raw []interface{}) (string, int, error) {
	if len(raw) < 2 {
		return "", 0, fmt.Errorf("short field tuple %v", raw)
	}
	name, ok := raw[0].(string)
	if !ok {
		return "", 0, fmt.Errorf("bad field name in %v", raw)
	}
	width, ok := raw[1].(float64)
	if !ok || width <= 0 || width != float64(int(width)) {
		return "", 0, fmt.Errorf("field %q: bad bitwidth %v", name, raw[1])
	}
	return name, int(width), nil
}

func (p *bmv2Program) tableSpec(t *bmv2Table, widths map[string]map[string]int,
	byID map[int]*bmv2Action, byName map[string]*bmv2Action,
) (TableSpec, error) {
	spec := TableSpec{Name: t.Name}
	for i := range t.Key {
		k := &t.Key[i]
		kind, err := ParseMatchKind(k.MatchType)
		if err != nil {
			return TableSpec{}, schemaErrorf("table %q: %v", t.Name, err)
		}
		var target []string
		if err := json.Unmarshal(k.Target, &target); err != nil || len(target) != 2 {
			return TableSpec{}, schemaErrorf("table %q key %d: bad target %s", t.Name, i, k.Target)
		}
		fields, ok := widths[target[0]]
		if !ok {
			return TableSpec{}, schemaErrorf("table %q: unknown header %q", t.Name, target[0])
		}
		width, ok := fields[target[1]]
		if !ok {
			return TableSpec{}, schemaErrorf("table %q: unknown field %q.%q", t.Name, target[0], target[1])
		}
		name := k.Name
		if name == "" {
			name = target[0] + "." + target[1]
		}
		spec.MatchFields = append(spec.MatchFields, MatchFieldSpec{Name: name, Bitwidth: width, Kind: kind})
	}
	for i, name := range t.Actions {
		var act *bmv2Action
		if i < len(t.ActionIDs) {
			act = byID[t.ActionIDs[i]]
		}
		if act == nil {
			act = byName[name]
		}
		if act == nil {
			return TableSpec{}, schemaErrorf("table %q: action %q not defined", t.Name, name)
		}
		as := ActionSpec{Name: name}
		for _, rd := range act.RuntimeData {
			as.Params = append(as.Params, ParamSpec{Name: rd.Name, Bitwidth: rd.Bitwidth})
		}
		spec.Actions = append(spec.Actions, as)
	}
	if t.DefaultEntry != nil {
		act, ok := byID[t.DefaultEntry.ActionID]
		if !ok {
			return TableSpec{}, schemaErrorf("table %q: default action id %d not defined", t.Name, t.DefaultEntry.ActionID)
		}
		spec.DefaultAction = act.Name
	}
	return spec, nil
}
