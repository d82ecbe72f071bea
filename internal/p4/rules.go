package p4

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Rule is one parsed rules-file line.
type Rule struct {
	Line  int
	Entry TableEntry
}

// ParseRules reads a rules file of simple-switch CLI style lines:
//
//	table_add <table> <action> <match>... => <param>... [priority]
//
// Match syntax per kind: exact VALUE, lpm VALUE/LEN, ternary VALUE&&&MASK,
// range LOW->HIGH. Values may be 0x hex, dotted IPv4, colon separated hex
// bytes, or decimal. Blank lines and # comments are skipped. Parsed values
// are canonicalized: lpm bits outside the prefix and ternary bits outside
// the mask are cleared. Every entry is validated against the schema before
// it is returned.
func ParseRules(schema *Schema, r io.Reader) ([]Rule, error) {
	sc := bufio.NewScanner(r)
	var rules []Rule
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		e, err := parseRuleLine(schema, text)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		rules = append(rules, Rule{Line: line, Entry: e})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read rules")
	}
	return rules, nil
}

func parseRuleLine(schema *Schema, text string) (TableEntry, error) {
	fields := strings.Fields(text)
	if len(fields) < 3 || fields[0] != "table_add" {
		return TableEntry{}, errors.New(`want: table_add <table> <action> <match>... => <param>... [priority]`)
	}
	table, action := fields[1], fields[2]
	spec, ok := schema.Table(table)
	if !ok {
		return TableEntry{}, errors.Errorf("unknown table %q", table)
	}
	sep := -1
	for i, f := range fields {
		if f == "=>" {
			sep = i
			break
		}
	}
	if sep < 0 {
		return TableEntry{}, errors.New(`missing "=>"`)
	}
	keys := fields[3:sep]
	rest := fields[sep+1:]

	if len(keys) != len(spec.MatchFields) {
		return TableEntry{}, errors.Errorf("table %q wants %d match fields, got %d",
			table, len(spec.MatchFields), len(keys))
	}
	e := TableEntry{Table: table, Action: ActionCall{Name: action}}
	for i, tok := range keys {
		m, err := parseMatchToken(&spec.MatchFields[i], tok)
		if err != nil {
			return TableEntry{}, err
		}
		e.Match = append(e.Match, m)
	}
	if spec.NeedsPriority() {
		if len(rest) == 0 {
			return TableEntry{}, errors.Errorf("table %q wants a trailing priority", table)
		}
		pr, err := strconv.ParseInt(rest[len(rest)-1], 0, 32)
		if err != nil || pr <= 0 {
			return TableEntry{}, errors.Errorf("bad priority %q", rest[len(rest)-1])
		}
		e.Priority = int32(pr)
		rest = rest[:len(rest)-1]
	}
	as, ok := spec.Action(action)
	if !ok {
		return TableEntry{}, errors.Errorf("table %q has no action %q", table, action)
	}
	if len(rest) != len(as.Params) {
		return TableEntry{}, errors.Errorf("action %q wants %d params, got %d",
			action, len(as.Params), len(rest))
	}
	for i, tok := range rest {
		v, err := ParseValue(tok, as.Params[i].Bitwidth)
		if err != nil {
			return TableEntry{}, errors.Wrapf(err, "param %q", as.Params[i].Name)
		}
		e.Action.Params = append(e.Action.Params, v)
	}
	if err := spec.ValidateEntry(&e); err != nil {
		return TableEntry{}, err
	}
	return e, nil
}

func parseMatchToken(spec *MatchFieldSpec, tok string) (FieldMatch, error) {
	m := FieldMatch{Field: spec.Name}
	switch spec.Kind {
	case MatchExact:
		v, err := ParseValue(tok, spec.Bitwidth)
		if err != nil {
			return m, errors.Wrapf(err, "field %q", spec.Name)
		}
		m.Value = v
	case MatchLPM:
		i := strings.LastIndex(tok, "/")
		if i < 0 {
			return m, errors.Errorf("field %q: lpm match wants VALUE/LEN", spec.Name)
		}
		n, err := strconv.ParseUint(tok[i+1:], 10, 16)
		if err != nil || int(n) > spec.Bitwidth {
			return m, errors.Errorf("field %q: bad prefix length %q", spec.Name, tok[i+1:])
		}
		v, err := ParseValue(tok[:i], spec.Bitwidth)
		if err != nil {
			return m, errors.Wrapf(err, "field %q", spec.Name)
		}
		m.PrefixLen = int32(n)
		m.Value = maskAnd(v, prefixMask(int(n), spec.Bitwidth))
	case MatchTernary:
		parts := strings.SplitN(tok, "&&&", 2)
		if len(parts) != 2 {
			return m, errors.Errorf("field %q: ternary match wants VALUE&&&MASK", spec.Name)
		}
		v, err := ParseValue(parts[0], spec.Bitwidth)
		if err != nil {
			return m, errors.Wrapf(err, "field %q", spec.Name)
		}
		mask, err := ParseValue(parts[1], spec.Bitwidth)
		if err != nil {
			return m, errors.Wrapf(err, "field %q mask", spec.Name)
		}
		m.Value = maskAnd(v, mask)
		m.Mask = mask
	case MatchRange:
		parts := strings.SplitN(tok, "->", 2)
		if len(parts) != 2 {
			return m, errors.Errorf("field %q: range match wants LOW->HIGH", spec.Name)
		}
		lo, err := ParseValue(parts[0], spec.Bitwidth)
		if err != nil {
			return m, errors.Wrapf(err, "field %q", spec.Name)
		}
		hi, err := ParseValue(parts[1], spec.Bitwidth)
		if err != nil {
			return m, errors.Wrapf(err, "field %q high", spec.Name)
		}
		m.Value = lo
		m.High = hi
	}
	return m, nil
}

// ParseValue parses a single value literal into canonical bytes for a
// field of the given bitwidth. Decimal literals are limited to 64 bits;
// wider fields take hex or colon form.
func ParseValue(tok string, bitwidth int) ([]byte, error) {
	if tok == "" {
		return nil, errors.New("empty value")
	}
	var raw []byte
	switch {
	case strings.HasPrefix(tok, "0x") || strings.HasPrefix(tok, "0X"):
		s := tok[2:]
		if len(s)%2 == 1 {
			s = "0" + s
		}
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, errors.Errorf("bad hex value %q", tok)
		}
		raw = b
	case strings.Contains(tok, ":"):
		parts := strings.Split(tok, ":")
		raw = make([]byte, len(parts))
		for i, p := range parts {
			n, err := strconv.ParseUint(p, 16, 8)
			if err != nil {
				return nil, errors.Errorf("bad byte %q in %q", p, tok)
			}
			raw[i] = byte(n)
		}
	case strings.Count(tok, ".") == 3:
		ip := net.ParseIP(tok)
		if ip == nil || ip.To4() == nil {
			return nil, errors.Errorf("bad IPv4 value %q", tok)
		}
		raw = ip.To4()
	default:
		n, err := strconv.ParseUint(tok, 10, 64)
		if err != nil {
			return nil, errors.Errorf("bad value %q", tok)
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], n)
		raw = buf[:]
	}
	return CanonicalBytes(raw, bitwidth)
}

func maskAnd(v, mask []byte) []byte {
	out := make([]byte, len(v))
	for i := range v {
		out[i] = v[i] & mask[i]
	}
	return out
}
