package p4

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRules(t *testing.T) {
	s := testSchema(t)
	file := `
# seed rules
table_add MyIngress.ipv4_lpm MyIngress.ipv4_forward 10.0.0.0/24 => 08:00:00:00:01:11 2

table_add MyIngress.acl MyIngress.drop 10.0.1.1&&&0xffffff00 32->64 10
table_add MyIngress.port_fwd MyIngress.ipv4_forward 3 => 0x080000000122 4
`
	rules, err := ParseRules(s, strings.NewReader(file))
	require.NoError(t, err)
	require.Len(t, rules, 3)

	r := rules[0]
	assert.Equal(t, 3, r.Line)
	assert.Equal(t, "MyIngress.ipv4_lpm", r.Entry.Table)
	assert.Equal(t, []byte{10, 0, 0, 0}, r.Entry.Match[0].Value)
	assert.Equal(t, int32(24), r.Entry.Match[0].PrefixLen)
	assert.Equal(t, [][]byte{{8, 0, 0, 0, 1, 0x11}, {0, 2}}, r.Entry.Action.Params)
	assert.Equal(t, int32(0), r.Entry.Priority)

	r = rules[1]
	assert.Equal(t, int32(10), r.Entry.Priority)
	assert.Equal(t, []byte{10, 0, 1, 0}, r.Entry.Match[0].Value, "bits outside the mask are cleared")
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0x00}, r.Entry.Match[0].Mask)
	assert.Equal(t, []byte{0x20}, r.Entry.Match[1].Value)
	assert.Equal(t, []byte{0x40}, r.Entry.Match[1].High)

	r = rules[2]
	assert.Equal(t, []byte{0, 3}, r.Entry.Match[0].Value)
	assert.Equal(t, [][]byte{{8, 0, 0, 0, 1, 0x22}, {0, 4}}, r.Entry.Action.Params)
}

func TestParseRulesErrors(t *testing.T) {
	s := testSchema(t)
	tests := []struct {
		name string
		line string
		want string
	}{
		{"not a table_add", "table_set_default MyIngress.ipv4_lpm MyIngress.drop", "table_add"},
		{"unknown table", "table_add nope a 1 => 2", "unknown table"},
		{"missing arrow", "table_add MyIngress.ipv4_lpm MyIngress.drop 10.0.0.0/8", `"=>"`},
		{"wrong key count", "table_add MyIngress.ipv4_lpm MyIngress.drop =>", "wants 1 match fields"},
		{"bad lpm token", "table_add MyIngress.ipv4_lpm MyIngress.drop 10.0.0.0 =>", "VALUE/LEN"},
		{"missing priority", "table_add MyIngress.acl MyIngress.drop 0&&&0 0->255 =>", "priority"},
		{"bad priority", "table_add MyIngress.acl MyIngress.drop 0&&&0 0->255 => zero", "priority"},
		{"unknown action", "table_add MyIngress.ipv4_lpm MyIngress.nope 10.0.0.0/8 =>", "no action"},
		{"wrong param count", "table_add MyIngress.ipv4_lpm MyIngress.ipv4_forward 10.0.0.0/8 => 2", "wants 2 params"},
		{"param overflow", "table_add MyIngress.port_fwd MyIngress.ipv4_forward 3 => 08:00:00:00:01:22 512", "does not fit"},
		{"bad range", "table_add MyIngress.acl MyIngress.drop 0&&&0 9..17 10", "LOW->HIGH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules(s, strings.NewReader(tt.line))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "line 1")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue("10.0.0.1", 32)
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 0, 0, 1}, v)

	v, err = ParseValue("0x1ff", 9)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0xff}, v)

	v, err = ParseValue("08:00:00:00:01:11", 48)
	require.NoError(t, err)
	assert.Equal(t, []byte{8, 0, 0, 0, 1, 0x11}, v)

	v, err = ParseValue("256", 16)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0}, v)

	_, err = ParseValue("512", 9)
	assert.Error(t, err)

	_, err = ParseValue("10.0.0.256", 32)
	assert.Error(t, err)
}
