package p4

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSchemaInvariants(t *testing.T) {
	good := TableSpec{
		Name:        "t1",
		MatchFields: []MatchFieldSpec{{Name: "f", Bitwidth: 8, Kind: MatchExact}},
		Actions:     []ActionSpec{{Name: "a", Params: []ParamSpec{{Name: "p", Bitwidth: 9}}}},
	}

	s, err := NewSchema("prog.p4", []TableSpec{good})
	require.NoError(t, err)
	assert.Equal(t, "prog.p4", s.Program)

	_, err = NewSchema("", []TableSpec{good, good})
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Reason, "duplicate table")

	bad := good
	bad.MatchFields = []MatchFieldSpec{{Name: "f", Bitwidth: 0, Kind: MatchExact}}
	_, err = NewSchema("", []TableSpec{bad})
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Reason, "bitwidth")

	bad = good
	bad.DefaultAction = "nope"
	_, err = NewSchema("", []TableSpec{bad})
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Reason, "default action")
}

func TestMatchKindRoundTrip(t *testing.T) {
	for _, k := range []MatchKind{MatchExact, MatchLPM, MatchTernary, MatchRange} {
		got, err := ParseMatchKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseMatchKind("valid")
	assert.Error(t, err)
}

func TestTableLookup(t *testing.T) {
	s := testSchema(t)
	_, ok := s.Table("MyIngress.ipv4_lpm")
	assert.True(t, ok)
	_, ok = s.Table("nope")
	assert.False(t, ok)

	lpm, _ := s.Table("MyIngress.ipv4_lpm")
	_, ok = lpm.Action("NoAction")
	assert.True(t, ok)
	_, ok = lpm.Action("nope")
	assert.False(t, ok)
}
