package p4

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalBytes(t *testing.T) {
	got, err := CanonicalBytes([]byte{0x02}, 32)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 2}, got)

	got, err = CanonicalBytes([]byte{0, 0, 0, 0, 0x0a}, 32)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0x0a}, got)

	got, err = CanonicalBytes([]byte{0x01, 0xff}, 9)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0xff}, got)

	_, err = CanonicalBytes([]byte{0x02, 0xff}, 9)
	assert.Error(t, err, "bit above a 9 bit width")

	_, err = CanonicalBytes([]byte{1, 2, 3, 4, 5}, 32)
	assert.Error(t, err, "five significant bytes in 32 bits")
}

func TestPrefixMask(t *testing.T) {
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0x00}, prefixMask(24, 32))
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x00}, prefixMask(0, 32))
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, prefixMask(32, 32))
	assert.Equal(t, []byte{0x01, 0xff}, prefixMask(9, 9))
	assert.Equal(t, []byte{0x01, 0x80}, prefixMask(2, 9))
}

func lpmEntry() TableEntry {
	return TableEntry{
		Table: "MyIngress.ipv4_lpm",
		Match: []FieldMatch{{
			Field:     "hdr.ipv4.dstAddr",
			Value:     []byte{10, 0, 0, 0},
			PrefixLen: 24,
		}},
		Action: ActionCall{
			Name:   "MyIngress.ipv4_forward",
			Params: [][]byte{{8, 0, 0, 0, 1, 0x11}, {0, 2}},
		},
	}
}

func aclEntry() TableEntry {
	return TableEntry{
		Table: "MyIngress.acl",
		Match: []FieldMatch{
			{
				Field: "hdr.ipv4.srcAddr",
				Value: []byte{10, 0, 1, 0},
				Mask:  []byte{0xff, 0xff, 0xff, 0x00},
			},
			{
				Field: "hdr.ipv4.ttl",
				Value: []byte{0x20},
				High:  []byte{0x40},
			},
		},
		Action:   ActionCall{Name: "MyIngress.drop"},
		Priority: 10,
	}
}

func TestValidateEntryAccepts(t *testing.T) {
	s := testSchema(t)

	lpm, _ := s.Table("MyIngress.ipv4_lpm")
	e := lpmEntry()
	assert.NoError(t, lpm.ValidateEntry(&e))

	acl, _ := s.Table("MyIngress.acl")
	a := aclEntry()
	assert.NoError(t, acl.ValidateEntry(&a))

	// Don't-care forms are legal matches.
	a.Match[0].Value = []byte{0, 0, 0, 0}
	a.Match[0].Mask = []byte{0, 0, 0, 0}
	a.Match[1].Value = []byte{0x00}
	a.Match[1].High = []byte{0xff}
	assert.NoError(t, acl.ValidateEntry(&a))
}

func TestValidateEntryRejects(t *testing.T) {
	s := testSchema(t)
	lpm, _ := s.Table("MyIngress.ipv4_lpm")
	acl, _ := s.Table("MyIngress.acl")

	tests := []struct {
		name  string
		spec  *TableSpec
		entry func() TableEntry
		field string
	}{
		{
			name: "missing priority on ternary table",
			spec: acl,
			entry: func() TableEntry {
				e := aclEntry()
				e.Priority = 0
				return e
			},
			field: "hdr.ipv4.srcAddr",
		},
		{
			name: "priority on pure lpm table",
			spec: lpm,
			entry: func() TableEntry {
				e := lpmEntry()
				e.Priority = 5
				return e
			},
		},
		{
			name: "wrong match field count",
			spec: lpm,
			entry: func() TableEntry {
				e := lpmEntry()
				e.Match = nil
				return e
			},
		},
		{
			name: "field out of order",
			spec: acl,
			entry: func() TableEntry {
				e := aclEntry()
				e.Match[0], e.Match[1] = e.Match[1], e.Match[0]
				return e
			},
			field: "hdr.ipv4.srcAddr",
		},
		{
			name: "non canonical width",
			spec: lpm,
			entry: func() TableEntry {
				e := lpmEntry()
				e.Match[0].Value = []byte{10, 0, 0}
				return e
			},
			field: "hdr.ipv4.dstAddr",
		},
		{
			name: "lpm value outside prefix",
			spec: lpm,
			entry: func() TableEntry {
				e := lpmEntry()
				e.Match[0].Value = []byte{10, 0, 0, 1}
				return e
			},
			field: "hdr.ipv4.dstAddr",
		},
		{
			name: "lpm prefix too long",
			spec: lpm,
			entry: func() TableEntry {
				e := lpmEntry()
				e.Match[0].PrefixLen = 33
				return e
			},
			field: "hdr.ipv4.dstAddr",
		},
		{
			name: "ternary value not covered by mask",
			spec: acl,
			entry: func() TableEntry {
				e := aclEntry()
				e.Match[0].Value = []byte{10, 0, 1, 7}
				return e
			},
			field: "hdr.ipv4.srcAddr",
		},
		{
			name: "range low above high",
			spec: acl,
			entry: func() TableEntry {
				e := aclEntry()
				e.Match[1].Value = []byte{0x41}
				return e
			},
			field: "hdr.ipv4.ttl",
		},
		{
			name: "unknown action",
			spec: lpm,
			entry: func() TableEntry {
				e := lpmEntry()
				e.Action.Name = "MyIngress.nope"
				return e
			},
			field: "MyIngress.nope",
		},
		{
			name: "wrong param count",
			spec: lpm,
			entry: func() TableEntry {
				e := lpmEntry()
				e.Action.Params = e.Action.Params[:1]
				return e
			},
			field: "MyIngress.ipv4_forward",
		},
		{
			name: "param above width",
			spec: lpm,
			entry: func() TableEntry {
				e := lpmEntry()
				e.Action.Params[1] = []byte{0x02, 0x00}
				return e
			},
			field: "port",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tt.entry()
			err := tt.spec.ValidateEntry(&e)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.spec.Name, ve.Table)
			if tt.field != "" {
				assert.Equal(t, tt.field, ve.Field)
			}
		})
	}
}

func TestEntryEqualIgnoresBookkeeping(t *testing.T) {
	a := lpmEntry()
	b := lpmEntry()
	b.Handle = 42
	b.Pending = true
	assert.True(t, a.Equal(&b))

	c := lpmEntry()
	c.Action.Params[1] = []byte{0, 3}
	assert.False(t, a.Equal(&c))

	d := lpmEntry()
	d.Match[0].PrefixLen = 16
	assert.False(t, a.Equal(&d))
}

func TestMatchKey(t *testing.T) {
	a := lpmEntry()
	b := lpmEntry()
	b.Action.Name = "MyIngress.drop"
	b.Action.Params = nil
	assert.Equal(t, a.MatchKey(), b.MatchKey(), "action must not change the key")

	c := lpmEntry()
	c.Match[0].PrefixLen = 16
	assert.NotEqual(t, a.MatchKey(), c.MatchKey())

	d := aclEntry()
	e := aclEntry()
	e.Priority = 11
	assert.NotEqual(t, d.MatchKey(), e.MatchKey())
}

func TestWildcardMatch(t *testing.T) {
	s := testSchema(t)
	acl, _ := s.Table("MyIngress.acl")

	tern, err := WildcardMatch(&acl.MatchFields[0])
	require.NoError(t, err)
	assert.True(t, tern.IsWildcard(&acl.MatchFields[0]))

	rng, err := WildcardMatch(&acl.MatchFields[1])
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff}, rng.High)
	assert.True(t, rng.IsWildcard(&acl.MatchFields[1]))

	lpm, _ := s.Table("MyIngress.ipv4_lpm")
	w, err := WildcardMatch(&lpm.MatchFields[0])
	require.NoError(t, err)
	assert.True(t, w.IsWildcard(&lpm.MatchFields[0]))

	pf, _ := s.Table("MyIngress.port_fwd")
	_, err = WildcardMatch(&pf.MatchFields[0])
	assert.Error(t, err, "exact fields have no wildcard")
}

func TestClone(t *testing.T) {
	a := lpmEntry()
	b := a.Clone()
	b.Match[0].Value[0] = 99
	b.Action.Params[1][1] = 9
	assert.Equal(t, byte(10), a.Match[0].Value[0])
	assert.Equal(t, byte(2), a.Action.Params[1][1])
}
