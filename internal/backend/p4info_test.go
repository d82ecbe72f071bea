package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	p4config "github.com/p4lang/p4runtime/go/p4/config/v1"

	"github.com/p4edit/go-tablectl/internal/p4"
)

const (
	lpmTableID  = 0x02000001
	aclTableID  = 0x02000002
	portTableID = 0x02000003

	forwardActionID = 0x01000001
	dropActionID    = 0x01000002
	noActionID      = 0x01000003
)

func p4MatchField(id uint32, name string, bitwidth int32, mt p4config.MatchField_MatchType) *p4config.MatchField {
	return &p4config.MatchField{
		Id:       id,
		Name:     name,
		Bitwidth: bitwidth,
		Match:    &p4config.MatchField_MatchType_{MatchType: mt},
	}
}

// testP4Info mirrors the usual basic.p4 tutorial pipeline plus an acl
// table, covering all four match kinds.
func testP4Info() *p4config.P4Info {
	return &p4config.P4Info{
		PkgInfo: &p4config.PkgInfo{Name: "basic"},
		Tables: []*p4config.Table{
			{
				Preamble: &p4config.Preamble{Id: lpmTableID, Name: "MyIngress.ipv4_lpm"},
				MatchFields: []*p4config.MatchField{
					p4MatchField(1, "hdr.ipv4.dstAddr", 32, p4config.MatchField_LPM),
				},
				ActionRefs: []*p4config.ActionRef{
					{Id: forwardActionID}, {Id: dropActionID},
				},
				ConstDefaultActionId: dropActionID,
			},
			{
				Preamble: &p4config.Preamble{Id: aclTableID, Name: "MyIngress.acl"},
				MatchFields: []*p4config.MatchField{
					p4MatchField(1, "hdr.ipv4.srcAddr", 32, p4config.MatchField_TERNARY),
					p4MatchField(2, "hdr.tcp.dstPort", 16, p4config.MatchField_RANGE),
				},
				ActionRefs: []*p4config.ActionRef{
					{Id: dropActionID}, {Id: noActionID},
				},
			},
			{
				Preamble: &p4config.Preamble{Id: portTableID, Name: "MyIngress.port_fwd"},
				MatchFields: []*p4config.MatchField{
					p4MatchField(1, "standard_metadata.ingress_port", 9, p4config.MatchField_EXACT),
				},
				ActionRefs: []*p4config.ActionRef{{Id: forwardActionID}},
			},
		},
		Actions: []*p4config.Action{
			{
				Preamble: &p4config.Preamble{Id: forwardActionID, Name: "MyIngress.ipv4_forward"},
				Params: []*p4config.Action_Param{
					{Id: 1, Name: "dstAddr", Bitwidth: 48},
					{Id: 2, Name: "port", Bitwidth: 9},
				},
			},
			{Preamble: &p4config.Preamble{Id: dropActionID, Name: "MyIngress.drop"}},
			{Preamble: &p4config.Preamble{Id: noActionID, Name: "NoAction"}},
		},
	}
}

func testPipeline(t *testing.T) *pipeline {
	t.Helper()
	pipe, err := newPipeline("sw1", testP4Info())
	require.NoError(t, err)
	return pipe
}

func TestNewPipelineSchema(t *testing.T) {
	pipe := testPipeline(t)

	assert.Equal(t, "basic", pipe.schema.Program)
	require.Len(t, pipe.schema.Tables, 3)

	lpm, ok := pipe.schema.Table("MyIngress.ipv4_lpm")
	require.True(t, ok)
	require.Len(t, lpm.MatchFields, 1)
	assert.Equal(t, "hdr.ipv4.dstAddr", lpm.MatchFields[0].Name)
	assert.Equal(t, p4.MatchLPM, lpm.MatchFields[0].Kind)
	assert.Equal(t, 32, lpm.MatchFields[0].Bitwidth)
	assert.Equal(t, "MyIngress.drop", lpm.DefaultAction)
	assert.False(t, lpm.NeedsPriority())

	fwd, ok := lpm.Action("MyIngress.ipv4_forward")
	require.True(t, ok)
	require.Len(t, fwd.Params, 2)
	assert.Equal(t, 48, fwd.Params[0].Bitwidth)
	assert.Equal(t, 9, fwd.Params[1].Bitwidth)

	acl, ok := pipe.schema.Table("MyIngress.acl")
	require.True(t, ok)
	assert.True(t, acl.NeedsPriority())
}

func TestNewPipelineFallbackProgramName(t *testing.T) {
	info := testP4Info()
	info.PkgInfo = nil
	pipe, err := newPipeline("sw1", info)
	require.NoError(t, err)
	assert.Equal(t, "sw1", pipe.schema.Program)
}

func TestNewPipelineLookups(t *testing.T) {
	pipe := testPipeline(t)

	tbl, ok := pipe.table("MyIngress.acl")
	require.True(t, ok)
	assert.Equal(t, uint32(aclTableID), tbl.GetPreamble().GetId())
	assert.Equal(t, tbl, pipe.tablesByID[aclTableID])

	act, ok := pipe.action("NoAction")
	require.True(t, ok)
	assert.Equal(t, uint32(noActionID), act.GetPreamble().GetId())

	_, ok = pipe.table("MyIngress.nope")
	assert.False(t, ok)
}

func TestNewPipelineRejectsUnsupportedMatchType(t *testing.T) {
	info := testP4Info()
	info.Tables[0].MatchFields[0] = p4MatchField(1, "hdr.ipv4.dstAddr", 32, p4config.MatchField_OPTIONAL)

	_, err := newPipeline("sw1", info)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported match type")
}

func TestNewPipelineRejectsUnknownActionRef(t *testing.T) {
	info := testP4Info()
	info.Tables[0].ActionRefs = append(info.Tables[0].ActionRefs, &p4config.ActionRef{Id: 0x0100ffff})

	_, err := newPipeline("sw1", info)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in p4info")
}
