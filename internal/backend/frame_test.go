package backend

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRequestRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	in := &frameRequest{
		Opcode:  opAddEntry,
		TableID: 0x02000001,
		Payload: []byte(`{"handle":7}`),
	}
	require.NoError(t, writeFrameRequest(&buf, in))

	out, err := readFrameRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, in.Opcode, out.Opcode)
	assert.Equal(t, in.TableID, out.TableID)
	assert.Equal(t, in.Payload, out.Payload)
}

func TestFrameRequestEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrameRequest(&buf, &frameRequest{Opcode: opPing}))
	assert.Equal(t, reqHeaderLen, buf.Len())

	out, err := readFrameRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, opPing, out.Opcode)
	assert.Nil(t, out.Payload)
}

func TestFrameResponseRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	in := &frameResponse{Status: statusUnknownHandle, Payload: []byte("no such handle")}
	require.NoError(t, writeFrameResponse(&buf, in))

	out, err := readFrameResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, statusUnknownHandle, out.Status)
	assert.Equal(t, in.Payload, out.Payload)
}

func TestFrameRejectsBadVersion(t *testing.T) {
	raw := make([]byte, respHeaderLen)
	raw[0] = 9

	_, err := readFrameResponse(bytes.NewReader(raw))
	var fe *frameError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Error(), "version")
}

func TestFrameRejectsOversizedPayload(t *testing.T) {
	raw := make([]byte, respHeaderLen)
	raw[0] = frameVersion
	raw[1] = uint8(statusOK)
	binary.BigEndian.PutUint32(raw[2:6], maxFramePayload+1)

	_, err := readFrameResponse(bytes.NewReader(raw))
	var fe *frameError
	require.ErrorAs(t, err, &fe)

	var buf bytes.Buffer
	err = writeFrameResponse(&buf, &frameResponse{Payload: make([]byte, maxFramePayload+1)})
	require.ErrorAs(t, err, &fe)
	assert.Zero(t, buf.Len())
}

func TestFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrameResponse(&buf, &frameResponse{
		Status:  statusOK,
		Payload: []byte(`{"entries":[]}`),
	}))
	short := buf.Bytes()[:buf.Len()-3]

	_, err := readFrameResponse(bytes.NewReader(short))
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestFrameTruncatedHeader(t *testing.T) {
	_, err := readFrameRequest(bytes.NewReader([]byte{frameVersion, 1, 0}))
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestOpcodeAndStatusNames(t *testing.T) {
	assert.Equal(t, "ping", opPing.String())
	assert.Equal(t, "delete-entry", opDeleteEntry.String())
	assert.Equal(t, "ok", statusOK.String())
	assert.Equal(t, "unknown-handle", statusUnknownHandle.String())
	assert.Equal(t, "status(99)", frameStatus(99).String())
}
