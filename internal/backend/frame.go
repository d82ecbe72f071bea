package backend

import (
	"encoding/binary"
	"fmt"
	"io"
)

// The agent protocol is a strict request/response over one TCP socket.
// Every frame is big endian:
//
//	request  | u8 version | u8 opcode | u32 tableID | u32 payloadLen | payload |
//	response | u8 version | u8 status | u32 payloadLen |              payload |
//
// A frame that violates the protocol poisons the connection: the peer may
// be mid-frame, so the only safe recovery is to close and redial.

const (
	frameVersion = 1

	// maxFramePayload bounds payloadLen on both directions. A peer
	// announcing more than this is broken or hostile.
	maxFramePayload = 1 << 20

	reqHeaderLen  = 10
	respHeaderLen = 6
)

type opcode uint8

const (
	opPing opcode = iota + 1
	opListTables
	opReadEntries
	opAddEntry
	opModifyEntry
	opDeleteEntry
)

func (o opcode) String() string {
	switch o {
	case opPing:
		return "ping"
	case opListTables:
		return "list-tables"
	case opReadEntries:
		return "read-entries"
	case opAddEntry:
		return "add-entry"
	case opModifyEntry:
		return "modify-entry"
	case opDeleteEntry:
		return "delete-entry"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(o))
	}
}

type frameStatus uint8

const (
	statusOK frameStatus = iota
	statusUnknownTable
	statusUnknownHandle
	statusRejected
	statusInternalError
)

func (s frameStatus) String() string {
	switch s {
	case statusOK:
		return "ok"
	case statusUnknownTable:
		return "unknown-table"
	case statusUnknownHandle:
		return "unknown-handle"
	case statusRejected:
		return "rejected"
	case statusInternalError:
		return "internal-error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

type frameRequest struct {
	Opcode  opcode
	TableID uint32
	Payload []byte
}

type frameResponse struct {
	Status  frameStatus
	Payload []byte
}

// frameError marks a protocol violation. The connection it came from must
// not be reused.
type frameError struct {
	reason string
}

func (e *frameError) Error() string {
	return "frame: " + e.reason
}

func frameErrorf(format string, a ...interface{}) *frameError {
	return &frameError{reason: fmt.Sprintf(format, a...)}
}

func writeFrameRequest(w io.Writer, req *frameRequest) error {
	if len(req.Payload) > maxFramePayload {
		return frameErrorf("request payload %d exceeds %d bytes", len(req.Payload), maxFramePayload)
	}
	buf := make([]byte, reqHeaderLen+len(req.Payload))
	buf[0] = frameVersion
	buf[1] = uint8(req.Opcode)
	binary.BigEndian.PutUint32(buf[2:6], req.TableID)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(req.Payload)))
	copy(buf[reqHeaderLen:], req.Payload)
	_, err := w.Write(buf)
	return err
}

func readFrameRequest(r io.Reader) (*frameRequest, error) {
	hdr := make([]byte, reqHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if hdr[0] != frameVersion {
		return nil, frameErrorf("unsupported version %d", hdr[0])
	}
	req := &frameRequest{
		Opcode:  opcode(hdr[1]),
		TableID: binary.BigEndian.Uint32(hdr[2:6]),
	}
	n := binary.BigEndian.Uint32(hdr[6:10])
	if n > maxFramePayload {
		return nil, frameErrorf("request payload %d exceeds %d bytes", n, maxFramePayload)
	}
	if n > 0 {
		req.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, req.Payload); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func writeFrameResponse(w io.Writer, resp *frameResponse) error {
	if len(resp.Payload) > maxFramePayload {
		return frameErrorf("response payload %d exceeds %d bytes", len(resp.Payload), maxFramePayload)
	}
	buf := make([]byte, respHeaderLen+len(resp.Payload))
	buf[0] = frameVersion
	buf[1] = uint8(resp.Status)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(resp.Payload)))
	copy(buf[respHeaderLen:], resp.Payload)
	_, err := w.Write(buf)
	return err
}

func readFrameResponse(r io.Reader) (*frameResponse, error) {
	hdr := make([]byte, respHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if hdr[0] != frameVersion {
		return nil, frameErrorf("unsupported version %d", hdr[0])
	}
	resp := &frameResponse{Status: frameStatus(hdr[1])}
	n := binary.BigEndian.Uint32(hdr[2:6])
	if n > maxFramePayload {
		return nil, frameErrorf("response payload %d exceeds %d bytes", n, maxFramePayload)
	}
	if n > 0 {
		resp.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, resp.Payload); err != nil {
			return nil, err
		}
	}
	return resp, nil
}
