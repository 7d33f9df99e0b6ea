// Package protocol implements the bidirectional debugger wire protocol
// (spec §4.5): a 16-byte outgoing request frame, the incoming DB_PACKET
// envelope, the nested 20-word "initial frame", and a request/response
// engine that correlates responses to pending requests by sequence number
// and demotes the link to communication_lost after 5s of silence.
//
// Grounded on go-ublk's internal/uapi package for the manual,
// field-by-field little-endian marshal/unmarshal style (explicitly NOT
// the unsafe-pointer-cast fast path uapi also offers, which only applies
// when the Go struct's memory layout is guaranteed to match the wire
// layout byte-for-byte — not a safe assumption to carry over blind for a
// hand-specified, heterogeneous microcontroller wire format).
package protocol

import (
	"encoding/binary"

	"github.com/parallax-p2/p2pipe/internal/perrors"
)

// RequestFrameLen is the fixed size of an outgoing request (spec §4.5:
// "command, sequence, cog_id, command_param", four u32 fields).
const RequestFrameLen = 16

// Command identifies an outgoing request's operation.
type Command uint32

const (
	CmdStall Command = iota + 1
	CmdBreak
	CmdGo
	CmdRequestCogBlock
	CmdRequestLUTBlock
	CmdRequestHubMemory
)

func (c Command) String() string {
	switch c {
	case CmdStall:
		return "STALL"
	case CmdBreak:
		return "BREAK"
	case CmdGo:
		return "GO"
	case CmdRequestCogBlock:
		return "REQUEST_COG_BLOCK"
	case CmdRequestLUTBlock:
		return "REQUEST_LUT_BLOCK"
	case CmdRequestHubMemory:
		return "REQUEST_HUB_MEMORY"
	default:
		return "UNKNOWN"
	}
}

// Request is the 16-byte outgoing frame: command, sequence, cog_id,
// command_param. For REQUEST_HUB_MEMORY, which has no cog of its own,
// cog_id carries the hub address and command_param carries the read size —
// the frame has room for exactly two payload values beyond command and
// sequence, and hub reads need two, so the cog_id slot is repurposed. This
// is a judgment call, not something spec §4.5 states outright; documented
// in the design notes.
type Request struct {
	Command  Command
	Sequence uint16
	CogID    uint32
	Param    uint32
}

// Marshal encodes r as a 16-byte little-endian frame.
func (r Request) Marshal() []byte {
	buf := make([]byte, RequestFrameLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Command))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Sequence))
	binary.LittleEndian.PutUint32(buf[8:12], r.CogID)
	binary.LittleEndian.PutUint32(buf[12:16], r.Param)
	return buf
}

// UnmarshalRequest decodes a 16-byte frame, mainly useful for tests and for
// any loopback/simulation harness that plays the microcontroller's side.
func UnmarshalRequest(data []byte) (Request, error) {
	if len(data) < RequestFrameLen {
		return Request{}, perrors.New("protocol.UnmarshalRequest", perrors.CodeFraming, "short request frame")
	}
	return Request{
		Command:  Command(binary.LittleEndian.Uint32(data[0:4])),
		Sequence: uint16(binary.LittleEndian.Uint32(data[4:8])),
		CogID:    binary.LittleEndian.Uint32(data[8:12]),
		Param:    binary.LittleEndian.Uint32(data[12:16]),
	}, nil
}

// MessageType is the incoming DB_PACKET's second byte.
type MessageType uint8

const (
	MsgData MessageType = iota
	MsgAck
	MsgNak
)

func (m MessageType) String() string {
	switch m {
	case MsgData:
		return "DATA"
	case MsgAck:
		return "ACK"
	case MsgNak:
		return "NAK"
	default:
		return "UNKNOWN"
	}
}

// DBPacket is a parsed incoming frame: header plus the sequence-stripped
// payload.
//
// Spec §4.5 describes the incoming header as marker/type/length only, with
// no sequence field, yet responses must be correlated back to a pending
// request's sequence number. The chosen resolution — matching the
// extractor's own documented judgment call for this same header shape — is
// that the first two payload bytes are an echoed 16-bit sequence number
// for every DATA/ACK/NAK packet; any implementation of this protocol MUST
// honor that convention since nothing else in the header carries it.
type DBPacket struct {
	Type     MessageType
	Sequence uint16
	Payload  []byte
}

// ParseDBPacket decodes data as a single DB_PACKET frame: a 4-byte header
// (marker 0xDB, type, 2 length bytes) followed by length payload bytes.
// The length bytes combine as (buf[2]<<8)|buf[3] — the same
// byte-order resolution the extractor's BIN_DB state uses, derived from
// spec §8 scenario 5's literal byte sequence.
func ParseDBPacket(data []byte) (DBPacket, error) {
	if len(data) < 4 {
		return DBPacket{}, perrors.New("protocol.ParseDBPacket", perrors.CodeFraming, "short DB_PACKET header")
	}
	if data[0] != 0xDB {
		return DBPacket{}, perrors.New("protocol.ParseDBPacket", perrors.CodeFraming, "bad DB_PACKET marker")
	}
	length := int(data[2])<<8 | int(data[3])
	if 4+length > len(data) {
		return DBPacket{}, perrors.New("protocol.ParseDBPacket", perrors.CodeFraming, "payload length exceeds frame")
	}

	pkt := DBPacket{Type: MessageType(data[1])}
	payload := data[4 : 4+length]
	if len(payload) >= 2 {
		pkt.Sequence = binary.LittleEndian.Uint16(payload[0:2])
		pkt.Payload = payload[2:]
	} else {
		pkt.Payload = payload
	}
	return pkt, nil
}

// InitialFrameWords is the fixed word count of the nested "initial frame"
// (spec §4.5: "20 longs, 80 bytes"), carried as the payload of one
// particular DB_PACKET — distinct from the 416-byte DEBUGGER_FRAME the
// extractor's BIN_416 state assembles directly from the serial stream.
const InitialFrameWords = 20

// InitialFrame is the 20-word register/state snapshot nested in a
// DB_PACKET payload.
type InitialFrame struct {
	Words [InitialFrameWords]uint32
}

// ParseInitialFrame decodes an 80-byte payload into an InitialFrame.
func ParseInitialFrame(payload []byte) (InitialFrame, error) {
	if len(payload) != InitialFrameWords*4 {
		return InitialFrame{}, perrors.New("protocol.ParseInitialFrame", perrors.CodeFraming, "initial frame must be 80 bytes")
	}
	var f InitialFrame
	for i := 0; i < InitialFrameWords; i++ {
		f.Words[i] = binary.LittleEndian.Uint32(payload[i*4 : i*4+4])
	}
	return f, nil
}

// CogNumber is word 0 of the initial frame (spec §4.5).
func (f InitialFrame) CogNumber() uint32 { return f.Words[0] }

// ProgramCounter is word 5 of the initial frame (spec §4.5).
func (f InitialFrame) ProgramCounter() uint32 { return f.Words[5] }

// Valid reports whether the frame's cog number and program counter fall
// within their documented ranges (spec §4.5: cog_number in 0..7,
// program_counter < 2^19).
func (f InitialFrame) Valid() bool {
	return f.CogNumber() < 8 && f.ProgramCounter() < (1<<19)
}
