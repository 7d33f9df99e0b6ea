package protocol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallax-p2/p2pipe/events"
)

// fakeTransport records every write and optionally drives a response back
// through a supplied engine, simulating the microcontroller's side of the
// wire.
type fakeTransport struct {
	mu     sync.Mutex
	writes [][]byte
	onSend func(req Request)
	failWith error
}

func (t *fakeTransport) Write(p []byte) (int, error) {
	if t.failWith != nil {
		return 0, t.failWith
	}
	t.mu.Lock()
	t.writes = append(t.writes, append([]byte(nil), p...))
	t.mu.Unlock()
	if t.onSend != nil {
		req, err := UnmarshalRequest(p)
		if err == nil {
			t.onSend(req)
		}
	}
	return len(p), nil
}

func (t *fakeTransport) lastWrite() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.writes) == 0 {
		return nil
	}
	return t.writes[len(t.writes)-1]
}

type fakePrimer struct {
	mu     sync.Mutex
	primed int
}

func (p *fakePrimer) PrimeDebuggerFrame() {
	p.mu.Lock()
	p.primed++
	p.mu.Unlock()
}

func ackPacket(seq uint16) []byte {
	payload := make([]byte, 2)
	payload[0] = byte(seq)
	payload[1] = byte(seq >> 8)
	return buildDBPacket(MsgAck, payload)
}

func nakPacket(seq uint16) []byte {
	payload := make([]byte, 2)
	payload[0] = byte(seq)
	payload[1] = byte(seq >> 8)
	return buildDBPacket(MsgNak, payload)
}

func dataPacket(seq uint16, words []uint32) []byte {
	payload := make([]byte, 2+4*len(words))
	payload[0] = byte(seq)
	payload[1] = byte(seq >> 8)
	for i, w := range words {
		payload[2+i*4] = byte(w)
		payload[2+i*4+1] = byte(w >> 8)
		payload[2+i*4+2] = byte(w >> 16)
		payload[2+i*4+3] = byte(w >> 24)
	}
	return buildDBPacket(MsgData, payload)
}

func buildDBPacket(typ MessageType, payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	buf[0] = 0xDB
	buf[1] = byte(typ)
	buf[2] = byte(len(payload) >> 8)
	buf[3] = byte(len(payload))
	copy(buf[4:], payload)
	return buf
}

func TestRequest_MarshalUnmarshalRoundTrip(t *testing.T) {
	req := Request{Command: CmdRequestCogBlock, Sequence: 42, CogID: 3, Param: 7}
	got, err := UnmarshalRequest(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestParseDBPacket_SplitsHeaderPayloadAndEchoedSequence(t *testing.T) {
	pkt, err := ParseDBPacket(ackPacket(99))
	require.NoError(t, err)
	assert.Equal(t, MsgAck, pkt.Type)
	assert.Equal(t, uint16(99), pkt.Sequence)
	assert.Empty(t, pkt.Payload)
}

func TestParseDBPacket_ScenarioFiveLiteralBytes(t *testing.T) {
	// spec's literal scenario: 0xDB 0x05 0x00 0x04 + 4 payload bytes.
	raw := []byte{0xDB, 0x05, 0x00, 0x04, 0x01, 0x02, 0x03, 0x04}
	pkt, err := ParseDBPacket(raw)
	require.NoError(t, err)
	assert.Equal(t, MessageType(5), pkt.Type)
	assert.Equal(t, uint16(0x0201), pkt.Sequence)
	assert.Equal(t, []byte{0x03, 0x04}, pkt.Payload)
}

func TestParseDBPacket_RejectsBadMarker(t *testing.T) {
	_, err := ParseDBPacket([]byte{0xAA, 0x00, 0x00, 0x00})
	assert.Error(t, err)
}

func TestParseDBPacket_RejectsTruncatedPayload(t *testing.T) {
	_, err := ParseDBPacket([]byte{0xDB, 0x00, 0x00, 0x10})
	assert.Error(t, err)
}

func TestParseInitialFrame_ValidatesCogAndProgramCounter(t *testing.T) {
	payload := make([]byte, 80)
	payload[0] = 3 // cog number
	// word 5 = program counter, within range
	payload[20] = 0x00
	f, err := ParseInitialFrame(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), f.CogNumber())
	assert.True(t, f.Valid())
}

func TestParseInitialFrame_InvalidCogNumberFailsValid(t *testing.T) {
	payload := make([]byte, 80)
	payload[0] = 9 // out of 0..7 range
	f, err := ParseInitialFrame(payload)
	require.NoError(t, err)
	assert.False(t, f.Valid())
}

func TestParseInitialFrame_RejectsWrongLength(t *testing.T) {
	_, err := ParseInitialFrame(make([]byte, 79))
	assert.Error(t, err)
}

func TestEngine_SendRequestResolvesOnMatchingAck(t *testing.T) {
	tx := &fakeTransport{}
	e := New(tx, nil, nil, nil)
	tx.onSend = func(req Request) {
		go func() { _ = e.HandleIncoming(ackPacket(req.Sequence)) }()
	}

	resp, err := e.SendRequest(context.Background(), CmdStall, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcked, resp.Outcome)
}

func TestEngine_SendRequestResolvesOnNak(t *testing.T) {
	tx := &fakeTransport{}
	e := New(tx, nil, nil, nil)
	tx.onSend = func(req Request) {
		go func() { _ = e.HandleIncoming(nakPacket(req.Sequence)) }()
	}

	resp, err := e.SendRequest(context.Background(), CmdGo, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNaked, resp.Outcome)
}

func TestEngine_RequestHubMemoryCarriesDataWords(t *testing.T) {
	tx := &fakeTransport{}
	e := New(tx, nil, nil, nil)
	words := []uint32{0xDEADBEEF, 0x00000001}
	tx.onSend = func(req Request) {
		assert.Equal(t, CmdRequestHubMemory, req.Command)
		assert.Equal(t, uint32(0x1000), req.CogID) // addr rides cog_id
		assert.Equal(t, uint32(8), req.Param)       // size rides command_param
		go func() { _ = e.HandleIncoming(dataPacket(req.Sequence, words)) }()
	}

	resp, err := e.RequestHubMemory(context.Background(), 0x1000, 8)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDataReceived, resp.Outcome)
	assert.Equal(t, words, resp.Words)
}

func TestEngine_SendRequestTimesOutAfterOneSecond(t *testing.T) {
	tx := &fakeTransport{}
	e := New(tx, nil, nil, nil)
	// no onSend handler: nothing ever answers.
	start := time.Now()
	_, err := e.SendRequest(context.Background(), CmdBreak, 0, 0)
	elapsed := time.Since(start)
	assert.Error(t, err)
	assert.GreaterOrEqual(t, elapsed, RequestTimeout)
	assert.Less(t, elapsed, RequestTimeout+500*time.Millisecond)
}

func TestEngine_SendRequestWriteFailureReturnsImmediately(t *testing.T) {
	tx := &fakeTransport{failWith: assert.AnError}
	e := New(tx, nil, nil, nil)
	_, err := e.SendRequest(context.Background(), CmdStall, 0, 0)
	assert.Error(t, err)
}

func TestEngine_HandleIncomingIgnoresUnsolicitedSequence(t *testing.T) {
	tx := &fakeTransport{}
	e := New(tx, nil, nil, nil)
	err := e.HandleIncoming(ackPacket(12345))
	assert.NoError(t, err)
}

func TestEngine_SendBreakPrimesDebuggerFrameOnAck(t *testing.T) {
	tx := &fakeTransport{}
	primer := &fakePrimer{}
	e := New(tx, primer, nil, nil)
	tx.onSend = func(req Request) {
		go func() { _ = e.HandleIncoming(ackPacket(req.Sequence)) }()
	}

	_, err := e.SendBreak(context.Background(), 4)
	require.NoError(t, err)
	primer.mu.Lock()
	defer primer.mu.Unlock()
	assert.Equal(t, 1, primer.primed)
}

func TestEngine_SequenceNumbersIncrementAndWrap(t *testing.T) {
	tx := &fakeTransport{}
	e := New(tx, nil, nil, nil)
	e.nextSeq = 0xFFFF
	first := e.nextSequence()
	second := e.nextSequence()
	assert.Equal(t, uint16(0xFFFF), first)
	assert.Equal(t, uint16(0), second)
}

func TestEngine_NoteActivitySuppressesCommunicationLost(t *testing.T) {
	tx := &fakeTransport{}
	e := New(tx, nil, nil, nil)
	e.NoteActivity()
	e.checkCommunicationLost()
	e.mu.Lock()
	lost := e.commLost
	e.mu.Unlock()
	assert.False(t, lost)
}

func TestEngine_CommunicationLostFiresAfterSilence(t *testing.T) {
	tx := &fakeTransport{}
	out := make(chan events.Event, 1)
	e := New(tx, nil, out, nil)
	e.lastActivityMu.Lock()
	e.lastActivity = time.Now().Add(-6 * time.Second)
	e.lastActivityMu.Unlock()

	e.checkCommunicationLost()

	select {
	case ev := <-out:
		_, ok := ev.(events.CommunicationLost)
		assert.True(t, ok)
	default:
		t.Fatal("expected a CommunicationLost event")
	}
}
