package protocol

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/parallax-p2/p2pipe/events"
	"github.com/parallax-p2/p2pipe/internal/interfaces"
	"github.com/parallax-p2/p2pipe/internal/logging"
	"github.com/parallax-p2/p2pipe/internal/perrors"
)

// RequestTimeout is the per-request deadline (spec §4.5: "1 second").
const RequestTimeout = 1 * time.Second

// CommunicationLostTimeout is the silence duration after which the engine
// emits communication_lost (spec §4.5: "5 seconds"). The engine keeps no
// per-cog activity state, so no cog is marked inactive.
const CommunicationLostTimeout = 5 * time.Second

// Outcome classifies how a request was resolved.
type Outcome int

const (
	OutcomeAcked Outcome = iota
	OutcomeNaked
	OutcomeDataReceived
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcked:
		return "ACKED"
	case OutcomeNaked:
		return "NAKED"
	case OutcomeDataReceived:
		return "DATA_RECEIVED"
	case OutcomeTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// Response is what SendRequest and its named-operation wrappers return.
type Response struct {
	Sequence uint16
	Outcome  Outcome
	Words    []uint32 // populated when Outcome == OutcomeDataReceived
	Err      error
}

type pendingRequest struct {
	cmd      Command
	timer    *time.Timer
	resultCh chan Response
}

// FramePrimer is the subset of the extractor's Worker the protocol engine
// needs: permission to admit one 416-byte DEBUGGER_FRAME into the BIN_416
// state (spec §4.3's documented gating rule — the extractor only enters
// BIN_416 once primed by a component that knows a frame was requested).
type FramePrimer interface {
	PrimeDebuggerFrame()
}

// Engine is the request/response correlation engine for the debugger wire
// protocol. It owns outgoing sequence numbering, per-request timeouts, and
// the 5-second communication-lost watchdog. Grounded on go-ublk's
// internal/ctrl.Controller (synchronous submit-and-wait operations with
// structured logging), generalized from a single in-flight ioctl to a map
// of concurrently pending, sequence-correlated requests, since this
// protocol allows more than one outstanding request.
type Engine struct {
	tx     interfaces.Transport
	primer FramePrimer
	out    chan<- events.Event
	log    *logging.Logger

	mu      sync.Mutex
	nextSeq uint16
	pending map[uint16]*pendingRequest

	lastActivityMu sync.Mutex
	lastActivity   time.Time
	commLost       bool
}

// New constructs an Engine. primer may be nil if the caller never intends
// to request 416-byte snapshot frames.
func New(tx interfaces.Transport, primer FramePrimer, out chan<- events.Event, log *logging.Logger) *Engine {
	return &Engine{
		tx:           tx,
		primer:       primer,
		out:          out,
		log:          log,
		pending:      make(map[uint16]*pendingRequest),
		lastActivity: time.Time{},
	}
}

// Run drives the communication-lost watchdog until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.NoteActivity()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.checkCommunicationLost()
		}
	}
}

// NoteActivity records that a byte was observed arriving from the device,
// resetting the communication-lost silence window. Callers outside this
// package (the pipeline's main wiring) should call this for every message
// the extractor publishes, not only DB_PACKET responses — any traffic on
// the wire counts as "communication" for this watchdog's purposes.
func (e *Engine) NoteActivity() {
	e.lastActivityMu.Lock()
	e.lastActivity = time.Now()
	e.lastActivityMu.Unlock()
}

func (e *Engine) checkCommunicationLost() {
	e.lastActivityMu.Lock()
	last := e.lastActivity
	e.lastActivityMu.Unlock()

	silent := !last.IsZero() && time.Since(last) >= CommunicationLostTimeout

	e.mu.Lock()
	wasLost := e.commLost
	e.commLost = silent
	e.mu.Unlock()

	if silent && !wasLost {
		if e.log != nil {
			e.log.Warn("protocol: communication lost", "silence", time.Since(last))
		}
		e.emit(events.CommunicationLost{})
	}
}

func (e *Engine) nextSequence() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq := e.nextSeq
	e.nextSeq++ // uint16 overflow wraps mod 2^16, matching spec §4.5
	return seq
}

// SendRequest transmits cmd and blocks until a matching response arrives,
// the 1-second request timeout fires, or ctx is canceled.
func (e *Engine) SendRequest(ctx context.Context, cmd Command, cogID, param uint32) (Response, error) {
	seq := e.nextSequence()
	req := Request{Command: cmd, Sequence: seq, CogID: cogID, Param: param}

	p := &pendingRequest{cmd: cmd, resultCh: make(chan Response, 1)}
	e.mu.Lock()
	e.pending[seq] = p
	e.mu.Unlock()
	p.timer = time.AfterFunc(RequestTimeout, func() { e.timeout(seq) })

	if _, err := e.tx.Write(req.Marshal()); err != nil {
		e.mu.Lock()
		delete(e.pending, seq)
		e.mu.Unlock()
		p.timer.Stop()
		return Response{}, perrors.Wrap("protocol.SendRequest", perrors.CodeIO, err)
	}

	if e.log != nil {
		e.log.Debug("protocol: request sent", "command", cmd.String(), "sequence", seq, "cog", cogID)
	}

	select {
	case resp := <-p.resultCh:
		if resp.Outcome == OutcomeTimedOut {
			return resp, perrors.New("protocol.SendRequest", perrors.CodeTimeout, fmt.Sprintf("%s timed out after %s", cmd, RequestTimeout))
		}
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (e *Engine) timeout(seq uint16) {
	e.mu.Lock()
	p, ok := e.pending[seq]
	if ok {
		delete(e.pending, seq)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.resultCh <- Response{Sequence: seq, Outcome: OutcomeTimedOut}:
	default:
	}
}

// HandleIncoming processes one already-framed DB_PACKET's raw bytes
// (as produced by the extractor's BIN_DB state and routed to this engine
// via a Destination implementation). It resolves the matching pending
// request, if any, and resets the communication-lost window.
func (e *Engine) HandleIncoming(data []byte) error {
	e.NoteActivity()

	pkt, err := ParseDBPacket(data)
	if err != nil {
		return err
	}

	e.mu.Lock()
	p, ok := e.pending[pkt.Sequence]
	if ok {
		delete(e.pending, pkt.Sequence)
	}
	e.mu.Unlock()
	if !ok {
		if e.log != nil {
			e.log.Debug("protocol: unsolicited or stale response", "sequence", pkt.Sequence, "type", pkt.Type.String())
		}
		return nil
	}
	p.timer.Stop()

	resp := Response{Sequence: pkt.Sequence}
	switch pkt.Type {
	case MsgAck:
		resp.Outcome = OutcomeAcked
	case MsgNak:
		resp.Outcome = OutcomeNaked
	case MsgData:
		resp.Outcome = OutcomeDataReceived
		resp.Words = wordsFromPayload(pkt.Payload)
	}

	select {
	case p.resultCh <- resp:
	default:
	}
	return nil
}

func wordsFromPayload(payload []byte) []uint32 {
	n := len(payload) / 4
	words := make([]uint32, n)
	for i := 0; i < n; i++ {
		words[i] = binary.LittleEndian.Uint32(payload[i*4 : i*4+4])
	}
	return words
}

func (e *Engine) emit(ev events.Event) {
	if e.out == nil {
		return
	}
	select {
	case e.out <- ev:
	default:
		if e.log != nil {
			e.log.Warn("protocol: event channel full, dropping event", "type", fmt.Sprintf("%T", ev))
		}
	}
}

// SendStall issues STALL against cogID.
func (e *Engine) SendStall(ctx context.Context, cogID uint32) (Response, error) {
	return e.SendRequest(ctx, CmdStall, cogID, 0)
}

// SendBreak issues BREAK against cogID. A successful ACK is treated as the
// device about to emit a full 416-byte debugger snapshot, so the
// extractor's BIN_416 gate is primed — spec §4.3 leaves open exactly which
// event authorizes admitting a 416-byte frame; breaking a cog is the
// natural trigger since that is the point a snapshot would be taken.
func (e *Engine) SendBreak(ctx context.Context, cogID uint32) (Response, error) {
	resp, err := e.SendRequest(ctx, CmdBreak, cogID, 0)
	if err == nil && resp.Outcome == OutcomeAcked && e.primer != nil {
		e.primer.PrimeDebuggerFrame()
	}
	return resp, err
}

// SendGo issues GO against cogID.
func (e *Engine) SendGo(ctx context.Context, cogID uint32) (Response, error) {
	return e.SendRequest(ctx, CmdGo, cogID, 0)
}

// RequestCogBlock requests cog RAM block index from cogID.
func (e *Engine) RequestCogBlock(ctx context.Context, cogID, index uint32) (Response, error) {
	return e.SendRequest(ctx, CmdRequestCogBlock, cogID, index)
}

// RequestLUTBlock requests LUT block index from cogID.
func (e *Engine) RequestLUTBlock(ctx context.Context, cogID, index uint32) (Response, error) {
	return e.SendRequest(ctx, CmdRequestLUTBlock, cogID, index)
}

// RequestHubMemory requests size bytes of hub RAM starting at addr. The
// outgoing frame has no dedicated address field beyond cog_id/param, so
// addr rides in cog_id and size rides in command_param.
func (e *Engine) RequestHubMemory(ctx context.Context, addr, size uint32) (Response, error) {
	return e.SendRequest(ctx, CmdRequestHubMemory, addr, size)
}
