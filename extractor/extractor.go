// Package extractor implements the classification worker (spec §4.3): a
// dedicated goroutine that drains the ring buffer one byte at a time, runs
// the IDLE/LINE_TEXT/BACKTICK/BIN_DB/BIN_416 state machine, and publishes
// each completed message into the pool. It is the second of the three
// cooperating units of execution (spec §5); it is the only thing that ever
// advances the ring buffer's consumer head, and it touches the pool only
// through Acquire.
//
// Shape grounded on go-ublk's internal/queue/runner.go ioLoop: a pinned
// worker goroutine, a primed initial state, an explicit state check per
// iteration instead of blocking, and a context.Context for orderly
// cancellation.
package extractor

import (
	"context"
	"errors"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/parallax-p2/p2pipe/events"
	"github.com/parallax-p2/p2pipe/internal/interfaces"
	"github.com/parallax-p2/p2pipe/internal/logging"
	"github.com/parallax-p2/p2pipe/pool"
	"github.com/parallax-p2/p2pipe/ring"
)

// DefaultMaxDBPayload bounds a BIN_DB frame's declared payload length;
// larger values are treated as a framing error (spec §4.3).
const DefaultMaxDBPayload = 64 * 1024

// RebootMarker is the exact ASCII prefix that identifies the golden reboot
// line (spec §4.3 classification rule 1, and the GLOSSARY's "golden reboot
// marker").
const RebootMarker = "Cog0 INIT $0000_0000 $0000_0000 load"

var cogLineRe = regexp.MustCompile(`(?i)^Cog([0-7])\s`)

// Notification is the lightweight (pool_id, kind) tuple the extractor
// publishes to the main/router unit on completion of each message (spec
// §4.3 "Concurrency").
type Notification struct {
	ID   pool.SlotID
	Kind pool.Kind
}

type state int

const (
	stateIdle state = iota
	stateLineText
	stateBacktick
	stateBinDB
	stateBin416
)

// Config configures a Worker.
type Config struct {
	Ring *ring.Buffer
	Pool *pool.Pool
	// Notify receives a Notification for every completed message. Required.
	Notify chan<- Notification
	// PoolFreed is an optional signal consulted during back-pressure retry
	// so the extractor wakes as soon as a slot is released instead of
	// always waiting out the full 1ms sleep; nil is fine, the 1ms sleep
	// alone satisfies spec §4.3's retry rule.
	PoolFreed <-chan struct{}
	// MaxDBPayload bounds BIN_DB's declared payload length; zero selects
	// DefaultMaxDBPayload.
	MaxDBPayload int
	Log          *logging.Logger
	// Observer, if set, is fed one ObserveExtracted call per published
	// message for the watchdog's byte/message-rate sampling.
	Observer interfaces.Observer
	// Out, if set, receives a WorkerError whenever a completed message
	// cannot be published for a reason other than pool back-pressure
	// (spec §6 "worker_error(err)").
	Out chan<- events.Event
}

// Worker runs the classification state machine. It is single-threaded by
// contract: only Run's goroutine touches the state machine fields; only
// PrimeDebuggerFrame is safe to call from another goroutine (the protocol
// engine, which lives on the main unit).
type Worker struct {
	ring   *ring.Buffer
	pool   *pool.Pool
	notify chan<- Notification
	poolFreed <-chan struct{}
	maxDBPayload int
	log      *logging.Logger
	observer interfaces.Observer
	out      chan<- events.Event

	state state
	buf   []byte
	// pending holds bytes reinjected ahead of the ring after a framing
	// error drops only the offending header byte (spec §4.3 "Failure
	// semantics"): the remaining already-buffered bytes are reprocessed as
	// fresh input rather than being discarded along with it.
	pending []byte

	// dbExpected is the total BIN_DB frame length (4 + payload_length),
	// known once the 4-byte header has been read.
	dbExpected int

	// primed is set by PrimeDebuggerFrame (called from the protocol
	// engine's goroutine) and consumed by the next IDLE byte, which is
	// the spec-mandated discriminator for entering BIN_416 (§9 open
	// question: "416-byte frames are only accepted when the protocol
	// engine has primed the extractor").
	primed atomic.Bool

	framingErrors atomic.Uint64
	extracted     atomic.Uint64
}

// New constructs a Worker. Ring, Pool and Notify are required.
func New(cfg Config) *Worker {
	maxPayload := cfg.MaxDBPayload
	if maxPayload == 0 {
		maxPayload = DefaultMaxDBPayload
	}
	return &Worker{
		ring:         cfg.Ring,
		pool:         cfg.Pool,
		notify:       cfg.Notify,
		poolFreed:    cfg.PoolFreed,
		maxDBPayload: maxPayload,
		log:          cfg.Log,
		observer:     cfg.Observer,
		out:          cfg.Out,
		buf:          make([]byte, 0, 256),
	}
}

// PrimeDebuggerFrame arms a single BIN_416 transition: the next byte read at
// IDLE starts a 416-byte capture instead of the usual IDLE dispatch. Called
// by the protocol engine when the device ACKs a BREAK request (see
// protocol.Engine.SendBreak). Safe to call concurrently with Run.
func (w *Worker) PrimeDebuggerFrame() {
	w.primed.Store(true)
}

// FramingErrors returns the number of BIN_DB frames discarded for an
// oversized declared payload length since construction.
func (w *Worker) FramingErrors() uint64 { return w.framingErrors.Load() }

// MessagesExtracted returns the number of messages successfully acquired
// into the pool since construction.
func (w *Worker) MessagesExtracted() uint64 { return w.extracted.Load() }

// Run drains the ring buffer and classifies bytes until ctx is cancelled.
// It is the extractor worker's entire lifetime; callers run it in its own
// goroutine (grounded on runner.go's ioLoop, orchestrated via errgroup in
// the root Pipeline, spec §5).
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, ok := w.nextByte()
		if !ok {
			if !w.idleWait(ctx) {
				return ctx.Err()
			}
			continue
		}
		if err := w.step(ctx, b); err != nil {
			return err
		}
	}
}

// nextByte drains any bytes requeued by framing-error recovery before
// pulling a fresh byte from the ring.
func (w *Worker) nextByte() (byte, bool) {
	if len(w.pending) > 0 {
		b := w.pending[0]
		w.pending = w.pending[1:]
		return b, true
	}
	return w.ring.Next()
}

// idleWait is the extractor's empty-ring back-off: sleep up to 1ms, waking
// early if poolFreed fires (spec §4.3 "Polls the ring buffer; when empty
// for > 1 ms it may sleep"). Returns false if ctx was cancelled first.
func (w *Worker) idleWait(ctx context.Context) bool {
	return w.backoff(ctx)
}

// backoff is the shared wait used both for an empty ring and for pool
// back-pressure retry (spec §4.3 "retries when the next pool event fires or
// after a 1 ms sleep").
func (w *Worker) backoff(ctx context.Context) bool {
	timer := time.NewTimer(time.Millisecond)
	defer timer.Stop()
	if w.poolFreed != nil {
		select {
		case <-w.poolFreed:
			return true
		case <-timer.C:
			return true
		case <-ctx.Done():
			return false
		}
	}
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func isWhitespace(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n':
		return true
	default:
		return false
	}
}

func (w *Worker) step(ctx context.Context, b byte) error {
	switch w.state {
	case stateIdle:
		return w.stepIdle(ctx, b)
	case stateLineText:
		return w.stepLineText(ctx, b)
	case stateBacktick:
		return w.stepBacktick(ctx, b)
	case stateBinDB:
		return w.stepBinDB(ctx, b)
	case stateBin416:
		return w.stepBin416(ctx, b)
	default:
		w.state = stateIdle
		return nil
	}
}

func (w *Worker) stepIdle(ctx context.Context, b byte) error {
	if w.primed.CompareAndSwap(true, false) {
		w.buf = append(w.buf[:0], b)
		w.state = stateBin416
		return nil
	}

	switch {
	case b == 0xDB:
		w.buf = append(w.buf[:0], b)
		w.state = stateBinDB
	case b == '`':
		w.buf = append(w.buf[:0], b)
		w.state = stateBacktick
	case isWhitespace(b):
		// no partial message in progress: skip per spec §4.3.
	default:
		w.buf = append(w.buf[:0], b)
		w.state = stateLineText
	}
	return nil
}

func (w *Worker) stepLineText(ctx context.Context, b byte) error {
	w.buf = append(w.buf, b)
	if b != '\n' {
		return nil
	}
	kind, cogIndex := classifyLine(w.buf)
	return w.publish(ctx, kind, cogIndex)
}

func (w *Worker) stepBacktick(ctx context.Context, b byte) error {
	w.buf = append(w.buf, b)
	if b != '\n' {
		return nil
	}
	return w.publish(ctx, pool.KindWindowCommand, pool.NoCog)
}

// stepBinDB reads the 4-byte header (the already-pushed-back 0xDB marker,
// a message type, and a 16-bit payload length across the remaining two
// bytes), then accumulates the declared payload before publishing.
func (w *Worker) stepBinDB(ctx context.Context, b byte) error {
	w.buf = append(w.buf, b)
	if len(w.buf) < 4 {
		return nil
	}
	if len(w.buf) == 4 {
		length := int(w.buf[2])<<8 | int(w.buf[3])
		if length > w.maxDBPayload {
			w.framingError()
			return nil
		}
		w.dbExpected = 4 + length
	}
	if len(w.buf) >= w.dbExpected {
		return w.publish(ctx, pool.KindDBPacket, pool.NoCog)
	}
	return nil
}

func (w *Worker) stepBin416(ctx context.Context, b byte) error {
	w.buf = append(w.buf, b)
	const frameLen = 416
	if len(w.buf) >= frameLen {
		return w.publish(ctx, pool.KindDebuggerFrame, pool.NoCog)
	}
	return nil
}

// framingError implements spec §4.3's BIN_DB failure semantics: "discards
// the offending header byte and resumes at IDLE; a counter is incremented."
// The bytes collected after the dropped marker are reprocessed as fresh
// input rather than lost, consistent with §4.5's "advance the input one
// byte and retry" rule for the same class of error.
func (w *Worker) framingError() {
	w.framingErrors.Add(1)
	rest := append([]byte(nil), w.buf[1:]...)
	w.pending = append(rest, w.pending...)
	w.buf = w.buf[:0]
	w.state = stateIdle
	w.dbExpected = 0
}

// publish acquires a pool slot for the completed message and notifies the
// main unit, retrying on POOL_FULL without losing the message or consuming
// further ring bytes (spec §4.3 "Back-pressure").
func (w *Worker) publish(ctx context.Context, kind pool.Kind, cogIndex int) error {
	for {
		id, err := w.pool.Acquire(w.buf, kind, cogIndex, 1)
		if err == nil {
			w.extracted.Add(1)
			if w.observer != nil {
				w.observer.ObserveExtracted(len(w.buf))
			}
			select {
			case w.notify <- Notification{ID: id, Kind: kind}:
			case <-ctx.Done():
				return ctx.Err()
			}
			break
		}
		if !errors.Is(err, pool.ErrPoolFull) {
			if w.log != nil {
				w.log.Warn("extractor: acquire rejected completed message", "kind", kind.String(), "err", err)
			}
			w.emitWorkerError(ctx, err)
			break
		}
		if !w.backoff(ctx) {
			return ctx.Err()
		}
	}
	w.buf = w.buf[:0]
	w.state = stateIdle
	return nil
}

// emitWorkerError surfaces a non-retryable Acquire failure as a
// WorkerError egress event (spec §6), the one case where a completed
// message is dropped on the floor instead of reaching the pool.
func (w *Worker) emitWorkerError(ctx context.Context, err error) {
	if w.out == nil {
		return
	}
	select {
	case w.out <- events.WorkerError{Err: err}:
	case <-ctx.Done():
	default:
	}
}

// classifyLine applies spec §4.3's line classification rules, first match
// wins.
func classifyLine(line []byte) (pool.Kind, int) {
	if hasRebootPrefix(line) {
		return pool.KindSystemInit, 0
	}
	if m := cogLineRe.FindSubmatch(line); m != nil {
		return pool.KindCogMessage, int(m[1][0] - '0')
	}
	return pool.KindTerminalOutput, pool.NoCog
}

func hasRebootPrefix(line []byte) bool {
	if len(line) < len(RebootMarker) {
		return false
	}
	return string(line[:len(RebootMarker)]) == RebootMarker
}
