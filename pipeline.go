// Package p2pipe wires the ring buffer, extractor, router, protocol engine,
// data manager and watchdog into one running pipeline (spec §5's "three
// cooperating units of execution": producer, extractor worker, main/router
// unit).
//
// Shape grounded on go-ublk's root backend.go CreateAndServe/Device pair:
// one constructor that builds every component from a Config, one Device-like
// handle (here Pipeline) whose Run drives every worker goroutine through a
// single errgroup.Group (grounded on yanet2's runReaders pattern) until ctx
// is cancelled, and accessor methods for state a caller might poll.
package p2pipe

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parallax-p2/p2pipe/coglog"
	"github.com/parallax-p2/p2pipe/datamgr"
	"github.com/parallax-p2/p2pipe/events"
	"github.com/parallax-p2/p2pipe/extractor"
	"github.com/parallax-p2/p2pipe/internal/config"
	"github.com/parallax-p2/p2pipe/internal/interfaces"
	"github.com/parallax-p2/p2pipe/internal/logging"
	"github.com/parallax-p2/p2pipe/internal/perrors"
	"github.com/parallax-p2/p2pipe/pool"
	"github.com/parallax-p2/p2pipe/protocol"
	"github.com/parallax-p2/p2pipe/rawcapture"
	"github.com/parallax-p2/p2pipe/ring"
	"github.com/parallax-p2/p2pipe/router"
	"github.com/parallax-p2/p2pipe/usblog"
	"github.com/parallax-p2/p2pipe/watchdog"
)

// Pipeline is the assembled ingestion/distribution system. The zero value is
// not usable; construct with New.
type Pipeline struct {
	cfg *config.Config
	log *logging.Logger

	ring      *ring.Buffer
	pool      *pool.Pool
	extractor *extractor.Worker
	router    *router.Router
	engine    *protocol.Engine
	datamgr   *datamgr.Manager
	metrics   *watchdog.Metrics
	watchdog  *watchdog.Watchdog
	fsm       *watchdog.FSM

	cogExporter *coglog.Exporter
	rawCapture  *rawcapture.Writer
	usbLog      *usblog.Logger

	notify chan extractor.Notification
	out    chan events.Event

	cancel context.CancelFunc
}

// New assembles a Pipeline from cfg against transport, the outbound side of
// the debugger wire protocol (spec §4.5). log may be nil to discard all
// logging (logging.NewNop() is used internally in that case).
func New(cfg *config.Config, transport interfaces.Transport, log *logging.Logger) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, perrors.Wrap("pipeline.New", perrors.CodeConfiguration, err)
	}
	if log == nil {
		log = logging.NewNop()
	}

	out := make(chan events.Event, 256)
	notify := make(chan extractor.Notification, 256)

	p := &Pipeline{cfg: cfg, log: log, notify: notify, out: out}

	p.ring = ring.New(ring.Config{
		Capacity:         int(cfg.RingCapacity),
		WarningThreshold: cfg.RingWarningThreshold,
		OnOverflow: func(attempted, available int) {
			p.metrics.ObserveDrop("buffer_overflow")
			p.emit(events.BufferOverflow{Attempted: attempted, Available: available})
		},
		OnWarning: func(usagePercent, threshold float64) {
			p.emit(events.BufferWarning{UsagePercent: usagePercent, Threshold: threshold})
		},
	})

	p.pool = pool.New(pool.Config{
		Slots:        cfg.PoolSlots,
		SlotCapacity: int(cfg.PoolSlotCapacity),
	})

	p.metrics = watchdog.NewMetrics()

	p.router = router.New(p.pool, out, log)
	p.router.SetObserver(p.metrics)

	p.extractor = extractor.New(extractor.Config{
		Ring:     p.ring,
		Pool:     p.pool,
		Notify:   notify,
		Log:      log,
		Observer: p.metrics,
		Out:      out,
	})
	// The extractor doubles as the protocol engine's FramePrimer: a
	// successful SendBreak ACK primes the next BIN_416 capture (see
	// protocol/engine.go's SendBreak).
	p.engine = protocol.New(transport, p.extractor, out, log)

	p.datamgr = datamgr.New(p.engine, cfg.MaxPendingRequests, log)

	p.router.Register(pool.KindDBPacket, &protocol.IncomingDestination{Engine: p.engine, Pool: p.pool})
	p.router.Register(pool.KindDebuggerFrame, &protocol.IncomingDestination{Engine: p.engine, Pool: p.pool})

	if cfg.CogLogDir != "" {
		p.cogExporter = coglog.New(p.pool, cfg.CogLogDir+"/main.log")
		p.router.Register(pool.KindCogMessage, p.cogExporter)
	}

	// cfg.SustainableBps is in bits/s; the watchdog expects bytes/s.
	sustainableBps := float64(cfg.SustainableBps) / 8
	yellowThreshold := float64(cfg.WatchdogYellow) / 100.0
	orangeThreshold := float64(cfg.WatchdogOrange) / 100.0
	p.watchdog = watchdog.New(p.metrics, out, log, sustainableBps, yellowThreshold, orangeThreshold)

	hysteresis := time.Duration(cfg.HysteresisMS) * time.Millisecond
	p.fsm = watchdog.NewFSM(p.metrics, out, log, hysteresis, nil)
	p.watchdog.SetOnSample(func(grade events.Grade, _ events.Metrics) {
		p.fsm.RequestFromGrade(grade, "watchdog sample")
	})

	if cfg.RawCaptureDir != "" {
		p.rawCapture = rawcapture.New(cfg.RawCaptureDir)
		p.fsm.SetOnTransition(func(mc events.ModeChange) {
			switch {
			case mc.New == events.EmergencyRed:
				p.rawCapture.Arm(mc.Timestamp)
			case mc.Prev == events.EmergencyRed:
				p.rawCapture.Disarm()
			}
		})
	}

	if cfg.USBLoggingPath != "" {
		l, err := usblog.New(cfg.USBLoggingPath, cfg.USBLoggingIncludeTX)
		if err != nil {
			return nil, perrors.Wrap("pipeline.New", perrors.CodeIO, err)
		}
		p.usbLog = l
	}

	return p, nil
}

// Events returns the channel every pipeline event is delivered on (spec §6
// "Events (egress to app)"). The caller must keep draining it; a full
// channel causes events to be dropped and logged, never to block the
// pipeline.
func (p *Pipeline) Events() <-chan events.Event { return p.out }

// Ingest feeds one chunk of the raw USB byte stream into the ring buffer
// (spec §6's producer contract: "append(Bytes) must be fed whole USB
// chunks"). It never blocks: a chunk that does not fit is rejected and
// reported via BufferOverflow.
func (p *Pipeline) Ingest(chunk []byte) {
	if p.usbLog != nil {
		p.usbLog.LogRX(chunk)
	}
	if p.rawCapture != nil {
		p.rawCapture.Write(chunk)
	}
	p.ring.Append(chunk)
}

// Engine returns the protocol engine, for callers that need to issue
// outbound debugger commands (stall/break/go/block requests).
func (p *Pipeline) Engine() *protocol.Engine { return p.engine }

// DataManager returns the checksum-cache/breakpoint manager.
func (p *Pipeline) DataManager() *datamgr.Manager { return p.datamgr }

// Router returns the router, for callers that want to register additional
// destinations before calling Run.
func (p *Pipeline) Router() *router.Router { return p.router }

// Metrics returns the shared watchdog metrics, for callers that want to
// inspect gauges/counters directly (primarily tests).
func (p *Pipeline) Metrics() *watchdog.Metrics { return p.metrics }

// Run starts every pipeline worker and blocks until ctx is cancelled or a
// worker returns a non-nil, non-context error. Grounded on yanet2's
// runReaders: one errgroup.Group, one Go closure per worker, first error
// cancels the shared context and Wait unwinds every other worker.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.extractor.Run(ctx) })
	g.Go(func() error { return p.engine.Run(ctx) })
	g.Go(func() error { return p.datamgr.Run(ctx) })
	g.Go(func() error { return p.watchdog.Run(ctx) })
	g.Go(func() error { return p.fsm.RunRecovery(ctx) })
	g.Go(func() error { return p.drainNotify(ctx) })
	g.Go(func() error { return p.sampleGauges(ctx) })

	return g.Wait()
}

// sampleGauges periodically feeds the ring buffer's and pool's current
// occupancy into metrics, on the same cadence the watchdog samples at
// (spec §4.7). Neither is touched anywhere else on the hot path — the
// ring is only appended to and the pool is only handed to other
// components — so without this, buffer_usage in the watchdog's load
// formula (watchdog.go's snapshot) would always read zero and the FSM's
// buffer-usage-gated recovery steps (ORANGE→YELLOW, YELLOW→NORMAL) would
// never see a real value.
func (p *Pipeline) sampleGauges(ctx context.Context) error {
	ticker := time.NewTicker(watchdog.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.metrics.ObserveRingUsage(p.ring.Stats().UsagePercent)
			p.metrics.ObservePoolInUse(p.pool.InUse())
		}
	}
}

// Stop cancels every worker goroutine started by Run. Safe to call only
// after Run has been called.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// drainNotify is the main/router unit's core loop (spec §5): it consumes
// the extractor's (pool_id, kind) notifications, feeds NoteActivity so the
// communication-lost watchdog sees every inbound message (not just ones the
// protocol engine parses as an ACK/NAK), surfaces the queue_usage gauge,
// and invokes the router.
func (p *Pipeline) drainNotify(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-p.notify:
			p.engine.NoteActivity()
			p.metrics.ObserveQueueDepth(p.queueUsagePercent())
			p.emit(events.MessageExtracted{SlotID: n.ID, Kind: n.Kind})
			if err := p.router.Route(n.ID); err != nil && p.log != nil {
				p.log.Warn("pipeline: routing failed", "err", err)
			}
		}
	}
}

// queueUsagePercent normalizes the notify channel's backlog against its
// capacity into the 0..100 percentage watchdog.ObserveQueueDepth expects
// (see watchdog.go's documented convention — spec names no queue capacity
// to normalize a raw depth against, so the notify channel's own buffer size
// is used as that capacity).
func (p *Pipeline) queueUsagePercent() int {
	capacity := cap(p.notify)
	if capacity == 0 {
		return 0
	}
	return len(p.notify) * 100 / capacity
}

func (p *Pipeline) emit(ev events.Event) {
	select {
	case p.out <- ev:
	default:
		if p.log != nil {
			p.log.Warn("pipeline: event channel full, dropping event", "type", fmt.Sprintf("%T", ev))
		}
	}
}

// Close releases file-backed resources (COG log export, raw capture, USB
// logging). Call after Run returns.
func (p *Pipeline) Close() error {
	var firstErr error
	if p.cogExporter != nil {
		if err := p.cogExporter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.rawCapture != nil && p.rawCapture.Armed() {
		if err := p.rawCapture.Disarm(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.usbLog != nil {
		if err := p.usbLog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
