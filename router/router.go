// Package router implements the typed message router (spec §4.4): an
// ordered, per-kind list of destinations, exactly-once fan-out of a pool
// slot's reference count, and the two standing side-effect emissions
// (system_reboot, debugger_packet). Grounded on go-ublk's Observer-style
// typed interface registration (internal/interfaces/backend.go), directly
// implementing spec §9's instruction to replace "dynamic destination
// handler registration by string name" with a small handler interface plus
// an ordered list per kind.
package router

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parallax-p2/p2pipe/events"
	"github.com/parallax-p2/p2pipe/internal/interfaces"
	"github.com/parallax-p2/p2pipe/internal/logging"
	"github.com/parallax-p2/p2pipe/internal/perrors"
	"github.com/parallax-p2/p2pipe/pool"
)

// Destination receives routed messages by pool_id, exactly as spec §4.4
// describes ("invoke its handler with pool_id"); a destination looks up
// the slot's contents itself via the pool reference it was constructed
// with. Handle is contractually required to release its share of the slot
// exactly once — synchronously before returning, or by arranging an
// asynchronous release later — per spec §4.4's invariant (exactly one
// release per destination per routed slot). A Handle that returns a
// non-nil error must not have released: the router releases that share on
// its behalf.
type Destination interface {
	Name() string
	Handle(id pool.SlotID) error
}

// Router fans a classified message out to every destination registered
// for its kind.
type Router struct {
	pool     *pool.Pool
	out      chan<- events.Event
	log      *logging.Logger
	observer interfaces.Observer

	mu           sync.RWMutex
	destinations map[pool.Kind][]Destination

	routingErrors atomic.Uint64
	routed        atomic.Uint64
}

// New constructs a Router. out may be nil if the caller doesn't want
// side-effect events (system_reboot, debugger_packet); it is never
// blocked on — a full channel drops the event and logs it, matching the
// rest of the pipeline's "never block the router on a slow consumer"
// posture (spec §5's ordering guarantees are about router-to-destination
// order, not about app-level event consumption speed).
func New(p *pool.Pool, out chan<- events.Event, log *logging.Logger) *Router {
	return &Router{
		pool:         p,
		out:          out,
		log:          log,
		destinations: make(map[pool.Kind][]Destination),
	}
}

// SetObserver attaches the watchdog sample sink. Optional; nil (the
// default) disables sampling.
func (r *Router) SetObserver(o interfaces.Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// Register adds a destination to the ordered list for kind. Delivery
// order within a kind follows registration order (spec §4.4).
func (r *Router) Register(kind pool.Kind, d Destination) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destinations[kind] = append(r.destinations[kind], d)
}

// Unregister removes the named destination from kind's list, if present.
func (r *Router) Unregister(kind pool.Kind, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.destinations[kind]
	for i, d := range list {
		if d.Name() == name {
			r.destinations[kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// RoutingErrors returns the number of destination panics/errors handled
// since construction.
func (r *Router) RoutingErrors() uint64 { return r.routingErrors.Load() }

// Routed returns the number of slots successfully routed (fanned out to
// at least one destination) since construction.
func (r *Router) Routed() uint64 { return r.routed.Load() }

// Route implements spec §4.4's algorithm for a single pool slot.
func (r *Router) Route(id pool.SlotID) error {
	kind, err := r.pool.GetKind(id)
	if err != nil {
		return perrors.Wrap("router.Route", perrors.CodePoolAccounting, err)
	}

	r.mu.RLock()
	list := r.destinations[kind]
	dests := append([]Destination(nil), list...)
	r.mu.RUnlock()

	// system_reboot/debugger_packet are standing side-effect emissions
	// (spec §6), independent of whether anything is registered as a
	// Destination for this kind: read the payload needed for it now,
	// while the router's own pending share still guarantees the slot is
	// live, before any destination gets a chance to release it.
	sideEffect := buildSideEffect(r.pool, kind, id)

	if len(dests) == 0 {
		err := r.pool.Release(id)
		if sideEffect != nil {
			r.emit(sideEffect)
		}
		return err
	}

	if r.observer != nil {
		latency := int64(0)
		if view, err := r.pool.Get(id); err == nil {
			latency = time.Since(view.ArrivalTime).Nanoseconds()
		}
		r.observer.ObserveRouted(len(dests), latency)
	}

	if err := r.pool.SetRefCount(id, len(dests)); err != nil {
		return perrors.Wrap("router.Route", perrors.CodePoolAccounting, err)
	}
	for _, d := range dests {
		r.invoke(d, id)
	}
	r.routed.Add(1)

	if sideEffect != nil {
		r.emit(sideEffect)
	}
	return nil
}

func buildSideEffect(p *pool.Pool, kind pool.Kind, id pool.SlotID) events.Event {
	switch kind {
	case pool.KindSystemInit:
		view, err := p.Get(id)
		if err != nil {
			return nil
		}
		return events.SystemReboot{Text: string(view.Data), Timestamp: view.ArrivalTime}
	case pool.KindDBPacket, pool.KindDebuggerFrame:
		view, err := p.Get(id)
		if err != nil {
			return nil
		}
		return events.DebuggerPacket{Bytes: append([]byte(nil), view.Data...)}
	default:
		return nil
	}
}

// invoke isolates a destination's panic or error from the rest of the
// fan-out (spec §4.4 "Failure semantics"): the slot's share for that
// destination is released on its behalf, and subsequent destinations still
// run.
func (r *Router) invoke(d Destination, id pool.SlotID) {
	defer func() {
		if rec := recover(); rec != nil {
			r.routingErrors.Add(1)
			if r.log != nil {
				r.log.Error("router: destination panicked", "destination", d.Name(), "panic", fmt.Sprint(rec))
			}
			if r.observer != nil {
				r.observer.ObserveDrop("destination panic: " + d.Name())
			}
			_ = r.pool.Release(id)
		}
	}()

	if err := d.Handle(id); err != nil {
		r.routingErrors.Add(1)
		if r.log != nil {
			r.log.Warn("router: destination returned an error", "destination", d.Name(), "err", err)
		}
		if r.observer != nil {
			r.observer.ObserveDrop("destination error: " + d.Name())
		}
		_ = r.pool.Release(id)
	}
}

func (r *Router) emit(ev events.Event) {
	if r.out == nil {
		return
	}
	select {
	case r.out <- ev:
	default:
		if r.log != nil {
			r.log.Warn("router: event channel full, dropping event", "type", fmt.Sprintf("%T", ev))
		}
	}
}
