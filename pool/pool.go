// Package pool implements the fixed-slot, reference-counted message pool
// (spec §4.2) that sits between the extractor and the router. A slot is
// identified by a SlotID; ref_count reaching zero returns the slot to the
// free list. Every slot carries a generation ("epoch") so that a release
// aimed at a slot that has since been reused is detected instead of
// silently corrupting an unrelated in-flight message.
//
// Acquire's initialOwners argument is the initial share count the acquirer
// holds pending routing (the extractor always passes 1: "this message is
// owned, awaiting a routing decision"). The router re-stamps ref_count to
// the real destination count with SetRefCount once it has looked up the
// registered handlers for the slot's kind (spec §4.4 step 3); if no
// destinations are registered it instead releases that single pending
// share itself. This reconciles the pool's literal acquire(data, kind,
// destinations) contract with the router algorithm, which is the only
// place that actually knows the destination count at acquire time.
package pool

import (
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"

	"github.com/parallax-p2/p2pipe/internal/perrors"
)

const (
	// DefaultSlots is the default number of pool slots (S).
	DefaultSlots = 1000
	// MaxSlots is the hard ceiling on pool slots.
	MaxSlots = 1000
	// InitialSlots and GrowthStep record a start-small, grow-on-demand
	// sizing. New does not use them: it allocates every configured slot at
	// construction and the pool never grows or shrinks afterwards.
	InitialSlots = 100
	GrowthStep   = 50
	// DefaultSlotCapacity is the default per-slot byte capacity (M).
	DefaultSlotCapacity = 64 * 1024
)

// SlotID identifies an in-flight pool slot. The low 32 bits are the slot
// index in [0, S); the high 32 bits are the epoch the slot held when this
// ID was minted. Treat it as opaque outside this package.
type SlotID uint64

func newSlotID(index uint32, epoch uint32) SlotID {
	return SlotID(uint64(epoch)<<32 | uint64(index))
}

func (id SlotID) index() uint32 { return uint32(id) }
func (id SlotID) epoch() uint32 { return uint32(id >> 32) }

// View is a read-only snapshot of a slot's contents, valid only while the
// caller holds one of its reference-counted shares.
type View struct {
	Kind         Kind
	CogIndex     int
	Data         []byte
	Length       int
	ProducerTime time.Time
	ArrivalTime  time.Time
	Sequence     uint64
}

type slot struct {
	buf          []byte
	length       int
	kind         Kind
	cogIndex     int
	producerTime time.Time
	arrivalTime  time.Time
	sequence     uint64

	epoch    atomic.Uint32
	refCount atomic.Int64
}

// Pool is a fixed-capacity, reference-counted message store.
type Pool struct {
	slots        []slot
	free         chan uint32
	slotCapacity int
	clock        *timecache.TimeCache
	seq          atomic.Uint64

	staleReleases atomic.Uint64
	exhaustions   atomic.Uint64
}

// Config configures a new Pool.
type Config struct {
	// Slots is the number of slots to allocate, clamped into
	// [1, MaxSlots]. Zero selects DefaultSlots.
	Slots int
	// SlotCapacity is the per-slot byte capacity (M). Zero selects
	// DefaultSlotCapacity.
	SlotCapacity int
	// Clock supplies arrival timestamps; a nil Clock falls back to
	// timecache.DefaultCache() so callers don't pay for millisecond-
	// resolution time.Now() on every acquire.
	Clock *timecache.TimeCache
}

// New constructs a Pool with the given configuration.
func New(cfg Config) *Pool {
	n := cfg.Slots
	if n == 0 {
		n = DefaultSlots
	}
	if n < 1 {
		n = 1
	}
	if n > MaxSlots {
		n = MaxSlots
	}
	cap := cfg.SlotCapacity
	if cap == 0 {
		cap = DefaultSlotCapacity
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timecache.DefaultCache()
	}

	p := &Pool{
		slots:        make([]slot, n),
		free:         make(chan uint32, n),
		slotCapacity: cap,
		clock:        clock,
	}
	for i := range p.slots {
		p.slots[i].buf = make([]byte, cap)
		p.slots[i].cogIndex = NoCog
		p.free <- uint32(i)
	}
	return p
}

// Len returns the number of slots in the pool.
func (p *Pool) Len() int { return len(p.slots) }

// InUse returns the number of slots currently checked out.
func (p *Pool) InUse() int {
	return len(p.slots) - len(p.free)
}

// Acquire copies data into a free slot, stamps kind and timestamps, and
// sets the initial reference count to initialOwners (see package doc).
// Returns ErrPoolFull if no slot is free, and a perrors.CodeInvalidArgument
// error if data exceeds the configured slot capacity.
func (p *Pool) Acquire(data []byte, kind Kind, cogIndex int, initialOwners int) (SlotID, error) {
	if len(data) > p.slotCapacity {
		return 0, perrors.New("pool.Acquire", perrors.CodeInvalidArgument, "data exceeds slot capacity")
	}

	var idx uint32
	select {
	case idx = <-p.free:
	default:
		p.exhaustions.Add(1)
		return 0, ErrPoolFull
	}

	s := &p.slots[idx]
	newEpoch := s.epoch.Add(1)
	n := copy(s.buf, data)
	s.length = n
	s.kind = kind
	s.cogIndex = cogIndex
	now := p.clock.CachedTime()
	s.producerTime = now
	s.arrivalTime = now
	s.sequence = p.seq.Add(1)
	s.refCount.Store(int64(initialOwners))

	return newSlotID(idx, newEpoch), nil
}

func (p *Pool) lookup(id SlotID) (*slot, error) {
	idx := id.index()
	if int(idx) >= len(p.slots) {
		return nil, ErrUnknownSlot
	}
	s := &p.slots[idx]
	if s.epoch.Load() != id.epoch() {
		p.staleReleases.Add(1)
		return nil, ErrStaleSlot
	}
	return s, nil
}

// Get returns a snapshot of the slot's current contents.
func (p *Pool) Get(id SlotID) (View, error) {
	s, err := p.lookup(id)
	if err != nil {
		return View{}, err
	}
	return View{
		Kind:         s.kind,
		CogIndex:     s.cogIndex,
		Data:         s.buf[:s.length],
		Length:       s.length,
		ProducerTime: s.producerTime,
		ArrivalTime:  s.arrivalTime,
		Sequence:     s.sequence,
	}, nil
}

// GetKind reads only the kind tag, touching nothing else — this is the
// single atomic-ish read the router performs before deciding fan-out
// (spec §4.4 step 1).
func (p *Pool) GetKind(id SlotID) (Kind, error) {
	s, err := p.lookup(id)
	if err != nil {
		return 0, err
	}
	return s.kind, nil
}

// SetRefCount overwrites the slot's reference count. Used exclusively by
// the router at the moment ownership fans out to N destinations.
func (p *Pool) SetRefCount(id SlotID, n int) error {
	s, err := p.lookup(id)
	if err != nil {
		return err
	}
	s.refCount.Store(int64(n))
	return nil
}

// Release gives up one reference-counted share of the slot. When the last
// share is released the slot's epoch advances and the slot returns to the
// free list, so a later release with the same ID (the slot already freed,
// whether or not it has been reacquired) is counted and returned as
// ErrStaleSlot. A release that would drive a live slot's count below zero
// is counted and returned as ErrDoubleRelease. Neither frees or corrupts
// another caller's slot.
func (p *Pool) Release(id SlotID) error {
	idx := id.index()
	if int(idx) >= len(p.slots) {
		return ErrUnknownSlot
	}
	s := &p.slots[idx]
	if s.epoch.Load() != id.epoch() {
		p.staleReleases.Add(1)
		return ErrStaleSlot
	}

	n := s.refCount.Add(-1)
	switch {
	case n == 0:
		s.cogIndex = NoCog
		s.epoch.Add(1)
		p.free <- idx
	case n < 0:
		p.staleReleases.Add(1)
		return ErrDoubleRelease
	}
	return nil
}

// Stats reports pool occupancy and accounting-error counters.
type Stats struct {
	Slots         int
	InUse         int
	Free          int
	Exhaustions   uint64
	StaleReleases uint64
}

func (p *Pool) Stats() Stats {
	free := len(p.free)
	return Stats{
		Slots:         len(p.slots),
		InUse:         len(p.slots) - free,
		Free:          free,
		Exhaustions:   p.exhaustions.Load(),
		StaleReleases: p.staleReleases.Load(),
	}
}
