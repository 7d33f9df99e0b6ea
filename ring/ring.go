// Package ring implements the lock-free single-producer/single-consumer byte
// queue that sits between the USB reader and the extractor worker.
//
// The algorithm follows the classic SPSC ring discipline: the producer only
// ever advances tail, the consumer only ever advances head, and one slot of
// capacity is permanently reserved so that head == tail is unambiguous with
// the empty flag. There is no locking on the hot path; head/tail/emptyFlag
// are plain atomics with acquire/release ordering, which on every
// Go-supported architecture is sufficient to publish the byte payload
// without a separate memory fence (see DESIGN.md for why this drops the
// cgo sfence/mfence approach the teacher used for its io_uring queue).
package ring

import (
	"sync/atomic"
)

const (
	// MinCapacity is the smallest ring buffer capacity accepted by New.
	MinCapacity = 64 * 1024
	// MaxCapacity is the largest ring buffer capacity accepted by New.
	MaxCapacity = 2 * 1024 * 1024
	// DefaultCapacity is used when a Config leaves Capacity at zero.
	DefaultCapacity = 1024 * 1024
	// DefaultWarningThreshold is the fraction of usage at which a
	// buffer_warning event should fire.
	DefaultWarningThreshold = 0.80
)

// Config configures a new Buffer.
type Config struct {
	// Capacity is the number of bytes the ring can hold minus the one
	// reserved disambiguation slot. Must be in [MinCapacity, MaxCapacity].
	Capacity int
	// WarningThreshold is the usage fraction (0.1..0.95) that triggers
	// OnWarning. Defaults to DefaultWarningThreshold.
	WarningThreshold float64
	// OnOverflow is invoked synchronously from Append when a chunk does not
	// fit. It must not block: the producer runs on the USB callback.
	OnOverflow func(attempted, available int)
	// OnWarning is invoked from Append when usage crosses WarningThreshold
	// on the way up. It must not block.
	OnWarning func(usagePercent, threshold float64)
}

// Stats is a point-in-time snapshot of ring buffer occupancy.
type Stats struct {
	Capacity     int
	Used         int
	Available    int
	UsagePercent float64
}

// Buffer is a fixed-capacity SPSC byte ring. The zero value is not usable;
// construct with New.
type Buffer struct {
	data []byte
	cap  uint32 // len(data); one slot of this is always reserved

	head      atomic.Uint32
	tail      atomic.Uint32
	emptyFlag atomic.Uint32

	warnThreshold float64
	warned        atomic.Bool

	overflowCount atomic.Uint64
	appendedBytes atomic.Uint64
	consumedBytes atomic.Uint64

	onOverflow func(attempted, available int)
	onWarning  func(usagePercent, threshold float64)

	// posStack is only ever touched by the consumer (Next/SavePosition/
	// RestorePosition all run on the extractor goroutine), so it needs no
	// synchronization of its own.
	posStack []uint32
}

// New constructs a Buffer. Capacity is clamped into [MinCapacity,
// MaxCapacity]; zero selects DefaultCapacity.
func New(cfg Config) *Buffer {
	cap := cfg.Capacity
	if cap == 0 {
		cap = DefaultCapacity
	}
	if cap < MinCapacity {
		cap = MinCapacity
	}
	if cap > MaxCapacity {
		cap = MaxCapacity
	}
	warn := cfg.WarningThreshold
	if warn <= 0 {
		warn = DefaultWarningThreshold
	}

	b := &Buffer{
		data:          make([]byte, cap),
		cap:           uint32(cap),
		warnThreshold: warn,
		onOverflow:    cfg.OnOverflow,
		onWarning:     cfg.OnWarning,
	}
	b.emptyFlag.Store(1)
	return b
}

// used returns (tail - head) mod cap without requiring the caller to hold
// any lock; it is only meaningful when called with internally consistent
// head/tail snapshots.
func (b *Buffer) used(head, tail uint32) uint32 {
	if tail >= head {
		return tail - head
	}
	return b.cap - head + tail
}

// Append copies bytes into the ring as a single atomic unit: either the
// whole chunk is admitted or none of it is. Partial writes are forbidden so
// the consumer never observes a torn message prefix. Safe to call only from
// the single producer.
func (b *Buffer) Append(p []byte) bool {
	n := uint32(len(p))
	if n == 0 {
		return true
	}

	head := b.head.Load()
	tail := b.tail.Load()
	used := b.used(head, tail)
	available := b.cap - used - 1

	if n > available {
		b.overflowCount.Add(1)
		if b.onOverflow != nil {
			b.onOverflow(int(n), int(available))
		}
		return false
	}

	// Copy with at most one wrap-around.
	end := tail + n
	if end <= b.cap {
		copy(b.data[tail:end], p)
	} else {
		firstPart := b.cap - tail
		copy(b.data[tail:], p[:firstPart])
		copy(b.data[:end-b.cap], p[firstPart:])
		end -= b.cap
	}

	b.appendedBytes.Add(uint64(n))
	b.tail.Store(end % b.cap)
	b.emptyFlag.Store(0)

	newUsed := used + n
	usagePercent := float64(newUsed) / float64(b.cap-1)
	if usagePercent >= b.warnThreshold {
		if b.warned.CompareAndSwap(false, true) && b.onWarning != nil {
			b.onWarning(usagePercent, b.warnThreshold)
		}
	} else {
		b.warned.Store(false)
	}

	return true
}

// Next returns the next byte from the ring, or ok=false if it is empty.
// Safe to call only from the single consumer.
func (b *Buffer) Next() (byte, bool) {
	if b.emptyFlag.Load() == 1 {
		return 0, false
	}

	head := b.head.Load()
	v := b.data[head]

	newHead := head + 1
	if newHead == b.cap {
		newHead = 0
	}
	b.head.Store(newHead)
	b.consumedBytes.Add(1)

	if newHead == b.tail.Load() {
		b.emptyFlag.Store(1)
	}
	return v, true
}

// PeekAt returns a non-consuming view of length bytes starting offset bytes
// ahead of the current read position, or ok=false when fewer than length
// bytes are currently buffered. The returned slice is a copy: the ring may
// wrap and overwrite before the caller is done with it otherwise.
func (b *Buffer) PeekAt(offset, length int) ([]byte, bool) {
	if length <= 0 {
		return nil, true
	}
	head := b.head.Load()
	tail := b.tail.Load()
	used := int(b.used(head, tail))
	if offset+length > used {
		return nil, false
	}

	out := make([]byte, length)
	start := (head + uint32(offset)) % b.cap
	for i := 0; i < length; i++ {
		out[i] = b.data[(start+uint32(i))%b.cap]
	}
	return out, true
}

// SavePosition pushes the current read head so a partial parse can be
// backtracked with RestorePosition. Consumer-only.
func (b *Buffer) SavePosition() {
	b.posStack = append(b.posStack, b.head.Load())
}

// RestorePosition pops the most recently saved read head and reinstates it,
// recomputing the empty flag. Consumer-only. A call with no matching
// SavePosition is a no-op.
func (b *Buffer) RestorePosition() {
	n := len(b.posStack)
	if n == 0 {
		return
	}
	pos := b.posStack[n-1]
	b.posStack = b.posStack[:n-1]
	b.head.Store(pos)
	if pos == b.tail.Load() {
		b.emptyFlag.Store(1)
	} else {
		b.emptyFlag.Store(0)
	}
}

// DiscardSavedPosition drops the most recently saved position without
// restoring it, once a partial parse has completed successfully.
func (b *Buffer) DiscardSavedPosition() {
	if n := len(b.posStack); n > 0 {
		b.posStack = b.posStack[:n-1]
	}
}

// Consume advances the read head by n bytes without copying them out, by
// calling Next up to n times; it stops early if the ring empties.
// Consumer-only.
func (b *Buffer) Consume(n int) {
	for i := 0; i < n; i++ {
		if _, ok := b.Next(); !ok {
			return
		}
	}
}

// Clear resets the ring to empty. Not safe to call concurrently with
// Append/Next; intended for explicit resets between runs.
func (b *Buffer) Clear() {
	b.head.Store(0)
	b.tail.Store(0)
	b.emptyFlag.Store(1)
	b.posStack = b.posStack[:0]
	b.warned.Store(false)
}

// Stats returns a point-in-time occupancy snapshot.
func (b *Buffer) Stats() Stats {
	head := b.head.Load()
	tail := b.tail.Load()
	used := int(b.used(head, tail))
	available := int(b.cap) - used - 1
	return Stats{
		Capacity:     int(b.cap),
		Used:         used,
		Available:    available,
		UsagePercent: float64(used) / float64(b.cap-1),
	}
}

// OverflowCount returns the number of Append calls rejected since
// construction. Clear does not reset it.
func (b *Buffer) OverflowCount() uint64 {
	return b.overflowCount.Load()
}
