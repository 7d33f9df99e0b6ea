package pool

import "errors"

var (
	// ErrPoolFull is returned by Acquire when every slot is checked out.
	ErrPoolFull = errors.New("pool: full")
	// ErrUnknownSlot is returned when a SlotID's index is out of range.
	ErrUnknownSlot = errors.New("pool: unknown slot")
	// ErrStaleSlot is returned when a SlotID's epoch no longer matches the
	// slot (its last share was released, and it may have been reacquired,
	// since this ID was minted).
	ErrStaleSlot = errors.New("pool: stale slot epoch")
	// ErrDoubleRelease is returned when a Release would drive a live slot's
	// reference count below zero.
	ErrDoubleRelease = errors.New("pool: double release")
)
