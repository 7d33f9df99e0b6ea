package datamgr

import (
	"time"

	"github.com/parallax-p2/p2pipe/internal/perrors"
)

// SetBreakpoint adds addr to cogID's breakpoint set and recomputes the
// request_break mask (spec §4.6).
func (m *Manager) SetBreakpoint(cogID int, addr uint32) error {
	if cogID < 0 || cogID > 7 {
		return perrors.New("datamgr.SetBreakpoint", perrors.CodeInvalidArgument, "cog id out of range")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakpoints[cogID][addr] = struct{}{}
	m.recomputeRequestBreak()
	return nil
}

// ClearBreakpoint removes addr from cogID's breakpoint set.
func (m *Manager) ClearBreakpoint(cogID int, addr uint32) error {
	if cogID < 0 || cogID > 7 {
		return perrors.New("datamgr.ClearBreakpoint", perrors.CodeInvalidArgument, "cog id out of range")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakpoints[cogID], addr)
	m.recomputeRequestBreak()
	return nil
}

// ClearAllBreakpoints empties cogID's breakpoint set.
func (m *Manager) ClearAllBreakpoints(cogID int) error {
	if cogID < 0 || cogID > 7 {
		return perrors.New("datamgr.ClearAllBreakpoints", perrors.CodeInvalidArgument, "cog id out of range")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakpoints[cogID] = make(map[uint32]struct{})
	m.recomputeRequestBreak()
	return nil
}

// recomputeRequestBreak rebuilds the 8-bit request_break mask: bit i set
// iff COG i has at least one breakpoint. Caller must hold m.mu.
func (m *Manager) recomputeRequestBreak() {
	var mask uint8
	for i := 0; i < 8; i++ {
		if len(m.breakpoints[i]) > 0 {
			mask |= 1 << uint(i)
		}
	}
	m.requestBreak = mask
}

// RequestBreakMask returns the current 8-bit request_break mask.
func (m *Manager) RequestBreakMask() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestBreak
}

// SetProgramCounter records cogID's current program counter, as reported
// by the most recent initial frame, so IsAtBreakpoint has something to
// compare against.
func (m *Manager) SetProgramCounter(cogID int, pc uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cogID >= 0 && cogID < 8 {
		m.programCounter[cogID] = pc
	}
}

// IsAtBreakpoint reports whether cogID's last-known program counter is in
// its breakpoint set (spec §4.6).
func (m *Manager) IsAtBreakpoint(cogID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cogID < 0 || cogID > 7 {
		return false
	}
	_, ok := m.breakpoints[cogID][m.programCounter[cogID]]
	return ok
}

// RecordAccess bumps a block's hit count and last-access timestamp when a
// consumer reads it, feeding the heat-map decay computation independently
// of device refreshes.
func (m *Manager) RecordAccess(kind BlockKind, cogID, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	block := m.lookupBlock(requestKey{Kind: kind, Cog: cogID, Block: index})
	if block == nil {
		return
	}
	block.HitCount++
	block.LastAccess = time.Now()
}
