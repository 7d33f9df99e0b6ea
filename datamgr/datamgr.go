// Package datamgr implements the device-state cache (spec §4.6): a
// per-COG and shared-HUB cached block view, checksum-driven dirty
// tracking, breakpoint bookkeeping, and a 100ms tick that flushes
// scheduled block requests through the protocol engine while decaying
// hit counts for heat-map visualisation.
//
// Generalizes go-ublk's backend/mem.go in-memory backend idea — a flat
// byte array addressed by offset, sharded for concurrent access — from a
// read/write block device into a checksum cache: blocks are compared by
// checksum rather than read and written wholesale, and a mismatch
// schedules a protocol-engine request instead of performing the I/O
// directly. The scale here (8 cogs × 128 blocks + 124 HUB blocks, touched
// only by the main unit per spec §5) doesn't warrant go-ublk's sharded
// locking; one mutex per Manager is enough.
package datamgr

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/parallax-p2/p2pipe/internal/logging"
	"github.com/parallax-p2/p2pipe/internal/perrors"
	"github.com/parallax-p2/p2pipe/protocol"
)

// Block counts per spec §3.
const (
	CogBlocks = 64
	LUTBlocks = 64
	HubBlocks = 124

	// CogWords is the word count of a COG/LUT block (16 32-bit words).
	CogWords = 16
)

// TickInterval is the data-manager's flush/decay period (spec §4.6: "A
// 100 ms timer").
const TickInterval = 100 * time.Millisecond

// DefaultMaxPendingRequests is the default bound on concurrently
// outstanding block requests (spec §4.6: "default 10").
const DefaultMaxPendingRequests = 10

// hitCountDecay is the per-tick geometric decay factor applied to every
// block's hit count. Spec §4.6 requires decay but does not pin a rate;
// 0.95 per 100ms tick gives heat-map consumers a roughly 1.4s half-life,
// a reasonable default for a human-scale visualisation refresh.
const hitCountDecay = 0.95

// BlockKind distinguishes the three cached memory regions.
type BlockKind int

const (
	KindCog BlockKind = iota
	KindLUT
	KindHub
)

func (k BlockKind) String() string {
	switch k {
	case KindCog:
		return "COG"
	case KindLUT:
		return "LUT"
	case KindHub:
		return "HUB"
	default:
		return "UNKNOWN"
	}
}

// Block is a single cached memory block (spec §3: "checksum, dirty,
// last_access, hit_count, optional data").
type Block struct {
	Checksum   uint32
	Dirty      bool
	LastAccess time.Time
	HitCount   float64
	Data       []uint32
}

type requestKey struct {
	Kind  BlockKind
	Cog   int
	Block int
}

// Manager is the device-state cache and request scheduler.
type Manager struct {
	engine *protocol.Engine
	log    *logging.Logger
	sem    *semaphore.Weighted

	mu          sync.Mutex
	cogBlocks   [8][CogBlocks]Block
	lutBlocks   [8][LUTBlocks]Block
	hubBlocks   [HubBlocks]Block
	breakpoints [8]map[uint32]struct{}
	requestBreak uint8
	pending      map[requestKey]struct{}
	programCounter [8]uint32
}

// New constructs a Manager bounded to maxPending concurrently outstanding
// requests (0 selects DefaultMaxPendingRequests).
func New(engine *protocol.Engine, maxPending int, log *logging.Logger) *Manager {
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingRequests
	}
	m := &Manager{
		engine:  engine,
		log:     log,
		sem:     semaphore.NewWeighted(int64(maxPending)),
		pending: make(map[requestKey]struct{}),
	}
	for i := range m.breakpoints {
		m.breakpoints[i] = make(map[uint32]struct{})
	}
	return m
}

// Run drives the 100ms tick until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// IngestChecksums compares a batch of incoming per-block checksums
// against the cache, marking mismatches dirty and scheduling them.
//
// Spec §4.6 ties this comparison to "receipt of an initial frame", but
// the 20-word initial frame (spec §4.5) is far too small to carry 64+64
// COG/LUT checksums per cog plus 124 HUB checksums — the wire format for
// a bulk checksum scan is left unspecified. IngestChecksums is
// deliberately agnostic about which DB_PACKET payload shape produced the
// checksums; the pipeline's wiring layer is responsible for decoding
// whatever bulk-checksum packet the device actually sends and calling
// this method with the decoded values. cogID is ignored for KindHub.
func (m *Manager) IngestChecksums(kind BlockKind, cogID int, checksums []uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch kind {
	case KindCog:
		if cogID < 0 || cogID > 7 {
			return perrors.New("datamgr.IngestChecksums", perrors.CodeInvalidArgument, "cog id out of range")
		}
		m.compareAndMark(kind, cogID, m.cogBlocks[cogID][:], checksums)
	case KindLUT:
		if cogID < 0 || cogID > 7 {
			return perrors.New("datamgr.IngestChecksums", perrors.CodeInvalidArgument, "cog id out of range")
		}
		m.compareAndMark(kind, cogID, m.lutBlocks[cogID][:], checksums)
	case KindHub:
		m.compareAndMark(kind, 0, m.hubBlocks[:], checksums)
	default:
		return perrors.New("datamgr.IngestChecksums", perrors.CodeInvalidArgument, "unknown block kind")
	}
	return nil
}

func (m *Manager) compareAndMark(kind BlockKind, cogID int, blocks []Block, checksums []uint32) {
	n := len(blocks)
	if len(checksums) < n {
		n = len(checksums)
	}
	for i := 0; i < n; i++ {
		if blocks[i].Checksum != checksums[i] {
			blocks[i].Dirty = true
		}
	}
}

// tick flushes every dirty, not-yet-pending block through the protocol
// engine, bounded by the semaphore, and decays all hit counts. Per spec
// §4.6's failure semantics, a request is issued at most once per tick per
// (kind, cog, block); a timeout leaves the block dirty for the next tick
// rather than retrying immediately.
func (m *Manager) tick(ctx context.Context) {
	for _, req := range m.collectDirty() {
		req := req
		if !m.sem.TryAcquire(1) {
			break
		}
		go func() {
			defer m.sem.Release(1)
			m.flushOne(ctx, req)
		}()
	}
	m.decayHitCounts()
}

type scheduledRequest struct {
	key   requestKey
	cogID uint32
}

func (m *Manager) collectDirty() []scheduledRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []scheduledRequest
	for cog := 0; cog < 8; cog++ {
		for b := 0; b < CogBlocks; b++ {
			out = appendIfSchedulable(out, m, requestKey{KindCog, cog, b}, m.cogBlocks[cog][b].Dirty, uint32(cog))
		}
		for b := 0; b < LUTBlocks; b++ {
			out = appendIfSchedulable(out, m, requestKey{KindLUT, cog, b}, m.lutBlocks[cog][b].Dirty, uint32(cog))
		}
	}
	for b := 0; b < HubBlocks; b++ {
		out = appendIfSchedulable(out, m, requestKey{KindHub, 0, b}, m.hubBlocks[b].Dirty, 0)
	}
	return out
}

func appendIfSchedulable(out []scheduledRequest, m *Manager, key requestKey, dirty bool, cogID uint32) []scheduledRequest {
	if !dirty {
		return out
	}
	if _, inFlight := m.pending[key]; inFlight {
		return out
	}
	m.pending[key] = struct{}{}
	return append(out, scheduledRequest{key: key, cogID: cogID})
}

func (m *Manager) flushOne(ctx context.Context, req scheduledRequest) {
	defer m.clearPending(req.key)

	var resp protocol.Response
	var err error
	switch req.key.Kind {
	case KindCog:
		resp, err = m.engine.RequestCogBlock(ctx, req.cogID, uint32(req.key.Block))
	case KindLUT:
		resp, err = m.engine.RequestLUTBlock(ctx, req.cogID, uint32(req.key.Block))
	case KindHub:
		resp, err = m.engine.RequestHubMemory(ctx, uint32(req.key.Block)*4096, 4096)
	}

	if err != nil || resp.Outcome != protocol.OutcomeDataReceived {
		if m.log != nil {
			m.log.Debug("datamgr: block request did not complete, remains dirty",
				"kind", req.key.Kind.String(), "cog", req.key.Cog, "block", req.key.Block, "err", err)
		}
		return
	}
	m.applyBlockData(req.key, resp.Words)
}

func (m *Manager) applyBlockData(key requestKey, words []uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	block := m.lookupBlock(key)
	if block == nil {
		return
	}
	block.Data = words
	block.Checksum = checksumWords(words)
	block.Dirty = false
	block.LastAccess = time.Now()
	block.HitCount++
}

func (m *Manager) lookupBlock(key requestKey) *Block {
	switch key.Kind {
	case KindCog:
		return &m.cogBlocks[key.Cog][key.Block]
	case KindLUT:
		return &m.lutBlocks[key.Cog][key.Block]
	case KindHub:
		return &m.hubBlocks[key.Block]
	default:
		return nil
	}
}

func (m *Manager) clearPending(key requestKey) {
	m.mu.Lock()
	delete(m.pending, key)
	m.mu.Unlock()
}

func (m *Manager) decayHitCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for cog := 0; cog < 8; cog++ {
		for b := range m.cogBlocks[cog] {
			m.cogBlocks[cog][b].HitCount *= hitCountDecay
		}
		for b := range m.lutBlocks[cog] {
			m.lutBlocks[cog][b].HitCount *= hitCountDecay
		}
	}
	for b := range m.hubBlocks {
		m.hubBlocks[b].HitCount *= hitCountDecay
	}
}

// Block returns a copy of one cached block's current state.
func (m *Manager) Block(kind BlockKind, cogID, index int) Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch kind {
	case KindCog:
		return m.cogBlocks[cogID][index]
	case KindLUT:
		return m.lutBlocks[cogID][index]
	default:
		return m.hubBlocks[index]
	}
}

func checksumWords(words []uint32) uint32 {
	var sum uint32
	for _, w := range words {
		sum = sum*31 + w
	}
	return sum
}
