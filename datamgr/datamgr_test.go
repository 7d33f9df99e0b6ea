package datamgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallax-p2/p2pipe/protocol"
)

// fakeTransport answers every outgoing request with a DATA packet
// carrying onData's words, unless configured to drop instead.
type fakeTransport struct {
	mu      sync.Mutex
	engine  *protocol.Engine
	drop    bool
	onWords func(req protocol.Request) []uint32
}

func (t *fakeTransport) Write(p []byte) (int, error) {
	req, err := protocol.UnmarshalRequest(p)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	drop := t.drop
	onWords := t.onWords
	engine := t.engine
	t.mu.Unlock()
	if drop {
		return len(p), nil
	}
	words := []uint32{0x1, 0x2, 0x3, 0x4}
	if onWords != nil {
		words = onWords(req)
	}
	go func() {
		_ = engine.HandleIncoming(buildDataPacket(req.Sequence, words))
	}()
	return len(p), nil
}

func buildDataPacket(seq uint16, words []uint32) []byte {
	payload := make([]byte, 2+4*len(words))
	payload[0] = byte(seq)
	payload[1] = byte(seq >> 8)
	for i, w := range words {
		payload[2+i*4] = byte(w)
		payload[2+i*4+1] = byte(w >> 8)
		payload[2+i*4+2] = byte(w >> 16)
		payload[2+i*4+3] = byte(w >> 24)
	}
	buf := make([]byte, 4+len(payload))
	buf[0] = 0xDB
	buf[1] = byte(protocol.MsgData)
	buf[2] = byte(len(payload) >> 8)
	buf[3] = byte(len(payload))
	copy(buf[4:], payload)
	return buf
}

func newHarness() (*Manager, *fakeTransport) {
	tx := &fakeTransport{}
	engine := protocol.New(tx, nil, nil, nil)
	tx.engine = engine
	return New(engine, 4, nil), tx
}

func TestIngestChecksums_MarksMismatchDirty(t *testing.T) {
	m, _ := newHarness()
	checksums := make([]uint32, CogBlocks)
	checksums[3] = 0xABCD

	require.NoError(t, m.IngestChecksums(KindCog, 2, checksums))

	assert.True(t, m.Block(KindCog, 2, 3).Dirty)
	assert.False(t, m.Block(KindCog, 2, 4).Dirty)
}

func TestIngestChecksums_RejectsOutOfRangeCog(t *testing.T) {
	m, _ := newHarness()
	err := m.IngestChecksums(KindCog, 9, []uint32{1})
	assert.Error(t, err)
}

func TestIngestChecksums_HubIgnoresCogID(t *testing.T) {
	m, _ := newHarness()
	checksums := make([]uint32, HubBlocks)
	checksums[10] = 42

	require.NoError(t, m.IngestChecksums(KindHub, 9, checksums))
	assert.True(t, m.Block(KindHub, 0, 10).Dirty)
}

func TestTick_FlushesDirtyBlockAndClearsDirtyOnSuccess(t *testing.T) {
	m, _ := newHarness()
	checksums := make([]uint32, CogBlocks)
	checksums[0] = 1
	require.NoError(t, m.IngestChecksums(KindCog, 0, checksums))

	m.tick(context.Background())
	// the request is handled asynchronously by the fake transport.
	require.Eventually(t, func() bool {
		return !m.Block(KindCog, 0, 0).Dirty
	}, time.Second, 10*time.Millisecond)

	block := m.Block(KindCog, 0, 0)
	assert.Equal(t, []uint32{0x1, 0x2, 0x3, 0x4}, block.Data)
	assert.NotZero(t, block.Checksum)
}

func TestTick_TimeoutLeavesBlockDirty(t *testing.T) {
	m, tx := newHarness()
	tx.mu.Lock()
	tx.drop = true
	tx.mu.Unlock()

	checksums := make([]uint32, LUTBlocks)
	checksums[5] = 99
	require.NoError(t, m.IngestChecksums(KindLUT, 1, checksums))

	m.tick(context.Background())
	require.Eventually(t, func() bool {
		m.mu.Lock()
		_, inFlight := m.pending[requestKey{KindLUT, 1, 5}]
		m.mu.Unlock()
		return !inFlight
	}, 2*time.Second, 20*time.Millisecond)

	assert.True(t, m.Block(KindLUT, 1, 5).Dirty)
}

func TestTick_SameBlockNotScheduledTwiceWhilePending(t *testing.T) {
	m, _ := newHarness()
	checksums := make([]uint32, CogBlocks)
	checksums[0] = 1
	require.NoError(t, m.IngestChecksums(KindCog, 0, checksums))

	first := m.collectDirty()
	require.Len(t, first, 1)
	second := m.collectDirty()
	assert.Empty(t, second, "block already marked pending must not be scheduled again")
}

func TestDecayHitCounts_AppliesGeometricFactor(t *testing.T) {
	m, _ := newHarness()
	m.mu.Lock()
	m.hubBlocks[0].HitCount = 10
	m.mu.Unlock()

	m.decayHitCounts()
	assert.InDelta(t, 9.5, m.Block(KindHub, 0, 0).HitCount, 0.001)
}

func TestBreakpoints_SetClearRecomputesMask(t *testing.T) {
	m, _ := newHarness()
	require.NoError(t, m.SetBreakpoint(0, 0x100))
	require.NoError(t, m.SetBreakpoint(3, 0x200))
	assert.Equal(t, uint8(0b0000_1001), m.RequestBreakMask())

	require.NoError(t, m.ClearBreakpoint(0, 0x100))
	assert.Equal(t, uint8(0b0000_1000), m.RequestBreakMask())

	require.NoError(t, m.ClearAllBreakpoints(3))
	assert.Equal(t, uint8(0), m.RequestBreakMask())
}

func TestIsAtBreakpoint_TrueWhenProgramCounterMatchesSet(t *testing.T) {
	m, _ := newHarness()
	require.NoError(t, m.SetBreakpoint(2, 0x400))
	m.SetProgramCounter(2, 0x400)
	assert.True(t, m.IsAtBreakpoint(2))

	m.SetProgramCounter(2, 0x500)
	assert.False(t, m.IsAtBreakpoint(2))
}

func TestRecordAccess_BumpsHitCountAndLastAccess(t *testing.T) {
	m, _ := newHarness()
	before := m.Block(KindCog, 1, 2)
	assert.Zero(t, before.HitCount)

	m.RecordAccess(KindCog, 1, 2)
	after := m.Block(KindCog, 1, 2)
	assert.Equal(t, float64(1), after.HitCount)
	assert.False(t, after.LastAccess.IsZero())
}
