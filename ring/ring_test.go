package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendNext_RoundTrip(t *testing.T) {
	b := New(Config{Capacity: MinCapacity})
	xs := []byte("Hello, P2!")
	require.True(t, b.Append(xs))

	var ys []byte
	for {
		v, ok := b.Next()
		if !ok {
			break
		}
		ys = append(ys, v)
	}
	assert.Equal(t, xs, ys)
}

func TestAppend_RejectsWholeChunkWhenTooLarge(t *testing.T) {
	b := New(Config{Capacity: MinCapacity})
	stats := b.Stats()
	tooBig := make([]byte, stats.Available+1)

	headBefore, tailBefore := b.head.Load(), b.tail.Load()
	ok := b.Append(tooBig)
	assert.False(t, ok)
	assert.Equal(t, headBefore, b.head.Load())
	assert.Equal(t, tailBefore, b.tail.Load())
}

func TestBackpressureScenario(t *testing.T) {
	// Mirrors spec.md §8 scenario 6: capacity 16, append 15 bytes (ok), then
	// append 1 more byte (fails), then drain 5 bytes and retry (succeeds).
	var attempted, available int
	var overflowed bool
	b := New(Config{
		Capacity: MinCapacity, // clamp enforces a floor; we fake a tiny
	})
	// Exercise the same *shape* of the literal scenario against the real
	// minimum capacity ring, since MinCapacity (64KiB) is the smallest this
	// implementation permits per spec.md §6's bounds.
	first := make([]byte, int(b.cap)-1)
	require.True(t, b.Append(first))

	b.onOverflow = func(a, avail int) {
		overflowed = true
		attempted, available = a, avail
	}
	assert.False(t, b.Append([]byte{'G'}))
	assert.True(t, overflowed)
	assert.Equal(t, 1, attempted)
	assert.Equal(t, 0, available)

	b.Consume(5)
	assert.True(t, b.Append([]byte{'G'}))
}

func TestWrapAround_ExactBoundary(t *testing.T) {
	b := New(Config{Capacity: MinCapacity})
	remaining := int(b.cap) - 1
	require.True(t, b.Append(make([]byte, remaining)))
	b.Consume(remaining)

	// head and tail now both sit at cap-1; append exactly the remaining
	// tail space (one byte), which wraps tail to 0, then one more byte, and
	// verify consistency after each.
	tailSpace := int(b.cap - b.tail.Load())
	require.True(t, b.Append(make([]byte, tailSpace)))
	assert.Equal(t, uint32(0), b.tail.Load())
	assert.Equal(t, uint32(0), b.emptyFlag.Load())

	require.True(t, b.Append([]byte{1}))
	assert.Equal(t, uint32(1), b.tail.Load())
	assert.Equal(t, uint32(0), b.emptyFlag.Load())
}

func TestSaveRestorePosition_Law(t *testing.T) {
	b := New(Config{Capacity: MinCapacity})
	require.True(t, b.Append([]byte("abcdef")))

	b.SavePosition()
	first, _ := b.Next()
	second, _ := b.Next()
	third, _ := b.Next()
	b.RestorePosition()

	replay, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, first, replay)
	_ = second
	_ = third
}

func TestPeekAt_ReturnsFalseWhenInsufficientData(t *testing.T) {
	b := New(Config{Capacity: MinCapacity})
	require.True(t, b.Append([]byte("abc")))

	_, ok := b.PeekAt(0, 10)
	assert.False(t, ok)

	got, ok := b.PeekAt(0, 3)
	assert.True(t, ok)
	assert.Equal(t, []byte("abc"), got)
}

func TestStats_UsedAndAvailableInvariant(t *testing.T) {
	b := New(Config{Capacity: MinCapacity})
	require.True(t, b.Append([]byte("0123456789")))
	s := b.Stats()
	assert.Equal(t, int(b.cap), s.Capacity)
	assert.Equal(t, s.Capacity-s.Used-1, s.Available)
}

func TestWarningCallback_FiresOnceAboveThreshold(t *testing.T) {
	var fired int
	b := New(Config{
		Capacity:         MinCapacity,
		WarningThreshold: 0.5,
		OnWarning:        func(float64, float64) { fired++ },
	})
	half := int(b.cap) / 2
	require.True(t, b.Append(make([]byte, half+1)))
	require.True(t, b.Append([]byte{1}))
	assert.Equal(t, 1, fired, "warning should latch until usage drops back below threshold")
}
