package router

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallax-p2/p2pipe/events"
	"github.com/parallax-p2/p2pipe/pool"
)

// recordingDest releases its share and appends its name to a shared,
// mutex-guarded order slice every time it is handled.
type recordingDest struct {
	name  string
	p     *pool.Pool
	mu    *sync.Mutex
	order *[]string
	err   error
	panicVal any
	seen  []pool.SlotID
}

func (d *recordingDest) Name() string { return d.name }

func (d *recordingDest) Handle(id pool.SlotID) error {
	d.mu.Lock()
	*d.order = append(*d.order, d.name)
	d.seen = append(d.seen, id)
	d.mu.Unlock()
	if d.panicVal != nil {
		panic(d.panicVal)
	}
	if d.err != nil {
		return d.err
	}
	return d.p.Release(id)
}

func newRouterHarness(t *testing.T) (*Router, *pool.Pool, chan events.Event) {
	t.Helper()
	p := pool.New(pool.Config{Slots: 8, SlotCapacity: 256})
	out := make(chan events.Event, 8)
	r := New(p, out, nil)
	return r, p, out
}

func TestRoute_NoDestinationsReleasesPendingShare(t *testing.T) {
	r, p, _ := newRouterHarness(t)
	id, err := p.Acquire([]byte("Hello\n"), pool.KindTerminalOutput, pool.NoCog, 1)
	require.NoError(t, err)

	require.NoError(t, r.Route(id))
	assert.Equal(t, 0, p.InUse())
}

func TestRoute_FanOutBothDestinationsReceiveSameIDThenSlotFree(t *testing.T) {
	r, p, _ := newRouterHarness(t)
	var order []string
	var mu sync.Mutex
	var seenA, seenB pool.SlotID

	a := &recordingDest{name: "a", p: p, mu: &mu, order: &order}
	b := &recordingDest{name: "b", p: p, mu: &mu, order: &order}
	r.Register(pool.KindCogMessage, a)
	r.Register(pool.KindCogMessage, b)

	id, err := p.Acquire([]byte("Cog1 hi\n"), pool.KindCogMessage, 1, 1)
	require.NoError(t, err)

	require.NoError(t, r.Route(id))
	require.Len(t, a.seen, 1)
	require.Len(t, b.seen, 1)
	seenA, seenB = a.seen[0], b.seen[0]
	assert.Equal(t, seenA, seenB)
	assert.Equal(t, id, seenA)
	assert.Equal(t, []string{"a", "b"}, order, "delivery order follows registration order")
	assert.Equal(t, 0, p.InUse(), "slot is free and reusable after both destinations release")

	// reusable: same index, new epoch
	id2, err := p.Acquire([]byte("x"), pool.KindTerminalOutput, pool.NoCog, 1)
	require.NoError(t, err)
	require.NoError(t, p.Release(id2))
}

func TestRoute_HandlerErrorReleasesOnlyThatShareAndContinues(t *testing.T) {
	r, p, _ := newRouterHarness(t)
	var order []string
	var mu sync.Mutex

	failing := &recordingDest{name: "failing", p: p, mu: &mu, order: &order, err: errors.New("handler boom")}
	ok := &recordingDest{name: "ok", p: p, mu: &mu, order: &order}
	r.Register(pool.KindTerminalOutput, failing)
	r.Register(pool.KindTerminalOutput, ok)

	id, err := p.Acquire([]byte("x"), pool.KindTerminalOutput, pool.NoCog, 1)
	require.NoError(t, err)

	require.NoError(t, r.Route(id))
	assert.Equal(t, []string{"failing", "ok"}, order)
	assert.Equal(t, uint64(1), r.RoutingErrors())
	assert.Equal(t, 0, p.InUse())
}

func TestRoute_HandlerPanicIsIsolated(t *testing.T) {
	r, p, _ := newRouterHarness(t)
	var order []string
	var mu sync.Mutex

	panicking := &recordingDest{name: "panicking", p: p, mu: &mu, order: &order, panicVal: "boom"}
	ok := &recordingDest{name: "ok", p: p, mu: &mu, order: &order}
	r.Register(pool.KindTerminalOutput, panicking)
	r.Register(pool.KindTerminalOutput, ok)

	id, err := p.Acquire([]byte("x"), pool.KindTerminalOutput, pool.NoCog, 1)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		require.NoError(t, r.Route(id))
	})
	assert.Equal(t, uint64(1), r.RoutingErrors())
	assert.Equal(t, 0, p.InUse())
}

func TestRoute_SystemInitEmitsSystemReboot(t *testing.T) {
	r, p, out := newRouterHarness(t)
	var order []string
	var mu sync.Mutex
	r.Register(pool.KindSystemInit, &recordingDest{name: "log", p: p, mu: &mu, order: &order})

	text := "Cog0 INIT $0000_0000 $0000_0000 load\n"
	id, err := p.Acquire([]byte(text), pool.KindSystemInit, 0, 1)
	require.NoError(t, err)
	require.NoError(t, r.Route(id))

	require.Len(t, out, 1)
	ev, ok := (<-out).(events.SystemReboot)
	require.True(t, ok)
	assert.Equal(t, text, ev.Text)
}

func TestRoute_DBPacketEmitsDebuggerPacket(t *testing.T) {
	r, p, out := newRouterHarness(t)
	var order []string
	var mu sync.Mutex
	r.Register(pool.KindDBPacket, &recordingDest{name: "proto", p: p, mu: &mu, order: &order})

	payload := []byte{0xDB, 0x05, 0x00, 0x04, 0, 0, 0, 0}
	id, err := p.Acquire(payload, pool.KindDBPacket, pool.NoCog, 1)
	require.NoError(t, err)
	require.NoError(t, r.Route(id))

	require.Len(t, out, 1)
	ev, ok := (<-out).(events.DebuggerPacket)
	require.True(t, ok)
	assert.Equal(t, payload, ev.Bytes)
}

func TestRoute_SystemInitEmitsSystemRebootEvenWithoutDestination(t *testing.T) {
	r, p, out := newRouterHarness(t)

	text := "Cog0 INIT $0000_0000 $0000_0000 load\n"
	id, err := p.Acquire([]byte(text), pool.KindSystemInit, 0, 1)
	require.NoError(t, err)
	require.NoError(t, r.Route(id))

	require.Len(t, out, 1, "system_reboot is a standing side effect, not contingent on a registered destination")
	ev, ok := (<-out).(events.SystemReboot)
	require.True(t, ok)
	assert.Equal(t, text, ev.Text)
	assert.Equal(t, 0, p.InUse())
}

func TestRoute_EventChannelFullDropsWithoutBlocking(t *testing.T) {
	p := pool.New(pool.Config{Slots: 4, SlotCapacity: 64})
	out := make(chan events.Event) // unbuffered, nobody reading
	r := New(p, out, nil)
	var order []string
	var mu sync.Mutex
	r.Register(pool.KindSystemInit, &recordingDest{name: "log", p: p, mu: &mu, order: &order})

	id, err := p.Acquire([]byte("Cog0 INIT $0000_0000 $0000_0000 load\n"), pool.KindSystemInit, 0, 1)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = r.Route(id)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Route blocked on a full, unread event channel")
	}
}

func TestUnregister_RemovesDestination(t *testing.T) {
	r, p, _ := newRouterHarness(t)
	var order []string
	var mu sync.Mutex
	d := &recordingDest{name: "temp", p: p, mu: &mu, order: &order}
	r.Register(pool.KindTerminalOutput, d)
	r.Unregister(pool.KindTerminalOutput, "temp")

	id, err := p.Acquire([]byte("x"), pool.KindTerminalOutput, pool.NoCog, 1)
	require.NoError(t, err)
	require.NoError(t, r.Route(id))
	assert.Empty(t, order)
	assert.Equal(t, 0, p.InUse(), "with no destinations registered the router releases its own pending share")
}
