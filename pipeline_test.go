package p2pipe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallax-p2/p2pipe/events"
	"github.com/parallax-p2/p2pipe/extractor"
	"github.com/parallax-p2/p2pipe/internal/config"
	"github.com/parallax-p2/p2pipe/internal/testsupport"
	"github.com/parallax-p2/p2pipe/pool"
)

func smallConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.PoolSlots = 16
	return cfg
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RingCapacity = 1 // far below MinCapacity
	_, err := New(cfg, testsupport.NewMockTransport(), nil)
	assert.Error(t, err)
}

func TestNew_BuildsAllComponents(t *testing.T) {
	p, err := New(smallConfig(), testsupport.NewMockTransport(), nil)
	require.NoError(t, err)
	assert.NotNil(t, p.Engine())
	assert.NotNil(t, p.DataManager())
	assert.NotNil(t, p.Router())
}

func TestPipeline_IngestRebootLineEmitsSystemReboot(t *testing.T) {
	p, err := New(smallConfig(), testsupport.NewMockTransport(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx)

	p.Ingest([]byte("Cog0 INIT $0000_0000 $0000_0000 load\n"))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-p.Events():
			if _, ok := ev.(events.SystemReboot); ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for SystemReboot event")
		}
	}
}

func TestPipeline_SampleGaugesFeedsRingUsage(t *testing.T) {
	p, err := New(smallConfig(), testsupport.NewMockTransport(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Only the gauge sampler runs: with the extractor running the ring is
	// drained long before the first 100ms sample.
	go p.sampleGauges(ctx)

	p.Ingest([]byte("Cog1 hello\n"))

	require.Eventually(t, func() bool {
		return p.Metrics().RingUsage() > 0
	}, 2*time.Second, 10*time.Millisecond, "sampleGauges must feed ring usage from p.ring.Stats()")
}

func TestPipeline_QueueUsagePercent(t *testing.T) {
	p, err := New(smallConfig(), testsupport.NewMockTransport(), nil)
	require.NoError(t, err)

	assert.Equal(t, 0, p.queueUsagePercent())

	for i := 0; i < cap(p.notify)/2; i++ {
		p.notify <- extractor.Notification{ID: pool.SlotID(i), Kind: pool.KindTerminalOutput}
	}
	assert.InDelta(t, 50, p.queueUsagePercent(), 2)
}
