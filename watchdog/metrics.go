// Package watchdog implements the performance watchdog and emergency
// mode FSM (spec §4.7): a 100ms sampler computing a GREEN/YELLOW/ORANGE/
// RED performance grade, and a hysteresis-gated four-level emergency
// state machine with a 10s recovery ticker.
//
// Metrics is grounded directly on go-ublk's root metrics.go: atomic
// counters, a fixed logarithmic latency-bucket histogram, and linear-
// interpolation percentile estimation — generalized from I/O
// read/write/discard/flush counters to this pipeline's extracted/routed
// message counts and arrival-to-routing latency, fed in by the router and
// extractor through the shared internal/interfaces.Observer contract, plus
// instantaneous gauges (ring usage, pool occupancy, queue depth) fed in by
// the pipeline's sampling and notification loops.
package watchdog

import (
	"math"
	"sync/atomic"
	"time"
)

// LatencyBuckets mirrors go-ublk's logarithmic histogram spacing (1us to
// 10s), reused as-is since arrival-to-routing latency spans the same
// practical range as a block device operation.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics accumulates the counters and gauges the watchdog samples every
// 100ms. It implements internal/interfaces.Observer so the extractor and
// router can feed it directly from their hot paths.
type Metrics struct {
	ExtractedMessages  atomic.Uint64
	ExtractedBytes     atomic.Uint64
	RoutedMessages     atomic.Uint64
	RoutedDestinations atomic.Uint64
	Drops              atomic.Uint64

	totalLatencyNs atomic.Uint64
	latencyCount   atomic.Uint64
	latencyBuckets [numLatencyBuckets]atomic.Uint64

	ringUsageBits atomic.Uint64 // math.Float64bits(usage fraction, 0..1)
	poolInUse     atomic.Int64
	queueDepth    atomic.Int64

	StartTime atomic.Int64
}

// NewMetrics constructs an empty Metrics with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// ObserveExtracted implements internal/interfaces.Observer.
func (m *Metrics) ObserveExtracted(bytes int) {
	m.ExtractedMessages.Add(1)
	m.ExtractedBytes.Add(uint64(bytes))
}

// ObserveRouted implements internal/interfaces.Observer.
func (m *Metrics) ObserveRouted(destinations int, arrivalToRoutingLatencyNs int64) {
	m.RoutedMessages.Add(1)
	m.RoutedDestinations.Add(uint64(destinations))
	m.recordLatency(uint64(arrivalToRoutingLatencyNs))
}

// ObserveDrop implements internal/interfaces.Observer.
func (m *Metrics) ObserveDrop(reason string) {
	m.Drops.Add(1)
}

// ObserveRingUsage implements internal/interfaces.Observer.
func (m *Metrics) ObserveRingUsage(usagePercent float64) {
	m.ringUsageBits.Store(math.Float64bits(usagePercent))
}

// ObservePoolInUse implements internal/interfaces.Observer.
func (m *Metrics) ObservePoolInUse(inUse int) {
	m.poolInUse.Store(int64(inUse))
}

// ObserveQueueDepth implements internal/interfaces.Observer.
func (m *Metrics) ObserveQueueDepth(depth int) {
	m.queueDepth.Store(int64(depth))
}

func (m *Metrics) ringUsage() float64 { return math.Float64frombits(m.ringUsageBits.Load()) }
func (m *Metrics) poolOccupancy() int { return int(m.poolInUse.Load()) }
func (m *Metrics) queueSize() int     { return int(m.queueDepth.Load()) }

// RingUsage returns the last ring buffer usage fraction (0..1) reported
// via ObserveRingUsage, for callers outside this package that want to
// inspect the gauge directly (primarily tests).
func (m *Metrics) RingUsage() float64 { return m.ringUsage() }

// PoolOccupancy returns the last pool-in-use count reported via
// ObservePoolInUse.
func (m *Metrics) PoolOccupancy() int { return m.poolOccupancy() }

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.totalLatencyNs.Add(latencyNs)
	m.latencyCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.latencyBuckets[i].Add(1)
		}
	}
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.latencyCount.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		count := m.latencyBuckets[i].Load()
		if count >= target {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.latencyBuckets[i-1].Load()
			}
			if count == prevCount {
				return bucket
			}
			fraction := float64(target-prevCount) / float64(count-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

func (m *Metrics) avgLatencyNs() uint64 {
	count := m.latencyCount.Load()
	if count == 0 {
		return 0
	}
	return m.totalLatencyNs.Load() / count
}
