// Package interfaces holds small internal interfaces shared across
// packages, kept separate from their implementations to avoid import
// cycles (mirrors go-ublk's internal/interfaces package).
package interfaces

// Transport is the egress side of the debugger wire protocol: a place to
// write outgoing request bytes that bypasses the message pool entirely
// (spec §5: "the ring buffer and the pool are the only objects touched by
// multiple units" — outgoing bytes never enter either). Adapted from
// go-ublk's Backend interface, generalized from a random-access block
// device (ReadAt/WriteAt/Size/Close/Flush) down to a single append-only
// byte sink, since the debugger wire protocol rides a serial stream, not
// a block device.
type Transport interface {
	Write(p []byte) (int, error)
}

// Logger is the minimal logging surface a component may accept instead of
// depending on internal/logging directly.
type Logger interface {
	Printf(format string, args ...any)
	Debugf(format string, args ...any)
}

// Observer receives watchdog-relevant samples from every component,
// decoupling metric recording from the three cooperating units' hot loops
// (spec §4.7). Adapted from go-ublk's I/O Observer
// (ObserveRead/ObserveWrite/ObserveDiscard/ObserveFlush/ObserveQueueDepth),
// generalized from block I/O counters to this pipeline's byte, message,
// and back-pressure counters.
type Observer interface {
	ObserveExtracted(bytes int)
	ObserveRouted(destinations int, arrivalToRoutingLatencyNs int64)
	ObserveDrop(reason string)
	ObserveRingUsage(usagePercent float64)
	ObservePoolInUse(inUse int)
	ObserveQueueDepth(depth int)
}
