// Package events defines the typed event variants emitted to the
// application (spec §6 "Events (egress to app)"). This replaces the
// "event emitters with any payloads" pattern flagged in spec §9: each
// event is its own concrete struct with a precise payload type, and Event
// is a closed interface (an unexported marker method) so only this
// package's types satisfy it.
package events

import (
	"time"

	"github.com/parallax-p2/p2pipe/pool"
)

// Event is implemented only by the concrete event types in this package.
type Event interface {
	isEvent()
}

// Grade is the watchdog's four-level performance grade (spec §4.7).
type Grade int

const (
	Green Grade = iota
	Yellow
	Orange
	Red
)

func (g Grade) String() string {
	switch g {
	case Green:
		return "GREEN"
	case Yellow:
		return "YELLOW"
	case Orange:
		return "ORANGE"
	case Red:
		return "RED"
	default:
		return "UNKNOWN"
	}
}

// EmergencyLevel is the four-level emergency FSM grade (spec §4.7
// "Emergency FSM"), distinct from Grade: Grade is a continuous sampled
// performance read-out, EmergencyLevel is the hysteresis-gated mode that
// derives from it.
type EmergencyLevel int

const (
	Normal EmergencyLevel = iota
	EmergencyYellow
	EmergencyOrange
	EmergencyRed
)

func (l EmergencyLevel) String() string {
	switch l {
	case Normal:
		return "NORMAL"
	case EmergencyYellow:
		return "YELLOW"
	case EmergencyOrange:
		return "ORANGE"
	case EmergencyRed:
		return "RED"
	default:
		return "UNKNOWN"
	}
}

// LevelConfig is the per-emergency-level configuration record (spec §4.7:
// "UI refresh interval, batching, enable pattern matching, enable COG
// parsing, enable logging, raw capture to disk").
type LevelConfig struct {
	UIRefreshInterval     time.Duration
	BatchSize             int
	EnablePatternMatching bool
	EnableCogParsing      bool
	EnableLogging         bool
	RawCaptureToDisk      bool
}

// Metrics is the watchdog's 100ms sample (spec §4.7), carried on
// PerformanceAlert.
type Metrics struct {
	RingUsagePercent float64
	PoolInUse        int
	QueueDepth       int
	LatencyMs        float64
	DropCount        uint64
	BytesPerSecond   float64
	Load             float64
}

// MessageExtracted fires once per message the extractor publishes into the
// pool, before routing.
type MessageExtracted struct {
	SlotID pool.SlotID
	Kind   pool.Kind
}

func (MessageExtracted) isEvent() {}

// BufferOverflow fires when the ring buffer rejects an append.
type BufferOverflow struct {
	Attempted int
	Available int
}

func (BufferOverflow) isEvent() {}

// BufferWarning fires once when ring usage crosses the warning threshold
// on the way up.
type BufferWarning struct {
	UsagePercent float64
	Threshold    float64
}

func (BufferWarning) isEvent() {}

// WorkerError reports a non-fatal error surfaced by the extractor or
// protocol engine.
type WorkerError struct {
	Err error
}

func (WorkerError) isEvent() {}

// SystemReboot fires when the router observes a SYSTEM_INIT message.
type SystemReboot struct {
	Text      string
	Timestamp time.Time
}

func (SystemReboot) isEvent() {}

// DebuggerPacket fires when the router observes a DB_PACKET or
// DEBUGGER_FRAME message.
type DebuggerPacket struct {
	Bytes []byte
}

func (DebuggerPacket) isEvent() {}

// CommunicationLost fires when the protocol engine's 5-second silence
// watchdog trips.
type CommunicationLost struct{}

func (CommunicationLost) isEvent() {}

// PerformanceAlert fires on a watchdog grade transition, with a ≥5s
// cooldown per level (spec §4.7).
type PerformanceAlert struct {
	Level     Grade
	Previous  Grade
	Metrics   Metrics
	Text      string
	Timestamp time.Time
}

func (PerformanceAlert) isEvent() {}

// ModeChange fires when the emergency FSM actually applies a level
// transition (after it has persisted for hysteresis_ms).
type ModeChange struct {
	Prev      EmergencyLevel
	New       EmergencyLevel
	Trigger   string
	Reason    string
	Config    LevelConfig
	Timestamp time.Time
}

func (ModeChange) isEvent() {}
