package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/parallax-p2/p2pipe/events"
	"github.com/parallax-p2/p2pipe/internal/logging"
)

// DefaultLevelConfigs returns a reasonable configuration record per
// emergency level (spec §4.7: "UI refresh interval, batching, enable
// pattern matching, enable COG parsing, enable logging, raw capture to
// disk"). Concrete numbers are a judgment call the spec leaves open;
// each step trades a lower-fidelity, lower-cost mode for survivability
// under load.
func DefaultLevelConfigs() map[events.EmergencyLevel]events.LevelConfig {
	return map[events.EmergencyLevel]events.LevelConfig{
		events.Normal: {
			UIRefreshInterval:     100 * time.Millisecond,
			BatchSize:             1,
			EnablePatternMatching: true,
			EnableCogParsing:      true,
			EnableLogging:         true,
			RawCaptureToDisk:      false,
		},
		events.EmergencyYellow: {
			UIRefreshInterval:     250 * time.Millisecond,
			BatchSize:             8,
			EnablePatternMatching: true,
			EnableCogParsing:      true,
			EnableLogging:         true,
			RawCaptureToDisk:      false,
		},
		events.EmergencyOrange: {
			UIRefreshInterval:     500 * time.Millisecond,
			BatchSize:             32,
			EnablePatternMatching: false,
			EnableCogParsing:      true,
			EnableLogging:         true,
			RawCaptureToDisk:      false,
		},
		events.EmergencyRed: {
			UIRefreshInterval:     1 * time.Second,
			BatchSize:             128,
			EnablePatternMatching: false,
			EnableCogParsing:      false,
			EnableLogging:         false,
			RawCaptureToDisk:      true,
		},
	}
}

// FSM is the hysteresis-gated emergency level state machine (spec §4.7).
type FSM struct {
	metrics    *Metrics
	out        chan<- events.Event
	log        *logging.Logger
	hysteresis time.Duration
	configs    map[events.EmergencyLevel]events.LevelConfig

	mu             sync.Mutex
	level          events.EmergencyLevel
	pendingLevel   events.EmergencyLevel
	pendingSince   time.Time
	pendingActive  bool
	manualOverride bool
	lastDropCount  uint64

	// onTransition, if set, is called with every applied ModeChange in
	// addition to it being emitted on out — lets a caller (the pipeline's
	// raw-capture arm/disarm) react to a transition without itself being a
	// consumer of the shared event channel.
	onTransition func(events.ModeChange)
}

// SetOnTransition attaches a callback invoked synchronously with every
// applied level transition, in addition to the ModeChange event emitted on
// out. fn runs while the FSM's mutex is held, so it must not call back into
// the FSM.
func (f *FSM) SetOnTransition(fn func(events.ModeChange)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTransition = fn
}

// NewFSM constructs an FSM starting at Normal. hysteresis <= 0 selects
// DefaultHysteresis; configs nil selects DefaultLevelConfigs().
func NewFSM(metrics *Metrics, out chan<- events.Event, log *logging.Logger, hysteresis time.Duration, configs map[events.EmergencyLevel]events.LevelConfig) *FSM {
	if hysteresis <= 0 {
		hysteresis = DefaultHysteresis
	}
	if configs == nil {
		configs = DefaultLevelConfigs()
	}
	return &FSM{
		metrics:    metrics,
		out:        out,
		log:        log,
		hysteresis: hysteresis,
		configs:    configs,
		level:      events.Normal,
	}
}

// Level returns the currently applied level and its configuration.
func (f *FSM) Level() (events.EmergencyLevel, events.LevelConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.level, f.configs[f.level]
}

// Request proposes a level raise or lowering, driven by the watchdog's
// grade sampling. The level is applied only once it has been requested
// continuously for the hysteresis duration (spec §4.7). A manual
// override suppresses all FSM-driven requests until cleared.
func (f *FSM) Request(level events.EmergencyLevel, trigger, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.manualOverride {
		return
	}
	if level == f.level {
		f.pendingActive = false
		return
	}
	if !f.pendingActive || f.pendingLevel != level {
		f.pendingLevel = level
		f.pendingSince = time.Now()
		f.pendingActive = true
		return
	}
	if time.Since(f.pendingSince) >= f.hysteresis {
		f.applyLocked(level, trigger, reason)
		f.pendingActive = false
	}
}

// RequestFromGrade maps a watchdog performance Grade onto the
// corresponding emergency level and requests it.
func (f *FSM) RequestFromGrade(grade events.Grade, reason string) {
	var level events.EmergencyLevel
	switch grade {
	case events.Red:
		level = events.EmergencyRed
	case events.Orange:
		level = events.EmergencyOrange
	case events.Yellow:
		level = events.EmergencyYellow
	default:
		level = events.Normal
	}
	f.Request(level, "watchdog_grade", reason)
}

// Override immediately applies level, bypassing hysteresis, and
// suppresses further FSM-driven requests until Clear is called.
func (f *FSM) Override(level events.EmergencyLevel, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manualOverride = true
	f.applyLocked(level, "manual_override", reason)
}

// ClearOverride resumes normal FSM-driven level requests.
func (f *FSM) ClearOverride() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manualOverride = false
}

func (f *FSM) applyLocked(level events.EmergencyLevel, trigger, reason string) {
	if level == f.level {
		return
	}
	prev := f.level
	f.level = level
	cfg := f.configs[level]
	change := events.ModeChange{
		Prev:      prev,
		New:       level,
		Trigger:   trigger,
		Reason:    reason,
		Config:    cfg,
		Timestamp: time.Now(),
	}
	f.emit(change)
	if f.onTransition != nil {
		f.onTransition(change)
	}
	if f.log != nil {
		f.log.Warn("watchdog: emergency level changed", "from", prev.String(), "to", level.String(), "trigger", trigger, "reason", reason)
	}
}

// RunRecovery drives the 10s recovery ticker until ctx is canceled (spec
// §4.7: "a recovery ticker every 10 s lowers the level by one step when
// the condition that triggered the raise no longer holds").
func (f *FSM) RunRecovery(ctx context.Context) error {
	ticker := time.NewTicker(RecoveryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.checkRecovery()
		}
	}
}

func (f *FSM) checkRecovery() {
	buffer := f.metrics.ringUsage()
	queueUsage := float64(f.metrics.queueSize()) / 100.0
	drops := f.metrics.Drops.Load()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.manualOverride {
		return
	}
	newDrops := drops - f.lastDropCount
	f.lastDropCount = drops

	switch f.level {
	case events.EmergencyRed:
		if newDrops == 0 {
			f.applyLocked(events.EmergencyOrange, "recovery", "no drops since last recovery check")
		}
	case events.EmergencyOrange:
		if buffer < 0.50 {
			f.applyLocked(events.EmergencyYellow, "recovery", "buffer usage below 50%")
		}
	case events.EmergencyYellow:
		if buffer < 0.30 && queueUsage < 0.50 {
			f.applyLocked(events.Normal, "recovery", "buffer below 30% and queue below 50%")
		}
	}
}

func (f *FSM) emit(ev events.Event) {
	if f.out == nil {
		return
	}
	select {
	case f.out <- ev:
	default:
		if f.log != nil {
			f.log.Warn("watchdog: event channel full, dropping mode change")
		}
	}
}
