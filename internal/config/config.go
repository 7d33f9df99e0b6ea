// Package config holds the pipeline's external configuration surface (spec
// §6, "Configuration surface"), loaded from a YAML file.
//
// Shape grounded on yanet2's coordinator/cfg.go: a single Config struct with
// yaml tags, a DefaultConfig() that seeds every field to the spec's stated
// default, and a LoadConfig(path) that starts from the default and
// unmarshals the file on top of it so an operator's YAML only has to name
// the fields it wants to override. Byte-count fields use
// github.com/c2h5oh/datasize.ByteSize (grounded on the balancer module's
// controlplane/cfg.go MemoryRequirements field) instead of bare ints, so a
// config file can write ring_capacity: 1MiB instead of a raw byte count.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/parallax-p2/p2pipe/pool"
	"github.com/parallax-p2/p2pipe/ring"
)

// Config is the pipeline's complete external configuration surface (spec
// §6). Every field corresponds to one enumerated configuration item; the
// only item from spec.md's original list intentionally absent is
// worker_path_search, which named an ordered list of candidate worker
// binaries to exec — SPEC_FULL.md §6 replaces worker bootstrap-by-exec with
// an in-process goroutine, leaving no Go equivalent to restore.
type Config struct {
	// RingCapacity is the ring buffer's byte capacity (spec: 65536..2097152,
	// default 1048576).
	RingCapacity datasize.ByteSize `yaml:"ring_capacity"`
	// RingWarningThreshold is the usage fraction (0.1..0.95) that triggers
	// a buffer_warning event (spec default 0.80).
	RingWarningThreshold float64 `yaml:"ring_warning_threshold"`

	// PoolSlots is the number of pool slots to allocate (spec default
	// 1000, max 1000). The pool allocates all of them at construction; it
	// does not start smaller and grow.
	PoolSlots int `yaml:"pool_slots"`
	// PoolSlotCapacity is the per-slot byte capacity (spec default 65536).
	PoolSlotCapacity datasize.ByteSize `yaml:"pool_slot_capacity"`

	// WatchdogYellow and WatchdogOrange are the load percentages (spec
	// defaults 80 and 95) at which the watchdog grades YELLOW/ORANGE.
	WatchdogYellow int `yaml:"watchdog_yellow"`
	WatchdogOrange int `yaml:"watchdog_orange"`

	// SustainableBps and BurstBps are the throughput figures the watchdog
	// normalizes throughput_ratio against, in bits/s (spec defaults
	// 2097152/4194304); the pipeline divides by 8 before handing the
	// sustainable rate to the watchdog, which works in bytes/s.
	SustainableBps datasize.ByteSize `yaml:"sustainable_bps"`
	BurstBps       datasize.ByteSize `yaml:"burst_bps"`

	// HysteresisMS is how long (in milliseconds) a requested emergency
	// level must persist before the FSM applies it (spec default 5000).
	HysteresisMS int `yaml:"hysteresis_ms"`
	// RecoveryCheckMS is the emergency FSM's step-down ticker period in
	// milliseconds (spec default 10000).
	RecoveryCheckMS int `yaml:"recovery_check_ms"`

	// MaxPendingRequests bounds the data manager's concurrently
	// outstanding device requests (SPEC_FULL.md §4.6).
	MaxPendingRequests int `yaml:"max_pending_requests"`

	// USBLoggingPath, if non-empty, enables capture of RX (and optionally
	// TX) bytes with monotonic timestamps to this file.
	USBLoggingPath string `yaml:"usb_logging_path"`
	// USBLoggingIncludeTX is passed to usblog.New as its includeTX flag.
	// The pipeline does not route outgoing protocol bytes through the USB
	// logger, so only the incoming USB stream is recorded either way.
	USBLoggingIncludeTX bool `yaml:"usb_logging_include_tx"`

	// CogLogDir, if non-empty, enables per-COG log export (spec §6) to
	// sibling files of the main log in this directory.
	CogLogDir string `yaml:"cog_log_dir"`

	// RawCaptureDir is where emergency-RED raw capture files are written
	// (spec §6, "<dir>/raw-capture-<ISO-8601>.bin").
	RawCaptureDir string `yaml:"raw_capture_dir"`
}

// DefaultConfig returns the configuration spec §6 names as the default for
// every field.
func DefaultConfig() *Config {
	return &Config{
		RingCapacity:         datasize.ByteSize(ring.DefaultCapacity),
		RingWarningThreshold: ring.DefaultWarningThreshold,

		PoolSlots:        pool.DefaultSlots,
		PoolSlotCapacity: datasize.ByteSize(pool.DefaultSlotCapacity),

		WatchdogYellow: 80,
		WatchdogOrange: 95,

		SustainableBps: 2 * datasize.MB,
		BurstBps:       4 * datasize.MB,

		HysteresisMS:    5000,
		RecoveryCheckMS: 10000,

		MaxPendingRequests: 10,

		CogLogDir:     "",
		RawCaptureDir: ".",
	}
}

// LoadConfig reads a YAML file at path and unmarshals it over
// DefaultConfig(), so a file only has to name the fields it overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration against spec §6's stated bounds.
func (c *Config) Validate() error {
	if c.RingCapacity < datasize.ByteSize(ring.MinCapacity) || c.RingCapacity > datasize.ByteSize(ring.MaxCapacity) {
		return fmt.Errorf("ring_capacity %s out of range [%d, %d]", c.RingCapacity, ring.MinCapacity, ring.MaxCapacity)
	}
	if c.RingWarningThreshold < 0.1 || c.RingWarningThreshold > 0.95 {
		return fmt.Errorf("ring_warning_threshold %v out of range [0.1, 0.95]", c.RingWarningThreshold)
	}
	if c.PoolSlots < 1 || c.PoolSlots > pool.MaxSlots {
		return fmt.Errorf("pool_slots %d out of range [1, %d]", c.PoolSlots, pool.MaxSlots)
	}
	if c.WatchdogYellow <= 0 || c.WatchdogOrange <= 0 || c.WatchdogYellow >= c.WatchdogOrange {
		return fmt.Errorf("watchdog_yellow (%d) must be positive and less than watchdog_orange (%d)", c.WatchdogYellow, c.WatchdogOrange)
	}
	return nil
}
