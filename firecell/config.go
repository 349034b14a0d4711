// Copyright 2023 The go-firecell Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package firecell

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// Chips maps a chip tag (single lowercase letter) to its 7 bit I²C address.
type Chips map[string]byte

// Letters returns the chip tags in stable order.
func (c Chips) Letters() []string {
	letters := make([]string, 0, len(c))
	for letter := range c {
		letters = append(letters, letter)
	}
	sort.Strings(letters)
	return letters
}

// All enumerates every fuse address on every chip, chips in tag order, fuses
// 0..15 ascending.
func (c Chips) All() []Address {
	addrs := make([]Address, 0, len(c)*fusesPerChip)
	for _, letter := range c.Letters() {
		for number := 0; number < fusesPerChip; number++ {
			a, err := ParseAddress(c, fmt.Sprintf("%s%d", letter, number))
			if err != nil {
				// Unreachable for a well formed chip map.
				panic(err)
			}
			addrs = append(addrs, a)
		}
	}
	return addrs
}

// Timings holds the periods driving the executor and the heartbeat, in
// seconds as stored in the config file.
type Timings struct {
	Resolution      float64 `json:"resolution"`
	Ignition        float64 `json:"ignition"`
	TestloopPeriod  float64 `json:"testloop_period"`
	HeartbeatPeriod float64 `json:"heartbeat_period"`
}

// Timeouts holds the bounded-join and HTTP client limits, in seconds.
type Timeouts struct {
	ProgramThread  float64 `json:"program_thread"`
	ScheduleThread float64 `json:"schedule_thread"`
	Notification   float64 `json:"notification"`
}

// Config is the device configuration. It is loaded once at startup and not
// mutated afterwards.
type Config struct {
	DeviceID    string   `json:"device_id"`
	BusName     string   `json:"bus_name"`
	BusDevNode  string   `json:"bus_dev_node"`
	SimDataPath string   `json:"sim_data_path"`
	Chips       Chips    `json:"chip_addresses"`
	Timings     Timings  `json:"timings"`
	Timeouts    Timeouts `json:"timeouts"`
}

// DefaultConfig returns the configuration for the reference three chip
// board.
func DefaultConfig() *Config {
	return &Config{
		DeviceID:    "device0",
		BusName:     "",
		BusDevNode:  "/dev/i2c-1",
		SimDataPath: "simulation_data.json",
		Chips:       Chips{"a": 0x20, "b": 0x21, "c": 0x22},
		Timings: Timings{
			Resolution:      0.01,
			Ignition:        0.5,
			TestloopPeriod:  1.0,
			HeartbeatPeriod: 1.0,
		},
		Timeouts: Timeouts{
			ProgramThread:  2.0,
			ScheduleThread: 2.0,
			Notification:   3.0,
		},
	}
}

// LoadConfig reads path and overlays it on the defaults. A chip_addresses
// map in the file replaces the default chips rather than merging with them.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg.Chips = nil
	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if cfg.Chips == nil {
		cfg.Chips = DefaultConfig().Chips
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the firing core cannot run with.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device_id must not be empty")
	}
	if len(c.Chips) == 0 {
		return fmt.Errorf("chip_addresses must not be empty")
	}
	for letter := range c.Chips {
		if len(letter) != 1 || letter[0] < 'a' || letter[0] > 'z' {
			return fmt.Errorf("chip tag %q must be a single lowercase letter", letter)
		}
	}
	if c.Timings.Resolution <= 0 {
		return fmt.Errorf("timings.resolution must be positive")
	}
	if c.Timings.Ignition <= 0 {
		return fmt.Errorf("timings.ignition must be positive")
	}
	if c.Timings.TestloopPeriod <= 0 {
		return fmt.Errorf("timings.testloop_period must be positive")
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Resolution is the executor tick.
func (t Timings) ResolutionD() time.Duration { return seconds(t.Resolution) }

// IgnitionD is the on-time of one fire command.
func (t Timings) IgnitionD() time.Duration { return seconds(t.Ignition) }

// TestloopPeriodD is the spacing between testloop ignitions.
func (t Timings) TestloopPeriodD() time.Duration { return seconds(t.TestloopPeriod) }

// HeartbeatPeriodD is the pause between heartbeats to the master.
func (t Timings) HeartbeatPeriodD() time.Duration { return seconds(t.HeartbeatPeriod) }

// ProgramThreadD bounds the join in Program.Stop.
func (t Timeouts) ProgramThreadD() time.Duration { return seconds(t.ProgramThread) }

// ScheduleThreadD bounds the join in Controller.Unschedule.
func (t Timeouts) ScheduleThreadD() time.Duration { return seconds(t.ScheduleThread) }

// NotificationD is the HTTP client timeout towards the master.
func (t Timeouts) NotificationD() time.Duration { return seconds(t.Notification) }
