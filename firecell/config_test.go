// Copyright 2023 The go-firecell Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package firecell

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if got := cfg.Timings.ResolutionD(); got != 10*time.Millisecond {
		t.Fatalf("resolution: %s", got)
	}
	if got := cfg.Timeouts.ProgramThreadD(); got != 2*time.Second {
		t.Fatalf("program thread timeout: %s", got)
	}
}

func TestLoadConfigOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firecell.json")
	body := `{"device_id": "sat1", "chip_addresses": {"a": 32}, "timings": {"resolution": 0.05, "ignition": 1, "testloop_period": 2, "heartbeat_period": 3}}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DeviceID != "sat1" {
		t.Fatalf("device id: %q", cfg.DeviceID)
	}
	if len(cfg.Chips) != 1 || cfg.Chips["a"] != 0x20 {
		t.Fatalf("chips: %v", cfg.Chips)
	}
	if got := cfg.Timings.ResolutionD(); got != 50*time.Millisecond {
		t.Fatalf("resolution: %s", got)
	}
	// Untouched sections keep their defaults.
	if cfg.Timeouts.Notification != 3 {
		t.Fatalf("timeouts: %+v", cfg.Timeouts)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firecell.json")
	data := []string{
		`{"device_id": ""}`,
		`{"chip_addresses": {"ab": 32}}`,
		`{"timings": {"resolution": 0, "ignition": 1, "testloop_period": 1, "heartbeat_period": 1}}`,
		`{not json`,
	}
	for _, body := range data {
		if err := os.WriteFile(path, []byte(body), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Fatalf("%s: expected an error", body)
		}
	}
}

func TestParseScheduleTimeStripsTimezone(t *testing.T) {
	for _, raw := range []string{
		"2031-05-01T20:30:00",
		"2031-05-01T20:30:00Z",
		"2031-05-01T20:30:00+05:00",
		"2031-05-01 20:30:00",
	} {
		got, err := parseScheduleTime(raw)
		if err != nil {
			t.Fatalf("%q: %s", raw, err)
		}
		want := time.Date(2031, 5, 1, 20, 30, 0, 0, time.Local)
		if !got.Equal(want) {
			t.Fatalf("%q: got %s", raw, got)
		}
	}
	if _, err := parseScheduleTime("soon"); err == nil {
		t.Fatal("expected an error")
	}
}
