// Copyright 2023 The go-firecell Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package firecell

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
)

// fastTimings keeps executor tests in the tens of milliseconds.
var fastTimings = Timings{
	Resolution:      0.001,
	Ignition:        0.005,
	TestloopPeriod:  0.02,
	HeartbeatPeriod: 1,
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Chips = testChips
	cfg.Timings = fastTimings
	cfg.Timeouts.ProgramThread = 2
	cfg.Timeouts.ScheduleThread = 2
	return cfg
}

func mustTimestamp(t *testing.T, total float64) *Timestamp {
	t.Helper()
	ts, err := TimestampFromSeconds(total)
	if err != nil {
		t.Fatal(err)
	}
	return &ts
}

func mustAddress(t *testing.T, raw string) Address {
	t.Helper()
	a, err := ParseAddress(testChips, raw)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// firedLog records ignition order.
type firedLog struct {
	mu    sync.Mutex
	addrs []string
	times []time.Time
}

func (f *firedLog) record(a Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addrs = append(f.addrs, a.String())
	f.times = append(f.times, time.Now())
}

func (f *firedLog) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.addrs...)
}

func runProgram(t *testing.T, p *Program) {
	t.Helper()
	done := make(chan bool, 1)
	if err := p.Run(func(natural bool) { done <- natural }); err != nil {
		t.Fatal(err)
	}
	select {
	case natural := <-done:
		if !natural {
			t.Fatal("program did not complete naturally")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("program did not finish")
	}
}

func TestProgramBuildPhase(t *testing.T) {
	hw, _ := testHardware(t)
	p := NewProgram("show", hw, fastTimings, timeutil.RealClock())
	if err := p.Add(NewFireCommand(mustAddress(t, "a0"), mustTimestamp(t, 0), "", "")); err != nil {
		t.Fatal(err)
	}
	if err := p.Finalize(); err != nil {
		t.Fatal(err)
	}
	if err := p.Finalize(); !errors.Is(err, ErrProgramFinalized) {
		t.Fatalf("double finalize: %v", err)
	}
	if err := p.Add(NewFireCommand(mustAddress(t, "a1"), mustTimestamp(t, 0), "", "")); !errors.Is(err, ErrProgramFinalized) {
		t.Fatalf("add after finalize: %v", err)
	}
}

func TestProgramRunRequiresFinalize(t *testing.T) {
	hw, _ := testHardware(t)
	p := NewProgram("show", hw, fastTimings, timeutil.RealClock())
	if err := p.Run(func(bool) {}); !errors.Is(err, ErrProgramNotFinalized) {
		t.Fatalf("run unfinalized: %v", err)
	}
}

func TestProgramExecutionOrder(t *testing.T) {
	hw, _ := testHardware(t)
	p := NewProgram("order", hw, fastTimings, timeutil.RealClock())
	log := &firedLog{}
	p.SetFiredCallback(log.record)
	// Added out of order on purpose; ties keep insertion order.
	for _, line := range []struct {
		addr  string
		total float64
	}{
		{"a1", 0.05},
		{"a0", 0.0},
		{"a2", 0.05},
	} {
		if err := p.Add(NewFireCommand(mustAddress(t, line.addr), mustTimestamp(t, line.total), "", "")); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Finalize(); err != nil {
		t.Fatal(err)
	}
	runProgram(t, p)
	got := log.snapshot()
	want := []string{"a0:1", "a1:1", "a2:1"}
	if len(got) != len(want) {
		t.Fatalf("fired: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fired: %v, want %v", got, want)
		}
	}
}

func TestProgramPauseShiftsOffsets(t *testing.T) {
	hw, _ := testHardware(t)
	p := NewProgram("pause", hw, fastTimings, timeutil.RealClock())
	log := &firedLog{}
	p.SetFiredCallback(log.record)
	if err := p.Add(NewFireCommand(mustAddress(t, "b0"), mustTimestamp(t, 0.1), "", "")); err != nil {
		t.Fatal(err)
	}
	if err := p.Finalize(); err != nil {
		t.Fatal(err)
	}
	done := make(chan bool, 1)
	start := time.Now()
	if err := p.Run(func(natural bool) { done <- natural }); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := p.Pause(); err != nil {
		t.Fatal(err)
	}
	const pauseFor = 300 * time.Millisecond
	time.Sleep(pauseFor)
	if err := p.Continue(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("program did not finish")
	}
	log.mu.Lock()
	firedAt := log.times[0]
	log.mu.Unlock()
	// The command was due at +100ms; the pause must push it out by roughly
	// the pause duration.
	if elapsed := firedAt.Sub(start); elapsed < 100*time.Millisecond+pauseFor-50*time.Millisecond {
		t.Fatalf("fired after %s, pause not honored", elapsed)
	}
}

func TestProgramPauseErrors(t *testing.T) {
	hw, _ := testHardware(t)
	p := NewProgram("idle", hw, fastTimings, timeutil.RealClock())
	if err := p.Pause(); !errors.Is(err, ErrProgramNotRunning) {
		t.Fatalf("pause before run: %v", err)
	}
	if err := p.Continue(); !errors.Is(err, ErrProgramNotRunning) {
		t.Fatalf("continue before run: %v", err)
	}
	if err := p.Stop(time.Second); !errors.Is(err, ErrProgramNotRunning) {
		t.Fatalf("stop before run: %v", err)
	}
}

func TestProgramStop(t *testing.T) {
	hw, _ := testHardware(t)
	p := NewProgram("long", hw, fastTimings, timeutil.RealClock())
	// Far in the future so the stop interrupts the wait.
	if err := p.Add(NewFireCommand(mustAddress(t, "c0"), mustTimestamp(t, 3600), "", "")); err != nil {
		t.Fatal(err)
	}
	if err := p.Finalize(); err != nil {
		t.Fatal(err)
	}
	done := make(chan bool, 1)
	if err := p.Run(func(natural bool) { done <- natural }); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := p.Stop(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	select {
	case natural := <-done:
		if natural {
			t.Fatal("stopped program reported natural completion")
		}
	case <-time.After(time.Second):
		t.Fatal("executor did not exit")
	}
	if p.Running() {
		t.Fatal("still running after stop")
	}
}

func TestProgramStopDuringPause(t *testing.T) {
	hw, _ := testHardware(t)
	p := NewProgram("paused", hw, fastTimings, timeutil.RealClock())
	if err := p.Add(NewFireCommand(mustAddress(t, "c0"), mustTimestamp(t, 3600), "", "")); err != nil {
		t.Fatal(err)
	}
	if err := p.Finalize(); err != nil {
		t.Fatal(err)
	}
	if err := p.Run(func(bool) {}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := p.Pause(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := p.Stop(2 * time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestFuseStatusProjection(t *testing.T) {
	hw, _ := testHardware(t)
	p := NewProgram("status", hw, fastTimings, timeutil.RealClock())
	if err := p.Add(NewFireCommand(mustAddress(t, "a4:2"), mustTimestamp(t, 0), "", "")); err != nil {
		t.Fatal(err)
	}
	status := p.FuseStatus()
	if status["a"][4] != FuseStaged || status["a"][5] != FuseStaged {
		t.Fatalf("staged slots: %v", status["a"])
	}
	if status["a"][3] != FuseNone || status["a"][6] != FuseNone {
		t.Fatalf("neighbor slots: %v", status["a"])
	}
	if err := p.Finalize(); err != nil {
		t.Fatal(err)
	}
	runProgram(t, p)
	status = p.FuseStatus()
	if status["a"][4] != FuseFired || status["a"][5] != FuseFired {
		t.Fatalf("fired slots: %v", status["a"])
	}
}

func TestEmptyFuseStatus(t *testing.T) {
	status := EmptyFuseStatus(testChips)
	if len(status) != len(testChips) {
		t.Fatalf("chips: %d", len(status))
	}
	total := 0
	for letter, slots := range status {
		if len(slots) != 16 {
			t.Fatalf("chip %s: %d slots", letter, len(slots))
		}
		for _, s := range slots {
			if s != FuseNone {
				t.Fatalf("chip %s: %v", letter, slots)
			}
			total++
		}
	}
	if total != len(testChips)*16 {
		t.Fatalf("total slots: %d", total)
	}
}

func TestProgramFromRecords(t *testing.T) {
	hw, _ := testHardware(t)
	cfg := testConfig()
	zero, one := 0, 1
	five := 5
	records := []CommandRecord{
		{DeviceID: "device0", Address: "a0", Hours: &zero, Minutes: &zero, Seconds: &one, Deciseconds: &zero, Name: "opener"},
		{DeviceID: "other", Address: "z9", Hours: &zero, Minutes: &zero, Seconds: &zero, Deciseconds: &zero},
		{DeviceID: "DEVICE0", Address: "b1:2", Hours: &zero, Minutes: &zero, Seconds: &zero, Deciseconds: &five},
	}
	p, err := ProgramFromRecords(records, "show", cfg, hw, timeutil.RealClock())
	if err != nil {
		t.Fatal(err)
	}
	// The foreign record is skipped, the rest sorted by offset.
	status := p.FuseStatus()
	if status["a"][0] != FuseStaged || status["b"][1] != FuseStaged || status["b"][2] != FuseStaged {
		t.Fatalf("status: %v", status)
	}
	if err := p.Add(NewFireCommand(mustAddress(t, "a1"), nil, "", "")); !errors.Is(err, ErrProgramFinalized) {
		t.Fatal("ingested program must come back finalized")
	}
}

func TestProgramFromRecordsRejects(t *testing.T) {
	hw, _ := testHardware(t)
	cfg := testConfig()
	zero := 0
	data := [][]CommandRecord{
		// Missing device id.
		{{Address: "a0", Hours: &zero, Minutes: &zero, Seconds: &zero, Deciseconds: &zero}},
		// Missing time field.
		{{DeviceID: "device0", Address: "a0", Hours: &zero, Minutes: &zero, Seconds: &zero}},
		// Missing address.
		{{DeviceID: "device0", Hours: &zero, Minutes: &zero, Seconds: &zero, Deciseconds: &zero}},
		// Bad address on a record for this device.
		{{DeviceID: "device0", Address: "q0", Hours: &zero, Minutes: &zero, Seconds: &zero, Deciseconds: &zero}},
	}
	for i, records := range data {
		_, err := ProgramFromRecords(records, "bad", cfg, hw, timeutil.RealClock())
		var progErr *InvalidProgramError
		if !errors.As(err, &progErr) {
			t.Fatalf("case %d: want InvalidProgramError, got %v", i, err)
		}
	}
}

func TestProgramFromRecordsBadTimestamp(t *testing.T) {
	hw, _ := testHardware(t)
	cfg := testConfig()
	zero, sixty := 0, 60
	records := []CommandRecord{
		{DeviceID: "device0", Address: "a0", Hours: &zero, Minutes: &sixty, Seconds: &zero, Deciseconds: &zero},
	}
	_, err := ProgramFromRecords(records, "bad", cfg, hw, timeutil.RealClock())
	var progErr *InvalidProgramError
	if !errors.As(err, &progErr) {
		t.Fatalf("want InvalidProgramError, got %v", err)
	}
}

func TestTestloopProgram(t *testing.T) {
	hw, _ := testHardware(t)
	cfg := testConfig()
	p, err := TestloopProgram(cfg, hw, timeutil.RealClock())
	if err != nil {
		t.Fatal(err)
	}
	status := p.FuseStatus()
	for _, letter := range testChips.Letters() {
		for fuse, s := range status[letter] {
			if s != FuseStaged {
				t.Fatalf("fuse %s%d: %s", letter, fuse, s)
			}
		}
	}
	if err := p.Finalize(); !errors.Is(err, ErrProgramFinalized) {
		t.Fatal("testloop program must come back finalized")
	}
}
