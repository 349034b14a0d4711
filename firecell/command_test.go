// Copyright 2023 The go-firecell Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package firecell

import (
	"errors"
	"testing"
	"time"
)

func waitStatus(t *testing.T, c *FireCommand, want CommandStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("status stuck at %s, want %s", c.Status(), want)
}

func TestFireCommand(t *testing.T) {
	hw, bus := testHardware(t)
	a, err := ParseAddress(testChips, "a0")
	if err != nil {
		t.Fatal(err)
	}
	cmd := NewFireCommand(a, nil, "salute", "")
	if cmd.Status() != Staged {
		t.Fatalf("status: %s", cmd.Status())
	}
	if err := cmd.Fire(hw, 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if cmd.Status() == Staged {
		t.Fatalf("status after fire: %s", cmd.Status())
	}
	waitStatus(t, cmd, Fired)

	writes := bus.Writes()
	if len(writes) != 2 {
		t.Fatalf("writes: %v", writes)
	}
	if writes[0].Reg != 0x14 || writes[0].Value != 0x01 {
		t.Fatalf("light write: %s", writes[0])
	}
	if writes[1].Reg != 0x14 || writes[1].Value != 0x00 {
		t.Fatalf("unlight write: %s", writes[1])
	}
	if got := bus.Reg(0x20, 0x14); got != 0 {
		t.Fatalf("fuse register left at %#02x", got)
	}
}

func TestFireCommandOnce(t *testing.T) {
	hw, _ := testHardware(t)
	a, err := ParseAddress(testChips, "b3")
	if err != nil {
		t.Fatal(err)
	}
	cmd := NewFireCommand(a, nil, "", "")
	if err := cmd.Fire(hw, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	var fired *AlreadyFiredError
	if err := cmd.Fire(hw, time.Millisecond); !errors.As(err, &fired) {
		t.Fatalf("want AlreadyFiredError, got %v", err)
	}
	waitStatus(t, cmd, Fired)
	if err := cmd.Fire(hw, time.Millisecond); !errors.As(err, &fired) {
		t.Fatalf("want AlreadyFiredError after completion, got %v", err)
	}
}

// A bus failure mid-fire must not strand the command: every step still runs
// and the command completes.
func TestFireCommandSwallowsBusErrors(t *testing.T) {
	hw, bus := testHardware(t)
	bus.ReadErr = errors.New("nack")
	a, err := ParseAddress(testChips, "a2")
	if err != nil {
		t.Fatal(err)
	}
	cmd := NewFireCommand(a, nil, "", "")
	if err := cmd.Fire(hw, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, cmd, Fired)
}

func TestFireCommandOffset(t *testing.T) {
	ts, err := NewTimestamp(0, 0, 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	a, err := ParseAddress(testChips, "a0")
	if err != nil {
		t.Fatal(err)
	}
	cmd := NewFireCommand(a, &ts, "", "")
	if got := cmd.Offset(); got != 2500*time.Millisecond {
		t.Fatalf("offset: %s", got)
	}
	adhoc := NewFireCommand(a, nil, "", "")
	if got := adhoc.Offset(); got != 0 {
		t.Fatalf("ad-hoc offset: %s", got)
	}
}
