// Copyright 2023 The go-firecell Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package firecell

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"
)

// CommandStatus is the execution state of a fire command. Transitions are
// monotone: Staged, then Firing, then Fired.
type CommandStatus int32

// Valid values for CommandStatus.
const (
	Staged CommandStatus = iota
	Firing
	Fired
)

func (s CommandStatus) String() string {
	switch s {
	case Staged:
		return "staged"
	case Firing:
		return "firing"
	case Fired:
		return "fired"
	}
	return fmt.Sprintf("CommandStatus(%d)", int32(s))
}

// AlreadyFiredError reports a second Fire on the same command.
type AlreadyFiredError struct {
	Address Address
}

func (e *AlreadyFiredError) Error() string {
	return fmt.Sprintf("command %s already fired", e.Address)
}

// FireCommand is a one-shot timed ignition of a single address. A command
// belongs to exactly one program, or stands alone as an ad-hoc fire.
type FireCommand struct {
	addr        Address
	offset      *Timestamp // nil means fire immediately
	name        string
	description string
	status      atomic.Int32
}

// NewFireCommand stages a command. offset may be nil for an ad-hoc fire.
func NewFireCommand(addr Address, offset *Timestamp, name, description string) *FireCommand {
	return &FireCommand{
		addr:        addr,
		offset:      offset,
		name:        name,
		description: description,
	}
}

// Address returns the addressed fuses.
func (c *FireCommand) Address() Address { return c.addr }

// Timestamp returns the scheduled offset, nil for an ad-hoc command.
func (c *FireCommand) Timestamp() *Timestamp { return c.offset }

// Name returns the optional display name.
func (c *FireCommand) Name() string { return c.name }

// Description returns the optional description.
func (c *FireCommand) Description() string { return c.description }

// Status returns the current execution state.
func (c *FireCommand) Status() CommandStatus {
	return CommandStatus(c.status.Load())
}

// Offset is the scheduled offset as a duration, zero for an ad-hoc command.
func (c *FireCommand) Offset() time.Duration {
	if c.offset == nil {
		return 0
	}
	return c.offset.Offset()
}

// Fire ignites the addressed fuses exactly once: light, hold for ignition,
// unlight. The worker runs on its own; the caller does not block. Errors in
// any step are logged and the remaining steps still run, so a lit fuse is
// always released back to rest.
func (c *FireCommand) Fire(hw *Hardware, ignition time.Duration) error {
	if !c.status.CompareAndSwap(int32(Staged), int32(Firing)) {
		return &AlreadyFiredError{Address: c.addr}
	}
	go func() {
		if err := hw.Light(c.addr); err != nil {
			log.Printf("fire %s: light: %s", c.addr, err)
		}
		time.Sleep(ignition)
		if err := hw.Unlight(c.addr); err != nil {
			log.Printf("fire %s: unlight: %s", c.addr, err)
		}
		c.status.Store(int32(Fired))
	}()
	return nil
}
