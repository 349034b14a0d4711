// Copyright 2023 The go-firecell Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package firecelltest implements an in-memory fuse controller bank for
// tests that need free-form register traffic rather than a scripted
// playback.
package firecelltest

import (
	"fmt"
	"sync"
)

// Op is one recorded register access.
type Op struct {
	Write bool
	Chip  byte
	Reg   byte
	Value byte
}

func (o Op) String() string {
	if o.Write {
		return fmt.Sprintf("W %#02x/%#02x=%#02x", o.Chip, o.Reg, o.Value)
	}
	return fmt.Sprintf("R %#02x/%#02x=%#02x", o.Chip, o.Reg, o.Value)
}

// MemBus is a firecell.Bus backed by in-memory registers. It records every
// access and can inject failures.
type MemBus struct {
	mu   sync.Mutex
	regs map[byte]*[32]byte
	log  []Op

	// When set, the corresponding operations fail with this error.
	ReadErr  error
	WriteErr error
}

// NewMemBus returns a bus with zeroed registers for each chip address.
func NewMemBus(chips ...byte) *MemBus {
	regs := make(map[byte]*[32]byte, len(chips))
	for _, chip := range chips {
		regs[chip] = &[32]byte{}
	}
	return &MemBus{regs: regs}
}

// ReadReg implements firecell.Bus.
func (b *MemBus) ReadReg(chip, reg byte) (byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ReadErr != nil {
		return 0, b.ReadErr
	}
	regs, ok := b.regs[chip]
	if !ok {
		return 0, fmt.Errorf("no chip at %#02x", chip)
	}
	value := regs[reg]
	b.log = append(b.log, Op{Chip: chip, Reg: reg, Value: value})
	return value, nil
}

// WriteReg implements firecell.Bus.
func (b *MemBus) WriteReg(chip, reg, value byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.WriteErr != nil {
		return b.WriteErr
	}
	regs, ok := b.regs[chip]
	if !ok {
		return fmt.Errorf("no chip at %#02x", chip)
	}
	regs[reg] = value
	b.log = append(b.log, Op{Write: true, Chip: chip, Reg: reg, Value: value})
	return nil
}

// Close implements firecell.Bus.
func (b *MemBus) Close() error {
	return nil
}

// Reg returns the current value of a register.
func (b *MemBus) Reg(chip, reg byte) byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regs[chip][reg]
}

// SetReg presets a register value without recording an access.
func (b *MemBus) SetReg(chip, reg, value byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[chip][reg] = value
}

// Log returns a copy of all recorded accesses.
func (b *MemBus) Log() []Op {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Op(nil), b.log...)
}

// Writes returns only the recorded writes.
func (b *MemBus) Writes() []Op {
	b.mu.Lock()
	defer b.mu.Unlock()
	var writes []Op
	for _, op := range b.log {
		if op.Write {
			writes = append(writes, op)
		}
	}
	return writes
}

// ResetLog discards the recorded accesses.
func (b *MemBus) ResetLog() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = nil
}
