// Copyright 2023 The go-firecell Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package firecell

import (
	"fmt"
	"io"
	"log"
	"os"

	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/host"
)

// Bus is the register level transport to the fuse controller chips. Reads
// and writes are single byte; serialization is the caller's job.
type Bus interface {
	io.Closer

	ReadReg(chip, reg byte) (byte, error)
	WriteReg(chip, reg, value byte) error
}

// BusOpenError reports a bus that could not be opened. Fatal at startup.
type BusOpenError struct {
	Name string
	Err  error
}

func (e *BusOpenError) Error() string {
	return fmt.Sprintf("bus %q: open: %s", e.Name, e.Err)
}

func (e *BusOpenError) Unwrap() error { return e.Err }

// BusReadError reports a failed register read.
type BusReadError struct {
	Name string
	Chip byte
	Reg  byte
	Err  error
}

func (e *BusReadError) Error() string {
	return fmt.Sprintf("bus %q: read %#02x/%#02x: %s", e.Name, e.Chip, e.Reg, e.Err)
}

func (e *BusReadError) Unwrap() error { return e.Err }

// BusWriteError reports a failed register write.
type BusWriteError struct {
	Name  string
	Chip  byte
	Reg   byte
	Value byte
	Err   error
}

func (e *BusWriteError) Error() string {
	return fmt.Sprintf("bus %q: write %#02x to %#02x/%#02x: %s",
		e.Name, e.Value, e.Chip, e.Reg, e.Err)
}

func (e *BusWriteError) Unwrap() error { return e.Err }

// I2CBus drives the real chips over an I²C adapter. Register access uses
// SMBus read-byte-data / write-byte-data framing.
type I2CBus struct {
	name string
	bus  i2c.BusCloser
}

// NewI2CBus wraps an already opened I²C bus, e.g. an i2ctest playback in
// tests.
func NewI2CBus(name string, bus i2c.BusCloser) *I2CBus {
	return &I2CBus{name: name, bus: bus}
}

// OpenI2CBus initializes the host and opens the named I²C bus ("" means the
// first available one).
func OpenI2CBus(name string) (*I2CBus, error) {
	if _, err := host.Init(); err != nil {
		return nil, &BusOpenError{Name: name, Err: err}
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, &BusOpenError{Name: name, Err: err}
	}
	return &I2CBus{name: name, bus: bus}, nil
}

// ReadReg implements Bus.
func (b *I2CBus) ReadReg(chip, reg byte) (byte, error) {
	var buf [1]byte
	if err := b.bus.Tx(uint16(chip), []byte{reg}, buf[:]); err != nil {
		return 0, &BusReadError{Name: b.name, Chip: chip, Reg: reg, Err: err}
	}
	return buf[0], nil
}

// WriteReg implements Bus.
func (b *I2CBus) WriteReg(chip, reg, value byte) error {
	if err := b.bus.Tx(uint16(chip), []byte{reg, value}, nil); err != nil {
		return &BusWriteError{Name: b.name, Chip: chip, Reg: reg, Value: value, Err: err}
	}
	return nil
}

// Close implements Bus.
func (b *I2CBus) Close() error {
	return b.bus.Close()
}

// OpenBus probes for the I²C device node and returns the real bus when it is
// present, the file backed simulator otherwise. The choice is made once;
// forceSim skips the probe.
func OpenBus(cfg *Config, forceSim bool) (Bus, error) {
	if !forceSim {
		if _, err := os.Stat(cfg.BusDevNode); err == nil {
			return OpenI2CBus(cfg.BusName)
		}
	}
	log.Printf("bus: %s not present, hardware is simulated", cfg.BusDevNode)
	return OpenSimBus(cfg.SimDataPath, cfg.Chips)
}
