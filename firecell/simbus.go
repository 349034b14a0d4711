// Copyright 2023 The go-firecell Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package firecell

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
)

const simRegisterCount = 32

// SimBus is the file backed bus simulator. Every register access reads,
// mutates and rewrites a JSON document mapping the decimal chip address to
// its 32 register bytes, so external tooling can watch the hardware state.
type SimBus struct {
	path string
	mu   sync.Mutex
}

// OpenSimBus opens the simulator over path, seeding the file with zeroed
// registers for every chip when it does not exist yet.
func OpenSimBus(path string, chips Chips) (*SimBus, error) {
	b := &SimBus{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		data := map[string][]byte{}
		for _, addr := range chips {
			data[strconv.Itoa(int(addr))] = make([]byte, simRegisterCount)
		}
		if err := b.store(data); err != nil {
			return nil, &BusOpenError{Name: path, Err: err}
		}
	} else if err != nil {
		return nil, &BusOpenError{Name: path, Err: err}
	}
	return b, nil
}

// ReadReg implements Bus.
func (b *SimBus) ReadReg(chip, reg byte) (byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := b.load()
	if err != nil {
		return 0, &BusReadError{Name: b.path, Chip: chip, Reg: reg, Err: err}
	}
	regs, ok := data[strconv.Itoa(int(chip))]
	if !ok || int(reg) >= len(regs) {
		err := fmt.Errorf("no chip at %#02x", chip)
		return 0, &BusReadError{Name: b.path, Chip: chip, Reg: reg, Err: err}
	}
	return regs[reg], nil
}

// WriteReg implements Bus.
func (b *SimBus) WriteReg(chip, reg, value byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := b.load()
	if err != nil {
		return &BusWriteError{Name: b.path, Chip: chip, Reg: reg, Value: value, Err: err}
	}
	regs, ok := data[strconv.Itoa(int(chip))]
	if !ok || int(reg) >= len(regs) {
		err := fmt.Errorf("no chip at %#02x", chip)
		return &BusWriteError{Name: b.path, Chip: chip, Reg: reg, Value: value, Err: err}
	}
	regs[reg] = value
	if err := b.store(data); err != nil {
		return &BusWriteError{Name: b.path, Chip: chip, Reg: reg, Value: value, Err: err}
	}
	return nil
}

// Close implements Bus. The data file is left behind for inspection.
func (b *SimBus) Close() error {
	return nil
}

func (b *SimBus) load() (map[string][]byte, error) {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		return nil, err
	}
	// The on-disk representation is a plain array of numbers, not base64.
	var doc map[string][]int
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	data := make(map[string][]byte, len(doc))
	for chip, values := range doc {
		regs := make([]byte, len(values))
		for i, v := range values {
			regs[i] = byte(v)
		}
		data[chip] = regs
	}
	return data, nil
}

func (b *SimBus) store(data map[string][]byte) error {
	doc := make(map[string][]int, len(data))
	for chip, regs := range data {
		values := make([]int, len(regs))
		for i, v := range regs {
			values[i] = int(v)
		}
		doc[chip] = values
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, raw, 0644)
}
