// Copyright 2023 The go-firecell Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// firecell-query dumps the fuse controller chips' state over the bus: lock,
// fuse output registers and latched error flags. Works against the real bus
// and the simulator file alike.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pyrolink/go-firecell/firecell"
)

func mainImpl() error {
	configPath := flag.String("config", "", "path to the config file")
	fake := flag.Bool("fake", false, "force the simulated bus")
	clear := flag.Bool("clear", false, "clear latched error flags after reading")
	flag.Parse()

	if len(flag.Args()) != 0 {
		return fmt.Errorf("unexpected argument: %s", flag.Args())
	}

	cfg := firecell.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = firecell.LoadConfig(*configPath)
		if err != nil {
			return err
		}
	}

	bus, err := firecell.OpenBus(cfg, *fake)
	if err != nil {
		return err
	}
	defer bus.Close()
	hw := firecell.NewHardware(bus, cfg.Chips)

	locked, err := hw.IsLocked()
	if err != nil {
		return err
	}
	fmt.Printf("Locked: %t\n", locked)

	faults, err := hw.Errors()
	if err != nil {
		return err
	}
	for _, letter := range cfg.Chips.Letters() {
		chip := cfg.Chips[letter]
		fmt.Printf("Chip %s (%#02x):\n", letter, chip)
		for reg := byte(0x14); reg <= 0x17; reg++ {
			value, err := bus.ReadReg(chip, reg)
			if err != nil {
				return err
			}
			fmt.Printf("  reg %#02x: %#08b\n", reg, value)
		}
		fmt.Printf("  faults:")
		for fuse, faulted := range faults[letter] {
			if faulted {
				fmt.Printf(" %s%d", letter, fuse)
			}
		}
		fmt.Printf("\n")
	}

	if *clear {
		return hw.ClearErrorFlags()
	}
	return nil
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "\nfirecell-query: %s.\n", err)
		os.Exit(1)
	}
}
