// Copyright 2023 The go-firecell Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// firecell is the on-device firing daemon: it drives the fuse controller
// chips over I²C (or the file backed simulator), executes firing programs
// and exposes the HTTP surface the master talks to.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"runtime/pprof"

	"github.com/jacobsa/timeutil"
	"github.com/maruel/interrupt"

	"github.com/pyrolink/go-firecell/firecell"
)

func defaultConfigPath() string {
	usr, err := user.Current()
	if err != nil {
		return ""
	}
	return filepath.Join(usr.HomeDir, ".config", "firecell", "firecell.json")
}

func mainImpl() error {
	cpuprofile := flag.String("cpuprofile", "", "dump CPU profile in file")
	port := flag.Int("port", 5000, "http port to listen on")
	configPath := flag.String("config", defaultConfigPath(), "path to the config file")
	writeConfig := flag.Bool("writeConfig", false, "write the default config file and exit")
	fake := flag.Bool("fake", false, "force the simulated bus even when the device node exists")
	flag.Parse()

	if len(flag.Args()) != 0 {
		return fmt.Errorf("unexpected argument: %s", flag.Args())
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	if *writeConfig {
		if err := os.MkdirAll(filepath.Dir(*configPath), 0700); err != nil {
			return err
		}
		data, err := json.MarshalIndent(firecell.DefaultConfig(), "", "  ")
		if err != nil {
			return err
		}
		data = append(data, '\n')
		return os.WriteFile(*configPath, data, 0600)
	}

	cfg := firecell.DefaultConfig()
	if _, err := os.Stat(*configPath); err == nil {
		cfg, err = firecell.LoadConfig(*configPath)
		if err != nil {
			return err
		}
	}

	interrupt.HandleCtrlC()

	bus, err := firecell.OpenBus(cfg, *fake)
	if err != nil {
		return err
	}
	defer bus.Close()

	hw := firecell.NewHardware(bus, cfg.Chips)
	notifier := newNotifier(cfg)
	ctrl := firecell.NewController(hw, cfg, timeutil.RealClock(), notifier)
	notifier.setController(ctrl)

	startServer(ctrl, hw, notifier, cfg, *port)
	log.Printf("device %s up, %d chips, listening on :%d", cfg.DeviceID, len(cfg.Chips), *port)

	// Returns on Ctrl-C or when the deployed binary is replaced.
	return watchFile()
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "\nFailed: %s\n", err)
		os.Exit(1)
	}
}
