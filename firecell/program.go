// Copyright 2023 The go-firecell Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package firecell

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/timeutil"
)

// FuseState labels one fuse slot in a program's status projection.
type FuseState string

// Valid values for FuseState.
const (
	FuseNone   FuseState = "none"
	FuseStaged FuseState = "staged"
	FuseFiring FuseState = "firing"
	FuseFired  FuseState = "fired"
)

// FuseStatus maps every chip tag to the state of its 16 fuse slots.
type FuseStatus map[string][]FuseState

// EmptyFuseStatus returns an all-none projection for the chip set.
func EmptyFuseStatus(chips Chips) FuseStatus {
	status := make(FuseStatus, len(chips))
	for _, letter := range chips.Letters() {
		slots := make([]FuseState, fusesPerChip)
		for i := range slots {
			slots[i] = FuseNone
		}
		status[letter] = slots
	}
	return status
}

// Program level errors.
var (
	ErrProgramFinalized    = errors.New("program is finalized")
	ErrProgramNotFinalized = errors.New("program is not finalized")
	ErrProgramNotRunning   = errors.New("program is not running")
	ErrProgramNotPaused    = errors.New("program is not paused")
	ErrProgramStarted      = errors.New("program was already started")
)

// InvalidProgramError rejects a whole submitted command list.
type InvalidProgramError struct {
	Reason string
	Err    error
}

func (e *InvalidProgramError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid program: %s: %s", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid program: %s", e.Reason)
}

func (e *InvalidProgramError) Unwrap() error { return e.Err }

// HangingProgramThreadError reports an executor that did not exit within the
// stop timeout. The state is left as is; the operator must escalate.
type HangingProgramThreadError struct {
	Name string
}

func (e *HangingProgramThreadError) Error() string {
	return fmt.Sprintf("program %q: executor did not stop in time", e.Name)
}

// CommandRecord is one element of a submitted firing sequence, as it arrives
// from the master. The ms field carries the decisecond component 0..9; the
// wire name is historical.
type CommandRecord struct {
	DeviceID    string `json:"device_id"`
	Address     string `json:"address"`
	Hours       *int   `json:"h"`
	Minutes     *int   `json:"m"`
	Seconds     *int   `json:"s"`
	Deciseconds *int   `json:"ms"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Program is an ordered list of timed fire commands with a pausable
// executor. It is built, finalized once, then run at most once.
type Program struct {
	name string

	mu        sync.Mutex
	commands  []*FireCommand
	finalized bool

	// Written by the controller, polled by the executor.
	pauseFlag    atomic.Bool
	continueFlag atomic.Bool
	stopFlag     atomic.Bool

	started atomic.Bool
	done    chan struct{}

	hw       *Hardware
	tick     time.Duration
	ignition time.Duration
	clock    timeutil.Clock

	// Invoked from the executor when a command ignites.
	onFired func(Address)
}

// NewProgram returns an empty, non finalized program.
func NewProgram(name string, hw *Hardware, timings Timings, clock timeutil.Clock) *Program {
	return &Program{
		name:     name,
		done:     make(chan struct{}),
		hw:       hw,
		tick:     timings.ResolutionD(),
		ignition: timings.IgnitionD(),
		clock:    clock,
	}
}

// Name returns the program name.
func (p *Program) Name() string { return p.name }

// Add appends a command during the build phase.
func (p *Program) Add(cmd *FireCommand) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return ErrProgramFinalized
	}
	p.commands = append(p.commands, cmd)
	return nil
}

// Finalize closes the build phase. It stable-sorts the commands by timestamp
// so ties keep their insertion order. Finalization is one-way.
func (p *Program) Finalize() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return ErrProgramFinalized
	}
	sort.SliceStable(p.commands, func(i, j int) bool {
		return p.commands[i].Offset() < p.commands[j].Offset()
	})
	p.finalized = true
	return nil
}

// SetFiredCallback registers the ignition event sink. Must be called before
// Run.
func (p *Program) SetFiredCallback(fn func(Address)) {
	p.onFired = fn
}

// Run starts the executor. onComplete is invoked when the executor exits;
// natural is true when the program ran to its end rather than being stopped.
func (p *Program) Run(onComplete func(natural bool)) error {
	p.mu.Lock()
	finalized := p.finalized
	p.mu.Unlock()
	if !finalized {
		return ErrProgramNotFinalized
	}
	if !p.started.CompareAndSwap(false, true) {
		return ErrProgramStarted
	}
	go p.execute(onComplete)
	return nil
}

// Pause suspends the executor after the current tick. Time spent paused does
// not count against the remaining firing offsets.
func (p *Program) Pause() error {
	if !p.Running() {
		return ErrProgramNotRunning
	}
	p.pauseFlag.Store(true)
	return nil
}

// Continue resumes a paused executor.
func (p *Program) Continue() error {
	if !p.Running() {
		return ErrProgramNotRunning
	}
	if !p.pauseFlag.Load() {
		return ErrProgramNotPaused
	}
	p.continueFlag.Store(true)
	return nil
}

// Stop asks the executor to exit and waits for it up to timeout. On a hang
// the error is reported but the flag is cleared so a later Stop can try
// again.
func (p *Program) Stop(timeout time.Duration) error {
	if !p.Running() {
		return ErrProgramNotRunning
	}
	p.stopFlag.Store(true)
	defer p.stopFlag.Store(false)
	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return &HangingProgramThreadError{Name: p.name}
	}
}

// Running reports whether the executor was started and has not exited.
func (p *Program) Running() bool {
	if !p.started.Load() {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// execute is the program executor. It polls the control flags at tick
// resolution and fires each command once its offset is due, in list order.
// A late command does not lose its slot; the index advances by one per tick.
func (p *Program) execute(onComplete func(natural bool)) {
	start := p.clock.Now()
	idx := 0
	natural := false

	for !p.stopFlag.Load() {
		if p.pauseFlag.Load() {
			pausedAt := p.clock.Now()
			if !p.waitForContinue() {
				break
			}
			// Shift the origin so the pause does not consume program time.
			start = start.Add(p.clock.Now().Sub(pausedAt))
		}

		time.Sleep(p.tick)

		if idx >= len(p.commands) {
			natural = true
			break
		}
		cmd := p.commands[idx]
		if p.clock.Now().Sub(start) >= cmd.Offset() {
			if err := cmd.Fire(p.hw, p.ignition); err != nil {
				log.Printf("program %q: %s", p.name, err)
			} else if p.onFired != nil {
				p.onFired(cmd.Address())
			}
			idx++
		}
	}

	close(p.done)
	onComplete(natural)
}

// waitForContinue blocks until Continue or Stop. It returns false when the
// pause ended because of a stop.
func (p *Program) waitForContinue() bool {
	for !p.continueFlag.Load() {
		if p.stopFlag.Load() {
			p.pauseFlag.Store(false)
			p.continueFlag.Store(false)
			return false
		}
		time.Sleep(p.tick)
	}
	p.continueFlag.Store(false)
	p.pauseFlag.Store(false)
	return true
}

// FuseStatus projects the per chip fuse table from the commands. Later
// commands override earlier ones on the slots they cover.
func (p *Program) FuseStatus() FuseStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := EmptyFuseStatus(p.hw.Chips())
	for _, cmd := range p.commands {
		addr := cmd.Address()
		var label FuseState
		switch cmd.Status() {
		case Fired:
			label = FuseFired
		case Firing:
			label = FuseFiring
		default:
			label = FuseStaged
		}
		slots := status[addr.Letter()]
		for k := 0; k < addr.Range(); k++ {
			slots[addr.Number()+k] = label
		}
	}
	return status
}

// ProgramFromRecords validates a submitted command list into a finalized
// program. Records addressed to another device are skipped; any malformed
// record rejects the whole submission.
func ProgramFromRecords(records []CommandRecord, name string, cfg *Config, hw *Hardware, clock timeutil.Clock) (*Program, error) {
	p := NewProgram(name, hw, cfg.Timings, clock)
	for i, rec := range records {
		if rec.DeviceID == "" {
			return nil, &InvalidProgramError{Reason: fmt.Sprintf("record %d: missing device_id", i)}
		}
		if rec.Hours == nil || rec.Minutes == nil || rec.Seconds == nil || rec.Deciseconds == nil {
			return nil, &InvalidProgramError{Reason: fmt.Sprintf("record %d: missing time field", i)}
		}
		if rec.Address == "" {
			return nil, &InvalidProgramError{Reason: fmt.Sprintf("record %d: missing address", i)}
		}
		if !strings.EqualFold(rec.DeviceID, cfg.DeviceID) {
			continue
		}
		addr, err := ParseAddress(cfg.Chips, rec.Address)
		if err != nil {
			return nil, &InvalidProgramError{Reason: fmt.Sprintf("record %d", i), Err: err}
		}
		ts, err := NewTimestamp(*rec.Hours, *rec.Minutes, *rec.Seconds, *rec.Deciseconds)
		if err != nil {
			return nil, &InvalidProgramError{Reason: fmt.Sprintf("record %d", i), Err: err}
		}
		if err := p.Add(NewFireCommand(addr, &ts, rec.Name, rec.Description)); err != nil {
			return nil, err
		}
	}
	if err := p.Finalize(); err != nil {
		return nil, err
	}
	return p, nil
}

// TestloopProgram synthesizes a finalized program firing every known address
// in sequence, spaced by the testloop period.
func TestloopProgram(cfg *Config, hw *Hardware, clock timeutil.Clock) (*Program, error) {
	p := NewProgram("__TESTLOOP__", hw, cfg.Timings, clock)
	period := cfg.Timings.TestloopPeriod
	for i, addr := range cfg.Chips.All() {
		ts, err := TimestampFromSeconds(float64(i) * period)
		if err != nil {
			return nil, err
		}
		if err := p.Add(NewFireCommand(addr, &ts, "", "")); err != nil {
			return nil, err
		}
	}
	if err := p.Finalize(); err != nil {
		return nil, err
	}
	return p, nil
}
