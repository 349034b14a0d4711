// Copyright 2023 The go-firecell Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package firecell

import (
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
)

// State is the controller's program lifecycle state.
type State int32

// Valid values for State.
const (
	Unloaded State = iota
	Loaded
	Running
	Paused
	RunningTestloop
	PausedTestloop
	Scheduled
)

var stateNames = map[State]string{
	Unloaded:        "unloaded",
	Loaded:          "loaded",
	Running:         "running",
	Paused:          "paused",
	RunningTestloop: "running_testloop",
	PausedTestloop:  "paused_testloop",
	Scheduled:       "scheduled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// MarshalText makes the state JSON-encode as its wire name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Controller precondition errors. They are idempotent: a refused operation
// mutates nothing.
var (
	ErrNoProgramLoaded    = errors.New("no program loaded")
	ErrProgramLoaded      = errors.New("a program is loaded")
	ErrProgramRunning     = errors.New("a program is running")
	ErrProgramPaused      = errors.New("the program is paused")
	ErrNoProgramRunning   = errors.New("no program is running")
	ErrNoProgramScheduled = errors.New("no program is scheduled")
	ErrScheduleNotFuture  = errors.New("scheduled time is not in the future")
)

// ProgramScheduledError refuses an operation because a launch is pending.
type ProgramScheduledError struct {
	At time.Time
}

func (e *ProgramScheduledError) Error() string {
	return fmt.Sprintf("a program is scheduled for %s", e.At.Format("2006-01-02 15:04:05"))
}

// HangingScheduleThreadError reports a schedule worker that did not exit
// within the unschedule timeout.
type HangingScheduleThreadError struct {
	At time.Time
}

func (e *HangingScheduleThreadError) Error() string {
	return fmt.Sprintf("schedule worker for %s did not stop in time", e.At.Format("2006-01-02 15:04:05"))
}

// Controller owns the process wide firing state machine: at most one loaded
// program, at most one running testloop, at most one pending launch. Every
// transition is serialized by the interaction mutex; hardware energizing
// transitions additionally pass the interlock safety gate before the mutex
// is taken, so the mutex is never held across that bus read.
type Controller struct {
	hw    *Hardware
	cfg   *Config
	clock timeutil.Clock
	obs   Observer

	mu syncutil.InvariantMutex

	state       atomic.Int32
	program     atomic.Pointer[Program]
	testloop    atomic.Pointer[Program]
	scheduledAt atomic.Pointer[time.Time]

	unscheduleFlag atomic.Bool
	schedDone      chan struct{}
}

// NewController builds the controller in the Unloaded state. obs may be nil.
func NewController(hw *Hardware, cfg *Config, clock timeutil.Clock, obs Observer) *Controller {
	if obs == nil {
		obs = NopObserver{}
	}
	c := &Controller{hw: hw, cfg: cfg, clock: clock, obs: obs}
	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	return c
}

func (c *Controller) checkInvariants() {
	state := c.State()
	if (state == Unloaded) != (c.program.Load() == nil) {
		panic(fmt.Sprintf("state %s with program %v", state, c.program.Load()))
	}
	if state == Scheduled && c.scheduledAt.Load() == nil {
		panic("scheduled without a scheduled time")
	}
	if (state == RunningTestloop || state == PausedTestloop) && c.testloop.Load() == nil {
		panic(fmt.Sprintf("state %s without a testloop program", state))
	}
}

// The transition table. For each operation, the states it is refused from,
// in the order they are checked, with the error each one raises.
type gate struct {
	states []State
	err    func(c *Controller) error
}

func errIs(err error) func(*Controller) error {
	return func(*Controller) error { return err }
}

func errScheduled(c *Controller) error {
	at := c.scheduledAt.Load()
	if at == nil {
		return ErrNoProgramScheduled
	}
	return &ProgramScheduledError{At: *at}
}

var (
	runningStates       = []State{Running, RunningTestloop}
	pausedStates        = []State{Paused, PausedTestloop}
	runningPausedStates = []State{Running, RunningTestloop, Paused, PausedTestloop}
	notRunningStates    = []State{Loaded, Unloaded}
)

var transitionGates = map[string][]gate{
	"load": {
		{runningPausedStates, errIs(ErrProgramRunning)},
		{[]State{Scheduled}, errScheduled},
		{[]State{Loaded}, errIs(ErrProgramLoaded)},
	},
	"delete": {
		{runningPausedStates, errIs(ErrProgramRunning)},
		{[]State{Scheduled}, errScheduled},
		{[]State{Unloaded}, errIs(ErrNoProgramLoaded)},
	},
	"run": {
		{runningPausedStates, errIs(ErrProgramRunning)},
		{[]State{Scheduled}, errScheduled},
		{[]State{Unloaded}, errIs(ErrNoProgramLoaded)},
	},
	"pause": {
		{notRunningStates, errIs(ErrNoProgramRunning)},
		{pausedStates, errIs(ErrProgramPaused)},
		{[]State{Scheduled}, errScheduled},
	},
	"continue": {
		{notRunningStates, errIs(ErrNoProgramRunning)},
		{runningStates, errIs(ErrProgramRunning)},
		{[]State{Scheduled}, errScheduled},
	},
	"stop": {
		{notRunningStates, errIs(ErrNoProgramRunning)},
		{[]State{Scheduled}, errScheduled},
	},
	"schedule": {
		{runningPausedStates, errIs(ErrProgramRunning)},
		{[]State{Scheduled}, errScheduled},
		{[]State{Unloaded}, errIs(ErrNoProgramLoaded)},
	},
	"unschedule": {
		{runningPausedStates, errIs(ErrProgramRunning)},
		{notRunningStates, errIs(ErrNoProgramScheduled)},
	},
	"fire": {
		{runningPausedStates, errIs(ErrProgramRunning)},
		{[]State{Loaded}, errIs(ErrProgramLoaded)},
		{[]State{Scheduled}, errScheduled},
	},
	"testloop": {
		{runningPausedStates, errIs(ErrProgramRunning)},
		{[]State{Unloaded}, errIs(ErrNoProgramLoaded)},
		{[]State{Scheduled}, errScheduled},
	},
}

// gateTransition validates op against the current state. Caller holds the
// interaction mutex.
func (c *Controller) gateTransition(op string) error {
	state := c.State()
	for _, g := range transitionGates[op] {
		for _, s := range g.states {
			if state == s {
				return g.err(c)
			}
		}
	}
	return nil
}

// safetyGate refuses hardware energizing operations while the interlock is
// engaged. It runs before the interaction mutex is acquired.
func (c *Controller) safetyGate() error {
	locked, err := c.hw.IsLocked()
	if err != nil {
		return err
	}
	if locked {
		return ErrHardwareLocked
	}
	return nil
}

// LoadProgram validates the submitted records into a program and loads it.
func (c *Controller) LoadProgram(records []CommandRecord, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.gateTransition("load"); err != nil {
		return err
	}
	p, err := ProgramFromRecords(records, name, c.cfg, c.hw, c.clock)
	if err != nil {
		return err
	}
	p.SetFiredCallback(c.obs.Fired)
	c.program.Store(p)
	c.state.Store(int32(Loaded))
	return nil
}

// DeleteProgram discards the loaded program.
func (c *Controller) DeleteProgram() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.gateTransition("delete"); err != nil {
		return err
	}
	c.state.Store(int32(Unloaded))
	c.program.Store(nil)
	return nil
}

// RunProgram starts the loaded program.
func (c *Controller) RunProgram() error {
	if err := c.safetyGate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.gateTransition("run"); err != nil {
		return err
	}
	return c.runLoadedProgram()
}

// runLoadedProgram transitions Loaded to Running. Caller holds the
// interaction mutex and has validated the state.
func (c *Controller) runLoadedProgram() error {
	p := c.program.Load()
	if err := p.Run(c.programComplete); err != nil {
		return err
	}
	c.state.Store(int32(Running))
	return nil
}

// programComplete is invoked by the executor when it exits. Stop handles the
// state itself, so only a natural completion transitions here.
func (c *Controller) programComplete(natural bool) {
	if !natural {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if State(c.state.Load()) != Running {
		return
	}
	name := c.program.Load().Name()
	c.state.Store(int32(Unloaded))
	c.program.Store(nil)
	c.obs.ProgramFinished(name)
}

// PauseProgram suspends the running program or testloop.
func (c *Controller) PauseProgram() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.gateTransition("pause"); err != nil {
		return err
	}
	if err := c.active().Pause(); err != nil {
		return err
	}
	if State(c.state.Load()) == RunningTestloop {
		c.state.Store(int32(PausedTestloop))
	} else {
		c.state.Store(int32(Paused))
	}
	return nil
}

// ContinueProgram resumes a paused program or testloop. Remaining firing
// offsets are preserved across the pause.
func (c *Controller) ContinueProgram() error {
	if err := c.safetyGate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.gateTransition("continue"); err != nil {
		return err
	}
	if err := c.active().Continue(); err != nil {
		return err
	}
	if State(c.state.Load()) == PausedTestloop {
		c.state.Store(int32(RunningTestloop))
	} else {
		c.state.Store(int32(Running))
	}
	return nil
}

// StopProgram halts the running program or testloop and returns to Loaded.
// A stopped main program stays loaded but is not rerun: RunProgram and
// ScheduleProgram's launch then fail with ErrProgramStarted, as a program
// runs at most once. The join happens under the interaction mutex on purpose: no other
// transition may interleave with a stop.
func (c *Controller) StopProgram() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.gateTransition("stop"); err != nil {
		return err
	}
	if err := c.active().Stop(c.cfg.Timeouts.ProgramThreadD()); err != nil {
		return err
	}
	if testloop := State(c.state.Load()); testloop == RunningTestloop || testloop == PausedTestloop {
		c.testloop.Store(nil)
	}
	c.state.Store(int32(Loaded))
	return nil
}

// active returns the program the running/paused states refer to.
func (c *Controller) active() *Program {
	switch State(c.state.Load()) {
	case RunningTestloop, PausedTestloop:
		return c.testloop.Load()
	default:
		return c.program.Load()
	}
}

// ScheduleProgram arms a launch of the loaded program at the given ISO-8601
// time, interpreted as local wall clock (any timezone suffix is stripped).
func (c *Controller) ScheduleProgram(raw string) error {
	if err := c.safetyGate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.gateTransition("schedule"); err != nil {
		return err
	}
	at, err := parseScheduleTime(raw)
	if err != nil {
		return err
	}
	if !at.After(c.clock.Now()) {
		return ErrScheduleNotFuture
	}
	done := make(chan struct{})
	c.schedDone = done
	c.scheduledAt.Store(&at)
	c.state.Store(int32(Scheduled))
	go c.scheduleWorker(at, done)
	return nil
}

// scheduleWorker polls the wall clock until the launch time or a cancel.
func (c *Controller) scheduleWorker(at time.Time, done chan struct{}) {
	tick := c.cfg.Timings.ResolutionD()
	for {
		if c.unscheduleFlag.Load() {
			close(done)
			return
		}
		if !c.clock.Now().Before(at) {
			break
		}
		time.Sleep(tick)
	}
	// Signal the join first; the launch revalidates under the mutex, so a
	// racing unschedule wins cleanly.
	close(done)
	c.launchScheduled(at)
}

func (c *Controller) launchScheduled(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if State(c.state.Load()) != Scheduled {
		return
	}
	c.scheduledAt.Store(nil)
	c.schedDone = nil
	if err := c.runLoadedProgram(); err != nil {
		log.Printf("scheduled launch at %s: %s", at.Format("15:04:05"), err)
		c.state.Store(int32(Loaded))
		return
	}
	c.obs.ScheduledRunStarted(at)
}

// UnscheduleProgram cancels the pending launch. The join is bounded; a
// worker that does not exit is reported and the schedule stays armed.
func (c *Controller) UnscheduleProgram() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.gateTransition("unschedule"); err != nil {
		return err
	}
	at := c.scheduledAt.Load()
	c.unscheduleFlag.Store(true)
	select {
	case <-c.schedDone:
	case <-time.After(c.cfg.Timeouts.ScheduleThreadD()):
		return &HangingScheduleThreadError{At: *at}
	}
	c.unscheduleFlag.Store(false)
	c.schedDone = nil
	c.scheduledAt.Store(nil)
	c.state.Store(int32(Loaded))
	return nil
}

// Fire ignites a single address ad hoc. Permitted only while no program is
// loaded and no launch is pending, and always behind the safety gate.
func (c *Controller) Fire(raw string) error {
	if err := c.safetyGate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.gateTransition("fire"); err != nil {
		return err
	}
	addr, err := ParseAddress(c.cfg.Chips, raw)
	if err != nil {
		return err
	}
	cmd := NewFireCommand(addr, nil, "", "")
	if err := cmd.Fire(c.hw, c.cfg.Timings.IgnitionD()); err != nil {
		return err
	}
	c.obs.Fired(addr)
	return nil
}

// Testloop fires every known address in sequence while the loaded program
// stays untouched.
func (c *Controller) Testloop() error {
	if err := c.safetyGate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.gateTransition("testloop"); err != nil {
		return err
	}
	tl, err := TestloopProgram(c.cfg, c.hw, c.clock)
	if err != nil {
		return err
	}
	tl.SetFiredCallback(c.obs.Fired)
	c.testloop.Store(tl)
	if err := tl.Run(c.testloopComplete); err != nil {
		c.testloop.Store(nil)
		return err
	}
	c.state.Store(int32(RunningTestloop))
	return nil
}

func (c *Controller) testloopComplete(natural bool) {
	if !natural {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if State(c.state.Load()) != RunningTestloop {
		return
	}
	name := c.testloop.Load().Name()
	c.testloop.Store(nil)
	c.state.Store(int32(Loaded))
	c.obs.ProgramFinished(name)
}

// State returns the current lifecycle state. Snapshot reads take no
// interaction lock.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// ScheduledTime returns the pending launch time, nil when none is armed.
func (c *Controller) ScheduledTime() *time.Time {
	return c.scheduledAt.Load()
}

// ProgramName returns the loaded program's name, "" when unloaded.
func (c *Controller) ProgramName() string {
	if p := c.program.Load(); p != nil {
		return p.Name()
	}
	return ""
}

// FuseStatus projects the fuse table of whatever is active: the testloop
// while one runs, else the loaded program, else all none.
func (c *Controller) FuseStatus() FuseStatus {
	if tl := c.testloop.Load(); tl != nil {
		return tl.FuseStatus()
	}
	if p := c.program.Load(); p != nil {
		return p.FuseStatus()
	}
	return EmptyFuseStatus(c.cfg.Chips)
}

// parseScheduleTime accepts an ISO-8601 timestamp and strips any timezone:
// the wall clock fields are taken as local device time.
func parseScheduleTime(raw string) (time.Time, error) {
	layouts := []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
		time.RFC3339,
	}
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, raw, time.Local)
		if err != nil {
			continue
		}
		y, mo, d := t.Date()
		h, mi, s := t.Clock()
		return time.Date(y, mo, d, h, mi, s, t.Nanosecond(), time.Local), nil
	}
	return time.Time{}, fmt.Errorf("unparseable schedule time %q", raw)
}
