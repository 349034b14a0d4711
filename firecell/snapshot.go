// Copyright 2023 The go-firecell Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package firecell

import "time"

// DeviceSnapshot is the state the heartbeat emitter streams to the master.
type DeviceSnapshot struct {
	DeviceID      string            `json:"device_id"`
	SystemTime    time.Time         `json:"system_time"`
	Locked        bool              `json:"locked"`
	ProgramState  State             `json:"program_state"`
	ScheduledTime *time.Time        `json:"scheduled_time"`
	ProgramName   string            `json:"program_name"`
	FuseStates    FuseStatus        `json:"fuse_states"`
	ErrorStates   map[string][]bool `json:"error_states"`
}

// Snapshot assembles the heartbeat view of the device. It takes no
// interaction lock; the error and lock reads serialize on the bus mutex
// only.
func (c *Controller) Snapshot() (*DeviceSnapshot, error) {
	locked, err := c.hw.IsLocked()
	if err != nil {
		return nil, err
	}
	errorStates, err := c.hw.Errors()
	if err != nil {
		return nil, err
	}
	return &DeviceSnapshot{
		DeviceID:      c.cfg.DeviceID,
		SystemTime:    c.clock.Now(),
		Locked:        locked,
		ProgramState:  c.State(),
		ScheduledTime: c.ScheduledTime(),
		ProgramName:   c.ProgramName(),
		FuseStates:    c.FuseStatus(),
		ErrorStates:   errorStates,
	}, nil
}
