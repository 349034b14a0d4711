// Copyright 2023 The go-firecell Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package api holds the wire types exchanged with the coordinating master.
package api

import (
	"time"
)

// Heartbeat is POSTed to the master's /master/heartbeat endpoint at the
// configured period. Secret authenticates the device; the master verifies
// it as a shared-secret MAC over the device id.
type Heartbeat struct {
	DeviceID      string              `json:"device_id"`
	Secret        []byte              `json:"secret,omitempty"`
	SystemTime    time.Time           `json:"system_time"`
	Locked        bool                `json:"locked"`
	ProgramState  string              `json:"program_state"`
	ScheduledTime *time.Time          `json:"scheduled_time"`
	ProgramName   string              `json:"program_name"`
	FuseStates    map[string][]string `json:"fuse_states"`
	ErrorStates   map[string][]bool   `json:"error_states"`
}

// RegisterRequest arrives when a master claims this device.
type RegisterRequest struct {
	Port   int    `json:"port"`
	Secret []byte `json:"secret,omitempty"`
}

// RegisterResponse acknowledges the claim.
type RegisterResponse struct {
	DeviceID string `json:"device_id"`
	NumChips int    `json:"n_chips"`
}

// Event is a one-shot notification to the master: a program finished, an
// address fired, a scheduled run started.
type Event struct {
	DeviceID string    `json:"device_id"`
	Kind     string    `json:"kind"`
	Program  string    `json:"program,omitempty"`
	Address  string    `json:"address,omitempty"`
	At       time.Time `json:"at"`
}

// Event kinds.
const (
	EventProgramFinished     = "program-finished"
	EventFired               = "fired"
	EventScheduledRunStarted = "scheduled-run-started"
)
