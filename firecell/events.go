// Copyright 2023 The go-firecell Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package firecell

import "time"

// Observer receives the controller's events. One observer is registered at
// construction; the set of events is fixed.
type Observer interface {
	// ProgramFinished fires when a program or testloop ran to its end.
	ProgramFinished(name string)
	// Fired fires when a command ignites, including ad-hoc fires.
	Fired(addr Address)
	// ScheduledRunStarted fires when a scheduled launch goes off.
	ScheduledRunStarted(at time.Time)
}

// NopObserver discards all events.
type NopObserver struct{}

// ProgramFinished implements Observer.
func (NopObserver) ProgramFinished(name string) {}

// Fired implements Observer.
func (NopObserver) Fired(addr Address) {}

// ScheduledRunStarted implements Observer.
func (NopObserver) ScheduledRunStarted(at time.Time) {}
