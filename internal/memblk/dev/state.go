// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dev

import "sync/atomic"

// State is the lifecycle state of a device record.
type State int32

const (
	Constructed State = iota
	Registered
	Active
	Unregistering
	Destroyed
)

var stateNames = [...]string{
	Constructed:   "constructed",
	Registered:    "registered",
	Active:        "active",
	Unregistering: "unregistering",
	Destroyed:     "destroyed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}

	return stateNames[s]
}

// AtomicState holds a State which only moves forward.
type AtomicState struct {
	v atomic.Int32
}

func (a *AtomicState) Load() State {
	return State(a.v.Load())
}

// Advance moves the state from old to new. It fails when the current state
// is not old or when new would be a step back.
func (a *AtomicState) Advance(old, new State) bool {
	if new <= old {
		return false
	}

	return a.v.CompareAndSwap(int32(old), int32(new))
}

// Terminate moves the state to Destroyed from wherever it is and returns the
// previous state.
func (a *AtomicState) Terminate() State {
	return State(a.v.Swap(int32(Destroyed)))
}
