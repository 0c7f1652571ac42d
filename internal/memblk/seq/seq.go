// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package for synchronized access to the control request counter. Every
// control request gets its own number which is attached to all log lines
// produced while handling it.
package seq

import (
	"sync"
)

var (
	id    uint64
	mutex sync.Mutex
)

// Returns the number the next request will get.
func Current() uint64 {
	mutex.Lock()
	defer mutex.Unlock()

	return id
}

// Returns currently unassigned number and increments, hence the id variable
// contains unassigned number again.
func Next() uint64 {
	mutex.Lock()
	defer mutex.Unlock()

	tmp := id
	id++

	return tmp
}
