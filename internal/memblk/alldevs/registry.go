// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package alldevs keeps the set of all live devices ordered by minor number.
//
// Simple queries take the lock themselves. Compound operations, like
// checking the identity and inserting the record, run in one transaction
// via Update() or View() so nobody can interleave.
package alldevs

import (
	"math"
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/asch/memblk/internal/memblk/dev"
)

// Unlimited lets ListRange collect every device in the range.
const Unlimited = -1

const btreeDegree = 16

// Registry of all live devices.
type Registry struct {
	mu sync.RWMutex
	tx Tx
}

// Tx gives access to the registry inside Update() or View(). It must not
// escape the function it was passed to.
type Tx struct {
	devs *btree.BTreeG[*Device]
}

func byMinor(a, b *Device) bool {
	return a.Minor < b.Minor
}

func pivot(minor uint32) *Device {
	return &Device{Minor: minor}
}

// New returns empty registry.
func New() *Registry {
	return &Registry{
		tx: Tx{devs: btree.NewG(btreeDegree, byMinor)},
	}
}

// Update runs fn with the registry locked for writing.
func (r *Registry) Update(fn func(tx *Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return fn(&r.tx)
}

// View runs fn with the registry locked for reading.
func (r *Registry) View(fn func(tx *Tx) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return fn(&r.tx)
}

func (r *Registry) IsIdentityInUse(id dev.DevT) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.tx.IsIdentityInUse(id)
}

func (r *Registry) Insert(d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.tx.Insert(d)
}

func (r *Registry) Remove(minor uint32) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.tx.Remove(minor)
}

func (r *Registry) Lookup(minor uint32) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.tx.Lookup(minor)
}

func (r *Registry) ListRange(min, max uint32, limit int) ([]*Device, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.tx.ListRange(min, max, limit)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.tx.Count()
}

func (r *Registry) AllocateFreeMinor() (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.tx.AllocateFreeMinor()
}

// All returns snapshot of every registered device in minor order.
func (r *Registry) All() []*Device {
	devs, _, _ := r.ListRange(0, math.MaxUint32, Unlimited)
	return devs
}

// IsIdentityInUse reports whether some registered device is built on top of
// id, either as its log or its data device.
func (tx *Tx) IsIdentityInUse(id dev.DevT) bool {
	used := false

	tx.devs.Ascend(func(d *Device) bool {
		used = d.claims(id)
		return !used
	})

	return used
}

// Insert adds d. It fails when the minor is taken or when any of the
// underlying devices of d is already used by another record.
func (tx *Tx) Insert(d *Device) error {
	if d.Minor%2 != 0 || d.Minor >= dev.MaxMinor {
		return errors.Wrapf(dev.ErrInvalidParam, "minor %d", d.Minor)
	}

	if tx.devs.Has(d) {
		return errors.Wrapf(dev.ErrAlreadyExists, "minor %d", d.Minor)
	}

	if tx.IsIdentityInUse(d.LDev) {
		return errors.Wrapf(dev.ErrAlreadyInUse, "log device %s", d.LDev)
	}

	if tx.IsIdentityInUse(d.DDev) {
		return errors.Wrapf(dev.ErrAlreadyInUse, "data device %s", d.DDev)
	}

	tx.devs.ReplaceOrInsert(d)

	return nil
}

// Remove deletes and returns the record with the given minor.
func (tx *Tx) Remove(minor uint32) (*Device, bool) {
	return tx.devs.Delete(pivot(minor))
}

func (tx *Tx) Lookup(minor uint32) (*Device, bool) {
	return tx.devs.Get(pivot(minor))
}

// ListRange returns records with minor in [min, max) in ascending order,
// at most limit of them unless limit is Unlimited. The second value is the
// number of all records in the range regardless of the limit.
func (tx *Tx) ListRange(min, max uint32, limit int) ([]*Device, int, error) {
	if min >= max {
		return nil, 0, errors.Wrapf(dev.ErrInvalidRange, "[%d, %d)", min, max)
	}

	var devs []*Device
	total := 0

	tx.devs.AscendRange(pivot(min), pivot(max), func(d *Device) bool {
		if limit == Unlimited || len(devs) < limit {
			devs = append(devs, d)
		}
		total++

		return true
	})

	return devs, total, nil
}

func (tx *Tx) Count() int {
	return tx.devs.Len()
}

// AllocateFreeMinor returns the smallest even minor with no record.
func (tx *Tx) AllocateFreeMinor() (uint32, error) {
	var free uint32

	tx.devs.Ascend(func(d *Device) bool {
		if d.Minor != free {
			return false
		}
		free += 2

		return true
	})

	if free >= dev.MaxMinor {
		return 0, dev.ErrNoFreeMinor
	}

	return free, nil
}
