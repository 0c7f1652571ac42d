// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package platform makes started devices reachable for block I/O. It stands
// where the kernel block layer would be and routes operations addressed by
// device number to the queue of the device.
package platform

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/memblk/internal/memblk/alldevs"
	"github.com/asch/memblk/internal/memblk/dev"
	"github.com/asch/memblk/internal/memblk/pipeline"
)

var (
	ErrAlreadyRegistered = errors.New("device already registered")
	ErrNotRegistered     = errors.New("device not registered")
)

// Registrar publishes and withdraws devices. Unregister returns only after
// all operations already accepted for the device completed.
type Registrar interface {
	Register(d *alldevs.Device) error
	Unregister(d *alldevs.Device) error
}

// Table is the in-process Registrar.
type Table struct {
	mu    sync.RWMutex
	disks map[dev.DevT]*alldevs.Device
}

func NewTable() *Table {
	return &Table{
		disks: make(map[dev.DevT]*alldevs.Device),
	}
}

func (t *Table) Register(d *alldevs.Device) error {
	id := d.DevT()

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.disks[id]; ok {
		return errors.Wrapf(ErrAlreadyRegistered, "%s", id)
	}
	t.disks[id] = d

	log.Debug().Stringer("dev", id).Msg("Disk registered.")

	return nil
}

// Unregister withdraws d and waits until its queue is drained.
func (t *Table) Unregister(d *alldevs.Device) error {
	id := d.DevT()

	t.mu.Lock()
	if t.disks[id] != d {
		t.mu.Unlock()
		return errors.Wrapf(ErrNotRegistered, "%s", id)
	}
	delete(t.disks, id)
	t.mu.Unlock()

	if d.Queue != nil {
		d.Queue.Close()
	}

	log.Debug().Stringer("dev", id).Msg("Disk unregistered.")

	return nil
}

// Submit routes op to the device registered as id. It never blocks, see
// pipeline.Queue.Submit.
func (t *Table) Submit(id dev.DevT, op *pipeline.Op) error {
	d, err := t.lookup(id)
	if err != nil {
		return err
	}

	return d.Queue.Submit(op)
}

// Do submits op to the device id and waits for its completion.
func (t *Table) Do(id dev.DevT, op *pipeline.Op) error {
	d, err := t.lookup(id)
	if err != nil {
		return err
	}

	return d.Queue.Do(op)
}

// Len returns number of registered devices.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.disks)
}

func (t *Table) lookup(id dev.DevT) (*alldevs.Device, error) {
	t.mu.RLock()
	d, ok := t.disks[id]
	t.mu.RUnlock()

	if !ok || d.Queue == nil {
		return nil, errors.Wrapf(ErrNotRegistered, "%s", id)
	}

	return d, nil
}
