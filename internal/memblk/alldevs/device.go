// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package alldevs

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/asch/memblk/internal/memblk/dev"
	"github.com/asch/memblk/internal/memblk/pipeline"
	"github.com/asch/memblk/internal/memblk/store"
)

// Device is the record of one live device. Identity fields never change
// after construction, the state moves forward only.
type Device struct {
	Major uint32

	// Always even. Minor+1 is the log device.
	Minor uint32

	// Underlying log and data devices.
	LDev dev.DevT
	DDev dev.DevT

	// Effective parameters.
	Param dev.StartParam

	Store store.Store
	Queue *pipeline.Queue

	state   dev.AtomicState
	destroy sync.Once
}

// NewDevice constructs the record. The device takes ownership of s and q.
func NewDevice(major, minor uint32, ldev, ddev dev.DevT, p dev.StartParam,
	s store.Store, q *pipeline.Queue) *Device {

	return &Device{
		Major: major,
		Minor: dev.DataMinor(minor),
		LDev:  ldev,
		DDev:  ddev,
		Param: p,
		Store: s,
		Queue: q,
	}
}

func (d *Device) DevT() dev.DevT {
	return dev.MakeDevT(d.Major, d.Minor)
}

func (d *Device) LogDevT() dev.DevT {
	return dev.MakeDevT(d.Major, dev.LogMinor(d.Minor))
}

func (d *Device) DiskData() dev.DiskData {
	return dev.DiskData{
		Major:      d.Major,
		Minor:      d.Minor,
		Capacity:   d.Param.Capacity,
		LogicalBS:  d.Param.LogicalBS,
		PhysicalBS: d.Param.PhysicalBS,
	}
}

func (d *Device) State() dev.State {
	return d.state.Load()
}

// Advance moves the device from state old to new. See dev.AtomicState.
func (d *Device) Advance(old, new dev.State) bool {
	return d.state.Advance(old, new)
}

// claims reports whether the device uses id as its underlying device.
func (d *Device) claims(id dev.DevT) bool {
	return d.LDev == id || d.DDev == id
}

// Destroy waits for operations in flight, then releases the queue and the
// store. Only the first call does anything.
func (d *Device) Destroy() error {
	var err error

	d.destroy.Do(func() {
		d.state.Terminate()

		if d.Queue != nil {
			d.Queue.Close()
		}

		if d.Store != nil {
			err = errors.Wrapf(d.Store.Close(), "close store of %s", d.DevT())
		}
	})

	return err
}
