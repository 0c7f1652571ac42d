// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package dev contains the data model shared by the registry, the control
// dispatcher and the platform glue: device numbers, start parameters,
// device summaries and the lifecycle states.
package dev

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/pkg/errors"
)

const (
	// Requested minor meaning "assign the smallest free even minor".
	DynamicMinor = math.MaxUint32

	// Minor numbers are 20 bits wide, like on linux.
	MinorBits = 20
	MaxMinor  = 1 << MinorBits

	// Smallest logical block size we accept. Same as the linux sector.
	MinBlockSize = 512

	// Largest device size in bytes. Byte offsets must fit loff_t.
	MaxSize = math.MaxInt64
)

var (
	ErrAlreadyExists = errors.New("device already exists")
	ErrAlreadyInUse  = errors.New("underlying device already in use")
	ErrNotFound      = errors.New("device not found")
	ErrInvalidRange  = errors.New("invalid minor range")
	ErrInvalidParam  = errors.New("invalid start parameters")
	ErrNoFreeMinor   = errors.New("no free minor")
)

// DevT identifies a block device by its major and minor number.
type DevT struct {
	Major uint32
	Minor uint32
}

// MakeDevT is a shorthand for DevT{major, minor}.
func MakeDevT(major, minor uint32) DevT {
	return DevT{Major: major, Minor: minor}
}

func (d DevT) String() string {
	return fmt.Sprintf("%d:%d", d.Major, d.Minor)
}

// DataMinor returns the even minor of the pair minor belongs to.
func DataMinor(minor uint32) uint32 {
	return minor &^ 1
}

// LogMinor returns the odd minor paired with the data minor.
func LogMinor(minor uint32) uint32 {
	return DataMinor(minor) + 1
}

// StartParam describes the geometry of a device to start. Capacity is in
// logical blocks.
type StartParam struct {
	LogicalBS  uint32
	PhysicalBS uint32
	Capacity   uint64
}

// Validate checks block sizes and capacity. Zero PhysicalBS is accepted
// and means "same as logical".
func (p StartParam) Validate() error {
	if !isBlockSize(p.LogicalBS) {
		return errors.Wrapf(ErrInvalidParam, "logical block size %d", p.LogicalBS)
	}

	if p.PhysicalBS != 0 && (!isBlockSize(p.PhysicalBS) || p.PhysicalBS < p.LogicalBS) {
		return errors.Wrapf(ErrInvalidParam, "physical block size %d (logical %d)",
			p.PhysicalBS, p.LogicalBS)
	}

	if p.Capacity == 0 {
		return errors.Wrap(ErrInvalidParam, "zero capacity")
	}

	if p.Capacity > MaxSize/uint64(p.LogicalBS) {
		return errors.Wrapf(ErrInvalidParam, "capacity %d of %d byte blocks is too large",
			p.Capacity, p.LogicalBS)
	}

	return nil
}

// Normalize returns the parameters which are really used for the device.
func (p StartParam) Normalize() StartParam {
	if p.PhysicalBS == 0 {
		p.PhysicalBS = p.LogicalBS
	}

	return p
}

// Size returns the device size in bytes.
func (p StartParam) Size() uint64 {
	return p.Capacity * uint64(p.LogicalBS)
}

func isBlockSize(bs uint32) bool {
	return bs >= MinBlockSize && bits.OnesCount32(bs) == 1
}

// DiskData is the summary of one live device returned by device listing.
type DiskData struct {
	Major      uint32
	Minor      uint32
	Capacity   uint64
	LogicalBS  uint32
	PhysicalBS uint32
}
