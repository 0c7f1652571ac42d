// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package store defines the backing store of a device, i.e. the array of
// logical blocks the pipeline reads and writes, together with the store
// implementations selectable by configuration.
package store

import (
	"github.com/pkg/errors"

	"github.com/asch/memblk/internal/memblk/dev"
)

var (
	ErrOutOfRange  = errors.New("block range out of device")
	ErrBadBuffer   = errors.New("buffer is not a multiple of the block size")
	ErrClosed      = errors.New("store is closed")
	ErrUnknownKind = errors.New("unknown store kind")
)

// Store is a block addressable data repository. Concurrent calls on
// disjoint block ranges must be safe. Overlapping concurrent writes are the
// caller's problem.
type Store interface {
	// Copies len(buf)/blockSize blocks starting at block into buf.
	ReadBlocks(block uint64, buf []byte) error

	// Copies buf into len(buf)/blockSize blocks starting at block.
	WriteBlocks(block uint64, buf []byte) error

	// Erases count blocks starting at block, i.e. they read as zeros
	// afterwards.
	ZeroBlocks(block uint64, count uint32) error

	// Destroys the store. No other call is allowed after Close.
	Close() error
}

// Factory creates the store for the device with data device id.
type Factory func(id dev.DevT, p dev.StartParam) (Store, error)

// Kind selects the store implementation.
type Kind string

const (
	KindMem  Kind = "mem"
	KindNull Kind = "null"
	KindS3   Kind = "s3"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindMem, KindNull, KindS3:
		return k, nil
	}

	return "", errors.Wrapf(ErrUnknownKind, "%q", s)
}

// Geometry is embedded by the stores for common range checking.
type Geometry struct {
	BlockSize uint32
	Capacity  uint64
}

// Blocks returns number of blocks in buf or error if buf is not made of
// whole blocks.
func (g Geometry) Blocks(buf []byte) (uint32, error) {
	if len(buf)%int(g.BlockSize) != 0 {
		return 0, errors.Wrapf(ErrBadBuffer, "length %d, block size %d", len(buf), g.BlockSize)
	}

	return uint32(len(buf) / int(g.BlockSize)), nil
}

// CheckRange returns error when [block, block+count) is not inside the
// device.
func (g Geometry) CheckRange(block uint64, count uint32) error {
	end := block + uint64(count)
	if end < block || end > g.Capacity {
		return errors.Wrapf(ErrOutOfRange, "blocks [%d, %d), capacity %d", block, end, g.Capacity)
	}

	return nil
}

func (g Geometry) check(block uint64, buf []byte) error {
	n, err := g.Blocks(buf)
	if err != nil {
		return err
	}

	return g.CheckRange(block, n)
}
