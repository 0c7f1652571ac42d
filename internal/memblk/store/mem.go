// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package store

import (
	"sync"
	"sync/atomic"

	"github.com/asch/memblk/internal/memblk/dev"
)

const (
	// Memory is allocated in chunks of this size on the first write into
	// the chunk. Untouched chunks read as zeros and cost nothing, hence
	// huge sparse devices are cheap.
	chunkSize = 1 << 20
)

// Mem is an in-memory block array.
type Mem struct {
	Geometry

	blocksPerChunk uint64

	// Chunk index to *[]byte. Only touched chunks are present, so the
	// size of the table does not depend on the capacity.
	chunks sync.Map
	closed atomic.Bool
}

// NewMem returns memory store with geometry given by p.
func NewMem(p dev.StartParam) *Mem {
	perChunk := uint64(chunkSize) / uint64(p.LogicalBS)
	if perChunk == 0 {
		perChunk = 1
	}

	return &Mem{
		Geometry:       Geometry{BlockSize: p.LogicalBS, Capacity: p.Capacity},
		blocksPerChunk: perChunk,
	}
}

// Returns the memory of block, allocating its chunk if alloc is set. Nil
// means the block was never written.
func (m *Mem) block(block uint64, alloc bool) []byte {
	idx := block / m.blocksPerChunk

	v, ok := m.chunks.Load(idx)
	if !ok {
		if !alloc {
			return nil
		}

		b := make([]byte, m.blocksPerChunk*uint64(m.BlockSize))
		v, _ = m.chunks.LoadOrStore(idx, &b)
	}
	p := v.(*[]byte)

	off := (block % m.blocksPerChunk) * uint64(m.BlockSize)
	return (*p)[off : off+uint64(m.BlockSize)]
}

func (m *Mem) ReadBlocks(block uint64, buf []byte) error {
	if err := m.usable(block, buf); err != nil {
		return err
	}

	bs := int(m.BlockSize)
	for ; len(buf) > 0; block++ {
		if b := m.block(block, false); b != nil {
			copy(buf[:bs], b)
		} else {
			clear(buf[:bs])
		}
		buf = buf[bs:]
	}

	return nil
}

func (m *Mem) WriteBlocks(block uint64, buf []byte) error {
	if err := m.usable(block, buf); err != nil {
		return err
	}

	bs := int(m.BlockSize)
	for ; len(buf) > 0; block++ {
		copy(m.block(block, true), buf[:bs])
		buf = buf[bs:]
	}

	return nil
}

// Zeroing never allocates, blocks in untouched chunks are zero already.
func (m *Mem) ZeroBlocks(block uint64, count uint32) error {
	if m.closed.Load() {
		return ErrClosed
	}

	if err := m.CheckRange(block, count); err != nil {
		return err
	}

	for end := block + uint64(count); block < end; block++ {
		if b := m.block(block, false); b != nil {
			clear(b)
		}
	}

	return nil
}

// Close marks the store destroyed. Any access afterwards fails with
// ErrClosed and the memory goes away with the last reference to m.
func (m *Mem) Close() error {
	if m.closed.Swap(true) {
		return ErrClosed
	}

	return nil
}

func (m *Mem) usable(block uint64, buf []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}

	return m.check(block, buf)
}
