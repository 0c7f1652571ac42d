// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package store

import "github.com/asch/memblk/internal/memblk/dev"

// Null implementation of Store. It does nothing but correctly: ranges are
// checked, data are never stored and buffers are left untouched. Useful for
// measuring the pipeline itself without any memory traffic. Otherwise
// useless.
type Null struct {
	Geometry
}

func NewNull(p dev.StartParam) *Null {
	return &Null{Geometry{BlockSize: p.LogicalBS, Capacity: p.Capacity}}
}

func (n *Null) ReadBlocks(block uint64, buf []byte) error {
	return n.check(block, buf)
}

func (n *Null) WriteBlocks(block uint64, buf []byte) error {
	return n.check(block, buf)
}

func (n *Null) ZeroBlocks(block uint64, count uint32) error {
	return n.CheckRange(block, count)
}

func (n *Null) Close() error {
	return nil
}
