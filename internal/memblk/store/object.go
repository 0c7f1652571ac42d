// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package store

import (
	"math"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/asch/memblk/internal/memblk/dev"
	"github.com/asch/memblk/internal/memblk/store/objproxy"
)

// Object stores every block as a separate object in an object backend
// reached through the proxy. Key of a block is the device minor in the
// upper 32 bits and the block number in the lower 32 bits. Blocks without
// an object read as zeros.
type Object struct {
	Geometry

	proxy  *objproxy.ObjectProxy
	base   int64
	closed atomic.Bool
}

// NewObject returns the object store for device id. Capacity is limited to
// 2^32 blocks by the key layout.
func NewObject(proxy *objproxy.ObjectProxy, id dev.DevT, p dev.StartParam) (*Object, error) {
	if p.Capacity > math.MaxUint32 {
		return nil, errors.Wrapf(dev.ErrInvalidParam, "capacity %d too big for object store", p.Capacity)
	}

	o := Object{
		Geometry: Geometry{BlockSize: p.LogicalBS, Capacity: p.Capacity},
		proxy:    proxy,
		base:     int64(id.Minor) << 32,
	}

	return &o, nil
}

func (o *Object) key(block uint64) int64 {
	return o.base + int64(block)
}

// Downloads all the blocks in parallel. Parallelism is bounded by the proxy
// downloaders.
func (o *Object) ReadBlocks(block uint64, buf []byte) error {
	if err := o.usable(block, buf); err != nil {
		return err
	}

	bs := int(o.BlockSize)

	var g errgroup.Group
	for ; len(buf) > 0; block++ {
		b, key := buf[:bs], o.key(block)
		g.Go(func() error {
			err := o.proxy.Download(key, b, 0, true)
			if errors.Is(err, objproxy.ErrNoSuchObject) {
				clear(b)
				return nil
			}
			return err
		})
		buf = buf[bs:]
	}

	return g.Wait()
}

func (o *Object) WriteBlocks(block uint64, buf []byte) error {
	if err := o.usable(block, buf); err != nil {
		return err
	}

	bs := int(o.BlockSize)

	var g errgroup.Group
	for ; len(buf) > 0; block++ {
		b, key := buf[:bs], o.key(block)
		g.Go(func() error {
			return o.proxy.Upload(key, b, true)
		})
		buf = buf[bs:]
	}

	return g.Wait()
}

// Deleted object reads as zeros. Deletes go through the low priority
// channel.
func (o *Object) ZeroBlocks(block uint64, count uint32) error {
	if o.closed.Load() {
		return ErrClosed
	}

	if err := o.CheckRange(block, count); err != nil {
		return err
	}

	var g errgroup.Group
	for end := block + uint64(count); block < end; block++ {
		key := o.key(block)
		g.Go(func() error {
			return o.proxy.Delete(key, false)
		})
	}

	return g.Wait()
}

// Close deletes all objects of the device.
func (o *Object) Close() error {
	if o.closed.Swap(true) {
		return ErrClosed
	}

	return o.proxy.Instance.DeleteRange(o.base, o.key(o.Capacity))
}

func (o *Object) usable(block uint64, buf []byte) error {
	if o.closed.Load() {
		return ErrClosed
	}

	return o.check(block, buf)
}
