// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package store

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/memblk/internal/memblk/dev"
	"github.com/asch/memblk/internal/memblk/store/objproxy"
)

type objects struct {
	mu sync.Mutex
	m  map[int64][]byte
}

func (o *objects) Upload(key int64, buf []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.m[key] = append([]byte(nil), buf...)
	return nil
}

func (o *objects) DownloadAt(key int64, buf []byte, offset int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	b, ok := o.m[key]
	if !ok {
		return objproxy.ErrNoSuchObject
	}
	copy(buf, b[offset:])
	return nil
}

func (o *objects) Delete(key int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.m, key)
	return nil
}

func (o *objects) DeleteRange(from, to int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for k := range o.m {
		if k >= from && k < to {
			delete(o.m, k)
		}
	}
	return nil
}

func (o *objects) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.m)
}

func TestObjectStore(t *testing.T) {
	backend := &objects{m: make(map[int64][]byte)}
	proxy := objproxy.New(backend, 4, 4)
	defer proxy.Close()

	p := dev.StartParam{LogicalBS: 512, Capacity: 100}
	a, err := NewObject(proxy, dev.MakeDevT(240, 0), p)
	require.NoError(t, err)
	b, err := NewObject(proxy, dev.MakeDevT(240, 2), p)
	require.NoError(t, err)

	pa := pattern(8*512, 1)
	require.NoError(t, a.WriteBlocks(10, pa))
	require.NoError(t, b.WriteBlocks(10, pattern(8*512, 2)))
	assert.Equal(t, 16, backend.len())

	got := make([]byte, 10*512)
	require.NoError(t, a.ReadBlocks(9, got))
	want := make([]byte, 10*512)
	copy(want[512:], pa)
	assert.Equal(t, want, got)

	require.NoError(t, a.ZeroBlocks(10, 4))
	require.NoError(t, a.ReadBlocks(10, got[:8*512]))
	clear(pa[:4*512])
	assert.Equal(t, pa, got[:8*512])

	// Destroying a device drops only its own objects.
	require.NoError(t, a.Close())
	assert.Equal(t, 8, backend.len())
	assert.Equal(t, ErrClosed, a.ReadBlocks(0, got[:512]))
}

func TestObjectStoreLimits(t *testing.T) {
	proxy := objproxy.New(&objects{m: make(map[int64][]byte)}, 1, 1)
	defer proxy.Close()

	_, err := NewObject(proxy, dev.MakeDevT(240, 0), dev.StartParam{LogicalBS: 512, Capacity: 1 << 33})
	assert.True(t, errors.Is(err, dev.ErrInvalidParam))

	o, err := NewObject(proxy, dev.MakeDevT(240, 0), dev.StartParam{LogicalBS: 512, Capacity: 4})
	require.NoError(t, err)
	assert.True(t, errors.Is(o.WriteBlocks(3, make([]byte, 1024)), ErrOutOfRange))
}
