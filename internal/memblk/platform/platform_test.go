// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package platform

import (
	"bytes"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/memblk/internal/memblk/alldevs"
	"github.com/asch/memblk/internal/memblk/dev"
	"github.com/asch/memblk/internal/memblk/pipeline"
	"github.com/asch/memblk/internal/memblk/store"
)

var param = dev.StartParam{LogicalBS: 512, PhysicalBS: 512, Capacity: 64}

func newDevice(t *testing.T, e *pipeline.Engine, minor uint32) *alldevs.Device {
	s := store.NewMem(param)
	d := alldevs.NewDevice(240, minor, dev.MakeDevT(8, minor), dev.MakeDevT(8, minor+1),
		param, s, e.NewQueue(s, param.LogicalBS))
	t.Cleanup(func() { d.Destroy() })

	return d
}

func TestRegisterAndRoute(t *testing.T) {
	e := pipeline.New(pipeline.Options{Workers: 2})
	t.Cleanup(e.Close)

	table := NewTable()
	d0 := newDevice(t, e, 0)
	d2 := newDevice(t, e, 2)

	require.NoError(t, table.Register(d0))
	require.NoError(t, table.Register(d2))
	assert.Equal(t, 2, table.Len())

	err := table.Register(d0)
	assert.True(t, errors.Is(err, ErrAlreadyRegistered), "%v", err)

	data := bytes.Repeat([]byte{0xab}, 512)
	require.NoError(t, table.Do(d2.DevT(), &pipeline.Op{Kind: pipeline.Write, Block: 3, Count: 1, Buf: data}))

	got := make([]byte, 512)
	require.NoError(t, table.Do(d0.DevT(), &pipeline.Op{Kind: pipeline.Read, Block: 3, Count: 1, Buf: got}))
	assert.Equal(t, make([]byte, 512), got)

	require.NoError(t, table.Do(d2.DevT(), &pipeline.Op{Kind: pipeline.Read, Block: 3, Count: 1, Buf: got}))
	assert.Equal(t, data, got)

	// Log device is not a target of block I/O here.
	err = table.Submit(d0.LogDevT(), &pipeline.Op{Kind: pipeline.Flush})
	assert.True(t, errors.Is(err, ErrNotRegistered), "%v", err)
}

func TestUnregisterDrains(t *testing.T) {
	e := pipeline.New(pipeline.Options{Workers: 2, CompletionDelay: 20 * time.Millisecond})
	t.Cleanup(e.Close)

	table := NewTable()
	d := newDevice(t, e, 0)
	require.NoError(t, table.Register(d))

	var completed atomic.Int32
	for i := 0; i < 8; i++ {
		require.NoError(t, table.Submit(d.DevT(), &pipeline.Op{
			Kind: pipeline.Write, Block: uint64(i), Count: 1, Buf: make([]byte, 512),
			Done: func(error) { completed.Add(1) },
		}))
	}

	require.NoError(t, table.Unregister(d))
	assert.Equal(t, int32(8), completed.Load())
	assert.Equal(t, 0, table.Len())

	err := table.Submit(d.DevT(), &pipeline.Op{Kind: pipeline.Flush})
	assert.True(t, errors.Is(err, ErrNotRegistered), "%v", err)

	err = table.Unregister(d)
	assert.True(t, errors.Is(err, ErrNotRegistered), "%v", err)
}

func TestUnregisterUnknown(t *testing.T) {
	e := pipeline.New(pipeline.Options{Workers: 1})
	t.Cleanup(e.Close)

	table := NewTable()
	err := table.Unregister(newDevice(t, e, 4))
	assert.True(t, errors.Is(err, ErrNotRegistered), "%v", err)
}
