// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dev

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestStartParamValidate(t *testing.T) {
	table := []struct {
		p  StartParam
		ok bool
	}{
		{StartParam{LogicalBS: 512, Capacity: 1000}, true},
		{StartParam{LogicalBS: 512, PhysicalBS: 4096, Capacity: 1}, true},
		{StartParam{LogicalBS: 4096, PhysicalBS: 4096, Capacity: 8}, true},
		{StartParam{LogicalBS: 256, Capacity: 1000}, false},
		{StartParam{LogicalBS: 1000, Capacity: 1000}, false},
		{StartParam{LogicalBS: 0, Capacity: 1000}, false},
		{StartParam{LogicalBS: 4096, PhysicalBS: 512, Capacity: 1000}, false},
		{StartParam{LogicalBS: 512, PhysicalBS: 1536, Capacity: 1000}, false},
		{StartParam{LogicalBS: 512, Capacity: 0}, false},
		{StartParam{LogicalBS: 512, Capacity: MaxSize / 512}, true},
		{StartParam{LogicalBS: 512, Capacity: MaxSize/512 + 1}, false},
		{StartParam{LogicalBS: 512, Capacity: 1 << 60}, false},
		{StartParam{LogicalBS: 512, Capacity: math.MaxUint64 - 1}, false},
		{StartParam{LogicalBS: 1 << 31, Capacity: 1 << 32}, false},
	}

	for _, e := range table {
		err := e.p.Validate()
		if e.ok {
			assert.NoError(t, err, "%+v", e.p)
		} else {
			assert.True(t, errors.Is(err, ErrInvalidParam), "%+v: %v", e.p, err)
		}
	}
}

func TestStartParamNormalize(t *testing.T) {
	p := StartParam{LogicalBS: 512, Capacity: 1000}.Normalize()
	assert.Equal(t, uint32(512), p.PhysicalBS)
	assert.Equal(t, uint64(512000), p.Size())

	p = StartParam{LogicalBS: 512, PhysicalBS: 4096, Capacity: 10}.Normalize()
	assert.Equal(t, uint32(4096), p.PhysicalBS)
}

func TestMinorPairs(t *testing.T) {
	assert.Equal(t, uint32(4), DataMinor(5))
	assert.Equal(t, uint32(4), DataMinor(4))
	assert.Equal(t, uint32(5), LogMinor(4))
	assert.Equal(t, "240:6", MakeDevT(240, 6).String())
}

func TestAtomicState(t *testing.T) {
	var s AtomicState
	assert.Equal(t, Constructed, s.Load())

	assert.True(t, s.Advance(Constructed, Registered))
	assert.False(t, s.Advance(Constructed, Active))
	assert.False(t, s.Advance(Registered, Constructed))
	assert.True(t, s.Advance(Registered, Active))
	assert.Equal(t, "active", s.Load().String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestTerminate(t *testing.T) {
	var s AtomicState
	assert.True(t, s.Advance(Constructed, Registered))
	assert.Equal(t, Registered, s.Terminate())
	assert.Equal(t, Destroyed, s.Terminate())
	assert.False(t, s.Advance(Destroyed, Active))
}
