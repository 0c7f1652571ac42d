// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pipeline

import (
	"bytes"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/memblk/internal/memblk/dev"
	"github.com/asch/memblk/internal/memblk/store"
)

const bs = 512

// Store counting every access and remembering the order of writes. An
// optional hook runs before every write.
type instrumented struct {
	*store.Mem

	reads, writes, zeros atomic.Int64

	mu     sync.Mutex
	order  []uint64
	before func(block uint64)
}

func newInstrumented(capacity uint64) *instrumented {
	return &instrumented{Mem: store.NewMem(dev.StartParam{LogicalBS: bs, Capacity: capacity})}
}

func (s *instrumented) ReadBlocks(block uint64, buf []byte) error {
	s.reads.Add(1)
	return s.Mem.ReadBlocks(block, buf)
}

func (s *instrumented) WriteBlocks(block uint64, buf []byte) error {
	s.writes.Add(1)
	if s.before != nil {
		s.before(block)
	}

	err := s.Mem.WriteBlocks(block, buf)

	s.mu.Lock()
	s.order = append(s.order, block)
	s.mu.Unlock()

	return err
}

func (s *instrumented) ZeroBlocks(block uint64, count uint32) error {
	s.zeros.Add(1)
	return s.Mem.ZeroBlocks(block, count)
}

func (s *instrumented) accesses() int64 {
	return s.reads.Load() + s.writes.Load() + s.zeros.Load()
}

func (s *instrumented) written() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]uint64(nil), s.order...)
}

func pattern(blocks int, seed byte) []byte {
	b := make([]byte, blocks*bs)
	for i := range b {
		b[i] = seed ^ byte(i*7)
	}
	return b
}

func newEngine(t *testing.T, o Options) *Engine {
	e := New(o)
	t.Cleanup(e.Close)
	return e
}

func TestWriteFlushRead(t *testing.T) {
	e := newEngine(t, Options{Workers: 4, CompletionDelay: time.Millisecond})
	s := newInstrumented(1000)
	q := e.NewQueue(s, bs)

	p := pattern(10, 0x5a)
	require.NoError(t, q.Do(&Op{Kind: Write, Block: 0, Count: 10, Buf: p}))
	require.NoError(t, q.Do(&Op{Kind: Flush}))

	got := make([]byte, len(p))
	require.NoError(t, q.Do(&Op{Kind: Read, Block: 0, Count: 10, Buf: got}))
	assert.True(t, bytes.Equal(p, got))
}

// Writes are submitted without waiting, the barrier has to see all of them
// applied no matter which worker executed them.
func TestFlushWaitsForPrecedingWrites(t *testing.T) {
	e := newEngine(t, Options{Workers: 8})
	s := newInstrumented(1000)
	s.before = func(block uint64) {
		time.Sleep(time.Duration(block%5) * time.Millisecond)
	}
	q := e.NewQueue(s, bs)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		require.NoError(t, q.Submit(&Op{
			Kind: Write, Block: uint64(i), Count: 1, Buf: pattern(1, byte(i)),
			Done: func(err error) {
				assert.NoError(t, err)
				wg.Done()
			},
		}))
	}

	flushed := make(chan int, 1)
	require.NoError(t, q.Submit(&Op{Kind: Flush, Done: func(err error) {
		assert.NoError(t, err)
		flushed <- len(s.written())
	}}))

	assert.Equal(t, 32, <-flushed)
	wg.Wait()

	got := make([]byte, 32*bs)
	require.NoError(t, s.Mem.ReadBlocks(0, got))
	for i := 0; i < 32; i++ {
		assert.Equal(t, pattern(1, byte(i)), got[i*bs:(i+1)*bs], "block %d", i)
	}
}

// Nothing submitted after a barrier may start before the barrier drained
// the work submitted before it.
func TestFlushOrdersFollowingOperations(t *testing.T) {
	e := newEngine(t, Options{Workers: 4})
	s := newInstrumented(100)
	s.before = func(block uint64) {
		if block == 1 {
			time.Sleep(20 * time.Millisecond)
		}
	}
	q := e.NewQueue(s, bs)

	var wg sync.WaitGroup
	submit := func(op *Op) {
		wg.Add(1)
		op.Done = func(err error) {
			assert.NoError(t, err)
			wg.Done()
		}
		require.NoError(t, q.Submit(op))
	}

	submit(&Op{Kind: Write, Block: 1, Count: 1, Buf: pattern(1, 1)})
	submit(&Op{Kind: Flush})
	submit(&Op{Kind: Write, Block: 2, Count: 1, Buf: pattern(1, 2)})
	// Data carrying barrier drains too and is executed afterwards.
	submit(&Op{Kind: Write, Flags: FlagFlush | FlagFUA, Block: 3, Count: 1, Buf: pattern(1, 3)})
	wg.Wait()

	assert.Equal(t, []uint64{1, 2, 3}, s.written())
}

func TestEmptyFlushNeverTouchesStore(t *testing.T) {
	e := newEngine(t, Options{Workers: 2, CompletionDelay: 50 * time.Millisecond})
	s := newInstrumented(10)
	q := e.NewQueue(s, bs)

	start := time.Now()
	require.NoError(t, q.Do(&Op{Kind: Flush}))
	require.NoError(t, q.Do(&Op{Kind: Write, Flags: FlagFlush}))
	require.NoError(t, q.Do(&Op{Kind: Write, Flags: FlagFUA}))

	assert.Equal(t, int64(0), s.accesses())

	// Only the FUA write went through the execution stage and waited.
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestDiscard(t *testing.T) {
	e := newEngine(t, Options{Workers: 2})
	s := newInstrumented(16)
	q := e.NewQueue(s, bs)

	p := pattern(16, 0x11)
	require.NoError(t, q.Do(&Op{Kind: Write, Count: 16, Buf: p}))

	require.NoError(t, q.Do(&Op{Kind: Discard, Block: 2, Count: 4}))
	assert.Equal(t, int64(0), s.zeros.Load())

	got := make([]byte, 16*bs)
	require.NoError(t, q.Do(&Op{Kind: Read, Count: 16, Buf: got}))
	assert.Equal(t, p, got)

	require.NoError(t, q.Do(&Op{Kind: Discard, Flags: FlagSecure, Block: 2, Count: 4}))
	require.NoError(t, q.Do(&Op{Kind: Read, Count: 16, Buf: got}))

	clear(p[2*bs : 6*bs])
	assert.Equal(t, p, got)
}

func TestFailuresAreIndependent(t *testing.T) {
	e := newEngine(t, Options{Workers: 2})
	q := e.NewQueue(newInstrumented(8), bs)

	err := q.Do(&Op{Kind: Write, Block: 7, Count: 2, Buf: pattern(2, 1)})
	assert.True(t, errors.Is(err, store.ErrOutOfRange), "%v", err)

	err = q.Do(&Op{Kind: Read, Count: 2, Buf: make([]byte, bs)})
	assert.True(t, errors.Is(err, ErrIO), "%v", err)

	err = q.Do(&Op{Kind: Kind(42)})
	assert.True(t, errors.Is(err, ErrInvalidOp), "%v", err)

	assert.NoError(t, q.Do(&Op{Kind: Write, Block: 6, Count: 2, Buf: pattern(2, 1)}))
}

func TestStorePanicFailsOnlyItsOperation(t *testing.T) {
	e := newEngine(t, Options{Workers: 1})
	s := newInstrumented(8)
	s.before = func(block uint64) {
		if block == 3 {
			panic("broken block")
		}
	}
	q := e.NewQueue(s, bs)

	err := q.Do(&Op{Kind: Write, Block: 3, Count: 1, Buf: pattern(1, 1)})
	assert.True(t, errors.Is(err, ErrIO), "%v", err)

	assert.NoError(t, q.Do(&Op{Kind: Write, Block: 4, Count: 1, Buf: pattern(1, 2)}))
	assert.NoError(t, q.Do(&Op{Kind: Flush}))
	assert.Equal(t, []uint64{4}, s.written())
}

func TestHugeCapacity(t *testing.T) {
	e := newEngine(t, Options{Workers: 2})
	q := e.NewQueue(newInstrumented(math.MaxUint64-1), bs)

	p := pattern(1, 9)
	require.NoError(t, q.Do(&Op{Kind: Write, Count: 1, Buf: p}))

	got := make([]byte, bs)
	require.NoError(t, q.Do(&Op{Kind: Read, Count: 1, Buf: got}))
	assert.Equal(t, p, got)
}

func TestCompletionDelay(t *testing.T) {
	delay := 30 * time.Millisecond
	e := newEngine(t, Options{Workers: 1, CompletionDelay: delay})
	q := e.NewQueue(newInstrumented(8), bs)

	start := time.Now()
	require.NoError(t, q.Do(&Op{Kind: Write, Count: 1, Buf: pattern(1, 1)}))
	assert.GreaterOrEqual(t, time.Since(start), delay)
}

func TestSubmitFailsFastWhenFull(t *testing.T) {
	e := New(Options{Workers: 1, QueueDepth: 1})
	s := newInstrumented(8)
	release := make(chan struct{})
	s.before = func(uint64) {
		<-release
	}
	q := e.NewQueue(s, bs)

	var accepted sync.WaitGroup
	var full error
	for i := 0; i < 100 && full == nil; i++ {
		accepted.Add(1)
		full = q.Submit(&Op{Kind: Write, Count: 1, Buf: pattern(1, 1), Done: func(error) {
			accepted.Done()
		}})
		if full != nil {
			accepted.Done()
		}
	}

	assert.True(t, errors.Is(full, ErrQueueFull), "%v", full)
	assert.True(t, errors.Is(full, ErrIO))

	close(release)
	accepted.Wait()

	e.Close()
	assert.Equal(t, 0, q.Pending())

	err := q.Submit(&Op{Kind: Flush})
	assert.True(t, errors.Is(err, ErrClosed), "%v", err)
}

func TestQueueCloseDrains(t *testing.T) {
	e := newEngine(t, Options{Workers: 2, CompletionDelay: 10 * time.Millisecond})
	q := e.NewQueue(newInstrumented(64), bs)

	var completed atomic.Int32
	for i := 0; i < 16; i++ {
		require.NoError(t, q.Submit(&Op{Kind: Write, Block: uint64(i), Count: 1, Buf: pattern(1, 1),
			Done: func(error) { completed.Add(1) }}))
	}

	q.Close()
	assert.Equal(t, int32(16), completed.Load())
	assert.Equal(t, ErrQueueClosed, q.Submit(&Op{Kind: Flush}))
	q.Close()
}
