// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pipeline

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/asch/memblk/internal/memblk/store"
)

// Queue is the entry of one device into the engine.
type Queue struct {
	engine    *Engine
	store     store.Store
	blockSize uint32
	gate      *gate
}

// Submit hands op to the ordering stage and returns immediately. On error
// the operation was not accepted and op.Done will not be called.
func (q *Queue) Submit(op *Op) error {
	if !q.gate.enter() {
		return ErrQueueClosed
	}

	if err := q.engine.submit(q, op); err != nil {
		q.gate.exit()
		return err
	}

	return nil
}

// Do submits op and waits for its completion. op.Done is replaced.
func (q *Queue) Do(op *Op) error {
	done := make(chan error, 1)
	op.Done = func(err error) {
		done <- err
	}

	if err := q.Submit(op); err != nil {
		return err
	}

	return <-done
}

// Close stops accepting new operations and waits until all accepted ones
// are completed. Safe to call more times.
func (q *Queue) Close() {
	q.gate.close()
}

// Pending returns number of accepted and not completed operations.
func (q *Queue) Pending() int {
	return q.gate.count()
}

// Applies the operation to the store. Runs in the execution stage.
func (q *Queue) apply(op *Op) error {
	switch op.Kind {
	case Read, Write:
		if op.Count == 0 {
			// Empty FUA or flush write, nothing to move.
			return nil
		}

		if uint64(len(op.Buf)) != uint64(op.Count)*uint64(q.blockSize) {
			return errors.Wrapf(ErrInvalidOp, "%s buffer %d bytes", op, len(op.Buf))
		}

		var err error
		if op.Kind == Read {
			err = q.store.ReadBlocks(op.Block, op.Buf)
		} else {
			err = q.store.WriteBlocks(op.Block, op.Buf)
		}

		return errors.Wrapf(err, "%s", op)

	case Discard:
		// Plain discard is just a hint and the data may stay.
		if op.Flags&FlagSecure == 0 || op.Count == 0 {
			return nil
		}

		return errors.Wrapf(q.store.ZeroBlocks(op.Block, op.Count), "%s", op)

	case Flush:
		return nil
	}

	return errors.Wrapf(ErrInvalidOp, "%s", op)
}

// Counts operations of one queue in flight and lets Close wait for them.
type gate struct {
	mu      sync.Mutex
	drained *sync.Cond
	closed  bool
	pending int
}

func newGate() *gate {
	g := &gate{}
	g.drained = sync.NewCond(&g.mu)

	return g
}

func (g *gate) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return false
	}
	g.pending++

	return true
}

func (g *gate) exit() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pending--
	if g.pending == 0 {
		g.drained.Broadcast()
	}
}

func (g *gate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closed = true
	for g.pending > 0 {
		g.drained.Wait()
	}
}

func (g *gate) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.pending
}
