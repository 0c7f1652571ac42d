// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package pipeline executes block operations against backing stores while
// keeping the barrier semantics storage clients rely on.
//
// Every operation goes first to the ordering stage, which is a single go
// routine. Barriers wait there until everything already forwarded to the
// execution stage is applied. Pure barriers are completed right there,
// everything else is forwarded to the execution stage, a pool of workers
// applying operations to the stores in parallel. Completion is signalled
// after an artificial delay modelling the latency of a real device.
//
// One Engine is shared by all devices, every device binds its store to
// the engine with NewQueue. Barriers therefore drain operations of all
// devices, which is more than necessary but never less.
package pipeline

import (
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/memblk/internal/memblk/store"
	"github.com/asch/memblk/internal/metrics"
)

const (
	// Queue depth used when Options.QueueDepth is not positive.
	DefaultQueueDepth = 1024

	// Latency of a real device the completions are delayed by, unless
	// configured otherwise.
	DefaultCompletionDelay = 5 * time.Millisecond
)

var (
	// All operation failures wrap ErrIO.
	ErrIO = errors.New("i/o error")

	ErrQueueFull   = errors.WithMessage(ErrIO, "ordering queue full")
	ErrClosed      = errors.WithMessage(ErrIO, "pipeline closed")
	ErrInvalidOp   = errors.WithMessage(ErrIO, "invalid operation")
	ErrQueueClosed = errors.WithMessage(ErrIO, "device queue closed")
)

var opMetric = metrics.NewOpMetric("memblk_pipeline_ops", "op")

// Options to use in New() function.
type Options struct {
	// Number of execution stage workers. Zero means one per CPU.
	Workers int

	// Capacity of the ordering and execution queues. Submission fails
	// when the ordering queue is full.
	QueueDepth int

	// Minimal latency of every operation going through the execution
	// stage. Zero completes operations right after they are applied.
	CompletionDelay time.Duration
}

// Engine holds the two work queues and their workers.
type Engine struct {
	ordering chan *work
	exec     chan *work

	// Operations forwarded to the execution stage and not applied yet.
	// Only the ordering go routine adds, hence waiting there is safe.
	inflight sync.WaitGroup

	// Delayed completions not signalled yet.
	completing sync.WaitGroup

	workers sync.WaitGroup
	items   sync.Pool
	delay   time.Duration

	// Guards closing of the ordering channel against submitters.
	mu     sync.RWMutex
	closed bool
}

// Work item passed through both stages.
type work struct {
	op *Op
	q  *Queue
	m  *metrics.Measurer
}

// Returns running engine. It immediately spawns the ordering go routine and
// the execution workers.
func New(o Options) *Engine {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.CompletionDelay < 0 {
		o.CompletionDelay = 0
	}

	e := &Engine{
		ordering: make(chan *work, o.QueueDepth),
		exec:     make(chan *work, o.QueueDepth),
		delay:    o.CompletionDelay,
	}
	e.items.New = func() interface{} { return new(work) }

	e.workers.Add(1 + o.Workers)

	go e.orderingWorker()

	for i := 0; i < o.Workers; i++ {
		go e.ioWorker()
	}

	log.Debug().Int("workers", o.Workers).Int("depth", o.QueueDepth).
		Dur("delay", e.delay).Msg("Pipeline engine started.")

	return e
}

// NewQueue binds store s with logical block size bs to the engine.
func (e *Engine) NewQueue(s store.Store, bs uint32) *Queue {
	return &Queue{
		engine:    e,
		store:     s,
		blockSize: bs,
		gate:      newGate(),
	}
}

// Close stops accepting operations, lets all accepted ones complete and
// stops the workers. Queues should be closed before.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.ordering)
	e.mu.Unlock()

	e.workers.Wait()
	e.completing.Wait()

	log.Debug().Msg("Pipeline engine stopped.")
}

// Never blocks. Either the work is queued or error is returned and the
// operation is forgotten.
func (e *Engine) submit(q *Queue, op *Op) error {
	w := e.items.Get().(*work)
	w.op = op
	w.q = q
	w.m = opMetric.Start(op.Kind.String())

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		e.reject(w)
		return ErrClosed
	}

	select {
	case e.ordering <- w:
		e.mu.RUnlock()
		return nil
	default:
		e.mu.RUnlock()
		w.m.TooBusy()
		e.reject(w)
		return ErrQueueFull
	}
}

func (e *Engine) reject(w *work) {
	w.m.End()
	e.release(w)
}

func (e *Engine) release(w *work) {
	*w = work{}
	e.items.Put(w)
}

// Ordering stage. Barriers drain the execution stage first. The drain
// happens only here, so nothing can be forwarded while it is in progress
// and nothing submitted after the barrier overtakes it.
func (e *Engine) orderingWorker() {
	defer e.workers.Done()
	defer close(e.exec)

	for w := range e.ordering {
		if w.op.IsFlush() {
			log.Trace().Stringer("op", w.op).Msg("Draining execution stage.")
			e.inflight.Wait()

			if w.op.isEmptyFlush() {
				e.complete(w, nil)
				continue
			}
		}

		e.inflight.Add(1)
		e.exec <- w
	}
}

// Execution stage worker.
func (e *Engine) ioWorker() {
	defer e.workers.Done()

	for w := range e.exec {
		err := e.apply(w)
		e.inflight.Done()

		if err != nil {
			log.Debug().Err(err).Stringer("op", w.op).Msg("Operation failed.")
		}

		e.completeDelayed(w, err)
	}
}

// A panicking store fails only the operation which triggered it.
func (e *Engine) apply(w *work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Stringer("op", w.op).Msg("Store panicked.")
			err = errors.Wrapf(ErrIO, "%s: panic: %v", w.op, r)
		}
	}()

	return w.q.apply(w.op)
}

func (e *Engine) completeDelayed(w *work, err error) {
	if e.delay == 0 {
		e.complete(w, err)
		return
	}

	e.completing.Add(1)
	time.AfterFunc(e.delay, func() {
		defer e.completing.Done()
		e.complete(w, err)
	})
}

// Signals the caller and returns the work item to the pool.
func (e *Engine) complete(w *work, err error) {
	op, q, m := w.op, w.q, w.m
	e.release(w)

	m.EndWithError(err)
	if op.Done != nil {
		op.Done(err)
	}
	q.gate.exit()
}
