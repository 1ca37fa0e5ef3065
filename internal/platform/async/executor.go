// Package async runs deferred persistence and hook work on a bounded
// worker pool so mutation paths never block on the database.
package async

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Executor is a fixed pool of workers draining a bounded queue. After
// Shutdown it rejects new work until Reset.
type Executor struct {
	logger    *zap.Logger
	workers   int
	queueSize int

	// mainRunner, when set, receives RunSync tasks so a host with a
	// designated main thread can marshal them onto it.
	mainRunner func(func())

	mu      sync.RWMutex
	queue   chan func()
	shut    bool
	workerW sync.WaitGroup
	pending sync.WaitGroup
}

// Option configures an Executor at construction time.
type Option func(*Executor)

// WithMainRunner routes RunSync tasks through fn instead of running them
// inline on the calling goroutine.
func WithMainRunner(fn func(func())) Option {
	return func(e *Executor) { e.mainRunner = fn }
}

// New starts an executor with the given pool size and queue capacity.
// Workers are floored at GOMAXPROCS and the queue at 1.
func New(workers, queueSize int, logger *zap.Logger, opts ...Option) *Executor {
	if min := runtime.GOMAXPROCS(0); workers < min {
		workers = min
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		logger:    logger,
		workers:   workers,
		queueSize: queueSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.start()
	return e
}

func (e *Executor) start() {
	e.queue = make(chan func(), e.queueSize)
	e.workerW.Add(e.workers)
	for i := 0; i < e.workers; i++ {
		go func() {
			defer e.workerW.Done()
			for task := range e.queue {
				task()
			}
		}()
	}
}

// wrap adds pending accounting and panic recovery around a submitted task.
func (e *Executor) wrap(task func()) func() {
	e.pending.Add(1)
	return func() {
		defer e.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("async task panicked",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
			}
		}()
		task()
	}
}

// Run submits task fire-and-forget. It never blocks: with the queue full
// or the executor shut down the task runs inline on the caller. A worker
// may therefore submit from inside a task without risking deadlock.
func (e *Executor) Run(task func()) {
	wrapped := e.wrap(task)
	e.mu.RLock()
	if !e.shut {
		select {
		case e.queue <- wrapped:
			e.mu.RUnlock()
			return
		default:
		}
	}
	shut := e.shut
	e.mu.RUnlock()
	if shut {
		e.logger.Warn("executor shut down, running task inline")
	} else {
		e.logger.Warn("queue saturated, running task inline")
	}
	wrapped()
}

// TryRun submits task without blocking. It reports false when the queue
// is full or the executor is shut down; the task does not run in that
// case.
func (e *Executor) TryRun(task func()) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.shut {
		return false
	}
	wrapped := e.wrap(task)
	select {
	case e.queue <- wrapped:
		return true
	default:
		e.pending.Done()
		return false
	}
}

// RunSync executes task before returning. With a main runner configured
// the task is marshalled through it; otherwise it runs on the caller.
func (e *Executor) RunSync(task func()) {
	if e.mainRunner == nil {
		task()
		return
	}
	done := make(chan struct{})
	e.mainRunner(func() {
		defer close(done)
		task()
	})
	<-done
}

// Shutdown stops accepting work and waits up to wait for queued tasks to
// finish. A non-positive wait blocks until the queue is fully drained. It
// reports whether the drain completed.
func (e *Executor) Shutdown(wait time.Duration) bool {
	e.mu.Lock()
	if e.shut {
		e.mu.Unlock()
		return true
	}
	e.shut = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.workerW.Wait()
		close(done)
	}()
	if wait <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(wait):
		e.logger.Warn("executor shutdown wait elapsed with tasks still queued",
			zap.Duration("wait", wait))
		return false
	}
}

// Reset restarts a shut-down executor with a fresh queue and pool.
func (e *Executor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.shut {
		return
	}
	e.shut = false
	e.start()
}

// Drain blocks until every task submitted so far has completed. Intended
// for tests that need the asynchronous persist to settle.
func (e *Executor) Drain() {
	e.pending.Wait()
}

// QueueDepth reports the number of tasks waiting in the queue.
func (e *Executor) QueueDepth() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.queue)
}

// Future is the pending result of a Supply call. A panicking supplier
// resolves the future to the zero value.
type Future[T any] struct {
	done chan struct{}
	val  T
}

// Supply schedules fn on the executor and returns a future for its value.
func Supply[T any](e *Executor, fn func() T) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	e.Run(func() {
		defer close(f.done)
		f.val = fn()
	})
	return f
}

// Get blocks until the value is available.
func (f *Future[T]) Get() T {
	<-f.done
	return f.val
}

// GetWithin waits up to d for the value, returning fallback on timeout.
func (f *Future[T]) GetWithin(d time.Duration, fallback T) T {
	select {
	case <-f.done:
		return f.val
	case <-time.After(d):
		return fallback
	}
}

// SupplyWithTimeout runs fn on the executor and waits up to d for its
// value, returning fallback when the deadline passes first.
func SupplyWithTimeout[T any](e *Executor, fn func() T, d time.Duration, fallback T) T {
	return Supply(e, fn).GetWithin(d, fallback)
}
