package substrate

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Scheduler is the Substrate's cooperative task runner. Each cognitive unit
// gets one logical task; Go's own goroutine scheduler already multiplexes
// these onto a worker pool sized to physical cores, so Spawn simply starts
// a goroutine with a failure boundary. A weighted semaphore
// (golang.org/x/sync/semaphore) bounds how many dispatch-class tasks
// (currently only the Orchestrator failure policy's restarts) may run
// concurrently, independent of the unbounded per-unit task population:
// a worker pool sized to physical cores for bookkeeping tasks, as distinct
// from the much larger per-unit population which rides on Go's own
// runtime scheduler.
type Scheduler struct {
	fairnessWindow time.Duration
	dispatchSem    *semaphore.Weighted

	mu      sync.Mutex
	nextID  uint64
	tasks   map[uint64]*Handle
	onPanic func(taskName string, recovered any)
}

// Handle identifies a spawned task and lets callers cancel it.
type Handle struct {
	id     uint64
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	failed atomic.Bool
}

// Done returns a channel closed when the task has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Failed reports whether the task's function panicked.
func (h *Handle) Failed() bool { return h.failed.Load() }

// NewScheduler builds a Scheduler. fairnessWindow (default 100ms) is only
// stored and reported by FairnessWindow, which the Host uses as its
// watermark-check tick; Yield does not consult it. dispatchConcurrency bounds the dispatch-class
// worker pool (defaults to GOMAXPROCS if <= 0).
func NewScheduler(fairnessWindow time.Duration, dispatchConcurrency int) *Scheduler {
	if fairnessWindow <= 0 {
		fairnessWindow = 100 * time.Millisecond
	}
	if dispatchConcurrency <= 0 {
		dispatchConcurrency = runtime.GOMAXPROCS(0)
	}
	return &Scheduler{
		fairnessWindow: fairnessWindow,
		dispatchSem:    semaphore.NewWeighted(int64(dispatchConcurrency)),
		tasks:          make(map[uint64]*Handle),
	}
}

// OnPanic registers a callback invoked when any spawned task's function
// panics, after recovery. cmd/neurofabricd uses it to log task panics; the
// Host converts capability panics into ErrCapabilityPanicked with its own
// guards, before they reach this boundary.
func (s *Scheduler) OnPanic(fn func(taskName string, recovered any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPanic = fn
}

// Spawn starts fn as an isolated task. A panic inside fn is recovered,
// reported via OnPanic, and does not affect any other task — "failures of
// one task must not affect others".
func (s *Scheduler) Spawn(ctx context.Context, name string, fn func(ctx context.Context)) *Handle {
	taskCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	h := &Handle{id: id, name: name, cancel: cancel, done: make(chan struct{})}
	s.tasks[id] = h
	s.mu.Unlock()

	go func() {
		defer close(h.done)
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.tasks, id)
			onPanic := s.onPanic
			s.mu.Unlock()
			if r := recover(); r != nil {
				h.failed.Store(true)
				if onPanic != nil {
					onPanic(name, r)
				}
			}
		}()
		fn(taskCtx)
	}()

	return h
}

// Cancel requests cooperative cancellation of a spawned task.
func (s *Scheduler) Cancel(h *Handle) {
	if h != nil {
		h.cancel()
	}
}

// Sleep suspends the calling task for d or until ctx is cancelled, whichever
// comes first. Used only for backoff and fairness yields.
func (s *Scheduler) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Yield is a cooperative scheduling point: it returns control to the Go
// runtime scheduler immediately. Unit tasks call this at least once per
// message processed.
func (s *Scheduler) Yield(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runtime.Gosched()
	return nil
}

// FairnessWindow returns the configured fairness window.
func (s *Scheduler) FairnessWindow() time.Duration { return s.fairnessWindow }

// AcquireDispatch blocks until a dispatch-class worker slot is free, for
// bookkeeping tasks (the Orchestrator failure policy's restarts).
// Per-unit task goroutines never call this — they are not dispatch-class.
func (s *Scheduler) AcquireDispatch(ctx context.Context) error {
	return s.dispatchSem.Acquire(ctx, 1)
}

// ReleaseDispatch releases a slot acquired via AcquireDispatch.
func (s *Scheduler) ReleaseDispatch() {
	s.dispatchSem.Release(1)
}

// ActiveTasks returns the number of currently running spawned tasks.
func (s *Scheduler) ActiveTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
