// Package scheduler implements the per-bus work scheduler of spec.md §4.7:
// Workers own a FIFO work queue and a dedicated goroutine; the Scheduler
// decides which Worker an inbound request lands on, with two interchangeable
// policies (least_busy, driver_group).
package scheduler

import (
	"sync"

	"go.uber.org/zap"
)

// WorkItem is one unit of dispatchable work. Dispatch is supplied by the
// caller (spec.md §3, "Dispatch calls the external message-dispatcher for
// each work item (out of scope)").
type WorkItem struct {
	Group uint64
	Run   func()
}

// Worker owns a FIFO work queue drained by one dedicated goroutine
// (spec.md §4.7, "Worker").
type Worker struct {
	log   *zap.Logger
	group uint64

	mu    sync.Mutex
	cond  *sync.Cond
	queue []WorkItem
	stop  bool

	done chan struct{}
}

// NewWorker constructs a Worker tagged with group (0 = any) and starts its
// dispatch goroutine.
func NewWorker(group uint64, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Worker{log: log.With(zap.Uint64("group", group)), group: group, done: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// Group reports the Bus identity, if any, this Worker is pinned to.
func (w *Worker) Group() uint64 { return w.group }

// Len reports the current queue length (spec.md §3, Worker invariant:
// "queue length == number of enqueued items").
func (w *Worker) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Enqueue appends item, signaling the worker's condition on the
// empty→non-empty transition (spec.md §4.7).
func (w *Worker) Enqueue(item WorkItem) {
	w.mu.Lock()
	wasEmpty := len(w.queue) == 0
	w.queue = append(w.queue, item)
	if wasEmpty {
		w.cond.Signal()
	}
	w.mu.Unlock()
}

// Stop signals the worker thread to exit after draining its current queue,
// the "signal returns an error" terminal condition of spec.md §4.7 modeled
// as an explicit stop flag.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stop = true
	w.cond.Broadcast()
	w.mu.Unlock()
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stop {
			w.cond.Wait()
		}
		if len(w.queue) == 0 && w.stop {
			w.mu.Unlock()
			return
		}
		item := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.dispatch(item)
	}
}

func (w *Worker) dispatch(item WorkItem) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("work item panicked", zap.Any("recover", r))
		}
	}()
	if item.Run != nil {
		item.Run()
	}
}
