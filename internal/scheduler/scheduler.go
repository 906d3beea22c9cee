package scheduler

import (
	"sync"

	"go.uber.org/zap"

	"github.com/greezybacon/mdrived/internal/errcode"
)

// Policy selects which of the two scheduling strategies a Scheduler runs
// (spec.md §6, "scheduler policy").
type Policy int

const (
	PolicyLeastBusy Policy = iota
	PolicyDriverGroup
)

// MaxWorkers bounds live workers (spec.md §6, MAX_WORKERS default 16).
const MaxWorkers = 16

// Target describes the motor a request is headed for, enough for the
// driver_group policy to pin it to the right Worker without the scheduler
// package depending on internal/driver.
type Target struct {
	Connected bool
	Group     uint64 // the motor's Bus identity, hashed to uint64 by the caller
}

// Scheduler assigns WorkItems to Workers per spec.md §4.7. A seed worker is
// always pre-spawned so new connections have somewhere to land.
type Scheduler struct {
	log    *zap.Logger
	policy Policy

	mu      sync.Mutex
	workers []*Worker
}

// New constructs a Scheduler running policy, with one seed worker already
// running.
func New(policy Policy, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{log: log, policy: policy}
	s.workers = append(s.workers, NewWorker(0, log))
	return s
}

// Enqueue picks a Worker per the configured policy and enqueues item on it.
func (s *Scheduler) Enqueue(target Target, item WorkItem) error {
	switch s.policy {
	case PolicyDriverGroup:
		return s.enqueueDriverGroup(target, item)
	default:
		return s.enqueueLeastBusy(item)
	}
}

// enqueueLeastBusy implements spec.md §4.7's "least_busy": scan all live
// workers, preferring the first with an empty queue, else the shortest.
func (s *Scheduler) enqueueLeastBusy(item WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.workers) == 0 {
		return errcode.New("scheduler_enqueue", errcode.ERTooMany, "no workers exist")
	}
	var best *Worker
	bestLen := -1
	for _, w := range s.workers {
		l := w.Len()
		if l == 0 {
			best = w
			break
		}
		if bestLen == -1 || l < bestLen {
			best = w
			bestLen = l
		}
	}
	best.Enqueue(item)
	return nil
}

// enqueueDriverGroup implements spec.md §4.7's "driver_group" (the
// default): a connected motor with a non-zero group pins to the matching
// Worker, spawning one if none exists yet; an unconnected motor falls back
// to least_busy (the path connect requests take).
func (s *Scheduler) enqueueDriverGroup(target Target, item WorkItem) error {
	if !target.Connected || target.Group == 0 {
		return s.enqueueLeastBusy(item)
	}

	s.mu.Lock()
	for _, w := range s.workers {
		if w.Group() == target.Group {
			w.Enqueue(item)
			s.mu.Unlock()
			return nil
		}
	}
	if len(s.workers) >= MaxWorkers {
		s.mu.Unlock()
		return errcode.New("scheduler_enqueue", errcode.ERTooMany, "worker pool exhausted")
	}
	w := NewWorker(target.Group, s.log)
	s.workers = append(s.workers, w)
	s.mu.Unlock()

	w.Enqueue(item)
	return nil
}

// Shutdown stops every worker, draining in-flight items first.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	workers := append([]*Worker(nil), s.workers...)
	s.mu.Unlock()
	for _, w := range workers {
		w.Stop()
	}
}

// WorkerCount reports the number of live workers, used by tests and
// operator diagnostics.
func (s *Scheduler) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}
