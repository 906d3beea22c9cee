// Package timer implements the single-thread absolute-time callback service
// of spec.md §4.8: callers submit (absolute_time, callback) and get an
// id back; one real timer is armed at the earliest entry, a dedicated
// goroutine fires it, runs the callback synchronously, and re-arms.
//
// It generalizes the teacher's services/hal/timerutil.go reset/drain
// helpers — there used inline inside a single worker's select loop — into a
// shared global service with its own run loop and a min-heap of entries.
package timer

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ID identifies a scheduled callback, returned by Service.At and accepted
// by Service.Cancel.
type ID uint64

// Callback must be brief: it runs synchronously on the timer's single
// goroutine and blocks every other pending completion check while it runs
// (spec.md §4.8, "Callbacks must be brief").
type Callback func()

type entry struct {
	id    ID
	at    time.Time
	cb    Callback
	index int // heap index, maintained by container/heap
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Service is the process-wide completion timer. Exactly one goroutine
// drives every armed callback (spec.md §5, "Scheduling model").
type Service struct {
	log *zap.Logger

	mu      sync.Mutex
	entries entryHeap
	byID    map[ID]*entry
	nextID  ID

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New constructs a Service. Call Run in its own goroutine to start it.
func New(log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		log:  log,
		byID: map[ID]*entry{},
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	heap.Init(&s.entries)
	return s
}

// Run drives the timer loop until Stop is called. It is meant to run in its
// own goroutine for the lifetime of the daemon.
func (s *Service) Run() {
	defer close(s.done)
	t := time.NewTimer(time.Hour)
	defer t.Stop()

	for {
		s.mu.Lock()
		var d time.Duration
		if len(s.entries) == 0 {
			d = time.Hour
		} else {
			d = time.Until(s.entries[0].at)
			if d < 0 {
				d = 0
			}
		}
		s.mu.Unlock()

		if !t.Stop() {
			drain(t)
		}
		t.Reset(d)

		select {
		case <-s.stop:
			return
		case <-s.wake:
			continue
		case <-t.C:
			s.fireDue()
		}
	}
}

func drain(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}

func (s *Service) fireDue() {
	for {
		s.mu.Lock()
		if len(s.entries) == 0 || s.entries[0].at.After(time.Now()) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.entries).(*entry)
		delete(s.byID, e.id)
		s.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("completion callback panicked", zap.Any("recover", r))
				}
			}()
			e.cb()
		}()
	}
}

// At schedules cb to run at absolute time at and returns an id that Cancel
// accepts.
func (s *Service) At(at time.Time, cb Callback) ID {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	e := &entry{id: id, at: at, cb: cb}
	heap.Push(&s.entries, e)
	s.byID[id] = e
	s.mu.Unlock()
	s.nudge()
	return id
}

// Cancel removes a pending callback. It is a no-op if id already fired or
// was already canceled.
func (s *Service) Cancel(id ID) {
	s.mu.Lock()
	e, ok := s.byID[id]
	if ok {
		heap.Remove(&s.entries, e.index)
		delete(s.byID, id)
	}
	s.mu.Unlock()
	if ok {
		s.nudge()
	}
}

func (s *Service) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop halts the run loop and waits for it to exit.
func (s *Service) Stop() {
	close(s.stop)
	<-s.done
}
