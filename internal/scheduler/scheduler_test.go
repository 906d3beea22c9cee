package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeastBusy_PrefersEmptyQueue(t *testing.T) {
	s := New(PolicyLeastBusy, nil)
	s.workers = append(s.workers, NewWorker(0, nil))
	t.Cleanup(s.Shutdown)

	var wg sync.WaitGroup
	wg.Add(1)
	block := make(chan struct{})
	require.NoError(t, s.Enqueue(Target{}, WorkItem{Run: func() {
		wg.Done()
		<-block
	}}))
	wg.Wait()

	var ran int32
	require.NoError(t, s.Enqueue(Target{}, WorkItem{Run: func() { ran = 1 }}))
	close(block)

	require.Eventually(t, func() bool { return ran == 1 }, time.Second, time.Millisecond)
}

func TestDriverGroup_PinsToSameWorker(t *testing.T) {
	s := New(PolicyDriverGroup, nil)
	t.Cleanup(s.Shutdown)

	var mu sync.Mutex
	var seen []int

	var wg sync.WaitGroup
	wg.Add(4)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Enqueue(Target{Connected: true, Group: 42}, WorkItem{Run: func() {
			mu.Lock()
			seen = append(seen, 1)
			mu.Unlock()
			wg.Done()
		}}))
	}
	wg.Wait()

	assert.Equal(t, 2, s.WorkerCount(), "seed worker plus one spawned for group 42")
}

func TestDriverGroup_UnconnectedFallsBackToLeastBusy(t *testing.T) {
	s := New(PolicyDriverGroup, nil)
	t.Cleanup(s.Shutdown)

	done := make(chan struct{})
	require.NoError(t, s.Enqueue(Target{Connected: false}, WorkItem{Run: func() { close(done) }}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("work item never ran")
	}
	assert.Equal(t, 1, s.WorkerCount(), "no new worker spawned for an unconnected target")
}

func TestLeastBusy_NoWorkersErrors(t *testing.T) {
	s := &Scheduler{policy: PolicyLeastBusy}
	err := s.Enqueue(Target{}, WorkItem{Run: func() {}})
	assert.Error(t, err)
}
