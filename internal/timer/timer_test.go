package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_FiresInOrder(t *testing.T) {
	s := New(nil)
	go s.Run()
	t.Cleanup(s.Stop)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)

	now := time.Now()
	s.At(now.Add(30*time.Millisecond), func() { mu.Lock(); order = append(order, 2); mu.Unlock(); wg.Done() })
	s.At(now.Add(10*time.Millisecond), func() { mu.Lock(); order = append(order, 0); mu.Unlock(); wg.Done() })
	s.At(now.Add(20*time.Millisecond), func() { mu.Lock(); order = append(order, 1); mu.Unlock(); wg.Done() })

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callbacks never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestService_CancelPreventsFire(t *testing.T) {
	s := New(nil)
	go s.Run()
	t.Cleanup(s.Stop)

	fired := false
	id := s.At(time.Now().Add(30*time.Millisecond), func() { fired = true })
	s.Cancel(id)

	time.Sleep(80 * time.Millisecond)
	assert.False(t, fired)
}

func TestService_CancelUnknownIsNoop(t *testing.T) {
	s := New(nil)
	go s.Run()
	t.Cleanup(s.Stop)
	s.Cancel(ID(999))
}

func TestService_PastDueFiresPromptly(t *testing.T) {
	s := New(nil)
	go s.Run()
	t.Cleanup(s.Stop)

	done := make(chan struct{})
	s.At(time.Now().Add(-time.Second), func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "past-due callback never fired")
	}
}
