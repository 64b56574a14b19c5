package roomlocks

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockSerializesSameRoom(t *testing.T) {
	table := NewTable()
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock := table.Lock("!room:example.org")
			defer unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	assert.Len(t, order, 5)
}

func TestLockIsIndependentAcrossRooms(t *testing.T) {
	table := NewTable()
	unlockA := table.Lock("!a:example.org")
	done := make(chan struct{})
	go func() {
		unlockB := table.Lock("!b:example.org")
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different room blocked unexpectedly")
	}
	unlockA()
}
