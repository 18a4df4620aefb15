package keylock

import (
	"sync"
	"testing"
	"time"
)

func TestMap_SerializesSameKey(t *testing.T) {
	var m Map
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		overlap bool
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("p1")
			defer unlock()
			mu.Lock()
			inside++
			if inside > 1 {
				overlap = true
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if overlap {
		t.Error("two holders of the same key at once")
	}
}

func TestMap_DistinctKeysDoNotBlock(t *testing.T) {
	var m Map
	unlock := m.Lock("a")
	defer unlock()

	done := make(chan struct{})
	go func() {
		m.Lock("b")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b waited for a")
	}
}

func TestMap_ReclaimsReleasedKeys(t *testing.T) {
	var m Map
	unlockA := m.Lock("a")

	acquired := make(chan func())
	go func() { acquired <- m.Lock("a") }()
	unlockB := m.Lock("b")
	if n := m.Len(); n != 2 {
		t.Fatalf("Len = %d, want 2", n)
	}
	unlockB()
	unlockA()

	unlockA2 := <-acquired
	if n := m.Len(); n != 1 {
		t.Errorf("Len with waiter holding a = %d, want 1", n)
	}
	unlockA2()
	if n := m.Len(); n != 0 {
		t.Errorf("Len after release = %d, want 0", n)
	}
}
