package procpool

import (
	"sync"
	"testing"
)

func TestTaskRingCapacity(t *testing.T) {
	r := newTaskRing(5)
	if len(r.data) != 8 {
		t.Fatalf("capacity = %d, want 8", len(r.data))
	}
	for i := 0; i < 8; i++ {
		if !r.push(i) {
			t.Fatalf("push(%d) failed before full", i)
		}
	}
	if r.push(8) {
		t.Fatal("push succeeded on a full ring")
	}
	if r.len() != 8 {
		t.Errorf("len = %d", r.len())
	}
	if i, ok := r.pop(); !ok || i != 0 {
		t.Errorf("pop = %d, %v; want 0, true", i, ok)
	}
	if n := r.drain(); n != 7 {
		t.Errorf("drain = %d, want 7", n)
	}
	if _, ok := r.pop(); ok {
		t.Error("pop on empty ring")
	}
}

func TestTaskRingConcurrentConsumers(t *testing.T) {
	const n = 5000
	r := newTaskRing(n)
	for i := 0; i < n; i++ {
		r.push(i)
	}

	var (
		mu   sync.Mutex
		seen = make(map[int]int, n)
		wg   sync.WaitGroup
	)
	for c := 0; c < 8; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i, ok := r.pop()
				if !ok {
					return
				}
				mu.Lock()
				seen[i]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("consumed %d distinct indices, want %d", len(seen), n)
	}
	for i, c := range seen {
		if c != 1 {
			t.Fatalf("index %d consumed %d times", i, c)
		}
	}
}
