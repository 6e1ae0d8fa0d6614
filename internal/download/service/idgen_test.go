package service

import (
	"sync"
	"testing"
)

func TestULIDGeneratorUnique(t *testing.T) {
	gen := NewULIDGenerator()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen.Generate()
		if len(id) != 26 {
			t.Fatalf("len(id) = %d, want 26", len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestULIDGeneratorConcurrent(t *testing.T) {
	gen := NewULIDGenerator()

	const goroutines = 8
	const perGoroutine = 250

	results := make([][]string, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			ids := make([]string, 0, perGoroutine)
			for j := 0; j < perGoroutine; j++ {
				ids = append(ids, gen.Generate())
			}
			results[slot] = ids
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, goroutines*perGoroutine)
	for _, ids := range results {
		for _, id := range ids {
			if seen[id] {
				t.Fatalf("duplicate id %s across goroutines", id)
			}
			seen[id] = true
		}
	}
	if len(seen) != goroutines*perGoroutine {
		t.Errorf("generated %d distinct ids, want %d", len(seen), goroutines*perGoroutine)
	}
}
