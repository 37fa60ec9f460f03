package ordersn_test

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/quota-saga/internal/ordersn"
)

func TestGenerator_Monotonic(t *testing.T) {
	gen := ordersn.New()

	prev := gen.Next()
	for i := 0; i < 1000; i++ {
		next := gen.Next()
		if next <= prev {
			t.Fatalf("expected strictly increasing sn, got %s after %s", next, prev)
		}
		prev = next
	}
}

func TestGenerator_UniqueUnderConcurrency(t *testing.T) {
	gen := ordersn.New()

	const workers = 8
	const perWorker = 500

	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, gen.Next())
			}
			mu.Lock()
			for _, sn := range local {
				seen[sn] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d unique sn, got %d", workers*perWorker, len(seen))
	}
}

func TestGenerator_ClockGoingBackwards(t *testing.T) {
	times := []time.Time{
		time.UnixMilli(2000),
		time.UnixMilli(1000), // часы ушли назад
		time.UnixMilli(1500),
	}
	idx := 0
	gen := ordersn.NewWithClock(7, func() time.Time {
		ts := times[idx]
		if idx < len(times)-1 {
			idx++
		}
		return ts
	})

	sns := []string{gen.Next(), gen.Next(), gen.Next()}
	sorted := append([]string(nil), sns...)
	sort.Strings(sorted)
	for i := range sns {
		if sns[i] != sorted[i] {
			t.Fatalf("sn order broken by backwards clock: %v", sns)
		}
	}
	if sns[0] == sns[1] || sns[1] == sns[2] {
		t.Fatalf("expected unique sn, got %v", sns)
	}
}
