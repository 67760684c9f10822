package batch

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunReturnsAllResults(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}

	results := Run(context.Background(), items, Options{MaxConcurrent: 3, Timeout: time.Second},
		func(_ context.Context, n int) int { return n * 10 },
		func(n int, _ error) int { return -n })

	if len(results) != len(items) {
		t.Fatalf("got %d results, want %d", len(results), len(items))
	}
	sort.Ints(results)
	want := []int{10, 20, 30, 40, 50, 60, 70}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("results = %v, want %v", results, want)
			break
		}
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	const limit = 5
	var current, peak atomic.Int64
	var mu sync.Mutex

	items := make([]int, 20)
	results := Run(context.Background(), items, Options{MaxConcurrent: limit, Timeout: time.Second},
		func(_ context.Context, _ int) struct{} {
			n := current.Add(1)
			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return struct{}{}
		},
		func(_ int, _ error) struct{} { return struct{}{} })

	if len(results) != 20 {
		t.Fatalf("got %d results, want 20", len(results))
	}
	if p := peak.Load(); p > limit {
		t.Errorf("peak concurrency %d exceeds limit %d", p, limit)
	}
}

func TestRunTimeoutProducesTimeoutResult(t *testing.T) {
	type result struct {
		id       int
		timedOut bool
	}

	items := []int{1, 2, 3}
	results := Run(context.Background(), items, Options{MaxConcurrent: 3, Timeout: 30 * time.Millisecond},
		func(ctx context.Context, n int) result {
			if n == 2 {
				// Honors cancellation.
				<-ctx.Done()
				return result{id: n, timedOut: true}
			}
			return result{id: n}
		},
		func(n int, _ error) result { return result{id: n, timedOut: true} })

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	timedOut := 0
	for _, r := range results {
		if r.timedOut {
			timedOut++
		}
	}
	if timedOut != 1 {
		t.Errorf("timed out %d, want 1", timedOut)
	}
}

func TestRunAbandonsStuckWorker(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	items := []int{1, 2, 3, 4}
	start := time.Now()

	// Worker 1 ignores its context entirely. The batch must still finish
	// around the deadline instead of hanging.
	results := Run(context.Background(), items, Options{MaxConcurrent: 2, Timeout: 50 * time.Millisecond},
		func(_ context.Context, n int) int {
			if n == 1 {
				<-release
			}
			return n
		},
		func(n int, _ error) int { return -n })

	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("batch took %s, stuck worker wedged the pool", elapsed)
	}

	negatives := 0
	for _, r := range results {
		if r < 0 {
			negatives++
		}
	}
	if negatives != 1 {
		t.Errorf("%d timeout results, want 1", negatives)
	}
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	if opts.MaxConcurrent != DefaultMaxConcurrent {
		t.Errorf("MaxConcurrent = %d, want %d", opts.MaxConcurrent, DefaultMaxConcurrent)
	}
	if opts.Timeout != DefaultTaskTimeout {
		t.Errorf("Timeout = %s, want %s", opts.Timeout, DefaultTaskTimeout)
	}
}
