// Package workerspool bounds the goroutines the reference kernels fan out
// when sweeping large tensors, so nested kernel invocations cannot multiply
// into unbounded parallelism.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool runs data-parallel sweeps with a soft cap on parallelism.
//
// The zero parallelism value disables the pool: sweeps run inline on the
// caller's goroutine, which keeps execution deterministic for debugging.
type Pool struct {
	maxParallelism int
}

// New returns a Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return &Pool{maxParallelism: runtime.NumCPU()}
}

// MaxParallelism returns the parallelism cap. Zero means disabled.
func (w *Pool) MaxParallelism() int { return w.maxParallelism }

// SetMaxParallelism sets the parallelism cap. Only change it while no sweep
// is running.
func (w *Pool) SetMaxParallelism(n int) { w.maxParallelism = n }

// IsEnabled reports whether sweeps run on worker goroutines at all.
func (w *Pool) IsEnabled() bool { return w.maxParallelism > 1 }

// ParallelFor runs body(i) for every i in [0, n), split into contiguous
// chunks across at most MaxParallelism goroutines, and returns when all
// chunks finished. Iterations must be independent: body must not touch
// another iteration's output.
func (w *Pool) ParallelFor(n int, body func(i int)) {
	if !w.IsEnabled() || n <= 1 {
		for i := 0; i < n; i++ {
			body(i)
		}
		return
	}
	workers := w.maxParallelism
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				body(i)
			}
		}(start, end)
	}
	wg.Wait()
}
