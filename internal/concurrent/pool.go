// Package concurrent provides a small generic fan-out/fan-in worker pool
// used anywhere the daemon needs to parallelize a batch of independent,
// blocking operations — the throttle engine uses it to parse a profile's
// message files — while preserving the
// original ordering of results.
package concurrent

import (
	"runtime"
	"sync"
)

// Result pairs a processed value with its original index so callers can
// recover input order after concurrent processing.
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// Pool fans work items out to a fixed number of goroutine workers and
// collects results in the same order as the input slice.
type Pool[T any] struct {
	concurrency int
}

// NewPool creates a Pool with the given concurrency. A non-positive value
// defaults to runtime.NumCPU().
func NewPool[T any](concurrency int) *Pool[T] {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	return &Pool[T]{concurrency: concurrency}
}

// Process distributes items across workers, applies fn to each, and
// returns results in the same order as items. A per-item error does not
// abort the batch; it is carried on that item's Result.
func (p *Pool[T]) Process(items []string, fn func(string) (T, error)) []Result[T] {
	if len(items) == 0 {
		return nil
	}

	workers := p.concurrency
	if workers > len(items) {
		workers = len(items)
	}

	type job struct {
		index int
		item  string
	}

	jobs := make(chan job, len(items))
	results := make([]Result[T], len(items))
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				val, err := fn(j.item)
				results[j.index] = Result[T]{Index: j.index, Value: val, Err: err}
			}
		}()
	}
	for i, item := range items {
		jobs <- job{index: i, item: item}
	}
	close(jobs)
	wg.Wait()

	return results
}
