// Package workpool runs batches of independent CPU-bound jobs on a fixed
// set of goroutines.
package workpool

import (
	"runtime"
	"sync"
)

// Pool is a fixed set of worker goroutines fed from one queue.
//
// Thread safety: Pool is safe for concurrent use.
type Pool struct {
	workers int
	jobs    chan func()
	wg      sync.WaitGroup

	// mu orders Close after in-flight Run submissions.
	mu     sync.RWMutex
	closed bool
}

// New starts a pool with the given number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		workers: workers,
		jobs:    make(chan func(), workers*4),
	}
	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}

// Run executes every job and returns when all have finished. After Close,
// jobs run on the calling goroutine.
func (p *Pool) Run(jobs []func()) {
	if len(jobs) == 0 {
		return
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		for _, job := range jobs {
			job()
		}
		return
	}

	var done sync.WaitGroup
	done.Add(len(jobs))
	for _, job := range jobs {
		p.jobs <- func() {
			defer done.Done()
			job()
		}
	}
	p.mu.RUnlock()
	done.Wait()
}

// Close waits for queued jobs and stops the workers. Close is safe to call
// multiple times.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int { return p.workers }
