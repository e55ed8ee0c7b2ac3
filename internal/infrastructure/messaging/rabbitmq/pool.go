package rabbitmq

import "sync"

// workerPool bounds the number of envelopes processed in parallel to match
// the channel prefetch. Stopping closes intake only: jobs already queued
// still run, since each holds an unacked delivery that must reach a
// disposition.
type workerPool struct {
	jobs chan func()
	wg   sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func newWorkerPool(workers int) *workerPool {
	if workers < 1 {
		workers = 1
	}
	wp := &workerPool{jobs: make(chan func(), workers*2)}
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
	return wp
}

func (wp *workerPool) worker() {
	defer wp.wg.Done()
	for job := range wp.jobs {
		job()
	}
}

// Submit enqueues a job; dropped once the pool is stopping.
func (wp *workerPool) Submit(job func()) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.stopped {
		return
	}
	wp.jobs <- job
}

// Wait stops intake and blocks until every queued and in-flight job finishes.
func (wp *workerPool) Wait() {
	wp.mu.Lock()
	if !wp.stopped {
		wp.stopped = true
		close(wp.jobs)
	}
	wp.mu.Unlock()
	wp.wg.Wait()
}
