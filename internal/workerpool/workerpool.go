// Package workerpool implements a small fixed-size goroutine pool for
// blocking work (here, SQLite calls), so that HTTP handler goroutines
// never issue a blocking database call directly — they submit a job and
// wait on a channel instead. This is the Go-idiomatic stand-in for the
// spec's "bounded worker pool sized to the DB connection count" (see
// SPEC_FULL.md §9, "Blocking-vs-async bridge"); no equivalent library
// appears anywhere in the retrieved pack, so this is built on stdlib
// channels and goroutines only.
//
// Goroutine/channel texture grounded on go-node/discover.go and
// go-node/mixnet.go's background-goroutine-plus-select style.
package workerpool

import "context"

// Job is a unit of blocking work submitted to the pool.
type Job func() (any, error)

type request struct {
	job    Job
	result chan result
}

type result struct {
	value any
	err   error
}

// Pool runs submitted jobs on a fixed number of worker goroutines.
type Pool struct {
	jobs chan request
	done chan struct{}
}

// New starts a pool with the given number of workers. size is clamped to
// at least 1.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		jobs: make(chan request),
		done: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for {
		select {
		case req, ok := <-p.jobs:
			if !ok {
				return
			}
			v, err := req.job()
			req.result <- result{value: v, err: err}
		case <-p.done:
			return
		}
	}
}

// Submit runs job on the pool and blocks until it completes or ctx is
// done. A canceled context does not stop the job once it has started
// running (matching the original's spawn_blocking semantics, which the
// spec's §5 "Cancellation and timeouts" calls out as non-cancellable
// once offloaded) — it only stops the caller from waiting on it.
func (p *Pool) Submit(ctx context.Context, job Job) (any, error) {
	req := request{job: job, result: make(chan result, 1)}
	select {
	case p.jobs <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, context.Canceled
	}

	select {
	case res := <-req.result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting new jobs and signals workers to exit once idle.
func (p *Pool) Close() {
	close(p.done)
}
