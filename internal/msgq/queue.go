// Package msgq implements the FIFO message queue and single consumer
// deferred-processing worker that heavy table decoding (e.g. EIT event
// processing) offloads to, so the reader's packet-dispatch thread never
// runs long work inline. The queue has no capacity limit: Send never
// blocks, and drops a job only once SetQuit has been called.
package msgq

import (
	"context"
	"sync"
	"time"
)

// Job is one unit of deferred work: Process runs on the worker goroutine,
// then Release runs unconditionally afterwards (including when the queue is
// quit before the job is ever processed), mirroring the source's
// processor(arg) followed by an unconditional reference decrement.
type Job struct {
	Process func()
	Release func()
}

// Queue is a single-consumer FIFO of Jobs with quit/drain semantics.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Job
	quit   bool
}

// New creates an empty Queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Send enqueues job. After SetQuit, Send drops the job and runs its Release
// immediately instead of queueing it.
func (q *Queue) Send(job Job) {
	q.mu.Lock()
	if q.quit {
		q.mu.Unlock()
		if job.Release != nil {
			job.Release()
		}
		return
	}
	q.items = append(q.items, job)
	q.mu.Unlock()
	q.cond.Signal()
}

// Receive blocks up to timeout for a job. ok is false on timeout or once
// SetQuit has been called and the queue has drained.
func (q *Queue) Receive(timeout time.Duration) (job Job, ok bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.quit {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Job{}, false
		}
		waitWithTimeout(q.cond, remaining)
	}

	if len(q.items) == 0 {
		return Job{}, false
	}
	job = q.items[0]
	q.items = q.items[1:]
	return job, true
}

// SetQuit atomically transitions the queue into drain-and-refuse mode:
// pending Receive calls wake with no message, and every job still queued
// has its Release invoked without Process ever running. Subsequent Sends
// are dropped (with Release invoked immediately).
func (q *Queue) SetQuit() {
	q.mu.Lock()
	q.quit = true
	pending := q.items
	q.items = nil
	q.mu.Unlock()
	q.cond.Broadcast()

	for _, job := range pending {
		if job.Release != nil {
			job.Release()
		}
	}
}

// waitWithTimeout waits on cond for at most d, using a helper goroutine to
// break the unconditional Wait after the timeout elapses.
func waitWithTimeout(cond *sync.Cond, d time.Duration) {
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
		close(done)
	})
	defer timer.Stop()
	cond.Wait()
	select {
	case <-done:
	default:
	}
}

// Worker drains a Queue on a single goroutine, invoking Process for every
// job it dequeues. Construct with NewWorker and Stop to shut down.
type Worker struct {
	queue  *Queue
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker starts the deferred-processing worker goroutine, polling q with
// the given receive timeout so Stop is responsive without busy-waiting.
func NewWorker(q *Queue, pollTimeout time.Duration) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{queue: q, cancel: cancel, done: make(chan struct{})}
	go w.run(ctx, pollTimeout)
	return w
}

func (w *Worker) run(ctx context.Context, pollTimeout time.Duration) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, ok := w.queue.Receive(pollTimeout)
		if !ok {
			continue
		}
		if job.Process != nil {
			job.Process()
		}
		if job.Release != nil {
			job.Release()
		}
	}
}

// Stop signals the worker to exit and waits for its goroutine to finish.
// It does not itself drain the queue; call Queue.SetQuit first if queued
// jobs should be released without running.
func (w *Worker) Stop() {
	w.cancel()
	<-w.done
}
