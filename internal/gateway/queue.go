package gateway

import (
	"context"
	"sync"
)

// sendJob is one outbound frame waiting for its turn on the wire.
type sendJob struct {
	p      *pending
	req    Request
	result chan error // nil for continuations
}

func (j *sendJob) finish(err error) {
	if j.result != nil {
		j.result <- err
	}
}

// sendQueue is an unbounded FIFO. The event sink pushes continuations into it,
// so push must never block.
type sendQueue struct {
	mu     sync.Mutex
	jobs   []*sendJob
	notify chan struct{}
}

func newSendQueue() *sendQueue {
	return &sendQueue{notify: make(chan struct{}, 1)}
}

func (q *sendQueue) push(j *sendJob) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until a job is available or ctx is done.
func (q *sendQueue) pop(ctx context.Context) (*sendJob, bool) {
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			j := q.jobs[0]
			q.jobs[0] = nil
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			return j, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.notify:
		}
	}
}

// drain removes every queued job.
func (q *sendQueue) drain() []*sendJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.jobs
	q.jobs = nil
	return jobs
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
