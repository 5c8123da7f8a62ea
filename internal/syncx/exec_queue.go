package syncx

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ExecQueue runs work with at most maxParallel items executing at once.
// Waiters are admitted in arrival order.
type ExecQueue struct {
	sem      *semaphore.Weighted
	capacity int
	running  atomic.Int64
	waiting  atomic.Int64
}

func NewExecQueue(maxParallel int) *ExecQueue {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &ExecQueue{
		sem:      semaphore.NewWeighted(int64(maxParallel)),
		capacity: maxParallel,
	}
}

func (q *ExecQueue) Run(ctx context.Context, work func(context.Context) error) error {
	q.waiting.Add(1)
	err := q.sem.Acquire(ctx, 1)
	q.waiting.Add(-1)
	if err != nil {
		return err
	}
	q.running.Add(1)
	defer func() {
		q.running.Add(-1)
		q.sem.Release(1)
	}()
	return work(ctx)
}

func (q *ExecQueue) Running() int {
	return int(q.running.Load())
}

func (q *ExecQueue) Waiting() int {
	return int(q.waiting.Load())
}

func (q *ExecQueue) Capacity() int {
	return q.capacity
}
