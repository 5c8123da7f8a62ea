package syncx

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrClosed = errors.New("queue closed")

// PriorityQueue executes submitted work with at most maxParallel items
// running concurrently. Whenever a slot frees, the most urgent pending item
// (per less, FIFO among equals) is dispatched next. Requests are never
// dropped; a request whose context ends before dispatch is abandoned without
// running. Work that has been dispatched runs to completion with a context
// detached from the caller's cancellation.
type PriorityQueue[P any] struct {
	less        func(a, b P) bool
	maxParallel int

	mu     sync.Mutex
	items  pqHeap[P]
	seq    uint64
	closed bool

	wake     chan struct{}
	slots    chan struct{}
	stop     chan struct{}
	loopDone chan struct{}
	running  atomic.Int64
	inflight sync.WaitGroup
}

type pqItem[P any] struct {
	priority P
	seq      uint64
	index    int
	ctx      context.Context
	work     func(context.Context) error
	done     chan error
}

func NewPriorityQueue[P any](maxParallel int, less func(a, b P) bool) *PriorityQueue[P] {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	q := &PriorityQueue[P]{
		less:        less,
		maxParallel: maxParallel,
		wake:        make(chan struct{}, 1),
		slots:       make(chan struct{}, maxParallel),
		stop:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	q.items.less = less
	go q.loop()
	return q
}

// Run blocks until work has executed and returns its error. If ctx ends
// before dispatch, Run returns ctx.Err() and work never runs.
func (q *PriorityQueue[P]) Run(ctx context.Context, priority P, work func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	item := &pqItem[P]{
		priority: priority,
		ctx:      ctx,
		work:     work,
		done:     make(chan error, 1),
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.seq++
	item.seq = q.seq
	heap.Push(&q.items, item)
	q.mu.Unlock()
	q.signal()

	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		q.mu.Lock()
		if item.index >= 0 {
			heap.Remove(&q.items, item.index)
			q.mu.Unlock()
			return ctx.Err()
		}
		q.mu.Unlock()
		return <-item.done
	}
}

// RunValue is Run for work that produces a value.
func RunValue[P, T any](ctx context.Context, q *PriorityQueue[P], priority P, work func(context.Context) (T, error)) (T, error) {
	var out T
	err := q.Run(ctx, priority, func(ctx context.Context) error {
		v, err := work(ctx)
		out = v
		return err
	})
	return out, err
}

func (q *PriorityQueue[P]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *PriorityQueue[P]) Running() int {
	return int(q.running.Load())
}

func (q *PriorityQueue[P]) MaxParallel() int {
	return q.maxParallel
}

// Close stops dispatching, fails every undispatched request with ErrClosed
// and waits for running work to finish.
func (q *PriorityQueue[P]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.items.items
	q.items.items = nil
	for _, item := range pending {
		item.index = -1
	}
	q.mu.Unlock()

	close(q.stop)
	<-q.loopDone
	for _, item := range pending {
		item.done <- ErrClosed
	}
	q.inflight.Wait()
}

func (q *PriorityQueue[P]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *PriorityQueue[P]) loop() {
	defer close(q.loopDone)
	for {
		select {
		case q.slots <- struct{}{}:
		case <-q.stop:
			return
		}
		item := q.next()
		if item == nil {
			<-q.slots
			return
		}
		if err := item.ctx.Err(); err != nil {
			<-q.slots
			item.done <- err
			continue
		}
		q.running.Add(1)
		q.inflight.Add(1)
		go func(item *pqItem[P]) {
			defer q.inflight.Done()
			err := item.work(context.WithoutCancel(item.ctx))
			q.running.Add(-1)
			<-q.slots
			item.done <- err
		}(item)
	}
}

func (q *PriorityQueue[P]) next() *pqItem[P] {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			item := heap.Pop(&q.items).(*pqItem[P])
			q.mu.Unlock()
			return item
		}
		q.mu.Unlock()
		select {
		case <-q.wake:
		case <-q.stop:
			return nil
		}
	}
}

type pqHeap[P any] struct {
	items []*pqItem[P]
	less  func(a, b P) bool
}

func (h pqHeap[P]) Len() int { return len(h.items) }

func (h pqHeap[P]) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if h.less(a.priority, b.priority) {
		return true
	}
	if h.less(b.priority, a.priority) {
		return false
	}
	return a.seq < b.seq
}

func (h pqHeap[P]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *pqHeap[P]) Push(x any) {
	item := x.(*pqItem[P])
	item.index = len(h.items)
	h.items = append(h.items, item)
}

func (h *pqHeap[P]) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	h.items = old[:n-1]
	return item
}
