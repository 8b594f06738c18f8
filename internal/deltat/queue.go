package deltat

import (
	"sync/atomic"

	"github.com/basekick-labs/deltat/pkg/models"
)

type queueNode struct {
	sample models.PointSample
	next   atomic.Pointer[queueNode]
}

// Queue is an unbounded lock-free multi-producer FIFO of samples
// (Michael-Scott linked queue). Enqueue never blocks and never fails.
// Dequeue is called by one consumer at a time (the flush cycle).
type Queue struct {
	head atomic.Pointer[queueNode]
	tail atomic.Pointer[queueNode]
	size atomic.Int64
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	sentinel := &queueNode{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// Enqueue appends s to the tail of the queue.
func (q *Queue) Enqueue(s models.PointSample) {
	n := &queueNode{sample: s}
	q.size.Add(1)
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next != nil {
			// Tail is lagging; help it forward.
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			return
		}
	}
}

// Dequeue removes the sample at the head of the queue.
func (q *Queue) Dequeue() (models.PointSample, bool) {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if next == nil {
			return models.PointSample{}, false
		}
		if head == tail {
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		s := next.sample
		if q.head.CompareAndSwap(head, next) {
			// next is the new sentinel; drop its reference to the sample.
			next.sample = models.PointSample{}
			q.size.Add(-1)
			return s, true
		}
	}
}

// DequeueBatch removes up to max samples from the head of the queue.
func (q *Queue) DequeueBatch(max int) []models.PointSample {
	if max <= 0 {
		return nil
	}
	n := q.Len()
	if n > max {
		n = max
	}
	batch := make([]models.PointSample, 0, n)
	for len(batch) < max {
		s, ok := q.Dequeue()
		if !ok {
			break
		}
		batch = append(batch, s)
	}
	return batch
}

// Len returns the approximate number of queued samples.
func (q *Queue) Len() int {
	n := q.size.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}
