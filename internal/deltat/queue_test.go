package deltat

import (
	"fmt"
	"sync"
	"testing"

	"github.com/basekick-labs/deltat/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()

	_, ok := q.Dequeue()
	assert.False(t, ok)

	for i := 0; i < 3; i++ {
		q.Enqueue(models.PointSample{EntityID: fmt.Sprint(i)})
	}
	assert.Equal(t, 3, q.Len())

	for i := 0; i < 3; i++ {
		s, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprint(i), s.EntityID)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueue_DequeueReleasesSample(t *testing.T) {
	q := NewQueue()
	q.Enqueue(models.PointSample{EntityID: "a"})
	q.Enqueue(models.PointSample{EntityID: "b"})

	s, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "a", s.EntityID)
	assert.Equal(t, models.PointSample{}, q.head.Load().sample)

	s, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "b", s.EntityID)
	assert.Equal(t, models.PointSample{}, q.head.Load().sample)
}

func TestQueue_DequeueBatch(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 12000; i++ {
		q.Enqueue(models.PointSample{Priority: 1})
	}

	assert.Nil(t, q.DequeueBatch(0))
	assert.Len(t, q.DequeueBatch(5000), 5000)
	assert.Equal(t, 7000, q.Len())
	assert.Len(t, q.DequeueBatch(5000), 5000)
	assert.Len(t, q.DequeueBatch(5000), 2000)
	assert.Empty(t, q.DequeueBatch(5000))
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	const producers, perProducer = 8, 2000
	q := NewQueue()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(models.PointSample{EntityID: fmt.Sprint(p), Priority: i})
			}
		}(p)
	}
	wg.Wait()

	require.Equal(t, producers*perProducer, q.Len())

	// every producer's samples come out in the order it enqueued them
	next := make(map[string]int)
	for {
		s, ok := q.Dequeue()
		if !ok {
			break
		}
		assert.Equal(t, next[s.EntityID], s.Priority, "producer %s out of order", s.EntityID)
		next[s.EntityID]++
	}
	for p := 0; p < producers; p++ {
		assert.Equal(t, perProducer, next[fmt.Sprint(p)])
	}
}

func TestQueue_ConcurrentProducersAndConsumer(t *testing.T) {
	const total = 10000
	q := NewQueue()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < total/4; i++ {
				q.Enqueue(models.PointSample{Priority: 1})
			}
		}()
	}

	got := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		got += len(q.DequeueBatch(100))
		select {
		case <-done:
			got += len(q.DequeueBatch(total))
			assert.Equal(t, total, got)
			return
		default:
		}
	}
}
