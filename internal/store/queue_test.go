package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pilsy/normstore/internal/entity"
	"github.com/pilsy/normstore/internal/update"
)

func TestQueueFIFO(t *testing.T) {
	q := newActionQueue()
	q.Enqueue(update.NewDeleteOne("User", "1"))
	q.Enqueue(update.NewDeleteOne("User", "2"), update.NewDeleteOne("User", "3"))

	batch := q.DequeueUpTo(10)
	assert.Len(t, batch, 3)
	assert.Equal(t, "1", batch[0].ID)
	assert.Equal(t, "2", batch[1].ID)
	assert.Equal(t, "3", batch[2].ID)
	assert.Equal(t, 0, q.Len())
}

func TestQueueDequeueBound(t *testing.T) {
	q := newActionQueue()
	for i := 0; i < 5; i++ {
		q.Enqueue(update.NewUpsertOne("User", entity.Record{"id": "x"}))
	}

	assert.Len(t, q.DequeueUpTo(2), 2)
	assert.Equal(t, 3, q.Len())
	assert.Len(t, q.DequeueUpTo(10), 3)
	assert.Nil(t, q.DequeueUpTo(10))
}

func TestQueueSignalCoalesces(t *testing.T) {
	q := newActionQueue()
	q.Enqueue(update.NewClear())
	q.Enqueue(update.NewClear())

	<-q.Wait()
	select {
	case <-q.Wait():
		t.Fatal("second enqueue should coalesce into one signal")
	default:
	}
}

func TestQueueCloseRejectsEnqueue(t *testing.T) {
	q := newActionQueue()
	assert.True(t, q.Enqueue(update.NewClear()))
	q.Close()
	assert.False(t, q.Enqueue(update.NewClear()))

	// Wait channel is closed, so receives do not block.
	<-q.Wait()
	<-q.Wait()
}

func TestQueueCloseIdempotent(t *testing.T) {
	q := newActionQueue()
	q.Close()
	q.Close()
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := newActionQueue()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Enqueue(update.NewClear())
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, q.Len())
}
