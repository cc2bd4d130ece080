package messaging

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool(t *testing.T) {
	t.Run("serves lower priority values first and keeps FIFO within a priority", func(t *testing.T) {
		pool := newWorkerPool("test", contracts.ProcessingGroupInfo{ConcurrencyLevel: 1}, slog.Default())
		defer pool.close()

		release := make(chan struct{})
		started := make(chan struct{})
		require.True(t, pool.enqueue(0, func(int) {
			close(started)
			<-release
		}))
		<-started

		var mu sync.Mutex
		var order []string
		add := func(priority uint, name string) {
			require.True(t, pool.enqueue(priority, func(int) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
			}))
		}
		add(2, "c1")
		add(0, "a1")
		add(1, "b1")
		add(0, "a2")
		add(2, "c2")
		close(release)

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) == 5
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"a1", "a2", "b1", "c1", "c2"}, order)
	})

	t.Run("bounded queue blocks the producer until a slot frees", func(t *testing.T) {
		pool := newWorkerPool("bounded", contracts.ProcessingGroupInfo{ConcurrencyLevel: 1, QueueLength: 1}, slog.Default())
		defer pool.close()

		release := make(chan struct{})
		started := make(chan struct{})
		require.True(t, pool.enqueue(0, func(int) {
			close(started)
			<-release
		}))
		<-started
		require.True(t, pool.enqueue(0, func(int) {}))

		var enqueued atomic.Bool
		go func() {
			pool.enqueue(0, func(int) {})
			enqueued.Store(true)
		}()

		time.Sleep(50 * time.Millisecond)
		assert.False(t, enqueued.Load())

		close(release)
		assert.Eventually(t, enqueued.Load, time.Second, 5*time.Millisecond)
	})

	t.Run("close drains queued tasks and rejects new ones", func(t *testing.T) {
		pool := newWorkerPool("drain", contracts.ProcessingGroupInfo{ConcurrencyLevel: 2}, slog.Default())

		var ran int32
		for i := 0; i < 10; i++ {
			require.True(t, pool.enqueue(0, func(int) {
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&ran, 1)
			}))
		}
		pool.close()

		assert.Equal(t, int32(10), atomic.LoadInt32(&ran))
		assert.False(t, pool.enqueue(0, func(int) {}))
		assert.Equal(t, WorkerPoolStats{Workers: 2}, pool.stats())
	})
}
