package messaging

import (
	"container/heap"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-relay/contracts"
)

// pendingTask is one message waiting for a worker of its processing group
type pendingTask struct {
	priority uint
	seq      uint64
	run      func(worker int)
}

// taskQueue orders tasks by priority, then arrival
type taskQueue []*pendingTask

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*pendingTask)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return task
}

// WorkerPoolStats describes the load of one processing group
type WorkerPoolStats struct {
	Workers int
	Busy    int
	Queued  int
	// Capacity is the queue bound, 0 when unbounded
	Capacity int
}

// workerPool runs callbacks of one processing group on a fixed number of
// goroutines. Ready tasks are served lowest priority value first; a worker runs
// one task to completion before taking the next.
type workerPool struct {
	name     string
	capacity int
	workers  int
	logger   *slog.Logger

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	queue    taskQueue
	seq      uint64
	busy     int
	closed   bool
	wg       sync.WaitGroup
}

func newWorkerPool(name string, info contracts.ProcessingGroupInfo, logger *slog.Logger) *workerPool {
	info = info.Normalize()
	p := &workerPool{
		name:     name,
		capacity: info.QueueLength,
		workers:  info.ConcurrencyLevel,
		logger:   logger,
	}
	p.notEmpty = sync.NewCond(&p.mu)
	p.notFull = sync.NewCond(&p.mu)

	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.work(i)
	}

	p.logger.Debug("worker pool started",
		"group", name,
		"workers", p.workers,
		"queueLength", p.capacity,
	)

	return p
}

// enqueue adds a task. With a bounded queue it blocks while the queue is full,
// which pushes back on the delivering transport. It returns false once the pool
// is closed.
func (p *workerPool) enqueue(priority uint, run func(worker int)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.capacity > 0 && len(p.queue) >= p.capacity && !p.closed {
		p.notFull.Wait()
	}
	if p.closed {
		return false
	}

	p.seq++
	heap.Push(&p.queue, &pendingTask{priority: priority, seq: p.seq, run: run})
	p.notEmpty.Signal()
	return true
}

func (p *workerPool) work(worker int) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.notEmpty.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		task := heap.Pop(&p.queue).(*pendingTask)
		p.busy++
		p.notFull.Signal()
		p.mu.Unlock()

		task.run(worker)

		p.mu.Lock()
		p.busy--
		p.mu.Unlock()
	}
}

func (p *workerPool) stats() WorkerPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return WorkerPoolStats{
		Workers:  p.workers,
		Busy:     p.busy,
		Queued:   len(p.queue),
		Capacity: p.capacity,
	}
}

// close stops accepting tasks, lets the workers drain what is queued and waits
// for them to exit
func (p *workerPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	p.notEmpty.Broadcast()
	p.notFull.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("worker pool stopped", "group", p.name)
}
