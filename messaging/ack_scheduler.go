package messaging

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

// ackScope groups the deferred acks of one subscription so they can be flushed together
type ackScope struct {
	flushed bool // guarded by ackScheduler.mu
}

// pendingAck is a transport acknowledgement due at a later time
type pendingAck struct {
	due     time.Time
	seq     uint64
	ack     func(success bool)
	success bool
	scope   *ackScope
}

type ackQueue []*pendingAck

func (q ackQueue) Len() int { return len(q) }

func (q ackQueue) Less(i, j int) bool {
	if !q[i].due.Equal(q[j].due) {
		return q[i].due.Before(q[j].due)
	}
	return q[i].seq < q[j].seq
}

func (q ackQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *ackQueue) Push(x any) { *q = append(*q, x.(*pendingAck)) }

func (q *ackQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// ackScheduler executes deferred acknowledgements on its own goroutine, away
// from the worker pools. Flushing a scope or closing the scheduler executes the
// affected acks immediately rather than dropping them.
type ackScheduler struct {
	logger *slog.Logger

	mu     sync.Mutex
	queue  ackQueue
	seq    uint64
	closed bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func newAckScheduler(logger *slog.Logger) *ackScheduler {
	s := &ackScheduler{
		logger:  logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

// schedule arranges for ack(success) to run after delay. If the scope was
// already flushed or the scheduler closed, the ack runs immediately on the caller.
func (s *ackScheduler) schedule(scope *ackScope, delay time.Duration, ack func(bool), success bool) {
	s.mu.Lock()
	if s.closed || scope.flushed {
		s.mu.Unlock()
		s.execute(ack, success)
		return
	}

	s.seq++
	item := &pendingAck{
		due:     time.Now().Add(delay),
		seq:     s.seq,
		ack:     ack,
		success: success,
		scope:   scope,
	}
	heap.Push(&s.queue, item)
	isHead := s.queue[0] == item
	s.mu.Unlock()

	if isHead {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func (s *ackScheduler) run() {
	defer close(s.stopped)

	for {
		s.mu.Lock()
		now := time.Now()
		var due []*pendingAck
		for len(s.queue) > 0 && !s.queue[0].due.After(now) {
			due = append(due, heap.Pop(&s.queue).(*pendingAck))
		}
		var wait <-chan time.Time
		var timer *time.Timer
		if len(s.queue) > 0 {
			timer = time.NewTimer(s.queue[0].due.Sub(now))
			wait = timer.C
		}
		s.mu.Unlock()

		for _, item := range due {
			s.execute(item.ack, item.success)
		}

		select {
		case <-wait:
		case <-s.wake:
		case <-s.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// flush executes every pending ack of scope now and makes later schedules for
// the scope run immediately
func (s *ackScheduler) flush(scope *ackScope) {
	s.mu.Lock()
	scope.flushed = true
	var flushed []*pendingAck
	kept := s.queue[:0]
	for _, item := range s.queue {
		if item.scope == scope {
			flushed = append(flushed, item)
		} else {
			kept = append(kept, item)
		}
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
	heap.Init(&s.queue)
	s.mu.Unlock()

	s.executeAll(flushed)
}

// pending returns the number of scheduled acks
func (s *ackScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// close stops the timer goroutine and executes everything still pending
func (s *ackScheduler) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	remaining := s.queue
	s.queue = nil
	s.mu.Unlock()

	close(s.done)
	<-s.stopped

	s.executeAll(remaining)
}

func (s *ackScheduler) executeAll(items []*pendingAck) {
	if len(items) == 0 {
		return
	}
	ordered := ackQueue(items)
	heap.Init(&ordered)
	for ordered.Len() > 0 {
		item := heap.Pop(&ordered).(*pendingAck)
		s.execute(item.ack, item.success)
	}
}

func (s *ackScheduler) execute(ack func(bool), success bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("transport acknowledgement panicked", "success", success, "panic", r)
		}
	}()
	ack(success)
}
