package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-relay/contracts"
)

var errFailedWhileSubscribing = errors.New("transport failed while subscribing")

type subscriptionState int

const (
	stateAttempting subscriptionState = iota
	stateActive
	stateFailed
	stateDisposed
)

func (s subscriptionState) String() string {
	switch s {
	case stateAttempting:
		return "attempting"
	case stateActive:
		return "active"
	case stateFailed:
		return "failed"
	case stateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// subscription is the manager-side record of one Subscribe call.
//
// Each subscribe attempt carries a generation number. Failure notifications
// registered by an older attempt are ignored, so a stale processing group cannot
// tear down a newer broker subscription.
type subscription struct {
	manager     *SubscriptionManager
	endpoint    contracts.Endpoint
	messageType string
	groupName   string
	priority    uint
	callback    CallbackFunc
	pool        *workerPool
	scope       *ackScope
	logger      *slog.Logger

	disposed    atomic.Bool
	disposeOnce sync.Once

	mu                    sync.Mutex
	state                 subscriptionState
	generation            uint64
	attempting            bool
	failedWhileAttempting bool
	handle                Disposable
	listener              Disposable
	retryTimer            *time.Timer
	failures              int
	stopped               bool
}

// start resolves the processing group on the caller's goroutine so configuration
// errors are returned from Subscribe, then subscribes in the background
func (s *subscription) start() error {
	gen, ok := s.beginAttempt()
	if !ok {
		return ErrManagerClosed
	}

	group, err := s.resolve(gen)
	if err != nil && contracts.IsConfigurationError(err) {
		s.manager.metrics.RecordSubscribeAttempt(s.endpoint.Destination, false)
		return err
	}

	go s.complete(group, err)
	return nil
}

func (s *subscription) attempt() {
	gen, ok := s.beginAttempt()
	if !ok {
		return
	}
	group, err := s.resolve(gen)
	s.complete(group, err)
}

func (s *subscription) beginAttempt() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateDisposed || s.attempting {
		return 0, false
	}
	s.attempting = true
	s.failedWhileAttempting = false
	s.state = stateAttempting
	s.retryTimer = nil
	s.generation++
	return s.generation, true
}

// resolve looks up the processing group and replaces the failure registration of
// the previous attempt
func (s *subscription) resolve(gen uint64) (ProcessingGroup, error) {
	group, listener, err := s.manager.groups.GetProcessingGroup(s.endpoint.TransportID, s.groupName, func() {
		s.transportFailed(gen)
	})

	s.mu.Lock()
	previous := s.listener
	s.listener = nil
	disposed := s.state == stateDisposed
	if err == nil && !disposed {
		s.listener = listener
	}
	s.mu.Unlock()

	if previous != nil {
		previous.Dispose()
	}
	if err == nil && disposed {
		listener.Dispose()
	}
	return group, err
}

func (s *subscription) complete(group ProcessingGroup, err error) {
	var handle Disposable
	if err == nil {
		handle, err = s.subscribeTo(group)
	}
	s.finishAttempt(handle, err)
}

func (s *subscription) subscribeTo(group ProcessingGroup) (handle Disposable, err error) {
	defer func() {
		if r := recover(); r != nil {
			handle = nil
			err = fmt.Errorf("subscribe panicked: %v", r)
		}
	}()

	handle, err = group.Subscribe(s.endpoint.Destination, s.deliver, s.messageType)
	if err == nil && handle == nil {
		handle = NewDisposable(nil)
	}
	return handle, err
}

func (s *subscription) finishAttempt(handle Disposable, err error) {
	s.mu.Lock()
	s.attempting = false

	if s.state == stateDisposed {
		s.mu.Unlock()
		if handle != nil {
			handle.Dispose()
		}
		return
	}

	if err == nil && s.failedWhileAttempting {
		s.state = stateAttempting
		s.mu.Unlock()

		handle.Dispose()
		s.logger.Warn("transport failed while subscribing, retrying", "error", errFailedWhileSubscribing)
		s.manager.metrics.RecordResubscription(s.endpoint.Destination)
		go s.attempt()
		return
	}

	if err == nil {
		s.failures = 0
		s.stopped = false
		s.state = stateActive
		s.handle = handle
		s.mu.Unlock()

		s.manager.metrics.RecordSubscribeAttempt(s.endpoint.Destination, true)
		s.logger.Info("subscribed")
		return
	}

	s.failures++
	s.state = stateFailed
	attempt := s.failures

	if contracts.IsConfigurationError(err) {
		s.stopped = true
		s.mu.Unlock()
		s.manager.metrics.RecordSubscribeAttempt(s.endpoint.Destination, false)
		s.logger.Error("subscription stopped on configuration error", "error", err)
		return
	}

	retry, delay := s.manager.policy.ShouldRetry(attempt, err)
	if retry {
		s.retryTimer = time.AfterFunc(delay, s.attempt)
	} else {
		s.stopped = true
	}
	s.mu.Unlock()

	s.manager.metrics.RecordSubscribeAttempt(s.endpoint.Destination, false)
	if !retry {
		s.logger.Error("failed to subscribe, giving up", "attempt", attempt, "error", err)
		return
	}
	s.manager.metrics.RecordResubscription(s.endpoint.Destination)
	s.logger.Warn("failed to subscribe, will retry",
		"attempt", attempt,
		"retryIn", delay,
		"error", err,
	)
}

// transportFailed handles the failure notification registered by attempt gen
func (s *subscription) transportFailed(gen uint64) {
	s.mu.Lock()
	if s.state == stateDisposed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	if s.attempting {
		s.failedWhileAttempting = true
		s.mu.Unlock()
		return
	}
	if s.state != stateActive {
		// a retry is already scheduled
		s.mu.Unlock()
		return
	}
	handle := s.handle
	s.handle = nil
	s.state = stateAttempting
	s.mu.Unlock()

	s.logger.Warn("transport failure, resubscribing")
	if handle != nil {
		handle.Dispose()
	}
	s.manager.metrics.RecordResubscription(s.endpoint.Destination)
	go s.attempt()
}

func (s *subscription) status() SubscriptionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubscriptionStatus{
		Endpoint:    s.endpoint,
		MessageType: s.messageType,
		Group:       s.groupName,
		State:       s.state.String(),
		Failures:    s.failures,
		Stopped:     s.stopped,
	}
}

func (s *subscription) currentState() subscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// deliver is the DeliveryFunc handed to the processing group
func (s *subscription) deliver(msg *contracts.BinaryMessage, ack func(bool)) {
	if s.disposed.Load() {
		s.reject(msg, ack)
		return
	}

	queued := s.pool.enqueue(s.priority, func(worker int) {
		s.process(worker, msg, ack)
	})
	if !queued {
		s.reject(msg, ack)
		return
	}
	s.manager.metrics.RecordQueueDepth(s.groupName, s.pool.stats().Queued)
}

func (s *subscription) reject(msg *contracts.BinaryMessage, ack func(bool)) {
	s.manager.acks.execute(ack, false)
	s.manager.metrics.RecordAck(false, false)
	s.manager.metrics.RecordMessage(s.groupName, msg.Type, 0, OutcomeRejected)
}

func (s *subscription) process(worker int, msg *contracts.BinaryMessage, ack func(bool)) {
	if s.disposed.Load() {
		s.reject(msg, ack)
		return
	}

	a := &acknowledger{sub: s, ack: ack}
	start := time.Now()
	panicked := s.invoke(worker, msg, a.acknowledge)
	duration := time.Since(start)

	var outcome string
	switch {
	case panicked:
		if !a.called.Load() {
			a.acknowledge(0, false)
		}
		outcome = OutcomePanicked
	case !a.called.Load():
		s.logger.Warn("callback returned without acknowledging the message", "type", msg.Type)
		outcome = OutcomeUnacknowledged
	case a.success.Load():
		outcome = OutcomeAcked
	default:
		outcome = OutcomeNacked
	}

	s.manager.metrics.RecordMessage(s.groupName, msg.Type, duration, outcome)
}

func (s *subscription) invoke(worker int, msg *contracts.BinaryMessage, ack AcknowledgeFunc) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			s.logger.Error("callback panicked", "worker", worker, "type", msg.Type, "panic", r)
		}
	}()

	s.callback(msg, ack)
	return false
}

// Dispose stops the subscription. Messages still queued for it are rejected and
// its deferred acknowledgements are executed immediately.
func (s *subscription) Dispose() {
	s.disposeOnce.Do(func() {
		s.disposed.Store(true)

		s.mu.Lock()
		s.state = stateDisposed
		if s.retryTimer != nil {
			s.retryTimer.Stop()
			s.retryTimer = nil
		}
		handle := s.handle
		s.handle = nil
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()

		if handle != nil {
			handle.Dispose()
		}
		if listener != nil {
			listener.Dispose()
		}
		s.manager.acks.flush(s.scope)
		s.manager.remove(s)

		s.logger.Debug("subscription disposed")
	})
}

// acknowledger is the AcknowledgeFunc handed to one callback invocation
type acknowledger struct {
	sub     *subscription
	ack     func(bool)
	called  atomic.Bool
	success atomic.Bool
}

func (a *acknowledger) acknowledge(delay time.Duration, success bool) {
	if !a.called.CompareAndSwap(false, true) {
		a.sub.logger.Warn("message acknowledged more than once, ignoring")
		return
	}
	a.success.Store(success)

	m := a.sub.manager
	if delay <= 0 {
		m.acks.execute(a.ack, success)
		m.metrics.RecordAck(false, success)
		return
	}
	m.metrics.RecordAck(true, success)
	m.acks.schedule(a.sub.scope, delay, a.ack, success)
}
