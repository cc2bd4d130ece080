package messaging

import (
	"errors"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/stretchr/testify/mock"
)

// mockGroupProvider remembers the failure callback of the latest resolution
type mockGroupProvider struct {
	mock.Mock

	mu        sync.Mutex
	onFailure func()
}

func (m *mockGroupProvider) GetProcessingGroup(transportID, groupName string, onFailure func()) (ProcessingGroup, Disposable, error) {
	m.mu.Lock()
	m.onFailure = onFailure
	m.mu.Unlock()

	args := m.Called(transportID, groupName)
	group, _ := args.Get(0).(ProcessingGroup)
	if err := args.Error(1); err != nil {
		return nil, nil, err
	}
	return group, NewDisposable(nil), nil
}

func (m *mockGroupProvider) emulateFailure() {
	m.mu.Lock()
	fn := m.onFailure
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// fakeGroup is a ProcessingGroup whose deliveries are driven by the test
type fakeGroup struct {
	mu             sync.Mutex
	subscribers    map[string]DeliveryFunc
	subscribeCalls int
	disposeCalls   int
	closeCalls     int
	failSubscribe  func(call int) error
}

func newFakeGroup() *fakeGroup {
	return &fakeGroup{subscribers: make(map[string]DeliveryFunc)}
}

func (g *fakeGroup) Send(destination string, msg *contracts.BinaryMessage, ttl time.Duration) error {
	return nil
}

func (g *fakeGroup) Subscribe(destination string, callback DeliveryFunc, messageType string) (Disposable, error) {
	g.mu.Lock()
	g.subscribeCalls++
	call := g.subscribeCalls
	hook := g.failSubscribe
	g.mu.Unlock()

	if hook != nil {
		if err := hook(call); err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	g.subscribers[destination] = callback
	g.mu.Unlock()

	return NewDisposable(func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.disposeCalls++
		delete(g.subscribers, destination)
	}), nil
}

func (g *fakeGroup) SendRequest(destination string, msg *contracts.BinaryMessage, callback func(*contracts.BinaryMessage)) (*RequestHandle, error) {
	return nil, errors.New("not supported")
}

func (g *fakeGroup) RegisterHandler(destination string, handler func(*contracts.BinaryMessage) *contracts.BinaryMessage, messageType string) (Disposable, error) {
	return nil, errors.New("not supported")
}

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeCalls++
	return nil
}

func (g *fakeGroup) closes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closeCalls
}

func (g *fakeGroup) subscribed(destination string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.subscribers[destination]
	return ok
}

func (g *fakeGroup) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.subscribeCalls
}

func (g *fakeGroup) disposals() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disposeCalls
}

// deliver hands msg to the subscriber of destination and returns the recorder
// of the transport acknowledgement
func (g *fakeGroup) deliver(destination string, msg *contracts.BinaryMessage) *ackRecorder {
	g.mu.Lock()
	callback := g.subscribers[destination]
	g.mu.Unlock()

	rec := newAckRecorder()
	if callback != nil {
		callback(msg, rec.ack)
	}
	return rec
}

type ackRecorder struct {
	mu      sync.Mutex
	calls   int
	success bool
	at      time.Time
	done    chan struct{}
}

func newAckRecorder() *ackRecorder {
	return &ackRecorder{done: make(chan struct{})}
}

func (r *ackRecorder) ack(success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls == 1 {
		r.success = success
		r.at = time.Now()
		close(r.done)
	}
}

func (r *ackRecorder) acked() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *ackRecorder) result() (success bool, at time.Time, calls int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.success, r.at, r.calls
}

// fakeTransport hands out fakeGroups and remembers their failure callbacks
type fakeTransport struct {
	mu            sync.Mutex
	onFailure     func()
	groups        []*fakeGroup
	groupFailures []func()
	closeCalls    int
}

func (t *fakeTransport) CreateProcessingGroup(onFailure func()) (ProcessingGroup, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	group := newFakeGroup()
	t.groups = append(t.groups, group)
	t.groupFailures = append(t.groupFailures, onFailure)
	return group, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCalls++
	return nil
}

func (t *fakeTransport) fail() {
	t.onFailure()
}

func (t *fakeTransport) failGroup(i int) {
	t.mu.Lock()
	fn := t.groupFailures[i]
	t.mu.Unlock()
	fn()
}

func (t *fakeTransport) closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// fakeFactory builds fakeTransports for the "Fake" driver
type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
}

func (f *fakeFactory) Name() string { return "Fake" }

func (f *fakeFactory) Create(info contracts.TransportInfo, onFailure func()) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{onFailure: onFailure}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *fakeFactory) transport(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[i]
}
