package messaging

import "sync"

// Disposable releases a subscription, request or other scoped resource.
// Dispose must be safe to call more than once.
type Disposable interface {
	Dispose()
}

type disposeOnce struct {
	once sync.Once
	fn   func()
}

func (d *disposeOnce) Dispose() {
	d.once.Do(d.fn)
}

// NewDisposable wraps fn so that it runs at most once
func NewDisposable(fn func()) Disposable {
	if fn == nil {
		fn = func() {}
	}
	return &disposeOnce{fn: fn}
}

// CompositeDisposable disposes a set of resources together
type CompositeDisposable struct {
	mu       sync.Mutex
	items    []Disposable
	disposed bool
}

// Add registers d. If the composite is already disposed, d is disposed immediately.
func (c *CompositeDisposable) Add(d Disposable) {
	if d == nil {
		return
	}
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		d.Dispose()
		return
	}
	c.items = append(c.items, d)
	c.mu.Unlock()
}

// Dispose disposes every registered resource in reverse order of registration
func (c *CompositeDisposable) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	items := c.items
	c.items = nil
	c.mu.Unlock()

	for i := len(items) - 1; i >= 0; i-- {
		items[i].Dispose()
	}
}
