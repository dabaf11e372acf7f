// Package admission decides whether a query may start executing. Two gates
// are applied in order: a per-minute token bucket that fails fast, then a
// bounded concurrency semaphore whose overflow waits in a FIFO queue.
package admission

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Window is the token bucket refill period.
const Window = time.Minute

var (
	ErrRateExceeded        = errors.New("rate limit exceeded")
	ErrConcurrencyExceeded = errors.New("too many concurrent queries")
	ErrCancelled           = errors.New("cancelled while waiting for a query slot")
)

// Clock reports the current time. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options configures a Controller.
type Options struct {
	// MaxConcurrent is the number of queries allowed to run at once. Up to
	// twice as many more may wait for a slot.
	MaxConcurrent int
	// MaxPerMinute is the token bucket capacity.
	MaxPerMinute int
	// Clock defaults to the system clock.
	Clock Clock
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	Tokens     int
	Capacity   int
	InUse      int
	Permits    int
	Queued     int
	QueueLimit int
}

// Controller admits queries. The zero value is not usable; call New.
//
// A single mutex guards the bucket, the permit count and the wait queue so
// the three stay consistent with each other.
type Controller struct {
	clock Clock

	mu          sync.Mutex
	capacity    int
	tokens      int
	windowStart time.Time
	permits     int
	inUse       int
	queueLimit  int
	queue       list.List // of *waiter, oldest first
}

type waiter struct {
	ready chan struct{}
	elem  *list.Element
}

// New returns a controller with a full token bucket. The refill boundaries
// are measured from this moment.
func New(opts Options) (*Controller, error) {
	if opts.MaxConcurrent < 1 {
		return nil, fmt.Errorf("admission: MaxConcurrent must be at least 1, got %d", opts.MaxConcurrent)
	}
	if opts.MaxPerMinute < 1 {
		return nil, fmt.Errorf("admission: MaxPerMinute must be at least 1, got %d", opts.MaxPerMinute)
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Controller{
		clock:       clock,
		capacity:    opts.MaxPerMinute,
		tokens:      opts.MaxPerMinute,
		windowStart: clock.Now(),
		permits:     opts.MaxConcurrent,
		queueLimit:  2 * opts.MaxConcurrent,
	}, nil
}

// Acquire takes one token and one concurrency permit. It returns
// ErrRateExceeded at once when the bucket is empty and ErrConcurrencyExceeded
// at once when every permit is taken and the queue is full. Otherwise it
// waits for a permit; if ctx ends first the error matches both ErrCancelled
// and ctx.Err(). A token taken by a call that then fails is not returned.
func (c *Controller) Acquire(ctx context.Context) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}

	c.mu.Lock()
	c.refillLocked()
	if c.tokens == 0 {
		c.mu.Unlock()
		return nil, ErrRateExceeded
	}
	c.tokens--

	if c.inUse < c.permits && c.queue.Len() == 0 {
		c.inUse++
		c.mu.Unlock()
		return &Lease{c: c}, nil
	}
	if c.queue.Len() >= c.queueLimit {
		c.mu.Unlock()
		return nil, ErrConcurrencyExceeded
	}
	w := &waiter{ready: make(chan struct{})}
	w.elem = c.queue.PushBack(w)
	c.mu.Unlock()

	select {
	case <-w.ready:
		return &Lease{c: c}, nil
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-w.ready:
		// Granted while we were giving up: pass the permit on.
		c.releaseLocked()
	default:
		c.queue.Remove(w.elem)
	}
	return nil, cancelled(ctx.Err())
}

// Stats returns a snapshot of the controller state.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refillLocked()
	return Stats{
		Tokens:     c.tokens,
		Capacity:   c.capacity,
		InUse:      c.inUse,
		Permits:    c.permits,
		Queued:     c.queue.Len(),
		QueueLimit: c.queueLimit,
	}
}

// refillLocked tops the bucket up to capacity once per elapsed window. The
// refill happens all at once on the boundary, not gradually.
func (c *Controller) refillLocked() {
	elapsed := c.clock.Now().Sub(c.windowStart)
	if elapsed < Window {
		return
	}
	c.windowStart = c.windowStart.Add(elapsed / Window * Window)
	c.tokens = c.capacity
}

// releaseLocked frees one permit, handing it straight to the oldest waiter
// if there is one.
func (c *Controller) releaseLocked() {
	if front := c.queue.Front(); front != nil {
		w := c.queue.Remove(front).(*waiter)
		close(w.ready)
		return
	}
	if c.inUse > 0 {
		c.inUse--
	}
}

func cancelled(cause error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// Lease is one granted concurrency permit.
type Lease struct {
	c    *Controller
	once sync.Once
}

// Release returns the permit. Calling it more than once is a no-op.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.c.mu.Lock()
		defer l.c.mu.Unlock()
		l.c.releaseLocked()
	})
}
