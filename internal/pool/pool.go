// Package pool bounds the number of concurrently running agent processes.
//
// Admission is a fair FIFO wait: callers that cannot get a slot immediately
// join an ordered waiter queue and are woken in arrival order as slots free.
package pool

import (
	"context"
	"errors"
	"sync"
)

// ErrAcquireTimeout is returned when the admission wait exceeds its deadline.
var ErrAcquireTimeout = errors.New("admission wait timed out")

// Slot is one unit of worker capacity. It must be released on every exit
// path; Release is idempotent so a deferred call is always safe.
type Slot struct {
	pool *Pool
	once sync.Once
}

// Release returns the slot to the pool. Safe to call more than once.
func (s *Slot) Release() {
	s.once.Do(s.pool.release)
}

type waiter struct {
	ch chan *Slot
}

// Pool is a fixed-capacity admission controller with FIFO waiting.
type Pool struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  []*waiter
}

// New creates a pool with the given capacity. Capacity must be positive.
func New(capacity int) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	return &Pool{capacity: capacity}
}

// Acquire blocks until a slot is available or ctx is done. Waiters are
// served strictly in arrival order. On ctx expiry it returns
// ErrAcquireTimeout wrapping the context error.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	p.mu.Lock()
	if p.inUse < p.capacity {
		p.inUse++
		p.mu.Unlock()
		return &Slot{pool: p}, nil
	}

	w := &waiter{ch: make(chan *Slot, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case slot := <-w.ch:
		return slot, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, queued := range p.waiters {
			if queued == w {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				p.mu.Unlock()
				return nil, errors.Join(ErrAcquireTimeout, ctx.Err())
			}
		}
		p.mu.Unlock()
		// A slot was already dequeued for this waiter; take it and put it
		// back so capacity is not leaked.
		slot := <-w.ch
		slot.Release()
		return nil, errors.Join(ErrAcquireTimeout, ctx.Err())
	}
}

// release hands the freed slot to the oldest waiter, or returns it to
// capacity when nobody is waiting.
func (p *Pool) release() {
	p.mu.Lock()
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w.ch <- &Slot{pool: p}
		return
	}
	p.inUse--
	p.mu.Unlock()
}

// Capacity returns the configured pool size.
func (p *Pool) Capacity() int {
	return p.capacity
}

// InUse returns the number of currently held slots.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Waiting returns the number of callers queued for admission.
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
