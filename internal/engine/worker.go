package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks run pool operational metrics.
type PoolMetrics struct {
	Capacity  int   `json:"capacity"` // 0 means unbounded
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Rejected  int64 `json:"rejected"`
}

var (
	// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
	ErrPoolShutdown = errors.New("run pool is shut down")
	// ErrPoolFull is returned by TrySubmit when every slot is taken.
	ErrPoolFull = errors.New("run pool is full")
)

// RunPool bounds how many workflow executions run concurrently.
// A pool created with size <= 0 never rejects work.
type RunPool struct {
	sem      chan struct{}
	capacity int
	wg       sync.WaitGroup
	metrics  PoolMetrics
	mu       sync.Mutex
	closed   bool
}

func NewRunPool(size int) *RunPool {
	p := &RunPool{capacity: size}
	if size > 0 {
		p.sem = make(chan struct{}, size)
	}
	return p
}

// TrySubmit starts fn on its own goroutine if a slot is free. It never blocks:
// a full pool returns ErrPoolFull and the caller decides when to try again.
func (p *RunPool) TrySubmit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolShutdown
	}

	if p.sem != nil {
		select {
		case p.sem <- struct{}{}:
		default:
			atomic.AddInt64(&p.metrics.Rejected, 1)
			return ErrPoolFull
		}
	}

	// wg.Add under the lock so Shutdown's Wait cannot miss this run.
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			if p.sem != nil {
				<-p.sem
			}
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()

	return nil
}

// Wait blocks until all submitted work completes.
func (p *RunPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new submissions and waits for active runs to return.
func (p *RunPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *RunPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Capacity:  p.capacity,
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
		Rejected:  atomic.LoadInt64(&p.metrics.Rejected),
	}
}
