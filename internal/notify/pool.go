package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks delivery pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolClosed is returned when a delivery is submitted after Close.
var ErrPoolClosed = errors.New("delivery pool is closed")

// Pool runs deliveries on a bounded number of goroutines.
type Pool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	logger  *slog.Logger

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewPool creates a pool running at most size deliveries at once.
func NewPool(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sem:    make(chan struct{}, size),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Submit schedules fn. It blocks while the pool is full and gives up when ctx
// is done or the pool closes. fn receives a context detached from ctx's
// cancellation so a delivery outlives the request that queued it.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPoolClosed
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolClosed
	}

	// wg.Add must happen under the lock so Close cannot start waiting first.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolClosed
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				p.logger.Error("delivery panicked", slog.Any("panic", r))
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(runCtx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
			return
		}
		atomic.AddInt64(&p.metrics.Delivered, 1)
	}()
	return nil
}

// Wait blocks until every submitted delivery returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close rejects new submissions and drains the running ones.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the counters.
func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Delivered: atomic.LoadInt64(&p.metrics.Delivered),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
