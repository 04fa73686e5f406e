// Package pool holds pre-built, expensive client handles (speech
// engine connections and the like) in a fixed-size queue so session
// work never pays construction cost on the hot path.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	// ErrNotPrepared is returned by Acquire before Prepare has run.
	ErrNotPrepared = errors.New("pool: acquire before prepare")
	// ErrTimeout is returned when no resource frees up in time.
	ErrTimeout = errors.New("pool: acquire timed out")
	// ErrInvalidRelease rejects releasing the zero value, which would
	// silently shrink the pool.
	ErrInvalidRelease = errors.New("pool: release of zero-value item")
	// ErrOverflow indicates a double release.
	ErrOverflow = errors.New("pool: release would exceed pool size")
	// ErrClosed is returned once the pool has been shut down.
	ErrClosed = errors.New("pool: closed")
)

type Factory[T comparable] func(ctx context.Context) (T, error)

// Pool is a fixed-count resource pool. Items are created once by
// Prepare and recycled for the process lifetime.
type Pool[T comparable] struct {
	size    int
	factory Factory[T]

	mu        sync.Mutex
	prepared  bool
	preparing bool
	closed    bool
	queue     chan T
}

func New[T comparable](size int, factory Factory[T]) *Pool[T] {
	if size <= 0 {
		size = 1
	}
	return &Pool[T]{
		size:    size,
		factory: factory,
		queue:   make(chan T, size),
	}
}

// Prepare constructs all items. Idempotent; a second call is a no-op.
func (p *Pool[T]) Prepare(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.prepared || p.preparing {
		p.mu.Unlock()
		return nil
	}
	p.preparing = true
	p.mu.Unlock()

	for i := 0; i < p.size; i++ {
		item, err := p.factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.preparing = false
			p.mu.Unlock()
			return fmt.Errorf("pool: build item %d/%d: %w", i+1, p.size, err)
		}
		p.queue <- item
	}

	// prepared flips only once the queue holds every item; until then
	// Acquire keeps failing fast with ErrNotPrepared.
	p.mu.Lock()
	p.prepared = true
	p.preparing = false
	p.mu.Unlock()
	return nil
}

// Acquire blocks until an item is available or ctx expires. A caller
// that acquired an item owns it exclusively until Release.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrClosed
	}
	if !p.prepared {
		p.mu.Unlock()
		return zero, ErrNotPrepared
	}
	p.mu.Unlock()

	select {
	case item := <-p.queue:
		return item, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, ErrTimeout
		}
		return zero, ctx.Err()
	}
}

// Release returns an item to the queue. Releasing the zero value is a
// contract violation, not a no-op.
func (p *Pool[T]) Release(item T) error {
	var zero T
	if item == zero {
		return ErrInvalidRelease
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	select {
	case p.queue <- item:
		return nil
	default:
		return ErrOverflow
	}
}

// Lease runs fn with an acquired item and releases it on every exit
// path, including panic.
func (p *Pool[T]) Lease(ctx context.Context, fn func(T) error) error {
	item, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = p.Release(item)
	}()
	return fn(item)
}

// Available reports how many items sit in the queue right now.
func (p *Pool[T]) Available() int {
	return len(p.queue)
}

// Close shuts the pool down, closing queued items that implement
// io.Closer. Held items are the holder's problem.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var firstErr error
	for {
		select {
		case item := <-p.queue:
			if closer, ok := any(item).(io.Closer); ok {
				if err := closer.Close(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		default:
			return firstErr
		}
	}
}
