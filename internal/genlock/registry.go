// Package genlock guarantees at most one concurrent generation per
// logical key within a process. It does not provide cross-instance
// mutual exclusion; multi-instance deployments need a conditional write
// on the shared cache instead.
package genlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrGenerationPanic is what waiters joined on an in-flight call receive
// when its generate function panics. The panicking caller re-panics.
var ErrGenerationPanic = errors.New("generation panicked")

// call is one in-flight generation shared by all waiters for a key.
type call[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Registry deduplicates concurrent generation requests per key. Inject
// an instance per service; never share through package state.
type Registry[T any] struct {
	mu       sync.Mutex
	inflight map[string]*call[T]
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{inflight: make(map[string]*call[T])}
}

// CacheRead checks for an existing value; ok=false means miss.
type CacheRead[T any] func(ctx context.Context) (val T, ok bool, err error)

// CacheWrite persists a successful generation. The closure decides
// whether to persist at all (empty results are typically skipped so the
// next request can retry). Write failures are the closure's concern;
// the generated value is returned to callers regardless.
type CacheWrite[T any] func(ctx context.Context, val T) error

// GetOrGenerate returns the cached value when present, joins an
// in-flight generation for the same key when one exists, and otherwise
// runs generate itself. The registry entry is removed unconditionally
// once generate settles, success or failure, so a key can never
// deadlock.
func (r *Registry[T]) GetOrGenerate(ctx context.Context, key string, cacheRead CacheRead[T], cacheWrite CacheWrite[T], generate func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if cacheRead != nil {
		if val, ok, err := cacheRead(ctx); err == nil && ok {
			return val, nil
		}
	}

	r.mu.Lock()
	if c, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		select {
		case <-c.done:
			return c.val, c.err
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	c := &call[T]{done: make(chan struct{})}
	r.inflight[key] = c
	r.mu.Unlock()

	func() {
		// Entry removal must survive a panicking generate, or the key
		// deadlocks for the life of the process. The error is recorded
		// before done closes so waiters never observe a zero value with
		// a nil error.
		defer func() {
			rec := recover()
			if rec != nil {
				c.err = fmt.Errorf("%w: %v", ErrGenerationPanic, rec)
			}
			r.mu.Lock()
			delete(r.inflight, key)
			r.mu.Unlock()
			close(c.done)
			if rec != nil {
				panic(rec)
			}
		}()
		c.val, c.err = generate(ctx)
	}()

	if c.err == nil && cacheWrite != nil {
		_ = cacheWrite(ctx, c.val)
	}
	return c.val, c.err
}

// InFlight reports the number of registered generations, for tests and
// metrics.
func (r *Registry[T]) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}
