package baseline

import (
	"context"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

var SystemClock Clock = systemClock{}

// Cache holds a single value together with the time it was fetched. A value
// older than ttl is stale; a non-positive ttl never expires.
type Cache[T any] struct {
	mu        sync.Mutex
	clock     Clock
	ttl       time.Duration
	value     T
	fetchedAt time.Time
	valid     bool
}

func NewCache[T any](ttl time.Duration, clock Clock) *Cache[T] {
	if clock == nil {
		clock = SystemClock
	}
	return &Cache[T]{ttl: ttl, clock: clock}
}

func (c *Cache[T]) Get() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid || c.staleLocked() {
		var zero T
		return zero, false
	}
	return c.value, true
}

func (c *Cache[T]) Set(value T) {
	c.mu.Lock()
	c.value = value
	c.fetchedAt = c.clock.Now()
	c.valid = true
	c.mu.Unlock()
}

func (c *Cache[T]) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.valid || c.staleLocked()
}

func (c *Cache[T]) FetchedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchedAt
}

func (c *Cache[T]) Invalidate() {
	c.mu.Lock()
	var zero T
	c.value = zero
	c.valid = false
	c.mu.Unlock()
}

// GetOrLoad returns the cached value, calling load when it is missing or
// stale. On a load error a previous value is served for another ttl along
// with the error.
func (c *Cache[T]) GetOrLoad(ctx context.Context, load func(context.Context) (T, error)) (T, error) {
	if v, ok := c.Get(); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.valid {
			c.fetchedAt = c.clock.Now()
			return c.value, err
		}
		var zero T
		return zero, err
	}
	c.Set(v)
	return v, nil
}

func (c *Cache[T]) staleLocked() bool {
	if c.ttl <= 0 {
		return false
	}
	return c.clock.Now().Sub(c.fetchedAt) > c.ttl
}
