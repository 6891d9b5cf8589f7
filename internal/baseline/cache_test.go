package baseline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	clock := newFakeClock()
	c := NewCache[int](time.Hour, clock)
	assert.True(t, c.Stale())

	c.Set(7)
	v, ok := c.Get()
	require.True(t, ok)
	assert.Equal(t, 7, v)
	assert.Equal(t, clock.now, c.FetchedAt())

	clock.Advance(time.Hour)
	assert.False(t, c.Stale())
	clock.Advance(time.Second)
	assert.True(t, c.Stale())
	_, ok = c.Get()
	assert.False(t, ok)
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache[string](time.Hour, newFakeClock())
	c.Set("rows")
	c.Invalidate()
	_, ok := c.Get()
	assert.False(t, ok)
}

func TestCacheZeroTTLNeverExpires(t *testing.T) {
	clock := newFakeClock()
	c := NewCache[int](0, clock)
	c.Set(1)
	clock.Advance(1000 * time.Hour)
	assert.False(t, c.Stale())
}

func TestCacheGetOrLoad(t *testing.T) {
	clock := newFakeClock()
	c := NewCache[int](time.Minute, clock)
	calls := 0
	load := func(context.Context) (int, error) {
		calls++
		return calls * 10, nil
	}

	v, err := c.GetOrLoad(context.Background(), load)
	require.NoError(t, err)
	assert.Equal(t, 10, v)
	v, _ = c.GetOrLoad(context.Background(), load)
	assert.Equal(t, 10, v)
	assert.Equal(t, 1, calls)

	clock.Advance(2 * time.Minute)
	v, _ = c.GetOrLoad(context.Background(), load)
	assert.Equal(t, 20, v)
	assert.Equal(t, 2, calls)
}

func TestCacheGetOrLoadKeepsPreviousOnError(t *testing.T) {
	clock := newFakeClock()
	c := NewCache[int](time.Minute, clock)
	c.Set(5)
	clock.Advance(2 * time.Minute)

	boom := errors.New("boom")
	v, err := c.GetOrLoad(context.Background(), func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 5, v)
	assert.False(t, c.Stale())

	empty := NewCache[int](time.Minute, clock)
	v, err = empty.GetOrLoad(context.Background(), func(context.Context) (int, error) { return 9, boom })
	assert.Error(t, err)
	assert.Equal(t, 0, v)
	assert.True(t, empty.Stale())
}
