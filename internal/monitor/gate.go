package monitor

import (
	"sync"
	"time"
)

// Cooldown rate-limits anomaly events per key.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time)}
}

// Allow reports whether an event for key at ts may fire and records it
// when it does. Event time is used, so replayed data is rate-limited the
// same way as live data.
func (c *Cooldown) Allow(key string, ts time.Time, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.last[key]; ok {
		d := ts.Sub(prev)
		if d >= 0 && d < cooldown {
			return false
		}
	}
	c.last[key] = ts
	return true
}

func (c *Cooldown) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = make(map[string]time.Time)
}

// Dedupe drops records delivered more than once, e.g. by a file tail and
// a broker carrying the same capture output.
type Dedupe struct {
	mu    sync.Mutex
	items map[string]time.Time
	max   int
}

func NewDedupe() *Dedupe {
	return &Dedupe{items: make(map[string]time.Time), max: 10000}
}

func (d *Dedupe) Seen(key string, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[key]; ok && now.Sub(ts) <= ttl {
		return true
	}
	d.items[key] = now
	if len(d.items) > d.max {
		d.compact(now, ttl)
	}
	return false
}

func (d *Dedupe) compact(now time.Time, ttl time.Duration) {
	for k, ts := range d.items {
		if now.Sub(ts) > ttl {
			delete(d.items, k)
		}
	}
}

func (d *Dedupe) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = make(map[string]time.Time)
}
