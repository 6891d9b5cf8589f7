package alerts

import (
	"sync"
	"time"

	"noisemon/internal/model"
)

// Store keeps the most recent anomaly events in a fixed-size ring.
type Store struct {
	mu    sync.RWMutex
	buf   []model.Anomaly
	head  int
	count int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{buf: make([]model.Anomaly, limit)}
}

func (s *Store) Add(a model.Anomaly) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.head] = a
	s.head = (s.head + 1) % len(s.buf)
	if s.count < len(s.buf) {
		s.count++
	}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// List returns up to limit events, newest first. A non-positive limit
// returns everything held.
func (s *Store) List(limit int) []model.Anomaly {
	return s.Since(time.Time{}, limit)
}

// Since returns events at or after ts, newest first.
func (s *Store) Since(ts time.Time, limit int) []model.Anomaly {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > s.count {
		limit = s.count
	}
	out := make([]model.Anomaly, 0, limit)
	for i := 1; i <= s.count && len(out) < limit; i++ {
		a := s.buf[(s.head-i+len(s.buf))%len(s.buf)]
		if a.Timestamp.Before(ts) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.buf {
		s.buf[i] = model.Anomaly{}
	}
	s.head = 0
	s.count = 0
}
