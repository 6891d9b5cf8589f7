package metrics

import (
	"sync"
	"time"

	"noisemon/internal/model"
)

// Latest is the most recent scored record seen for one source.
type Latest struct {
	Source    string       `json:"source"`
	Record    model.Record `json:"record"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Store holds the latest record per source, evicting the least recently
// updated source once limit is exceeded.
type Store struct {
	mu       sync.RWMutex
	bySource map[string]Latest
	limit    int
	now      func() time.Time
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 256
	}
	return &Store{
		bySource: make(map[string]Latest),
		limit:    limit,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Update(rec model.Record) {
	if rec.Source == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySource[rec.Source] = Latest{Source: rec.Source, Record: rec, UpdatedAt: s.now()}
	if len(s.bySource) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(source string) (Latest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.bySource[source]
	return l, ok
}

func (s *Store) GetAll() map[string]Latest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Latest, len(s.bySource))
	for k, v := range s.bySource {
		out[k] = v
	}
	return out
}

func (s *Store) evictOldest() {
	var oldestSource string
	var oldest time.Time
	for source, l := range s.bySource {
		if oldestSource == "" || l.UpdatedAt.Before(oldest) {
			oldestSource = source
			oldest = l.UpdatedAt
		}
	}
	if oldestSource != "" {
		delete(s.bySource, oldestSource)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySource = make(map[string]Latest)
}
