package preference

import (
	"context"
	"sync"
	"time"
)

// Store persists preference records keyed by user id.
type Store interface {
	// Get returns the stored record, or nil when the user has none.
	Get(ctx context.Context, userID string) (*Preferences, error)

	// Merge applies u atomically and returns the resulting record.
	Merge(ctx context.Context, userID string, u Update) (*Preferences, error)
}

// MemoryStore keeps preferences in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	prefs map[string]*Preferences
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		prefs: make(map[string]*Preferences),
		now:   time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs[userID].Clone(), nil
}

func (s *MemoryStore) Merge(_ context.Context, userID string, u Update) (*Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := Merge(s.prefs[userID], userID, u, s.now())
	s.prefs[userID] = merged
	return merged.Clone(), nil
}

// Put replaces the record for p.UserID.
func (s *MemoryStore) Put(p *Preferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.UserID] = p.Clone()
}
