package db

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps message records in process memory.
//
// Each id owns its own slot and lock, so read-modify-write on one message never
// blocks updates to another.
type MemoryStore struct {
	slots sync.Map // id -> *slot
	now   func() time.Time
}

type slot struct {
	mu  sync.Mutex
	rec *MessageRecord
}

// NewMemoryStore creates an empty in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// CreateMessage inserts a new record. It fails with ErrDuplicateMessage if the id exists.
func (s *MemoryStore) CreateMessage(ctx context.Context, rec *MessageRecord) error {
	now := s.now().UTC()
	stored := rec.Clone()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	if _, loaded := s.slots.LoadOrStore(rec.ID, &slot{rec: stored}); loaded {
		return ErrDuplicateMessage
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

// GetMessage returns a copy of the record for id.
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*MessageRecord, error) {
	v, ok := s.slots.Load(id)
	if !ok {
		return nil, ErrMessageNotFound
	}
	sl := v.(*slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.rec.Clone(), nil
}

// UpdateMessage applies fn to a copy of the record under the record's lock and stores
// the result if fn returns nil.
func (s *MemoryStore) UpdateMessage(ctx context.Context, id string, fn func(*MessageRecord) error) (*MessageRecord, error) {
	v, ok := s.slots.Load(id)
	if !ok {
		return nil, ErrMessageNotFound
	}
	sl := v.(*slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	next := sl.rec.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = sl.rec.ID
	next.CreatedAt = sl.rec.CreatedAt
	next.UpdatedAt = s.now().UTC()
	sl.rec = next
	return next.Clone(), nil
}

// ListByRecipient returns the most recent records for a recipient, newest
// first. An empty channel matches every channel.
func (s *MemoryStore) ListByRecipient(ctx context.Context, recipient string, channel Channel, limit, offset int) ([]*MessageRecord, error) {
	var matched []*MessageRecord
	s.slots.Range(func(_, v any) bool {
		sl := v.(*slot)
		sl.mu.Lock()
		rec := sl.rec
		if rec.Recipient == recipient && (channel == "" || rec.Channel == channel) {
			matched = append(matched, rec.Clone())
		}
		sl.mu.Unlock()
		return true
	})

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}
