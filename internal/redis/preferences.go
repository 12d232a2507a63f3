package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/preference"
)

const preferenceMergeRetries = 5

// PreferenceStore keeps preference records as JSON documents. Merges run in
// an optimistic WATCH/MULTI transaction, so concurrent updates to one user
// never drop each other's category keys.
type PreferenceStore struct {
	client *Client
	logger *zap.Logger
	now    func() time.Time
}

// NewPreferenceStore creates a Redis-backed preference.Store.
func NewPreferenceStore(client *Client, logger *zap.Logger) *PreferenceStore {
	return &PreferenceStore{client: client, logger: logger, now: time.Now}
}

func preferenceKey(userID string) string {
	return "preferences:" + userID
}

func decodePreferences(val string) (*preference.Preferences, error) {
	var p preference.Preferences
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		return nil, fmt.Errorf("invalid stored preferences: %w", err)
	}
	return &p, nil
}

func (s *PreferenceStore) Get(ctx context.Context, userID string) (*preference.Preferences, error) {
	val, err := s.client.rdb.Get(ctx, preferenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return decodePreferences(val)
}

func (s *PreferenceStore) Merge(ctx context.Context, userID string, u preference.Update) (*preference.Preferences, error) {
	key := preferenceKey(userID)
	var merged *preference.Preferences

	txf := func(tx *redis.Tx) error {
		var base *preference.Preferences
		val, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if base, err = decodePreferences(val); err != nil {
				return err
			}
		}

		merged = preference.Merge(base, userID, u, s.now())
		data, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < preferenceMergeRetries; attempt++ {
		err := s.client.rdb.Watch(ctx, txf, key)
		if err == nil {
			return merged, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, fmt.Errorf("preference merge failed: %w", err)
		}
		s.logger.Debug("preference merge conflict, retrying",
			zap.String("user_id", userID),
			zap.Int("attempt", attempt+1),
		)
	}
	return nil, fmt.Errorf("preference merge for %s: too much contention", userID)
}
