package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a completed send response is replayed.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds how long a crashed request can hold a key.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrRequestInFlight means another request with the same key is still running.
var ErrRequestInFlight = errors.New("a request with this idempotency key is in progress")

// IdempotencyResult is the stored response of a completed request.
type IdempotencyResult struct {
	MessageID  string          `json:"message_id,omitempty"`
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
	CreatedAt  int64           `json:"created_at"`
}

// IdempotencyService replays responses for repeated Idempotency-Key values.
// Keys are scoped per client so two callers may reuse the same key.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func idempotencyKey(scope, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", scope, key)
}

// Begin looks up key. It returns the stored result when the request already
// completed, reserves the key and returns (nil, nil) for a new request, or
// returns ErrRequestInFlight when another request holds the reservation.
func (s *IdempotencyService) Begin(ctx context.Context, scope, key string) (*IdempotencyResult, error) {
	k := idempotencyKey(scope, key)

	reserved, err := s.client.rdb.SetNX(ctx, k, processingMarker, processingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if reserved {
		return nil, nil
	}

	val, err := s.client.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; try once more
		return s.Begin(ctx, scope, key)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	if val == processingMarker {
		return nil, ErrRequestInFlight
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency replay",
		zap.String("scope", scope),
		zap.String("message_id", result.MessageID),
	)
	return &result, nil
}

// Complete stores the response for a reserved key.
func (s *IdempotencyService) Complete(ctx context.Context, scope, key string, result *IdempotencyResult) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := s.client.rdb.Set(ctx, idempotencyKey(scope, key), data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops a reservation so the request can be retried.
func (s *IdempotencyService) Release(ctx context.Context, scope, key string) error {
	if err := s.client.rdb.Del(ctx, idempotencyKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
