package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// VerifiedHashStore remembers the content hash of the last verified command
// per device, with a retention window. Enqueues matching the stored hash are
// suppressed; once the window lapses the next identical command is re-sent.
type VerifiedHashStore interface {
	Set(ctx context.Context, deviceID, contentHash string, ttl time.Duration) error
	// Get returns the stored hash, or "" when none is retained.
	Get(ctx context.Context, deviceID string) (string, error)
	Delete(ctx context.Context, deviceID string) error
}

type redisVerifiedHashStore struct {
	rdb redis.UniversalClient
}

func NewVerifiedHashStore(rdb redis.UniversalClient) VerifiedHashStore {
	return &redisVerifiedHashStore{rdb: rdb}
}

func verifiedKey(deviceID string) string { return "verified:" + deviceID }

func (s *redisVerifiedHashStore) Set(ctx context.Context, deviceID, contentHash string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, verifiedKey(deviceID), contentHash, ttl).Err(); err != nil {
		return fmt.Errorf("storing verified hash for %s: %w", deviceID, err)
	}
	return nil
}

func (s *redisVerifiedHashStore) Get(ctx context.Context, deviceID string) (string, error) {
	hash, err := s.rdb.Get(ctx, verifiedKey(deviceID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading verified hash for %s: %w", deviceID, err)
	}
	return hash, nil
}

func (s *redisVerifiedHashStore) Delete(ctx context.Context, deviceID string) error {
	if err := s.rdb.Del(ctx, verifiedKey(deviceID)).Err(); err != nil {
		return fmt.Errorf("clearing verified hash for %s: %w", deviceID, err)
	}
	return nil
}
