package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const gatewayLastSeenKey = "gateways:last_seen"

// GatewayStore persists the raw last-seen timestamps from the gateway
// heartbeat feed. Online/offline status is derived by the health monitor.
type GatewayStore interface {
	Touch(ctx context.Context, gatewayID string, at time.Time) error
	// LastSeen returns every known gateway's last heartbeat time.
	LastSeen(ctx context.Context) (map[string]time.Time, error)
}

type redisGatewayStore struct {
	rdb redis.UniversalClient
}

func NewGatewayStore(rdb redis.UniversalClient) GatewayStore {
	return &redisGatewayStore{rdb: rdb}
}

func (s *redisGatewayStore) Touch(ctx context.Context, gatewayID string, at time.Time) error {
	if err := s.rdb.HSet(ctx, gatewayLastSeenKey, gatewayID, at.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("recording heartbeat for %s: %w", gatewayID, err)
	}
	return nil
}

func (s *redisGatewayStore) LastSeen(ctx context.Context) (map[string]time.Time, error) {
	fields, err := s.rdb.HGetAll(ctx, gatewayLastSeenKey).Result()
	if err != nil {
		return nil, fmt.Errorf("reading gateway heartbeats: %w", err)
	}
	seen := make(map[string]time.Time, len(fields))
	for id, raw := range fields {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		seen[id] = time.UnixMilli(ms)
	}
	return seen, nil
}
