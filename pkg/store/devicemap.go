package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DeviceMapStore maps parking spaces to their indicator display device.
// The mapping is learned from device metadata carried on display uplinks, so
// swapped hardware is picked up without redeploys.
type DeviceMapStore interface {
	Set(ctx context.Context, tenantID, spaceID, deviceID string) error
	// Get returns the display device for the space, or "" when none is known.
	Get(ctx context.Context, tenantID, spaceID string) (string, error)
}

type redisDeviceMapStore struct {
	rdb redis.UniversalClient
}

func NewDeviceMapStore(rdb redis.UniversalClient) DeviceMapStore {
	return &redisDeviceMapStore{rdb: rdb}
}

func deviceMapKey(tenantID string) string { return "displays:" + tenantID }

func (s *redisDeviceMapStore) Set(ctx context.Context, tenantID, spaceID, deviceID string) error {
	if err := s.rdb.HSet(ctx, deviceMapKey(tenantID), spaceID, deviceID).Err(); err != nil {
		return fmt.Errorf("storing display mapping for %s/%s: %w", tenantID, spaceID, err)
	}
	return nil
}

func (s *redisDeviceMapStore) Get(ctx context.Context, tenantID, spaceID string) (string, error) {
	deviceID, err := s.rdb.HGet(ctx, deviceMapKey(tenantID), spaceID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading display mapping for %s/%s: %w", tenantID, spaceID, err)
	}
	return deviceID, nil
}
