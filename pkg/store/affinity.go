package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/curbsense/displayd/pkg/models"
)

const affinityHistoryDepth = 10

// AffinityStore records which gateway last heard each device. It is a flat
// lookup keyed by device id; the network server owns actual routing.
type AffinityStore interface {
	// Update records a fresh uplink observation for the device.
	Update(ctx context.Context, deviceID, gatewayID string, at time.Time, frameCounter int64) error
	// Get returns the device's affinity, or nil when it has never uplinked.
	Get(ctx context.Context, deviceID string) (*models.DeviceGatewayAffinity, error)
}

type redisAffinityStore struct {
	rdb redis.UniversalClient
}

func NewAffinityStore(rdb redis.UniversalClient) AffinityStore {
	return &redisAffinityStore{rdb: rdb}
}

func affinityKey(deviceID string) string     { return "affinity:" + deviceID }
func affinityHistKey(deviceID string) string { return "affinity:" + deviceID + ":hist" }

func (s *redisAffinityStore) Update(ctx context.Context, deviceID, gatewayID string, at time.Time, frameCounter int64) error {
	prev, err := s.rdb.HGet(ctx, affinityKey(deviceID), "gateway_id").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("reading affinity for %s: %w", deviceID, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, affinityKey(deviceID), map[string]any{
		"gateway_id":    gatewayID,
		"last_uplink":   at.UnixMilli(),
		"frame_counter": frameCounter,
	})
	if prev != gatewayID {
		pipe.LPush(ctx, affinityHistKey(deviceID), gatewayID)
		pipe.LTrim(ctx, affinityHistKey(deviceID), 0, affinityHistoryDepth-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("updating affinity for %s: %w", deviceID, err)
	}
	return nil
}

func (s *redisAffinityStore) Get(ctx context.Context, deviceID string) (*models.DeviceGatewayAffinity, error) {
	fields, err := s.rdb.HGetAll(ctx, affinityKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading affinity for %s: %w", deviceID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	lastMs, _ := strconv.ParseInt(fields["last_uplink"], 10, 64)
	fcnt, _ := strconv.ParseInt(fields["frame_counter"], 10, 64)

	history, err := s.rdb.LRange(ctx, affinityHistKey(deviceID), 0, affinityHistoryDepth-1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("reading affinity history for %s: %w", deviceID, err)
	}

	return &models.DeviceGatewayAffinity{
		DeviceID:         deviceID,
		CurrentGatewayID: fields["gateway_id"],
		LastUplinkAt:     time.UnixMilli(lastMs),
		LastFrameCounter: fcnt,
		History:          history,
	}, nil
}
