package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/curbsense/displayd/pkg/models"
)

// SpaceStateStore reads the per-space inputs owned by other systems: the
// reservation engine publishes upcoming reservations and operators set
// override flags. Both live in redis; a missing key means free and normal.
type SpaceStateStore interface {
	Reservation(ctx context.Context, spaceID string) (models.ReservationStatus, error)
	AdminState(ctx context.Context, spaceID string) (models.AdminState, error)
	SetAdminState(ctx context.Context, spaceID string, state models.AdminState) error
}

type redisSpaceStateStore struct {
	rdb redis.UniversalClient
}

func NewSpaceStateStore(rdb redis.UniversalClient) SpaceStateStore {
	return &redisSpaceStateStore{rdb: rdb}
}

func reservationKey(spaceID string) string { return "reservation:" + spaceID }
func adminKey(spaceID string) string       { return "admin:" + spaceID }

func (s *redisSpaceStateStore) Reservation(ctx context.Context, spaceID string) (models.ReservationStatus, error) {
	status := models.ReservationStatus{SpaceID: spaceID, State: models.ReservedFree}

	fields, err := s.rdb.HGetAll(ctx, reservationKey(spaceID)).Result()
	if err != nil {
		return status, fmt.Errorf("reading reservation for %s: %w", spaceID, err)
	}
	if len(fields) == 0 {
		return status, nil
	}

	switch models.ReservationState(fields["state"]) {
	case models.ReservedNow:
		status.State = models.ReservedNow
	case models.ReservedSoon:
		status.State = models.ReservedSoon
		if startsAtMs, perr := strconv.ParseInt(fields["starts_at"], 10, 64); perr == nil {
			status.StartsIn = time.Until(time.UnixMilli(startsAtMs))
		}
	}
	return status, nil
}

func (s *redisSpaceStateStore) AdminState(ctx context.Context, spaceID string) (models.AdminState, error) {
	val, err := s.rdb.Get(ctx, adminKey(spaceID)).Result()
	if err == redis.Nil {
		return models.AdminNormal, nil
	}
	if err != nil {
		return models.AdminNormal, fmt.Errorf("reading admin state for %s: %w", spaceID, err)
	}
	switch models.AdminState(val) {
	case models.AdminBlocked, models.AdminOutOfService:
		return models.AdminState(val), nil
	default:
		return models.AdminNormal, nil
	}
}

func (s *redisSpaceStateStore) SetAdminState(ctx context.Context, spaceID string, state models.AdminState) error {
	if state == models.AdminNormal {
		if err := s.rdb.Del(ctx, adminKey(spaceID)).Err(); err != nil {
			return fmt.Errorf("clearing admin state for %s: %w", spaceID, err)
		}
		return nil
	}
	if err := s.rdb.Set(ctx, adminKey(spaceID), string(state), 0).Err(); err != nil {
		return fmt.Errorf("storing admin state for %s: %w", spaceID, err)
	}
	return nil
}
